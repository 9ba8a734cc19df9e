package crypto

import (
	"crypto/ecdsa"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/crypto"
)

// PublicKeyHexLen is the length of a hex-encoded uncompressed secp256k1
// public key without the 0x prefix (65 bytes).
const PublicKeyHexLen = 130

// --- Key Management ---

type PrivateKey struct {
	*ecdsa.PrivateKey
}

type PublicKey struct {
	*ecdsa.PublicKey
}

func GeneratePrivateKey() (*PrivateKey, error) {
	key, err := ecdsa.GenerateKey(crypto.S256(), rand.Reader)
	if err != nil {
		return nil, err
	}
	return &PrivateKey{key}, nil
}

// Bytes returns the byte representation of the private key.
func (k *PrivateKey) Bytes() []byte {
	return crypto.FromECDSA(k.PrivateKey)
}

func (k *PrivateKey) PubKey() *PublicKey {
	return &PublicKey{&k.PrivateKey.PublicKey}
}

// Sign produces a 65-byte [R || S || V] signature over a 32-byte digest.
func (k *PrivateKey) Sign(digest []byte) ([]byte, error) {
	if len(digest) != 32 {
		return nil, fmt.Errorf("digest must be 32 bytes, got %d", len(digest))
	}
	return crypto.Sign(digest, k.PrivateKey)
}

func PrivateKeyFromBytes(b []byte) (*PrivateKey, error) {
	key, err := crypto.ToECDSA(b)
	if err != nil {
		return nil, err
	}
	return &PrivateKey{key}, nil
}

// Bytes returns the uncompressed 65-byte representation of the public key.
func (k *PublicKey) Bytes() []byte {
	return crypto.FromECDSAPub(k.PublicKey)
}

// Hex returns the canonical wire form of the key: 0x-prefixed lowercase hex
// of the uncompressed point. This string is the account identity.
func (k *PublicKey) Hex() string {
	return "0x" + hex.EncodeToString(k.Bytes())
}

// ParsePublicKey decodes a hex-encoded secp256k1 public key. Both compressed
// (33-byte) and uncompressed (65-byte) encodings are accepted; the 0x prefix
// is optional.
func ParsePublicKey(s string) (*PublicKey, error) {
	cleaned := strings.TrimPrefix(strings.TrimSpace(strings.ToLower(s)), "0x")
	raw, err := hex.DecodeString(cleaned)
	if err != nil {
		return nil, fmt.Errorf("invalid public key hex: %w", err)
	}
	switch len(raw) {
	case 65:
		key, err := crypto.UnmarshalPubkey(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid public key: %w", err)
		}
		return &PublicKey{key}, nil
	case 33:
		key, err := crypto.DecompressPubkey(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid compressed public key: %w", err)
		}
		return &PublicKey{key}, nil
	default:
		return nil, fmt.Errorf("invalid public key length %d", len(raw))
	}
}

// NormalizeKeyHex canonicalizes a hex public key string for storage and
// comparison. It does not validate the underlying curve point.
func NormalizeKeyHex(s string) string {
	return "0x" + strings.TrimPrefix(strings.TrimSpace(strings.ToLower(s)), "0x")
}
