package signing

import (
	"errors"
	"fmt"
	"math/big"
	"strings"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"nftlend/crypto"
)

// Wallets transmit signatures as an ordered list of decimal components that
// carries transport framing around the two curve scalars. Verification
// consumes exactly the components at ComponentIndexR and ComponentIndexS;
// everything else is framing and is ignored here.
const (
	// LoginTransportMinComponents is the minimum bundle length accepted on
	// the login path. It is a transport-format floor, not the number of
	// components verification consumes.
	LoginTransportMinComponents = 5

	// ComponentIndexR and ComponentIndexS locate the (r, s) scalars inside
	// the transport list.
	ComponentIndexR = 3
	ComponentIndexS = 4
)

// ErrMalformedSignature reports signature input that fails to parse before
// any cryptographic verification is attempted.
var ErrMalformedSignature = errors.New("signing: malformed signature")

// ParseComponents decodes the transport list of decimal strings. Any
// non-numeric entry fails with ErrMalformedSignature.
func ParseComponents(raw []string) ([]*big.Int, error) {
	components := make([]*big.Int, len(raw))
	for i, s := range raw {
		n, ok := new(big.Int).SetString(strings.TrimSpace(s), 10)
		if !ok {
			return nil, fmt.Errorf("%w: component %d is not a decimal integer", ErrMalformedSignature, i)
		}
		components[i] = n
	}
	return components, nil
}

// Verify reports whether the (r, s) pair carried in the component list is a
// valid secp256k1 signature over digest by the given public key. It fails
// closed: a list too short to carry both scalars, or scalars outside the
// 256-bit range, verify as false rather than erroring.
func Verify(digest []byte, components []*big.Int, pub *crypto.PublicKey) bool {
	if pub == nil || len(digest) != 32 {
		return false
	}
	if len(components) <= ComponentIndexS {
		return false
	}
	r := components[ComponentIndexR]
	s := components[ComponentIndexS]
	if r == nil || s == nil || r.Sign() <= 0 || s.Sign() <= 0 {
		return false
	}
	if r.BitLen() > 256 || s.BitLen() > 256 {
		return false
	}

	sig := make([]byte, 64)
	r.FillBytes(sig[:32])
	s.FillBytes(sig[32:])

	return ethcrypto.VerifySignature(pub.Bytes(), digest, sig)
}
