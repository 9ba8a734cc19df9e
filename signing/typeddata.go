package signing

import (
	"errors"
	"fmt"
	"strings"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"

	"nftlend/crypto"
)

// ActionKind identifies a signable economic action. The set is closed: the
// codec refuses to build messages for kinds it does not know.
type ActionKind string

const (
	ActionLogin         ActionKind = "login"
	ActionLoanOffer     ActionKind = "loan_offer"
	ActionRenegotiation ActionKind = "renegotiation"
)

// FieldType declares how a field value is encoded into the struct hash.
type FieldType string

const (
	FieldUint   FieldType = "uint256"
	FieldString FieldType = "string"
)

// Field is one named, typed slot in an action schema. Order within a schema
// is part of the wire contract with the signing wallet and must not change.
type Field struct {
	Name string
	Type FieldType
}

// Domain separates signatures across deployments. Name, ChainID and Version
// all participate in the domain separator.
type Domain struct {
	Name    string
	ChainID string
	Version string
}

var (
	ErrUnknownAction  = errors.New("signing: unknown action kind")
	ErrSchemaMismatch = errors.New("signing: field values do not match schema")
)

var schemas = map[ActionKind]struct {
	primary string
	fields  []Field
}{
	ActionLogin: {
		primary: "Login",
		fields: []Field{
			{Name: "name", Type: FieldString},
			{Name: "age", Type: FieldUint},
			{Name: "address", Type: FieldString},
		},
	},
	ActionLoanOffer: {
		primary: "LoanOffer",
		fields: []Field{
			{Name: "principal", Type: FieldUint},
			{Name: "repayment_amount", Type: FieldUint},
			{Name: "collateral_contract", Type: FieldString},
			{Name: "collateral_id", Type: FieldUint},
			{Name: "token_contract", Type: FieldString},
			{Name: "loan_duration", Type: FieldUint},
			{Name: "lender", Type: FieldString},
			{Name: "expiry", Type: FieldUint},
			{Name: "chain_id", Type: FieldString},
			{Name: "unique_id", Type: FieldUint},
		},
	},
	ActionRenegotiation: {
		primary: "Renegotiation",
		fields: []Field{
			{Name: "loan_id", Type: FieldString},
			{Name: "repayment_amount", Type: FieldUint},
			{Name: "loan_duration", Type: FieldUint},
			{Name: "incentive", Type: FieldUint},
			{Name: "lender", Type: FieldString},
			{Name: "expiry", Type: FieldUint},
			{Name: "chain_id", Type: FieldString},
			{Name: "unique_id", Type: FieldUint},
		},
	},
}

// Schema returns the declared field list for an action kind.
func Schema(kind ActionKind) ([]Field, bool) {
	entry, ok := schemas[kind]
	if !ok {
		return nil, false
	}
	fields := make([]Field, len(entry.fields))
	copy(fields, entry.fields)
	return fields, true
}

// CanonicalMessage is the structured payload a wallet signs: domain
// separator, declared field schema, and the field values bound to it.
type CanonicalMessage struct {
	Kind   ActionKind
	Domain Domain
	Fields []Field
	Values map[string]string
}

// Build assembles the canonical message for an action kind. The supplied
// values must cover the schema exactly: a missing or extraneous key fails
// with ErrSchemaMismatch.
func Build(kind ActionKind, domain Domain, values map[string]string) (*CanonicalMessage, error) {
	entry, ok := schemas[kind]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownAction, kind)
	}
	if len(values) != len(entry.fields) {
		return nil, fmt.Errorf("%w: got %d values, schema %q declares %d", ErrSchemaMismatch, len(values), kind, len(entry.fields))
	}
	for _, field := range entry.fields {
		if _, ok := values[field.Name]; !ok {
			return nil, fmt.Errorf("%w: missing field %q", ErrSchemaMismatch, field.Name)
		}
	}
	bound := make(map[string]string, len(values))
	for k, v := range values {
		bound[k] = v
	}
	fields := make([]Field, len(entry.fields))
	copy(fields, entry.fields)
	return &CanonicalMessage{Kind: kind, Domain: domain, Fields: fields, Values: bound}, nil
}

// Login challenge constants. The login message carries no user data; wallets
// sign this fixed challenge and the signer key binds it to an identity.
const (
	loginChallengeName    = "nftlend-login"
	loginChallengeAge     = "0"
	loginChallengeAddress = "0x0"
)

// LoginMessage returns the fixed login challenge for the given domain.
func LoginMessage(domain Domain) *CanonicalMessage {
	msg, err := Build(ActionLogin, domain, map[string]string{
		"name":    loginChallengeName,
		"age":     loginChallengeAge,
		"address": loginChallengeAddress,
	})
	if err != nil {
		panic(err) // static challenge always matches the static schema
	}
	return msg
}

// Hash computes the 32-byte digest the wallet signs. The digest binds the
// domain separator, the struct hash of the typed fields, and the signer's
// public key, so the same message content hashes differently per signer.
func (m *CanonicalMessage) Hash(signer *crypto.PublicKey) ([]byte, error) {
	if m == nil {
		return nil, errors.New("signing: nil message")
	}
	if signer == nil {
		return nil, errors.New("signing: nil signer key")
	}
	entry, ok := schemas[m.Kind]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownAction, m.Kind)
	}

	structHash, err := m.structHash(entry.primary)
	if err != nil {
		return nil, err
	}
	domainSep := domainSeparator(m.Domain)
	signerHash := ethcrypto.Keccak256(signer.Bytes())

	return ethcrypto.Keccak256([]byte{0x19, 0x01}, domainSep, structHash, signerHash), nil
}

func (m *CanonicalMessage) structHash(primary string) ([]byte, error) {
	typeHash := ethcrypto.Keccak256([]byte(encodeType(primary, m.Fields)))
	parts := make([][]byte, 0, len(m.Fields)+1)
	parts = append(parts, typeHash)
	for _, field := range m.Fields {
		encoded, err := encodeValue(field, m.Values[field.Name])
		if err != nil {
			return nil, err
		}
		parts = append(parts, encoded)
	}
	return ethcrypto.Keccak256(parts...), nil
}

// encodeType renders the schema as a stable type string, e.g.
// "LoanOffer(uint256 principal,uint256 repayment_amount,...)".
func encodeType(primary string, fields []Field) string {
	var b strings.Builder
	b.WriteString(primary)
	b.WriteByte('(')
	for i, field := range fields {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(string(field.Type))
		b.WriteByte(' ')
		b.WriteString(field.Name)
	}
	b.WriteByte(')')
	return b.String()
}

func encodeValue(field Field, value string) ([]byte, error) {
	switch field.Type {
	case FieldUint:
		n, err := uint256.FromDecimal(strings.TrimSpace(value))
		if err != nil {
			return nil, fmt.Errorf("signing: field %q: invalid uint value: %w", field.Name, err)
		}
		enc := n.Bytes32()
		return enc[:], nil
	case FieldString:
		return ethcrypto.Keccak256([]byte(value)), nil
	default:
		return nil, fmt.Errorf("signing: field %q has unsupported type %q", field.Name, field.Type)
	}
}

func domainSeparator(d Domain) []byte {
	typeHash := ethcrypto.Keccak256([]byte("Domain(string name,string chainId,string version)"))
	return ethcrypto.Keccak256(
		typeHash,
		ethcrypto.Keccak256([]byte(d.Name)),
		ethcrypto.Keccak256([]byte(d.ChainID)),
		ethcrypto.Keccak256([]byte(d.Version)),
	)
}
