package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// ListingStatus represents a state in the collateral listing lifecycle.
type ListingStatus string

const (
	ListingOpen   ListingStatus = "OPEN"
	ListingClosed ListingStatus = "CLOSED"
)

// LoanStatus represents a state in the loan lifecycle. PENDING is the only
// non-terminal state.
type LoanStatus string

const (
	LoanPending    LoanStatus = "PENDING"
	LoanExpired    LoanStatus = "EXPIRED"
	LoanForeclosed LoanStatus = "FORECLOSED"
	LoanRepaid     LoanStatus = "REPAID"
)

// RenegotiationStatus represents a state of a renegotiation offer.
type RenegotiationStatus string

const (
	RenegotiationPending   RenegotiationStatus = "PENDING"
	RenegotiationCountered RenegotiationStatus = "COUNTERED"
	RenegotiationAccepted  RenegotiationStatus = "ACCEPTED"
)

// Actor roles recorded on renegotiation offers and audit events.
const (
	RoleBorrower = "borrower"
	RoleLender   = "lender"
	RoleObserver = "observer"
)

// Account is a wallet-backed identity. The public key is the account's
// immutable chain identity; email is optional and unique when present.
type Account struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	PublicKey string    `gorm:"size:150;uniqueIndex;not null" json:"public_key"`
	Email     *string   `gorm:"size:150;uniqueIndex" json:"email"`
	Active    bool      `gorm:"not null;default:true" json:"-"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"-"`
}

// AcceptedNFT whitelists an NFT contract eligible as loan collateral.
type AcceptedNFT struct {
	ID              uuid.UUID `gorm:"type:uuid;primaryKey" json:"-"`
	Name            string    `gorm:"size:64;uniqueIndex;not null" json:"name"`
	ContractAddress string    `gorm:"size:150;uniqueIndex;not null" json:"contract_address"`
	CreatedAt       time.Time `json:"-"`
}

// AcceptedToken whitelists a fungible token contract offers may denominate
// amounts in, together with its decimal precision.
type AcceptedToken struct {
	ID              uuid.UUID `gorm:"type:uuid;primaryKey" json:"-"`
	Name            string    `gorm:"size:64;uniqueIndex;not null" json:"name"`
	ContractAddress string    `gorm:"size:150;uniqueIndex;not null" json:"contract_address"`
	Decimals        uint8     `gorm:"not null" json:"decimals"`
	CreatedAt       time.Time `json:"-"`
}

// Listing is a borrower's collateral posting. Listings are never deleted;
// they are soft-closed via Status.
type Listing struct {
	ID                 uuid.UUID     `gorm:"type:uuid;primaryKey" json:"id"`
	AccountID          uuid.UUID     `gorm:"type:uuid;index;not null" json:"-"`
	Account            *Account      `json:"-"`
	BorrowerKey        string        `gorm:"size:150;index;not null" json:"borrower_address"`
	NFTContractAddress string        `gorm:"size:150;index;not null" json:"nft_contract_address"`
	NFTTokenID         uint64        `gorm:"not null" json:"nft_token_id"`
	TokenContract      string        `gorm:"size:150" json:"token_contract,omitempty"`
	BorrowAmount       uint64        `json:"borrow_amount,omitempty"`
	RepaymentAmount    uint64        `json:"repayment_amount,omitempty"`
	Duration           uint64        `json:"duration,omitempty"`
	Status             ListingStatus `gorm:"size:16;index;not null" json:"status"`
	CreatedAt          time.Time     `json:"created_at"`
	UpdatedAt          time.Time     `json:"-"`
}

// Offer is a lender's signed bid against an open listing. Existence means
// pending: cancellation deletes the row outright. The signature bundle is
// stored as an opaque serialized blob alongside its verification metadata.
type Offer struct {
	ID                uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	ListingID         uuid.UUID `gorm:"type:uuid;index;not null" json:"listing"`
	AccountID         uuid.UUID `gorm:"type:uuid;index;not null" json:"-"`
	LenderKey         string    `gorm:"size:150;index;not null" json:"lender_address"`
	Principal         uint64    `gorm:"not null" json:"principal"`
	RepaymentAmount   uint64    `gorm:"not null" json:"repayment_amount"`
	TokenContract     string    `gorm:"size:150;not null" json:"token_contract"`
	Duration          uint64    `gorm:"not null" json:"loan_duration"`
	Signature         string    `gorm:"type:text;not null" json:"-"`
	SignatureExpiry   uint64    `gorm:"not null" json:"-"`
	SignatureChainID  string    `gorm:"size:32;not null" json:"-"`
	SignatureUniqueID uint64    `gorm:"not null" json:"-"`
	CreatedAt         time.Time `json:"created_at"`
}

// Loan records an on-chain loan resulting from an accepted offer. Settlement
// happens beyond this service; the row tracks the lifecycle the chain
// observer reports.
type Loan struct {
	ID                 uuid.UUID  `gorm:"type:uuid;primaryKey" json:"id"`
	ExternalID         string     `gorm:"size:128;uniqueIndex;not null" json:"external_id"`
	BorrowerKey        string     `gorm:"size:150;index;not null" json:"borrower_address"`
	LenderKey          string     `gorm:"size:150;index;not null" json:"lender_address"`
	NFTContractAddress string     `gorm:"size:150;not null" json:"nft_contract_address"`
	NFTTokenID         uint64     `gorm:"not null" json:"nft_token_id"`
	TokenContract      string     `gorm:"size:150;not null" json:"token_contract"`
	Principal          uint64     `gorm:"not null" json:"principal"`
	RepaymentAmount    uint64     `gorm:"not null" json:"repayment_amount"`
	Duration           uint64     `gorm:"not null" json:"duration"`
	StartTime          time.Time  `gorm:"not null" json:"start_time"`
	Status             LoanStatus `gorm:"size:16;index;not null" json:"status"`
	CreatedAt          time.Time  `json:"created_at"`
	UpdatedAt          time.Time  `json:"-"`
}

// RenegotiationOffer proposes replacement terms for an existing loan.
// Lender-raised offers carry a signature bundle (a binding commitment);
// borrower-raised ones carry none. Countering closes the row and opens a
// replacement pointing back via SupersedesID.
type RenegotiationOffer struct {
	ID                uuid.UUID           `gorm:"type:uuid;primaryKey" json:"id"`
	LoanID            uuid.UUID           `gorm:"type:uuid;index;not null" json:"loan"`
	ProposerID        uuid.UUID           `gorm:"type:uuid;index;not null" json:"-"`
	ProposerRole      string              `gorm:"size:16;not null" json:"proposer_role"`
	RepaymentAmount   uint64              `gorm:"not null" json:"repayment_amount"`
	Duration          uint64              `gorm:"not null" json:"loan_duration"`
	Incentive         uint64              `json:"incentive"`
	Status            RenegotiationStatus `gorm:"size:16;index;not null" json:"status"`
	SupersedesID      *uuid.UUID          `gorm:"type:uuid" json:"supersedes,omitempty"`
	Signature         string              `gorm:"type:text" json:"-"`
	SignatureExpiry   uint64              `json:"-"`
	SignatureChainID  string              `gorm:"size:32" json:"-"`
	SignatureUniqueID uint64              `json:"-"`
	CreatedAt         time.Time           `json:"created_at"`
	UpdatedAt         time.Time           `json:"-"`
}

// Event is the audit trail structure.
type Event struct {
	ID        uuid.UUID  `gorm:"type:uuid;primaryKey"`
	EntityID  *uuid.UUID `gorm:"type:uuid;index"`
	AccountID uuid.UUID  `gorm:"type:uuid;index"`
	Action    string     `gorm:"size:64"`
	Details   string     `gorm:"type:text"`
	CreatedAt time.Time
}

// IdempotencyKey stores request idempotency metadata. The key is scoped to
// the method and path it was first seen on, so reusing a key against a
// different operation never replays a foreign response.
type IdempotencyKey struct {
	Key       string `gorm:"primaryKey;size:128"`
	Method    string `gorm:"primaryKey;size:8"`
	Path      string `gorm:"primaryKey;size:255"`
	RequestID string `gorm:"size:64"`
	Status    int
	Response  string `gorm:"type:text"`
	CreatedAt time.Time
}

// AutoMigrate performs all schema migrations for the service.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&Account{},
		&AcceptedNFT{},
		&AcceptedToken{},
		&Listing{},
		&Offer{},
		&Loan{},
		&RenegotiationOffer{},
		&Event{},
		&IdempotencyKey{},
	)
}
