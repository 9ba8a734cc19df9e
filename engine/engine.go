package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/mail"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"nftlend/crypto"
	"nftlend/models"
	"nftlend/signing"
)

// Config captures the dependencies and policy knobs for the lifecycle engine.
// Everything is explicit; the engine reads no ambient state.
type Config struct {
	DB              *gorm.DB
	Domain          signing.Domain
	MinLoanDuration uint64
	MaxLoanDuration uint64

	// ObserverKeys are the public keys of trusted chain observers. They may
	// drive any loan transition without being a participant.
	ObserverKeys []string

	Logger *slog.Logger
	Now    func() time.Time
}

// Engine applies verified signed intents to the Listing/Offer/Loan/
// Renegotiation state machines. All read-then-write paths run in a single
// transaction with a row lock on the entity being mutated.
type Engine struct {
	db        *gorm.DB
	domain    signing.Domain
	minDur    uint64
	maxDur    uint64
	observers map[string]struct{}
	logger    *slog.Logger
	now       func() time.Time
}

// New constructs a configured Engine.
func New(cfg Config) *Engine {
	observers := make(map[string]struct{}, len(cfg.ObserverKeys))
	for _, key := range cfg.ObserverKeys {
		observers[crypto.NormalizeKeyHex(key)] = struct{}{}
	}
	e := &Engine{
		db:        cfg.DB,
		domain:    cfg.Domain,
		minDur:    cfg.MinLoanDuration,
		maxDur:    cfg.MaxLoanDuration,
		observers: observers,
		logger:    cfg.Logger,
		now:       cfg.Now,
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	if e.now == nil {
		e.now = time.Now
	}
	return e
}

// ListingRequest carries the borrower-supplied fields for a new listing.
type ListingRequest struct {
	NFTContractAddress string
	NFTTokenID         uint64
	TokenContract      string
	BorrowAmount       uint64
	RepaymentAmount    uint64
	Duration           uint64
}

// OfferRequest mirrors the offer-creation wire contract.
type OfferRequest struct {
	ListingID          uuid.UUID
	Principal          uint64
	RepaymentAmount    uint64
	CollateralContract string
	CollateralID       uint64
	TokenContract      string
	Duration           uint64
	Expiry             uint64
	ChainID            string
	UniqueID           uint64
	Signatures         []string
}

// LoanRequest carries the fields the chain observer reports for a settled
// loan.
type LoanRequest struct {
	ExternalID         string
	BorrowerKey        string
	LenderKey          string
	NFTContractAddress string
	NFTTokenID         uint64
	TokenContract      string
	Principal          uint64
	RepaymentAmount    uint64
	Duration           uint64
	StartTime          time.Time
}

// RenegotiationRequest proposes replacement terms for a loan. Signatures are
// required when the proposer (or counter-proposer) is the lender.
type RenegotiationRequest struct {
	RepaymentAmount uint64
	Duration        uint64
	Incentive       uint64
	Expiry          uint64
	ChainID         string
	UniqueID        uint64
	Signatures      []string
}

// ListingFilter selects open listings for browsing.
type ListingFilter struct {
	CollateralContract string
	BorrowerKey        string
	Page               int
	PageSize           int
}

// AcceptedContractSummary annotates a whitelist entry with the number of
// listings referencing its contract.
type AcceptedContractSummary struct {
	Name            string `json:"name"`
	ContractAddress string `json:"contract_address"`
	Decimals        *uint8 `json:"decimals,omitempty"`
	ListingsCount   int64  `json:"listings_count"`
}

// CreateListing opens a new listing for the borrower. Collateral whitelist
// membership is checked at offer time, not here.
func (e *Engine) CreateListing(ctx context.Context, account *models.Account, req ListingRequest) (*models.Listing, error) {
	if strings.TrimSpace(req.NFTContractAddress) == "" {
		return nil, fmt.Errorf("%w: nft_contract_address is required", ErrValidation)
	}
	if req.NFTTokenID < 1 {
		return nil, fmt.Errorf("%w: nft_token_id must be positive", ErrValidation)
	}
	now := e.now()
	listing := models.Listing{
		ID:                 uuid.New(),
		AccountID:          account.ID,
		BorrowerKey:        account.PublicKey,
		NFTContractAddress: req.NFTContractAddress,
		NFTTokenID:         req.NFTTokenID,
		TokenContract:      req.TokenContract,
		BorrowAmount:       req.BorrowAmount,
		RepaymentAmount:    req.RepaymentAmount,
		Duration:           req.Duration,
		Status:             models.ListingOpen,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&listing).Error; err != nil {
			return err
		}
		return e.appendEvent(tx, &listing.ID, account.ID, "listing.created", fmt.Sprintf("nft=%s token_id=%d", listing.NFTContractAddress, listing.NFTTokenID))
	}); err != nil {
		return nil, err
	}
	return &listing, nil
}

// CloseListing soft-closes an open listing. Only the owning borrower may
// close it; anyone else observes a 404.
func (e *Engine) CloseListing(ctx context.Context, account *models.Account, listingID uuid.UUID) (*models.Listing, error) {
	var listing models.Listing
	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&listing, "id = ?", listingID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotFound
			}
			return err
		}
		if listing.AccountID != account.ID {
			return ErrNotFound
		}
		if err := ValidateListingTransition(listing.Status, models.ListingClosed); err != nil {
			return err
		}
		listing.Status = models.ListingClosed
		listing.UpdatedAt = e.now()
		if err := tx.Save(&listing).Error; err != nil {
			return err
		}
		return e.appendEvent(tx, &listing.ID, account.ID, "listing.closed", "")
	})
	if err != nil {
		return nil, err
	}
	return &listing, nil
}

// ListListings returns open listings, newest first, with optional
// case-insensitive collateral and borrower filters.
func (e *Engine) ListListings(ctx context.Context, filter ListingFilter) ([]models.Listing, int64, error) {
	pageSize := filter.PageSize
	if pageSize <= 0 {
		pageSize = 10
	}
	if pageSize > 100 {
		pageSize = 100
	}
	page := filter.Page
	if page < 1 {
		page = 1
	}

	query := e.db.WithContext(ctx).Model(&models.Listing{}).Where("status = ?", models.ListingOpen)
	if filter.CollateralContract != "" {
		query = query.Where("LOWER(nft_contract_address) = LOWER(?)", filter.CollateralContract)
	}
	if filter.BorrowerKey != "" {
		query = query.Where("LOWER(borrower_key) = LOWER(?)", filter.BorrowerKey)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}
	var listings []models.Listing
	if err := query.Order("created_at DESC").Limit(pageSize).Offset((page - 1) * pageSize).Find(&listings).Error; err != nil {
		return nil, 0, err
	}
	return listings, total, nil
}

// CreateOffer validates and persists a lender's signed offer. The checks run
// in the documented order, first failure wins, and signature verification
// happens before any write so a failed verification never mutates state. The
// listing status is re-checked under a row lock at insert time to lose
// cleanly against a concurrent close.
func (e *Engine) CreateOffer(ctx context.Context, account *models.Account, req OfferRequest) (*models.Offer, error) {
	if req.Duration < e.minDur || req.Duration > e.maxDur {
		return nil, fmt.Errorf("%w: loan_duration must be between %d and %d", ErrValidation, e.minDur, e.maxDur)
	}

	var listing models.Listing
	if err := e.db.WithContext(ctx).First(&listing, "id = ?", req.ListingID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: listing does not exist", ErrListingUnavailable)
		}
		return nil, err
	}
	if listing.Status != models.ListingOpen {
		return nil, fmt.Errorf("%w: listing is not active", ErrListingUnavailable)
	}
	if listing.NFTContractAddress != req.CollateralContract {
		return nil, fmt.Errorf("%w: listing collateral is %s", ErrCollateralMismatch, listing.NFTContractAddress)
	}
	if req.Principal > req.RepaymentAmount {
		return nil, fmt.Errorf("%w: principal %d > repayment %d", ErrInvalidEconomics, req.Principal, req.RepaymentAmount)
	}
	var tokenCount int64
	if err := e.db.WithContext(ctx).Model(&models.AcceptedToken{}).Where("contract_address = ?", req.TokenContract).Count(&tokenCount).Error; err != nil {
		return nil, err
	}
	if tokenCount == 0 {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedCurrency, req.TokenContract)
	}

	if err := e.verifyLoanOfferSignature(account, req); err != nil {
		return nil, err
	}

	sigBlob, err := json.Marshal(req.Signatures)
	if err != nil {
		return nil, err
	}

	now := e.now()
	offer := models.Offer{
		ID:                uuid.New(),
		ListingID:         listing.ID,
		AccountID:         account.ID,
		LenderKey:         account.PublicKey,
		Principal:         req.Principal,
		RepaymentAmount:   req.RepaymentAmount,
		TokenContract:     req.TokenContract,
		Duration:          req.Duration,
		Signature:         string(sigBlob),
		SignatureExpiry:   req.Expiry,
		SignatureChainID:  req.ChainID,
		SignatureUniqueID: req.UniqueID,
		CreatedAt:         now,
	}

	if err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var current models.Listing
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&current, "id = ?", listing.ID).Error; err != nil {
			return err
		}
		if current.Status != models.ListingOpen {
			return fmt.Errorf("%w: listing is not active", ErrListingUnavailable)
		}
		if err := tx.Create(&offer).Error; err != nil {
			return err
		}
		return e.appendEvent(tx, &offer.ID, account.ID, "offer.created", fmt.Sprintf("listing=%s principal=%d", listing.ID, offer.Principal))
	}); err != nil {
		return nil, err
	}
	return &offer, nil
}

func (e *Engine) verifyLoanOfferSignature(account *models.Account, req OfferRequest) error {
	values := map[string]string{
		"principal":           strconv.FormatUint(req.Principal, 10),
		"repayment_amount":    strconv.FormatUint(req.RepaymentAmount, 10),
		"collateral_contract": req.CollateralContract,
		"collateral_id":       strconv.FormatUint(req.CollateralID, 10),
		"token_contract":      req.TokenContract,
		"loan_duration":       strconv.FormatUint(req.Duration, 10),
		"lender":              account.PublicKey,
		"expiry":              strconv.FormatUint(req.Expiry, 10),
		"chain_id":            req.ChainID,
		"unique_id":           strconv.FormatUint(req.UniqueID, 10),
	}
	msg, err := signing.Build(signing.ActionLoanOffer, e.domain, values)
	if err != nil {
		return err
	}
	return e.verifySignature(msg, account.PublicKey, req.Signatures)
}

func (e *Engine) verifySignature(msg *signing.CanonicalMessage, publicKey string, signatures []string) error {
	pub, err := crypto.ParsePublicKey(publicKey)
	if err != nil {
		return fmt.Errorf("%w: %v", signing.ErrMalformedSignature, err)
	}
	components, err := signing.ParseComponents(signatures)
	if err != nil {
		return err
	}
	digest, err := msg.Hash(pub)
	if err != nil {
		return err
	}
	if !signing.Verify(digest, components, pub) {
		return ErrSignatureInvalid
	}
	return nil
}

// CancelOffer deletes the offer if and only if it belongs to the requester.
// A missing offer and someone else's offer are indistinguishable to the
// caller.
func (e *Engine) CancelOffer(ctx context.Context, account *models.Account, offerID uuid.UUID) error {
	return e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var offer models.Offer
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&offer, "id = ? AND account_id = ?", offerID, account.ID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotFound
			}
			return err
		}
		if err := tx.Delete(&offer).Error; err != nil {
			return err
		}
		return e.appendEvent(tx, &offer.ID, account.ID, "offer.cancelled", "")
	})
}

// ListOffers returns the offers standing against a listing, without their
// signature bundles.
func (e *Engine) ListOffers(ctx context.Context, listingID uuid.UUID) ([]models.Offer, error) {
	var offers []models.Offer
	if err := e.db.WithContext(ctx).Where("listing_id = ?", listingID).Order("created_at ASC").Find(&offers).Error; err != nil {
		return nil, err
	}
	return offers, nil
}

// RecordLoan persists a loan the chain observer reports as settled. The
// external identifier is the dedupe key: recording the same loan twice is a
// user-correctable validation failure, not a crash.
func (e *Engine) RecordLoan(ctx context.Context, account *models.Account, req LoanRequest) (*models.Loan, error) {
	if strings.TrimSpace(req.ExternalID) == "" {
		return nil, fmt.Errorf("%w: external_id is required", ErrValidation)
	}
	if req.BorrowerKey == "" || req.LenderKey == "" {
		return nil, fmt.Errorf("%w: borrower and lender addresses are required", ErrValidation)
	}
	now := e.now()
	start := req.StartTime
	if start.IsZero() {
		start = now
	}
	loan := models.Loan{
		ID:                 uuid.New(),
		ExternalID:         req.ExternalID,
		BorrowerKey:        crypto.NormalizeKeyHex(req.BorrowerKey),
		LenderKey:          crypto.NormalizeKeyHex(req.LenderKey),
		NFTContractAddress: req.NFTContractAddress,
		NFTTokenID:         req.NFTTokenID,
		TokenContract:      req.TokenContract,
		Principal:          req.Principal,
		RepaymentAmount:    req.RepaymentAmount,
		Duration:           req.Duration,
		StartTime:          start,
		Status:             models.LoanPending,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&models.Loan{}).Where("external_id = ?", loan.ExternalID).Count(&count).Error; err != nil {
			return err
		}
		if count > 0 {
			return fmt.Errorf("%w: loan %s already recorded", ErrValidation, loan.ExternalID)
		}
		if err := tx.Create(&loan).Error; err != nil {
			return err
		}
		return e.appendEvent(tx, &loan.ID, account.ID, "loan.recorded", fmt.Sprintf("external=%s", loan.ExternalID))
	}); err != nil {
		return nil, err
	}
	return &loan, nil
}

// UpdateLoanStatus drives a loan through the explicit transition table under
// a row lock. Terminal loans reject every further status write. Configured
// observer accounts may report transitions on loans they do not participate
// in; everyone else must be a participant.
func (e *Engine) UpdateLoanStatus(ctx context.Context, account *models.Account, loanID uuid.UUID, next models.LoanStatus) (*models.Loan, error) {
	var loan models.Loan
	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&loan, "id = ?", loanID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotFound
			}
			return err
		}
		role, err := e.reporterRole(&loan, account)
		if err != nil {
			return err
		}
		if err := ValidateLoanTransition(loan.Status, next, role); err != nil {
			return err
		}
		loan.Status = next
		loan.UpdatedAt = e.now()
		if err := tx.Save(&loan).Error; err != nil {
			return err
		}
		return e.appendEvent(tx, &loan.ID, account.ID, fmt.Sprintf("loan.%s", strings.ToLower(string(next))), "")
	})
	if err != nil {
		return nil, err
	}
	return &loan, nil
}

// ListLoans returns the loans in which the account participates.
func (e *Engine) ListLoans(ctx context.Context, account *models.Account) ([]models.Loan, error) {
	key := crypto.NormalizeKeyHex(account.PublicKey)
	var loans []models.Loan
	if err := e.db.WithContext(ctx).
		Where("borrower_key = ? OR lender_key = ?", key, key).
		Order("created_at DESC").
		Find(&loans).Error; err != nil {
		return nil, err
	}
	return loans, nil
}

// ProposeRenegotiation opens a PENDING renegotiation offer against a live
// loan. A lender-raised proposal is a binding commitment and must carry a
// valid signature bundle; a borrower-raised one is informational and carries
// none.
func (e *Engine) ProposeRenegotiation(ctx context.Context, account *models.Account, loanID uuid.UUID, req RenegotiationRequest) (*models.RenegotiationOffer, error) {
	var loan models.Loan
	if err := e.db.WithContext(ctx).First(&loan, "id = ?", loanID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	role, err := e.participantRole(&loan, account)
	if err != nil {
		return nil, err
	}
	if loan.Status != models.LoanPending {
		return nil, fmt.Errorf("%w: loan is %s", ErrLoanFinalized, loan.Status)
	}
	if req.RepaymentAmount < 1 || req.Duration < 1 {
		return nil, fmt.Errorf("%w: repayment_amount and loan_duration must be positive", ErrValidation)
	}

	offer := models.RenegotiationOffer{
		ID:              uuid.New(),
		LoanID:          loan.ID,
		ProposerID:      account.ID,
		ProposerRole:    role,
		RepaymentAmount: req.RepaymentAmount,
		Duration:        req.Duration,
		Incentive:       req.Incentive,
		Status:          models.RenegotiationPending,
	}
	if role == models.RoleLender {
		if err := e.verifyRenegotiationSignature(account, &loan, req); err != nil {
			return nil, err
		}
		sigBlob, err := json.Marshal(req.Signatures)
		if err != nil {
			return nil, err
		}
		offer.Signature = string(sigBlob)
		offer.SignatureExpiry = req.Expiry
		offer.SignatureChainID = req.ChainID
		offer.SignatureUniqueID = req.UniqueID
	}
	now := e.now()
	offer.CreatedAt = now
	offer.UpdatedAt = now

	if err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&offer).Error; err != nil {
			return err
		}
		return e.appendEvent(tx, &offer.ID, account.ID, "renegotiation.proposed", fmt.Sprintf("loan=%s role=%s", loan.ID, role))
	}); err != nil {
		return nil, err
	}
	return &offer, nil
}

// CounterRenegotiation closes the pending offer as COUNTERED and opens a
// replacement from the other party, preserving the audit trail instead of
// mutating terms in place.
func (e *Engine) CounterRenegotiation(ctx context.Context, account *models.Account, offerID uuid.UUID, req RenegotiationRequest) (*models.RenegotiationOffer, error) {
	var replacement models.RenegotiationOffer
	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var prior models.RenegotiationOffer
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&prior, "id = ?", offerID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotFound
			}
			return err
		}
		var loan models.Loan
		if err := tx.First(&loan, "id = ?", prior.LoanID).Error; err != nil {
			return err
		}
		role, err := e.participantRole(&loan, account)
		if err != nil {
			return err
		}
		if role == prior.ProposerRole {
			return fmt.Errorf("%w: only the counterparty may counter", ErrForbidden)
		}
		if err := ValidateRenegotiationTransition(prior.Status, models.RenegotiationCountered); err != nil {
			return err
		}
		if req.RepaymentAmount < 1 || req.Duration < 1 {
			return fmt.Errorf("%w: repayment_amount and loan_duration must be positive", ErrValidation)
		}

		now := e.now()
		replacement = models.RenegotiationOffer{
			ID:              uuid.New(),
			LoanID:          loan.ID,
			ProposerID:      account.ID,
			ProposerRole:    role,
			RepaymentAmount: req.RepaymentAmount,
			Duration:        req.Duration,
			Incentive:       req.Incentive,
			Status:          models.RenegotiationPending,
			SupersedesID:    &prior.ID,
			CreatedAt:       now,
			UpdatedAt:       now,
		}
		if role == models.RoleLender {
			if err := e.verifyRenegotiationSignature(account, &loan, req); err != nil {
				return err
			}
			sigBlob, err := json.Marshal(req.Signatures)
			if err != nil {
				return err
			}
			replacement.Signature = string(sigBlob)
			replacement.SignatureExpiry = req.Expiry
			replacement.SignatureChainID = req.ChainID
			replacement.SignatureUniqueID = req.UniqueID
		}

		prior.Status = models.RenegotiationCountered
		prior.UpdatedAt = now
		if err := tx.Save(&prior).Error; err != nil {
			return err
		}
		if err := tx.Create(&replacement).Error; err != nil {
			return err
		}
		return e.appendEvent(tx, &replacement.ID, account.ID, "renegotiation.countered", fmt.Sprintf("supersedes=%s", prior.ID))
	})
	if err != nil {
		return nil, err
	}
	return &replacement, nil
}

// AcceptRenegotiation marks the pending offer ACCEPTED and applies its terms
// to the loan. Both writes commit in the same transaction under row locks,
// so two concurrent accepts resolve to exactly one winner.
func (e *Engine) AcceptRenegotiation(ctx context.Context, account *models.Account, offerID uuid.UUID) (*models.RenegotiationOffer, error) {
	var offer models.RenegotiationOffer
	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&offer, "id = ?", offerID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotFound
			}
			return err
		}
		var loan models.Loan
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&loan, "id = ?", offer.LoanID).Error; err != nil {
			return err
		}
		role, err := e.participantRole(&loan, account)
		if err != nil {
			return err
		}
		if role == offer.ProposerRole {
			return fmt.Errorf("%w: only the counterparty may accept", ErrForbidden)
		}
		if err := ValidateRenegotiationTransition(offer.Status, models.RenegotiationAccepted); err != nil {
			return err
		}
		if loan.Status != models.LoanPending {
			return fmt.Errorf("%w: loan is %s", ErrLoanFinalized, loan.Status)
		}

		now := e.now()
		offer.Status = models.RenegotiationAccepted
		offer.UpdatedAt = now
		if err := tx.Save(&offer).Error; err != nil {
			return err
		}
		loan.RepaymentAmount = offer.RepaymentAmount
		loan.Duration = offer.Duration
		loan.UpdatedAt = now
		if err := tx.Save(&loan).Error; err != nil {
			return err
		}
		return e.appendEvent(tx, &offer.ID, account.ID, "renegotiation.accepted", fmt.Sprintf("loan=%s repayment=%d duration=%d", loan.ID, loan.RepaymentAmount, loan.Duration))
	})
	if err != nil {
		return nil, err
	}
	return &offer, nil
}

func (e *Engine) verifyRenegotiationSignature(account *models.Account, loan *models.Loan, req RenegotiationRequest) error {
	values := map[string]string{
		"loan_id":          loan.ExternalID,
		"repayment_amount": strconv.FormatUint(req.RepaymentAmount, 10),
		"loan_duration":    strconv.FormatUint(req.Duration, 10),
		"incentive":        strconv.FormatUint(req.Incentive, 10),
		"lender":           account.PublicKey,
		"expiry":           strconv.FormatUint(req.Expiry, 10),
		"chain_id":         req.ChainID,
		"unique_id":        strconv.FormatUint(req.UniqueID, 10),
	}
	msg, err := signing.Build(signing.ActionRenegotiation, e.domain, values)
	if err != nil {
		return err
	}
	return e.verifySignature(msg, account.PublicKey, req.Signatures)
}

// reporterRole resolves who may report a loan status change: a participant
// on either side, or a configured chain observer. Participation wins so a
// loan party doubling as an observer keeps its role gates.
func (e *Engine) reporterRole(loan *models.Loan, account *models.Account) (string, error) {
	role, err := e.participantRole(loan, account)
	if err == nil {
		return role, nil
	}
	if _, ok := e.observers[crypto.NormalizeKeyHex(account.PublicKey)]; ok {
		return models.RoleObserver, nil
	}
	return "", err
}

// participantRole resolves which side of the loan the account sits on. A
// non-participant observes a 404.
func (e *Engine) participantRole(loan *models.Loan, account *models.Account) (string, error) {
	key := crypto.NormalizeKeyHex(account.PublicKey)
	switch key {
	case loan.BorrowerKey:
		return models.RoleBorrower, nil
	case loan.LenderKey:
		return models.RoleLender, nil
	default:
		return "", ErrNotFound
	}
}

// UpdateEmail sets the account email, lowercased. A duplicate surfaces as a
// field-keyed validation failure rather than an opaque constraint error.
func (e *Engine) UpdateEmail(ctx context.Context, account *models.Account, email string) (*models.Account, error) {
	normalized := strings.ToLower(strings.TrimSpace(email))
	if _, err := mail.ParseAddress(normalized); err != nil {
		return nil, fmt.Errorf("%w: invalid email address", ErrValidation)
	}
	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&models.Account{}).Where("email = ? AND id <> ?", normalized, account.ID).Count(&count).Error; err != nil {
			return err
		}
		if count > 0 {
			return ErrDuplicateEmail
		}
		account.Email = &normalized
		account.UpdatedAt = e.now()
		return tx.Save(account).Error
	})
	if err != nil {
		return nil, err
	}
	return account, nil
}

// AcceptedNFTs returns the collateral whitelist annotated with listing
// counts, ordered by name.
func (e *Engine) AcceptedNFTs(ctx context.Context) ([]AcceptedContractSummary, error) {
	var entries []models.AcceptedNFT
	if err := e.db.WithContext(ctx).Order("name ASC").Find(&entries).Error; err != nil {
		return nil, err
	}
	summaries := make([]AcceptedContractSummary, 0, len(entries))
	for _, entry := range entries {
		var count int64
		if err := e.db.WithContext(ctx).Model(&models.Listing{}).Where("nft_contract_address = ?", entry.ContractAddress).Count(&count).Error; err != nil {
			return nil, err
		}
		summaries = append(summaries, AcceptedContractSummary{
			Name:            entry.Name,
			ContractAddress: entry.ContractAddress,
			ListingsCount:   count,
		})
	}
	return summaries, nil
}

// AcceptedTokens returns the currency whitelist annotated with listing
// counts, ordered by name.
func (e *Engine) AcceptedTokens(ctx context.Context) ([]AcceptedContractSummary, error) {
	var entries []models.AcceptedToken
	if err := e.db.WithContext(ctx).Order("name ASC").Find(&entries).Error; err != nil {
		return nil, err
	}
	summaries := make([]AcceptedContractSummary, 0, len(entries))
	for _, entry := range entries {
		var count int64
		if err := e.db.WithContext(ctx).Model(&models.Listing{}).Where("token_contract = ?", entry.ContractAddress).Count(&count).Error; err != nil {
			return nil, err
		}
		decimals := entry.Decimals
		summaries = append(summaries, AcceptedContractSummary{
			Name:            entry.Name,
			ContractAddress: entry.ContractAddress,
			Decimals:        &decimals,
			ListingsCount:   count,
		})
	}
	return summaries, nil
}

func (e *Engine) appendEvent(tx *gorm.DB, entityID *uuid.UUID, accountID uuid.UUID, action, details string) error {
	event := models.Event{
		ID:        uuid.New(),
		EntityID:  entityID,
		AccountID: accountID,
		Action:    action,
		Details:   details,
		CreatedAt: e.now(),
	}
	return tx.Create(&event).Error
}
