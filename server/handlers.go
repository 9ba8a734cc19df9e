package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"nftlend/engine"
	"nftlend/models"
	"nftlend/signing"
)

func pathID(r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	return id, err == nil
}

// ListAcceptedNFTs returns the collateral whitelist with listing counts.
func (s *Server) ListAcceptedNFTs(w http.ResponseWriter, r *http.Request) {
	summaries, err := s.Engine.AcceptedNFTs(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, summaries)
}

// ListAcceptedTokens returns the currency whitelist with listing counts.
func (s *Server) ListAcceptedTokens(w http.ResponseWriter, r *http.Request) {
	summaries, err := s.Engine.AcceptedTokens(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, summaries)
}

// ListListings returns open listings, paginated and optionally filtered by
// collateral contract or borrower address.
func (s *Server) ListListings(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := engine.ListingFilter{
		CollateralContract: strings.TrimSpace(q.Get("collateral_contract")),
		BorrowerKey:        strings.TrimSpace(q.Get("borrower_address")),
	}
	if page, err := strconv.Atoi(q.Get("page")); err == nil {
		filter.Page = page
	}
	if size, err := strconv.Atoi(q.Get("page_size")); err == nil {
		filter.PageSize = size
	}
	listings, total, err := s.Engine.ListListings(r.Context(), filter)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"count":   total,
		"results": listings,
	})
}

type listingPayload struct {
	NFTContractAddress string `json:"nft_contract_address"`
	NFTTokenID         uint64 `json:"nft_token_id"`
	TokenContract      string `json:"token_contract"`
	BorrowAmount       uint64 `json:"borrow_amount"`
	RepaymentAmount    uint64 `json:"repayment_amount"`
	Duration           uint64 `json:"duration"`
}

// CreateListing opens a listing owned by the authenticated borrower.
func (s *Server) CreateListing(w http.ResponseWriter, r *http.Request) {
	account, ok := accountFrom(r.Context())
	if !ok {
		s.writeDetail(w, http.StatusUnauthorized, "authentication required")
		return
	}
	var payload listingPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		s.writeDetail(w, http.StatusBadRequest, "invalid payload")
		return
	}
	listing, err := s.Engine.CreateListing(r.Context(), account, engine.ListingRequest{
		NFTContractAddress: payload.NFTContractAddress,
		NFTTokenID:         payload.NFTTokenID,
		TokenContract:      payload.TokenContract,
		BorrowAmount:       payload.BorrowAmount,
		RepaymentAmount:    payload.RepaymentAmount,
		Duration:           payload.Duration,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, listing)
}

// CloseListing soft-closes a listing owned by the caller.
func (s *Server) CloseListing(w http.ResponseWriter, r *http.Request) {
	account, ok := accountFrom(r.Context())
	if !ok {
		s.writeDetail(w, http.StatusUnauthorized, "authentication required")
		return
	}
	id, ok := pathID(r)
	if !ok {
		s.writeDetail(w, http.StatusNotFound, "not found")
		return
	}
	listing, err := s.Engine.CloseListing(r.Context(), account, id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, listing)
}

// ListOffers returns the offers standing against a listing. Signature
// bundles never appear in the response.
func (s *Server) ListOffers(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		s.writeDetail(w, http.StatusNotFound, "not found")
		return
	}
	offers, err := s.Engine.ListOffers(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, offers)
}

type offerPayload struct {
	Listing            string   `json:"listing"`
	Principal          uint64   `json:"principal"`
	RepaymentAmount    uint64   `json:"repayment_amount"`
	CollateralContract string   `json:"collateral_contract"`
	CollateralID       uint64   `json:"collateral_id"`
	TokenContract      string   `json:"token_contract"`
	Duration           uint64   `json:"loan_duration"`
	Expiry             uint64   `json:"expiry"`
	ChainID            string   `json:"chain_id"`
	UniqueID           uint64   `json:"unique_id"`
	Signatures         []string `json:"signatures"`
}

func (p *offerPayload) fieldErrors() map[string][]string {
	problems := map[string][]string{}
	if p.Principal < 1 {
		problems["principal"] = []string{"Ensure this value is greater than or equal to 1."}
	}
	if p.RepaymentAmount < 1 {
		problems["repayment_amount"] = []string{"Ensure this value is greater than or equal to 1."}
	}
	if p.CollateralID < 1 {
		problems["collateral_id"] = []string{"Ensure this value is greater than or equal to 1."}
	}
	if strings.TrimSpace(p.CollateralContract) == "" {
		problems["collateral_contract"] = []string{"This field is required."}
	}
	if strings.TrimSpace(p.TokenContract) == "" {
		problems["token_contract"] = []string{"This field is required."}
	}
	if len(p.Signatures) == 0 {
		problems["signatures"] = []string{"This field is required."}
	}
	if len(problems) == 0 {
		return nil
	}
	return problems
}

// CreateOffer runs the full offer validation pipeline and persists the
// lender's signed offer.
func (s *Server) CreateOffer(w http.ResponseWriter, r *http.Request) {
	account, ok := accountFrom(r.Context())
	if !ok {
		s.writeDetail(w, http.StatusUnauthorized, "authentication required")
		return
	}
	var payload offerPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		s.writeDetail(w, http.StatusBadRequest, "invalid payload")
		return
	}
	if problems := payload.fieldErrors(); problems != nil {
		s.writeJSON(w, http.StatusBadRequest, problems)
		return
	}
	listingID, err := uuid.Parse(payload.Listing)
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string][]string{
			"listing": {"Must be a valid UUID."},
		})
		return
	}

	offer, err := s.Engine.CreateOffer(r.Context(), account, engine.OfferRequest{
		ListingID:          listingID,
		Principal:          payload.Principal,
		RepaymentAmount:    payload.RepaymentAmount,
		CollateralContract: payload.CollateralContract,
		CollateralID:       payload.CollateralID,
		TokenContract:      payload.TokenContract,
		Duration:           payload.Duration,
		Expiry:             payload.Expiry,
		ChainID:            payload.ChainID,
		UniqueID:           payload.UniqueID,
		Signatures:         payload.Signatures,
	})
	if err != nil {
		if s.Metrics != nil && errors.Is(err, engine.ErrSignatureInvalid) {
			s.Metrics.SignatureFailures.WithLabelValues(string(signing.ActionLoanOffer)).Inc()
		}
		s.writeError(w, err)
		return
	}
	if s.Metrics != nil {
		s.Metrics.OffersCreated.Inc()
	}
	s.writeJSON(w, http.StatusCreated, offer)
}

// CancelOffer deletes an offer owned by the caller.
func (s *Server) CancelOffer(w http.ResponseWriter, r *http.Request) {
	account, ok := accountFrom(r.Context())
	if !ok {
		s.writeDetail(w, http.StatusUnauthorized, "authentication required")
		return
	}
	id, ok := pathID(r)
	if !ok {
		s.writeDetail(w, http.StatusNotFound, "not found")
		return
	}
	if err := s.Engine.CancelOffer(r.Context(), account, id); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type loanPayload struct {
	ExternalID         string `json:"external_id"`
	BorrowerAddress    string `json:"borrower_address"`
	LenderAddress      string `json:"lender_address"`
	NFTContractAddress string `json:"nft_contract_address"`
	NFTTokenID         uint64 `json:"nft_token_id"`
	TokenContract      string `json:"token_contract"`
	Principal          uint64 `json:"principal"`
	RepaymentAmount    uint64 `json:"repayment_amount"`
	Duration           uint64 `json:"duration"`
	StartTime          int64  `json:"start_time"`
}

// RecordLoan persists a settled on-chain loan reported by the observer.
func (s *Server) RecordLoan(w http.ResponseWriter, r *http.Request) {
	account, ok := accountFrom(r.Context())
	if !ok {
		s.writeDetail(w, http.StatusUnauthorized, "authentication required")
		return
	}
	var payload loanPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		s.writeDetail(w, http.StatusBadRequest, "invalid payload")
		return
	}
	req := engine.LoanRequest{
		ExternalID:         payload.ExternalID,
		BorrowerKey:        payload.BorrowerAddress,
		LenderKey:          payload.LenderAddress,
		NFTContractAddress: payload.NFTContractAddress,
		NFTTokenID:         payload.NFTTokenID,
		TokenContract:      payload.TokenContract,
		Principal:          payload.Principal,
		RepaymentAmount:    payload.RepaymentAmount,
		Duration:           payload.Duration,
	}
	if payload.StartTime > 0 {
		req.StartTime = time.Unix(payload.StartTime, 0).UTC()
	}
	loan, err := s.Engine.RecordLoan(r.Context(), account, req)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, loan)
}

// ListLoans returns the loans the caller participates in.
func (s *Server) ListLoans(w http.ResponseWriter, r *http.Request) {
	account, ok := accountFrom(r.Context())
	if !ok {
		s.writeDetail(w, http.StatusUnauthorized, "authentication required")
		return
	}
	loans, err := s.Engine.ListLoans(r.Context(), account)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, loans)
}

// UpdateLoanStatus drives a loan through its transition table.
func (s *Server) UpdateLoanStatus(w http.ResponseWriter, r *http.Request) {
	account, ok := accountFrom(r.Context())
	if !ok {
		s.writeDetail(w, http.StatusUnauthorized, "authentication required")
		return
	}
	id, ok := pathID(r)
	if !ok {
		s.writeDetail(w, http.StatusNotFound, "not found")
		return
	}
	var payload struct {
		Status string `json:"status"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		s.writeDetail(w, http.StatusBadRequest, "invalid payload")
		return
	}
	next := models.LoanStatus(strings.ToUpper(strings.TrimSpace(payload.Status)))
	switch next {
	case models.LoanExpired, models.LoanForeclosed, models.LoanRepaid:
	default:
		s.writeJSON(w, http.StatusBadRequest, map[string][]string{
			"status": {"Must be one of EXPIRED, FORECLOSED, REPAID."},
		})
		return
	}
	loan, err := s.Engine.UpdateLoanStatus(r.Context(), account, id, next)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if s.Metrics != nil {
		s.Metrics.LoansFinalized.WithLabelValues(string(loan.Status)).Inc()
	}
	s.writeJSON(w, http.StatusOK, loan)
}

type renegotiationPayload struct {
	RepaymentAmount uint64   `json:"repayment_amount"`
	Duration        uint64   `json:"loan_duration"`
	Incentive       uint64   `json:"incentive"`
	Expiry          uint64   `json:"expiry"`
	ChainID         string   `json:"chain_id"`
	UniqueID        uint64   `json:"unique_id"`
	Signatures      []string `json:"signatures"`
}

func (p *renegotiationPayload) toRequest() engine.RenegotiationRequest {
	return engine.RenegotiationRequest{
		RepaymentAmount: p.RepaymentAmount,
		Duration:        p.Duration,
		Incentive:       p.Incentive,
		Expiry:          p.Expiry,
		ChainID:         p.ChainID,
		UniqueID:        p.UniqueID,
		Signatures:      p.Signatures,
	}
}

// ProposeRenegotiation opens a renegotiation offer against a live loan.
func (s *Server) ProposeRenegotiation(w http.ResponseWriter, r *http.Request) {
	account, ok := accountFrom(r.Context())
	if !ok {
		s.writeDetail(w, http.StatusUnauthorized, "authentication required")
		return
	}
	id, ok := pathID(r)
	if !ok {
		s.writeDetail(w, http.StatusNotFound, "not found")
		return
	}
	var payload renegotiationPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		s.writeDetail(w, http.StatusBadRequest, "invalid payload")
		return
	}
	offer, err := s.Engine.ProposeRenegotiation(r.Context(), account, id, payload.toRequest())
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, offer)
}

// CounterRenegotiation closes a pending offer and opens a replacement from
// the counterparty.
func (s *Server) CounterRenegotiation(w http.ResponseWriter, r *http.Request) {
	account, ok := accountFrom(r.Context())
	if !ok {
		s.writeDetail(w, http.StatusUnauthorized, "authentication required")
		return
	}
	id, ok := pathID(r)
	if !ok {
		s.writeDetail(w, http.StatusNotFound, "not found")
		return
	}
	var payload renegotiationPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		s.writeDetail(w, http.StatusBadRequest, "invalid payload")
		return
	}
	offer, err := s.Engine.CounterRenegotiation(r.Context(), account, id, payload.toRequest())
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, offer)
}

// AcceptRenegotiation applies a pending offer's terms to its loan.
func (s *Server) AcceptRenegotiation(w http.ResponseWriter, r *http.Request) {
	account, ok := accountFrom(r.Context())
	if !ok {
		s.writeDetail(w, http.StatusUnauthorized, "authentication required")
		return
	}
	id, ok := pathID(r)
	if !ok {
		s.writeDetail(w, http.StatusNotFound, "not found")
		return
	}
	offer, err := s.Engine.AcceptRenegotiation(r.Context(), account, id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, offer)
}

// UpdateEmail sets the caller's account email.
func (s *Server) UpdateEmail(w http.ResponseWriter, r *http.Request) {
	account, ok := accountFrom(r.Context())
	if !ok {
		s.writeDetail(w, http.StatusUnauthorized, "authentication required")
		return
	}
	var payload struct {
		Email string `json:"email"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		s.writeDetail(w, http.StatusBadRequest, "invalid payload")
		return
	}
	updated, err := s.Engine.UpdateEmail(r.Context(), account, payload.Email)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, updated)
}
