package server

import (
	"errors"
	"net/http"

	"nftlend/engine"
	"nftlend/signing"
)

// writeError maps engine and signing errors to wire responses in one place so
// handlers stay thin. Missing resources and foreign-owned resources both
// surface as 404 to avoid leaking existence.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, engine.ErrNotFound), errors.Is(err, engine.ErrForbidden):
		s.writeDetail(w, http.StatusNotFound, "not found")
	case errors.Is(err, engine.ErrDuplicateEmail):
		s.writeJSON(w, http.StatusBadRequest, map[string][]string{
			"email": {"account with this email already exists."},
		})
	case errors.Is(err, engine.ErrLoanFinalized),
		errors.Is(err, engine.ErrRenegotiationClosed),
		errors.Is(err, engine.ErrStateConflict):
		s.writeDetail(w, http.StatusConflict, err.Error())
	case errors.Is(err, engine.ErrListingUnavailable),
		errors.Is(err, engine.ErrCollateralMismatch),
		errors.Is(err, engine.ErrInvalidEconomics),
		errors.Is(err, engine.ErrUnsupportedCurrency),
		errors.Is(err, engine.ErrValidation),
		errors.Is(err, engine.ErrSignatureInvalid),
		errors.Is(err, signing.ErrMalformedSignature),
		errors.Is(err, signing.ErrSchemaMismatch),
		errors.Is(err, signing.ErrUnknownAction):
		s.writeDetail(w, http.StatusBadRequest, err.Error())
	default:
		s.Logger.Error("request failed", "error", err)
		s.writeDetail(w, http.StatusInternalServerError, "unexpected error")
	}
}
