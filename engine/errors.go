package engine

import "errors"

// Sentinel errors returned by the lifecycle engine. Handlers map these to
// HTTP responses in one place; nothing here is retryable by the service
// itself.
var (
	// ErrNotFound covers both missing entities and entities the actor may
	// not touch, so responses cannot leak existence to non-owners.
	ErrNotFound = errors.New("engine: resource not found")

	// ErrForbidden marks an actor attempting an action reserved for the
	// counterparty. Collapsed to the same response code as ErrNotFound.
	ErrForbidden = errors.New("engine: actor not permitted")

	ErrListingUnavailable  = errors.New("engine: listing is not open")
	ErrCollateralMismatch  = errors.New("engine: offer collateral does not match listing")
	ErrInvalidEconomics    = errors.New("engine: principal exceeds repayment amount")
	ErrUnsupportedCurrency = errors.New("engine: token contract is not whitelisted")
	ErrSignatureInvalid    = errors.New("engine: signature verification failed")

	ErrLoanFinalized       = errors.New("engine: loan already finalized")
	ErrRenegotiationClosed = errors.New("engine: renegotiation offer is not pending")
	ErrStateConflict       = errors.New("engine: illegal state transition")

	ErrDuplicateEmail = errors.New("engine: email already in use")
	ErrValidation     = errors.New("engine: invalid input")
)
