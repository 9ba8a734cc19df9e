package engine

import (
	"fmt"

	"nftlend/models"
)

// The transition tables below enumerate every legal edge of the lifecycle
// state machines. Anything not listed is rejected.

var listingTransitions = map[models.ListingStatus][]models.ListingStatus{
	models.ListingOpen: {models.ListingClosed},
}

var loanTransitions = map[models.LoanStatus][]models.LoanStatus{
	models.LoanPending: {models.LoanExpired, models.LoanForeclosed, models.LoanRepaid},
}

// loanTransitionRoles gates who may request each loan transition. The chain
// observer may drive any of them; participants may only report the outcomes
// they themselves effect.
var loanTransitionRoles = map[models.LoanStatus][]string{
	models.LoanExpired:    {models.RoleObserver, models.RoleBorrower, models.RoleLender},
	models.LoanForeclosed: {models.RoleObserver, models.RoleLender},
	models.LoanRepaid:     {models.RoleObserver, models.RoleBorrower},
}

var renegotiationTransitions = map[models.RenegotiationStatus][]models.RenegotiationStatus{
	models.RenegotiationPending: {models.RenegotiationCountered, models.RenegotiationAccepted},
}

// ValidateListingTransition ensures the listing change follows the defined
// state machine.
func ValidateListingTransition(current, next models.ListingStatus) error {
	for _, allowed := range listingTransitions[current] {
		if allowed == next {
			return nil
		}
	}
	return fmt.Errorf("%w: listing %s -> %s", ErrStateConflict, current, next)
}

// ValidateLoanTransition checks both the legality of the edge and whether the
// requesting role may drive it. A terminal current state always fails with
// ErrLoanFinalized.
func ValidateLoanTransition(current, next models.LoanStatus, role string) error {
	if current != models.LoanPending {
		return fmt.Errorf("%w: loan is %s", ErrLoanFinalized, current)
	}
	legal := false
	for _, allowed := range loanTransitions[current] {
		if allowed == next {
			legal = true
			break
		}
	}
	if !legal {
		return fmt.Errorf("%w: loan %s -> %s", ErrStateConflict, current, next)
	}
	for _, allowed := range loanTransitionRoles[next] {
		if allowed == role {
			return nil
		}
	}
	return fmt.Errorf("%w: role %s may not mark a loan %s", ErrForbidden, role, next)
}

// ValidateRenegotiationTransition ensures the renegotiation change follows
// the defined state machine. COUNTERED and ACCEPTED are terminal.
func ValidateRenegotiationTransition(current, next models.RenegotiationStatus) error {
	if current != models.RenegotiationPending {
		return fmt.Errorf("%w: offer is %s", ErrRenegotiationClosed, current)
	}
	for _, allowed := range renegotiationTransitions[current] {
		if allowed == next {
			return nil
		}
	}
	return fmt.Errorf("%w: renegotiation %s -> %s", ErrStateConflict, current, next)
}
