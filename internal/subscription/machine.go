package subscription

import (
	"fmt"

	"github.com/cadencehq/cadence-backend/pkg/enums"
	pkgerrors "github.com/cadencehq/cadence-backend/pkg/errors"
)

// transitions is the exhaustive table of legal status moves. Anything not
// listed here is a hard error, never an implicit allow.
var transitions = map[enums.SubscriptionStatus]map[enums.SubscriptionStatus]struct{}{
	enums.SubscriptionStatusTrialing: {
		enums.SubscriptionStatusActive:   {},
		enums.SubscriptionStatusPaused:   {},
		enums.SubscriptionStatusCanceled: {},
	},
	enums.SubscriptionStatusActive: {
		enums.SubscriptionStatusPastDue:  {},
		enums.SubscriptionStatusPaused:   {},
		enums.SubscriptionStatusCanceled: {},
	},
	enums.SubscriptionStatusPastDue: {
		enums.SubscriptionStatusActive:   {},
		enums.SubscriptionStatusPaused:   {},
		enums.SubscriptionStatusCanceled: {},
	},
	enums.SubscriptionStatusPaused: {
		enums.SubscriptionStatusActive:   {},
		enums.SubscriptionStatusCanceled: {},
	},
	enums.SubscriptionStatusCanceled: {},
}

// CanTransition reports whether the move from one status to another is in the
// table.
func CanTransition(from, to enums.SubscriptionStatus) bool {
	allowed, ok := transitions[from]
	if !ok {
		return false
	}
	_, ok = allowed[to]
	return ok
}

// ValidateTransition returns a state-conflict error for any move the table
// does not enumerate. A self-transition is also rejected: callers that want
// idempotent handling must check status before calling.
func ValidateTransition(from, to enums.SubscriptionStatus) error {
	if !from.IsValid() {
		return pkgerrors.New(pkgerrors.CodeValidation, fmt.Sprintf("unknown subscription status %q", from))
	}
	if !to.IsValid() {
		return pkgerrors.New(pkgerrors.CodeValidation, fmt.Sprintf("unknown subscription status %q", to))
	}
	if !CanTransition(from, to) {
		return pkgerrors.New(pkgerrors.CodeStateConflict, fmt.Sprintf("cannot transition subscription from %q to %q", from, to))
	}
	return nil
}
