package subscription

import (
	"testing"

	"github.com/cadencehq/cadence-backend/pkg/enums"
	pkgerrors "github.com/cadencehq/cadence-backend/pkg/errors"
)

func TestTransitionTable(t *testing.T) {
	all := []enums.SubscriptionStatus{
		enums.SubscriptionStatusTrialing,
		enums.SubscriptionStatusActive,
		enums.SubscriptionStatusPastDue,
		enums.SubscriptionStatusPaused,
		enums.SubscriptionStatusCanceled,
	}
	allowed := map[[2]enums.SubscriptionStatus]bool{
		{enums.SubscriptionStatusTrialing, enums.SubscriptionStatusActive}:   true,
		{enums.SubscriptionStatusTrialing, enums.SubscriptionStatusPaused}:   true,
		{enums.SubscriptionStatusTrialing, enums.SubscriptionStatusCanceled}: true,
		{enums.SubscriptionStatusActive, enums.SubscriptionStatusPastDue}:    true,
		{enums.SubscriptionStatusActive, enums.SubscriptionStatusPaused}:     true,
		{enums.SubscriptionStatusActive, enums.SubscriptionStatusCanceled}:   true,
		{enums.SubscriptionStatusPastDue, enums.SubscriptionStatusActive}:    true,
		{enums.SubscriptionStatusPastDue, enums.SubscriptionStatusPaused}:    true,
		{enums.SubscriptionStatusPastDue, enums.SubscriptionStatusCanceled}:  true,
		{enums.SubscriptionStatusPaused, enums.SubscriptionStatusActive}:     true,
		{enums.SubscriptionStatusPaused, enums.SubscriptionStatusCanceled}:   true,
	}

	for _, from := range all {
		for _, to := range all {
			want := allowed[[2]enums.SubscriptionStatus{from, to}]
			if got := CanTransition(from, to); got != want {
				t.Errorf("CanTransition(%s, %s) = %v, want %v", from, to, got, want)
			}
		}
	}
}

func TestCanceledIsTerminal(t *testing.T) {
	for _, to := range []enums.SubscriptionStatus{
		enums.SubscriptionStatusTrialing,
		enums.SubscriptionStatusActive,
		enums.SubscriptionStatusPastDue,
		enums.SubscriptionStatusPaused,
		enums.SubscriptionStatusCanceled,
	} {
		if CanTransition(enums.SubscriptionStatusCanceled, to) {
			t.Errorf("canceled must not transition to %s", to)
		}
	}
}

func TestValidateTransitionErrors(t *testing.T) {
	err := ValidateTransition(enums.SubscriptionStatusTrialing, enums.SubscriptionStatusPastDue)
	typed := pkgerrors.As(err)
	if typed == nil || typed.Code() != pkgerrors.CodeStateConflict {
		t.Fatalf("expected state conflict, got %v", err)
	}

	err = ValidateTransition(enums.SubscriptionStatus("bogus"), enums.SubscriptionStatusActive)
	typed = pkgerrors.As(err)
	if typed == nil || typed.Code() != pkgerrors.CodeValidation {
		t.Fatalf("expected validation error, got %v", err)
	}
}
