package escrow

import (
	"errors"
	"testing"
)

func TestTransitionTable(t *testing.T) {
	all := []Status{StatusPending, StatusActive, StatusCompleted, StatusCancelled, StatusDisputed}
	allowed := map[[2]Status]bool{
		{StatusPending, StatusActive}:     true,
		{StatusPending, StatusCancelled}:  true,
		{StatusActive, StatusCompleted}:   true,
		{StatusActive, StatusCancelled}:   true,
		{StatusActive, StatusDisputed}:    true,
		{StatusDisputed, StatusCompleted}: true,
		{StatusDisputed, StatusCancelled}: true,
	}

	for _, from := range all {
		for _, to := range all {
			want := allowed[[2]Status{from, to}]
			if got := CanTransition(from, to); got != want {
				t.Errorf("CanTransition(%s, %s) = %v, want %v", from, to, got, want)
			}
		}
	}
}

func TestValidateTransition(t *testing.T) {
	if err := ValidateTransition(StatusPending, StatusActive); err != nil {
		t.Errorf("expected legal transition, got %v", err)
	}

	err := ValidateTransition(StatusCompleted, StatusActive)
	if !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("expected ErrInvalidTransition, got %v", err)
	}
	if !errors.Is(err, ErrInvalidState) {
		t.Errorf("ErrInvalidTransition should unwrap to ErrInvalidState, got %v", err)
	}
}

func TestIsTerminal(t *testing.T) {
	for _, s := range []Status{StatusCompleted, StatusCancelled} {
		if !IsTerminal(s) {
			t.Errorf("expected %s to be terminal", s)
		}
	}
	for _, s := range []Status{StatusPending, StatusActive, StatusDisputed} {
		if IsTerminal(s) {
			t.Errorf("expected %s to not be terminal", s)
		}
	}
}
