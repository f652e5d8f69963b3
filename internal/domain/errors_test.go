package domain

import (
	"errors"
	"fmt"
	"testing"
)

func TestErrorHelpers(t *testing.T) {
	tests := []struct {
		name  string
		err   error
		check func(error) bool
		want  bool
	}{
		{name: "conflict", err: ErrConflict, check: IsConflict, want: true},
		{name: "wrapped conflict", err: fmt.Errorf("update order: %w", ErrConflict), check: IsConflict, want: true},
		{name: "joined connectivity", err: errors.Join(ErrConnectivity, errors.New("dial tcp")), check: IsConnectivity, want: true},
		{name: "not found", err: ErrNotFound, check: IsNotFound, want: true},
		{name: "auth", err: fmt.Errorf("login: %w", ErrAuth), check: IsAuth, want: true},
		{name: "other error is not conflict", err: ErrNotFound, check: IsConflict, want: false},
		{name: "nil error", err: nil, check: IsConnectivity, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.check(tt.err); got != tt.want {
				t.Errorf("check(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestPermanentSyncFailure_Unwrap(t *testing.T) {
	var err error = &PermanentSyncFailure{
		ChangeID:  "chg-1",
		OrderID:   "order-1",
		Operation: OperationUpdate,
		Attempts:  5,
		LastError: "boom",
	}

	if !errors.Is(err, ErrPermanentSyncFailure) {
		t.Fatalf("expected errors.Is to match ErrPermanentSyncFailure")
	}

	var failure *PermanentSyncFailure
	if !errors.As(fmt.Errorf("flush: %w", err), &failure) {
		t.Fatalf("expected errors.As to extract PermanentSyncFailure")
	}
	if failure.Attempts != 5 {
		t.Fatalf("expected 5 attempts, got %d", failure.Attempts)
	}
	if got := err.Error(); got != "update order-1 (change chg-1) failed after 5 attempts: boom" {
		t.Fatalf("unexpected message: %s", got)
	}
}
