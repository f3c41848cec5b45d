package openbanking

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"testing"

	"github.com/google/uuid"

	"banksync/internal/infrastructure/gocardless"
	"banksync/internal/shared/config"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"nil", nil, ""},
		{"consent timeout", fmt.Errorf("provider x: %w", ErrConsentTimeout), KindConsentTimeout},
		{"unknown provider", fmt.Errorf("x: %w", config.ErrUnknownProvider), KindConfiguration},
		{"no link state", ErrNoLinkState, KindUnlinked},
		{"not linked", fmt.Errorf("p: %w (status GC)", ErrNotLinked), KindUnlinked},
		{"unusable", &AccountError{AccountID: uuid.New(), Err: ErrAccountUnusable}, KindAccountUnusable},
		{"cancelled", fmt.Errorf("wrap: %w", context.Canceled), KindCancelled},
		{"remote", &AccountError{Err: &gocardless.RequestError{Method: "GET", Path: "/x", StatusCode: 500, Err: gocardless.ErrRequestFailed}}, KindRemote},
		{"io", &fs.PathError{Op: "open", Path: "/nope", Err: fs.ErrPermission}, KindIO},
		{"joined keeps first match", errors.Join(ErrAccountUnusable, context.Canceled), KindAccountUnusable},
		{"other", errors.New("boom"), KindUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Classify(tt.err); got != tt.want {
				t.Errorf("Classify(%v) = %q, want %q", tt.err, got, tt.want)
			}
		})
	}
}

func TestAccountErrorMessage(t *testing.T) {
	id := uuid.MustParse("3fa85f64-5717-4562-b3fc-2c963f66afa6")
	err := &AccountError{AccountID: id, IBAN: "GB00", Status: gocardless.AccountExpired, Err: ErrAccountUnusable}

	want := "account 3fa85f64-5717-4562-b3fc-2c963f66afa6 (GB00, status EXPIRED): account is not ready"
	if err.Error() != want {
		t.Errorf("Error() = %q, want %q", err.Error(), want)
	}
}
