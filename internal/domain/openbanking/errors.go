package openbanking

import (
	"context"
	"errors"
	"fmt"
	"io/fs"

	"github.com/google/uuid"

	"banksync/internal/infrastructure/gocardless"
	"banksync/internal/shared/config"
)

var (
	ErrNoLinkState     = errors.New("no link state found; run `banksync link` first")
	ErrNotLinked       = errors.New("requisition is not linked yet")
	ErrAccountUnusable = errors.New("account is not ready")
	ErrConsentTimeout  = errors.New("timed out waiting for consent")
)

// AccountError attributes a failure to one account of a requisition.
type AccountError struct {
	AccountID uuid.UUID
	IBAN      string
	Status    gocardless.AccountStatus
	Err       error
}

func (e *AccountError) Error() string {
	switch {
	case e.IBAN != "" && e.Status != "":
		return fmt.Sprintf("account %s (%s, status %s): %v", e.AccountID, e.IBAN, e.Status, e.Err)
	case e.IBAN != "":
		return fmt.Sprintf("account %s (%s): %v", e.AccountID, e.IBAN, e.Err)
	default:
		return fmt.Sprintf("account %s: %v", e.AccountID, e.Err)
	}
}

func (e *AccountError) Unwrap() error {
	return e.Err
}

// Error kinds reported by Classify.
const (
	KindConfiguration   = "configuration"
	KindUnlinked        = "unlinked"
	KindRemote          = "remote"
	KindAccountUnusable = "account_unusable"
	KindConsentTimeout  = "consent_timeout"
	KindIO              = "io"
	KindCancelled       = "cancelled"
	KindUnknown         = "unknown"
)

// Classify names the kind of err for logs, spans and the run journal.
func Classify(err error) string {
	var pathErr *fs.PathError
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrConsentTimeout):
		return KindConsentTimeout
	case errors.Is(err, config.ErrUnknownProvider), errors.Is(err, config.ErrInvalidConfig):
		return KindConfiguration
	case errors.Is(err, ErrNoLinkState), errors.Is(err, ErrNotLinked):
		return KindUnlinked
	case errors.Is(err, ErrAccountUnusable):
		return KindAccountUnusable
	case errors.Is(err, context.Canceled):
		return KindCancelled
	case errors.Is(err, gocardless.ErrRequestFailed):
		return KindRemote
	case errors.As(err, &pathErr):
		return KindIO
	default:
		return KindUnknown
	}
}
