package activity

import (
	"errors"

	"go.temporal.io/sdk/temporal"

	"github.com/edvin/autoflow/internal/apperr"
)

// permanent kinds fail the same way on every attempt.
var permanent = map[apperr.Kind]bool{
	apperr.KindInvalidCron:       true,
	apperr.KindConfiguration:     true,
	apperr.KindPlanLimitExceeded: true,
	apperr.KindGraphCycle:        true,
	apperr.KindInvalidGraph:      true,
	apperr.KindNotFound:          true,
	apperr.KindInvalidTransition: true,
	apperr.KindNotConnected:      true,
	apperr.KindCredentialExpired: true,
	apperr.KindCancelled:         true,
}

// Classify turns err into a Temporal application error. The error type is
// the apperr kind when there is one, else fallbackType. Permanent kinds
// are marked non-retryable.
func Classify(fallbackType string, err error) error {
	if err == nil {
		return nil
	}
	var appErr *temporal.ApplicationError
	if errors.As(err, &appErr) && appErr.Type() != "" {
		return err
	}
	kind := apperr.KindOf(err)
	if kind == apperr.KindUnknown {
		return temporal.NewApplicationErrorWithCause(err.Error(), fallbackType, err)
	}
	if permanent[kind] {
		return temporal.NewNonRetryableApplicationError(err.Error(), string(kind), err)
	}
	return temporal.NewApplicationErrorWithCause(err.Error(), string(kind), err)
}
