// Package apperr defines the error taxonomy shared by the scanner, poller,
// engine and ledger. Callers wrap with fmt.Errorf as usual; the kind survives
// wrapping and is recovered with KindOf.
package apperr

import (
	"errors"
	"fmt"
)

type Kind string

const (
	KindUnknown              Kind = ""
	KindInvalidCron          Kind = "invalid_cron_expression"
	KindNotConnected         Kind = "not_connected"
	KindCredentialExpired    Kind = "credential_expired"
	KindTransientIntegration Kind = "transient_integration_error"
	KindConfiguration        Kind = "configuration_error"
	KindPlanLimitExceeded    Kind = "plan_limit_exceeded"
	KindGraphCycle           Kind = "graph_cycle"
	KindInvalidGraph         Kind = "invalid_graph"
	KindNotFound             Kind = "not_found"
	KindInvalidTransition    Kind = "invalid_transition"
	KindCancelled            Kind = "cancelled"
)

type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func Wrap(kind Kind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

// PlanLimitError reports that a usage metric reached its plan ceiling.
type PlanLimitError struct {
	Metric string
	Used   int64
	Limit  int64
}

func (e *PlanLimitError) Error() string {
	return fmt.Sprintf("plan limit exceeded for %s (%d/%d)", e.Metric, e.Used, e.Limit)
}

// KindOf returns the kind of the first classified error in the chain.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var planErr *PlanLimitError
	if errors.As(err, &planErr) {
		return KindPlanLimitExceeded
	}
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Kind
	}
	return KindUnknown
}

func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

func NotFound(format string, args ...any) *Error {
	return New(KindNotFound, format, args...)
}

func Configuration(format string, args ...any) *Error {
	return New(KindConfiguration, format, args...)
}

func Transient(err error, format string, args ...any) *Error {
	return Wrap(KindTransientIntegration, err, format, args...)
}

// UserMessage renders an error as the short text shown to workflow owners.
func UserMessage(err error) string {
	switch KindOf(err) {
	case KindNotConnected, KindCredentialExpired:
		return "Integration is not connected or its authorization expired. Reconnect the integration"
	case KindPlanLimitExceeded:
		var planErr *PlanLimitError
		if errors.As(err, &planErr) {
			return fmt.Sprintf("Plan limit reached for %s (%d of %d used). Upgrade your plan to continue", planErr.Metric, planErr.Used, planErr.Limit)
		}
		return "Plan limit reached. Upgrade your plan to continue"
	}
	return err.Error()
}
