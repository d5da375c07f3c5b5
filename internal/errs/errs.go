// Package errs defines the error taxonomy shared by all components.
//
// Every error that crosses a component boundary carries a Kind so that
// callers (HTTP handlers, the tool gateway, tests) can map it to the right
// behavior without string matching: Validation/State/Policy/Concurrency are
// surfaced verbatim, Resource errors advertise retriability, Internal
// errors are masked from external callers but fully audited.
package errs

import (
	"errors"
	"fmt"
)

// Kind classifies an error for propagation policy.
type Kind string

const (
	// KindValidation: schema/field/constraint violations. 4xx, not retriable.
	KindValidation Kind = "VALIDATION"
	// KindState: a lifecycle transition the current state does not admit.
	KindState Kind = "STATE"
	// KindPolicy: kill switch active, risk rejection, or gateway denial.
	KindPolicy Kind = "POLICY"
	// KindResource: broker unreachable, timeout, breaker open. Retriable.
	KindResource Kind = "RESOURCE"
	// KindConcurrency: token already consumed, store full, proposal locked.
	KindConcurrency Kind = "CONCURRENCY"
	// KindInternal: storage failure or invariant violation. Masked externally.
	KindInternal Kind = "INTERNAL"
)

// Error is a classified error with a stable machine-readable reason code.
type Error struct {
	Kind      Kind
	Reason    string // stable code, e.g. "KILL_SWITCH_ACTIVE", "TOKEN_CONSUMED"
	Retriable bool   // meaningful for KindResource
	Err       error  // wrapped cause, may be nil
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Reason, e.Err)
	}
	return e.Reason
}

func (e *Error) Unwrap() error { return e.Err }

// New creates a classified error with a formatted cause message.
func New(kind Kind, reason, format string, args ...any) *Error {
	return &Error{Kind: kind, Reason: reason, Err: fmt.Errorf(format, args...)}
}

// Wrap classifies an existing error. Returns nil if err is nil.
func Wrap(kind Kind, reason string, err error) *Error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Reason: reason, Err: err}
}

// Retry marks a Resource error as retriable.
func Retry(e *Error) *Error {
	e.Retriable = true
	return e
}

// KindOf extracts the Kind from an error chain. Unclassified errors are
// treated as Internal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// ReasonOf extracts the stable reason code, or "" for unclassified errors.
func ReasonOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Reason
	}
	return ""
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// Stable reason codes used across components.
const (
	ReasonKillSwitchActive   = "KILL_SWITCH_ACTIVE"
	ReasonRiskRejected       = "RISK_REJECTED"
	ReasonInvalidTransition  = "INVALID_TRANSITION"
	ReasonTokenInvalid       = "TOKEN_INVALID"
	ReasonTokenConsumed      = "TOKEN_CONSUMED"
	ReasonTokenExpired       = "TOKEN_EXPIRED"
	ReasonNotFound           = "NOT_FOUND"
	ReasonStoreFull          = "STORE_FULL"
	ReasonValidationFailed   = "VALIDATION_FAILED"
	ReasonReadOnly           = "READ_ONLY_MODE"
	ReasonBreakerOpen        = "BREAKER_OPEN"
	ReasonRateLimited        = "RATE_LIMITED"
	ReasonToolDenied         = "TOOL_DENIED"
	ReasonBrokerUnavailable  = "BROKER_UNAVAILABLE"
	ReasonSubmissionFailed   = "ORDER_SUBMISSION_FAILED"
	ReasonAuditFailed        = "AUDIT_WRITE_FAILED"
)
