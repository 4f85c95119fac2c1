// Package apperr defines the error kinds the gateway surfaces to its callers.
package apperr

import (
	"errors"
	"fmt"
	"strings"
)

// Kind classifies a caller-visible failure.
type Kind string

const (
	InvalidIntent       Kind = "invalid_intent"
	SponsorUnavailable  Kind = "sponsor_unavailable"
	ClientTampered      Kind = "client_tampered"
	ContractRejected    Kind = "contract_rejected"
	RpcUnavailable      Kind = "rpc_unavailable"
	ConfirmationTimeout Kind = "confirmation_timeout"
	Duplicate           Kind = "duplicate"
	Expired             Kind = "expired"
	SponsorAccountDrift Kind = "sponsor_account_drift"

	NotFound          Kind = "not_found"
	IllegalTransition Kind = "illegal_transition"
	KmsUnavailable    Kind = "kms_unavailable"
	KeyMisconfigured  Kind = "key_misconfigured"
	Internal          Kind = "internal"
)

// Retryable reports whether a caller may retry (with a fresh idempotency key).
func (k Kind) Retryable() bool {
	switch k {
	case SponsorUnavailable, RpcUnavailable, KmsUnavailable:
		return true
	default:
		return false
	}
}

// Error is a typed failure. Logs carries chain evaluation output for
// ContractRejected.
type Error struct {
	Kind   Kind
	Reason string
	Logs   []string
	Err    error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Kind))
	if e.Reason != "" {
		b.WriteString(": ")
		b.WriteString(e.Reason)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// New builds an Error with a formatted reason.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Reason: fmt.Sprintf(format, args...)}
}

// Wrap attaches kind and reason to an underlying error.
func Wrap(kind Kind, err error, reason string) *Error {
	return &Error{Kind: kind, Reason: reason, Err: err}
}

// Rejected builds a ContractRejected error carrying the chain's reason verbatim.
func Rejected(reason string, logs []string) *Error {
	return &Error{Kind: ContractRejected, Reason: reason, Logs: logs}
}

// KindOf returns the Kind of the first *Error in err's chain, or Internal.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Internal
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// As extracts the typed error, if any.
func As(err error) (*Error, bool) {
	var e *Error
	ok := errors.As(err, &e)
	return e, ok
}
