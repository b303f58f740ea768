// Package errors provides the error taxonomy shared by every prguard component.
package errors

import (
	"errors"
	"fmt"
)

// Kind is the stable discriminator reported to clients.
type Kind string

const (
	KindWorkspaceNotFound    Kind = "WorkspaceNotFound"
	KindWorkspaceExpired     Kind = "WorkspaceExpired"
	KindInvalidConfiguration Kind = "InvalidConfiguration"
	KindInvalidArgument      Kind = "InvalidArgument"
	KindPolicyRejected       Kind = "PolicyRejected"
	KindCommandTimeout       Kind = "CommandTimeout"
	KindLimitExceeded        Kind = "LimitExceeded"
	KindApprovalDenied       Kind = "ApprovalDenied"
	KindApprovalTokenInvalid Kind = "ApprovalTokenInvalid"
	KindForbiddenPhrase      Kind = "ForbiddenPhrase"
	KindBackendUnavailable   Kind = "BackendUnavailable"
	KindInternal             Kind = "Internal"
)

// Reason refines a Kind. Not every kind has reasons.
type Reason string

const (
	// LimitExceeded
	ReasonFiles Reason = "files"
	ReasonLines Reason = "lines"

	// ApprovalDenied
	ReasonNonCompliant Reason = "NonCompliant"
	ReasonRefused      Reason = "Refused"

	// ApprovalTokenInvalid
	ReasonUnknown         Reason = "Unknown"
	ReasonAlreadyConsumed Reason = "AlreadyConsumed"
	ReasonExpired         Reason = "Expired"
	ReasonScopeMismatch   Reason = "ScopeMismatch"

	// CommandTimeout
	ReasonExecution Reason = "Execution"
	ReasonLockWait  Reason = "LockWait"
)

// Sentinels for use with errors.Is. A sentinel without a reason matches every
// reason of its kind.
var (
	ErrWorkspaceNotFound    = &Error{Kind: KindWorkspaceNotFound}
	ErrWorkspaceExpired     = &Error{Kind: KindWorkspaceExpired}
	ErrInvalidConfiguration = &Error{Kind: KindInvalidConfiguration}
	ErrInvalidArgument      = &Error{Kind: KindInvalidArgument}
	ErrPolicyRejected       = &Error{Kind: KindPolicyRejected}
	ErrCommandTimeout       = &Error{Kind: KindCommandTimeout}
	ErrLimitExceeded        = &Error{Kind: KindLimitExceeded}
	ErrApprovalDenied       = &Error{Kind: KindApprovalDenied}
	ErrApprovalTokenInvalid = &Error{Kind: KindApprovalTokenInvalid}
	ErrForbiddenPhrase      = &Error{Kind: KindForbiddenPhrase}
	ErrBackendUnavailable   = &Error{Kind: KindBackendUnavailable}

	ErrTokenUnknown         = &Error{Kind: KindApprovalTokenInvalid, Reason: ReasonUnknown}
	ErrTokenAlreadyConsumed = &Error{Kind: KindApprovalTokenInvalid, Reason: ReasonAlreadyConsumed}
	ErrTokenExpired         = &Error{Kind: KindApprovalTokenInvalid, Reason: ReasonExpired}
	ErrNonCompliant         = &Error{Kind: KindApprovalDenied, Reason: ReasonNonCompliant}
	ErrRefused              = &Error{Kind: KindApprovalDenied, Reason: ReasonRefused}
)

// Error is a classified error carrying a client-visible kind and message.
type Error struct {
	Kind    Kind
	Reason  Reason
	Message string
	Cause   error
	Context map[string]interface{}
}

// Error returns "[Kind/Reason] message: cause".
func (e *Error) Error() string {
	tag := string(e.Kind)
	if e.Reason != "" {
		tag += "/" + string(e.Reason)
	}
	msg := e.Message
	if msg == "" {
		msg = string(e.Kind)
	}
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", tag, msg, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", tag, msg)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches another *Error by kind, and by reason when the target sets one.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Kind != e.Kind {
		return false
	}
	return t.Reason == "" || t.Reason == e.Reason
}

// New creates an Error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Newf creates an Error of the given kind with a formatted message.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// NewReason creates an Error with a kind and reason.
func NewReason(kind Kind, reason Reason, message string) *Error {
	return &Error{Kind: kind, Reason: reason, Message: message}
}

// Wrap creates an Error of the given kind around cause.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// WithContext adds a key-value pair to the error's context and returns the error.
func WithContext(err *Error, key string, value interface{}) *Error {
	if err.Context == nil {
		err.Context = make(map[string]interface{})
	}
	err.Context[key] = value
	return err
}

// KindOf returns the kind and reason of the first *Error in err's chain.
// Unclassified errors report KindInternal.
func KindOf(err error) (Kind, Reason) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, e.Reason
	}
	return KindInternal, ""
}

// Is reports whether err matches target using errors.Is semantics.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As finds the first error in err's chain that matches target.
func As(err error, target interface{}) bool {
	return errors.As(err, target)
}
