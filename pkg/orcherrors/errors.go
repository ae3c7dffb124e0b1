// Package orcherrors defines the orchestrator's error taxonomy.
package orcherrors

import "errors"

// Kind identifies a class of orchestrator error.
type Kind string

const (
	KindValidation         Kind = "validation_error"
	KindPolicyDenied       Kind = "policy_denied"
	KindBackendUnavailable Kind = "backend_unavailable"
	KindCosignVerification Kind = "cosign_verification_error"
	KindSessionNotFound    Kind = "session_not_found"
	KindTokenInvalid       Kind = "token_invalid"
	KindTimeout            Kind = "timeout"
	KindIntegrityViolation Kind = "integrity_violation"
)

// Error is the concrete type returned for every taxonomy member.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return string(e.Kind) + ": " + e.Message + ": " + e.Cause.Error()
	}
	return string(e.Kind) + ": " + e.Message
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// New constructs an Error of the given kind.
func New(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

func NewValidationError(message string, cause error) *Error {
	return New(KindValidation, message, cause)
}

func NewPolicyDenied(message string, cause error) *Error {
	return New(KindPolicyDenied, message, cause)
}

func NewBackendUnavailable(message string, cause error) *Error {
	return New(KindBackendUnavailable, message, cause)
}

func NewCosignVerificationError(message string, cause error) *Error {
	return New(KindCosignVerification, message, cause)
}

func NewSessionNotFound(message string, cause error) *Error {
	return New(KindSessionNotFound, message, cause)
}

func NewTokenInvalid(message string, cause error) *Error {
	return New(KindTokenInvalid, message, cause)
}

func NewTimeout(message string, cause error) *Error {
	return New(KindTimeout, message, cause)
}

func NewIntegrityViolation(message string, cause error) *Error {
	return New(KindIntegrityViolation, message, cause)
}

func is(err error, kind Kind) bool {
	if err == nil {
		return false
	}
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	return e.Kind == kind
}

func IsValidation(err error) bool         { return is(err, KindValidation) }
func IsPolicyDenied(err error) bool       { return is(err, KindPolicyDenied) }
func IsBackendUnavailable(err error) bool { return is(err, KindBackendUnavailable) }
func IsCosignVerification(err error) bool { return is(err, KindCosignVerification) }
func IsSessionNotFound(err error) bool    { return is(err, KindSessionNotFound) }
func IsTokenInvalid(err error) bool       { return is(err, KindTokenInvalid) }
func IsTimeout(err error) bool            { return is(err, KindTimeout) }
func IsIntegrityViolation(err error) bool { return is(err, KindIntegrityViolation) }
