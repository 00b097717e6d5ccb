package domain

import (
	"errors"
	"fmt"
)

// ErrorKind classifies failures crossing a component boundary.
type ErrorKind string

const (
	// KindValidation covers malformed PAN, expiry, amount or schema input.
	KindValidation ErrorKind = "validation_error"

	// KindNotFound covers unknown or expired tokens.
	KindNotFound ErrorKind = "not_found"

	// KindDevice covers NFC init/read/timeout failures and device ceilings.
	KindDevice ErrorKind = "device_error"

	// KindSecurity covers compliance and network-security violations.
	KindSecurity ErrorKind = "security_error"

	// KindEncryption covers cipher failures. Always fatal for the operation.
	KindEncryption ErrorKind = "encryption_error"
)

// Error is the structured error returned by the vault, risk and contactless
// components. Message is safe to show to end users; Err is kept for
// errors.Is/As but is never rendered by Error().
type Error struct {
	Kind    ErrorKind
	Field   string
	Message string
	Err     error
}

// Sentinels for errors.Is checks against a kind.
var (
	ErrValidation = &Error{Kind: KindValidation}
	ErrNotFound   = &Error{Kind: KindNotFound}
	ErrDevice     = &Error{Kind: KindDevice}
	ErrSecurity   = &Error{Kind: KindSecurity}
	ErrEncryption = &Error{Kind: KindEncryption}
)

func (e *Error) Error() string {
	if e.Message == "" {
		return string(e.Kind)
	}
	if e.Field != "" {
		return fmt.Sprintf("%s: %s: %s", e.Kind, e.Field, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error of the same kind when target is a bare sentinel.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Message == "" && t.Field == "" {
		return t.Kind == e.Kind
	}
	return t == e
}

// NewValidationError reports malformed input on a named field.
func NewValidationError(field, message string) *Error {
	return &Error{Kind: KindValidation, Field: field, Message: message}
}

// NewNotFoundError reports an unknown or expired resource.
func NewNotFoundError(message string) *Error {
	return &Error{Kind: KindNotFound, Message: message}
}

// NewDeviceError reports a reader failure. cause may be nil.
func NewDeviceError(message string, cause error) *Error {
	return &Error{Kind: KindDevice, Message: message, Err: cause}
}

// NewSecurityError reports a compliance or transport violation.
func NewSecurityError(message string) *Error {
	return &Error{Kind: KindSecurity, Message: message}
}

// NewEncryptionError reports a cipher failure. The cause is retained for
// errors.Is but its text is never part of Error().
func NewEncryptionError(message string, cause error) *Error {
	return &Error{Kind: KindEncryption, Message: message, Err: cause}
}

// KindOf returns the kind of err, or "" when err is not an *Error.
func KindOf(err error) ErrorKind {
	var de *Error
	if errors.As(err, &de) {
		return de.Kind
	}
	return ""
}
