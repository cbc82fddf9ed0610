// Package domainerrors provides coded errors for the engine. Services wrap
// infrastructure failures with a code so transports and callers can branch on
// classification without string matching.
package domainerrors

import (
	"errors"
	"fmt"
)

// Code classifies a domain error. Codes are stable API: transports map them
// to status codes and the retry policy uses them to tell transient failures
// from permanent ones.
type Code string

const (
	// Generic codes.
	CodeInternal   Code = "internal"
	CodeNotFound   Code = "not_found"
	CodeConflict   Code = "conflict"
	CodeBadRequest Code = "bad_request"
	CodeValidation Code = "validation"
	CodeTimeout    Code = "timeout"

	// Transfer and consistency taxonomy.
	CodeAuthorizationDenied   Code = "authorization_denied"
	CodeUnknownDomain         Code = "unknown_domain"
	CodeInvalidKeyMaterial    Code = "invalid_key_material"
	CodeDecryption            Code = "decryption_error"
	CodeTransferIO            Code = "transfer_io_error"
	CodeIntegrityMismatch     Code = "integrity_mismatch"
	CodeTransferInProgress    Code = "transfer_in_progress"
	CodeConflictUnrecoverable Code = "conflict_unrecoverable"
)

// Error is a coded error with an optional wrapped cause.
type Error struct {
	Code    Code
	Message string
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// New creates a coded error without a cause.
func New(code Code, message string) error {
	return &Error{Code: code, Message: message}
}

// Newf creates a coded error with a formatted message.
func Newf(code Code, format string, args ...any) error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a code and message to an existing error. A nil err returns nil
// so call sites can wrap unconditionally.
func Wrap(err error, code Code, message string) error {
	if err == nil {
		return nil
	}
	return &Error{Code: code, Message: message, cause: err}
}

// HasCode reports whether any error in the chain carries the given code.
func HasCode(err error, code Code) bool {
	var de *Error
	if errors.As(err, &de) {
		return de.Code == code
	}
	return false
}

// CodeOf returns the code of the outermost coded error in the chain, or
// CodeInternal when the error carries no code.
func CodeOf(err error) Code {
	var de *Error
	if errors.As(err, &de) {
		return de.Code
	}
	return CodeInternal
}

// Is defers to errors.Is; exported so call sites can stay on one import.
func Is(err, target error) bool { return errors.Is(err, target) }
