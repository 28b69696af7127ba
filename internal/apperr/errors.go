// Package apperr holds the error taxonomy shared by the upload and retrieval
// pipeline. Every error carries a stable code so clients can tell a request
// problem apart from a server or storage failure.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error.
type Kind int

const (
	KindValidation Kind = iota + 1
	KindNotFound
	KindForbidden
	KindStorage
	KindTransform
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindNotFound:
		return "not_found"
	case KindForbidden:
		return "forbidden"
	case KindStorage:
		return "storage"
	case KindTransform:
		return "transform"
	default:
		return "unknown"
	}
}

// Stable error codes returned to clients.
const (
	CodeExtensionBlocked     = "EXTENSION_BLOCKED"
	CodeFileTooLarge         = "FILE_TOO_LARGE"
	CodeNameCollision        = "NAME_COLLISION"
	CodeFolderNotFound       = "FOLDER_NOT_FOUND"
	CodeInvalidChunk         = "INVALID_CHUNK"
	CodeInvalidOptions       = "INVALID_OPTIONS"
	CodeInvalidRange         = "RANGE_NOT_SATISFIABLE"
	CodeNoFiles              = "NO_FILES"
	CodeNotFound             = "NOT_FOUND"
	CodeUploadNotFound       = "UPLOAD_NOT_FOUND"
	CodePasswordRequired     = "PASSWORD_REQUIRED"
	CodeIncorrectPassword    = "INCORRECT_PASSWORD"
	CodeStorageFailure       = "STORAGE_ERROR"
	CodeAssemblyFailed       = "ASSEMBLY_FAILED"
	CodeAssemblyInProgress   = "ASSEMBLY_IN_PROGRESS"
	CodeAssemblyRetriesSpent = "ASSEMBLY_RETRIES_EXHAUSTED"
	CodeTransformFailed      = "TRANSFORM_FAILED"
	CodeInternal             = "INTERNAL_ERROR"
)

// Error is a classified error with a client-facing message.
type Error struct {
	Kind    Kind
	Code    string
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

// Validation builds a KindValidation error.
func Validation(code, message string) *Error {
	return &Error{Kind: KindValidation, Code: code, Message: message}
}

// NotFound builds a KindNotFound error.
func NotFound(code, message string) *Error {
	return &Error{Kind: KindNotFound, Code: code, Message: message}
}

// Forbidden builds a KindForbidden error.
func Forbidden(code, message string) *Error {
	return &Error{Kind: KindForbidden, Code: code, Message: message}
}

// Storage wraps a backend failure.
func Storage(message string, err error) *Error {
	return &Error{Kind: KindStorage, Code: CodeStorageFailure, Message: message, Err: err}
}

// Transform wraps a payload transform failure.
func Transform(message string, err error) *Error {
	return &Error{Kind: KindTransform, Code: CodeTransformFailed, Message: message, Err: err}
}

// Wrap attaches a kind and code to err.
func Wrap(kind Kind, code, message string, err error) *Error {
	return &Error{Kind: kind, Code: code, Message: message, Err: err}
}

// As extracts an *Error from err's chain.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// KindOf returns the Kind of err, or 0 when err is unclassified.
func KindOf(err error) Kind {
	if e, ok := As(err); ok {
		return e.Kind
	}
	return 0
}

// Is reports whether err carries the given code.
func Is(err error, code string) bool {
	e, ok := As(err)
	return ok && e.Code == code
}

// HTTPStatus maps err to a response status.
func HTTPStatus(err error) int {
	e, ok := As(err)
	if !ok {
		return http.StatusInternalServerError
	}
	switch e.Kind {
	case KindValidation:
		switch e.Code {
		case CodeFileTooLarge:
			return http.StatusRequestEntityTooLarge
		case CodeNameCollision, CodeAssemblyInProgress:
			return http.StatusConflict
		case CodeInvalidRange:
			return http.StatusRequestedRangeNotSatisfiable
		}
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindForbidden:
		return http.StatusForbidden
	case KindTransform:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

// Retryable reports whether the client may resend the same request unchanged.
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindValidation, KindNotFound, KindForbidden, KindTransform:
		return false
	}
	return true
}
