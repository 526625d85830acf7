// ABOUTME: Error taxonomy shared by the store, patch engine and batch executor
// ABOUTME: Sentinels for errors.Is plus a typed Error carrying outcome details

package resource

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrValidation indicates malformed input; never retried
	ErrValidation = errors.New("validation error")

	// ErrNotFound indicates an unknown entity or version
	ErrNotFound = errors.New("not found")

	// ErrPatch indicates an inapplicable patch operation
	ErrPatch = errors.New("patch error")

	// ErrConflict is reserved for optimistic concurrency checks
	ErrConflict = errors.New("conflict")
)

// Kind classifies an Error
type Kind int

const (
	KindValidation Kind = iota + 1
	KindNotFound
	KindPatch
	KindConflict
)

func (k Kind) sentinel() error {
	switch k {
	case KindValidation:
		return ErrValidation
	case KindNotFound:
		return ErrNotFound
	case KindPatch:
		return ErrPatch
	case KindConflict:
		return ErrConflict
	}
	return nil
}

// Error is a classified store error
type Error struct {
	Kind       Kind
	Message    string
	Expression string // optional field path the error refers to
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind.sentinel(), e.Message)
}

// Is lets errors.Is match the kind's sentinel
func (e *Error) Is(target error) bool {
	return target == e.Kind.sentinel()
}

// Validationf builds a validation error
func Validationf(format string, args ...any) error {
	return &Error{Kind: KindValidation, Message: fmt.Sprintf(format, args...)}
}

// InvalidField builds a validation error pointing at a field
func InvalidField(field, format string, args ...any) error {
	return &Error{Kind: KindValidation, Message: fmt.Sprintf(format, args...), Expression: field}
}

// NotFoundf builds a not-found error
func NotFoundf(format string, args ...any) error {
	return &Error{Kind: KindNotFound, Message: fmt.Sprintf(format, args...)}
}

// Patchf builds a patch error
func Patchf(format string, args ...any) error {
	return &Error{Kind: KindPatch, Message: fmt.Sprintf(format, args...)}
}

// Conflictf builds a conflict error
func Conflictf(format string, args ...any) error {
	return &Error{Kind: KindConflict, Message: fmt.Sprintf(format, args...)}
}

// StatusCode maps an error to its HTTP status
func StatusCode(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrPatch):
		return http.StatusUnprocessableEntity
	case errors.Is(err, ErrConflict):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
