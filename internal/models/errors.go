package models

import (
	"errors"
	"fmt"
)

// Store-level sentinels
var (
	ErrRecordNotFound = errors.New("record not found")
	ErrDuplicateOrder = errors.New("conversion already exists for order")
	ErrStaleWrite     = errors.New("record changed since it was read")
	ErrUnknownClick   = errors.New("referenced click does not exist")
)

// ErrorKind classifies failures for callers and transports
type ErrorKind string

const (
	KindNotFound   ErrorKind = "NOT_FOUND"
	KindForbidden  ErrorKind = "FORBIDDEN"
	KindConflict   ErrorKind = "CONFLICT"
	KindValidation ErrorKind = "VALIDATION_ERROR"
	KindUpstream   ErrorKind = "UPSTREAM_ERROR"
	KindInternal   ErrorKind = "INTERNAL_ERROR"
)

// Error is a classified engine error
type Error struct {
	Kind    ErrorKind
	Code    string
	Message string
	// Details maps request fields to what is wrong with them
	Details map[string]string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func NotFound(code, message string) *Error {
	return &Error{Kind: KindNotFound, Code: code, Message: message}
}

func Forbidden(code, message string) *Error {
	return &Error{Kind: KindForbidden, Code: code, Message: message}
}

func Conflict(code, message string) *Error {
	return &Error{Kind: KindConflict, Code: code, Message: message}
}

func Validation(code, message string) *Error {
	return &Error{Kind: KindValidation, Code: code, Message: message}
}

// InvalidField is a validation error naming the offending request field
func InvalidField(code, field, message string) *Error {
	return &Error{Kind: KindValidation, Code: code, Message: message, Details: map[string]string{field: message}}
}

// Upstream wraps a store or network failure
func Upstream(code, message string, err error) *Error {
	return &Error{Kind: KindUpstream, Code: code, Message: message, Err: err}
}

// KindOf returns the classification of err, or KindInternal when err is not
// a classified error
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if errors.Is(err, ErrRecordNotFound) {
		return KindNotFound
	}
	return KindInternal
}

// CodeOf returns the machine-readable code of err
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return string(KindOf(err))
}

// MessageOf returns the human-readable message of err
func MessageOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Message
	}
	return err.Error()
}

// DetailsOf returns the per-field details of err, if any
func DetailsOf(err error) map[string]string {
	var e *Error
	if errors.As(err, &e) {
		return e.Details
	}
	return nil
}
