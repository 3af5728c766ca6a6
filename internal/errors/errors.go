// internal/errors/errors.go
package appErrors

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
)

// Code is a machine-readable error code.
type Code string

const (
	CodeUnknown                  Code = "UNKNOWN"
	CodeValidationFailed         Code = "VALIDATION_FAILED"
	CodeInvalidTransition        Code = "INVALID_TRANSITION"
	CodeConcurrencyConflict      Code = "CONCURRENCY_CONFLICT"
	CodeUnknownCommand           Code = "UNKNOWN_COMMAND"
	CodeUnknownQuery             Code = "UNKNOWN_QUERY"
	CodeNotFound                 Code = "NOT_FOUND"
	CodeStorageUnavailable       Code = "STORAGE_UNAVAILABLE"
	CodeHandlerAlreadyRegistered Code = "HANDLER_ALREADY_REGISTERED"
	CodeDispatchTimeout          Code = "DISPATCH_TIMEOUT"
)

// Error is the domain error type shared by every layer of the core.
type Error struct {
	Code     Code
	Message  string
	Metadata map[string]string
	Cause    error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return e.Message + ": " + e.Cause.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches any *Error carrying the same code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// Sentinels for errors.Is checks.
var (
	ErrValidationFailed         = &Error{Code: CodeValidationFailed, Message: "validation failed"}
	ErrInvalidTransition        = &Error{Code: CodeInvalidTransition, Message: "invalid transition"}
	ErrConcurrencyConflict      = &Error{Code: CodeConcurrencyConflict, Message: "concurrency conflict"}
	ErrUnknownCommand           = &Error{Code: CodeUnknownCommand, Message: "unknown command"}
	ErrUnknownQuery             = &Error{Code: CodeUnknownQuery, Message: "unknown query"}
	ErrNotFound                 = &Error{Code: CodeNotFound, Message: "not found"}
	ErrStorageUnavailable       = &Error{Code: CodeStorageUnavailable, Message: "storage unavailable"}
	ErrHandlerAlreadyRegistered = &Error{Code: CodeHandlerAlreadyRegistered, Message: "handler already registered"}
	ErrDispatchTimeout          = &Error{Code: CodeDispatchTimeout, Message: "dispatch timed out"}
)

// NewValidationFailed reports a payload that fails an aggregate invariant.
func NewValidationFailed(field, reason string) error {
	return &Error{
		Code:     CodeValidationFailed,
		Message:  fmt.Sprintf("validation failed: %s %s", field, reason),
		Metadata: map[string]string{"field": field, "reason": reason},
	}
}

// NewValidationFailedFields reports several invalid fields at once.
func NewValidationFailedFields(fields map[string]string) error {
	msg := "validation failed"
	for _, f := range sortedKeys(fields) {
		msg += fmt.Sprintf("; %s %s", f, fields[f])
	}
	return &Error{Code: CodeValidationFailed, Message: msg, Metadata: fields}
}

func NewInvalidTransition(current, operation string) error {
	if current == "" {
		current = "none"
	}
	return &Error{
		Code:     CodeInvalidTransition,
		Message:  fmt.Sprintf("cannot %s campaign in status %s", operation, current),
		Metadata: map[string]string{"current": current, "operation": operation},
	}
}

func NewConcurrencyConflict(aggregateID string, expected, actual int) error {
	return &Error{
		Code:    CodeConcurrencyConflict,
		Message: fmt.Sprintf("aggregate %s expected version %d but is at %d", aggregateID, expected, actual),
		Metadata: map[string]string{
			"aggregate_id": aggregateID,
			"expected":     strconv.Itoa(expected),
			"actual":       strconv.Itoa(actual),
		},
	}
}

func NewUnknownCommand(commandType string) error {
	return &Error{
		Code:     CodeUnknownCommand,
		Message:  fmt.Sprintf("no handler registered for command %q", commandType),
		Metadata: map[string]string{"type": commandType},
	}
}

func NewUnknownQuery(queryType string) error {
	return &Error{
		Code:     CodeUnknownQuery,
		Message:  fmt.Sprintf("no handler registered for query %q", queryType),
		Metadata: map[string]string{"type": queryType},
	}
}

func NewHandlerAlreadyRegistered(kind, handlerType string) error {
	return &Error{
		Code:     CodeHandlerAlreadyRegistered,
		Message:  fmt.Sprintf("%s handler for %q already registered", kind, handlerType),
		Metadata: map[string]string{"kind": kind, "type": handlerType},
	}
}

func NewDispatchTimeout(kind, handlerType string, cause error) error {
	return &Error{
		Code:     CodeDispatchTimeout,
		Message:  fmt.Sprintf("%s %q timed out, outcome unknown", kind, handlerType),
		Metadata: map[string]string{"kind": kind, "type": handlerType},
		Cause:    cause,
	}
}

// NewStorageUnavailable wraps an infrastructure failure of the event or view store.
func NewStorageUnavailable(op string, cause error) error {
	return &Error{
		Code:     CodeStorageUnavailable,
		Message:  op,
		Metadata: map[string]string{"op": op},
		Cause:    cause,
	}
}

func NewNotFound(kind, id string) error {
	return &Error{
		Code:     CodeNotFound,
		Message:  fmt.Sprintf("%s with ID %s not found", kind, id),
		Metadata: map[string]string{"kind": kind, "id": id},
	}
}

// NewCampaignNotFound is the campaign flavour of NewNotFound.
func NewCampaignNotFound(id string) error {
	return NewNotFound("campaign", id)
}

// CodeOf returns the code of the first *Error in err's chain.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeUnknown
}

// Retryable reports whether the caller may retry the same call.
func Retryable(err error) bool {
	switch CodeOf(err) {
	case CodeConcurrencyConflict, CodeStorageUnavailable:
		return true
	}
	return false
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
