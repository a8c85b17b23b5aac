package config

import "fmt"

// Error is a fatal configuration error. It is returned at construction time,
// before any device memory is allocated; the caller decides whether to abort.
type Error struct {
	Field  string
	Value  interface{}
	Reason string
}

func (e *Error) Error() string {
	return fmt.Sprintf("invalid %s: %v (%s)", e.Field, e.Value, e.Reason)
}

func newError(field string, value interface{}, reason string) *Error {
	return &Error{Field: field, Value: value, Reason: reason}
}

// NewError builds a configuration error for checks that live outside this
// package, such as tuning table validation.
func NewError(field string, value interface{}, reason string) *Error {
	return newError(field, value, reason)
}
