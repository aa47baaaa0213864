// internal/checkpoint/errors.go
package checkpoint

import (
	"errors"
	"fmt"
)

// ErrorKind classifies checkpoint failures so callers can distinguish
// "git unavailable" from "command reported an error".
type ErrorKind string

const (
	KindToolUnavailable ErrorKind = "tool-unavailable"
	KindCommandFailed   ErrorKind = "command-failed"
	KindNotInitialized  ErrorKind = "not-initialized"
	KindNotFound        ErrorKind = "not-found"
	KindSerialization   ErrorKind = "serialization"
	KindCancelled       ErrorKind = "cancelled"
	KindIO              ErrorKind = "io"
)

// StoreError is the typed failure every store method returns instead of an
// ad-hoc error. Detail carries the low-level cause (raw git stderr, fs
// error) for diagnostics.
type StoreError struct {
	Kind    ErrorKind
	Message string
	Detail  error
}

func (e *StoreError) Error() string {
	if e.Detail != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Detail)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *StoreError) Unwrap() error {
	return e.Detail
}

func storeErr(kind ErrorKind, message string, detail error) *StoreError {
	return &StoreError{Kind: kind, Message: message, Detail: detail}
}

// KindOf returns the ErrorKind of err when it is a StoreError, "" otherwise.
func KindOf(err error) ErrorKind {
	var se *StoreError
	if errors.As(err, &se) {
		return se.Kind
	}
	return ""
}
