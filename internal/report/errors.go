package report

import (
	"errors"
	"fmt"
)

// Sink error taxonomy. Callers classify with errors.Is.
var (
	ErrUnauthorized       = errors.New("unauthorized")
	ErrInvalidPayload     = errors.New("invalid payload")
	ErrPayloadTooLarge    = errors.New("payload too large")
	ErrStorageUnavailable = errors.New("storage unavailable")
)

// MaxEcho bounds the diagnostic echo of a rejected payload.
const MaxEcho = 200

// PayloadError describes a rejected request body. It matches
// ErrInvalidPayload with errors.Is.
type PayloadError struct {
	Reason string
	Echo   string
}

func (e *PayloadError) Error() string {
	return fmt.Sprintf("invalid payload: %s", e.Reason)
}

func (e *PayloadError) Unwrap() error { return ErrInvalidPayload }

// StorageError wraps a backend failure. It matches ErrStorageUnavailable
// with errors.Is while keeping the cause for logs.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage unavailable: %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() []error { return []error{ErrStorageUnavailable, e.Err} }

// Truncate returns at most MaxEcho characters of raw. It cuts on rune
// boundaries so the echo is always valid UTF-8 when the input was.
func Truncate(raw []byte) string {
	s := string(raw)
	n := 0
	for i := range s {
		if n == MaxEcho {
			return s[:i]
		}
		n++
	}
	return s
}
