package session

import (
	"errors"
	"fmt"
)

// ErrClosed is returned by operations on a closed Controller.
var ErrClosed = errors.New("session: controller closed")

// ErrArchiveDisabled is returned by History when no transcript store is wired.
var ErrArchiveDisabled = errors.New("session: transcript archive disabled")

// ValidationError rejects an operation before it mutates anything.
type ValidationError struct {
	Field  string
	Reason string
	Err    error
}

func (e *ValidationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("invalid %s: %s: %v", e.Field, e.Reason, e.Err)
	}
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return e.Err }

func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
