// Package errors provides lightweight error construction and wrapping
// helpers used throughout the raft implementation. It exists so that
// call sites read the same way regardless of whether an error is being
// created fresh or wrapped with additional context, and so that the
// standard library's errors.Is/errors.As continue to work against the
// wrapped chain.
package errors

import (
	"errors"
	"fmt"
)

// New creates a new error with the provided message.
func New(message string) error {
	return errors.New(message)
}

// WrapError wraps err with additional context. If err is nil, WrapError
// returns nil so call sites can unconditionally wrap the result of a
// fallible operation.
//
//	if err := thing(); err != nil {
//	    return errors.WrapError(err, "failed to do thing")
//	}
func WrapError(err error, message string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	if len(args) > 0 {
		message = fmt.Sprintf(message, args...)
	}
	return fmt.Errorf("%s: %w", message, err)
}

// Is reports whether any error in err's chain matches target.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As finds the first error in err's chain that matches target.
func As(err error, target interface{}) bool {
	return errors.As(err, target)
}
