// Package errors contains the error helpers used throughout dirsync. Errors
// are wrapped with short context strings as they propagate up the stack, so
// that the final message reads like a trace of what was being attempted:
//
//	scan "/home/alice/Sync": hash "photos/a.jpg": read: input/output error
package errors

import (
	goErrors "errors"
	"fmt"
)

// New returns an error with the given message.
func New(format string, args ...interface{}) error {
	if len(args) == 0 {
		return goErrors.New(format)
	}
	return fmt.Errorf(format, args...)
}

// Is and As are re-exported so that callers don't need to import both
// packages.
var (
	Is = goErrors.Is
	As = goErrors.As
)

type contextError struct {
	context string
	err     error
}

func (err contextError) Error() string {
	return fmt.Sprintf("%s: %s", err.context, err.err)
}

func (err contextError) Unwrap() error {
	return err.err
}

// WithContext annotates err with a description of what was being done when
// it occurred. It returns nil if err is nil.
func WithContext(err error, context string) error {
	if err == nil {
		return nil
	}
	return contextError{context: context, err: err}
}

// RootCause strips all the context added by WithContext and returns the
// original error.
func RootCause(err error) error {
	for {
		ctxErr, ok := err.(contextError)
		if !ok {
			return err
		}
		err = ctxErr.err
	}
}

// FriendlyError is an error whose message is meant to be shown directly to
// the user, without any of the surrounding context.
type FriendlyError struct {
	msg string
}

// NewFriendlyError creates a FriendlyError from a format string.
func NewFriendlyError(format string, args ...interface{}) error {
	return FriendlyError{fmt.Sprintf(format, args...)}
}

func (err FriendlyError) Error() string {
	return err.msg
}

// FriendlyMessage returns the message to display to the user.
func (err FriendlyError) FriendlyMessage() string {
	return err.msg
}

// GetPrintableMessage returns the friendly message of err if it, or any error
// it wraps, has one. Otherwise it returns the full error string.
func GetPrintableMessage(err error) string {
	var friendly interface{ FriendlyMessage() string }
	if As(err, &friendly) {
		return friendly.FriendlyMessage()
	}
	return err.Error()
}
