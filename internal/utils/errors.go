package utils

import "fmt"

// AppError wraps a failing operation with a short human-facing message.
type AppError struct {
	Op  string
	Msg string
	Err error
}

func (e *AppError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Msg)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Msg, e.Err)
}

func (e *AppError) Unwrap() error {
	return e.Err
}

// NewAppError constructs an AppError.
func NewAppError(op, msg string, err error) error {
	return &AppError{Op: op, Msg: msg, Err: err}
}

// WrapOp wraps err with op and msg, returning nil when err is nil.
func WrapOp(op, msg string, err error) error {
	if err == nil {
		return nil
	}
	return NewAppError(op, msg, err)
}
