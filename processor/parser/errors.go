package parser

import (
	stderrors "errors"
	"fmt"

	"github.com/c360/sensorledger/errors"
)

// Rejection reasons
var (
	ErrEmptyData       = stderrors.New("empty data")
	ErrNoRecognized    = stderrors.New("no recognized fields")
	ErrInvalidNumber   = stderrors.New("invalid number")
	ErrOutOfRange      = stderrors.New("value out of range")
	ErrMissingValue    = stderrors.New("missing value")
	ErrUnexpectedValue = stderrors.New("flag does not take a value")
	ErrDuplicateField  = stderrors.New("duplicate field")
)

// ParseError rejects one line. The raw input is kept for logging.
type ParseError struct {
	Raw    string
	Reason string
	Err    error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse: %s (raw=%q)", e.Reason, e.Raw)
}

// Unwrap returns the rejection reason sentinel.
func (e *ParseError) Unwrap() error {
	return e.Err
}

// Is matches errors.ErrParse.
func (e *ParseError) Is(target error) bool {
	return target == errors.ErrParse
}

func reject(raw string, err error, detail string) *ParseError {
	reason := err.Error()
	if detail != "" {
		reason = fmt.Sprintf("%s: %s", reason, detail)
	}
	return &ParseError{Raw: raw, Reason: reason, Err: err}
}
