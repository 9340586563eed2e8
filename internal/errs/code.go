package errs

import (
	"errors"
	"strings"

	"github.com/pgstream/pgclient/codes"
)

// WithCode decorates err with a Postgres SQLSTATE code.
func WithCode(err error, code codes.Code) error {
	if err == nil {
		return nil
	}
	return &withCode{cause: err, code: code}
}

// GetCode returns the Postgres error code carried by err, or Uncategorized
// if none is present anywhere in its Unwrap chain.
func GetCode(err error) codes.Code {
	code := codes.Uncategorized
	if c, ok := err.(*withCode); ok {
		return c.code
	}

	if n := errors.Unwrap(err); n != nil {
		code = combineCodes(GetCode(n), code)
	}

	return code
}

type withCode struct {
	cause error
	code  codes.Code
}

func (w *withCode) Error() string { return w.cause.Error() }
func (w *withCode) Unwrap() error { return w.cause }

// combineCodes returns the most specific error code, preferring an inner
// code over an outer one unless the outer one is a fatal class (XX).
func combineCodes(inner, outer codes.Code) codes.Code {
	if outer == codes.Uncategorized {
		return inner
	}
	if strings.HasPrefix(string(outer), "XX") {
		return outer
	}
	if inner != codes.Uncategorized {
		return inner
	}
	return outer
}
