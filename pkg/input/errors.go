package input

import (
	"errors"
	"fmt"

	"github.com/kaizen-agent/kaizen/pkg/harness/protocol"
)

type ErrorKind string

const (
	InvalidInputError    ErrorKind = "InvalidInputError"
	ImportError          ErrorKind = "ImportError"
	ConstructionError    ErrorKind = "ConstructionError"
	DeserializationError ErrorKind = "DeserializationError"
)

// Error reports why one input could not be materialized.
type Error struct {
	Kind  ErrorKind
	Input string
	Err   error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: input %s: %v", e.Kind, e.Input, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func newError(kind ErrorKind, input string, err error) *Error {
	return &Error{Kind: kind, Input: input, Err: err}
}

// Kind returns the kind of err when it is an *Error.
func Kind(err error) (ErrorKind, bool) {
	var ie *Error
	if errors.As(err, &ie) {
		return ie.Kind, true
	}
	return "", false
}

// classify maps a worker error onto the input taxonomy. Errors that did not
// come from the worker are returned unchanged.
func classify(input string, err error, fallback ErrorKind) error {
	code, ok := protocol.ErrorCode(err)
	if !ok {
		return err
	}

	switch code {
	case protocol.CodeImportFailed:
		return newError(ImportError, input, err)
	case protocol.CodeConstructionFailed:
		return newError(ConstructionError, input, err)
	default:
		return newError(fallback, input, err)
	}
}
