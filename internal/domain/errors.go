package domain

import (
	"errors"
	"fmt"
)

// NotFoundError means an input file could not be opened before parsing began.
type NotFoundError struct {
	What string // "recipient file", "template file", ...
	Path string
	Err  error
}

func (e *NotFoundError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("%s not selected", e.What)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s not found: %s: %v", e.What, e.Path, e.Err)
	}
	return fmt.Sprintf("%s not found: %s", e.What, e.Path)
}

func (e *NotFoundError) Unwrap() error { return e.Err }

// SchemaError means the recipient file lacks a required column.
type SchemaError struct {
	Path   string
	Column string
}

func (e *SchemaError) Error() string {
	return fmt.Sprintf("missing '%s' column in %s", e.Column, e.Path)
}

// IsConfigurationError reports whether err is fatal to a run before any
// recipient is processed.
func IsConfigurationError(err error) bool {
	var nf *NotFoundError
	var se *SchemaError
	return errors.As(err, &nf) || errors.As(err, &se)
}
