package frame

import (
	"errors"
	"fmt"
)

var (
	// ErrOutOfRange marks a field whose value is reserved or outside its range.
	ErrOutOfRange = errors.New("frame: value out of range")
	// ErrTruncated marks a buffer that ends before the field.
	ErrTruncated = errors.New("frame: truncated")
)

// ParseError names the offending field.
type ParseError struct {
	Field string
	Err   error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("frame: %s: %v", e.Field, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

func outOfRange(field string) error {
	return &ParseError{Field: field, Err: ErrOutOfRange}
}

func truncated(field string) error {
	return &ParseError{Field: field, Err: ErrTruncated}
}
