package odb

import (
	"errors"
	"fmt"
)

// Kind classifies an [Error].
type Kind int

// Error kinds distinguished by this package.
const (
	// KindIO reports open/read/write/rename/fsync failures, truncated
	// tails, checksum mismatches, and magic mismatches.
	KindIO Kind = iota + 1

	// KindSyntax reports JSON that violates the record, delta, or schema
	// shape: unexpected type, missing required field, invalid UUID string.
	KindSyntax

	// KindUnknownTable reports a table name absent from the schema.
	KindUnknownTable

	// KindUnknownColumn reports a column name absent from a table schema.
	KindUnknownColumn

	// KindConstraint reports a value that does not satisfy its column type.
	KindConstraint

	// KindEOF reports a log that ended where a record was required: a
	// database file with no schema record. The ordinary end of a log is
	// not an error at all (Read reports it as ok=false).
	KindEOF
)

// String returns the kind's short name.
func (k Kind) String() string {
	switch k {
	case KindIO:
		return "I/O error"
	case KindSyntax:
		return "syntax error"
	case KindUnknownTable:
		return "unknown table"
	case KindUnknownColumn:
		return "unknown column"
	case KindConstraint:
		return "constraint violation"
	case KindEOF:
		return "unexpected end of file"
	default:
		return fmt.Sprintf("error kind %d", int(k))
	}
}

// Error is the uniform error type returned by all fallible operations in
// this package.
//
// It composes a human-readable message with an optional wrapped cause.
// The message appears first, followed by the cause:
//
//	failed to parse "opsdb.db" as database schema: schema has no "name" member
//
// Use [errors.As] to extract the structured form, or the kind predicates
// ([IsIO], [IsSyntax], ...) for classification:
//
//	var dbErr *odb.Error
//	if errors.As(err, &dbErr) && dbErr.Kind == odb.KindIO { ... }
type Error struct {
	// Kind classifies the failure.
	Kind Kind

	// Msg describes the failure in this layer's terms.
	Msg string

	// Err is the underlying cause, if any.
	Err error
}

// Error formats as "<msg>: <cause>" or "<msg>" when there is no cause.
func (e *Error) Error() string {
	if e == nil {
		return ""
	}

	if e.Err == nil {
		return e.Msg
	}

	if e.Msg == "" {
		return e.Err.Error()
	}

	return e.Msg + ": " + e.Err.Error()
}

// Unwrap returns the underlying cause for use with [errors.Is] and
// [errors.As].
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}

	return e.Err
}

// newErrf builds an *Error of the given kind.
func newErrf(kind Kind, cause error, format string, args ...any) *Error {
	return &Error{
		Kind: kind,
		Msg:  fmt.Sprintf(format, args...),
		Err:  cause,
	}
}

func ioErrf(cause error, format string, args ...any) *Error {
	return newErrf(KindIO, cause, format, args...)
}

func syntaxErrf(format string, args ...any) *Error {
	return newErrf(KindSyntax, nil, format, args...)
}

func constraintErrf(cause error, format string, args ...any) *Error {
	return newErrf(KindConstraint, cause, format, args...)
}

// wrapErr prefixes err with a message, preserving its kind when err is
// already an *Error.
func wrapErr(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}

	kind := KindIO

	var dbErr *Error
	if errors.As(err, &dbErr) {
		kind = dbErr.Kind
	}

	return &Error{
		Kind: kind,
		Msg:  fmt.Sprintf(format, args...),
		Err:  err,
	}
}

// errKind reports the kind of err, or zero when err is not an *Error.
func errKind(err error) Kind {
	var dbErr *Error
	if errors.As(err, &dbErr) {
		return dbErr.Kind
	}

	return 0
}

// IsIO reports whether err is an *Error of kind [KindIO].
func IsIO(err error) bool { return errKind(err) == KindIO }

// IsSyntax reports whether err is an *Error of kind [KindSyntax].
func IsSyntax(err error) bool { return errKind(err) == KindSyntax }

// IsUnknownTable reports whether err is an *Error of kind [KindUnknownTable].
func IsUnknownTable(err error) bool { return errKind(err) == KindUnknownTable }

// IsUnknownColumn reports whether err is an *Error of kind [KindUnknownColumn].
func IsUnknownColumn(err error) bool { return errKind(err) == KindUnknownColumn }

// IsConstraint reports whether err is an *Error of kind [KindConstraint].
func IsConstraint(err error) bool { return errKind(err) == KindConstraint }

// IsEOF reports whether err is an *Error of kind [KindEOF].
func IsEOF(err error) bool { return errKind(err) == KindEOF }
