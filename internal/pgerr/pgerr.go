// Package pgerr defines the SQLSTATE-coded error type surfaced to clients
// as ErrorResponse messages. Handlers and session methods return *Error
// values; the protocol layer extracts the wire fields with errors.As.
package pgerr

import (
	"errors"
	"fmt"
)

// Severity values carried in the S field.
const (
	SeverityError = "ERROR"
	SeverityFatal = "FATAL"
)

// SQLSTATE codes used across the server.
// https://www.postgresql.org/docs/current/errcodes-appendix.html
const (
	CodeProtocolViolation      = "08P01"
	CodeFeatureNotSupported    = "0A000"
	CodeInvalidParameterValue  = "22023"
	CodeActiveSQLTransaction   = "25001"
	CodeNoActiveSQLTransaction = "25P01"
	CodeInFailedSQLTransaction = "25P02"
	CodeInvalidStatementName   = "26000"
	CodeInvalidCursorName      = "34000"
	CodeInvalidSavepointSpec   = "3B001"
	CodeSyntaxError            = "42601"
	CodeUndefinedColumn        = "42703"
	CodeUndefinedObject        = "42704"
	CodeUndefinedFunction      = "42883"
	CodeUndefinedTable         = "42P01"
	CodeTooManyConnections     = "53300"
	CodeProgramLimitExceeded   = "54000"
	CodeQueryCanceled          = "57014"
	CodeCannotConnectNow       = "57P03"
	CodeInternalError          = "XX000"
)

// Error is a protocol-visible error. Message and Code are always set;
// the remaining fields are emitted only when non-empty.
type Error struct {
	Severity string
	Code     string
	Message  string
	Detail   string
	Hint     string
	Position int
	Where    string
	Schema   string
	Table    string
	Column   string
	Routine  string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s (SQLSTATE %s)", e.Severity, e.Message, e.Code)
}

// WithDetail sets the D field.
func (e *Error) WithDetail(format string, args ...any) *Error {
	e.Detail = fmt.Sprintf(format, args...)
	return e
}

// WithHint sets the H field.
func (e *Error) WithHint(format string, args ...any) *Error {
	e.Hint = fmt.Sprintf(format, args...)
	return e
}

// WithPosition sets the 1-based statement position reported in P.
func (e *Error) WithPosition(pos int) *Error {
	e.Position = pos
	return e
}

// New builds an ERROR-severity error with the given SQLSTATE.
func New(code, format string, args ...any) *Error {
	return &Error{Severity: SeverityError, Code: code, Message: fmt.Sprintf(format, args...)}
}

// Fatal builds a FATAL-severity error. The connection is closed after it
// is written.
func Fatal(code, format string, args ...any) *Error {
	return &Error{Severity: SeverityFatal, Code: code, Message: fmt.Sprintf(format, args...)}
}

// Syntax reports an unparseable or incomplete command.
func Syntax(format string, args ...any) *Error {
	return New(CodeSyntaxError, format, args...)
}

// ActiveTransaction reports a BEGIN issued inside an open transaction.
func ActiveTransaction() *Error {
	return New(CodeActiveSQLTransaction, "Already in a transaction block")
}

// NoActiveTransaction reports transaction control issued outside one.
func NoActiveTransaction(op string) *Error {
	return New(CodeNoActiveSQLTransaction, "%s can only be used in transaction blocks", op)
}

// FailedTransaction reports any command other than transaction termination
// attempted while the transaction is aborted.
func FailedTransaction() *Error {
	return New(CodeInFailedSQLTransaction,
		"current transaction is aborted, commands ignored until end of transaction block")
}

// UndefinedSavepoint reports ROLLBACK TO / RELEASE of an unknown savepoint.
func UndefinedSavepoint(name string) *Error {
	return New(CodeInvalidSavepointSpec, "savepoint %q does not exist", name)
}

// InvalidStatementName reports a Bind or Describe of a prepared statement
// that was never parsed.
func InvalidStatementName(name string) *Error {
	return New(CodeInvalidStatementName, "prepared statement %q does not exist", name)
}

// InvalidCursorName reports an Execute or Describe of an unknown portal.
func InvalidCursorName(name string) *Error {
	return New(CodeInvalidCursorName, "portal %q does not exist", name)
}

// Unsupported reports a recognized but unimplemented feature.
func Unsupported(format string, args ...any) *Error {
	return New(CodeFeatureNotSupported, format, args...)
}

// Protocol reports a violation of the frontend/backend protocol.
func Protocol(format string, args ...any) *Error {
	return New(CodeProtocolViolation, format, args...)
}

// Internal wraps an unexpected failure.
func Internal(err error) *Error {
	return New(CodeInternalError, "internal error: %v", err)
}

// From extracts the *Error from err's chain, wrapping foreign errors as
// internal errors so every handler failure maps to a well-formed
// ErrorResponse.
func From(err error) *Error {
	var pe *Error
	if errors.As(err, &pe) {
		return pe
	}
	return Internal(err)
}
