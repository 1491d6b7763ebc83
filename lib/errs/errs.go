package errs

import (
	"fmt"

	"github.com/cockroachdb/errors"
)

// --------------------------------------------------------------------------
// Return Codes
// --------------------------------------------------------------------------

// RetCode classifies every failure the grid reports to a caller.
// The numeric value travels over the wire, so existing codes must never be renumbered.
type RetCode uint64

const (
	RetCSuccess RetCode = iota
	RetCInternalError
	RetCInvalidOperation
	RetCWriteSkewConflict     // commit-time validation failed, the transaction was rolled back
	RetCReplicaPrepareFailure // a replica rejected or failed the prepare phase
	RetCReplicaTimeout        // a replica did not answer within the prepare timeout
	RetCPersistenceFailure    // the durable store failed
	RetCClusterViewMismatch   // restart membership disagrees with the last persisted view
	RetCUnauthorized          // the subject lacks the permission for the operation
	RetCNotAccepting          // the node is shutting down or not started
	RetCLockTimeout           // the key fence could not be acquired in time
)

func (c RetCode) String() string {
	switch c {
	case RetCSuccess:
		return "success"
	case RetCInternalError:
		return "internal error"
	case RetCInvalidOperation:
		return "invalid operation"
	case RetCWriteSkewConflict:
		return "write skew conflict"
	case RetCReplicaPrepareFailure:
		return "replica prepare failure"
	case RetCReplicaTimeout:
		return "replica timeout"
	case RetCPersistenceFailure:
		return "persistence failure"
	case RetCClusterViewMismatch:
		return "cluster view mismatch"
	case RetCUnauthorized:
		return "unauthorized"
	case RetCNotAccepting:
		return "not accepting"
	case RetCLockTimeout:
		return "lock timeout"
	default:
		return fmt.Sprintf("unknown(%d)", uint64(c))
	}
}

// --------------------------------------------------------------------------
// Error Type
// --------------------------------------------------------------------------

// Error is the typed error returned by all grid components.
// Key and Member are set when the failure concerns a specific entry or cluster member.
type Error struct {
	Code   RetCode
	Key    string
	Member string
	Msg    string
	cause  error
}

func (e *Error) Error() string {
	msg := e.Code.String()
	if e.Key != "" {
		msg += fmt.Sprintf(" on key %q", e.Key)
	}
	if e.Member != "" {
		msg += fmt.Sprintf(" at %s", e.Member)
	}
	if e.Msg != "" {
		msg += ": " + e.Msg
	}
	if e.cause != nil {
		msg += ": " + e.cause.Error()
	}
	return msg
}

// Unwrap exposes the underlying cause to errors.Is and errors.As.
func (e *Error) Unwrap() error {
	return e.cause
}

// Retryable reports whether the caller may retry the whole operation.
func (e *Error) Retryable() bool {
	switch e.Code {
	case RetCWriteSkewConflict, RetCReplicaTimeout, RetCLockTimeout:
		return true
	default:
		return false
	}
}

// New creates an error with the given code and message
func New(code RetCode, msg string) *Error {
	return &Error{Code: code, Msg: msg}
}

// Newf creates an error with the given code and a formatted message
func Newf(code RetCode, format string, args ...interface{}) *Error {
	return &Error{Code: code, Msg: fmt.Sprintf(format, args...)}
}

// Wrap attaches a code to an underlying error
func Wrap(code RetCode, cause error, msg string) *Error {
	return &Error{Code: code, Msg: msg, cause: errors.WithStack(cause)}
}

// WriteSkew reports a stale read on key
func WriteSkew(key string) *Error {
	return &Error{Code: RetCWriteSkewConflict, Key: key}
}

// ReplicaFailure reports a failed prepare on member
func ReplicaFailure(member string, cause error) *Error {
	return &Error{Code: RetCReplicaPrepareFailure, Member: member, cause: cause}
}

// ReplicaTimeout reports a member that did not answer in time
func ReplicaTimeout(member string) *Error {
	return &Error{Code: RetCReplicaTimeout, Member: member}
}

// Persistence wraps a durable store failure
func Persistence(key string, cause error) *Error {
	return &Error{Code: RetCPersistenceFailure, Key: key, cause: errors.WithStack(cause)}
}

// ViewMismatch reports a restart membership disagreement for member
func ViewMismatch(member string, format string, args ...interface{}) *Error {
	return &Error{Code: RetCClusterViewMismatch, Member: member, Msg: fmt.Sprintf(format, args...)}
}

// --------------------------------------------------------------------------
// Inspection helpers
// --------------------------------------------------------------------------

// CodeOf returns the code of the first *Error in err's chain.
// Errors not produced by the grid are internal errors; nil is success.
func CodeOf(err error) RetCode {
	if err == nil {
		return RetCSuccess
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return RetCInternalError
}

// Is reports whether err carries the given code anywhere in its chain.
func Is(err error, code RetCode) bool {
	if err == nil {
		return false
	}
	var e *Error
	if errors.As(err, &e) {
		if e.Code == code {
			return true
		}
		return Is(e.cause, code)
	}
	return false
}

// FromWire rebuilds an error received in a protocol message.
func FromWire(code uint64, key, member, msg string) error {
	if code == uint64(RetCSuccess) && msg == "" {
		return nil
	}
	if code == uint64(RetCSuccess) {
		code = uint64(RetCInternalError)
	}
	return &Error{Code: RetCode(code), Key: key, Member: member, Msg: msg}
}
