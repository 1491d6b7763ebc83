// Package errs defines the typed errors of the grid.
//
// Every component returns *Error values carrying a RetCode so that callers
// (and remote members, which receive the code over the wire) can decide how to
// react without parsing messages. Conflicts and timeouts are retryable by the
// caller; the grid itself never retries them.
//
// Causes are attached with github.com/cockroachdb/errors so that stack traces
// survive wrapping and errors.Is / errors.As work across the whole chain.
package errs
