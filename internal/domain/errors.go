// Package domain defines the core entities, effect-id/idempotency-key
// conventions, and sentinel errors shared by every package in this module.
package domain

import "errors"

// Error taxonomy (sentinels), mapped to HTTP status codes in internal/httpapi.
// internal/handler and internal/scheduler wrap ErrInternal around transient
// failures, and the handler branches on ErrNotFound from the ledger; the
// scheduler treats every handler failure alike.
var (
	// ErrInvalidArgument marks a malformed or missing-field run request.
	ErrInvalidArgument = errors.New("invalid argument")
	// ErrNotFound marks a lookup against a run, effect, or artifact that
	// does not exist.
	ErrNotFound = errors.New("not found")
	// ErrConflict marks a conflicting request and maps to HTTP 409. A losing
	// ledger claim is reported by Claim's false return, not by this error.
	ErrConflict = errors.New("conflict")
	// ErrInternal marks a transient failure (broker, ledger, artifact I/O)
	// that the retry/DLQ scheduler should act on.
	ErrInternal = errors.New("internal error")
	// ErrPoison marks a command delivery that is missing required fields or
	// fails to decode, and maps to HTTP 422. The worker's consume loop
	// detects poison with a decode check and Command.Valid and
	// acks-and-drops it without a DLQ record; it does not return this error.
	ErrPoison = errors.New("poison command")
)
