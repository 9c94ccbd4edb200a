// Package dispatch routes envelopes from bus subscriptions to node handlers:
// one bounded worker pool per subscription with per-partition ordering, an
// idempotency gate in front of every handler, deadlines, retry with
// exponential backoff, and dead-letter routing for poison input.
package dispatch

import "fmt"

// ResultKind classifies how a handler disposed of an envelope.
type ResultKind int

const (
	// KindApplied means the handler performed its side effect.
	KindApplied ResultKind = iota

	// KindAlreadyApplied means the envelope was a duplicate; acked without
	// side effect.
	KindAlreadyApplied

	// KindRetryableFailure means a transient fault; the envelope is
	// redelivered with backoff.
	KindRetryableFailure

	// KindNonRetryableFailure means the envelope can never succeed; it is
	// dead-lettered.
	KindNonRetryableFailure
)

// Result is a handler's disposition of one envelope.
type Result struct {
	Kind   ResultKind
	Code   string
	Reason string
}

// Applied reports a performed side effect.
func Applied() Result {
	return Result{Kind: KindApplied}
}

// AlreadyApplied reports an idempotent replay.
func AlreadyApplied() Result {
	return Result{Kind: KindAlreadyApplied}
}

// Retryable reports a transient failure.
func Retryable(reason string) Result {
	return Result{Kind: KindRetryableFailure, Reason: reason}
}

// NonRetryable reports a permanent failure with a stable error code.
func NonRetryable(code, reason string) Result {
	return Result{Kind: KindNonRetryableFailure, Code: code, Reason: reason}
}

// String renders the result for logs.
func (r Result) String() string {
	switch r.Kind {
	case KindApplied:
		return "applied"
	case KindAlreadyApplied:
		return "already_applied"
	case KindRetryableFailure:
		return fmt.Sprintf("retryable_failure(%s)", r.Reason)
	case KindNonRetryableFailure:
		return fmt.Sprintf("non_retryable_failure(%s: %s)", r.Code, r.Reason)
	default:
		return fmt.Sprintf("unknown(%d)", r.Kind)
	}
}
