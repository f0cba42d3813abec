// Package workflow defines the durable execution contract used by the
// message router. A Substrate runs named units at least once: a unit that
// fails or whose process dies is re-invoked from the top, so unit bodies
// must funnel their side effects through the idempotency guards in this
// package rather than performing them bare.
package workflow

import (
	"context"
	"errors"
)

// UnitFunc is the body of a durable execution unit. The payload is the
// explicit spawn payload; nothing else crosses the spawn boundary. A
// returned error signals the attempt failed and the substrate's retry
// driver may re-invoke the unit.
type UnitFunc func(ctx context.Context, run *Run, payload []byte) error

// Substrate spawns durable execution units by registered name.
type Substrate interface {
	// Spawn durably records the intent to run the named unit and schedules
	// it. The returned handle observes the unit's terminal outcome.
	Spawn(ctx context.Context, unit string, payload []byte) (Handle, error)
}

// Handle tracks a spawned unit.
type Handle interface {
	// ID is the workflow id assigned at spawn.
	ID() string
	// Await blocks until the unit reaches a terminal state and returns its
	// terminal error, if any.
	Await(ctx context.Context) error
}

var (
	// ErrAliasConflict reports a violation of the idempotency-aliasing
	// discipline: an alias reused within one execution attempt, or bound to
	// a different operation than its durable record.
	ErrAliasConflict = errors.New("workflow: idempotency alias conflict")

	// ErrFailedBeforeCompleting reports that an at-most-once operation was
	// started (or terminally failed) by an earlier attempt and can never be
	// re-run. Callers must treat the guarded work as permanently
	// unavailable.
	ErrFailedBeforeCompleting = errors.New("workflow: at-most-once operation failed before completing")

	// ErrUnknownUnit is returned by Spawn for unit names with no
	// registration.
	ErrUnknownUnit = errors.New("workflow: unknown unit")
)
