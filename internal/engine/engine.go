// Package engine implements the generic scheduling engine: a single-threaded
// cooperative loop that sleeps until the next due entry (or a change
// notification), dequeues due entries, publishes their events, and marks them
// executed. It is parameterized over the due-item store, the event-builder
// strategy, and the publisher, so each schedule kind instantiates the same
// engine with its own pieces.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"rallypoint/internal/events"
	"rallypoint/internal/types"
)

// DueStore abstracts the schedule store operations the engine needs.
// Implemented by db.ScheduleEntryRepository.
type DueStore interface {
	// DueEntries returns unexecuted entries of the kind with due_at <= now,
	// ordered by due_at ascending, ties broken by insertion order.
	DueEntries(ctx context.Context, kind types.ScheduleKind, now time.Time, limit int) ([]*types.ScheduleEntry, error)
	// MarkExecuted flips the executed flag exactly once; repeat calls are
	// no-ops.
	MarkExecuted(ctx context.Context, id int64) error
	// NextDueAt returns the earliest pending due_at, or nil when none.
	NextDueAt(ctx context.Context, kind types.ScheduleKind) (*time.Time, error)
}

// Publisher is the seam to the message broker. It carries no retry logic:
// in-cycle retry is the engine's job and cross-process recovery belongs to
// the DLQ redrive daemon.
type Publisher interface {
	Publish(ctx context.Context, routingKey string, body []byte, ttl *time.Duration) error
}

// WakeListener ends the engine's idle wait with one of two outcomes.
type WakeListener interface {
	WaitForWake(ctx context.Context, timeout time.Duration) types.WakeReason
}

// Config holds the dependencies and tuning for one engine instance.
type Config struct {
	Kind      types.ScheduleKind
	Store     DueStore
	Builder   events.EventBuilder
	Publisher Publisher
	Listener  WakeListener

	// Recover discards the broken database session and opens a fresh one.
	// Called at most once per cycle before the cycle is retried. Optional;
	// without it a database error propagates immediately.
	Recover func(ctx context.Context) error

	// MaxIdleTimeout caps the idle wait so the engine periodically re-polls
	// even if a notification was somehow missed.
	MaxIdleTimeout time.Duration
	// RetryBackoff is the floor for a non-positive computed wait. Rows left
	// unexecuted by a failing broker stay due "now"; without the floor they
	// would turn the loop hot.
	RetryBackoff time.Duration
	// BatchLimit bounds how many due rows one cycle processes.
	BatchLimit int

	// Clock returns the current time; defaults to time.Now().UTC. Injected
	// for deterministic tests.
	Clock  func() time.Time
	Logger *slog.Logger
}

// Engine is the per-kind scheduling loop. Each instance owns its database
// session and notification subscription exclusively; different kinds run as
// separate processes and share no mutable state.
type Engine struct {
	kind      types.ScheduleKind
	store     DueStore
	builder   events.EventBuilder
	publisher Publisher
	listener  WakeListener
	recover   func(ctx context.Context) error

	maxIdle      time.Duration
	retryBackoff time.Duration
	batchLimit   int

	clock  func() time.Time
	logger *slog.Logger
}

// New creates an Engine from the given configuration.
func New(cfg Config) *Engine {
	clock := cfg.Clock
	if clock == nil {
		clock = func() time.Time { return time.Now().UTC() }
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	maxIdle := cfg.MaxIdleTimeout
	if maxIdle <= 0 {
		maxIdle = 15 * time.Minute
	}
	retryBackoff := cfg.RetryBackoff
	if retryBackoff <= 0 {
		retryBackoff = 5 * time.Second
	}
	batchLimit := cfg.BatchLimit
	if batchLimit <= 0 {
		batchLimit = 100
	}

	return &Engine{
		kind:         cfg.Kind,
		store:        cfg.Store,
		builder:      cfg.Builder,
		publisher:    cfg.Publisher,
		listener:     cfg.Listener,
		recover:      cfg.Recover,
		maxIdle:      maxIdle,
		retryBackoff: retryBackoff,
		batchLimit:   batchLimit,
		clock:        clock,
		logger:       logger.With("kind", string(cfg.Kind)),
	}
}

// Run executes the engine loop until ctx is cancelled or an unrecoverable
// error occurs. Shutdown is honored only at cycle boundaries: an in-flight
// publish/mark-executed pair always completes together, so a cycle either
// finishes or never starts.
//
// The loop runs one cycle immediately at startup to catch up on entries that
// came due while the process was down, then alternates wait and cycle.
func (e *Engine) Run(ctx context.Context) error {
	e.logger.InfoContext(ctx, "scheduling engine starting",
		"max_idle_timeout", e.maxIdle.String(),
	)

	if err := ctx.Err(); err != nil {
		return err
	}

	// Catch-up pass: process whatever came due while the process was down.
	if err := e.RunCycle(ctx); err != nil {
		return err
	}

	for {
		if err := ctx.Err(); err != nil {
			e.logger.InfoContext(ctx, "scheduling engine stopping")
			return err
		}

		timeout, err := e.nextWait(ctx)
		if err != nil {
			return err
		}

		reason := e.listener.WaitForWake(ctx, timeout)

		if err := ctx.Err(); err != nil {
			e.logger.InfoContext(ctx, "scheduling engine stopping")
			return err
		}

		e.logger.DebugContext(ctx, "engine wake",
			"reason", reason.String(),
			"waited_max", timeout.String(),
		)

		if err := e.RunCycle(ctx); err != nil {
			return err
		}
	}
}

// RunCycle performs one full query/build/publish/mark pass. On a database
// error it discards the stale session via the Recover hook and retries the
// cycle once before surfacing the error; crash-and-restart is the acceptable
// terminal fallback, never a silent swallow.
func (e *Engine) RunCycle(ctx context.Context) error {
	processed, err := e.processDue(ctx)
	if err != nil && e.recover != nil {
		e.logger.WarnContext(ctx, "cycle failed, recreating database session",
			"error", err,
		)
		if rerr := e.recover(ctx); rerr != nil {
			return fmt.Errorf("recovering database session: %w", rerr)
		}
		processed, err = e.processDue(ctx)
	}
	if err != nil {
		return fmt.Errorf("schedule cycle for kind %s: %w", e.kind, err)
	}

	if processed > 0 {
		e.logger.InfoContext(ctx, "cycle complete",
			"entries_processed", processed,
		)
	}
	return nil
}

// processDue handles all currently due entries in due_at order. Publish
// failures leave the entry unexecuted for the next cycle (at-least-once);
// only database errors abort the pass.
func (e *Engine) processDue(ctx context.Context) (int, error) {
	now := e.clock()

	entries, err := e.store.DueEntries(ctx, e.kind, now, e.batchLimit)
	if err != nil {
		return 0, err
	}

	processed := 0
	for _, entry := range entries {
		msg, err := e.builder.Build(entry)
		if err != nil {
			// Malformed payloads never become buildable; marking the entry
			// executed keeps a poison row from re-polling forever.
			e.logger.ErrorContext(ctx, "event build failed, dropping entry",
				"entry_id", entry.ID,
				"session_id", entry.SessionID,
				"error", err,
			)
			if err := e.store.MarkExecuted(ctx, entry.ID); err != nil {
				return processed, err
			}
			continue
		}

		if msg == nil {
			// Builder declared the entry stale: drop rather than deliver late.
			e.logger.InfoContext(ctx, "entry stale, dropping without publish",
				"entry_id", entry.ID,
				"due_at", entry.DueAt.Format(time.RFC3339Nano),
			)
			if err := e.store.MarkExecuted(ctx, entry.ID); err != nil {
				return processed, err
			}
			continue
		}

		if err := e.publisher.Publish(ctx, msg.RoutingKey, msg.Body, msg.TTL); err != nil {
			// Leave the row unexecuted; the next wake retries it. Downstream
			// consumers must tolerate the resulting duplicates.
			e.logger.ErrorContext(ctx, "publish failed, entry left unexecuted",
				"entry_id", entry.ID,
				"routing_key", msg.RoutingKey,
				"error", err,
			)
			continue
		}

		if err := e.store.MarkExecuted(ctx, entry.ID); err != nil {
			return processed, err
		}
		processed++
	}

	return processed, nil
}

// nextWait computes the idle deadline: time until the soonest pending entry,
// capped by the maximum idle timeout. The duration is never truncated to
// whole seconds; a 165.6s gap waits the full 165.6s. Non-positive waits
// (overdue rows left behind by a failing broker) are floored at the retry
// backoff so the loop never busy-spins.
func (e *Engine) nextWait(ctx context.Context) (time.Duration, error) {
	next, err := e.store.NextDueAt(ctx, e.kind)
	if err != nil && e.recover != nil {
		e.logger.WarnContext(ctx, "deadline query failed, recreating database session",
			"error", err,
		)
		if rerr := e.recover(ctx); rerr != nil {
			return 0, fmt.Errorf("recovering database session: %w", rerr)
		}
		next, err = e.store.NextDueAt(ctx, e.kind)
	}
	if err != nil {
		return 0, fmt.Errorf("computing next deadline for kind %s: %w", e.kind, err)
	}

	timeout := e.maxIdle
	if next != nil {
		if until := next.Sub(e.clock()); until < timeout {
			timeout = until
		}
	}
	if timeout <= 0 {
		timeout = e.retryBackoff
	}
	return timeout, nil
}

// IsShutdown reports whether err is the cooperative-shutdown sentinel
// returned when the run context is cancelled.
func IsShutdown(err error) bool {
	return errors.Is(err, context.Canceled)
}
