package db

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"

	"rallypoint/internal/types"
)

// connectFunc dials a dedicated notification connection. Injected so tests
// can run without a database.
type connectFunc func(ctx context.Context) (*pgx.Conn, error)

// PGWakeListener blocks on a Postgres NOTIFY channel with a bounded timeout.
// It owns a dedicated connection: LISTEN state is per-connection in Postgres
// and must not share the query pool.
//
// WaitForWake never surfaces errors. Connection loss is reported as
// WakeTimedOut so the engine's session-recovery path decides what to do;
// the listener itself re-establishes its connection on the next wait.
type PGWakeListener struct {
	connect connectFunc
	channel string
	logger  *slog.Logger

	mu   sync.Mutex
	conn *pgx.Conn
}

// NewPGWakeListener creates a listener for the given NOTIFY channel. The
// connection is established lazily on the first wait.
func NewPGWakeListener(connString, channel string, logger *slog.Logger) *PGWakeListener {
	if logger == nil {
		logger = slog.Default()
	}
	return &PGWakeListener{
		connect: func(ctx context.Context) (*pgx.Conn, error) {
			return pgx.Connect(ctx, connString)
		},
		channel: channel,
		logger:  logger,
	}
}

// WaitForWake blocks until a notification arrives or the timeout elapses,
// whichever comes first. The timeout is passed through at full time.Duration
// precision; truncating fractional seconds here historically produced a busy
// loop of immediate re-wakes on the leftover fraction.
func (l *PGWakeListener) WaitForWake(ctx context.Context, timeout time.Duration) types.WakeReason {
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	conn, err := l.acquire(waitCtx)
	if err != nil {
		l.logger.WarnContext(ctx, "notification channel unavailable, degrading to poll",
			"channel", l.channel,
			"error", err,
		)
		// Sleep out the remainder of the deadline rather than returning
		// immediately; an unreachable database must not turn the idle loop
		// into a hot loop.
		<-waitCtx.Done()
		return types.WakeTimedOut
	}

	_, err = conn.WaitForNotification(waitCtx)
	if err == nil {
		return types.WakeNotified
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return types.WakeTimedOut
	}

	// Anything else is a connection-level failure. Discard the session; it
	// is in an undefined state and must never be reused across an error
	// boundary. The next wait dials fresh.
	l.logger.WarnContext(ctx, "notification connection lost",
		"channel", l.channel,
		"error", err,
	)
	l.Reset(context.Background())
	return types.WakeTimedOut
}

// Reset discards the current notification connection, if any. The engine's
// session-recovery hook calls this so a recovered cycle starts from a clean
// subscription.
func (l *PGWakeListener) Reset(ctx context.Context) {
	l.mu.Lock()
	conn := l.conn
	l.conn = nil
	l.mu.Unlock()

	if conn != nil {
		_ = conn.Close(ctx)
	}
}

// Close releases the notification connection.
func (l *PGWakeListener) Close(ctx context.Context) {
	l.Reset(ctx)
}

// acquire returns the live notification connection, dialing and issuing
// LISTEN if necessary.
func (l *PGWakeListener) acquire(ctx context.Context) (*pgx.Conn, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.conn != nil {
		return l.conn, nil
	}

	conn, err := l.connect(ctx)
	if err != nil {
		return nil, err
	}

	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{l.channel}.Sanitize()); err != nil {
		_ = conn.Close(ctx)
		return nil, err
	}

	l.logger.InfoContext(ctx, "listening for schedule notifications",
		"channel", l.channel,
	)
	l.conn = conn
	return conn, nil
}
