// Package housekeeping garbage-collects executed schedule entries. Executed
// rows are inert; the sweeper archives them as gzip NDJSON and deletes them
// in bounded batches so pending-entry scans stay small.
package housekeeping

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/klauspost/compress/gzip"

	"rallypoint/internal/types"
)

// ArchiveStore abstracts the schedule store operations the sweeper needs.
// Implemented by db.ScheduleEntryRepository.
type ArchiveStore interface {
	// ListExecutedBefore returns executed entries created before the cutoff,
	// oldest first, at most limit rows.
	ListExecutedBefore(ctx context.Context, cutoff time.Time, limit int) ([]*types.ScheduleEntry, error)
	// DeleteByIDs removes entries by ID, returning the deleted count.
	DeleteByIDs(ctx context.Context, ids []int64) (int, error)
}

// Config holds the sweeper's dependencies and tuning.
type Config struct {
	Store      ArchiveStore
	ArchiveDir string
	Retention  time.Duration
	BatchSize  int
	Clock      func() time.Time
	Logger     *slog.Logger
}

// Sweeper periodically purges executed entries older than the retention
// window, writing each batch to a compressed archive before deletion.
type Sweeper struct {
	store      ArchiveStore
	archiveDir string
	retention  time.Duration
	batchSize  int
	clock      func() time.Time
	logger     *slog.Logger
}

// New creates a Sweeper from the given configuration.
func New(cfg Config) *Sweeper {
	clock := cfg.Clock
	if clock == nil {
		clock = func() time.Time { return time.Now().UTC() }
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = 500
	}
	return &Sweeper{
		store:      cfg.Store,
		archiveDir: cfg.ArchiveDir,
		retention:  cfg.Retention,
		batchSize:  batchSize,
		clock:      clock,
		logger:     logger,
	}
}

// Run sweeps on the given interval until ctx is cancelled. Sweep failures
// are logged and retried on the next tick; housekeeping must never take the
// scheduling loop down with it.
func (s *Sweeper) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := s.SweepOnce(ctx); err != nil {
				s.logger.ErrorContext(ctx, "housekeeping sweep failed",
					"error", err,
				)
			}
		}
	}
}

// SweepOnce archives and deletes executed entries older than the retention
// cutoff, looping in bounded batches until no candidates remain. Returns the
// total number of purged entries.
func (s *Sweeper) SweepOnce(ctx context.Context) (int, error) {
	cutoff := s.clock().Add(-s.retention)
	purged := 0

	for {
		entries, err := s.store.ListExecutedBefore(ctx, cutoff, s.batchSize)
		if err != nil {
			return purged, fmt.Errorf("listing executed entries: %w", err)
		}
		if len(entries) == 0 {
			break
		}

		if err := s.archive(entries); err != nil {
			// Never delete what we failed to archive.
			return purged, fmt.Errorf("archiving executed entries: %w", err)
		}

		ids := make([]int64, len(entries))
		for i, e := range entries {
			ids[i] = e.ID
		}
		deleted, err := s.store.DeleteByIDs(ctx, ids)
		if err != nil {
			return purged, fmt.Errorf("deleting executed entries: %w", err)
		}
		purged += deleted

		if len(entries) < s.batchSize {
			break
		}
	}

	if purged > 0 {
		s.logger.InfoContext(ctx, "housekeeping sweep complete",
			"purged", purged,
			"cutoff", cutoff.Format(time.RFC3339),
		)
	}
	return purged, nil
}

// archive appends the batch to a per-sweep gzip NDJSON file.
func (s *Sweeper) archive(entries []*types.ScheduleEntry) error {
	if err := os.MkdirAll(s.archiveDir, 0o755); err != nil {
		return fmt.Errorf("creating archive directory: %w", err)
	}

	name := fmt.Sprintf("schedule-entries-%s.ndjson.gz", s.clock().Format("20060102T150405Z"))
	path := filepath.Join(s.archiveDir, name)

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("opening archive file: %w", err)
	}
	defer f.Close()

	gz := gzip.NewWriter(f)
	enc := json.NewEncoder(gz)
	for _, e := range entries {
		if err := enc.Encode(e); err != nil {
			_ = gz.Close()
			return fmt.Errorf("encoding entry %d: %w", e.ID, err)
		}
	}
	if err := gz.Close(); err != nil {
		return fmt.Errorf("flushing archive: %w", err)
	}
	return f.Sync()
}
