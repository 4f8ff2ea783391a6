package housekeeping

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rallypoint/internal/types"
)

// stubArchiveStore serves executed entries in fixed batches and records
// deletions.
type stubArchiveStore struct {
	batches [][]*types.ScheduleEntry
	listErr error

	listCalls int
	deleted   [][]int64
	deleteErr error
}

func (s *stubArchiveStore) ListExecutedBefore(_ context.Context, _ time.Time, _ int) ([]*types.ScheduleEntry, error) {
	if s.listErr != nil {
		return nil, s.listErr
	}
	if s.listCalls >= len(s.batches) {
		s.listCalls++
		return nil, nil
	}
	batch := s.batches[s.listCalls]
	s.listCalls++
	return batch, nil
}

func (s *stubArchiveStore) DeleteByIDs(_ context.Context, ids []int64) (int, error) {
	if s.deleteErr != nil {
		return 0, s.deleteErr
	}
	s.deleted = append(s.deleted, ids)
	return len(ids), nil
}

func executedEntry(id int64) *types.ScheduleEntry {
	created := time.Date(2026, 7, 25, 10, 0, 0, 0, time.UTC)
	return &types.ScheduleEntry{
		ID:        id,
		SessionID: "sess-1",
		GuildID:   "guild-1",
		DueAt:     created.Add(time.Hour),
		Executed:  true,
		Kind:      types.KindReminder,
		Payload:   map[string]any{"session_title": "t", "channel_id": "c"},
		CreatedAt: created,
	}
}

func newTestSweeper(store ArchiveStore, dir string, batchSize int) *Sweeper {
	return New(Config{
		Store:      store,
		ArchiveDir: dir,
		Retention:  72 * time.Hour,
		BatchSize:  batchSize,
		Clock: func() time.Time {
			return time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
		},
	})
}

// readArchived decodes every NDJSON record from every archive file in dir.
func readArchived(t *testing.T, dir string) []types.ScheduleEntry {
	t.Helper()

	paths, err := filepath.Glob(filepath.Join(dir, "schedule-entries-*.ndjson.gz"))
	require.NoError(t, err)

	var decoded []types.ScheduleEntry
	for _, path := range paths {
		f, err := os.Open(path)
		require.NoError(t, err)

		gz, err := gzip.NewReader(bufio.NewReader(f))
		require.NoError(t, err)

		dec := json.NewDecoder(gz)
		for dec.More() {
			var e types.ScheduleEntry
			require.NoError(t, dec.Decode(&e))
			decoded = append(decoded, e)
		}
		require.NoError(t, gz.Close())
		require.NoError(t, f.Close())
	}
	return decoded
}

func TestSweepOnce_ArchivesThenDeletes(t *testing.T) {
	dir := t.TempDir()
	store := &stubArchiveStore{batches: [][]*types.ScheduleEntry{
		{executedEntry(1), executedEntry(2)},
	}}
	sweeper := newTestSweeper(store, dir, 500)

	purged, err := sweeper.SweepOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, purged)

	require.Len(t, store.deleted, 1)
	assert.Equal(t, []int64{1, 2}, store.deleted[0])

	archived := readArchived(t, dir)
	require.Len(t, archived, 2)
	assert.Equal(t, int64(1), archived[0].ID)
	assert.True(t, archived[0].Executed)
	assert.Equal(t, "t", archived[0].Payload["session_title"])
}

func TestSweepOnce_LoopsUntilBatchUnderflows(t *testing.T) {
	dir := t.TempDir()
	// Batch size 2: two full batches then a short one.
	store := &stubArchiveStore{batches: [][]*types.ScheduleEntry{
		{executedEntry(1), executedEntry(2)},
		{executedEntry(3), executedEntry(4)},
		{executedEntry(5)},
	}}
	sweeper := newTestSweeper(store, dir, 2)

	purged, err := sweeper.SweepOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 5, purged)
	assert.Equal(t, 3, store.listCalls, "stops after the first short batch")
	assert.Len(t, readArchived(t, dir), 5)
}

func TestSweepOnce_NothingToPurge(t *testing.T) {
	dir := t.TempDir()
	store := &stubArchiveStore{}
	sweeper := newTestSweeper(store, dir, 500)

	purged, err := sweeper.SweepOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, purged)
	assert.Empty(t, store.deleted)

	// No archive file is created for an empty sweep.
	paths, err := filepath.Glob(filepath.Join(dir, "*.ndjson.gz"))
	require.NoError(t, err)
	assert.Empty(t, paths)
}

func TestSweepOnce_ArchiveFailureBlocksDeletion(t *testing.T) {
	// An unwritable archive directory: a regular file where the directory
	// should be.
	dir := filepath.Join(t.TempDir(), "blocked")
	require.NoError(t, os.WriteFile(dir, []byte("not a directory"), 0o644))

	store := &stubArchiveStore{batches: [][]*types.ScheduleEntry{
		{executedEntry(1)},
	}}
	sweeper := newTestSweeper(store, dir, 500)

	_, err := sweeper.SweepOnce(context.Background())
	require.Error(t, err)
	assert.Empty(t, store.deleted, "entries that failed to archive are never deleted")
}

func TestSweepOnce_ListFailureSurfaces(t *testing.T) {
	store := &stubArchiveStore{listErr: errors.New("connection reset")}
	sweeper := newTestSweeper(store, t.TempDir(), 500)

	_, err := sweeper.SweepOnce(context.Background())
	require.Error(t, err)
}

func TestSweepOnce_DeleteFailureSurfaces(t *testing.T) {
	store := &stubArchiveStore{
		batches:   [][]*types.ScheduleEntry{{executedEntry(1)}},
		deleteErr: errors.New("connection reset"),
	}
	sweeper := newTestSweeper(store, t.TempDir(), 500)

	_, err := sweeper.SweepOnce(context.Background())
	require.Error(t, err)
}
