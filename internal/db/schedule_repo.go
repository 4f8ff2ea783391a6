package db

import (
	"context"
	"time"

	"rallypoint/internal/types"
)

// ScheduleEntryRepository provides data access for the schedule_entries table.
// Rows are created by external writers (the platform API and bot handlers) in
// the same transaction as the business event that necessitates the future
// action; this core only reads them, flips executed, and garbage-collects.
type ScheduleEntryRepository struct {
	db DBTX
}

// NewScheduleEntryRepository creates a repository backed by the given
// database connection (pool or transaction).
func NewScheduleEntryRepository(db DBTX) *ScheduleEntryRepository {
	return &ScheduleEntryRepository{db: db}
}

// scheduleEntryColumns is the standard column set for schedule entry queries.
const scheduleEntryColumns = `id, session_id, guild_id, due_at, executed, kind, payload, created_at`

// DueEntries returns unexecuted entries of the given kind with due_at <= now,
// earliest due first. Ties are broken by insertion order (id) so processing
// is deterministic.
func (r *ScheduleEntryRepository) DueEntries(ctx context.Context, kind types.ScheduleKind, now time.Time, limit int) ([]*types.ScheduleEntry, error) {
	rows, err := r.db.Query(ctx,
		`SELECT `+scheduleEntryColumns+`
		 FROM schedule_entries
		 WHERE kind = $1 AND executed = FALSE AND due_at <= $2
		 ORDER BY due_at ASC, id ASC
		 LIMIT $3`,
		string(kind), now, limit,
	)
	if err != nil {
		return nil, types.NewDBError("querying due schedule entries", err)
	}
	defer rows.Close()

	var entries []*types.ScheduleEntry
	for rows.Next() {
		var e types.ScheduleEntry
		if err := rows.Scan(&e.ID, &e.SessionID, &e.GuildID, &e.DueAt, &e.Executed, &e.Kind, &e.Payload, &e.CreatedAt); err != nil {
			return nil, types.NewDBError("scanning schedule entry", err)
		}
		entries = append(entries, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewDBError("iterating due schedule entries", err)
	}

	return entries, nil
}

// MarkExecuted flips the executed flag for a single entry. The WHERE clause
// guards the false -> true transition so marking an already-executed entry is
// a no-op, and a row cascade-deleted since the query simply matches nothing.
// Zero affected rows is therefore not an error.
func (r *ScheduleEntryRepository) MarkExecuted(ctx context.Context, id int64) error {
	_, err := r.db.Exec(ctx,
		`UPDATE schedule_entries SET executed = TRUE WHERE id = $1 AND executed = FALSE`,
		id,
	)
	if err != nil {
		return types.NewDBError("marking schedule entry executed", err)
	}
	return nil
}

// NextDueAt returns the earliest due_at among unexecuted entries of the given
// kind, or nil if none are pending. The engine caps the resulting wait with
// its maximum idle timeout.
func (r *ScheduleEntryRepository) NextDueAt(ctx context.Context, kind types.ScheduleKind) (*time.Time, error) {
	var next *time.Time
	err := r.db.QueryRow(ctx,
		`SELECT MIN(due_at) FROM schedule_entries WHERE kind = $1 AND executed = FALSE`,
		string(kind),
	).Scan(&next)
	if err != nil {
		return nil, types.NewDBError("querying next due time", err)
	}
	return next, nil
}

// Insert creates a schedule entry and populates its generated ID and
// creation time. Exposed for the external writers and for tests; the engine
// itself never inserts.
func (r *ScheduleEntryRepository) Insert(ctx context.Context, entry *types.ScheduleEntry) error {
	err := r.db.QueryRow(ctx,
		`INSERT INTO schedule_entries (session_id, guild_id, due_at, kind, payload)
		 VALUES ($1, $2, $3, $4, $5)
		 RETURNING id, created_at`,
		entry.SessionID, entry.GuildID, entry.DueAt, string(entry.Kind), entry.Payload,
	).Scan(&entry.ID, &entry.CreatedAt)
	if err != nil {
		return types.NewDBError("inserting schedule entry", err)
	}
	return nil
}

// CountPending returns the number of unexecuted entries of the given kind.
// Observability signal only.
func (r *ScheduleEntryRepository) CountPending(ctx context.Context, kind types.ScheduleKind) (int, error) {
	var count int
	err := r.db.QueryRow(ctx,
		`SELECT COUNT(*) FROM schedule_entries WHERE kind = $1 AND executed = FALSE`,
		string(kind),
	).Scan(&count)
	if err != nil {
		return 0, types.NewDBError("counting pending schedule entries", err)
	}
	return count, nil
}

// ListExecutedBefore returns executed entries created before the cutoff, for
// the housekeeping sweeper. Oldest first so repeated bounded batches make
// forward progress.
func (r *ScheduleEntryRepository) ListExecutedBefore(ctx context.Context, cutoff time.Time, limit int) ([]*types.ScheduleEntry, error) {
	rows, err := r.db.Query(ctx,
		`SELECT `+scheduleEntryColumns+`
		 FROM schedule_entries
		 WHERE executed = TRUE AND created_at < $1
		 ORDER BY id ASC
		 LIMIT $2`,
		cutoff, limit,
	)
	if err != nil {
		return nil, types.NewDBError("listing executed schedule entries", err)
	}
	defer rows.Close()

	var entries []*types.ScheduleEntry
	for rows.Next() {
		var e types.ScheduleEntry
		if err := rows.Scan(&e.ID, &e.SessionID, &e.GuildID, &e.DueAt, &e.Executed, &e.Kind, &e.Payload, &e.CreatedAt); err != nil {
			return nil, types.NewDBError("scanning executed schedule entry", err)
		}
		entries = append(entries, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewDBError("iterating executed schedule entries", err)
	}

	return entries, nil
}

// DeleteByIDs removes entries by ID and returns the deleted count. Only the
// housekeeping sweeper calls this, and only for executed rows it has already
// archived.
func (r *ScheduleEntryRepository) DeleteByIDs(ctx context.Context, ids []int64) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	tag, err := r.db.Exec(ctx,
		`DELETE FROM schedule_entries WHERE id = ANY($1)`,
		ids,
	)
	if err != nil {
		return 0, types.NewDBError("deleting schedule entries", err)
	}
	return int(tag.RowsAffected()), nil
}
