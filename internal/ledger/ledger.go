// Package ledger owns the append-only progress audit trail. Entries are only
// ever written inside the orchestrator's transaction and are the source of
// truth for engagement history; the cache embedded on the engagement row is a
// derived view.
package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"milemark/internal/domain"
)

// Entry kinds recorded per transition.
const (
	KindCreated   = "created"
	KindProgress  = "progress"
	KindCompleted = "completed"
)

type Ledger struct {
	DB  *sql.DB
	Now func() time.Time
}

func (l Ledger) now() time.Time {
	if l.Now != nil {
		return l.Now()
	}
	return time.Now()
}

const entryColumns = `id,engagement_id,kind,actor_id,automatic,from_value,to_value,prior_seconds,note,snapshot_json,created_at`

// AppendTx inserts an entry inside the caller's transaction and returns its id.
// CreatedAt is stamped here so ledger ordering follows a single clock.
func (l Ledger) AppendTx(ctx context.Context, tx *sql.Tx, e domain.ProgressEntry) (int64, error) {
	if e.CreatedAt == "" {
		e.CreatedAt = l.now().UTC().Format(time.RFC3339)
	}
	res, err := tx.ExecContext(ctx, `INSERT INTO progress_entries(engagement_id,kind,actor_id,automatic,from_value,to_value,prior_seconds,note,snapshot_json,created_at) VALUES (?,?,?,?,?,?,?,?,?,?)`,
		e.EngagementID, e.Kind, e.ActorID, boolInt(e.Automatic), e.FromValue, e.ToValue, e.PriorSeconds,
		nullableStringPtr(e.Note), nullable(e.SnapshotJSON), e.CreatedAt)
	if err != nil {
		return 0, fmt.Errorf("append ledger entry: %w", err)
	}
	return res.LastInsertId()
}

// History returns entries for an engagement, newest first.
func (l Ledger) History(ctx context.Context, engagementID string, limit int) ([]domain.ProgressEntry, error) {
	query := `SELECT ` + entryColumns + ` FROM progress_entries WHERE engagement_id=? ORDER BY id DESC`
	args := []any{engagementID}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	return l.queryEntries(ctx, query, args...)
}

// Entries returns entries for an engagement, oldest first.
func (l Ledger) Entries(ctx context.Context, engagementID string) ([]domain.ProgressEntry, error) {
	return l.queryEntries(ctx, `SELECT `+entryColumns+` FROM progress_entries WHERE engagement_id=? ORDER BY id ASC`, engagementID)
}

// EntriesAfter returns entries across all engagements with ids greater than
// the cursor, ascending. Used by the notification follower.
func (l Ledger) EntriesAfter(ctx context.Context, limit int, cursor int64) ([]domain.ProgressEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	return l.queryEntries(ctx, `SELECT `+entryColumns+` FROM progress_entries WHERE id>? ORDER BY id ASC LIMIT ?`, cursor, limit)
}

// LatestEntryID returns the most recent ledger entry id, 0 when empty.
func (l Ledger) LatestEntryID(ctx context.Context) (int64, error) {
	var id int64
	if err := l.DB.QueryRowContext(ctx, `SELECT COALESCE(MAX(id),0) FROM progress_entries`).Scan(&id); err != nil {
		return 0, err
	}
	return id, nil
}

// Timeline returns the milestone path oldest first, each step annotated with
// the dwell time until the next step. The tail step of a non-completed
// engagement is open-ended and measured against "now".
func (l Ledger) Timeline(ctx context.Context, engagementID string, completed bool) ([]domain.TimelineStep, error) {
	entries, err := l.Entries(ctx, engagementID)
	if err != nil {
		return nil, err
	}
	steps := make([]domain.TimelineStep, 0, len(entries))
	for i, e := range entries {
		step := domain.TimelineStep{
			Milestone: e.ToValue,
			ReachedAt: e.CreatedAt,
		}
		if i+1 < len(entries) {
			step.Seconds = secondsBetween(e.CreatedAt, entries[i+1].CreatedAt)
		} else if !completed {
			step.Seconds = secondsBetween(e.CreatedAt, l.now().UTC().Format(time.RFC3339))
			step.Open = true
		}
		steps = append(steps, step)
	}
	return steps, nil
}

// TimeAtMilestone returns how long the engagement spent at value: the delta
// between the first entry reaching it and the entry that left it, or "now"
// when the engagement is still sitting there. ok is false when the milestone
// was never reached.
func (l Ledger) TimeAtMilestone(ctx context.Context, engagementID string, value int) (time.Duration, bool, error) {
	entries, err := l.Entries(ctx, engagementID)
	if err != nil {
		return 0, false, err
	}
	reached := ""
	for _, e := range entries {
		if reached == "" {
			if e.ToValue == value {
				reached = e.CreatedAt
			}
			continue
		}
		if e.FromValue == value {
			return time.Duration(secondsBetween(reached, e.CreatedAt)) * time.Second, true, nil
		}
	}
	if reached == "" {
		return 0, false, nil
	}
	return time.Duration(secondsBetween(reached, l.now().UTC().Format(time.RFC3339))) * time.Second, true, nil
}

func (l Ledger) queryEntries(ctx context.Context, query string, args ...any) ([]domain.ProgressEntry, error) {
	rows, err := l.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ProgressEntry
	for rows.Next() {
		var e domain.ProgressEntry
		var automatic int
		var note, snapshot sql.NullString
		if err := rows.Scan(&e.ID, &e.EngagementID, &e.Kind, &e.ActorID, &automatic, &e.FromValue, &e.ToValue,
			&e.PriorSeconds, &note, &snapshot, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Automatic = automatic != 0
		if note.Valid {
			e.Note = &note.String
		}
		if snapshot.Valid {
			e.SnapshotJSON = snapshot.String
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

func secondsBetween(from, to string) int64 {
	start, err := time.Parse(time.RFC3339, from)
	if err != nil {
		return 0
	}
	end, err := time.Parse(time.RFC3339, to)
	if err != nil {
		return 0
	}
	d := end.Sub(start)
	if d < 0 {
		return 0
	}
	return int64(d / time.Second)
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	if *v == "" {
		return nil
	}
	return *v
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
