package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"

	"milemark/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

const engagementColumns = `id,client_id,kind,title,description,current_milestone,completed,completed_at,messaging_allowed,active,started_at,progress_json,created_at,updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEngagement(row rowScanner) (domain.Engagement, error) {
	var e domain.Engagement
	var description, completedAt, progressJSON sql.NullString
	var completed, messaging, active int
	err := row.Scan(&e.ID, &e.ClientID, &e.Kind, &e.Title, &description, &e.CurrentMilestone,
		&completed, &completedAt, &messaging, &active, &e.StartedAt, &progressJSON, &e.CreatedAt, &e.UpdatedAt)
	if err == sql.ErrNoRows {
		return e, ErrNotFound
	}
	if err != nil {
		return e, err
	}
	if description.Valid {
		e.Description = description.String
	}
	if completedAt.Valid {
		e.CompletedAt = &completedAt.String
	}
	e.Completed = completed != 0
	e.MessagingAllowed = messaging != 0
	e.Active = active != 0
	if progressJSON.Valid && progressJSON.String != "" {
		if err := json.Unmarshal([]byte(progressJSON.String), &e.Progress); err != nil {
			return e, err
		}
	}
	return e, nil
}

func (r Repo) InsertEngagementTx(ctx context.Context, tx *sql.Tx, e domain.Engagement) error {
	progressJSON, err := marshalProgress(e.Progress)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO engagements(`+engagementColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		e.ID, e.ClientID, e.Kind, e.Title, nullable(e.Description), e.CurrentMilestone,
		boolInt(e.Completed), nullableStringPtr(e.CompletedAt), boolInt(e.MessagingAllowed), boolInt(e.Active),
		e.StartedAt, progressJSON, e.CreatedAt, e.UpdatedAt)
	return err
}

// UpdateEngagementTx rewrites the mutable columns, including the materialized
// progress cache, inside the caller's transaction.
func (r Repo) UpdateEngagementTx(ctx context.Context, tx *sql.Tx, e domain.Engagement) error {
	progressJSON, err := marshalProgress(e.Progress)
	if err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, `UPDATE engagements SET title=?, description=?, current_milestone=?, completed=?, completed_at=?, messaging_allowed=?, active=?, progress_json=?, updated_at=? WHERE id=?`,
		e.Title, nullable(e.Description), e.CurrentMilestone, boolInt(e.Completed), nullableStringPtr(e.CompletedAt),
		boolInt(e.MessagingAllowed), boolInt(e.Active), progressJSON, e.UpdatedAt, e.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) GetEngagement(ctx context.Context, id string) (domain.Engagement, error) {
	return scanEngagement(r.DB.QueryRowContext(ctx, `SELECT `+engagementColumns+` FROM engagements WHERE id=?`, id))
}

// GetEngagementTx reads the engagement inside a transaction so concurrent
// updates against the same engagement validate against committed state.
func (r Repo) GetEngagementTx(ctx context.Context, tx *sql.Tx, id string) (domain.Engagement, error) {
	return scanEngagement(tx.QueryRowContext(ctx, `SELECT `+engagementColumns+` FROM engagements WHERE id=?`, id))
}

type EngagementFilters struct {
	ClientID        string
	Completed       *bool
	Active          *bool
	Limit           int
	CursorCreatedAt string
	CursorID        string
}

func (r Repo) ListEngagements(ctx context.Context, f EngagementFilters) ([]domain.Engagement, error) {
	var clauses []string
	var args []any
	if f.ClientID != "" {
		clauses = append(clauses, "client_id=?")
		args = append(args, f.ClientID)
	}
	if f.Completed != nil {
		clauses = append(clauses, "completed=?")
		args = append(args, boolInt(*f.Completed))
	}
	if f.Active != nil {
		clauses = append(clauses, "active=?")
		args = append(args, boolInt(*f.Active))
	}
	if f.CursorCreatedAt != "" && f.CursorID != "" {
		clauses = append(clauses, "(created_at < ? OR (created_at = ? AND id < ?))")
		args = append(args, f.CursorCreatedAt, f.CursorCreatedAt, f.CursorID)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + engagementColumns + ` FROM engagements ` + where + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Engagement
	for rows.Next() {
		e, err := scanEngagement(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// FindStalled returns active, non-completed engagements whose newest ledger
// entry is older than the cutoff, oldest activity first.
func (r Repo) FindStalled(ctx context.Context, cutoff string) ([]domain.StalledEngagement, error) {
	rows, err := r.DB.QueryContext(ctx, `
SELECT e.id, e.current_milestone, MAX(p.created_at) AS last_activity, COUNT(p.id)
FROM engagements e
JOIN progress_entries p ON p.engagement_id = e.id
WHERE e.active=1 AND e.completed=0
GROUP BY e.id, e.current_milestone
HAVING MAX(p.created_at) < ?
ORDER BY last_activity ASC`, cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.StalledEngagement
	for rows.Next() {
		var s domain.StalledEngagement
		if err := rows.Scan(&s.EngagementID, &s.CurrentMilestone, &s.LastActivityAt, &s.HistoryCount); err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, rows.Err()
}

func marshalProgress(progress []domain.ProgressBrief) (any, error) {
	if len(progress) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(progress)
	if err != nil {
		return nil, err
	}
	return string(b), nil
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
