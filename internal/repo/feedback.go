package repo

import (
	"context"
	"database/sql"

	"milemark/internal/domain"
)

func (r Repo) InsertFeedback(ctx context.Context, f domain.Feedback) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO feedback(id,engagement_id,actor_id,rating,comment,created_at) VALUES (?,?,?,?,?,?)`,
		f.ID, f.EngagementID, f.ActorID, f.Rating, nullable(f.Comment), f.CreatedAt)
	return err
}

func (r Repo) GetFeedback(ctx context.Context, engagementID string) (domain.Feedback, error) {
	var f domain.Feedback
	var comment sql.NullString
	err := r.DB.QueryRowContext(ctx, `SELECT id,engagement_id,actor_id,rating,comment,created_at FROM feedback WHERE engagement_id=?`, engagementID).
		Scan(&f.ID, &f.EngagementID, &f.ActorID, &f.Rating, &comment, &f.CreatedAt)
	if err == sql.ErrNoRows {
		return f, ErrNotFound
	}
	if comment.Valid {
		f.Comment = comment.String
	}
	return f, err
}

// HasFeedback reports whether a feedback record exists for the engagement.
func (r Repo) HasFeedback(ctx context.Context, engagementID string) (bool, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT 1 FROM feedback WHERE engagement_id=? LIMIT 1`, engagementID)
	if err != nil {
		return false, err
	}
	defer rows.Close()
	return rows.Next(), rows.Err()
}
