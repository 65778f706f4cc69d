package engine

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"

	"milemark/internal/config"
	"milemark/internal/domain"
	"milemark/internal/gate"
	"milemark/internal/ledger"
	"milemark/internal/milestone"
	"milemark/internal/repo"
)

// ErrTransactionAborted wraps begin/commit failures. The update never half
// applies: when this is returned no state changed and the call is retryable.
var ErrTransactionAborted = errors.New("transaction aborted; no changes committed")

// Notifier receives completion and stall events after commit, best-effort.
type Notifier interface {
	EngagementCompleted(ctx context.Context, e domain.Engagement) error
}

type Engine struct {
	DB       *sql.DB
	Repo     repo.Repo
	Ledger   ledger.Ledger
	Registry *milestone.Registry
	Config   *config.Config
	Notifier Notifier
	Now      func() time.Time
}

func New(db *sql.DB, cfg *config.Config) (Engine, error) {
	registry, err := milestone.NewRegistry(cfg)
	if err != nil {
		return Engine{}, err
	}
	return Engine{
		DB:       db,
		Repo:     repo.Repo{DB: db},
		Ledger:   ledger.Ledger{DB: db},
		Registry: registry,
		Config:   cfg,
		Now:      time.Now,
	}, nil
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) clock() ledger.Ledger {
	l := e.Ledger
	l.Now = e.Now
	return l
}

// CreateOptions are parameters for opening an engagement.
type CreateOptions struct {
	ID          string
	ClientID    string
	Title       string
	Description string
	ActorID     string
}

// CreateEngagement opens an engagement at the lowest milestone and writes the
// initial "created" ledger entry in the same transaction.
func (e Engine) CreateEngagement(ctx context.Context, opts CreateOptions) (domain.Engagement, error) {
	if opts.ClientID == "" {
		return domain.Engagement{}, errors.New("client is required")
	}
	if opts.Title == "" {
		return domain.Engagement{}, errors.New("title is required")
	}
	if opts.ActorID == "" {
		return domain.Engagement{}, errors.New("actor is required")
	}
	id := opts.ID
	now := e.now().UTC().Format(time.RFC3339)
	if id == "" {
		id = uuid.NewSHA1(uuid.NameSpaceOID, []byte(opts.ClientID+"|"+opts.Title+"|"+now)).String()
	}
	initial := e.Registry.Initial()
	eng := domain.Engagement{
		ID:               id,
		ClientID:         opts.ClientID,
		Kind:             e.Config.Engagement.Kind,
		Title:            opts.Title,
		Description:      opts.Description,
		CurrentMilestone: initial,
		MessagingAllowed: true,
		Active:           true,
		StartedAt:        now,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	eng.Progress = []domain.ProgressBrief{{
		ToValue:   initial,
		ActorID:   opts.ActorID,
		Automatic: true,
		At:        now,
	}}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Engagement{}, abortErr(err)
	}
	defer tx.Rollback()

	if err := e.Repo.InsertEngagementTx(ctx, tx, eng); err != nil {
		return domain.Engagement{}, fmt.Errorf("insert engagement: %w", err)
	}
	if _, err := e.clock().AppendTx(ctx, tx, domain.ProgressEntry{
		EngagementID: eng.ID,
		Kind:         ledger.KindCreated,
		ActorID:      opts.ActorID,
		Automatic:    true,
		FromValue:    initial,
		ToValue:      initial,
		CreatedAt:    now,
	}); err != nil {
		return domain.Engagement{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Engagement{}, abortErr(err)
	}
	return eng, nil
}

// ProgressUpdateOptions are parameters for a milestone transition.
type ProgressUpdateOptions struct {
	EngagementID string
	Value        int
	ActorID      string
	Note         string
	Automatic    bool
}

// UpdateProgress validates and commits one milestone transition: engagement
// mutation, ledger entry and embedded cache move together or not at all.
// A request for the current milestone is a no-op and writes nothing.
func (e Engine) UpdateProgress(ctx context.Context, opts ProgressUpdateOptions) (domain.Engagement, error) {
	if opts.ActorID == "" {
		return domain.Engagement{}, errors.New("actor is required")
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Engagement{}, abortErr(err)
	}
	defer tx.Rollback()

	eng, err := e.Repo.GetEngagementTx(ctx, tx, opts.EngagementID)
	if err != nil {
		return domain.Engagement{}, err
	}
	if err := e.Registry.Validate(eng.CurrentMilestone, opts.Value); err != nil {
		return eng, err
	}
	if opts.Value == eng.CurrentMilestone {
		return eng, nil
	}

	priorSeconds, _, err := e.clock().TimeAtMilestone(ctx, eng.ID, eng.CurrentMilestone)
	if err != nil {
		return eng, err
	}
	snapshot, err := json.Marshal(eng)
	if err != nil {
		return eng, fmt.Errorf("snapshot engagement: %w", err)
	}

	now := e.now().UTC().Format(time.RFC3339)
	fromValue := eng.CurrentMilestone
	eng.CurrentMilestone = opts.Value
	eng.UpdatedAt = now

	kind := ledger.KindProgress
	if opts.Value == e.Registry.Terminal() && !eng.Completed {
		eng.Completed = true
		eng.CompletedAt = &now
		eng.MessagingAllowed = false
		kind = ledger.KindCompleted
	}

	entry := domain.ProgressEntry{
		EngagementID: eng.ID,
		Kind:         kind,
		ActorID:      opts.ActorID,
		Automatic:    opts.Automatic,
		FromValue:    fromValue,
		ToValue:      opts.Value,
		PriorSeconds: int64(priorSeconds / time.Second),
		SnapshotJSON: string(snapshot),
		CreatedAt:    now,
	}
	if strings.TrimSpace(opts.Note) != "" {
		note := opts.Note
		entry.Note = &note
	}
	if _, err := e.clock().AppendTx(ctx, tx, entry); err != nil {
		return eng, err
	}
	eng.Progress = append(eng.Progress, domain.ProgressBrief{
		ToValue:   opts.Value,
		ActorID:   opts.ActorID,
		Automatic: opts.Automatic,
		At:        now,
	})
	if err := e.Repo.UpdateEngagementTx(ctx, tx, eng); err != nil {
		return eng, err
	}
	if err := tx.Commit(); err != nil {
		return eng, abortErr(err)
	}

	if kind == ledger.KindCompleted && e.Notifier != nil {
		// Best-effort: a failed notification never rolls back the commit.
		if err := e.Notifier.EngagementCompleted(ctx, eng); err != nil {
			log.Printf("completion notification for %s failed: %v", eng.ID, err)
		}
	}
	return eng, nil
}

func (e Engine) GetEngagement(ctx context.Context, id string) (domain.Engagement, error) {
	return e.Repo.GetEngagement(ctx, id)
}

func (e Engine) ListEngagements(ctx context.Context, f repo.EngagementFilters) ([]domain.Engagement, error) {
	return e.Repo.ListEngagements(ctx, f)
}

// GetHistory returns the engagement's ledger entries, newest first.
func (e Engine) GetHistory(ctx context.Context, id string, limit int) ([]domain.ProgressEntry, error) {
	if _, err := e.Repo.GetEngagement(ctx, id); err != nil {
		return nil, err
	}
	return e.Ledger.History(ctx, id, limit)
}

// GetTimeline returns the milestone path oldest first with dwell times.
func (e Engine) GetTimeline(ctx context.Context, id string) ([]domain.TimelineStep, error) {
	eng, err := e.Repo.GetEngagement(ctx, id)
	if err != nil {
		return nil, err
	}
	steps, err := e.clock().Timeline(ctx, id, eng.Completed)
	if err != nil {
		return nil, err
	}
	for i := range steps {
		steps[i].Label = e.Registry.Label(steps[i].Milestone)
	}
	return steps, nil
}

// Analytics summarizes progress pace for one engagement.
type Analytics struct {
	EngagementID     string                `json:"engagement_id"`
	CurrentMilestone int                   `json:"current_milestone"`
	Completed        bool                  `json:"completed"`
	TotalSeconds     int64                 `json:"total_seconds"`
	AverageSeconds   float64               `json:"average_seconds_per_milestone"`
	Timeline         []domain.TimelineStep `json:"timeline"`
}

func (e Engine) GetAnalytics(ctx context.Context, id string) (Analytics, error) {
	eng, err := e.Repo.GetEngagement(ctx, id)
	if err != nil {
		return Analytics{}, err
	}
	steps, err := e.GetTimeline(ctx, id)
	if err != nil {
		return Analytics{}, err
	}
	a := Analytics{
		EngagementID:     eng.ID,
		CurrentMilestone: eng.CurrentMilestone,
		Completed:        eng.Completed,
		Timeline:         steps,
	}
	end := e.now().UTC().Format(time.RFC3339)
	if eng.CompletedAt != nil {
		end = *eng.CompletedAt
	}
	if start, err := time.Parse(time.RFC3339, eng.StartedAt); err == nil {
		if stop, err := time.Parse(time.RFC3339, end); err == nil && stop.After(start) {
			a.TotalSeconds = int64(stop.Sub(start) / time.Second)
		}
	}
	if len(steps) > 0 {
		var sum int64
		for _, s := range steps {
			sum += s.Seconds
		}
		a.AverageSeconds = float64(sum) / float64(len(steps))
	}
	return a, nil
}

// GetAccessMode derives the access mode from completion and feedback state.
func (e Engine) GetAccessMode(ctx context.Context, id string) (gate.Mode, string, error) {
	eng, err := e.Repo.GetEngagement(ctx, id)
	if err != nil {
		return "", "", err
	}
	hasFeedback, err := e.Repo.HasFeedback(ctx, id)
	if err != nil {
		return "", "", err
	}
	mode, reason := gate.For(eng.Completed, hasFeedback)
	return mode, reason, nil
}

// CanAccess reports whether the actor may read engagement content. The caller
// has already authorized the actor for this engagement; only the completion
// gate is enforced here.
func (e Engine) CanAccess(ctx context.Context, id, actorID string) (bool, error) {
	mode, _, err := e.GetAccessMode(ctx, id)
	if err != nil {
		return false, err
	}
	return mode.CanAccess(), nil
}

// IsMessagingAllowed reports whether client messaging is open. Completion
// closes messaging permanently regardless of the stored flag.
func (e Engine) IsMessagingAllowed(ctx context.Context, id string) (bool, error) {
	eng, err := e.Repo.GetEngagement(ctx, id)
	if err != nil {
		return false, err
	}
	return gate.MessagingAllowed(eng), nil
}

// FeedbackOptions are parameters for submitting completion feedback.
type FeedbackOptions struct {
	EngagementID string
	ActorID      string
	Rating       int
	Comment      string
}

// SubmitFeedback records the one feedback entry a completed engagement expects.
func (e Engine) SubmitFeedback(ctx context.Context, opts FeedbackOptions) (domain.Feedback, error) {
	if opts.Rating < 1 || opts.Rating > 5 {
		return domain.Feedback{}, errors.New("rating must be between 1 and 5")
	}
	eng, err := e.Repo.GetEngagement(ctx, opts.EngagementID)
	if err != nil {
		return domain.Feedback{}, err
	}
	if !eng.Completed {
		return domain.Feedback{}, gate.ErrNotCompleted
	}
	if has, err := e.Repo.HasFeedback(ctx, opts.EngagementID); err != nil {
		return domain.Feedback{}, err
	} else if has {
		return domain.Feedback{}, errors.New("feedback already submitted")
	}
	f := domain.Feedback{
		ID:           uuid.New().String(),
		EngagementID: opts.EngagementID,
		ActorID:      opts.ActorID,
		Rating:       opts.Rating,
		Comment:      opts.Comment,
		CreatedAt:    e.now().UTC().Format(time.RFC3339),
	}
	if err := e.Repo.InsertFeedback(ctx, f); err != nil {
		return domain.Feedback{}, err
	}
	return f, nil
}

func (e Engine) GetFeedback(ctx context.Context, engagementID string) (domain.Feedback, error) {
	return e.Repo.GetFeedback(ctx, engagementID)
}

// FindStalled lists active, non-completed engagements with no ledger activity
// for thresholdDays. Zero falls back to the configured threshold.
func (e Engine) FindStalled(ctx context.Context, thresholdDays int) ([]domain.StalledEngagement, error) {
	if thresholdDays <= 0 {
		thresholdDays = e.Config.Stall.ThresholdDays
	}
	cutoff := e.now().UTC().Add(-time.Duration(thresholdDays) * 24 * time.Hour).Format(time.RFC3339)
	return e.Repo.FindStalled(ctx, cutoff)
}

func abortErr(err error) error {
	return fmt.Errorf("%w: %v", ErrTransactionAborted, err)
}
