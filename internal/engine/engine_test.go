package engine_test

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"

	"milemark/internal/config"
	"milemark/internal/db"
	"milemark/internal/domain"
	"milemark/internal/engine"
	"milemark/internal/gate"
	"milemark/internal/ledger"
	"milemark/internal/migrate"
	"milemark/internal/milestone"
)

type recordNotifier struct {
	completed []domain.Engagement
}

func (n *recordNotifier) EngagementCompleted(_ context.Context, e domain.Engagement) error {
	n.completed = append(n.completed, e)
	return nil
}

type testEnv struct {
	Engine   engine.Engine
	Notifier *recordNotifier
	Ctx      context.Context
	now      *time.Time
}

// Advance moves the injected clock forward.
func (env *testEnv) Advance(d time.Duration) {
	*env.now = env.now.Add(d)
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	eng, err := engine.New(conn, config.Default())
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	eng.Now = func() time.Time { return now }
	notifier := &recordNotifier{}
	eng.Notifier = notifier
	return &testEnv{Engine: eng, Notifier: notifier, Ctx: context.Background(), now: &now}
}

func mustCreate(t *testing.T, env *testEnv, clientID string) domain.Engagement {
	t.Helper()
	eng, err := env.Engine.CreateEngagement(env.Ctx, engine.CreateOptions{
		ClientID: clientID,
		Title:    "Service package",
		ActorID:  "tester",
	})
	if err != nil {
		t.Fatalf("create engagement: %v", err)
	}
	return eng
}

func mustProgress(t *testing.T, env *testEnv, id string, value int) domain.Engagement {
	t.Helper()
	eng, err := env.Engine.UpdateProgress(env.Ctx, engine.ProgressUpdateOptions{
		EngagementID: id,
		Value:        value,
		ActorID:      "tester",
	})
	if err != nil {
		t.Fatalf("progress to %d: %v", value, err)
	}
	return eng
}

func TestCreateEngagement(t *testing.T) {
	env := newTestEnv(t)
	eng := mustCreate(t, env, "client-1")
	if eng.CurrentMilestone != 10 {
		t.Fatalf("initial milestone: got %d", eng.CurrentMilestone)
	}
	if !eng.MessagingAllowed || !eng.Active || eng.Completed {
		t.Fatalf("unexpected initial flags: %+v", eng)
	}
	history, err := env.Engine.GetHistory(env.Ctx, eng.ID, 0)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) != 1 {
		t.Fatalf("expected one ledger entry, got %d", len(history))
	}
	if history[0].Kind != ledger.KindCreated || history[0].ToValue != 10 {
		t.Fatalf("unexpected created entry: %+v", history[0])
	}
	fetched, err := env.Engine.GetEngagement(env.Ctx, eng.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if len(fetched.Progress) != 1 || fetched.Progress[0].ToValue != 10 {
		t.Fatalf("embedded progress cache: %+v", fetched.Progress)
	}
}

func TestProgressFlowAndCompletion(t *testing.T) {
	env := newTestEnv(t)
	eng := mustCreate(t, env, "client-1")

	env.Advance(time.Hour)
	updated, err := env.Engine.UpdateProgress(env.Ctx, engine.ProgressUpdateOptions{
		EngagementID: eng.ID,
		Value:        25,
		ActorID:      "tester",
		Note:         "kickoff done",
	})
	if err != nil {
		t.Fatalf("to 25: %v", err)
	}
	if updated.CurrentMilestone != 25 {
		t.Fatalf("milestone: got %d", updated.CurrentMilestone)
	}

	env.Advance(2 * time.Hour)
	mustProgress(t, env, eng.ID, 90)
	env.Advance(30 * time.Minute)
	final := mustProgress(t, env, eng.ID, 100)

	if !final.Completed {
		t.Fatalf("expected completed")
	}
	if final.CompletedAt == nil || *final.CompletedAt != env.now.UTC().Format(time.RFC3339) {
		t.Fatalf("completed_at: %v", final.CompletedAt)
	}
	if final.MessagingAllowed {
		t.Fatalf("messaging must close on completion")
	}

	history, err := env.Engine.GetHistory(env.Ctx, eng.ID, 0)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) != 4 {
		t.Fatalf("expected 4 entries, got %d", len(history))
	}
	// Newest first; the head always reflects the current milestone.
	if history[0].Kind != ledger.KindCompleted || history[0].ToValue != final.CurrentMilestone {
		t.Fatalf("head entry: %+v", history[0])
	}
	if history[2].Note == nil || *history[2].Note != "kickoff done" {
		t.Fatalf("note lost: %+v", history[2])
	}
	// Time spent at milestone 10 before leaving it.
	if history[2].PriorSeconds != 3600 {
		t.Fatalf("prior seconds at 10: got %d", history[2].PriorSeconds)
	}
	if history[1].PriorSeconds != 2*3600 {
		t.Fatalf("prior seconds at 25: got %d", history[1].PriorSeconds)
	}

	if len(env.Notifier.completed) != 1 || env.Notifier.completed[0].ID != eng.ID {
		t.Fatalf("expected one completion notification, got %+v", env.Notifier.completed)
	}
}

func TestValidationRejections(t *testing.T) {
	env := newTestEnv(t)
	eng := mustCreate(t, env, "client-1")
	mustProgress(t, env, eng.ID, 25)

	assertRejected := func(value int, code string, allowed []int) {
		t.Helper()
		_, err := env.Engine.UpdateProgress(env.Ctx, engine.ProgressUpdateOptions{
			EngagementID: eng.ID,
			Value:        value,
			ActorID:      "tester",
		})
		var ve milestone.ValidationError
		if !errors.As(err, &ve) {
			t.Fatalf("expected ValidationError for %d, got %v", value, err)
		}
		if ve.Code != code {
			t.Fatalf("code for %d: got %s want %s", value, ve.Code, code)
		}
		if allowed != nil && !reflect.DeepEqual(ve.Allowed, allowed) {
			t.Fatalf("allowed for %d: got %v want %v", value, ve.Allowed, allowed)
		}
	}

	assertRejected(20, milestone.CodeRegression, nil)
	assertRejected(45, milestone.CodeInvalidValue, nil)
	assertRejected(100, milestone.CodeFinalStageGate, []int{90})

	// Rejections leave no trace: state and ledger both unchanged.
	fetched, err := env.Engine.GetEngagement(env.Ctx, eng.ID)
	if err != nil {
		t.Fatal(err)
	}
	if fetched.CurrentMilestone != 25 {
		t.Fatalf("milestone moved: got %d", fetched.CurrentMilestone)
	}
	history, err := env.Engine.GetHistory(env.Ctx, eng.ID, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(history) != 2 {
		t.Fatalf("ledger grew on rejection: %d entries", len(history))
	}
}

func TestSameValueIsNoOp(t *testing.T) {
	env := newTestEnv(t)
	eng := mustCreate(t, env, "client-1")
	mustProgress(t, env, eng.ID, 50)

	same, err := env.Engine.UpdateProgress(env.Ctx, engine.ProgressUpdateOptions{
		EngagementID: eng.ID,
		Value:        50,
		ActorID:      "tester",
	})
	if err != nil {
		t.Fatalf("same value must pass: %v", err)
	}
	if same.CurrentMilestone != 50 {
		t.Fatalf("milestone: got %d", same.CurrentMilestone)
	}
	history, err := env.Engine.GetHistory(env.Ctx, eng.ID, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(history) != 2 {
		t.Fatalf("no-op wrote a ledger entry: %d entries", len(history))
	}
}

func TestCompletedIsTerminal(t *testing.T) {
	env := newTestEnv(t)
	eng := mustCreate(t, env, "client-1")
	mustProgress(t, env, eng.ID, 90)
	mustProgress(t, env, eng.ID, 100)

	// Even 100 -> 100 is rejected: the gate runs before the equality no-op.
	_, err := env.Engine.UpdateProgress(env.Ctx, engine.ProgressUpdateOptions{
		EngagementID: eng.ID, Value: 100, ActorID: "tester",
	})
	var ve milestone.ValidationError
	if !errors.As(err, &ve) || ve.Code != milestone.CodeFinalStageGate {
		t.Fatalf("expected final stage gate, got %v", err)
	}
	_, err = env.Engine.UpdateProgress(env.Ctx, engine.ProgressUpdateOptions{
		EngagementID: eng.ID, Value: 90, ActorID: "tester",
	})
	if !errors.As(err, &ve) || ve.Code != milestone.CodeRegression {
		t.Fatalf("expected regression, got %v", err)
	}
}

func TestFeedbackAndAccessMode(t *testing.T) {
	env := newTestEnv(t)
	eng := mustCreate(t, env, "client-1")

	mode, _, err := env.Engine.GetAccessMode(env.Ctx, eng.ID)
	if err != nil || mode != gate.ModeFull {
		t.Fatalf("running mode: %s %v", mode, err)
	}
	if _, err := env.Engine.SubmitFeedback(env.Ctx, engine.FeedbackOptions{
		EngagementID: eng.ID, ActorID: "client", Rating: 5,
	}); !errors.Is(err, gate.ErrNotCompleted) {
		t.Fatalf("expected ErrNotCompleted, got %v", err)
	}

	mustProgress(t, env, eng.ID, 90)
	mustProgress(t, env, eng.ID, 100)

	mode, _, err = env.Engine.GetAccessMode(env.Ctx, eng.ID)
	if err != nil || mode != gate.ModeFeedbackRequired {
		t.Fatalf("post-completion mode: %s %v", mode, err)
	}
	if ok, err := env.Engine.CanAccess(env.Ctx, eng.ID, "client"); err != nil || ok {
		t.Fatalf("access must be blocked before feedback: %v %v", ok, err)
	}

	if _, err := env.Engine.SubmitFeedback(env.Ctx, engine.FeedbackOptions{
		EngagementID: eng.ID, ActorID: "client", Rating: 0,
	}); err == nil {
		t.Fatalf("rating 0 must be rejected")
	}

	fb, err := env.Engine.SubmitFeedback(env.Ctx, engine.FeedbackOptions{
		EngagementID: eng.ID, ActorID: "client", Rating: 4, Comment: "solid work",
	})
	if err != nil {
		t.Fatalf("submit feedback: %v", err)
	}
	if fb.Rating != 4 || fb.EngagementID != eng.ID {
		t.Fatalf("unexpected feedback: %+v", fb)
	}

	mode, _, err = env.Engine.GetAccessMode(env.Ctx, eng.ID)
	if err != nil || mode != gate.ModeReadOnly {
		t.Fatalf("post-feedback mode: %s %v", mode, err)
	}
	if ok, err := env.Engine.CanAccess(env.Ctx, eng.ID, "client"); err != nil || !ok {
		t.Fatalf("read access must return after feedback: %v %v", ok, err)
	}

	if _, err := env.Engine.SubmitFeedback(env.Ctx, engine.FeedbackOptions{
		EngagementID: eng.ID, ActorID: "client", Rating: 5,
	}); err == nil {
		t.Fatalf("duplicate feedback must be rejected")
	}
}

func TestMessagingClosesPermanently(t *testing.T) {
	env := newTestEnv(t)
	eng := mustCreate(t, env, "client-1")
	if ok, err := env.Engine.IsMessagingAllowed(env.Ctx, eng.ID); err != nil || !ok {
		t.Fatalf("messaging should start open: %v %v", ok, err)
	}
	mustProgress(t, env, eng.ID, 90)
	mustProgress(t, env, eng.ID, 100)
	if ok, err := env.Engine.IsMessagingAllowed(env.Ctx, eng.ID); err != nil || ok {
		t.Fatalf("messaging must close on completion: %v %v", ok, err)
	}
}

func TestStallDetection(t *testing.T) {
	env := newTestEnv(t)
	stale := mustCreate(t, env, "client-stale")

	env.Advance(10 * 24 * time.Hour)
	mustCreate(t, env, "client-fresh")
	finished := mustCreate(t, env, "client-finished")
	mustProgress(t, env, finished.ID, 90)
	mustProgress(t, env, finished.ID, 100)

	stalled, err := env.Engine.FindStalled(env.Ctx, 7)
	if err != nil {
		t.Fatalf("find stalled: %v", err)
	}
	if len(stalled) != 1 || stalled[0].EngagementID != stale.ID {
		t.Fatalf("expected only the stale engagement, got %+v", stalled)
	}
	if stalled[0].CurrentMilestone != 10 || stalled[0].HistoryCount != 1 {
		t.Fatalf("unexpected stall row: %+v", stalled[0])
	}

	// Zero threshold falls back to the configured 7 days.
	fallback, err := env.Engine.FindStalled(env.Ctx, 0)
	if err != nil {
		t.Fatalf("find stalled default: %v", err)
	}
	if len(fallback) != 1 {
		t.Fatalf("expected fallback threshold to match, got %+v", fallback)
	}

	// A wide threshold clears the report.
	none, err := env.Engine.FindStalled(env.Ctx, 30)
	if err != nil {
		t.Fatal(err)
	}
	if len(none) != 0 {
		t.Fatalf("expected no stalls within 30 days, got %+v", none)
	}
}

func TestAnalytics(t *testing.T) {
	env := newTestEnv(t)
	eng := mustCreate(t, env, "client-1")
	env.Advance(time.Hour)
	mustProgress(t, env, eng.ID, 50)
	env.Advance(time.Hour)

	a, err := env.Engine.GetAnalytics(env.Ctx, eng.ID)
	if err != nil {
		t.Fatalf("analytics: %v", err)
	}
	if a.TotalSeconds != 2*3600 {
		t.Fatalf("total seconds: got %d", a.TotalSeconds)
	}
	if len(a.Timeline) != 2 {
		t.Fatalf("timeline length: got %d", len(a.Timeline))
	}
	if !a.Timeline[1].Open || a.Timeline[1].Seconds != 3600 {
		t.Fatalf("open tail: %+v", a.Timeline[1])
	}
	if a.Timeline[0].Label != "Engagement created" {
		t.Fatalf("label: %q", a.Timeline[0].Label)
	}

	env.Advance(time.Hour)
	mustProgress(t, env, eng.ID, 90)
	mustProgress(t, env, eng.ID, 100)
	a, err = env.Engine.GetAnalytics(env.Ctx, eng.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !a.Completed {
		t.Fatalf("expected completed analytics")
	}
	// TotalSeconds freezes at completion time.
	if a.TotalSeconds != 3*3600 {
		t.Fatalf("completed total: got %d", a.TotalSeconds)
	}
}

func TestRollbackLeavesNoTrace(t *testing.T) {
	env := newTestEnv(t)
	now := env.now.UTC().Format(time.RFC3339)
	eng := domain.Engagement{
		ID:               "rollback-1",
		ClientID:         "client-1",
		Kind:             "service-engagement",
		Title:            "Doomed",
		CurrentMilestone: 10,
		MessagingAllowed: true,
		Active:           true,
		StartedAt:        now,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	tx, err := env.Engine.DB.BeginTx(env.Ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := env.Engine.Repo.InsertEngagementTx(env.Ctx, tx, eng); err != nil {
		t.Fatalf("insert in tx: %v", err)
	}
	if _, err := env.Engine.Ledger.AppendTx(env.Ctx, tx, domain.ProgressEntry{
		EngagementID: eng.ID,
		Kind:         ledger.KindCreated,
		ActorID:      "tester",
		FromValue:    10,
		ToValue:      10,
		CreatedAt:    now,
	}); err != nil {
		t.Fatalf("append in tx: %v", err)
	}
	if err := tx.Rollback(); err != nil {
		t.Fatalf("rollback: %v", err)
	}
	if _, err := env.Engine.GetEngagement(env.Ctx, eng.ID); err == nil {
		t.Fatalf("engagement must not survive rollback")
	}
	entries, err := env.Engine.Ledger.Entries(env.Ctx, eng.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Fatalf("ledger entries must not survive rollback: %+v", entries)
	}
}
