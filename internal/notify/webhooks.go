package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"milemark/internal/config"
	"milemark/internal/domain"
	"milemark/internal/engine"
	"milemark/internal/ledger"
)

const (
	defaultDispatchInterval = 2 * time.Second
	defaultDispatchTimeout  = 5 * time.Second
	defaultDispatchBatch    = 100
	defaultSweepInterval    = time.Hour
)

// Event types delivered to webhook sinks.
const (
	EventCreated   = "engagement.created"
	EventProgress  = "progress.updated"
	EventCompleted = "engagement.completed"
	EventStalled   = "engagement.stalled"
)

// Dispatcher tails the progress ledger and posts entries to configured
// webhooks, keeping an independent cursor per hook.
type Dispatcher struct {
	engine   engine.Engine
	webhooks []config.WebhookConfig
	client   *http.Client
	mu       sync.Mutex
	cursors  map[int]int64
}

// StartDispatcher launches the ledger follower when webhooks are configured.
func StartDispatcher(e engine.Engine) {
	if e.Config == nil || len(e.Config.Webhooks) == 0 {
		return
	}
	d := &Dispatcher{
		engine:   e,
		webhooks: e.Config.Webhooks,
		client:   &http.Client{Timeout: defaultDispatchTimeout},
		cursors:  make(map[int]int64),
	}
	go d.run()
}

func (d *Dispatcher) run() {
	ticker := time.NewTicker(defaultDispatchInterval)
	defer ticker.Stop()
	for {
		d.dispatchAll()
		<-ticker.C
	}
}

func (d *Dispatcher) dispatchAll() {
	for i, hook := range d.webhooks {
		if hook.Enabled != nil && !*hook.Enabled {
			continue
		}
		if strings.TrimSpace(hook.URL) == "" {
			continue
		}
		d.dispatchWebhook(i, hook)
	}
}

func (d *Dispatcher) dispatchWebhook(idx int, hook config.WebhookConfig) {
	ctx := context.Background()
	cursor := d.cursorFor(idx)
	entries, err := d.engine.Ledger.EntriesAfter(ctx, defaultDispatchBatch, cursor)
	if err != nil {
		log.Printf("webhook: fetch ledger entries failed: %v", err)
		return
	}
	if len(entries) == 0 {
		return
	}
	filter := newEventFilter(hook.Events)
	for _, entry := range entries {
		evtType := eventTypeFor(entry.Kind)
		if !filter.match(evtType) {
			d.setCursor(idx, entry.ID)
			continue
		}
		if err := d.postEntry(ctx, hook, evtType, entry); err != nil {
			log.Printf("webhook: deliver to %s failed: %v", hook.URL, err)
			return
		}
		d.setCursor(idx, entry.ID)
	}
}

func eventTypeFor(kind string) string {
	switch kind {
	case ledger.KindCreated:
		return EventCreated
	case ledger.KindCompleted:
		return EventCompleted
	default:
		return EventProgress
	}
}

func (d *Dispatcher) cursorFor(idx int) int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	if cur, ok := d.cursors[idx]; ok {
		return cur
	}
	cur, err := d.engine.Ledger.LatestEntryID(context.Background())
	if err != nil {
		log.Printf("webhook: init cursor failed: %v", err)
		cur = 0
	}
	d.cursors[idx] = cur
	return cur
}

func (d *Dispatcher) setCursor(idx int, value int64) {
	d.mu.Lock()
	d.cursors[idx] = value
	d.mu.Unlock()
}

type webhookEvent struct {
	ID           int64  `json:"id"`
	Type         string `json:"type"`
	EngagementID string `json:"engagement_id"`
	ActorID      string `json:"actor_id"`
	Automatic    bool   `json:"automatic"`
	FromValue    int    `json:"from_value"`
	ToValue      int    `json:"to_value"`
	Note         string `json:"note,omitempty"`
	TS           string `json:"ts"`
}

func (d *Dispatcher) postEntry(ctx context.Context, hook config.WebhookConfig, evtType string, entry domain.ProgressEntry) error {
	body := webhookEvent{
		ID:           entry.ID,
		Type:         evtType,
		EngagementID: entry.EngagementID,
		ActorID:      entry.ActorID,
		Automatic:    entry.Automatic,
		FromValue:    entry.FromValue,
		ToValue:      entry.ToValue,
		TS:           entry.CreatedAt,
	}
	if entry.Note != nil {
		body.Note = *entry.Note
	}
	return postJSON(ctx, d.client, hook, evtType, fmt.Sprintf("%d", entry.ID), body)
}

func postJSON(ctx context.Context, base *http.Client, hook config.WebhookConfig, evtType, delivery string, body any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	timeout := defaultDispatchTimeout
	if hook.TimeoutSeconds > 0 {
		timeout = time.Duration(hook.TimeoutSeconds) * time.Second
	}
	client := base
	if timeout != base.Timeout {
		client = &http.Client{Timeout: timeout}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hook.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Milemark-Event", evtType)
	req.Header.Set("X-Milemark-Delivery", delivery)
	if strings.TrimSpace(hook.Secret) != "" {
		req.Header.Set("X-Milemark-Secret", hook.Secret)
	}
	res, err := client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		bodyBytes, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(bodyBytes)))
	}
	return nil
}

type eventFilter struct {
	all bool
	set map[string]struct{}
}

func newEventFilter(events []string) eventFilter {
	if len(events) == 0 {
		return eventFilter{all: true}
	}
	set := make(map[string]struct{}, len(events))
	for _, evt := range events {
		key := strings.TrimSpace(evt)
		if key == "" {
			continue
		}
		set[key] = struct{}{}
	}
	if len(set) == 0 {
		return eventFilter{all: true}
	}
	return eventFilter{set: set}
}

func (f eventFilter) match(evt string) bool {
	if f.all {
		return true
	}
	_, ok := f.set[evt]
	return ok
}
