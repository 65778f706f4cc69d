package notify

import (
	"context"
	"log"
	"net/http"
	"strings"
	"time"

	"milemark/internal/domain"
	"milemark/internal/engine"
)

// Sweeper periodically runs the stall detector and posts stalled engagements
// to webhooks subscribed to engagement.stalled. Each stall is reported once
// per engagement per sweep cycle; the sweep itself never mutates state.
type Sweeper struct {
	engine   engine.Engine
	client   *http.Client
	interval time.Duration
	reported map[string]string
}

// StartSweeper launches the periodic stall sweep when any webhook subscribes
// to stall events.
func StartSweeper(e engine.Engine) {
	if e.Config == nil {
		return
	}
	subscribed := false
	for _, hook := range e.Config.Webhooks {
		if newEventFilter(hook.Events).match(EventStalled) {
			subscribed = true
			break
		}
	}
	if !subscribed {
		return
	}
	s := &Sweeper{
		engine:   e,
		client:   &http.Client{Timeout: defaultDispatchTimeout},
		interval: defaultSweepInterval,
		reported: make(map[string]string),
	}
	go s.run()
}

func (s *Sweeper) run() {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		s.sweep()
		<-ticker.C
	}
}

func (s *Sweeper) sweep() {
	ctx := context.Background()
	stalled, err := s.engine.FindStalled(ctx, 0)
	if err != nil {
		log.Printf("stall sweep failed: %v", err)
		return
	}
	for _, item := range stalled {
		// Skip engagements already reported for this activity timestamp.
		if s.reported[item.EngagementID] == item.LastActivityAt {
			continue
		}
		if s.post(ctx, item) {
			s.reported[item.EngagementID] = item.LastActivityAt
		}
	}
}

type stallEvent struct {
	Type             string `json:"type"`
	EngagementID     string `json:"engagement_id"`
	CurrentMilestone int    `json:"current_milestone"`
	LastActivityAt   string `json:"last_activity_at"`
	HistoryCount     int    `json:"history_count"`
}

func (s *Sweeper) post(ctx context.Context, item domain.StalledEngagement) bool {
	delivered := false
	for _, hook := range s.engine.Config.Webhooks {
		if hook.Enabled != nil && !*hook.Enabled {
			continue
		}
		if strings.TrimSpace(hook.URL) == "" {
			continue
		}
		if !newEventFilter(hook.Events).match(EventStalled) {
			continue
		}
		body := stallEvent{
			Type:             EventStalled,
			EngagementID:     item.EngagementID,
			CurrentMilestone: item.CurrentMilestone,
			LastActivityAt:   item.LastActivityAt,
			HistoryCount:     item.HistoryCount,
		}
		if err := postJSON(ctx, s.client, hook, EventStalled, item.EngagementID, body); err != nil {
			log.Printf("stall webhook: deliver to %s failed: %v", hook.URL, err)
			continue
		}
		delivered = true
	}
	return delivered
}
