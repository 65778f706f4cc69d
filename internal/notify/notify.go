// Package notify delivers engagement lifecycle events to external sinks.
// Delivery is best-effort and never blocks or rolls back a progress commit.
package notify

import (
	"context"
	"log"

	"milemark/internal/domain"
)

// LogNotifier records completions on the process log. It is the default sink
// when no webhooks are configured.
type LogNotifier struct{}

func (LogNotifier) EngagementCompleted(_ context.Context, e domain.Engagement) error {
	log.Printf("engagement %s completed at milestone %d (client %s)", e.ID, e.CurrentMilestone, e.ClientID)
	return nil
}
