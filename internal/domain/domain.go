package domain

// Engagement is a purchased service engagement moving through the milestone scale.
type Engagement struct {
	ID               string          `json:"id"`
	ClientID         string          `json:"client_id"`
	Kind             string          `json:"kind"`
	Title            string          `json:"title"`
	Description      string          `json:"description,omitempty"`
	CurrentMilestone int             `json:"current_milestone"`
	Completed        bool            `json:"completed"`
	CompletedAt      *string         `json:"completed_at,omitempty" format:"date-time"`
	MessagingAllowed bool            `json:"messaging_allowed"`
	Active           bool            `json:"active"`
	StartedAt        string          `json:"started_at" format:"date-time"`
	Progress         []ProgressBrief `json:"progress,omitempty"`
	CreatedAt        string          `json:"created_at" format:"date-time"`
	UpdatedAt        string          `json:"updated_at" format:"date-time"`
}

// ProgressBrief is the denormalized summary embedded on the engagement.
// It is a materialized view of the ledger; the ledger wins on divergence.
type ProgressBrief struct {
	ToValue   int    `json:"to_value"`
	ActorID   string `json:"actor_id"`
	Automatic bool   `json:"automatic"`
	At        string `json:"at" format:"date-time"`
}

// ProgressEntry is one immutable audit row per accepted transition.
type ProgressEntry struct {
	ID           int64   `json:"id"`
	EngagementID string  `json:"engagement_id"`
	Kind         string  `json:"kind" enum:"created,progress,completed"`
	ActorID      string  `json:"actor_id"`
	Automatic    bool    `json:"automatic"`
	FromValue    int     `json:"from_value"`
	ToValue      int     `json:"to_value"`
	PriorSeconds int64   `json:"prior_seconds"`
	Note         *string `json:"note,omitempty"`
	SnapshotJSON string  `json:"snapshot_json,omitempty"`
	CreatedAt    string  `json:"created_at" format:"date-time"`
}

// TimelineStep annotates a ledger entry with the dwell time at its milestone.
type TimelineStep struct {
	Milestone int    `json:"milestone"`
	Label     string `json:"label,omitempty"`
	ReachedAt string `json:"reached_at" format:"date-time"`
	Seconds   int64  `json:"seconds"`
	Open      bool   `json:"open,omitempty"`
}

// StalledEngagement is one row of the stall sweep.
type StalledEngagement struct {
	EngagementID     string `json:"engagement_id"`
	CurrentMilestone int    `json:"current_milestone"`
	LastActivityAt   string `json:"last_activity_at" format:"date-time"`
	HistoryCount     int    `json:"history_count"`
}

// Feedback is the post-completion record consulted by the access gate.
type Feedback struct {
	ID           string `json:"id"`
	EngagementID string `json:"engagement_id"`
	ActorID      string `json:"actor_id"`
	Rating       int    `json:"rating"`
	Comment      string `json:"comment,omitempty"`
	CreatedAt    string `json:"created_at" format:"date-time"`
}

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
