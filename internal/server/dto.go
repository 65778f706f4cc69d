package server

import (
	"milemark/internal/domain"
	"milemark/internal/engine"
)

// Request payloads

type CreateEngagementRequest struct {
	ID          *string `json:"id,omitempty"`
	ClientID    string  `json:"client_id"`
	Title       string  `json:"title"`
	Description *string `json:"description,omitempty"`
}

type UpdateProgressRequest struct {
	Value     int     `json:"value" minimum:"0"`
	Note      *string `json:"note,omitempty"`
	Automatic bool    `json:"automatic,omitempty"`
}

type SubmitFeedbackRequest struct {
	Rating  int     `json:"rating" minimum:"1" maximum:"5"`
	Comment *string `json:"comment,omitempty"`
}

type CreateKeyRequest struct {
	ActorID string  `json:"actor_id"`
	Name    *string `json:"name,omitempty"`
}

// Response payloads

type MilestoneResponse struct {
	Value       int    `json:"value"`
	Label       string `json:"label"`
	Description string `json:"description,omitempty"`
	Automatic   bool   `json:"automatic"`
	Next        []int  `json:"next,omitempty"`
}

type AccessModeResponse struct {
	EngagementID string `json:"engagement_id"`
	Mode         string `json:"mode" enum:"full,feedback-required,read-only"`
	Reason       string `json:"reason"`
	CanAccess    bool   `json:"can_access"`
}

type MessagingResponse struct {
	EngagementID     string `json:"engagement_id"`
	MessagingAllowed bool   `json:"messaging_allowed"`
}

type CreatedKeyResponse struct {
	ID      string `json:"id"`
	ActorID string `json:"actor_id"`
	Name    string `json:"name,omitempty"`
	Key     string `json:"key"`
}

// Output envelopes

type engagementOutput struct {
	Body domain.Engagement
}

type engagementListOutput struct {
	Body struct {
		Items      []domain.Engagement `json:"items"`
		NextCursor string              `json:"next_cursor,omitempty"`
	}
}

type historyOutput struct {
	Body struct {
		Items []domain.ProgressEntry `json:"items"`
	}
}

type timelineOutput struct {
	Body struct {
		Items []domain.TimelineStep `json:"items"`
	}
}

type analyticsOutput struct {
	Body engine.Analytics
}

type accessOutput struct {
	Body AccessModeResponse
}

type messagingOutput struct {
	Body MessagingResponse
}

type feedbackOutput struct {
	Body domain.Feedback
}

type stalledOutput struct {
	Body struct {
		Items []domain.StalledEngagement `json:"items"`
	}
}

type milestonesOutput struct {
	Body struct {
		Items []MilestoneResponse `json:"items"`
	}
}

type keyListOutput struct {
	Body struct {
		Items []domain.APIKey `json:"items"`
	}
}

type createdKeyOutput struct {
	Body CreatedKeyResponse
}
