// Package gate derives what a collaborator may do with an engagement from its
// completion and feedback state. Completion is a one-way door: messaging can
// never resume and the mode never returns to full.
package gate

import (
	"errors"

	"milemark/internal/domain"
)

// Mode is the derived access level for an engagement.
type Mode string

const (
	// ModeFull grants unrestricted access while the engagement is running.
	ModeFull Mode = "full"
	// ModeFeedbackRequired blocks everything except feedback submission.
	ModeFeedbackRequired Mode = "feedback-required"
	// ModeReadOnly permits reads only; all mutating operations are rejected.
	ModeReadOnly Mode = "read-only"
)

// ErrNotCompleted rejects feedback operations against a running engagement.
var ErrNotCompleted = errors.New("engagement not completed; feedback not open yet")

// AccessError reports an operation blocked by the current mode.
type AccessError struct {
	Mode   Mode
	Reason string
}

func (e AccessError) Error() string { return e.Reason }

// For derives the access mode from the two gating bits.
func For(completed, hasFeedback bool) (Mode, string) {
	switch {
	case !completed:
		return ModeFull, "engagement in progress; full access"
	case !hasFeedback:
		return ModeFeedbackRequired, "engagement completed; submit feedback to continue"
	default:
		return ModeReadOnly, "engagement completed and feedback received; read-only"
	}
}

// CanAccess reports whether content/dashboard reads are permitted in the mode.
// Only feedback-required locks the client out of everything but feedback.
func (m Mode) CanAccess() bool {
	return m != ModeFeedbackRequired
}

// CanMutate reports whether mutating operations are permitted in the mode.
func (m Mode) CanMutate() bool {
	return m == ModeFull
}

// MessagingAllowed is strictly !completed && flag: the flag alone can never
// reopen messaging after completion.
func MessagingAllowed(e domain.Engagement) bool {
	return !e.Completed && e.MessagingAllowed
}
