package reminder

import (
	"time"

	"taskflow/internal/domain"
)

// DefaultEscalationInterval is both the first escalation delay and the gap
// between later ones.
const DefaultEscalationInterval = 6 * time.Hour

// ApprovalKind names the decision a task is waiting on.
type ApprovalKind string

const (
	ApprovalTask       ApprovalKind = "task_approval"
	ApprovalCompletion ApprovalKind = "completion_approval"
	ApprovalExtension  ApprovalKind = "extension_approval"
)

// Escalation describes an approval reminder that is due.
type Escalation struct {
	Kind        ApprovalKind
	RequestedAt time.Time
	// Since is the instant the waiting time is measured from: the later of
	// the request and the last approval reminder.
	Since   time.Time
	Waiting time.Duration
}

// AwaitingApproval reports which decision, if any, the task is waiting on.
// Task approval takes precedence over completion, then extension.
func AwaitingApproval(snap domain.TaskSnapshot) (ApprovalKind, *time.Time, bool) {
	switch {
	case snap.Status == domain.StatusPending:
		return ApprovalTask, snap.TaskApprovalRequestedAt, true
	case snap.Status != domain.StatusApproved:
		return "", nil, false
	case snap.CompletionStatus == domain.CompletionRequested:
		return ApprovalCompletion, snap.CompletionRequestedAt, true
	case snap.ExtensionStatus == domain.ExtensionRequested:
		return ApprovalExtension, snap.ExtensionRequestedAt, true
	}
	return "", nil, false
}

// Escalator decides when a pending approval needs another reminder.
type Escalator struct {
	Interval time.Duration
}

// Due reports whether an escalation reminder should fire at now.
func (e Escalator) Due(snap domain.TaskSnapshot, now time.Time) (Escalation, bool) {
	interval := e.Interval
	if interval <= 0 {
		interval = DefaultEscalationInterval
	}
	kind, requestedAt, ok := AwaitingApproval(snap)
	if !ok {
		return Escalation{}, false
	}
	var since time.Time
	if requestedAt != nil {
		since = *requestedAt
	}
	if last := snap.ApprovalReminderLastSentAt; last != nil && last.After(since) {
		since = *last
	}
	if since.IsZero() {
		return Escalation{}, false
	}
	waiting := now.Sub(since)
	if waiting < interval {
		return Escalation{}, false
	}
	esc := Escalation{Kind: kind, Since: since, Waiting: waiting}
	if requestedAt != nil {
		esc.RequestedAt = *requestedAt
	}
	return esc, true
}
