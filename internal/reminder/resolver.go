// Package reminder decides which reminder stage a task is in, whether that
// stage warrants a new notification, and when pending approvals escalate.
// Everything here is pure; absence of a result is a zero value, never an error.
package reminder

import (
	"time"

	"taskflow/internal/domain"
)

// DefaultBeforeDueWindow is how far ahead of the due date a before-due
// reminder may fire.
const DefaultBeforeDueWindow = 24 * time.Hour

// Resolver maps a snapshot and a reference time to a stage.
type Resolver struct {
	BeforeDueWindow time.Duration
}

// ResolveStage uses the default before-due window.
func ResolveStage(snap domain.TaskSnapshot, now time.Time) domain.Stage {
	return Resolver{}.Resolve(snap, now)
}

// Resolve compares calendar dates in the due date's zone, which is the
// canonical zone once snapshots are loaded.
func (r Resolver) Resolve(snap domain.TaskSnapshot, now time.Time) domain.Stage {
	if snap.Status == domain.StatusPending {
		return domain.StagePendingApproval
	}
	if snap.Status != domain.StatusApproved {
		return domain.StageNone
	}
	if snap.InCompletionPipeline() {
		return domain.StageNone
	}
	if snap.DueDate == nil {
		return domain.StageNone
	}
	if snap.ExtensionStatus == domain.ExtensionRequested {
		return domain.StageNone
	}
	window := r.BeforeDueWindow
	if window <= 0 {
		window = DefaultBeforeDueWindow
	}

	due := *snap.DueDate
	local := now.In(due.Location())
	dueDay := civilDate(due)
	today := civilDate(local)
	switch {
	case dueDay.After(today):
		if due.Sub(local) <= window {
			return domain.StageBeforeDue
		}
		return domain.StageNone
	case dueDay.Equal(today):
		if !local.After(due) {
			return domain.StageDue
		}
		return domain.StageOverdue
	default:
		return domain.StageOverdue
	}
}

func civilDate(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
