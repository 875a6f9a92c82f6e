package reminder

import (
	"time"

	"taskflow/internal/domain"
)

// Decision is the outcome of resolving and deduplicating one snapshot.
type Decision struct {
	Stage  domain.Stage
	Notify bool
}

// ShouldNotify applies the dedup policy to an already resolved stage.
//
// before_due fires once. due and overdue repeat on every pass until the
// stage is acknowledged; entering overdue always fires at least once, even
// when the due reminder was read. Any other stage fires on transition only.
func ShouldNotify(stage domain.Stage, snap domain.TaskSnapshot) bool {
	switch stage {
	case domain.StageNone:
		return false
	case domain.StageBeforeDue:
		return snap.ReminderStage != domain.StageBeforeDue
	case domain.StageDue, domain.StageOverdue:
		if snap.ReminderStage != stage {
			return true
		}
		return !domain.TrackingOrDefault(snap.Tracking).Read(stage, snap.ReminderStage)
	default:
		return snap.ReminderStage != stage
	}
}

// Decide resolves the stage and applies the dedup policy.
func (r Resolver) Decide(snap domain.TaskSnapshot, now time.Time) Decision {
	stage := r.Resolve(snap, now)
	return Decision{Stage: stage, Notify: ShouldNotify(stage, snap)}
}
