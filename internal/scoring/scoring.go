// Package scoring computes overdue penalty points and per-assignee summaries.
package scoring

import (
	"sort"
	"time"

	"taskflow/internal/domain"
	"taskflow/internal/identity"
)

// DefaultDueSoonWindow bounds the "due within three days" counter.
const DefaultDueSoonWindow = 72 * time.Hour

// OverduePoints returns 1 when an approved task is past due and no on-time
// completion request covers it, otherwise 0. It is a flag, not a counter, so
// recomputing it any number of times yields the same value.
func OverduePoints(snap domain.TaskSnapshot, now time.Time) int {
	if snap.Status != domain.StatusApproved {
		return 0
	}
	if snap.DueDate == nil || !now.After(*snap.DueDate) {
		return 0
	}
	if RequestedOnTime(snap) {
		return 0
	}
	return 1
}

// RequestedOnTime reports whether a completion request was filed no later
// than the due date in effect.
func RequestedOnTime(snap domain.TaskSnapshot) bool {
	if !snap.InCompletionPipeline() {
		return false
	}
	if snap.CompletionRequestedAt == nil || snap.DueDate == nil {
		return false
	}
	return !snap.CompletionRequestedAt.After(*snap.DueDate)
}

// BuildRecord projects a snapshot into its metrics record with points
// recomputed from scratch.
func BuildRecord(snap domain.TaskSnapshot, stage domain.Stage, now time.Time) domain.TaskMetricsRecord {
	return domain.TaskMetricsRecord{
		TaskID:           snap.ID,
		Title:            snap.Title,
		Assignee:         snap.Assignee,
		DueDate:          snap.DueDate,
		Status:           snap.Status,
		CompletionStatus: snap.CompletionStatus,
		ExtensionStatus:  snap.ExtensionStatus,
		ReminderStage:    stage,
		OverduePoints:    OverduePoints(snap, now),
		LastSyncedAt:     now,
	}
}

// Aggregator groups metrics records by assignee.
type Aggregator struct {
	DueSoonWindow time.Duration
}

// BuildSummaries uses the default due-soon window.
func BuildSummaries(records []domain.TaskMetricsRecord, now time.Time) []domain.AssigneeMetricsSummary {
	return Aggregator{}.Summaries(records, now)
}

// Summaries recomputes every assignee summary from the full record set,
// grouping assignees by normalized address.
// Records without an assignee are grouped under domain.UnassignedBucket and
// left out of the result. Output is sorted by assignee.
func (a Aggregator) Summaries(records []domain.TaskMetricsRecord, now time.Time) []domain.AssigneeMetricsSummary {
	window := a.DueSoonWindow
	if window <= 0 {
		window = DefaultDueSoonWindow
	}
	horizon := now.Add(window)

	groups := make(map[string]*domain.AssigneeMetricsSummary)
	for _, r := range records {
		key := identity.Normalize(r.Assignee)
		if key == "" {
			key = domain.UnassignedBucket
		}
		s, ok := groups[key]
		if !ok {
			s = &domain.AssigneeMetricsSummary{Assignee: key, LastCalculatedAt: now}
			groups[key] = s
		}
		s.TotalTasks++
		if r.OverduePoints > 0 {
			s.TotalOverduePoints += r.OverduePoints
		}
		if r.DueDate == nil || r.Completed() {
			continue
		}
		due := *r.DueDate
		if due.Before(now) {
			s.OverdueTasks++
			continue
		}
		if !due.After(horizon) {
			s.DueWithinThreeDays++
		}
		if s.NextDueDate == nil || due.Before(*s.NextDueDate) {
			d := due
			s.NextDueDate = &d
		}
	}

	out := make([]domain.AssigneeMetricsSummary, 0, len(groups))
	for key, s := range groups {
		if key == domain.UnassignedBucket {
			continue
		}
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Assignee < out[j].Assignee })
	return out
}
