package scoring

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskflow/internal/domain"
)

var now = time.Date(2026, 6, 15, 12, 0, 0, 0, time.FixedZone("JST", 9*3600))

func ptr(t time.Time) *time.Time { return &t }

func overdueTask() domain.TaskSnapshot {
	return domain.TaskSnapshot{
		ID:       "t1",
		Status:   domain.StatusApproved,
		DueDate:  ptr(now.Add(-48 * time.Hour)),
		Assignee: "worker@example.com",
	}
}

func TestOverduePoints(t *testing.T) {
	due := now.Add(-48 * time.Hour)
	tests := []struct {
		name   string
		mutate func(*domain.TaskSnapshot)
		want   int
	}{
		{"overdue approved", func(*domain.TaskSnapshot) {}, 1},
		{"request before due", func(s *domain.TaskSnapshot) {
			s.CompletionStatus = domain.CompletionRequested
			s.CompletionRequestedAt = ptr(due.Add(-time.Hour))
		}, 0},
		{"request exactly at due", func(s *domain.TaskSnapshot) {
			s.CompletionStatus = domain.CompletionRequested
			s.CompletionRequestedAt = ptr(due)
		}, 0},
		{"request after due", func(s *domain.TaskSnapshot) {
			s.CompletionStatus = domain.CompletionRequested
			s.CompletionRequestedAt = ptr(due.Add(time.Hour))
		}, 1},
		{"approved late completion stays penalized", func(s *domain.TaskSnapshot) {
			s.CompletionStatus = domain.CompletionApproved
			s.CompletionRequestedAt = ptr(due.Add(time.Hour))
		}, 1},
		{"pending task", func(s *domain.TaskSnapshot) { s.Status = domain.StatusPending }, 0},
		{"rejected task", func(s *domain.TaskSnapshot) { s.Status = domain.StatusRejected }, 0},
		{"due in future", func(s *domain.TaskSnapshot) { s.DueDate = ptr(now.Add(time.Hour)) }, 0},
		{"no due date", func(s *domain.TaskSnapshot) { s.DueDate = nil }, 0},
		{"timestamp without pipeline status", func(s *domain.TaskSnapshot) {
			s.CompletionRequestedAt = ptr(due.Add(-time.Hour))
		}, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			snap := overdueTask()
			tt.mutate(&snap)
			got := OverduePoints(snap, now)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, got, OverduePoints(snap, now), "recomputation is idempotent")
		})
	}
}

func TestBuildRecord(t *testing.T) {
	snap := overdueTask()
	snap.Title = "report"
	rec := BuildRecord(snap, domain.StageOverdue, now)
	assert.Equal(t, "t1", rec.TaskID)
	assert.Equal(t, "report", rec.Title)
	assert.Equal(t, domain.StageOverdue, rec.ReminderStage)
	assert.Equal(t, 1, rec.OverduePoints)
	assert.True(t, rec.LastSyncedAt.Equal(now))
}

func TestSummariesScenario(t *testing.T) {
	oneDay := now.Add(24 * time.Hour)
	records := []domain.TaskMetricsRecord{
		{TaskID: "a", Assignee: "worker@example.com", Status: domain.StatusApproved, DueDate: ptr(oneDay)},
		{TaskID: "b", Assignee: "worker@example.com", Status: domain.StatusApproved, DueDate: ptr(now.Add(-24 * time.Hour)), OverduePoints: 2},
		{TaskID: "c", Assignee: "worker@example.com", Status: domain.StatusApproved, DueDate: ptr(now.Add(240 * time.Hour))},
	}
	out := BuildSummaries(records, now)
	require.Len(t, out, 1)
	s := out[0]
	assert.Equal(t, "worker@example.com", s.Assignee)
	assert.Equal(t, 3, s.TotalTasks)
	assert.Equal(t, 1, s.OverdueTasks)
	assert.Equal(t, 1, s.DueWithinThreeDays)
	assert.Equal(t, 2, s.TotalOverduePoints)
	require.NotNil(t, s.NextDueDate)
	assert.True(t, s.NextDueDate.Equal(oneDay))
	assert.True(t, s.LastCalculatedAt.Equal(now))
}

func TestSummariesCompletionAndUnassigned(t *testing.T) {
	records := []domain.TaskMetricsRecord{
		{TaskID: "a", Assignee: "x@example.com", Status: domain.StatusApproved, CompletionStatus: domain.CompletionApproved, DueDate: ptr(now.Add(-time.Hour))},
		{TaskID: "b", Assignee: "x@example.com", Status: domain.StatusCompleted, DueDate: ptr(now.Add(time.Hour))},
		{TaskID: "c", Assignee: "x@example.com", Status: domain.StatusApproved, DueDate: ptr(now)},
		{TaskID: "d", Assignee: "", Status: domain.StatusApproved, DueDate: ptr(now.Add(-time.Hour)), OverduePoints: 1},
		{TaskID: "e", Assignee: "a@example.com", Status: domain.StatusApproved},
	}
	out := BuildSummaries(records, now)
	require.Len(t, out, 2)
	assert.Equal(t, "a@example.com", out[0].Assignee)
	assert.Equal(t, 1, out[0].TotalTasks)
	assert.Nil(t, out[0].NextDueDate)

	x := out[1]
	assert.Equal(t, 3, x.TotalTasks)
	assert.Equal(t, 0, x.OverdueTasks)
	assert.Equal(t, 1, x.DueWithinThreeDays, "due exactly now counts as due soon")
	require.NotNil(t, x.NextDueDate)
	assert.True(t, x.NextDueDate.Equal(now))
	for _, s := range out {
		assert.NotEqual(t, domain.UnassignedBucket, s.Assignee)
	}
}

func TestSummariesGroupAddressesCaseInsensitively(t *testing.T) {
	records := []domain.TaskMetricsRecord{
		{TaskID: "a", Assignee: "Worker@Example.com", Status: domain.StatusApproved, DueDate: ptr(now.Add(time.Hour))},
		{TaskID: "b", Assignee: " worker@example.com", Status: domain.StatusApproved, DueDate: ptr(now.Add(-time.Hour)), OverduePoints: 1},
	}
	out := BuildSummaries(records, now)
	require.Len(t, out, 1)
	assert.Equal(t, "worker@example.com", out[0].Assignee)
	assert.Equal(t, 2, out[0].TotalTasks)
	assert.Equal(t, 1, out[0].OverdueTasks)
}

func TestAggregatorWindow(t *testing.T) {
	records := []domain.TaskMetricsRecord{
		{TaskID: "a", Assignee: "x@example.com", Status: domain.StatusApproved, DueDate: ptr(now.Add(5 * 24 * time.Hour))},
	}
	assert.Equal(t, 0, BuildSummaries(records, now)[0].DueWithinThreeDays)
	assert.Equal(t, 1, Aggregator{DueSoonWindow: 7 * 24 * time.Hour}.Summaries(records, now)[0].DueWithinThreeDays)
}
