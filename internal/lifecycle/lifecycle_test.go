package lifecycle_test

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskflow/internal/domain"
	"taskflow/internal/lifecycle"
	"taskflow/internal/reminder"
)

var (
	jst  = time.FixedZone("JST", 9*3600)
	now  = time.Date(2026, 3, 10, 12, 0, 0, 0, jst)
	due  = time.Date(2026, 3, 12, 18, 0, 0, 0, jst)
	due2 = time.Date(2026, 3, 20, 18, 0, 0, 0, jst)
)

func approvedTask() domain.TaskSnapshot {
	d := due
	return domain.TaskSnapshot{
		ID:        "t1",
		Title:     "write report",
		Status:    domain.StatusApproved,
		DueDate:   &d,
		Tracking:  domain.PerStageTracking{},
		Requester: "boss@example.com",
		Assignee:  "worker@example.com",
	}
}

func params(actor string) lifecycle.Params {
	return lifecycle.Params{Actor: actor, Now: now}
}

func requireInvalid(t *testing.T, err error, field string) lifecycle.InvalidTransition {
	t.Helper()
	var it lifecycle.InvalidTransition
	require.True(t, errors.As(err, &it), "expected InvalidTransition, got %v", err)
	assert.Equal(t, field, it.Field)
	return it
}

func TestCreateProducesPendingTask(t *testing.T) {
	d := due
	res, err := lifecycle.Create(lifecycle.NewTask{
		ID: "t1", Title: " report ", Requester: "boss@example.com", Assignee: "worker@example.com", DueDate: &d,
	}, params("boss@example.com"))
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, res.Snapshot.Status)
	assert.Equal(t, "report", res.Snapshot.Title)
	require.NotNil(t, res.Snapshot.TaskApprovalRequestedAt)
	assert.True(t, res.Snapshot.TaskApprovalRequestedAt.Equal(now))
	assert.Equal(t, lifecycle.EventTaskCreated, res.Audit.EventType)
	assert.Equal(t, domain.TrackingPerStage, res.Snapshot.Tracking.Kind())

	_, err = lifecycle.Create(lifecycle.NewTask{ID: "t2", Requester: "a@x", Assignee: "b@x"}, params("a@x"))
	requireInvalid(t, err, "title")
}

func TestApproveAndRejectTask(t *testing.T) {
	pending := approvedTask()
	pending.Status = domain.StatusPending

	res, err := lifecycle.ApproveTask(pending, params("worker@example.com"))
	require.NoError(t, err)
	assert.Equal(t, domain.StatusApproved, res.Snapshot.Status)
	assert.Equal(t, "worker@example.com", res.Audit.Actor)
	assert.True(t, res.Rescore)

	_, err = lifecycle.RejectTask(pending, params("worker@example.com"))
	requireInvalid(t, err, "rejection_reason")

	p := params("worker@example.com")
	p.Reason = "no capacity"
	res, err = lifecycle.RejectTask(pending, p)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusRejected, res.Snapshot.Status)
	assert.Equal(t, "no capacity", res.Snapshot.RejectionReason)

	_, err = lifecycle.ApproveTask(res.Snapshot, params("worker@example.com"))
	it := requireInvalid(t, err, "status")
	assert.Equal(t, "rejected", it.Actual)
	assert.Equal(t, "pending", it.Expected)
}

func TestReviseReturnsRejectedTaskToPending(t *testing.T) {
	snap := approvedTask()
	snap.Status = domain.StatusRejected
	snap.RejectionReason = "too vague"
	snap.ReminderStage = domain.StagePendingApproval

	p := params("boss@example.com")
	d := due2
	p.DueDate = &d
	res, err := lifecycle.ReviseTask(snap, p)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, res.Snapshot.Status)
	assert.Empty(t, res.Snapshot.RejectionReason)
	assert.True(t, res.Snapshot.DueDate.Equal(due2))
	assert.Equal(t, domain.StageNone, res.Snapshot.ReminderStage)
}

func TestCompletionFlow(t *testing.T) {
	snap := approvedTask()
	snap.ReminderStage = domain.StageDue

	res, err := lifecycle.RequestCompletion(snap, params("worker@example.com"))
	require.NoError(t, err)
	snap = res.Snapshot
	assert.Equal(t, domain.CompletionRequested, snap.CompletionStatus)
	require.NotNil(t, snap.CompletionRequestedAt)
	assert.True(t, snap.Tracking.Read(domain.StageDue, snap.ReminderStage), "request acknowledges the due reminder")

	_, err = lifecycle.RequestCompletion(snap, params("worker@example.com"))
	requireInvalid(t, err, "completion_status")

	res, err = lifecycle.ApproveCompletion(snap, params("boss@example.com"))
	require.NoError(t, err)
	assert.Equal(t, domain.CompletionApproved, res.Snapshot.CompletionStatus)
	assert.True(t, res.Snapshot.Completed())

	_, err = lifecycle.ApproveCompletion(res.Snapshot, params("boss@example.com"))
	it := requireInvalid(t, err, "completion_status")
	assert.Equal(t, "approved", it.Actual)
	assert.Equal(t, "requested", it.Expected)
}

func TestApproveCompletionWithoutRequestFails(t *testing.T) {
	_, err := lifecycle.ApproveCompletion(approvedTask(), params("boss@example.com"))
	it := requireInvalid(t, err, "completion_status")
	assert.Equal(t, "none", it.Actual)
	assert.Equal(t, lifecycle.KindApproveCompletion, it.Transition)
	assert.Contains(t, err.Error(), "approve_completion")
}

func TestLateCompletionRequiresNote(t *testing.T) {
	snap := approvedTask()
	p := params("worker@example.com")
	p.Now = due.Add(48 * time.Hour)

	_, err := lifecycle.RequestCompletion(snap, p)
	requireInvalid(t, err, "completion_note")

	p.Note = "blocked on vendor"
	res, err := lifecycle.RequestCompletion(snap, p)
	require.NoError(t, err)
	assert.Equal(t, "blocked on vendor", res.Snapshot.CompletionNote)
	assert.Contains(t, res.Audit.Detail, "after due date")
}

func TestRejectCompletionReopensDueDate(t *testing.T) {
	snap := approvedTask()
	res, err := lifecycle.RequestCompletion(snap, params("worker@example.com"))
	require.NoError(t, err)
	snap = res.Snapshot
	snap.ReminderStage = domain.StageDue

	p := params("boss@example.com")
	p.Reason = "missing appendix"
	_, err = lifecycle.RejectCompletion(snap, p)
	requireInvalid(t, err, "due_date")

	d := due2
	p.DueDate = &d
	res, err = lifecycle.RejectCompletion(snap, p)
	require.NoError(t, err)
	assert.Equal(t, domain.CompletionNone, res.Snapshot.CompletionStatus)
	assert.Nil(t, res.Snapshot.CompletionRequestedAt)
	assert.True(t, res.Snapshot.DueDate.Equal(due2))
	assert.Equal(t, domain.StageNone, res.Snapshot.ReminderStage)
	assert.Equal(t, lifecycle.EventCompletionRejected, res.Audit.EventType)
	assert.True(t, res.Rescore)
}

func TestExtensionFlow(t *testing.T) {
	snap := approvedTask()
	p := params("worker@example.com")
	d := due2
	p.DueDate = &d
	p.Reason = "scope grew"

	res, err := lifecycle.RequestExtension(snap, p)
	require.NoError(t, err)
	pending := res.Snapshot
	assert.Equal(t, domain.ExtensionRequested, pending.ExtensionStatus)
	assert.True(t, pending.DueDate.Equal(due), "due date unchanged until approval")

	_, err = lifecycle.RequestExtension(pending, p)
	requireInvalid(t, err, "extension_status")
	_, err = lifecycle.RequestCompletion(pending, params("worker@example.com"))
	requireInvalid(t, err, "extension_status")

	approved, err := lifecycle.ApproveExtension(pending, params("boss@example.com"))
	require.NoError(t, err)
	assert.True(t, approved.Snapshot.DueDate.Equal(due2))
	assert.Equal(t, domain.ExtensionNone, approved.Snapshot.ExtensionStatus)
	assert.Nil(t, approved.Snapshot.ExtensionRequestedDue)

	rejected, err := lifecycle.RejectExtension(pending, params("boss@example.com"))
	require.NoError(t, err)
	assert.True(t, rejected.Snapshot.DueDate.Equal(due))
	assert.Equal(t, domain.ExtensionNone, rejected.Snapshot.ExtensionStatus)

	_, err = lifecycle.RejectExtension(snap, params("boss@example.com"))
	requireInvalid(t, err, "extension_status")
}

func TestReminderBookkeeping(t *testing.T) {
	snap := approvedTask()

	_, err := lifecycle.MarkReminderRead(snap, params("worker@example.com"))
	requireInvalid(t, err, "reminder_stage")

	p := params("system")
	p.Stage = domain.StageDue
	res, err := lifecycle.RecordReminder(snap, p)
	require.NoError(t, err)
	assert.Equal(t, domain.StageDue, res.Snapshot.ReminderStage)
	assert.False(t, res.Rescore)

	read, err := lifecycle.MarkReminderRead(res.Snapshot, params("worker@example.com"))
	require.NoError(t, err)
	assert.True(t, read.Snapshot.Tracking.Read(domain.StageDue, domain.StageDue))
	assert.False(t, read.Snapshot.Tracking.Read(domain.StageOverdue, domain.StageDue))

	_, err = lifecycle.RecordApprovalReminder(snap, params("system"))
	requireInvalid(t, err, "status")

	snap.Status = domain.StatusPending
	res, err = lifecycle.RecordApprovalReminder(snap, params("system"))
	require.NoError(t, err)
	require.NotNil(t, res.Snapshot.ApprovalReminderLastSentAt)
}

func TestLegacyReadOfEarlierStageKeepsOverdueReminders(t *testing.T) {
	snap := approvedTask()
	snap.Tracking = domain.LegacyTracking{}
	snap.ReminderStage = domain.StageOverdue
	later := due.Add(48 * time.Hour)

	p := params("worker@example.com")
	p.Stage = domain.StageDue
	stale, err := lifecycle.MarkReminderRead(snap, p)
	require.NoError(t, err)
	assert.Equal(t, domain.StageOverdue, stale.Snapshot.ReminderStage)
	assert.True(t, reminder.ShouldNotify(domain.StageOverdue, stale.Snapshot))
	assert.Equal(t, reminder.Decision{Stage: domain.StageOverdue, Notify: true},
		reminder.Resolver{}.Decide(stale.Snapshot, later))

	read, err := lifecycle.MarkReminderRead(stale.Snapshot, params("worker@example.com"))
	require.NoError(t, err)
	assert.False(t, reminder.ShouldNotify(domain.StageOverdue, read.Snapshot))
}

func TestApplyDispatchesAndLeavesInputUntouched(t *testing.T) {
	snap := approvedTask()
	p := params("worker@example.com")
	d := due2
	p.DueDate = &d
	p.Reason = "more time"

	res, err := lifecycle.Apply(lifecycle.KindRequestExtension, snap, p)
	require.NoError(t, err)
	assert.Equal(t, domain.ExtensionRequested, res.Snapshot.ExtensionStatus)
	assert.Equal(t, domain.ExtensionNone, snap.ExtensionStatus)

	_, err = lifecycle.Apply(lifecycle.Kind("bogus"), snap, p)
	require.Error(t, err)
}
