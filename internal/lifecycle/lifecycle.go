// Package lifecycle holds the task state machine. Every transition is a pure
// function from the current snapshot to the next one plus the audit entry
// the caller must persist with it. Nothing here touches storage or recomputes
// overdue points; callers do that when Result.Rescore is set.
package lifecycle

import (
	"fmt"
	"strings"
	"time"

	"taskflow/internal/domain"
)

// Kind names a transition.
type Kind string

const (
	KindCreateTask             Kind = "create_task"
	KindApproveTask            Kind = "approve_task"
	KindRejectTask             Kind = "reject_task"
	KindReviseTask             Kind = "revise_task"
	KindRequestCompletion      Kind = "request_completion"
	KindApproveCompletion      Kind = "approve_completion"
	KindRejectCompletion       Kind = "reject_completion"
	KindRequestExtension       Kind = "request_extension"
	KindApproveExtension       Kind = "approve_extension"
	KindRejectExtension        Kind = "reject_extension"
	KindMarkReminderRead       Kind = "mark_reminder_read"
	KindRecordReminder         Kind = "record_reminder"
	KindRecordApprovalReminder Kind = "record_approval_reminder"
)

// Audit event types.
const (
	EventTaskCreated          = "task_created"
	EventTaskApproved         = "task_approved"
	EventTaskRejected         = "task_rejected"
	EventTaskRevised          = "task_revised"
	EventCompletionRequested  = "completion_requested"
	EventCompletionApproved   = "completion_approved"
	EventCompletionRejected   = "completion_rejected"
	EventExtensionRequested   = "extension_requested"
	EventExtensionApproved    = "extension_approved"
	EventExtensionRejected    = "extension_rejected"
	EventReminderRead         = "reminder_read"
	EventReminderSent         = "reminder_sent"
	EventApprovalReminderSent = "approval_reminder_sent"
)

// Params carries the transition-specific inputs. Unused fields are ignored.
type Params struct {
	Actor   string
	Now     time.Time
	Reason  string
	Note    string
	DueDate *time.Time
	Stage   domain.Stage
}

// Result is the next snapshot and the audit entry describing the change.
// Rescore is set when due date, status or a sub-status changed.
type Result struct {
	Snapshot domain.TaskSnapshot
	Audit    domain.AuditEntry
	Rescore  bool
}

// NewTask describes a task to create.
type NewTask struct {
	ID          string
	Title       string
	Description string
	Requester   string
	Assignee    string
	DueDate     *time.Time
}

// Create builds the initial pending snapshot of a task.
func Create(t NewTask, p Params) (Result, error) {
	switch {
	case strings.TrimSpace(t.ID) == "":
		return Result{}, invalid(KindCreateTask, "id", "", "non-empty id")
	case strings.TrimSpace(t.Title) == "":
		return Result{}, invalid(KindCreateTask, "title", "", "non-empty title")
	case strings.TrimSpace(t.Requester) == "":
		return Result{}, invalid(KindCreateTask, "requester", "", "requester address")
	case strings.TrimSpace(t.Assignee) == "":
		return Result{}, invalid(KindCreateTask, "assignee", "", "assignee address")
	}
	snap := domain.TaskSnapshot{
		ID:                      t.ID,
		Title:                   strings.TrimSpace(t.Title),
		Description:             t.Description,
		Status:                  domain.StatusPending,
		DueDate:                 t.DueDate,
		TaskApprovalRequestedAt: at(p.Now),
		Tracking:                domain.PerStageTracking{},
		Requester:               t.Requester,
		Assignee:                t.Assignee,
		CreatedAt:               p.Now,
		UpdatedAt:               p.Now,
	}
	return result(snap, EventTaskCreated, fmt.Sprintf("task %q requested from %s", snap.Title, snap.Assignee), p, true), nil
}

// Apply dispatches kind to its transition function.
func Apply(kind Kind, snap domain.TaskSnapshot, p Params) (Result, error) {
	switch kind {
	case KindApproveTask:
		return ApproveTask(snap, p)
	case KindRejectTask:
		return RejectTask(snap, p)
	case KindReviseTask:
		return ReviseTask(snap, p)
	case KindRequestCompletion:
		return RequestCompletion(snap, p)
	case KindApproveCompletion:
		return ApproveCompletion(snap, p)
	case KindRejectCompletion:
		return RejectCompletion(snap, p)
	case KindRequestExtension:
		return RequestExtension(snap, p)
	case KindApproveExtension:
		return ApproveExtension(snap, p)
	case KindRejectExtension:
		return RejectExtension(snap, p)
	case KindMarkReminderRead:
		return MarkReminderRead(snap, p)
	case KindRecordReminder:
		return RecordReminder(snap, p)
	case KindRecordApprovalReminder:
		return RecordApprovalReminder(snap, p)
	}
	return Result{}, fmt.Errorf("unknown transition %q", kind)
}

func ApproveTask(snap domain.TaskSnapshot, p Params) (Result, error) {
	if err := requireStatus(KindApproveTask, snap, domain.StatusPending); err != nil {
		return Result{}, err
	}
	snap.Status = domain.StatusApproved
	snap.ApprovalReminderLastSentAt = nil
	return result(snap, EventTaskApproved, "task approved", p, true), nil
}

func RejectTask(snap domain.TaskSnapshot, p Params) (Result, error) {
	if err := requireStatus(KindRejectTask, snap, domain.StatusPending); err != nil {
		return Result{}, err
	}
	if err := requireText(KindRejectTask, "rejection_reason", p.Reason); err != nil {
		return Result{}, err
	}
	snap.Status = domain.StatusRejected
	snap.RejectionReason = strings.TrimSpace(p.Reason)
	snap.ApprovalReminderLastSentAt = nil
	return result(snap, EventTaskRejected, "task rejected: "+snap.RejectionReason, p, true), nil
}

// ReviseTask sends a rejected task back for approval, optionally with a new due date.
func ReviseTask(snap domain.TaskSnapshot, p Params) (Result, error) {
	if err := requireStatus(KindReviseTask, snap, domain.StatusRejected); err != nil {
		return Result{}, err
	}
	snap.Status = domain.StatusPending
	snap.RejectionReason = ""
	if p.DueDate != nil {
		snap.DueDate = p.DueDate
	}
	snap.TaskApprovalRequestedAt = at(p.Now)
	snap = resetReminders(snap)
	return result(snap, EventTaskRevised, "task revised and resubmitted", p, true), nil
}

// RequestCompletion files a completion request. Late requests need a note.
// The reminder currently shown to the assignee counts as acknowledged.
func RequestCompletion(snap domain.TaskSnapshot, p Params) (Result, error) {
	if err := requireStatus(KindRequestCompletion, snap, domain.StatusApproved); err != nil {
		return Result{}, err
	}
	if snap.CompletionStatus != domain.CompletionNone {
		return Result{}, invalid(KindRequestCompletion, "completion_status", label(string(snap.CompletionStatus)), "none")
	}
	if snap.ExtensionStatus != domain.ExtensionNone {
		return Result{}, invalid(KindRequestCompletion, "extension_status", label(string(snap.ExtensionStatus)), "none")
	}
	late := snap.DueDate != nil && p.Now.After(*snap.DueDate)
	if late && strings.TrimSpace(p.Note) == "" {
		return Result{}, invalid(KindRequestCompletion, "completion_note", "", "delay reason for a request after the due date")
	}
	snap.CompletionStatus = domain.CompletionRequested
	snap.CompletionRequestedAt = at(p.Now)
	snap.CompletionNote = strings.TrimSpace(p.Note)
	snap.ApprovalReminderLastSentAt = nil
	if snap.ReminderStage != domain.StageNone {
		snap.Tracking = domain.TrackingOrDefault(snap.Tracking).MarkRead(snap.ReminderStage)
	}
	detail := "completion requested"
	if late {
		detail = "completion requested after due date: " + snap.CompletionNote
	}
	return result(snap, EventCompletionRequested, detail, p, true), nil
}

func ApproveCompletion(snap domain.TaskSnapshot, p Params) (Result, error) {
	if err := requireCompletion(KindApproveCompletion, snap); err != nil {
		return Result{}, err
	}
	snap.CompletionStatus = domain.CompletionApproved
	snap.CompletionApprovedAt = at(p.Now)
	snap.ApprovalReminderLastSentAt = nil
	return result(snap, EventCompletionApproved, "completion approved", p, true), nil
}

// RejectCompletion reopens the task with a new due date chosen by the rejector.
func RejectCompletion(snap domain.TaskSnapshot, p Params) (Result, error) {
	if err := requireCompletion(KindRejectCompletion, snap); err != nil {
		return Result{}, err
	}
	if p.DueDate == nil {
		return Result{}, invalid(KindRejectCompletion, "due_date", "", "new due date")
	}
	if err := requireText(KindRejectCompletion, "rejection_reason", p.Reason); err != nil {
		return Result{}, err
	}
	snap.CompletionStatus = domain.CompletionNone
	snap.CompletionRequestedAt = nil
	snap.CompletionNote = ""
	snap.DueDate = p.DueDate
	snap.ApprovalReminderLastSentAt = nil
	snap = resetReminders(snap)
	detail := fmt.Sprintf("completion rejected: %s; new due date %s", strings.TrimSpace(p.Reason), p.DueDate.Format(time.RFC3339))
	return result(snap, EventCompletionRejected, detail, p, true), nil
}

func RequestExtension(snap domain.TaskSnapshot, p Params) (Result, error) {
	if err := requireStatus(KindRequestExtension, snap, domain.StatusApproved); err != nil {
		return Result{}, err
	}
	if snap.ExtensionStatus != domain.ExtensionNone {
		return Result{}, invalid(KindRequestExtension, "extension_status", label(string(snap.ExtensionStatus)), "none")
	}
	if snap.CompletionStatus != domain.CompletionNone {
		return Result{}, invalid(KindRequestExtension, "completion_status", label(string(snap.CompletionStatus)), "none")
	}
	if p.DueDate == nil {
		return Result{}, invalid(KindRequestExtension, "due_date", "", "requested due date")
	}
	if err := requireText(KindRequestExtension, "extension_reason", p.Reason); err != nil {
		return Result{}, err
	}
	snap.ExtensionStatus = domain.ExtensionRequested
	snap.ExtensionRequestedDue = p.DueDate
	snap.ExtensionReason = strings.TrimSpace(p.Reason)
	snap.ExtensionRequestedAt = at(p.Now)
	snap.ApprovalReminderLastSentAt = nil
	detail := fmt.Sprintf("extension to %s requested: %s", p.DueDate.Format(time.RFC3339), snap.ExtensionReason)
	return result(snap, EventExtensionRequested, detail, p, true), nil
}

// ApproveExtension commits the requested due date and starts reminders over.
func ApproveExtension(snap domain.TaskSnapshot, p Params) (Result, error) {
	if err := requireExtension(KindApproveExtension, snap); err != nil {
		return Result{}, err
	}
	if snap.ExtensionRequestedDue == nil {
		return Result{}, invalid(KindApproveExtension, "extension_requested_due", "", "requested due date")
	}
	snap.DueDate = snap.ExtensionRequestedDue
	snap = clearExtension(snap)
	snap.CompletionStatus = domain.CompletionNone
	snap.CompletionRequestedAt = nil
	snap = resetReminders(snap)
	detail := "extension approved; new due date " + snap.DueDate.Format(time.RFC3339)
	return result(snap, EventExtensionApproved, detail, p, true), nil
}

// RejectExtension drops the pending request and leaves the due date alone.
func RejectExtension(snap domain.TaskSnapshot, p Params) (Result, error) {
	if err := requireExtension(KindRejectExtension, snap); err != nil {
		return Result{}, err
	}
	snap = clearExtension(snap)
	detail := "extension rejected"
	if r := strings.TrimSpace(p.Reason); r != "" {
		detail += ": " + r
	}
	return result(snap, EventExtensionRejected, detail, p, true), nil
}

// MarkReminderRead acknowledges p.Stage, or the last recorded stage when
// p.Stage is empty.
func MarkReminderRead(snap domain.TaskSnapshot, p Params) (Result, error) {
	stage := p.Stage
	if stage == domain.StageNone {
		stage = snap.ReminderStage
	}
	if stage == domain.StageNone {
		return Result{}, invalid(KindMarkReminderRead, "reminder_stage", "none", "a recorded reminder stage")
	}
	tracking := domain.TrackingOrDefault(snap.Tracking)
	// The legacy flag covers only the last recorded stage; reading an older
	// stage must not acknowledge it.
	if _, legacy := tracking.(domain.LegacyTracking); !legacy || stage == snap.ReminderStage {
		snap.Tracking = tracking.MarkRead(stage)
	}
	res := result(snap, EventReminderRead, "reminder acknowledged: "+string(stage), p, false)
	res.Audit.Payload = map[string]any{"stage": string(stage)}
	return res, nil
}

// RecordReminder notes that a reminder for p.Stage was just sent.
func RecordReminder(snap domain.TaskSnapshot, p Params) (Result, error) {
	if p.Stage == domain.StageNone {
		return Result{}, invalid(KindRecordReminder, "stage", "none", "a reminder stage")
	}
	prev := snap.ReminderStage
	snap.ReminderStage = p.Stage
	snap.LastReminderSentAt = at(p.Now)
	snap.Tracking = domain.TrackingOrDefault(snap.Tracking).Unread(p.Stage)
	res := result(snap, EventReminderSent, "reminder sent: "+string(p.Stage), p, false)
	res.Audit.Payload = map[string]any{"stage": string(p.Stage), "previous_stage": string(prev)}
	return res, nil
}

// RecordApprovalReminder notes an escalation reminder for a pending decision.
func RecordApprovalReminder(snap domain.TaskSnapshot, p Params) (Result, error) {
	if snap.Status != domain.StatusPending &&
		snap.CompletionStatus != domain.CompletionRequested &&
		snap.ExtensionStatus != domain.ExtensionRequested {
		return Result{}, invalid(KindRecordApprovalReminder, "status", string(snap.Status), "a decision awaiting approval")
	}
	snap.ApprovalReminderLastSentAt = at(p.Now)
	res := result(snap, EventApprovalReminderSent, "approval reminder sent", p, false)
	if p.Reason != "" {
		res.Audit.Detail = "approval reminder sent: " + p.Reason
	}
	return res, nil
}

func requireStatus(kind Kind, snap domain.TaskSnapshot, want domain.Status) error {
	if snap.Status != want {
		return invalid(kind, "status", string(snap.Status), string(want))
	}
	return nil
}

func requireCompletion(kind Kind, snap domain.TaskSnapshot) error {
	if snap.CompletionStatus != domain.CompletionRequested {
		return invalid(kind, "completion_status", label(string(snap.CompletionStatus)), string(domain.CompletionRequested))
	}
	return nil
}

func requireExtension(kind Kind, snap domain.TaskSnapshot) error {
	if snap.ExtensionStatus != domain.ExtensionRequested {
		return invalid(kind, "extension_status", label(string(snap.ExtensionStatus)), string(domain.ExtensionRequested))
	}
	return nil
}

func requireText(kind Kind, field, v string) error {
	if strings.TrimSpace(v) == "" {
		return invalid(kind, field, "", "non-empty text")
	}
	return nil
}

func clearExtension(snap domain.TaskSnapshot) domain.TaskSnapshot {
	snap.ExtensionStatus = domain.ExtensionNone
	snap.ExtensionRequestedDue = nil
	snap.ExtensionReason = ""
	snap.ExtensionRequestedAt = nil
	snap.ApprovalReminderLastSentAt = nil
	return snap
}

// resetReminders starts a fresh reminder cycle. Rewritten records always
// carry per-stage tracking.
func resetReminders(snap domain.TaskSnapshot) domain.TaskSnapshot {
	snap.ReminderStage = domain.StageNone
	snap.LastReminderSentAt = nil
	snap.Tracking = domain.PerStageTracking{}
	return snap
}

func result(snap domain.TaskSnapshot, event, detail string, p Params, rescore bool) Result {
	snap.UpdatedAt = p.Now
	return Result{
		Snapshot: snap,
		Audit:    domain.AuditEntry{EventType: event, Detail: detail, Actor: p.Actor},
		Rescore:  rescore,
	}
}

func at(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
