package domain

import "time"

// Status is the top-level approval state of a task.
type Status string

const (
	StatusPending   Status = "pending"
	StatusApproved  Status = "approved"
	StatusRejected  Status = "rejected"
	StatusCompleted Status = "completed"
)

// CompletionStatus is empty until the assignee asks for completion.
type CompletionStatus string

const (
	CompletionNone      CompletionStatus = ""
	CompletionRequested CompletionStatus = "requested"
	CompletionApproved  CompletionStatus = "approved"
)

// ExtensionStatus is empty unless a due date change awaits the requester.
type ExtensionStatus string

const (
	ExtensionNone      ExtensionStatus = ""
	ExtensionRequested ExtensionStatus = "requested"
)

// Stage is a reminder escalation phase. StageNone means no reminder applies.
type Stage string

const (
	StageNone            Stage = ""
	StagePendingApproval Stage = "pending_approval"
	StageBeforeDue       Stage = "before_due"
	StageDue             Stage = "due"
	StageOverdue         Stage = "overdue"
)

// ParseStage accepts the wire names of stages.
func ParseStage(s string) (Stage, bool) {
	switch Stage(s) {
	case StagePendingApproval, StageBeforeDue, StageDue, StageOverdue:
		return Stage(s), true
	case StageNone, "none":
		return StageNone, true
	}
	return StageNone, false
}

// TaskSnapshot is a point-in-time view of a task's persisted fields.
// All timestamps are already normalized to the canonical zone.
type TaskSnapshot struct {
	ID          string
	Title       string
	Description string

	Status           Status
	CompletionStatus CompletionStatus
	ExtensionStatus  ExtensionStatus

	DueDate               *time.Time
	ExtensionRequestedDue *time.Time
	ExtensionReason       string
	CompletionNote        string
	RejectionReason       string

	TaskApprovalRequestedAt    *time.Time
	CompletionRequestedAt      *time.Time
	CompletionApprovedAt       *time.Time
	ExtensionRequestedAt       *time.Time
	ApprovalReminderLastSentAt *time.Time
	LastReminderSentAt         *time.Time

	ReminderStage Stage
	Tracking      ReminderTracking

	Requester string
	Assignee  string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// InCompletionPipeline reports whether completion has been requested or approved.
func (s TaskSnapshot) InCompletionPipeline() bool {
	return s.CompletionStatus == CompletionRequested || s.CompletionStatus == CompletionApproved
}

// Completed reports whether either completion signal is present.
func (s TaskSnapshot) Completed() bool {
	return s.Status == StatusCompleted || s.CompletionStatus == CompletionApproved
}

// ReminderTracking records which reminder stages a human has acknowledged.
// Records written before per-stage tracking existed load as LegacyTracking.
type ReminderTracking interface {
	// Read reports whether stage has been acknowledged. lastStage is the
	// stage of the most recently recorded reminder.
	Read(stage, lastStage Stage) bool
	MarkRead(stage Stage) ReminderTracking
	// Unread clears the acknowledgement for stage, used when a new
	// reminder for that stage is recorded.
	Unread(stage Stage) ReminderTracking
	Kind() string
}

// LegacyTracking is a single read flag bound to the last recorded stage.
type LegacyTracking struct {
	ReminderRead bool
}

func (t LegacyTracking) Read(stage, lastStage Stage) bool {
	return t.ReminderRead && stage == lastStage
}

func (t LegacyTracking) MarkRead(Stage) ReminderTracking {
	return LegacyTracking{ReminderRead: true}
}

func (t LegacyTracking) Unread(Stage) ReminderTracking {
	return LegacyTracking{}
}

func (LegacyTracking) Kind() string { return TrackingLegacy }

// PerStageTracking keeps an independent read flag for due and overdue.
type PerStageTracking struct {
	DueRead     bool
	OverdueRead bool
}

func (t PerStageTracking) Read(stage, _ Stage) bool {
	switch stage {
	case StageDue:
		return t.DueRead
	case StageOverdue:
		return t.OverdueRead
	}
	return false
}

func (t PerStageTracking) MarkRead(stage Stage) ReminderTracking {
	switch stage {
	case StageDue:
		t.DueRead = true
	case StageOverdue:
		t.OverdueRead = true
	}
	return t
}

func (t PerStageTracking) Unread(stage Stage) ReminderTracking {
	switch stage {
	case StageDue:
		t.DueRead = false
	case StageOverdue:
		t.OverdueRead = false
	}
	return t
}

func (PerStageTracking) Kind() string { return TrackingPerStage }

const (
	TrackingLegacy   = "legacy"
	TrackingPerStage = "per_stage"
)

// TrackingOrDefault returns t, or fresh per-stage tracking when t is nil.
func TrackingOrDefault(t ReminderTracking) ReminderTracking {
	if t == nil {
		return PerStageTracking{}
	}
	return t
}

// AuditEntry is the record every transition must produce.
type AuditEntry struct {
	EventType string
	Detail    string
	Actor     string
	Payload   map[string]any
}

// AuditRecord is a persisted audit entry.
type AuditRecord struct {
	ID        int64  `json:"id"`
	TS        string `json:"ts" format:"date-time"`
	TaskID    string `json:"task_id"`
	EventType string `json:"event_type"`
	Detail    string `json:"detail,omitempty"`
	Actor     string `json:"actor"`
	Payload   string `json:"payload_json"`
}

// TaskMetricsRecord is the per-task projection used for assignee reporting.
type TaskMetricsRecord struct {
	TaskID           string
	Title            string
	Assignee         string
	DueDate          *time.Time
	Status           Status
	CompletionStatus CompletionStatus
	ExtensionStatus  ExtensionStatus
	ReminderStage    Stage
	OverduePoints    int
	LastSyncedAt     time.Time
}

// Completed mirrors TaskSnapshot.Completed for metrics records.
func (r TaskMetricsRecord) Completed() bool {
	return r.Status == StatusCompleted || r.CompletionStatus == CompletionApproved
}

// UnassignedBucket groups records without an assignee. It is never published.
const UnassignedBucket = "__unassigned__"

// AssigneeMetricsSummary is recomputed from scratch each aggregation cycle.
type AssigneeMetricsSummary struct {
	Assignee           string
	TotalTasks         int
	OverdueTasks       int
	DueWithinThreeDays int
	NextDueDate        *time.Time
	TotalOverduePoints int
	LastCalculatedAt   time.Time
}

// Identity is a notification target in the chat system.
type Identity struct {
	Address string `yaml:"email" json:"email"`
	ChatID  string `yaml:"chat_id" json:"chat_id"`
	Name    string `yaml:"name,omitempty" json:"name,omitempty"`
}

// APIKey lets a service act as Actor without a JWT. Only the hash is stored.
type APIKey struct {
	ID        string `json:"id"`
	Actor     string `json:"actor"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"-"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
