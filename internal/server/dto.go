package server

import (
	"time"

	"taskflow/internal/domain"
	"taskflow/internal/engine"
)

// Request payloads

type CreateTaskRequest struct {
	ID          *string `json:"id,omitempty"`
	Title       string  `json:"title"`
	Description *string `json:"description,omitempty"`
	Assignee    string  `json:"assignee" format:"email"`
	DueDate     *string `json:"due_date,omitempty" format:"date-time"`
}

type ReasonRequest struct {
	Reason string `json:"reason"`
}

type ReviseTaskRequest struct {
	DueDate *string `json:"due_date,omitempty" format:"date-time"`
}

type CompletionRequest struct {
	Note string `json:"note,omitempty"`
}

type RejectCompletionRequest struct {
	DueDate string `json:"due_date" format:"date-time"`
	Reason  string `json:"reason"`
}

type ExtensionRequest struct {
	DueDate string `json:"due_date" format:"date-time"`
	Reason  string `json:"reason"`
}

type MarkReadRequest struct {
	Stage string `json:"stage,omitempty"`
}

type PassRequest struct {
	Now *string `json:"now,omitempty" format:"date-time"`
}

// Response payloads

type TaskResponse struct {
	ID                         string  `json:"id"`
	Title                      string  `json:"title"`
	Description                string  `json:"description,omitempty"`
	Status                     string  `json:"status" enum:"pending,approved,rejected,completed"`
	CompletionStatus           string  `json:"completion_status,omitempty"`
	ExtensionStatus            string  `json:"extension_status,omitempty"`
	DueDate                    *string `json:"due_date,omitempty" format:"date-time"`
	ExtensionRequestedDue      *string `json:"extension_requested_due,omitempty" format:"date-time"`
	ExtensionReason            string  `json:"extension_reason,omitempty"`
	CompletionNote             string  `json:"completion_note,omitempty"`
	RejectionReason            string  `json:"rejection_reason,omitempty"`
	TaskApprovalRequestedAt    *string `json:"task_approval_requested_at,omitempty" format:"date-time"`
	CompletionRequestedAt      *string `json:"completion_requested_at,omitempty" format:"date-time"`
	CompletionApprovedAt       *string `json:"completion_approved_at,omitempty" format:"date-time"`
	ExtensionRequestedAt       *string `json:"extension_requested_at,omitempty" format:"date-time"`
	ApprovalReminderLastSentAt *string `json:"approval_reminder_last_sent_at,omitempty" format:"date-time"`
	LastReminderSentAt         *string `json:"last_reminder_sent_at,omitempty" format:"date-time"`
	ReminderStage              string  `json:"reminder_stage,omitempty"`
	ReminderTracking           string  `json:"reminder_tracking" enum:"legacy,per_stage"`
	Requester                  string  `json:"requester"`
	Assignee                   string  `json:"assignee"`
	CreatedAt                  string  `json:"created_at" format:"date-time"`
	UpdatedAt                  string  `json:"updated_at" format:"date-time"`
}

type MetricsResponse struct {
	TaskID           string  `json:"task_id"`
	Title            string  `json:"title"`
	Assignee         string  `json:"assignee,omitempty"`
	DueDate          *string `json:"due_date,omitempty" format:"date-time"`
	Status           string  `json:"status"`
	CompletionStatus string  `json:"completion_status,omitempty"`
	ExtensionStatus  string  `json:"extension_status,omitempty"`
	ReminderStage    string  `json:"reminder_stage,omitempty"`
	OverduePoints    int     `json:"overdue_points"`
	LastSyncedAt     string  `json:"last_synced_at" format:"date-time"`
}

type SummaryResponse struct {
	Assignee           string  `json:"assignee"`
	TotalTasks         int     `json:"total_tasks"`
	OverdueTasks       int     `json:"overdue_tasks"`
	DueWithinThreeDays int     `json:"due_within_three_days"`
	NextDueDate        *string `json:"next_due_date,omitempty" format:"date-time"`
	TotalOverduePoints int     `json:"total_overdue_points"`
	LastCalculatedAt   string  `json:"last_calculated_at" format:"date-time"`
}

type TaskList struct {
	Items []TaskResponse `json:"items"`
}

type AuditList struct {
	Items []domain.AuditRecord `json:"items"`
}

type SummaryList struct {
	Items []SummaryResponse `json:"items"`
}

type PassResponse = engine.PassSummary

func formatTime(t time.Time) string {
	return t.Format(time.RFC3339)
}

func formatTimePtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := formatTime(*t)
	return &s
}

func taskResponse(t domain.TaskSnapshot) TaskResponse {
	return TaskResponse{
		ID:                         t.ID,
		Title:                      t.Title,
		Description:                t.Description,
		Status:                     string(t.Status),
		CompletionStatus:           string(t.CompletionStatus),
		ExtensionStatus:            string(t.ExtensionStatus),
		DueDate:                    formatTimePtr(t.DueDate),
		ExtensionRequestedDue:      formatTimePtr(t.ExtensionRequestedDue),
		ExtensionReason:            t.ExtensionReason,
		CompletionNote:             t.CompletionNote,
		RejectionReason:            t.RejectionReason,
		TaskApprovalRequestedAt:    formatTimePtr(t.TaskApprovalRequestedAt),
		CompletionRequestedAt:      formatTimePtr(t.CompletionRequestedAt),
		CompletionApprovedAt:       formatTimePtr(t.CompletionApprovedAt),
		ExtensionRequestedAt:       formatTimePtr(t.ExtensionRequestedAt),
		ApprovalReminderLastSentAt: formatTimePtr(t.ApprovalReminderLastSentAt),
		LastReminderSentAt:         formatTimePtr(t.LastReminderSentAt),
		ReminderStage:              string(t.ReminderStage),
		ReminderTracking:           domain.TrackingOrDefault(t.Tracking).Kind(),
		Requester:                  t.Requester,
		Assignee:                   t.Assignee,
		CreatedAt:                  formatTime(t.CreatedAt),
		UpdatedAt:                  formatTime(t.UpdatedAt),
	}
}

func mapTasks(items []domain.TaskSnapshot) []TaskResponse {
	out := make([]TaskResponse, 0, len(items))
	for _, t := range items {
		out = append(out, taskResponse(t))
	}
	return out
}

func metricsResponse(r domain.TaskMetricsRecord) MetricsResponse {
	return MetricsResponse{
		TaskID:           r.TaskID,
		Title:            r.Title,
		Assignee:         r.Assignee,
		DueDate:          formatTimePtr(r.DueDate),
		Status:           string(r.Status),
		CompletionStatus: string(r.CompletionStatus),
		ExtensionStatus:  string(r.ExtensionStatus),
		ReminderStage:    string(r.ReminderStage),
		OverduePoints:    r.OverduePoints,
		LastSyncedAt:     formatTime(r.LastSyncedAt),
	}
}

func summaryResponse(s domain.AssigneeMetricsSummary) SummaryResponse {
	return SummaryResponse{
		Assignee:           s.Assignee,
		TotalTasks:         s.TotalTasks,
		OverdueTasks:       s.OverdueTasks,
		DueWithinThreeDays: s.DueWithinThreeDays,
		NextDueDate:        formatTimePtr(s.NextDueDate),
		TotalOverduePoints: s.TotalOverduePoints,
		LastCalculatedAt:   formatTime(s.LastCalculatedAt),
	}
}
