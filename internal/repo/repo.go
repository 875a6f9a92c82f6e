package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"taskflow/internal/domain"
	"taskflow/internal/events"
)

// Repo is the SQLite-backed snapshot provider, audit log and metrics store.
// Timestamps are stored in UTC and normalized to Loc when loaded.
type Repo struct {
	DB     *sql.DB
	Loc    *time.Location
	Events events.Writer
}

var ErrNotFound = errors.New("not found")

const taskColumns = `id,title,description,status,completion_status,extension_status,due_date,extension_requested_due,extension_reason,completion_note,rejection_reason,
task_approval_requested_at,completion_requested_at,completion_approved_at,extension_requested_at,approval_reminder_last_sent_at,last_reminder_sent_at,
reminder_stage,tracking_kind,reminder_read,due_stage_read,overdue_stage_read,requester,assignee,created_at,updated_at`

type scanner interface {
	Scan(dest ...any) error
}

func (r Repo) loc() *time.Location {
	if r.Loc == nil {
		return time.UTC
	}
	return r.Loc
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func (r Repo) parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse timestamp %q: %w", s, err)
	}
	return t.In(r.loc()), nil
}

func (r Repo) parseNullTime(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}
	t, err := r.parseTime(ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (r Repo) scanTask(row scanner) (domain.TaskSnapshot, error) {
	var t domain.TaskSnapshot
	var description, dueDate, extDue, extReason, note, rejection sql.NullString
	var approvalReq, completionReq, completionApproved, extReq, approvalRem, lastReminder sql.NullString
	var status, completion, extension, stage, trackingKind, createdAt, updatedAt string
	var reminderRead, dueRead, overdueRead bool
	err := row.Scan(&t.ID, &t.Title, &description, &status, &completion, &extension, &dueDate, &extDue, &extReason, &note, &rejection,
		&approvalReq, &completionReq, &completionApproved, &extReq, &approvalRem, &lastReminder,
		&stage, &trackingKind, &reminderRead, &dueRead, &overdueRead, &t.Requester, &t.Assignee, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	if err != nil {
		return t, err
	}
	t.Description = description.String
	t.Status = domain.Status(status)
	t.CompletionStatus = domain.CompletionStatus(completion)
	t.ExtensionStatus = domain.ExtensionStatus(extension)
	t.ReminderStage = domain.Stage(stage)
	t.ExtensionReason = extReason.String
	t.CompletionNote = note.String
	t.RejectionReason = rejection.String
	if trackingKind == domain.TrackingLegacy {
		t.Tracking = domain.LegacyTracking{ReminderRead: reminderRead}
	} else {
		t.Tracking = domain.PerStageTracking{DueRead: dueRead, OverdueRead: overdueRead}
	}

	for _, f := range []struct {
		src sql.NullString
		dst **time.Time
	}{
		{dueDate, &t.DueDate},
		{extDue, &t.ExtensionRequestedDue},
		{approvalReq, &t.TaskApprovalRequestedAt},
		{completionReq, &t.CompletionRequestedAt},
		{completionApproved, &t.CompletionApprovedAt},
		{extReq, &t.ExtensionRequestedAt},
		{approvalRem, &t.ApprovalReminderLastSentAt},
		{lastReminder, &t.LastReminderSentAt},
	} {
		v, err := r.parseNullTime(f.src)
		if err != nil {
			return t, fmt.Errorf("task %s: %w", t.ID, err)
		}
		*f.dst = v
	}
	if t.CreatedAt, err = r.parseTime(createdAt); err != nil {
		return t, fmt.Errorf("task %s: %w", t.ID, err)
	}
	if t.UpdatedAt, err = r.parseTime(updatedAt); err != nil {
		return t, fmt.Errorf("task %s: %w", t.ID, err)
	}
	return t, nil
}

func trackingColumns(t domain.ReminderTracking) (kind string, reminderRead, dueRead, overdueRead bool) {
	switch v := domain.TrackingOrDefault(t).(type) {
	case domain.LegacyTracking:
		return domain.TrackingLegacy, v.ReminderRead, false, false
	case domain.PerStageTracking:
		return domain.TrackingPerStage, false, v.DueRead, v.OverdueRead
	}
	return domain.TrackingPerStage, false, false, false
}

func taskArgs(t domain.TaskSnapshot) []any {
	kind, reminderRead, dueRead, overdueRead := trackingColumns(t.Tracking)
	return []any{
		t.Title, nullable(t.Description), string(t.Status), string(t.CompletionStatus), string(t.ExtensionStatus),
		nullableTime(t.DueDate), nullableTime(t.ExtensionRequestedDue), nullable(t.ExtensionReason), nullable(t.CompletionNote), nullable(t.RejectionReason),
		nullableTime(t.TaskApprovalRequestedAt), nullableTime(t.CompletionRequestedAt), nullableTime(t.CompletionApprovedAt),
		nullableTime(t.ExtensionRequestedAt), nullableTime(t.ApprovalReminderLastSentAt), nullableTime(t.LastReminderSentAt),
		string(t.ReminderStage), kind, reminderRead, dueRead, overdueRead, t.Requester, t.Assignee,
	}
}

func (r Repo) InsertTask(ctx context.Context, tx *sql.Tx, t domain.TaskSnapshot) error {
	args := append([]any{t.ID}, taskArgs(t)...)
	args = append(args, formatTime(t.CreatedAt), formatTime(t.UpdatedAt))
	_, err := tx.ExecContext(ctx, `INSERT INTO tasks(`+taskColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`, args...)
	return err
}

func (r Repo) UpdateTask(ctx context.Context, tx *sql.Tx, t domain.TaskSnapshot) error {
	args := append(taskArgs(t), formatTime(t.UpdatedAt), t.ID)
	res, err := tx.ExecContext(ctx, `UPDATE tasks SET title=?, description=?, status=?, completion_status=?, extension_status=?,
due_date=?, extension_requested_due=?, extension_reason=?, completion_note=?, rejection_reason=?,
task_approval_requested_at=?, completion_requested_at=?, completion_approved_at=?, extension_requested_at=?, approval_reminder_last_sent_at=?, last_reminder_sent_at=?,
reminder_stage=?, tracking_kind=?, reminder_read=?, due_stage_read=?, overdue_stage_read=?, requester=?, assignee=?, updated_at=? WHERE id=?`, args...)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// GetSnapshot loads a task and resolves its reminder tracking variant.
func (r Repo) GetSnapshot(ctx context.Context, id string) (domain.TaskSnapshot, error) {
	return r.scanTask(r.DB.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id=?`, id))
}

func (r Repo) GetSnapshotTx(ctx context.Context, tx *sql.Tx, id string) (domain.TaskSnapshot, error) {
	return r.scanTask(tx.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id=?`, id))
}

type TaskFilters struct {
	Status    string
	Assignee  string
	Requester string
	Limit     int
}

func (r Repo) ListTasks(ctx context.Context, f TaskFilters) ([]domain.TaskSnapshot, error) {
	var clauses []string
	var args []any
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.Assignee != "" {
		clauses = append(clauses, "assignee=? COLLATE NOCASE")
		args = append(args, f.Assignee)
	}
	if f.Requester != "" {
		clauses = append(clauses, "requester=? COLLATE NOCASE")
		args = append(args, f.Requester)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + taskColumns + ` FROM tasks ` + where + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	return r.queryTasks(ctx, query, args...)
}

// ListActiveTasks returns tasks that may still need reminders: pending or
// approved and not yet completion-approved.
func (r Repo) ListActiveTasks(ctx context.Context) ([]domain.TaskSnapshot, error) {
	return r.queryTasks(ctx, `SELECT `+taskColumns+` FROM tasks
WHERE status IN ('pending','approved') AND completion_status <> 'approved' ORDER BY id`)
}

// ListPendingApprovalTasks returns tasks waiting on a task, completion or
// extension decision.
func (r Repo) ListPendingApprovalTasks(ctx context.Context) ([]domain.TaskSnapshot, error) {
	return r.queryTasks(ctx, `SELECT `+taskColumns+` FROM tasks
WHERE status='pending' OR (status='approved' AND (completion_status='requested' OR extension_status='requested')) ORDER BY id`)
}

func (r Repo) queryTasks(ctx context.Context, query string, args ...any) ([]domain.TaskSnapshot, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.TaskSnapshot
	for rows.Next() {
		t, err := r.scanTask(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

// CreateTask inserts a new task together with its creation audit entry.
func (r Repo) CreateTask(ctx context.Context, t domain.TaskSnapshot, entry domain.AuditEntry) (domain.TaskSnapshot, error) {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.TaskSnapshot{}, err
	}
	defer tx.Rollback()
	if err := r.InsertTask(ctx, tx, t); err != nil {
		return domain.TaskSnapshot{}, fmt.Errorf("insert task: %w", err)
	}
	if _, err := r.Events.Append(ctx, tx, t.ID, entry); err != nil {
		return domain.TaskSnapshot{}, fmt.Errorf("append audit: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return domain.TaskSnapshot{}, err
	}
	return r.GetSnapshot(ctx, t.ID)
}

// ApplyTransition persists the next snapshot and its audit entry atomically
// and returns the stored snapshot.
func (r Repo) ApplyTransition(ctx context.Context, next domain.TaskSnapshot, entry domain.AuditEntry) (domain.TaskSnapshot, error) {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.TaskSnapshot{}, err
	}
	defer tx.Rollback()
	if err := r.UpdateTask(ctx, tx, next); err != nil {
		return domain.TaskSnapshot{}, err
	}
	if _, err := r.Events.Append(ctx, tx, next.ID, entry); err != nil {
		return domain.TaskSnapshot{}, fmt.Errorf("append audit: %w", err)
	}
	stored, err := r.GetSnapshotTx(ctx, tx, next.ID)
	if err != nil {
		return domain.TaskSnapshot{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.TaskSnapshot{}, err
	}
	return stored, nil
}
