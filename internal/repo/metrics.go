package repo

import (
	"context"
	"database/sql"
	"fmt"

	"taskflow/internal/domain"
)

const metricsColumns = `task_id,title,assignee,due_date,status,completion_status,extension_status,reminder_stage,overdue_points,last_synced_at`

func (r Repo) scanMetrics(row scanner) (domain.TaskMetricsRecord, error) {
	var m domain.TaskMetricsRecord
	var dueDate sql.NullString
	var status, completion, extension, stage, synced string
	err := row.Scan(&m.TaskID, &m.Title, &m.Assignee, &dueDate, &status, &completion, &extension, &stage, &m.OverduePoints, &synced)
	if err == sql.ErrNoRows {
		return m, ErrNotFound
	}
	if err != nil {
		return m, err
	}
	m.Status = domain.Status(status)
	m.CompletionStatus = domain.CompletionStatus(completion)
	m.ExtensionStatus = domain.ExtensionStatus(extension)
	m.ReminderStage = domain.Stage(stage)
	if m.DueDate, err = r.parseNullTime(dueDate); err != nil {
		return m, err
	}
	if m.LastSyncedAt, err = r.parseTime(synced); err != nil {
		return m, err
	}
	return m, nil
}

func (r Repo) GetMetrics(ctx context.Context, taskID string) (domain.TaskMetricsRecord, error) {
	return r.scanMetrics(r.DB.QueryRowContext(ctx, `SELECT `+metricsColumns+` FROM task_metrics WHERE task_id=?`, taskID))
}

// UpsertMetrics overwrites the record for the task, points included.
func (r Repo) UpsertMetrics(ctx context.Context, m domain.TaskMetricsRecord) error {
	if m.OverduePoints < 0 {
		return fmt.Errorf("task %s: negative overdue points %d", m.TaskID, m.OverduePoints)
	}
	_, err := r.DB.ExecContext(ctx, `INSERT INTO task_metrics(`+metricsColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?)
ON CONFLICT(task_id) DO UPDATE SET title=excluded.title, assignee=excluded.assignee, due_date=excluded.due_date, status=excluded.status,
completion_status=excluded.completion_status, extension_status=excluded.extension_status, reminder_stage=excluded.reminder_stage,
overdue_points=excluded.overdue_points, last_synced_at=excluded.last_synced_at`,
		m.TaskID, m.Title, m.Assignee, nullableTime(m.DueDate), string(m.Status), string(m.CompletionStatus), string(m.ExtensionStatus),
		string(m.ReminderStage), m.OverduePoints, formatTime(m.LastSyncedAt))
	return err
}

func (r Repo) ListMetrics(ctx context.Context) ([]domain.TaskMetricsRecord, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+metricsColumns+` FROM task_metrics ORDER BY task_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.TaskMetricsRecord
	for rows.Next() {
		m, err := r.scanMetrics(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, m)
	}
	return res, rows.Err()
}

// UpsertSummaries replaces the published summaries with the given set.
// Assignees absent from the set are dropped.
func (r Repo) UpsertSummaries(ctx context.Context, summaries []domain.AssigneeMetricsSummary) error {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `DELETE FROM assignee_summaries`); err != nil {
		return err
	}
	for _, s := range summaries {
		if _, err := tx.ExecContext(ctx, `INSERT INTO assignee_summaries(assignee,total_tasks,overdue_tasks,due_within_three_days,next_due_date,total_overdue_points,last_calculated_at)
VALUES (?,?,?,?,?,?,?)`,
			s.Assignee, s.TotalTasks, s.OverdueTasks, s.DueWithinThreeDays, nullableTime(s.NextDueDate), s.TotalOverduePoints, formatTime(s.LastCalculatedAt)); err != nil {
			return fmt.Errorf("insert summary %s: %w", s.Assignee, err)
		}
	}
	return tx.Commit()
}

func (r Repo) ListSummaries(ctx context.Context) ([]domain.AssigneeMetricsSummary, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT assignee,total_tasks,overdue_tasks,due_within_three_days,next_due_date,total_overdue_points,last_calculated_at
FROM assignee_summaries ORDER BY assignee`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.AssigneeMetricsSummary
	for rows.Next() {
		var s domain.AssigneeMetricsSummary
		var next sql.NullString
		var calculated string
		if err := rows.Scan(&s.Assignee, &s.TotalTasks, &s.OverdueTasks, &s.DueWithinThreeDays, &next, &s.TotalOverduePoints, &calculated); err != nil {
			return nil, err
		}
		if s.NextDueDate, err = r.parseNullTime(next); err != nil {
			return nil, err
		}
		if s.LastCalculatedAt, err = r.parseTime(calculated); err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, rows.Err()
}
