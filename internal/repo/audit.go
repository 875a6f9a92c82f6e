package repo

import (
	"context"

	"taskflow/internal/domain"
)

// AppendAuditLog records an entry outside of any state change.
func (r Repo) AppendAuditLog(ctx context.Context, taskID string, entry domain.AuditEntry) error {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := r.Events.Append(ctx, tx, taskID, entry); err != nil {
		return err
	}
	return tx.Commit()
}

// ListAudit returns a task's audit records, newest first.
func (r Repo) ListAudit(ctx context.Context, taskID string, limit int) ([]domain.AuditRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT id,ts,task_id,event_type,COALESCE(detail,''),actor,payload_json FROM audit_log WHERE task_id=? ORDER BY id DESC LIMIT ?`, taskID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.AuditRecord
	for rows.Next() {
		var a domain.AuditRecord
		if err := rows.Scan(&a.ID, &a.TS, &a.TaskID, &a.EventType, &a.Detail, &a.Actor, &a.Payload); err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

// AuditAfter returns records with ids greater than cursor in ascending order.
func (r Repo) AuditAfter(ctx context.Context, limit int, cursor int64) ([]domain.AuditRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT id,ts,task_id,event_type,COALESCE(detail,''),actor,payload_json FROM audit_log WHERE id>? ORDER BY id ASC LIMIT ?`, cursor, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.AuditRecord
	for rows.Next() {
		var a domain.AuditRecord
		if err := rows.Scan(&a.ID, &a.TS, &a.TaskID, &a.EventType, &a.Detail, &a.Actor, &a.Payload); err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

// LatestAuditID returns the newest audit record id, or 0 for an empty log.
func (r Repo) LatestAuditID(ctx context.Context) (int64, error) {
	var id int64
	if err := r.DB.QueryRowContext(ctx, `SELECT COALESCE(MAX(id),0) FROM audit_log`).Scan(&id); err != nil {
		return 0, err
	}
	return id, nil
}
