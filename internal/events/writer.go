package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"taskflow/internal/domain"
)

// Writer appends audit entries inside the caller's transaction so that a
// state change and its audit record commit together.
type Writer struct {
	Now func() time.Time
}

type EventPayload map[string]any

func (w Writer) Append(ctx context.Context, tx *sql.Tx, taskID string, entry domain.AuditEntry) (domain.AuditRecord, error) {
	if w.Now == nil {
		w.Now = time.Now
	}
	if entry.EventType == "" {
		return domain.AuditRecord{}, fmt.Errorf("audit entry for %s has no event type", taskID)
	}
	actor := entry.Actor
	if actor == "" {
		actor = "system"
	}
	payload := EventPayload(entry.Payload)
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return domain.AuditRecord{}, fmt.Errorf("marshal audit payload: %w", err)
	}
	rec := domain.AuditRecord{
		TS:        w.Now().UTC().Format(time.RFC3339Nano),
		TaskID:    taskID,
		EventType: entry.EventType,
		Detail:    entry.Detail,
		Actor:     actor,
		Payload:   string(data),
	}
	res, err := tx.ExecContext(ctx, `INSERT INTO audit_log(ts,task_id,event_type,detail,actor,payload_json) VALUES (?,?,?,?,?,?)`,
		rec.TS, rec.TaskID, rec.EventType, nullable(rec.Detail), rec.Actor, rec.Payload)
	if err != nil {
		return domain.AuditRecord{}, err
	}
	rec.ID, _ = res.LastInsertId()
	return rec, nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
