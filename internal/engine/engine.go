package engine

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"taskflow/internal/config"
	"taskflow/internal/coord"
	"taskflow/internal/domain"
	"taskflow/internal/engine/auth"
	"taskflow/internal/lifecycle"
	"taskflow/internal/notify"
	"taskflow/internal/reminder"
	"taskflow/internal/repo"
	"taskflow/internal/scoring"
	"taskflow/internal/telemetry"
)

// SystemActor is recorded for changes made by scheduler passes.
const SystemActor = "system"

// TaskStore is the snapshot provider.
type TaskStore interface {
	GetSnapshot(ctx context.Context, id string) (domain.TaskSnapshot, error)
	ListActiveTasks(ctx context.Context) ([]domain.TaskSnapshot, error)
	ListPendingApprovalTasks(ctx context.Context) ([]domain.TaskSnapshot, error)
	CreateTask(ctx context.Context, t domain.TaskSnapshot, entry domain.AuditEntry) (domain.TaskSnapshot, error)
	ApplyTransition(ctx context.Context, next domain.TaskSnapshot, entry domain.AuditEntry) (domain.TaskSnapshot, error)
	AppendAuditLog(ctx context.Context, taskID string, entry domain.AuditEntry) error
}

// MetricsStore holds per-task metrics records and assignee summaries.
type MetricsStore interface {
	GetMetrics(ctx context.Context, taskID string) (domain.TaskMetricsRecord, error)
	UpsertMetrics(ctx context.Context, rec domain.TaskMetricsRecord) error
	ListMetrics(ctx context.Context) ([]domain.TaskMetricsRecord, error)
	UpsertSummaries(ctx context.Context, summaries []domain.AssigneeMetricsSummary) error
}

// Directory translates contact addresses into chat identities.
type Directory interface {
	ResolveIdentity(ctx context.Context, address string) (domain.Identity, bool, error)
}

// AuditPublisher receives audit entries after they commit.
type AuditPublisher interface {
	PublishAudit(ctx context.Context, taskID string, entry domain.AuditEntry) error
}

type Engine struct {
	Tasks      TaskStore
	Metrics    MetricsStore
	Notifier   notify.Notifier
	Directory  Directory
	Audit      AuditPublisher
	Coord      *coord.Coordinator
	Resolver   reminder.Resolver
	Escalator  reminder.Escalator
	Aggregator scoring.Aggregator
	Watchers   []string
	Telemetry  *telemetry.Metrics
	Logger     *slog.Logger
	Loc        *time.Location
	Now        func() time.Time
}

// New wires an engine over the SQLite repo using cfg's scheduling settings.
// Notifier and Directory are left for the caller to attach.
func New(r repo.Repo, cfg *config.Config) Engine {
	if cfg == nil {
		cfg = config.Default()
	}
	return Engine{
		Tasks:      r,
		Metrics:    r,
		Coord:      coord.New(cfg.Concurrency.MaxInFlight),
		Resolver:   reminder.Resolver{BeforeDueWindow: cfg.Reminders.BeforeDueWindow},
		Escalator:  reminder.Escalator{Interval: cfg.Escalation.Interval},
		Aggregator: scoring.Aggregator{DueSoonWindow: cfg.Metrics.DueSoonWindow},
		Watchers:   cfg.Watchers,
		Loc:        cfg.Location(),
		Now:        time.Now,
	}
}

func (e Engine) loc() *time.Location {
	if e.Loc != nil {
		return e.Loc
	}
	return time.UTC
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now().In(e.loc())
	}
	return time.Now().In(e.loc())
}

func (e Engine) logger() *slog.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func (e Engine) coord() *coord.Coordinator {
	if e.Coord != nil {
		return e.Coord
	}
	return defaultCoord
}

var defaultCoord = coord.New(coord.DefaultMaxInFlight)

func (e Engine) normalize(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := t.In(e.loc())
	return &v
}

// CreateTask files a new task request and asks the assignee to approve it.
func (e Engine) CreateTask(ctx context.Context, t lifecycle.NewTask, actor string) (domain.TaskSnapshot, error) {
	if strings.TrimSpace(t.ID) == "" {
		t.ID = uuid.NewString()
	}
	if strings.TrimSpace(t.Requester) == "" {
		t.Requester = actor
	}
	if err := auth.Authorize(lifecycle.KindCreateTask, domain.TaskSnapshot{Requester: t.Requester}, actor); err != nil {
		return domain.TaskSnapshot{}, err
	}
	t.DueDate = e.normalize(t.DueDate)
	now := e.now()
	res, err := lifecycle.Create(t, lifecycle.Params{Actor: actor, Now: now})
	e.Telemetry.Transition(string(lifecycle.KindCreateTask), err)
	if err != nil {
		return domain.TaskSnapshot{}, err
	}
	stored, err := e.Tasks.CreateTask(ctx, res.Snapshot, res.Audit)
	if err != nil {
		return domain.TaskSnapshot{}, collaborator("create task", t.ID, err)
	}
	if err := e.syncMetrics(ctx, stored, now); err != nil {
		e.logger().Error("metrics sync failed", "task_id", stored.ID, "error", err)
	}
	e.publishAudit(ctx, stored.ID, res.Audit)
	e.announce(ctx, lifecycle.KindCreateTask, stored, now)
	return stored, nil
}

// Transition applies kind to the task under its guard, persists the result
// with its audit entry, recomputes overdue points when needed and notifies
// the other party.
func (e Engine) Transition(ctx context.Context, taskID string, kind lifecycle.Kind, p lifecycle.Params) (domain.TaskSnapshot, error) {
	if p.Now.IsZero() {
		p.Now = e.now()
	}
	p.DueDate = e.normalize(p.DueDate)
	var (
		stored domain.TaskSnapshot
		audit  domain.AuditEntry
	)
	err := e.coord().Guard(ctx, taskID, func(ctx context.Context) error {
		snap, err := e.Tasks.GetSnapshot(ctx, taskID)
		if err != nil {
			return collaborator("get snapshot", taskID, err)
		}
		if err := auth.Authorize(kind, snap, p.Actor); err != nil {
			return err
		}
		res, err := lifecycle.Apply(kind, snap, p)
		if err != nil {
			return err
		}
		stored, err = e.Tasks.ApplyTransition(ctx, res.Snapshot, res.Audit)
		if err != nil {
			return collaborator("apply transition", taskID, err)
		}
		audit = res.Audit
		if res.Rescore {
			// The transition is committed; a failed sync heals on the next pass.
			if err := e.syncMetrics(ctx, stored, p.Now); err != nil {
				e.logger().Error("metrics sync failed", "task_id", taskID, "error", err)
			}
		}
		return nil
	})
	e.Telemetry.Transition(string(kind), err)
	if err != nil {
		return domain.TaskSnapshot{}, err
	}
	e.logger().Info("task transition", "task_id", taskID, "kind", kind, "actor", p.Actor, "status", stored.Status)
	e.publishAudit(ctx, taskID, audit)
	e.announce(ctx, kind, stored, p.Now)
	return stored, nil
}

func (e Engine) ApproveTask(ctx context.Context, taskID, actor string) (domain.TaskSnapshot, error) {
	return e.Transition(ctx, taskID, lifecycle.KindApproveTask, lifecycle.Params{Actor: actor})
}

func (e Engine) RejectTask(ctx context.Context, taskID, actor, reason string) (domain.TaskSnapshot, error) {
	return e.Transition(ctx, taskID, lifecycle.KindRejectTask, lifecycle.Params{Actor: actor, Reason: reason})
}

func (e Engine) ReviseTask(ctx context.Context, taskID, actor string, due *time.Time) (domain.TaskSnapshot, error) {
	return e.Transition(ctx, taskID, lifecycle.KindReviseTask, lifecycle.Params{Actor: actor, DueDate: due})
}

func (e Engine) RequestCompletion(ctx context.Context, taskID, actor, note string) (domain.TaskSnapshot, error) {
	return e.Transition(ctx, taskID, lifecycle.KindRequestCompletion, lifecycle.Params{Actor: actor, Note: note})
}

func (e Engine) ApproveCompletion(ctx context.Context, taskID, actor string) (domain.TaskSnapshot, error) {
	return e.Transition(ctx, taskID, lifecycle.KindApproveCompletion, lifecycle.Params{Actor: actor})
}

func (e Engine) RejectCompletion(ctx context.Context, taskID, actor string, due time.Time, reason string) (domain.TaskSnapshot, error) {
	return e.Transition(ctx, taskID, lifecycle.KindRejectCompletion, lifecycle.Params{Actor: actor, DueDate: &due, Reason: reason})
}

func (e Engine) RequestExtension(ctx context.Context, taskID, actor string, due time.Time, reason string) (domain.TaskSnapshot, error) {
	return e.Transition(ctx, taskID, lifecycle.KindRequestExtension, lifecycle.Params{Actor: actor, DueDate: &due, Reason: reason})
}

func (e Engine) ApproveExtension(ctx context.Context, taskID, actor string) (domain.TaskSnapshot, error) {
	return e.Transition(ctx, taskID, lifecycle.KindApproveExtension, lifecycle.Params{Actor: actor})
}

func (e Engine) RejectExtension(ctx context.Context, taskID, actor, reason string) (domain.TaskSnapshot, error) {
	return e.Transition(ctx, taskID, lifecycle.KindRejectExtension, lifecycle.Params{Actor: actor, Reason: reason})
}

// MarkReminderRead acknowledges stage, or the last recorded stage when empty.
func (e Engine) MarkReminderRead(ctx context.Context, taskID, actor string, stage domain.Stage) (domain.TaskSnapshot, error) {
	return e.Transition(ctx, taskID, lifecycle.KindMarkReminderRead, lifecycle.Params{Actor: actor, Stage: stage})
}

// SyncTask recomputes the metrics record of one task.
func (e Engine) SyncTask(ctx context.Context, taskID string) (domain.TaskMetricsRecord, error) {
	var rec domain.TaskMetricsRecord
	err := e.coord().Guard(ctx, taskID, func(ctx context.Context) error {
		snap, err := e.Tasks.GetSnapshot(ctx, taskID)
		if err != nil {
			return collaborator("get snapshot", taskID, err)
		}
		rec = scoring.BuildRecord(snap, snap.ReminderStage, e.now())
		if err := e.Metrics.UpsertMetrics(ctx, rec); err != nil {
			return collaborator("upsert metrics", taskID, err)
		}
		return nil
	})
	return rec, err
}

func (e Engine) syncMetrics(ctx context.Context, snap domain.TaskSnapshot, now time.Time) error {
	if e.Metrics == nil {
		return nil
	}
	rec := scoring.BuildRecord(snap, snap.ReminderStage, now)
	if err := e.Metrics.UpsertMetrics(ctx, rec); err != nil {
		return collaborator("upsert metrics", snap.ID, err)
	}
	return nil
}

func (e Engine) publishAudit(ctx context.Context, taskID string, entry domain.AuditEntry) {
	if e.Audit == nil {
		return
	}
	if err := e.Audit.PublishAudit(ctx, taskID, entry); err != nil {
		e.logger().Warn("audit publish failed", "task_id", taskID, "event", entry.EventType, "error", err)
	}
}

// resolve binds a party address to a chat identity. Without a directory the
// address itself is the identity.
func (e Engine) resolve(ctx context.Context, taskID, address, role string) (domain.Identity, error) {
	if strings.TrimSpace(address) == "" {
		return domain.Identity{}, IdentityUnresolved{TaskID: taskID, Role: role}
	}
	if e.Directory == nil {
		return domain.Identity{Address: address}, nil
	}
	id, ok, err := e.Directory.ResolveIdentity(ctx, address)
	if err != nil {
		return domain.Identity{}, collaborator("resolve identity", taskID, err)
	}
	if !ok {
		e.Telemetry.IdentityUnresolved()
		return domain.Identity{}, IdentityUnresolved{TaskID: taskID, Address: address, Role: role}
	}
	if id.Address == "" {
		id.Address = address
	}
	return id, nil
}

func (e Engine) send(ctx context.Context, msg notify.Message) error {
	if e.Notifier == nil {
		return nil
	}
	err := e.Notifier.Notify(ctx, msg)
	e.Telemetry.Notification(msg.Topic, err)
	return err
}
