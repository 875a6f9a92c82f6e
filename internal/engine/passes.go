package engine

import (
	"context"
	"errors"
	"time"

	"golang.org/x/sync/errgroup"

	"taskflow/internal/domain"
	"taskflow/internal/lifecycle"
	"taskflow/internal/notify"
	"taskflow/internal/reminder"
)

// Pass names used in summaries, logs and metrics.
const (
	PassReminders   = "reminders"
	PassEscalations = "escalations"
	PassSummaries   = "summaries"
)

// NotificationRecord describes one delivered notification.
type NotificationRecord struct {
	TaskID    string `json:"task_id"`
	Topic     string `json:"topic"`
	Role      string `json:"role"`
	Recipient string `json:"recipient"`
}

// PassError is an item-level failure that did not stop the pass.
type PassError struct {
	TaskID string `json:"task_id,omitempty"`
	Kind   string `json:"kind"`
	Error  string `json:"error"`
}

// PassSummary reports what a scheduler pass did.
type PassSummary struct {
	Pass          string               `json:"pass"`
	Timestamp     time.Time            `json:"timestamp"`
	Checked       int                  `json:"checked"`
	Notified      int                  `json:"notified"`
	Skipped       int                  `json:"skipped"`
	Notifications []NotificationRecord `json:"notifications"`
	Errors        []PassError          `json:"errors"`
}

type itemOutcome struct {
	taskID        string
	notifications []NotificationRecord
	skipped       bool
	err           error
}

// RunReminderPass evaluates every active task, sends the reminders the dedup
// policy allows and refreshes assignee summaries. A zero now means the
// engine clock. Item failures land in the summary; only failing to list
// tasks is returned as an error.
func (e Engine) RunReminderPass(ctx context.Context, now time.Time) (PassSummary, error) {
	started := time.Now()
	now = e.passTime(now)
	summary := PassSummary{Pass: PassReminders, Timestamp: now}
	tasks, err := e.Tasks.ListActiveTasks(ctx)
	if err != nil {
		return summary, collaborator("list active tasks", "", err)
	}
	outcomes := e.forEach(ctx, tasks, func(ctx context.Context, taskID string) itemOutcome {
		return e.remindTask(ctx, taskID, now)
	})
	e.collect(&summary, outcomes)
	if _, err := e.RefreshSummaries(ctx, now); err != nil {
		summary.Errors = append(summary.Errors, PassError{Kind: ErrorKind(err), Error: err.Error()})
	}
	e.finish(summary, time.Since(started))
	return summary, nil
}

// RunApprovalEscalationPass re-notifies both parties of tasks whose
// pending decision has waited longer than the escalation interval.
func (e Engine) RunApprovalEscalationPass(ctx context.Context, now time.Time) (PassSummary, error) {
	started := time.Now()
	now = e.passTime(now)
	summary := PassSummary{Pass: PassEscalations, Timestamp: now}
	tasks, err := e.Tasks.ListPendingApprovalTasks(ctx)
	if err != nil {
		return summary, collaborator("list pending approvals", "", err)
	}
	outcomes := e.forEach(ctx, tasks, func(ctx context.Context, taskID string) itemOutcome {
		return e.escalateTask(ctx, taskID, now)
	})
	e.collect(&summary, outcomes)
	e.finish(summary, time.Since(started))
	return summary, nil
}

// RefreshSummaries rebuilds every assignee summary from the stored metrics.
func (e Engine) RefreshSummaries(ctx context.Context, now time.Time) ([]domain.AssigneeMetricsSummary, error) {
	started := time.Now()
	now = e.passTime(now)
	records, err := e.Metrics.ListMetrics(ctx)
	if err != nil {
		return nil, collaborator("list metrics", "", err)
	}
	summaries := e.Aggregator.Summaries(records, now)
	if err := e.Metrics.UpsertSummaries(ctx, summaries); err != nil {
		e.Telemetry.ObservePass(PassSummaries, time.Since(started), 1)
		return nil, collaborator("upsert summaries", "", err)
	}
	e.Telemetry.ObservePass(PassSummaries, time.Since(started), 0)
	e.logger().Info("summaries refreshed", "assignees", len(summaries), "records", len(records))
	return summaries, nil
}

func (e Engine) passTime(now time.Time) time.Time {
	if now.IsZero() {
		return e.now()
	}
	return now.In(e.loc())
}

// forEach runs fn for every task with at most MaxInFlight items in flight.
// Results keep the order of tasks.
func (e Engine) forEach(ctx context.Context, tasks []domain.TaskSnapshot, fn func(context.Context, string) itemOutcome) []itemOutcome {
	out := make([]itemOutcome, len(tasks))
	var g errgroup.Group
	g.SetLimit(e.coord().MaxInFlight())
	for i, t := range tasks {
		g.Go(func() error {
			out[i] = fn(ctx, t.ID)
			out[i].taskID = t.ID
			return nil
		})
	}
	_ = g.Wait()
	return out
}

func (e Engine) collect(summary *PassSummary, outcomes []itemOutcome) {
	summary.Notifications = []NotificationRecord{}
	summary.Errors = []PassError{}
	for _, o := range outcomes {
		summary.Checked++
		summary.Notifications = append(summary.Notifications, o.notifications...)
		if len(o.notifications) > 0 {
			summary.Notified++
		}
		var unresolved IdentityUnresolved
		switch {
		case o.err == nil:
			if o.skipped {
				summary.Skipped++
			}
		case errors.As(o.err, &unresolved):
			summary.Skipped++
			e.logger().Warn("identity unresolved", "pass", summary.Pass, "task_id", o.taskID, "role", unresolved.Role, "address", unresolved.Address)
		default:
			summary.Errors = append(summary.Errors, PassError{TaskID: o.taskID, Kind: ErrorKind(o.err), Error: o.err.Error()})
			e.logger().Error("pass item failed", "pass", summary.Pass, "task_id", o.taskID, "error", o.err)
		}
	}
}

func (e Engine) finish(summary PassSummary, took time.Duration) {
	e.Telemetry.ObservePass(summary.Pass, took, len(summary.Errors))
	e.logger().Info("pass finished",
		"pass", summary.Pass,
		"checked", summary.Checked,
		"notified", summary.Notified,
		"skipped", summary.Skipped,
		"errors", len(summary.Errors),
		"took", took)
}

func (e Engine) remindTask(ctx context.Context, taskID string, now time.Time) itemOutcome {
	var out itemOutcome
	out.err = e.coord().Guard(ctx, taskID, func(ctx context.Context) error {
		snap, err := e.Tasks.GetSnapshot(ctx, taskID)
		if err != nil {
			return collaborator("get snapshot", taskID, err)
		}
		if err := e.syncMetrics(ctx, snap, now); err != nil {
			return err
		}
		decision := e.Resolver.Decide(snap, now)
		if !decision.Notify {
			return nil
		}
		recipient, err := e.resolve(ctx, taskID, snap.Assignee, notify.RoleAssignee)
		if err != nil {
			return err
		}
		msg := notify.Message{Recipient: recipient, Role: notify.RoleAssignee, Topic: string(decision.Stage), Task: snap, SentAt: now}
		if err := e.send(ctx, msg); err != nil {
			return collaborator("notify", taskID, err)
		}
		out.notifications = append(out.notifications, record(msg))
		res, err := lifecycle.RecordReminder(snap, lifecycle.Params{Actor: SystemActor, Now: now, Stage: decision.Stage})
		if err != nil {
			return err
		}
		stored, err := e.Tasks.ApplyTransition(ctx, res.Snapshot, res.Audit)
		if err != nil {
			return collaborator("record reminder", taskID, err)
		}
		e.publishAudit(ctx, taskID, res.Audit)
		return e.syncMetrics(ctx, stored, now)
	})
	return out
}

// escalateTask notifies the deciding party first, then the party waiting
// on the decision. The reminder is recorded when at least one was reached.
func (e Engine) escalateTask(ctx context.Context, taskID string, now time.Time) itemOutcome {
	var out itemOutcome
	out.err = e.coord().Guard(ctx, taskID, func(ctx context.Context) error {
		snap, err := e.Tasks.GetSnapshot(ctx, taskID)
		if err != nil {
			return collaborator("get snapshot", taskID, err)
		}
		esc, ok := e.Escalator.Due(snap, now)
		if !ok {
			out.skipped = true
			return nil
		}
		var firstErr error
		for _, p := range escalationParties(esc.Kind, snap) {
			recipient, err := e.resolve(ctx, taskID, p.address, p.role)
			if err == nil {
				msg := notify.Message{Recipient: recipient, Role: p.role, Topic: string(esc.Kind), Task: snap, SentAt: now}
				if err = e.send(ctx, msg); err == nil {
					out.notifications = append(out.notifications, record(msg))
					continue
				}
				err = collaborator("notify", taskID, err)
			}
			if firstErr == nil {
				firstErr = err
			}
		}
		if len(out.notifications) == 0 {
			return firstErr
		}
		if firstErr != nil {
			e.logger().Warn("escalation partially delivered", "task_id", taskID, "kind", esc.Kind, "error", firstErr)
		}
		res, err := lifecycle.RecordApprovalReminder(snap, lifecycle.Params{Actor: SystemActor, Now: now, Reason: string(esc.Kind)})
		if err != nil {
			return err
		}
		if _, err := e.Tasks.ApplyTransition(ctx, res.Snapshot, res.Audit); err != nil {
			return collaborator("record approval reminder", taskID, err)
		}
		e.publishAudit(ctx, taskID, res.Audit)
		return nil
	})
	return out
}

type party struct {
	address string
	role    string
}

func escalationParties(kind reminder.ApprovalKind, snap domain.TaskSnapshot) []party {
	assignee := party{address: snap.Assignee, role: notify.RoleAssignee}
	requester := party{address: snap.Requester, role: notify.RoleRequester}
	if kind == reminder.ApprovalTask {
		return []party{assignee, requester}
	}
	return []party{requester, assignee}
}

func record(msg notify.Message) NotificationRecord {
	return NotificationRecord{TaskID: msg.Task.ID, Topic: msg.Topic, Role: msg.Role, Recipient: msg.Recipient.Address}
}
