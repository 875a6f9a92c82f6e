package engine_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"taskflow/internal/config"
	"taskflow/internal/db"
	"taskflow/internal/domain"
	"taskflow/internal/engine"
	"taskflow/internal/engine/auth"
	"taskflow/internal/events"
	"taskflow/internal/identity"
	"taskflow/internal/lifecycle"
	"taskflow/internal/migrate"
	"taskflow/internal/notify"
	"taskflow/internal/repo"
)

var jst = time.FixedZone("JST", 9*3600)

const (
	boss    = "boss@example.com"
	worker  = "worker@example.com"
	watcher = "watch@example.com"
)

type recorder struct {
	mu   sync.Mutex
	msgs []notify.Message
	fail error
}

func (r *recorder) Notify(_ context.Context, msg notify.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail != nil {
		return r.fail
	}
	r.msgs = append(r.msgs, msg)
	return nil
}

func (r *recorder) topics(recipient string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, m := range r.msgs {
		if m.Recipient.Address == recipient {
			out = append(out, m.Topic)
		}
	}
	return out
}

func (r *recorder) reset() {
	r.mu.Lock()
	r.msgs = nil
	r.mu.Unlock()
}

type testEnv struct {
	Engine engine.Engine
	Repo   repo.Repo
	Sent   *recorder
	Ctx    context.Context
	now    *time.Time
}

func (env testEnv) setNow(t time.Time) { *env.now = t }

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	now := time.Date(2026, 4, 1, 9, 0, 0, 0, jst)
	clock := func() time.Time { return now }
	r := repo.Repo{DB: conn, Loc: jst, Events: events.Writer{Now: clock}}

	cfg := config.Default()
	cfg.Watchers = []string{watcher}
	eng := engine.New(r, cfg)
	eng.Loc = jst
	eng.Now = clock
	sent := &recorder{}
	eng.Notifier = sent
	eng.Directory = identity.NewDirectory(identity.File{Roster: []domain.Identity{
		{Address: boss, ChatID: "U1"},
		{Address: worker, ChatID: "U2"},
		{Address: watcher, ChatID: "U3"},
	}}, nil)
	return testEnv{Engine: eng, Repo: r, Sent: sent, Ctx: context.Background(), now: &now}
}

func at(day, hour int) time.Time {
	return time.Date(2026, 4, day, hour, 0, 0, 0, jst)
}

func createApproved(t *testing.T, env testEnv, due time.Time) domain.TaskSnapshot {
	t.Helper()
	task, err := env.Engine.CreateTask(env.Ctx, lifecycle.NewTask{Title: "report", Assignee: worker, DueDate: &due}, boss)
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	task, err = env.Engine.ApproveTask(env.Ctx, task.ID, worker)
	if err != nil {
		t.Fatalf("approve task: %v", err)
	}
	env.Sent.reset()
	return task
}

func TestCreateAndApproveNotifiesParties(t *testing.T) {
	env := newTestEnv(t)
	due := at(3, 18)
	task, err := env.Engine.CreateTask(env.Ctx, lifecycle.NewTask{Title: "report", Assignee: worker, DueDate: &due}, boss)
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	if task.ID == "" || task.Status != domain.StatusPending || task.Requester != boss {
		t.Fatalf("unexpected task %+v", task)
	}
	if got := env.Sent.topics(worker); len(got) != 1 || got[0] != engine.TopicApprovalRequested {
		t.Fatalf("assignee notifications = %v", got)
	}

	task, err = env.Engine.ApproveTask(env.Ctx, task.ID, worker)
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	if task.Status != domain.StatusApproved {
		t.Fatalf("status = %s", task.Status)
	}
	if got := env.Sent.topics(boss); len(got) != 1 || got[0] != lifecycle.EventTaskApproved {
		t.Fatalf("requester notifications = %v", got)
	}
	if got := env.Sent.topics(watcher); len(got) != 1 || got[0] != lifecycle.EventTaskApproved {
		t.Fatalf("watcher notifications = %v", got)
	}

	audit, err := env.Repo.ListAudit(env.Ctx, task.ID, 10)
	if err != nil {
		t.Fatalf("list audit: %v", err)
	}
	if len(audit) != 2 || audit[0].EventType != lifecycle.EventTaskApproved || audit[0].Actor != worker {
		t.Fatalf("unexpected audit %+v", audit)
	}
}

func TestTransitionRejectsWrongParty(t *testing.T) {
	env := newTestEnv(t)
	due := at(3, 18)
	task, err := env.Engine.CreateTask(env.Ctx, lifecycle.NewTask{Title: "report", Assignee: worker, DueDate: &due}, boss)
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	_, err = env.Engine.ApproveTask(env.Ctx, task.ID, boss)
	var forbidden auth.ForbiddenError
	if !errors.As(err, &forbidden) {
		t.Fatalf("expected forbidden, got %v", err)
	}
	if got := engine.ErrorKind(err); got != "forbidden" {
		t.Fatalf("kind = %s", got)
	}
}

func TestInvalidTransitionLeavesTaskUnchanged(t *testing.T) {
	env := newTestEnv(t)
	due := at(3, 18)
	task, err := env.Engine.CreateTask(env.Ctx, lifecycle.NewTask{Title: "report", Assignee: worker, DueDate: &due}, boss)
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	_, err = env.Engine.RequestCompletion(env.Ctx, task.ID, worker, "")
	var invalid lifecycle.InvalidTransition
	if !errors.As(err, &invalid) {
		t.Fatalf("expected invalid transition, got %v", err)
	}
	got, err := env.Repo.GetSnapshot(env.Ctx, task.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != domain.StatusPending || got.CompletionStatus != domain.CompletionNone {
		t.Fatalf("task changed: %+v", got)
	}
}

func TestUnknownTaskIsNotFound(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.ApproveTask(env.Ctx, "missing", worker)
	if !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestReminderPassRepeatsDueUntilRead(t *testing.T) {
	env := newTestEnv(t)
	task := createApproved(t, env, at(3, 18))

	env.setNow(at(2, 19))
	sum, err := env.Engine.RunReminderPass(env.Ctx, time.Time{})
	if err != nil {
		t.Fatalf("pass: %v", err)
	}
	if sum.Checked != 1 || sum.Notified != 1 || sum.Notifications[0].Topic != string(domain.StageBeforeDue) {
		t.Fatalf("before_due pass = %+v", sum)
	}
	sum, _ = env.Engine.RunReminderPass(env.Ctx, time.Time{})
	if sum.Notified != 0 {
		t.Fatalf("before_due must fire once, got %+v", sum)
	}

	env.setNow(at(3, 9))
	for i := 0; i < 2; i++ {
		sum, _ = env.Engine.RunReminderPass(env.Ctx, time.Time{})
		if sum.Notified != 1 || sum.Notifications[0].Topic != string(domain.StageDue) {
			t.Fatalf("due pass %d = %+v", i, sum)
		}
	}
	if _, err := env.Engine.MarkReminderRead(env.Ctx, task.ID, worker, ""); err != nil {
		t.Fatalf("mark read: %v", err)
	}
	sum, _ = env.Engine.RunReminderPass(env.Ctx, time.Time{})
	if sum.Notified != 0 {
		t.Fatalf("read due reminder must stay quiet, got %+v", sum)
	}

	env.setNow(at(4, 9))
	sum, _ = env.Engine.RunReminderPass(env.Ctx, time.Time{})
	if sum.Notified != 1 || sum.Notifications[0].Topic != string(domain.StageOverdue) {
		t.Fatalf("overdue pass = %+v", sum)
	}
	got, err := env.Repo.GetSnapshot(env.Ctx, task.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.ReminderStage != domain.StageOverdue || got.LastReminderSentAt == nil {
		t.Fatalf("reminder not recorded: %+v", got)
	}
	rec, err := env.Repo.GetMetrics(env.Ctx, task.ID)
	if err != nil {
		t.Fatalf("metrics: %v", err)
	}
	if rec.OverduePoints != 1 {
		t.Fatalf("overdue points = %d", rec.OverduePoints)
	}
	summaries, err := env.Repo.ListSummaries(env.Ctx)
	if err != nil {
		t.Fatalf("summaries: %v", err)
	}
	if len(summaries) != 1 || summaries[0].Assignee != worker || summaries[0].TotalOverduePoints != 1 {
		t.Fatalf("summaries = %+v", summaries)
	}
}

func TestReminderPassSkipsUnresolvedAssignee(t *testing.T) {
	env := newTestEnv(t)
	env.Engine.Directory = identity.NewDirectory(identity.File{Roster: []domain.Identity{{Address: boss, ChatID: "U1"}}}, nil)
	task := createApproved(t, env, at(3, 18))

	env.setNow(at(3, 9))
	sum, err := env.Engine.RunReminderPass(env.Ctx, time.Time{})
	if err != nil {
		t.Fatalf("pass: %v", err)
	}
	if sum.Skipped != 1 || sum.Notified != 0 || len(sum.Errors) != 0 {
		t.Fatalf("summary = %+v", sum)
	}
	got, _ := env.Repo.GetSnapshot(env.Ctx, task.ID)
	if got.ReminderStage != domain.StageNone {
		t.Fatalf("reminder must not be recorded, got %s", got.ReminderStage)
	}
}

func TestReminderPassNotifierFailureIsRetried(t *testing.T) {
	env := newTestEnv(t)
	task := createApproved(t, env, at(3, 18))
	env.Sent.fail = errors.New("chat down")

	env.setNow(at(3, 9))
	sum, err := env.Engine.RunReminderPass(env.Ctx, time.Time{})
	if err != nil {
		t.Fatalf("pass: %v", err)
	}
	if len(sum.Errors) != 1 || sum.Errors[0].Kind != "collaborator" || sum.Errors[0].TaskID != task.ID {
		t.Fatalf("summary = %+v", sum)
	}
	got, _ := env.Repo.GetSnapshot(env.Ctx, task.ID)
	if got.ReminderStage != domain.StageNone {
		t.Fatalf("failed send must not be recorded")
	}

	env.Sent.fail = nil
	sum, _ = env.Engine.RunReminderPass(env.Ctx, time.Time{})
	if sum.Notified != 1 {
		t.Fatalf("retry pass = %+v", sum)
	}
}

func TestCompletionFlowClearsPoints(t *testing.T) {
	env := newTestEnv(t)
	task := createApproved(t, env, at(3, 18))

	env.setNow(at(4, 9))
	if _, err := env.Engine.RunReminderPass(env.Ctx, time.Time{}); err != nil {
		t.Fatalf("pass: %v", err)
	}
	if _, err := env.Engine.RequestCompletion(env.Ctx, task.ID, worker, ""); err == nil {
		t.Fatalf("late completion without note must fail")
	}
	if _, err := env.Engine.RequestCompletion(env.Ctx, task.ID, worker, "waited on data"); err != nil {
		t.Fatalf("request completion: %v", err)
	}
	if got := env.Sent.topics(boss); len(got) == 0 || got[len(got)-1] != lifecycle.EventCompletionRequested {
		t.Fatalf("requester notifications = %v", got)
	}
	rec, _ := env.Repo.GetMetrics(env.Ctx, task.ID)
	if rec.OverduePoints != 1 {
		t.Fatalf("late request keeps the point, got %d", rec.OverduePoints)
	}

	newDue := at(10, 18)
	if _, err := env.Engine.RejectCompletion(env.Ctx, task.ID, boss, newDue, "missing appendix"); err != nil {
		t.Fatalf("reject completion: %v", err)
	}
	rec, _ = env.Repo.GetMetrics(env.Ctx, task.ID)
	if rec.OverduePoints != 0 {
		t.Fatalf("future due date must clear the point, got %d", rec.OverduePoints)
	}
	got, _ := env.Repo.GetSnapshot(env.Ctx, task.ID)
	if got.ReminderStage != domain.StageNone || got.Tracking.Kind() != domain.TrackingPerStage {
		t.Fatalf("reminders not reset: %+v", got)
	}
}

func TestEscalationPassNotifiesBothParties(t *testing.T) {
	env := newTestEnv(t)
	due := at(5, 18)
	task, err := env.Engine.CreateTask(env.Ctx, lifecycle.NewTask{Title: "report", Assignee: worker, DueDate: &due}, boss)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	env.Sent.reset()

	env.setNow(at(1, 14))
	sum, _ := env.Engine.RunApprovalEscalationPass(env.Ctx, time.Time{})
	if len(sum.Notifications) != 0 {
		t.Fatalf("escalation before interval: %+v", sum)
	}

	env.setNow(at(1, 15))
	sum, err = env.Engine.RunApprovalEscalationPass(env.Ctx, time.Time{})
	if err != nil {
		t.Fatalf("pass: %v", err)
	}
	if len(sum.Notifications) != 2 || sum.Notifications[0].Recipient != worker || sum.Notifications[1].Recipient != boss {
		t.Fatalf("notifications = %+v", sum.Notifications)
	}
	got, _ := env.Repo.GetSnapshot(env.Ctx, task.ID)
	if got.ApprovalReminderLastSentAt == nil || !got.ApprovalReminderLastSentAt.Equal(at(1, 15)) {
		t.Fatalf("approval reminder not recorded: %v", got.ApprovalReminderLastSentAt)
	}

	env.setNow(at(1, 20))
	sum, _ = env.Engine.RunApprovalEscalationPass(env.Ctx, time.Time{})
	if len(sum.Notifications) != 0 {
		t.Fatalf("escalation must wait a full interval after the last one: %+v", sum)
	}
}

func TestConcurrentTransitionsOnOneTaskSerialize(t *testing.T) {
	env := newTestEnv(t)
	task := createApproved(t, env, at(3, 18))

	var wg sync.WaitGroup
	errs := make([]error, 4)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = env.Engine.RequestExtension(env.Ctx, task.ID, worker, at(8, 18), "more data")
		}(i)
	}
	wg.Wait()
	ok := 0
	for _, err := range errs {
		if err == nil {
			ok++
			continue
		}
		var invalid lifecycle.InvalidTransition
		if !errors.As(err, &invalid) {
			t.Fatalf("unexpected error %v", err)
		}
	}
	if ok != 1 {
		t.Fatalf("expected exactly one extension request to succeed, got %d", ok)
	}
}
