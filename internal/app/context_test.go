package app

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskflow/internal/config"
	"taskflow/internal/engine"
	"taskflow/internal/lifecycle"
)

func TestOpenWiresWorkspace(t *testing.T) {
	ws := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(ws, ".taskflow"), 0o755))
	dir := "roster:\n  - email: boss@example.com\n    chat_id: U1\n  - email: worker@example.com\n    chat_id: U2\n"
	require.NoError(t, os.WriteFile(filepath.Join(ws, ".taskflow", "directory.yml"), []byte(dir), 0o644))

	a, err := Open(context.Background(), Options{Workspace: ws})
	require.NoError(t, err)
	defer a.Close()

	assert.Equal(t, "Asia/Tokyo", a.Repo.Loc.String())
	assert.Len(t, a.Directory.Roster(), 2)
	assert.Nil(t, a.Webhooks)

	task, err := a.Engine.CreateTask(context.Background(), lifecycle.NewTask{Title: "report", Assignee: "worker@example.com"}, "boss@example.com")
	require.NoError(t, err)
	got, err := a.Repo.GetSnapshot(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, "report", got.Title)

	s, err := a.Scheduler()
	require.NoError(t, err)
	names := []string{}
	for _, st := range s.Snapshot() {
		names = append(names, st.Name)
	}
	assert.Equal(t, []string{engine.PassEscalations, engine.PassReminders}, names)
}

func TestOpenBuildsWebhookDispatcher(t *testing.T) {
	cfg := config.Default()
	cfg.Notify.Webhooks = []config.WebhookHook{{URL: "https://hooks.example.com/a", Events: []string{"task_*"}}}
	a, err := Open(context.Background(), Options{Workspace: t.TempDir(), Config: cfg})
	require.NoError(t, err)
	defer a.Close()
	assert.NotNil(t, a.Webhooks)
}

func TestOpenRequiresSlackToken(t *testing.T) {
	cfg := config.Default()
	cfg.Notify.Slack.Enabled = true
	t.Setenv("TASKFLOW_SLACK_BOT_TOKEN", "")
	_, err := Open(context.Background(), Options{Workspace: t.TempDir(), Config: cfg})
	require.Error(t, err)

	a, err := Open(context.Background(), Options{Workspace: t.TempDir(), Config: cfg, Offline: true})
	require.NoError(t, err)
	a.Close()
}
