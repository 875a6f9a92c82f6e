package config

import (
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "Asia/Tokyo", cfg.Timezone)
	assert.Equal(t, 6, cfg.Concurrency.MaxInFlight)
	assert.Equal(t, 5*time.Minute, cfg.Reminders.Interval)
	assert.Equal(t, 24*time.Hour, cfg.Reminders.BeforeDueWindow)
	assert.Equal(t, 6*time.Hour, cfg.Escalation.Interval)
	assert.Equal(t, 72*time.Hour, cfg.Metrics.DueSoonWindow)
	assert.Equal(t, "/v0", cfg.Server.BasePath)
}

func TestFromYAMLKeepsDefaultsForMissingFields(t *testing.T) {
	cfg, err := FromYAML([]byte("timezone: UTC\nwatchers: [boss@example.com]\n"))
	require.NoError(t, err)
	assert.Equal(t, time.UTC, cfg.Location())
	assert.Equal(t, []string{"boss@example.com"}, cfg.Watchers)
	assert.Equal(t, 6, cfg.Concurrency.MaxInFlight)
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]string{
		"bad zone":     "timezone: Mars/Olympus\n",
		"concurrency":  "concurrency:\n  max_in_flight: 0\n",
		"interval":     "reminders:\n  interval: -1m\n",
		"webhook url":  "notify:\n  webhooks:\n    - url: ftp://example.com\n",
		"watcher":      "watchers: [nobody]\n",
		"base path":    "server:\n  base_path: v0\n",
		"watch no dir": "identity:\n  directory_file: \"\"\n  watch: true\n",
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := FromYAML([]byte(doc))
			require.Error(t, err)
		})
	}
}

func TestLoadOptionalMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := LoadOptional(t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)

	_, err = Load(t.TempDir())
	require.Error(t, err)
}

func TestLoadReadsWorkspaceFile(t *testing.T) {
	ws := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(ws, ".taskflow"), 0o755))
	require.NoError(t, os.WriteFile(Path(ws), []byte(GenerateDefault()), 0o644))
	cfg, err := Load(ws)
	require.NoError(t, err)
	assert.Equal(t, "Asia/Tokyo", cfg.Timezone)
	assert.Equal(t, filepath.Join(ws, ".taskflow/directory.yml"), ResolvePath(ws, cfg.Identity.DirectoryFile))
	assert.Equal(t, "/etc/dir.yml", ResolvePath(ws, "/etc/dir.yml"))
}

func TestLoadCredentials(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "credentials.toml")

	creds, err := LoadCredentials(path)
	require.NoError(t, err)
	assert.Empty(t, creds.Slack.BotToken)

	doc := "[slack]\nbot_token = \"xoxb-1\"\n\n[auth]\njwt_secret = \"s3cret\"\n\n[webhooks]\n\"https://hooks.example.com/a\" = \"hook\"\n"
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o600))
	creds, err = LoadCredentials(path)
	require.NoError(t, err)
	assert.Equal(t, "xoxb-1", creds.Slack.BotToken)
	assert.Equal(t, "s3cret", creds.Auth.JWTSecret)
	assert.Equal(t, "hook", creds.Webhooks["https://hooks.example.com/a"])

	require.NoError(t, os.WriteFile(path, []byte("[slack]\nbot_tokn = \"x\"\n"), 0o600))
	_, err = LoadCredentials(path)
	require.Error(t, err)
}

func TestLoadCredentialsRejectsOpenPermissions(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("permission bits are not enforced on windows")
	}
	path := filepath.Join(t.TempDir(), "credentials.toml")
	require.NoError(t, os.WriteFile(path, []byte("[auth]\njwt_secret = \"x\"\n"), 0o600))
	require.NoError(t, os.Chmod(path, 0o644))
	_, err := LoadCredentials(path)
	require.True(t, errors.Is(err, ErrInsecurePermissions))
}

func TestCredentialsWithEnv(t *testing.T) {
	t.Setenv("TASKFLOW_JWT_SECRET", "from-env")
	t.Setenv("TASKFLOW_SLACK_BOT_TOKEN", "env-token")
	var creds Credentials
	creds.Slack.BotToken = "file-token"
	creds = creds.WithEnv()
	assert.Equal(t, "file-token", creds.Slack.BotToken)
	assert.Equal(t, "from-env", creds.Auth.JWTSecret)
}
