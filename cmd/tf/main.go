package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"taskflow/internal/app"
	"taskflow/internal/config"
	"taskflow/internal/db"
)

var rootCmd = &cobra.Command{
	Use:   "tf",
	Short: "Taskflow CLI",
	Long: `Taskflow tracks requested tasks through approval, completion and due date
extension, and reminds people when work is due, overdue or waiting on them.

- Tasks: a requester asks an assignee; the assignee approves or rejects.
- Completion: the assignee requests it, the requester approves or reopens with a new due date.
- Extensions: the assignee asks for a later due date, the requester decides.
- Reminders: tf remind sends before_due, due and overdue reminders; tf escalate nudges pending approvals.
- Overdue points: one per approved task past due without an on-time completion request.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		_, err := db.EnsureWorkspace(viper.GetString("workspace"))
		return err
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("TASKFLOW")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	flags := rootCmd.PersistentFlags()
	flags.StringP("workspace", "w", ".", "workspace directory")
	flags.String("config", "", "config file (default <workspace>/.taskflow/config.yml)")
	flags.Bool("json", false, "output JSON")
	flags.String("actor", "", "email address of the person acting")
	flags.String("log-level", "info", "log level: debug, info, warn, error")
	flags.String("log-format", "text", "log format: text or json")
	for _, name := range []string{"workspace", "config", "json", "actor", "log-level", "log-format"} {
		_ = viper.BindPFlag(name, flags.Lookup(name))
	}
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(taskCmd())
	rootCmd.AddCommand(remindCmd())
	rootCmd.AddCommand(escalateCmd())
	rootCmd.AddCommand(summariesCmd())
	rootCmd.AddCommand(identityCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(tokenCmd())
	rootCmd.AddCommand(apiKeyCmd())
}

// --- helpers ---

func newLogger() *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(viper.GetString("log-level"))); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(viper.GetString("log-format"), "json") {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

func loadConfig() (*config.Config, error) {
	if path := viper.GetString("config"); path != "" {
		return config.FromFile(path)
	}
	return config.LoadOptional(viper.GetString("workspace"))
}

// withApp opens the workspace. Offline skips notification channels.
func withApp(ctx context.Context, offline bool, fn func(context.Context, *app.App) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	a, err := app.Open(ctx, app.Options{
		Workspace: viper.GetString("workspace"),
		Config:    cfg,
		Logger:    newLogger(),
		Offline:   offline,
	})
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

func actor() (string, error) {
	a := strings.TrimSpace(viper.GetString("actor"))
	if a == "" {
		return "", fmt.Errorf("--actor (or TASKFLOW_ACTOR) is required")
	}
	return a, nil
}

var dueLayouts = []string{"2006-01-02 15:04", "2006-01-02T15:04", "2006-01-02"}

// parseDue accepts RFC3339 or a wall-clock time in loc. A bare date means
// the end of that day.
func parseDue(s string, loc *time.Location) (time.Time, error) {
	s = strings.TrimSpace(s)
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.In(loc), nil
	}
	for _, layout := range dueLayouts {
		t, err := time.ParseInLocation(layout, s, loc)
		if err != nil {
			continue
		}
		if layout == "2006-01-02" {
			t = t.Add(24*time.Hour - time.Minute)
		}
		return t, nil
	}
	return time.Time{}, fmt.Errorf("invalid due date %q: use RFC3339, YYYY-MM-DD HH:MM or YYYY-MM-DD", s)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func formatDue(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.Format("2006-01-02 15:04")
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
