package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"taskflow/internal/app"
	"taskflow/internal/config"
	"taskflow/internal/db"
	"taskflow/internal/engine"
	"taskflow/internal/identity"
	"taskflow/internal/migrate"
	"taskflow/internal/server"
)

const directoryTemplate = `# Maps task addresses to chat identities.
roster: []
#  - email: alice@example.com
#    chat_id: U0123456789
#    name: Alice
overrides: []
#  - address: bob@contractor.example
#    chat_id: U0987654321
`

func initCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize a workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			cfgPath := config.Path(workspace)
			if err := writeIfMissing(cfgPath, config.GenerateDefault(), 0o644, force); err != nil {
				return err
			}
			cfg, err := config.Load(workspace)
			if err != nil {
				return err
			}
			dirPath := config.ResolvePath(workspace, cfg.Identity.DirectoryFile)
			if dirPath != "" {
				if err := writeIfMissing(dirPath, directoryTemplate, 0o644, force); err != nil {
					return err
				}
			}
			fmt.Printf("Initialized workspace %s\n  db:        %s\n  config:    %s\n  directory: %s\n", workspace, db.Path(workspace), cfgPath, dirPath)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite existing config and directory files")
	return cmd
}

func writeIfMissing(path, content string, perm os.FileMode, force bool) error {
	if _, err := os.Stat(path); err == nil && !force {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(content), perm)
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var noScheduler bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server and the reminder scheduler",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), false, func(ctx context.Context, a *app.App) error {
				if addr == "" {
					addr = a.Config.Server.Addr
				}
				if basePath == "" {
					basePath = a.Config.Server.BasePath
				}
				authCfg := server.AuthConfig{
					JWTSecret:        a.Credentials.Auth.JWTSecret,
					TrustActorHeader: a.Config.Server.TrustActorHeader,
					Logger:           a.Logger,
				}
				if authCfg.JWTSecret == "" && !authCfg.TrustActorHeader {
					return fmt.Errorf("a jwt secret (auth.jwt_secret or TASKFLOW_JWT_SECRET) or server.trust_actor_header is required")
				}
				handler, err := server.New(server.Config{
					Engine:   a.Engine,
					Repo:     a.Repo,
					BasePath: basePath,
					Auth:     authCfg,
					Metrics:  a.Metrics,
				})
				if err != nil {
					return err
				}
				if a.Config.Identity.Watch {
					if err := a.Directory.Watch(ctx); err != nil {
						return err
					}
				}

				g, ctx := errgroup.WithContext(ctx)
				if !noScheduler {
					sched, err := a.Scheduler()
					if err != nil {
						return err
					}
					g.Go(func() error {
						if err := sched.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
							return err
						}
						return nil
					})
				}
				if a.Webhooks != nil {
					g.Go(func() error {
						a.Webhooks.Run(ctx)
						return nil
					})
				}
				srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
				g.Go(func() error {
					<-ctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					return srv.Shutdown(shutdownCtx)
				})
				g.Go(func() error {
					fmt.Printf("Serving Taskflow API on http://%s%s (OpenAPI at /openapi.json, Swagger UI at /docs, metrics at /metrics)\n", addr, basePath)
					if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
						return err
					}
					return nil
				})
				return g.Wait()
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default server.addr)")
	cmd.Flags().StringVar(&basePath, "base-path", "", "API base path (default server.base_path)")
	cmd.Flags().BoolVar(&noScheduler, "no-scheduler", false, "do not run reminder and escalation passes")
	return cmd
}

type passFunc func(ctx context.Context, e engine.Engine, now time.Time) (engine.PassSummary, error)

func passCmd(use, short string, run passFunc) *cobra.Command {
	var at string
	cmd := &cobra.Command{
		Use:   use,
		Short: short,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), false, func(ctx context.Context, a *app.App) error {
				var now time.Time
				if at != "" {
					t, err := time.Parse(time.RFC3339, at)
					if err != nil {
						return fmt.Errorf("invalid --now: %w", err)
					}
					now = t
				}
				sum, err := run(ctx, a.Engine, now)
				if err != nil {
					return err
				}
				return printPass(sum)
			})
		},
	}
	cmd.Flags().StringVar(&at, "now", "", "evaluate at this RFC3339 instant instead of the clock")
	return cmd
}

func remindCmd() *cobra.Command {
	return passCmd("remind", "Send due reminders and refresh assignee summaries", func(ctx context.Context, e engine.Engine, now time.Time) (engine.PassSummary, error) {
		return e.RunReminderPass(ctx, now)
	})
}

func escalateCmd() *cobra.Command {
	return passCmd("escalate", "Nudge both parties about tasks still awaiting approval", func(ctx context.Context, e engine.Engine, now time.Time) (engine.PassSummary, error) {
		return e.RunApprovalEscalationPass(ctx, now)
	})
}

func printPass(sum engine.PassSummary) error {
	if viper.GetBool("json") {
		return printJSON(sum)
	}
	fmt.Printf("%s at %s: checked %d, notified %d, skipped %d, errors %d\n",
		sum.Pass, sum.Timestamp.Format(time.RFC3339), sum.Checked, sum.Notified, sum.Skipped, len(sum.Errors))
	if len(sum.Notifications) > 0 {
		tw := table.NewWriter()
		tw.SetOutputMirror(os.Stdout)
		tw.AppendHeader(table.Row{"Task", "Topic", "Role", "Recipient"})
		for _, n := range sum.Notifications {
			tw.AppendRow(table.Row{n.TaskID, n.Topic, n.Role, n.Recipient})
		}
		tw.Render()
	}
	if len(sum.Errors) > 0 {
		tw := table.NewWriter()
		tw.SetOutputMirror(os.Stdout)
		tw.AppendHeader(table.Row{"Task", "Kind", "Error"})
		for _, e := range sum.Errors {
			tw.AppendRow(table.Row{e.TaskID, e.Kind, e.Error})
		}
		tw.Render()
	}
	return nil
}

func summariesCmd() *cobra.Command {
	var refresh bool
	cmd := &cobra.Command{
		Use:   "summaries",
		Short: "Show per-assignee workload and overdue points",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), true, func(ctx context.Context, a *app.App) error {
				if refresh {
					if _, err := a.Engine.RefreshSummaries(ctx, time.Time{}); err != nil {
						return err
					}
				}
				list, err := a.Repo.ListSummaries(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(list)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Assignee", "Total", "Overdue", "Due <=3d", "Next due", "Points", "Calculated"})
				for _, s := range list {
					tw.AppendRow(table.Row{s.Assignee, s.TotalTasks, s.OverdueTasks, s.DueWithinThreeDays, formatDue(s.NextDueDate), s.TotalOverduePoints, s.LastCalculatedAt.Format("2006-01-02 15:04")})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&refresh, "refresh", false, "recompute before showing")
	return cmd
}

func identityCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "identity", Short: "Chat identity directory"}
	cmd.AddCommand(identityResolveCmd())
	cmd.AddCommand(identityMatchCmd())
	return cmd
}

func identityResolveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "resolve <email>",
		Short: "Resolve an address against the workspace directory",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), true, func(ctx context.Context, a *app.App) error {
				m, ok := a.Directory.Match(args[0])
				if !ok {
					return fmt.Errorf("no identity for %s", args[0])
				}
				return printMapping(m)
			})
		},
	}
}

func identityMatchCmd() *cobra.Command {
	var candidates string
	cmd := &cobra.Command{
		Use:   "match <email>",
		Short: "Match an address against a roster file without overrides",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(candidates)
			if err != nil {
				return err
			}
			var f identity.File
			if err := yaml.Unmarshal(data, &f); err != nil {
				return fmt.Errorf("parse %s: %w", candidates, err)
			}
			m, ok := identity.Resolve(args[0], f.Roster)
			if !ok {
				return fmt.Errorf("no candidate matches %s", args[0])
			}
			return printMapping(m)
		},
	}
	cmd.Flags().StringVar(&candidates, "candidates", "", "YAML file with a roster list")
	_ = cmd.MarkFlagRequired("candidates")
	return cmd
}

func printMapping(m identity.Mapping) error {
	if viper.GetBool("json") {
		return printJSON(map[string]any{
			"source":          m.SourceIdentity,
			"target":          m.TargetIdentity,
			"confidence":      m.Confidence,
			"match":           m.Source,
			"auto_approvable": m.AutoApprovable(),
		})
	}
	fmt.Printf("%s -> %s (%s) via %s, confidence %.2f, auto-approvable %t\n",
		m.SourceIdentity, m.TargetIdentity.ChatID, dash(m.TargetIdentity.Name), m.Source, m.Confidence, m.AutoApprovable())
	return nil
}

func configCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "config", Short: "Workspace config"}
	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(cfg)
			}
			out, err := yaml.Marshal(cfg)
			if err != nil {
				return err
			}
			fmt.Print(string(out))
			return nil
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Validate the config and credentials files",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			credsPath := config.ResolvePath(viper.GetString("workspace"), cfg.CredentialsFile)
			if _, err := config.LoadCredentials(credsPath); err != nil {
				return err
			}
			fmt.Printf("config ok (timezone %s)\n", cfg.Location())
			return nil
		},
	})
	return cmd
}

func tokenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "token",
		Short: "Issue an API bearer token for --actor",
		RunE: func(cmd *cobra.Command, args []string) error {
			who, err := actor()
			if err != nil {
				return err
			}
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			creds, err := config.LoadCredentials(config.ResolvePath(viper.GetString("workspace"), cfg.CredentialsFile))
			if err != nil {
				return err
			}
			tok, err := server.IssueToken(creds.WithEnv().Auth.JWTSecret, who)
			if err != nil {
				return err
			}
			fmt.Println(tok)
			return nil
		},
	}
}
