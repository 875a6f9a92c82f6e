package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"taskflow/internal/app"
	"taskflow/internal/domain"
	"taskflow/internal/lifecycle"
	"taskflow/internal/repo"
)

func taskCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "task", Short: "Task commands"}
	cmd.AddCommand(taskCreateCmd())
	cmd.AddCommand(taskListCmd())
	cmd.AddCommand(taskShowCmd())
	cmd.AddCommand(taskLogCmd())
	cmd.AddCommand(taskMetricsCmd())
	cmd.AddCommand(actionCmd("approve", "Approve a pending task (assignee)", func(ctx context.Context, a *app.App, id, who string) (domain.TaskSnapshot, error) {
		return a.Engine.ApproveTask(ctx, id, who)
	}))
	cmd.AddCommand(taskRejectCmd())
	cmd.AddCommand(taskReviseCmd())
	cmd.AddCommand(taskCompleteCmd())
	cmd.AddCommand(actionCmd("approve-completion", "Approve a completion request (requester)", func(ctx context.Context, a *app.App, id, who string) (domain.TaskSnapshot, error) {
		return a.Engine.ApproveCompletion(ctx, id, who)
	}))
	cmd.AddCommand(taskRejectCompletionCmd())
	cmd.AddCommand(taskExtendCmd())
	cmd.AddCommand(actionCmd("approve-extension", "Approve a due date extension (requester)", func(ctx context.Context, a *app.App, id, who string) (domain.TaskSnapshot, error) {
		return a.Engine.ApproveExtension(ctx, id, who)
	}))
	cmd.AddCommand(taskRejectExtensionCmd())
	cmd.AddCommand(taskReadCmd())
	return cmd
}

type transitionFunc func(ctx context.Context, a *app.App, id, actor string) (domain.TaskSnapshot, error)

// runTransition resolves the actor, applies fn to the task in args[0] and
// prints the resulting snapshot.
func runTransition(cmd *cobra.Command, args []string, fn transitionFunc) error {
	who, err := actor()
	if err != nil {
		return err
	}
	return withApp(cmd.Context(), false, func(ctx context.Context, a *app.App) error {
		snap, err := fn(ctx, a, args[0], who)
		if err != nil {
			return err
		}
		return printTask(snap)
	})
}

func actionCmd(use, short string, fn transitionFunc) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <task-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTransition(cmd, args, fn)
		},
	}
}

func taskCreateCmd() *cobra.Command {
	var id, title, desc, assignee, due string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Request a task from an assignee",
		RunE: func(cmd *cobra.Command, args []string) error {
			who, err := actor()
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), false, func(ctx context.Context, a *app.App) error {
				nt := lifecycle.NewTask{ID: id, Title: title, Description: desc, Assignee: assignee, Requester: who}
				if due != "" {
					t, err := parseDue(due, a.Config.Location())
					if err != nil {
						return err
					}
					nt.DueDate = &t
				}
				snap, err := a.Engine.CreateTask(ctx, nt, who)
				if err != nil {
					return err
				}
				return printTask(snap)
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "task id (default generated)")
	cmd.Flags().StringVar(&title, "title", "", "title")
	cmd.Flags().StringVar(&desc, "description", "", "description")
	cmd.Flags().StringVar(&assignee, "assignee", "", "assignee email")
	cmd.Flags().StringVar(&due, "due", "", "due date")
	_ = cmd.MarkFlagRequired("title")
	_ = cmd.MarkFlagRequired("assignee")
	return cmd
}

func taskListCmd() *cobra.Command {
	var f repo.TaskFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), true, func(ctx context.Context, a *app.App) error {
				tasks, err := a.Repo.ListTasks(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(tasks)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Title", "Status", "Completion", "Extension", "Due", "Assignee", "Requester", "Stage"})
				for _, t := range tasks {
					tw.AppendRow(table.Row{t.ID, t.Title, t.Status, dash(string(t.CompletionStatus)), dash(string(t.ExtensionStatus)), formatDue(t.DueDate), t.Assignee, t.Requester, dash(string(t.ReminderStage))})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.Status, "status", "", "status filter")
	cmd.Flags().StringVar(&f.Assignee, "assignee", "", "assignee filter")
	cmd.Flags().StringVar(&f.Requester, "requester", "", "requester filter")
	cmd.Flags().IntVar(&f.Limit, "limit", 100, "max tasks")
	return cmd
}

func taskShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <task-id>",
		Short: "Show a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), true, func(ctx context.Context, a *app.App) error {
				snap, err := a.Repo.GetSnapshot(ctx, args[0])
				if err != nil {
					return err
				}
				return printTask(snap)
			})
		},
	}
}

func taskLogCmd() *cobra.Command {
	var n int
	cmd := &cobra.Command{
		Use:   "log <task-id>",
		Short: "Show the audit log of a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), true, func(ctx context.Context, a *app.App) error {
				records, err := a.Repo.ListAudit(ctx, args[0], n)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(records)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "TS", "Event", "Actor", "Detail"})
				for _, r := range records {
					tw.AppendRow(table.Row{r.ID, r.TS, r.EventType, r.Actor, r.Detail})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVarP(&n, "n", "n", 50, "number of entries")
	return cmd
}

func taskMetricsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "metrics <task-id>",
		Short: "Recompute and show overdue points of a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), true, func(ctx context.Context, a *app.App) error {
				rec, err := a.Engine.SyncTask(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(rec)
				}
				fmt.Printf("Task %s: %d overdue point(s), stage %s, due %s\n", rec.TaskID, rec.OverduePoints, dash(string(rec.ReminderStage)), formatDue(rec.DueDate))
				return nil
			})
		},
	}
}

func taskRejectCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "reject <task-id>",
		Short: "Reject a pending task (assignee)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTransition(cmd, args, func(ctx context.Context, a *app.App, id, who string) (domain.TaskSnapshot, error) {
				return a.Engine.RejectTask(ctx, id, who, reason)
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "rejection reason")
	_ = cmd.MarkFlagRequired("reason")
	return cmd
}

func taskReviseCmd() *cobra.Command {
	var due string
	cmd := &cobra.Command{
		Use:   "revise <task-id>",
		Short: "Resubmit a rejected task (requester)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTransition(cmd, args, func(ctx context.Context, a *app.App, id, who string) (domain.TaskSnapshot, error) {
				var t *time.Time
				if due != "" {
					parsed, err := parseDue(due, a.Config.Location())
					if err != nil {
						return domain.TaskSnapshot{}, err
					}
					t = &parsed
				}
				return a.Engine.ReviseTask(ctx, id, who, t)
			})
		},
	}
	cmd.Flags().StringVar(&due, "due", "", "new due date")
	return cmd
}

func taskCompleteCmd() *cobra.Command {
	var note string
	cmd := &cobra.Command{
		Use:   "complete <task-id>",
		Short: "Request completion of an approved task (assignee)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTransition(cmd, args, func(ctx context.Context, a *app.App, id, who string) (domain.TaskSnapshot, error) {
				return a.Engine.RequestCompletion(ctx, id, who, note)
			})
		},
	}
	cmd.Flags().StringVar(&note, "note", "", "completion note")
	return cmd
}

func taskRejectCompletionCmd() *cobra.Command {
	var due, reason string
	cmd := &cobra.Command{
		Use:   "reject-completion <task-id>",
		Short: "Send a completion request back with a new due date (requester)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTransition(cmd, args, func(ctx context.Context, a *app.App, id, who string) (domain.TaskSnapshot, error) {
				t, err := parseDue(due, a.Config.Location())
				if err != nil {
					return domain.TaskSnapshot{}, err
				}
				return a.Engine.RejectCompletion(ctx, id, who, t, reason)
			})
		},
	}
	cmd.Flags().StringVar(&due, "due", "", "new due date")
	cmd.Flags().StringVar(&reason, "reason", "", "reason")
	_ = cmd.MarkFlagRequired("due")
	_ = cmd.MarkFlagRequired("reason")
	return cmd
}

func taskExtendCmd() *cobra.Command {
	var due, reason string
	cmd := &cobra.Command{
		Use:   "extend <task-id>",
		Short: "Ask the requester for a later due date (assignee)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTransition(cmd, args, func(ctx context.Context, a *app.App, id, who string) (domain.TaskSnapshot, error) {
				t, err := parseDue(due, a.Config.Location())
				if err != nil {
					return domain.TaskSnapshot{}, err
				}
				return a.Engine.RequestExtension(ctx, id, who, t, reason)
			})
		},
	}
	cmd.Flags().StringVar(&due, "due", "", "requested due date")
	cmd.Flags().StringVar(&reason, "reason", "", "reason")
	_ = cmd.MarkFlagRequired("due")
	_ = cmd.MarkFlagRequired("reason")
	return cmd
}

func taskRejectExtensionCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "reject-extension <task-id>",
		Short: "Reject a due date extension (requester)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTransition(cmd, args, func(ctx context.Context, a *app.App, id, who string) (domain.TaskSnapshot, error) {
				return a.Engine.RejectExtension(ctx, id, who, reason)
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "reason")
	return cmd
}

func taskReadCmd() *cobra.Command {
	var stage string
	cmd := &cobra.Command{
		Use:   "read <task-id>",
		Short: "Acknowledge the current reminder of a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, ok := domain.ParseStage(stage)
			if !ok {
				return fmt.Errorf("unknown stage %q", stage)
			}
			return runTransition(cmd, args, func(ctx context.Context, a *app.App, id, who string) (domain.TaskSnapshot, error) {
				return a.Engine.MarkReminderRead(ctx, id, who, st)
			})
		},
	}
	cmd.Flags().StringVar(&stage, "stage", "", "stage to acknowledge (default the last reminded stage)")
	return cmd
}

func printTask(t domain.TaskSnapshot) error {
	if viper.GetBool("json") {
		return printJSON(t)
	}
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendRows([]table.Row{
		{"ID", t.ID},
		{"Title", t.Title},
		{"Status", t.Status},
		{"Completion", dash(string(t.CompletionStatus))},
		{"Extension", dash(string(t.ExtensionStatus))},
		{"Due", formatDue(t.DueDate)},
		{"Requester", t.Requester},
		{"Assignee", t.Assignee},
		{"Reminder stage", dash(string(t.ReminderStage))},
	})
	if t.ExtensionRequestedDue != nil {
		tw.AppendRow(table.Row{"Requested due", formatDue(t.ExtensionRequestedDue)})
	}
	if t.RejectionReason != "" {
		tw.AppendRow(table.Row{"Rejection reason", t.RejectionReason})
	}
	tw.Render()
	return nil
}
