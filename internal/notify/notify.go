// Package notify delivers reminders and task events to people. Delivery is
// fire-and-observe: callers log failures and retry on their next pass.
package notify

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"taskflow/internal/domain"
)

// Roles of a recipient relative to the task.
const (
	RoleAssignee  = "assignee"
	RoleRequester = "requester"
	RoleWatcher   = "watcher"
)

// Message is one notification to one recipient. Topic is a reminder stage,
// an approval kind or a task event type.
type Message struct {
	Recipient domain.Identity
	Role      string
	Topic     string
	Task      domain.TaskSnapshot
	SentAt    time.Time
}

// Notifier delivers a message.
type Notifier interface {
	Notify(ctx context.Context, msg Message) error
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, msg Message) error

func (f NotifierFunc) Notify(ctx context.Context, msg Message) error { return f(ctx, msg) }

// Fanout sends every message to all notifiers and joins their errors.
type Fanout []Notifier

func (f Fanout) Notify(ctx context.Context, msg Message) error {
	var errs []error
	for _, n := range f {
		if n == nil {
			continue
		}
		if err := n.Notify(ctx, msg); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Log records messages instead of sending them.
type Log struct {
	Logger *slog.Logger
}

func (l Log) Notify(_ context.Context, msg Message) error {
	logger := l.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	logger.Info("notification",
		"task_id", msg.Task.ID,
		"topic", msg.Topic,
		"role", msg.Role,
		"recipient", msg.Recipient.Address,
		"chat_id", msg.Recipient.ChatID)
	return nil
}

var topicTitles = map[string]string{
	string(domain.StagePendingApproval): "Task waiting for your approval",
	string(domain.StageBeforeDue):       "Task due within a day",
	string(domain.StageDue):             "Task due today",
	string(domain.StageOverdue):         "Task overdue",
	"task_approval":                     "Approval still pending",
	"completion_approval":               "Completion approval still pending",
	"extension_approval":                "Extension decision still pending",
	"approval_requested":                "New task request",
	"task_approved":                     "Task approved",
	"task_rejected":                     "Task rejected",
	"completion_requested":              "Completion requested",
	"completion_approved":               "Completion approved",
	"completion_rejected":               "Completion rejected",
	"extension_requested":               "Due date extension requested",
	"extension_approved":                "Due date extension approved",
	"extension_rejected":                "Due date extension rejected",
}

// Render formats a plain-text summary of the message.
func Render(msg Message) string {
	title, ok := topicTitles[msg.Topic]
	if !ok {
		title = strings.ReplaceAll(msg.Topic, "_", " ")
	}
	var b strings.Builder
	fmt.Fprintf(&b, "*%s*: %s", title, msg.Task.Title)
	if msg.Task.DueDate != nil {
		fmt.Fprintf(&b, "\nDue: %s", msg.Task.DueDate.Format("2006-01-02 15:04 MST"))
	}
	fmt.Fprintf(&b, "\nRequester: %s / Assignee: %s", msg.Task.Requester, msg.Task.Assignee)
	switch {
	case msg.Task.ExtensionStatus == domain.ExtensionRequested && msg.Task.ExtensionRequestedDue != nil:
		fmt.Fprintf(&b, "\nRequested due date: %s (%s)", msg.Task.ExtensionRequestedDue.Format("2006-01-02 15:04 MST"), msg.Task.ExtensionReason)
	case msg.Task.CompletionNote != "":
		fmt.Fprintf(&b, "\nNote: %s", msg.Task.CompletionNote)
	case msg.Task.RejectionReason != "":
		fmt.Fprintf(&b, "\nReason: %s", msg.Task.RejectionReason)
	}
	fmt.Fprintf(&b, "\nTask: %s", msg.Task.ID)
	return b.String()
}
