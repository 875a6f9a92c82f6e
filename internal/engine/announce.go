package engine

import (
	"context"
	"errors"
	"strings"
	"time"

	"taskflow/internal/domain"
	"taskflow/internal/lifecycle"
	"taskflow/internal/notify"
)

// TopicApprovalRequested is sent to the assignee when a task is created or revised.
const TopicApprovalRequested = "approval_requested"

// announce tells the other party about a user transition. Watchers also
// hear about approvals. Failures are
// logged only; the transition has already committed.
func (e Engine) announce(ctx context.Context, kind lifecycle.Kind, snap domain.TaskSnapshot, now time.Time) {
	topic, targets := announcement(kind, snap)
	if topic == "" {
		return
	}
	if topic == lifecycle.EventTaskApproved || topic == lifecycle.EventCompletionApproved {
		for _, w := range e.Watchers {
			targets = append(targets, party{address: w, role: notify.RoleWatcher})
		}
	}
	sent := map[string]bool{}
	for _, p := range targets {
		key := strings.ToLower(strings.TrimSpace(p.address))
		if key == "" || sent[key] {
			continue
		}
		sent[key] = true
		recipient, err := e.resolve(ctx, snap.ID, p.address, p.role)
		if err != nil {
			var unresolved IdentityUnresolved
			if errors.As(err, &unresolved) {
				e.logger().Warn("identity unresolved", "task_id", snap.ID, "role", p.role, "address", p.address)
			} else {
				e.logger().Error("announcement skipped", "task_id", snap.ID, "topic", topic, "error", err)
			}
			continue
		}
		msg := notify.Message{Recipient: recipient, Role: p.role, Topic: topic, Task: snap, SentAt: now}
		if err := e.send(ctx, msg); err != nil {
			e.logger().Error("announcement failed", "task_id", snap.ID, "topic", topic, "recipient", recipient.Address, "error", err)
		}
	}
}

func announcement(kind lifecycle.Kind, snap domain.TaskSnapshot) (string, []party) {
	assignee := []party{{address: snap.Assignee, role: notify.RoleAssignee}}
	requester := []party{{address: snap.Requester, role: notify.RoleRequester}}
	switch kind {
	case lifecycle.KindCreateTask, lifecycle.KindReviseTask:
		return TopicApprovalRequested, assignee
	case lifecycle.KindApproveTask:
		return lifecycle.EventTaskApproved, requester
	case lifecycle.KindRejectTask:
		return lifecycle.EventTaskRejected, requester
	case lifecycle.KindRequestCompletion:
		return lifecycle.EventCompletionRequested, requester
	case lifecycle.KindApproveCompletion:
		return lifecycle.EventCompletionApproved, assignee
	case lifecycle.KindRejectCompletion:
		return lifecycle.EventCompletionRejected, assignee
	case lifecycle.KindRequestExtension:
		return lifecycle.EventExtensionRequested, requester
	case lifecycle.KindApproveExtension:
		return lifecycle.EventExtensionApproved, assignee
	case lifecycle.KindRejectExtension:
		return lifecycle.EventExtensionRejected, assignee
	}
	return "", nil
}
