// Package auth decides which task party may perform a transition. The actor
// identity itself is established upstream.
package auth

import (
	"fmt"
	"strings"

	"taskflow/internal/domain"
	"taskflow/internal/lifecycle"
)

// Party is a role on a task.
type Party string

const (
	PartyAssignee  Party = "assignee"
	PartyRequester Party = "requester"
	PartyEither    Party = "assignee_or_requester"
	PartySystem    Party = "system"
)

// ForbiddenError indicates the actor is not the party the transition needs.
type ForbiddenError struct {
	Transition lifecycle.Kind
	Party      Party
	Actor      string
}

func (e ForbiddenError) Error() string {
	if e.Actor == "" {
		return fmt.Sprintf("%s requires an actor (%s)", e.Transition, e.Party)
	}
	return fmt.Sprintf("%s must be performed by the task %s, not %s", e.Transition, e.Party, e.Actor)
}

var required = map[lifecycle.Kind]Party{
	lifecycle.KindCreateTask:             PartyRequester,
	lifecycle.KindApproveTask:            PartyAssignee,
	lifecycle.KindRejectTask:             PartyAssignee,
	lifecycle.KindRequestCompletion:      PartyAssignee,
	lifecycle.KindRequestExtension:       PartyAssignee,
	lifecycle.KindReviseTask:             PartyRequester,
	lifecycle.KindApproveCompletion:      PartyRequester,
	lifecycle.KindRejectCompletion:       PartyRequester,
	lifecycle.KindApproveExtension:       PartyRequester,
	lifecycle.KindRejectExtension:        PartyRequester,
	lifecycle.KindMarkReminderRead:       PartyEither,
	lifecycle.KindRecordReminder:         PartySystem,
	lifecycle.KindRecordApprovalReminder: PartySystem,
}

// RequiredParty returns who may perform kind.
func RequiredParty(kind lifecycle.Kind) Party {
	if p, ok := required[kind]; ok {
		return p
	}
	return PartySystem
}

// Authorize checks that actor holds the party role kind requires on snap.
func Authorize(kind lifecycle.Kind, snap domain.TaskSnapshot, actor string) error {
	party := RequiredParty(kind)
	if party == PartySystem {
		return nil
	}
	forbidden := ForbiddenError{Transition: kind, Party: party, Actor: actor}
	if strings.TrimSpace(actor) == "" {
		return forbidden
	}
	switch party {
	case PartyAssignee:
		if same(actor, snap.Assignee) {
			return nil
		}
	case PartyRequester:
		if same(actor, snap.Requester) {
			return nil
		}
	case PartyEither:
		if same(actor, snap.Assignee) || same(actor, snap.Requester) {
			return nil
		}
	}
	return forbidden
}

func same(a, b string) bool {
	return strings.EqualFold(strings.TrimSpace(a), strings.TrimSpace(b))
}
