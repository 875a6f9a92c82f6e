package engine

import (
	"errors"
	"fmt"

	"taskflow/internal/engine/auth"
	"taskflow/internal/lifecycle"
)

// CollaboratorError wraps a failed call into storage, the identity directory
// or a notification channel. The affected task is retried on the next pass.
type CollaboratorError struct {
	Op     string
	TaskID string
	Err    error
}

func (e CollaboratorError) Error() string {
	if e.TaskID == "" {
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("%s (task %s): %v", e.Op, e.TaskID, e.Err)
}

func (e CollaboratorError) Unwrap() error { return e.Err }

func collaborator(op, taskID string, err error) error {
	return CollaboratorError{Op: op, TaskID: taskID, Err: err}
}

// IdentityUnresolved means no chat identity could be bound for a party.
// It is an expected outcome: the task is skipped until directory data improves.
type IdentityUnresolved struct {
	TaskID  string
	Address string
	Role    string
}

func (e IdentityUnresolved) Error() string {
	if e.Address == "" {
		return fmt.Sprintf("task %s has no %s address", e.TaskID, e.Role)
	}
	return fmt.Sprintf("no chat identity for %s %s (task %s)", e.Role, e.Address, e.TaskID)
}

// ErrorKind classifies err for pass summaries and API responses.
func ErrorKind(err error) string {
	var (
		it lifecycle.InvalidTransition
		ce CollaboratorError
		iu IdentityUnresolved
		fe auth.ForbiddenError
	)
	switch {
	case err == nil:
		return ""
	case errors.As(err, &it):
		return "invalid_transition"
	case errors.As(err, &fe):
		return "forbidden"
	case errors.As(err, &iu):
		return "identity_unresolved"
	case errors.As(err, &ce):
		return "collaborator"
	}
	return "internal"
}
