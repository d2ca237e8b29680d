package workspace

import (
	"errors"
	"fmt"
)

var (
	// ErrUnauthorized is matched by every *AuthorizationError.
	ErrUnauthorized = errors.New("not authorized for workspace")

	// ErrUnknownWorkspace is returned when an explicit workspace name does
	// not exist.
	ErrUnknownWorkspace = errors.New("unknown workspace")

	// ErrConcurrentModification is returned by ReplaceMemory when the
	// expected version no longer matches.
	ErrConcurrentModification = errors.New("memory was modified concurrently")

	// ErrPersistence is matched by every *PersistenceError.
	ErrPersistence = errors.New("workspace storage unavailable")

	// ErrInvalidFile is returned for workspace file names that escape the
	// workspace directory.
	ErrInvalidFile = errors.New("invalid workspace file name")
)

// AuthorizationError reports a sender or chat that may not use a workspace.
type AuthorizationError struct {
	SenderID  string
	ChatID    string
	Workspace string
	Reason    string
}

func (e *AuthorizationError) Error() string {
	if e.Workspace != "" {
		return fmt.Sprintf("sender %s not authorized for workspace %q: %s", e.SenderID, e.Workspace, e.Reason)
	}
	return fmt.Sprintf("sender %s in chat %s not authorized: %s", e.SenderID, e.ChatID, e.Reason)
}

// Is makes errors.Is(err, ErrUnauthorized) match.
func (e *AuthorizationError) Is(target error) bool { return target == ErrUnauthorized }

// PersistenceError wraps a storage failure for one workspace operation.
type PersistenceError struct {
	Op        string
	Workspace string
	Err       error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("workspace %q: %s: %v", e.Workspace, e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// Is makes errors.Is(err, ErrPersistence) match.
func (e *PersistenceError) Is(target error) bool { return target == ErrPersistence }
