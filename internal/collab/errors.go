package collab

import (
	"errors"
	"fmt"
)

// ErrAlreadyTerminal is returned for any operation on a finished run.
type ErrAlreadyTerminal struct {
	RunID string
	State RunState
}

func (e *ErrAlreadyTerminal) Error() string {
	return fmt.Sprintf("run %s already terminal (%s)", e.RunID, e.State)
}

var (
	ErrCheckpointMissing = errors.New("checkpoint missing")
	ErrNoBackends        = errors.New("no backends available")
	ErrRunBusy           = errors.New("run is busy")
	ErrNotPaused         = errors.New("run is not paused")
	ErrInvalidDecision   = errors.New("invalid resume decision")
	ErrRunNotFound       = errors.New("run not found")
	ErrNoUsableOutput    = errors.New("no usable output for synthesis")
)

// PrerequisiteError means a stage was started before the stages it reads were
// sealed. It indicates a bug in the step order, not a user error.
type PrerequisiteError struct {
	Role    Role
	Missing Role
}

func (e *PrerequisiteError) Error() string {
	return fmt.Sprintf("stage %s started before %s was sealed", e.Role, e.Missing)
}
