package sandbox

import (
	"fmt"
	"time"
)

// SandboxState represents the lifecycle state of a sandbox
type SandboxState string

const (
	// SandboxStateCreated indicates the sandbox is registered but not started
	SandboxStateCreated SandboxState = "created"
	// SandboxStateRunning indicates the sandbox has been started
	SandboxStateRunning SandboxState = "running"
	// SandboxStateStopped indicates the sandbox has been stopped
	SandboxStateStopped SandboxState = "stopped"
)

// IsValid returns true if the state is known
func (s SandboxState) IsValid() bool {
	switch s {
	case SandboxStateCreated, SandboxStateRunning, SandboxStateStopped:
		return true
	default:
		return false
	}
}

// IsTerminal returns true if the state is terminal
func (s SandboxState) IsTerminal() bool {
	return s == SandboxStateStopped
}

// Status is the tri-state sandbox status surfaced to the orchestration
// layer. Code is the running placeholder or the exit code; Signal is only
// meaningful for stopped sandboxes.
type Status struct {
	State  SandboxState `json:"state"`
	Code   uint32       `json:"code"`
	Signal uint32       `json:"signal"`
}

// StatusCreated returns the status of a freshly created sandbox
func StatusCreated() Status {
	return Status{State: SandboxStateCreated}
}

// StatusRunning returns a running status
func StatusRunning(code uint32) Status {
	return Status{State: SandboxStateRunning, Code: code}
}

// StatusStopped returns a stopped status
func StatusStopped(exitCode, signal uint32) Status {
	return Status{State: SandboxStateStopped, Code: exitCode, Signal: signal}
}

func (s Status) String() string {
	switch s.State {
	case SandboxStateRunning:
		return fmt.Sprintf("running(%d)", s.Code)
	case SandboxStateStopped:
		return fmt.Sprintf("stopped(%d, %d)", s.Code, s.Signal)
	default:
		return string(s.State)
	}
}

// StateTransition records a status change of a sandbox
type StateTransition struct {
	SandboxID string       `json:"sandbox_id"`
	From      SandboxState `json:"from,omitempty"`
	To        SandboxState `json:"to"`
	Timestamp time.Time    `json:"timestamp"`
	Reason    string       `json:"reason"`
}

// maxTransitions bounds the per-sandbox history
const maxTransitions = 64

// transitionTo sets the status and appends to the history. The caller
// must hold the sandbox lock.
func (s *Sandbox) transitionTo(status Status, reason string) StateTransition {
	transition := StateTransition{
		SandboxID: s.id,
		From:      s.status.State,
		To:        status.State,
		Timestamp: time.Now(),
		Reason:    reason,
	}

	s.status = status
	s.transitions = append(s.transitions, transition)
	if len(s.transitions) > maxTransitions {
		s.transitions = s.transitions[len(s.transitions)-maxTransitions:]
	}

	return transition
}
