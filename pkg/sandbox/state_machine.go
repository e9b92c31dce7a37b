package sandbox

import (
	"fmt"
	"time"
)

// Status represents the lifecycle state of a sandbox instance
type Status string

const (
	// StatusStarting is held only inside a spawn call, before the runtime confirms the container
	StatusStarting Status = "starting"
	// StatusRunning indicates the container is up and reachable
	StatusRunning Status = "running"
	// StatusStopping indicates a teardown won the race and is in progress
	StatusStopping Status = "stopping"
	// StatusStopped indicates an explicit destroy completed
	StatusStopped Status = "stopped"
	// StatusError indicates the deploy failed or the container was lost
	StatusError Status = "error"
	// StatusExpired indicates the TTL elapsed and the container was reclaimed
	StatusExpired Status = "expired"
)

// IsValid returns true if the status is known
func (s Status) IsValid() bool {
	switch s {
	case StatusStarting, StatusRunning, StatusStopping, StatusStopped, StatusError, StatusExpired:
		return true
	default:
		return false
	}
}

// IsTerminal returns true for absorbing states
func (s Status) IsTerminal() bool {
	return s == StatusStopped || s == StatusError || s == StatusExpired
}

// IsLive returns true for states that hold an owner's single live slot
func (s Status) IsLive() bool {
	return s == StatusStarting || s == StatusRunning
}

// CanTransitionTo checks if a transition from current state to target state is valid
func (s Status) CanTransitionTo(target Status) bool {
	switch s {
	case StatusStarting:
		return target == StatusRunning || target == StatusError
	case StatusRunning:
		return target == StatusStopping || target == StatusExpired || target == StatusError
	case StatusStopping:
		return target == StatusStopped || target == StatusExpired || target == StatusError
	default:
		return false
	}
}

// StateTransition records one status change of an instance
type StateTransition struct {
	InstanceID string    `json:"instance_id"`
	From       Status    `json:"from"`
	To         Status    `json:"to"`
	Reason     string    `json:"reason,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// transition moves inst to the target status. Terminal targets stamp
// StoppedAt.
func (inst *Instance) transition(target Status, reason string, now time.Time) (StateTransition, error) {
	if !target.IsValid() {
		return StateTransition{}, fmt.Errorf("invalid state: %s", target)
	}
	if !inst.Status.CanTransitionTo(target) {
		return StateTransition{}, fmt.Errorf("invalid state transition for instance %s: %s -> %s", inst.ID, inst.Status, target)
	}

	t := StateTransition{
		InstanceID: inst.ID,
		From:       inst.Status,
		To:         target,
		Reason:     reason,
		Timestamp:  now,
	}

	inst.Status = target
	if target.IsTerminal() {
		stoppedAt := now
		inst.StoppedAt = &stoppedAt
	}
	return t, nil
}
