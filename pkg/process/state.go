package process

import (
	"errors"
	"time"
)

// ErrInvalidTransition is returned when a process slot is moved along an
// edge the lifecycle does not have.
var ErrInvalidTransition = errors.New("invalid state transition")

// ProcessState is the lifecycle state of a process table slot.
type ProcessState string

const (
	// StateFree marks an unused slot on the free list.
	StateFree ProcessState = "free"
	// StateAlive marks a running process.
	StateAlive ProcessState = "alive"
	// StateZombie marks a process that exited and waits to be collected.
	StateZombie ProcessState = "zombie"
)

// StateTransition represents a valid state transition.
type StateTransition struct {
	From ProcessState
	To   ProcessState
}

// ValidTransitions defines all valid state transitions.
var ValidTransitions = []StateTransition{
	// Create: Free -> Alive
	{From: StateFree, To: StateAlive},
	// Exit: Alive -> Zombie
	{From: StateAlive, To: StateZombie},
	// Collected by wait: Zombie -> Free
	{From: StateZombie, To: StateFree},
}

// IsValidTransition checks if a state transition is valid.
func IsValidTransition(from, to ProcessState) bool {
	for _, t := range ValidTransitions {
		if t.From == from && t.To == to {
			return true
		}
	}
	return false
}

// transitionTo moves the slot to a new state and stamps the time.
func (p *pcb) transitionTo(to ProcessState) error {
	if !IsValidTransition(p.state, to) {
		return ErrInvalidTransition
	}
	p.state = to

	switch to {
	case StateAlive:
		p.createdAt = time.Now()
		p.exitedAt = time.Time{}
	case StateZombie:
		p.exitedAt = time.Now()
	}
	return nil
}

// lifetime is how long the process ran, up to now if it is still alive.
func (p *pcb) lifetime() time.Duration {
	if p.createdAt.IsZero() {
		return 0
	}
	if p.exitedAt.IsZero() {
		return time.Since(p.createdAt)
	}
	return p.exitedAt.Sub(p.createdAt)
}
