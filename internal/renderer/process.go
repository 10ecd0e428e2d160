package renderer

import (
	"os/exec"
	"sync"
)

// State of a supervised renderer process
type State int

const (
	StateSpawned State = iota
	StateRunning
	StateCompleted
	StateTimedOut
	StateKilled
)

func (s State) String() string {
	switch s {
	case StateSpawned:
		return "spawned"
	case StateRunning:
		return "running"
	case StateCompleted:
		return "completed"
	case StateTimedOut:
		return "timed-out"
	case StateKilled:
		return "killed"
	}
	return "unknown"
}

func (s State) Terminal() bool {
	return s == StateCompleted || s == StateTimedOut || s == StateKilled
}

// process is the state machine Spawned -> Running -> {Completed|TimedOut|Killed}.
// Exactly one caller wins each terminal transition; only the winner acts on it.
type process struct {
	cmd *exec.Cmd

	mu    sync.Mutex
	state State
}

func newProcess(cmd *exec.Cmd) *process {
	return &process{cmd: cmd, state: StateSpawned}
}

func (p *process) transition(to State, from ...State) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, f := range from {
		if p.state == f {
			p.state = to
			return true
		}
	}
	return false
}

func (p *process) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

func (p *process) start() bool {
	return p.transition(StateRunning, StateSpawned)
}

// Kill is called by the cancellation coordinator and on context cancellation.
func (p *process) Kill() error {
	if !p.transition(StateKilled, StateSpawned, StateRunning) {
		return nil
	}
	return killTree(p.cmd)
}

func (p *process) timeout() bool {
	if !p.transition(StateTimedOut, StateSpawned, StateRunning) {
		return false
	}
	_ = killTree(p.cmd)
	return true
}

func (p *process) exited() bool {
	return p.transition(StateCompleted, StateSpawned, StateRunning)
}
