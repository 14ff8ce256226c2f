// Package testrun defines the external test runner contract.
package testrun

import "time"

// SessionStatus enumerates test session states.
type SessionStatus string

const (
	StatusPending SessionStatus = "pending"
	StatusRunning SessionStatus = "running"
	StatusPassed  SessionStatus = "passed"
	StatusFailed  SessionStatus = "failed"
	StatusStopped SessionStatus = "stopped"
)

// Terminal reports whether the status is a terminal state.
func (s SessionStatus) Terminal() bool {
	switch s {
	case StatusPassed, StatusFailed, StatusStopped:
		return true
	}
	return false
}

// StartResult is the outcome of starting a test run.
type StartResult struct {
	Success   bool
	SessionID string
	Error     string
}

// Session describes a test run session.
type Session struct {
	Status     SessionStatus
	ExitCode   int
	StartedAt  time.Time
	FinishedAt time.Time
}

// StartOptions configures a test run.
type StartOptions struct {
	Command string
}

// Runner manages external test processes. Implemented by the process manager
// collaborator; faked in tests.
type Runner interface {
	Start(workDir string, opts StartOptions) (StartResult, error)
	GetSession(sessionID string) (Session, error)
	GetSessionOutput(sessionID string) (string, error)
}
