package testrun

import (
	"bytes"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/google/uuid"
)

type localSession struct {
	session Session
	output  bytes.Buffer
	mu      sync.Mutex
}

// Write collects combined process output under the session lock, since the
// process goroutine and status readers run concurrently.
func (ls *localSession) Write(p []byte) (int, error) {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	return ls.output.Write(p)
}

// LocalRunner runs test commands as local shell subprocesses and tracks
// their sessions in memory.
type LocalRunner struct {
	mu       sync.Mutex
	sessions map[string]*localSession
}

// NewLocalRunner creates a local test runner.
func NewLocalRunner() *LocalRunner {
	return &LocalRunner{sessions: make(map[string]*localSession)}
}

// Start implements Runner. The command runs under `sh -c` in workDir; its
// exit code decides passed vs failed.
func (r *LocalRunner) Start(workDir string, opts StartOptions) (StartResult, error) {
	if opts.Command == "" {
		return StartResult{Success: false, Error: "no test command configured"}, nil
	}

	ls := &localSession{
		session: Session{Status: StatusRunning, StartedAt: time.Now()},
	}

	cmd := exec.Command("sh", "-c", opts.Command)
	cmd.Dir = workDir
	cmd.Env = append(os.Environ(), "GOWORK=off")
	cmd.Stdout = ls
	cmd.Stderr = ls

	if err := cmd.Start(); err != nil {
		return StartResult{Success: false, Error: err.Error()}, nil
	}

	id := uuid.New().String()
	r.mu.Lock()
	r.sessions[id] = ls
	r.mu.Unlock()

	go func() {
		err := cmd.Wait()
		ls.mu.Lock()
		defer ls.mu.Unlock()
		ls.session.FinishedAt = time.Now()
		if err == nil {
			ls.session.Status = StatusPassed
			ls.session.ExitCode = 0
			return
		}
		ls.session.Status = StatusFailed
		if exitErr, ok := err.(*exec.ExitError); ok {
			ls.session.ExitCode = exitErr.ExitCode()
		} else {
			ls.session.ExitCode = -1
		}
	}()

	return StartResult{Success: true, SessionID: id}, nil
}

// GetSession implements Runner.
func (r *LocalRunner) GetSession(sessionID string) (Session, error) {
	ls, err := r.lookup(sessionID)
	if err != nil {
		return Session{}, err
	}
	ls.mu.Lock()
	defer ls.mu.Unlock()
	return ls.session, nil
}

// GetSessionOutput implements Runner.
func (r *LocalRunner) GetSessionOutput(sessionID string) (string, error) {
	ls, err := r.lookup(sessionID)
	if err != nil {
		return "", err
	}
	ls.mu.Lock()
	defer ls.mu.Unlock()
	return ls.output.String(), nil
}

func (r *LocalRunner) lookup(sessionID string) (*localSession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ls, ok := r.sessions[sessionID]
	if !ok {
		return nil, os.ErrNotExist
	}
	return ls, nil
}
