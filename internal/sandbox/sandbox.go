// Package sandbox runs workspace code files as time-bounded subprocesses
// confined to their workspace root.
package sandbox

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/codefionn/coderoom/internal/logger"
	"github.com/codefionn/coderoom/internal/tree"
)

// ErrBusy is returned when an execution for the same (root, path) key is
// already in flight. Concurrent requests are rejected, never queued.
var ErrBusy = errors.New("execution already in flight for this file")

// killGrace is how long Run waits for the process group to die after a
// timeout kill before giving up on collecting its exit status.
const killGrace = 2 * time.Second

// Result holds the captured outcome of one execution
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
	TimedOut bool
}

// Runner executes files with a hard wall-clock timeout. Source writes go
// through the tree manager, so an execution's write serializes with
// update-file on the same path (the write is an implicit file update;
// last writer wins).
type Runner struct {
	trees       *tree.Manager
	interpreter string
	timeout     time.Duration
	maxOutput   int

	mu       sync.Mutex
	inFlight map[string]struct{}
}

// NewRunner creates a Runner using interpreter to execute files
func NewRunner(trees *tree.Manager, interpreter string, timeout time.Duration, maxOutput int) *Runner {
	return &Runner{
		trees:       trees,
		interpreter: interpreter,
		timeout:     timeout,
		maxOutput:   maxOutput,
		inFlight:    make(map[string]struct{}),
	}
}

func (r *Runner) acquire(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, busy := r.inFlight[key]; busy {
		return false
	}
	r.inFlight[key] = struct{}{}
	return true
}

func (r *Runner) release(key string) {
	r.mu.Lock()
	delete(r.inFlight, key)
	r.mu.Unlock()
}

// Run writes source to relPath under root and executes it with the
// configured interpreter, working directory confined to root. On timeout
// the whole process group is killed and the result is marked TimedOut
// with whatever output was captured. Returns ErrBusy when an execution
// for the same file is already running.
func (r *Runner) Run(ctx context.Context, root, relPath string, source []byte) (*Result, error) {
	key := root + "\x00" + relPath
	if !r.acquire(key) {
		return nil, fmt.Errorf("%s: %w", relPath, ErrBusy)
	}
	defer r.release(key)

	if err := r.trees.WriteFile(root, relPath, source); err != nil {
		return nil, fmt.Errorf("failed to write source before execution: %w", err)
	}

	cmd := exec.Command(r.interpreter, relPath)
	cmd.Dir = root
	cmd.Env = append(os.Environ(), "PYTHONUNBUFFERED=1")
	configureProcessGroup(cmd)

	stdout := newBoundedBuffer(r.maxOutput)
	stderr := newBoundedBuffer(r.maxOutput)
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start interpreter: %w", err)
	}

	pgid := getProcessGroupID(cmd)

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	timer := time.NewTimer(r.timeout)
	defer timer.Stop()

	result := &Result{}

	select {
	case err := <-done:
		result.ExitCode = exitCodeOf(err)
	case <-timer.C:
		logger.Warn("sandbox: %s exceeded %v, killing process group %d", relPath, r.timeout, pgid)
		r.kill(cmd, pgid)
		result.TimedOut = true
		select {
		case err := <-done:
			result.ExitCode = exitCodeOf(err)
		case <-time.After(killGrace):
			logger.Error("sandbox: process group %d did not exit after kill", pgid)
			result.ExitCode = -1
		}
	case <-ctx.Done():
		r.kill(cmd, pgid)
		<-done
		return nil, ctx.Err()
	}

	result.Stdout = stdout.String()
	result.Stderr = stderr.String()
	return result, nil
}

// Busy reports whether an execution is in flight for the given file
func (r *Runner) Busy(root, relPath string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, busy := r.inFlight[root+"\x00"+relPath]
	return busy
}

func (r *Runner) kill(cmd *exec.Cmd, pgid int) {
	if pgid > 0 {
		if err := signalProcessGroup(pgid, "SIGKILL"); err == nil {
			return
		}
	}
	if cmd.Process != nil {
		_ = cmd.Process.Kill()
	}
}

func exitCodeOf(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}
