package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"syscall"
	"time"
)

const defaultStopTimeout = 10 * time.Second

// Process runs a replica as a child process. The child gets the same
// arguments and environment plus EnvWorkerID.
type Process struct {
	id          int
	path        string
	args        []string
	stdout      io.Writer
	stderr      io.Writer
	stopTimeout time.Duration
}

type ProcessOption func(*Process)

// WithOutput redirects the child's stdout and stderr.
func WithOutput(stdout, stderr io.Writer) ProcessOption {
	return func(p *Process) {
		p.stdout = stdout
		p.stderr = stderr
	}
}

// WithStopTimeout bounds how long a child may take to exit after SIGTERM
// before it is killed.
func WithStopTimeout(d time.Duration) ProcessOption {
	return func(p *Process) {
		p.stopTimeout = d
	}
}

func NewProcess(id int, path string, args []string, opts ...ProcessOption) *Process {
	p := &Process{
		id:          id,
		path:        path,
		args:        args,
		stdout:      os.Stdout,
		stderr:      os.Stderr,
		stopTimeout: defaultStopTimeout,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Self returns a Process that re-executes the running binary with args.
func Self(id int, args []string, opts ...ProcessOption) (*Process, error) {
	path, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("locate executable: %w", err)
	}
	return NewProcess(id, path, args, opts...), nil
}

func (p *Process) ID() int { return p.id }

// Run starts the child and waits for it. Cancelling ctx sends SIGTERM and
// Run returns nil once the child is gone. Any other exit is an *ExitError.
func (p *Process) Run(ctx context.Context) error {
	cmd := exec.CommandContext(ctx, p.path, p.args...)
	cmd.Env = append(os.Environ(), fmt.Sprintf("%s=%d", EnvWorkerID, p.id))
	cmd.Stdout = p.stdout
	cmd.Stderr = p.stderr
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	cmd.WaitDelay = p.stopTimeout

	err := cmd.Run()
	if ctx.Err() != nil {
		return nil
	}
	if err == nil {
		return &ExitError{Worker: p.id, Code: 0, Err: errors.New("exited unexpectedly")}
	}

	var exitErr *exec.ExitError
	if !errors.As(err, &exitErr) {
		return &ExitError{Worker: p.id, Code: -1, Err: err}
	}

	result := &ExitError{Worker: p.id, Code: exitErr.ExitCode()}
	if status, ok := exitErr.Sys().(syscall.WaitStatus); ok && status.Signaled() {
		result.Signal = status.Signal().String()
	}
	return result
}
