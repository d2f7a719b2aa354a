package worker

import (
	"context"
	"fmt"
	"runtime"
	"runtime/debug"
	"strconv"
)

const (
	// EnvWorkerID marks a re-executed worker process and carries its id.
	EnvWorkerID = "FWDPROXY_WORKER_ID"

	// ExitCodeBind is the exit code of a worker process that failed to bind.
	ExitCodeBind = 3
)

// Unit is one supervised replica.
type Unit interface {
	ID() int
	Run(ctx context.Context) error
}

// RunFunc runs replica id until ctx is done.
type RunFunc func(ctx context.Context, id int) error

// InProcess runs a replica on goroutines of the current process.
type InProcess struct {
	id  int
	run RunFunc
}

func NewInProcess(id int, run RunFunc) *InProcess {
	return &InProcess{id: id, run: run}
}

func (u *InProcess) ID() int { return u.id }

// Run calls the replica function. A panic is turned into an error so that a
// crashing replica is handled like a crashing worker process.
func (u *InProcess) Run(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("worker %d panicked: %v\n%s", u.id, r, debug.Stack())
		}
	}()
	return u.run(ctx, u.id)
}

// Count returns how many units to start: requested if positive, otherwise the
// number of usable cores. It is never less than one.
func Count(requested int) int {
	if requested > 0 {
		return requested
	}
	return max(runtime.GOMAXPROCS(0), 1)
}

// IDFromEnv returns the worker id when the current process was started as a
// worker process.
func IDFromEnv(lookup func(string) (string, bool)) (int, bool, error) {
	raw, ok := lookup(EnvWorkerID)
	if !ok {
		return 0, false, nil
	}
	id, err := strconv.Atoi(raw)
	if err != nil || id < 0 {
		return 0, true, fmt.Errorf("invalid %s %q", EnvWorkerID, raw)
	}
	return id, true, nil
}
