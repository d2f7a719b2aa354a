package worker

import (
	"errors"
	"fmt"

	"github.com/angeloszaimis/fwdproxy/internal/httpserver"
)

// ErrAllWorkersDown is returned by Coordinator.Run when every unit has exited
// and none is going to be respawned.
var ErrAllWorkersDown = errors.New("all workers exited")

// ExitError reports a unit that stopped while the coordinator was still
// running. Code is the process exit code (-1 when killed by a signal) and
// Signal names the terminating signal, if any.
type ExitError struct {
	Worker int
	Code   int
	Signal string
	Err    error
}

func (e *ExitError) Error() string {
	msg := fmt.Sprintf("worker %d exited with code %d", e.Worker, e.Code)
	if e.Signal != "" {
		msg = fmt.Sprintf("worker %d killed by signal %s", e.Worker, e.Signal)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

// IsBindFailure reports whether err means a unit could not bind its
// addresses, either in process or as a worker process exiting with
// ExitCodeBind.
func IsBindFailure(err error) bool {
	var bindErr *httpserver.BindError
	if errors.As(err, &bindErr) {
		return true
	}
	var exitErr *ExitError
	return errors.As(err, &exitErr) && exitErr.Code == ExitCodeBind
}

func exitErrorFor(id int, err error) *ExitError {
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr
	}

	code := 0
	if err != nil {
		code = 1
		if IsBindFailure(err) {
			code = ExitCodeBind
		}
	}
	return &ExitError{Worker: id, Code: code, Err: err}
}
