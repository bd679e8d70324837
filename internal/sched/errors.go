// internal/sched/errors.go

package sched

import (
	"errors"
	"fmt"
)

var (
	ErrNoTasks       = errors.New("task registry full")
	ErrInvalid       = errors.New("invalid argument")
	ErrBusy          = errors.New("already registered")
	ErrDstNotFound   = errors.New("destination task not found")
	ErrSrcNotFound   = errors.New("source task not found")
	ErrDeadlock      = errors.New("ipc would deadlock")
	ErrNoSyscall     = errors.New("no such syscall")
	ErrBootTimeout   = errors.New("secondary cores did not acknowledge")
	ErrBadTrampoline = errors.New("no trampoline at start vector")
	ErrHalted        = errors.New("kernel halted")
)

// FatalError is an internal invariant violation. The core that hits one
// halts the whole machine.
type FatalError struct {
	CPU    int
	Reason string
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("kernel fatal on cpu %d: %s", e.CPU, e.Reason)
}
