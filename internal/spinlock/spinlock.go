// internal/spinlock/spinlock.go

package spinlock

import (
	"runtime"

	"cfskern/internal/atomics"
)

// Holder is whoever takes a lock on its own behalf. Its critical-section
// depth is raised for as long as it holds any spinlock, which is what keeps
// the scheduler from preempting it.
type Holder interface {
	EnterCritical()
	LeaveCritical()
}

// Spinlock protects short critical sections shared between cores.
type Spinlock struct {
	state atomics.Cell // 0 = free, 1 = held
}

// Guard is the only handle through which a held lock is released.
type Guard struct {
	l        *Spinlock
	h        Holder
	released bool
}

// Lock spins until the lock is acquired. h may be nil for kernel-context
// callers that are not running on behalf of a task.
func (l *Spinlock) Lock(h Holder) *Guard {
	if h != nil {
		h.EnterCritical()
	}
	for !l.state.CompareAndSwap(0, 1) {
		// let the core currently holding the lock make progress
		runtime.Gosched()
	}
	return &Guard{l: l, h: h}
}

// TryLock makes a single acquisition attempt.
func (l *Spinlock) TryLock(h Holder) (*Guard, bool) {
	if h != nil {
		h.EnterCritical()
	}
	if !l.state.CompareAndSwap(0, 1) {
		if h != nil {
			h.LeaveCritical()
		}
		return nil, false
	}
	return &Guard{l: l, h: h}, true
}

// Locked reports whether somebody currently holds the lock.
func (l *Spinlock) Locked() bool { return l.state.Load() != 0 }

// Unlock releases the lock and drops the holder's critical-section depth.
// Releasing the same guard twice panics.
func (g *Guard) Unlock() {
	if g.released {
		panic("spinlock: guard released twice")
	}
	g.released = true
	if g.l.state.Swap(0) != 1 {
		panic("spinlock: unlock of a free lock")
	}
	if g.h != nil {
		g.h.LeaveCritical()
	}
}
