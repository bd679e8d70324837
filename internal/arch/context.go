// internal/arch/context.go

package arch

import (
	"runtime"
	"sync/atomic"
)

// ExtState is the save area for extended processor state (FPU/SSE), sized
// like an FXSAVE image.
type ExtState [512]byte

// Context is the saved register context of a task. On the hosted machine a
// context is backed by a goroutine that only runs while the context is
// resumed; switching away parks it on its resume channel.
//
// Resuming a context that has not parked yet is legal: the next park
// returns immediately.
type Context struct {
	// SP is where the callee-saved frame sits on the owning kernel stack.
	SP uint64

	m       *Machine
	entry   func()
	started atomic.Bool
	resume  chan struct{}
}

// NewContext lays out a context whose first resume calls entry. entry must
// leave through Exit, never by returning.
func (m *Machine) NewContext(sp uint64, entry func()) *Context {
	return &Context{
		SP:     sp,
		m:      m,
		entry:  entry,
		resume: make(chan struct{}, 1),
	}
}

// Switch saves the running context prev and restores next. It returns when
// prev is resumed again.
func (m *Machine) Switch(prev, next *Context) {
	m.restore(next)
	prev.park()
}

// Exit restores next and retires the calling context for good.
func (m *Machine) Exit(next *Context) {
	m.restore(next)
	runtime.Goexit()
}

// Launch restores next from a core's boot path, which has no context of its
// own to save, and waits there until the machine halts.
func (m *Machine) Launch(next *Context) {
	m.restore(next)
	<-m.halted
}

func (m *Machine) restore(c *Context) {
	if c.started.CompareAndSwap(false, true) {
		go c.entry()
		return
	}
	c.resume <- struct{}{}
}

func (c *Context) park() {
	select {
	case <-c.resume:
	case <-c.m.halted:
		runtime.Goexit()
	}
}
