// internal/sched/ctx.go

package sched

import (
	"runtime"

	"cfskern/internal/mm"
	"cfskern/internal/spinlock"
)

// Ctx is the kernel interface handed to a running task. Its methods must
// only be called from that task.
type Ctx struct {
	k *Kernel
	t *Task
}

func (c *Ctx) ID() TaskID { return c.t.ID }

// CPU is the core the task runs on.
func (c *Ctx) CPU() int { return c.t.cpu }

// Ticks is the local tick count of the task's core.
func (c *Ctx) Ticks() uint64 { return c.k.cpus[c.t.cpu].ticks.Load() }

func (c *Ctx) Kernel() *Kernel { return c.k }

// Space is the task's own address space, nil for kernel tasks.
func (c *Ctx) Space() *mm.AddressSpace { return c.t.space }

// Burn consumes n timer ticks of CPU time. Each tick is charged to the
// task and may preempt it.
func (c *Ctx) Burn(n int) {
	cpu := c.k.cpus[c.t.cpu]
	for i := 0; i < n; i++ {
		select {
		case <-c.k.m.Halted():
			runtime.Goexit()
		default:
		}
		c.k.timerTick(cpu)
	}
}

// Yield gives the core to the next task in vruntime order, if any.
func (c *Ctx) Yield() { c.k.schedule(c.k.cpus[c.t.cpu]) }

// Sleep spins until n ticks of its core have elapsed. The task keeps
// competing for the core while it waits.
func (c *Ctx) Sleep(n uint64) {
	until := c.Ticks() + n
	for c.Ticks() < until {
		c.Burn(1)
	}
}

// Block parks the task until another task calls Kernel.Unblock on it.
func (c *Ctx) Block() error {
	if c.t.locks.Load() != 0 {
		return ErrDeadlock
	}
	cpu := c.k.cpus[c.t.cpu]
	c.t.setState(StateBlocked)
	for c.t.State() == StateBlocked {
		c.k.schedule(cpu)
	}
	c.t.setState(StateRunning)
	return nil
}

// Exit ends the task with code. It does not return.
func (c *Ctx) Exit(code uint64) { c.k.exit(c.t, code) }

// Lock takes l on behalf of the task. The task cannot be preempted until
// the guard is released.
func (c *Ctx) Lock(l *spinlock.Spinlock) *spinlock.Guard { return l.Lock(c.t) }

// Send delivers m to dst and blocks until it has been received.
func (c *Ctx) Send(dst TaskID, m *Message) error { return c.k.send(c.t, dst, m) }

// Receive blocks until a message from src (a task, service, AnyTask or
// AnyIntr) arrives in m.
func (c *Ctx) Receive(src TaskID, m *Message) error { return c.k.receive(c.t, src, m) }

// SendRecv sends m to peer and replaces it with peer's reply.
func (c *Ctx) SendRecv(peer TaskID, m *Message) error { return c.k.sendRecv(c.t, peer, m) }

// Syscall is the message-passing ABI entry point.
func (c *Ctx) Syscall(op SyscallOp, peer TaskID, m *Message) Status {
	return c.k.syscall(c.t, op, peer, m)
}

// Start creates a child task. It runs on the caller's core unless
// spec.CPU names another.
func (c *Ctx) Start(spec TaskSpec) (TaskID, error) {
	if spec.CPU == AnyCPU {
		spec.CPU = c.t.cpu
	}
	t, err := c.k.start(spec, c.t.ID, false)
	if err != nil {
		return NoTask, err
	}
	return t.ID, nil
}
