// internal/sched/cpu.go

package sched

import (
	"cfskern/internal/arch"
	"cfskern/internal/atomics"
	"cfskern/internal/mm"
	"cfskern/internal/spinlock"
)

// CPU is the per-core scheduler state. Everything but the counters is
// guarded by lock.
type CPU struct {
	id          int
	lock        spinlock.Spinlock // protects the run queue and minVruntime
	rq          *runQueue         // ready tasks ordered by vruntime
	minVruntime uint64            // watermark; never decreases
	idle        *Task
	current     *Task

	ticks    atomics.Cell // local timer ticks
	switches atomics.Cell
	clock    *TickClock

	space *mm.AddressSpace // address space currently loaded
	ext   arch.ExtState    // live extended register state

	// set by schedule across a context switch and consumed by the task
	// that resumes: the held run-queue lock and a dead task to reap
	handoff *spinlock.Guard
	reap    *Task
}

func newCPU(id int) *CPU {
	return &CPU{
		id:    id,
		rq:    newRunQueue(id),
		clock: NewTickClock(1),
	}
}

// CPUInfo is a snapshot of one core's scheduler state.
type CPUInfo struct {
	ID          int
	Current     TaskID
	Idle        TaskID
	Queue       []TaskID
	MinVruntime uint64
	Ticks       uint64 // ticks charged to tasks on the core
	TimerTicks  int64  // local timer interrupts fired, including ones nobody took
	Switches    uint64
}

func (c *CPU) info() CPUInfo {
	g := c.lock.Lock(nil)
	defer g.Unlock()

	info := CPUInfo{
		ID:          c.id,
		Current:     NoTask,
		Idle:        NoTask,
		Queue:       c.rq.ids(),
		MinVruntime: c.minVruntime,
		Ticks:       c.ticks.Load(),
		TimerTicks:  c.clock.Count(),
		Switches:    c.switches.Load(),
	}
	if c.current != nil {
		info.Current = c.current.ID
	}
	if c.idle != nil {
		info.Idle = c.idle.ID
	}
	return info
}
