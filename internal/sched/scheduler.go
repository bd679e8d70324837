// internal/sched/scheduler.go

package sched

import (
	"fmt"
	"time"

	"cfskern/internal/arch"
)

// noCore is the waker id of code running outside any core: device
// interrupts raised by the host and external Unblock calls.
const noCore = -1

// schedule picks the next task for c and switches to it. It is called by
// the task currently running on c and returns once that task runs again.
// A task holding spinlocks is never switched away from.
func (k *Kernel) schedule(c *CPU) {
	g := c.lock.Lock(nil)
	prev := c.current
	if prev.locks.Load() != 0 {
		g.Unlock()
		return
	}

	prevState := prev.State()
	if prev != c.idle && prevState != StateDead {
		if prevState == StateRunning {
			prev.setState(StateReady)
		}
		// a blocked task whose condition already holds goes straight back
		if k.runnable(prev) {
			if err := c.rq.insert(prev); err != nil {
				k.fatal(c, "requeue task %d: %v", prev.ID, err)
			}
		}
	}

	next := c.rq.pick(k.runnable)
	if next == nil {
		next = c.idle
	}
	if next == nil {
		k.fatal(c, "no runnable task and no idle task")
	}
	next.setState(StateRunning)
	next.slice = 0
	c.current = next

	if next == prev {
		g.Unlock()
		return
	}

	switch {
	case prevState == StateDead:
		c.reap = prev
	case prevState == StateRunning:
		k.emit(StatusEvent{Kind: StatusPreempt, CPU: c.id, Tick: c.ticks.Load(), TaskID: prev.ID, Vruntime: prev.vruntime, RanTicks: prev.ticks})
	case prev != c.idle:
		k.emit(StatusEvent{Kind: StatusBlock, CPU: c.id, Tick: c.ticks.Load(), TaskID: prev.ID, Vruntime: prev.vruntime, Detail: prevState.String()})
	}
	if next == c.idle {
		k.emit(StatusEvent{Kind: StatusIdle, CPU: c.id, Tick: c.ticks.Load(), TaskID: next.ID})
	} else {
		k.emit(StatusEvent{Kind: StatusDispatch, CPU: c.id, Tick: c.ticks.Load(), TaskID: next.ID, Vruntime: next.vruntime, RanTicks: next.ticks})
	}

	c.switches.Inc()
	c.handoff = g
	if next.space != nil {
		c.space = next.space
	}
	*prev.ext = c.ext
	c.ext = *next.ext

	if prevState == StateDead {
		k.m.Exit(next.ctx)
	}
	k.m.Switch(prev.ctx, next.ctx)
	k.finishSwitch(c)
}

// timerTick is the local timer interrupt of c, taken by whatever task is
// running there.
func (k *Kernel) timerTick(c *CPU) {
	tick := c.ticks.Inc()

	g := c.lock.Lock(nil)
	t := c.current
	k.taskUpdate(c, t)
	t.slice++
	expired := t.slice >= k.cfg.SliceTicks
	g.Unlock()

	k.emit(StatusEvent{Kind: StatusTick, CPU: c.id, Tick: tick, TaskID: t.ID, Vruntime: t.vruntime})
	k.softirqs.Run()

	if t == c.idle || expired {
		k.schedule(c)
	}
}

// taskUpdate charges one tick to t. Called with c.lock held.
func (k *Kernel) taskUpdate(c *CPU, t *Task) {
	t.ticks++
	if t == c.idle {
		return
	}

	t.runTime++
	v := vruntimeOf(t.runTime, t.Weight)
	if v < c.minVruntime {
		// no banking: a task that slept catches up to the watermark
		v = c.minVruntime
		t.runTime = runTimeOf(v, t.Weight)
	}
	if v < t.vruntime {
		v = t.vruntime
	}
	t.vruntime = v

	// the watermark trails the slowest of the running task and the queue
	// head, not the running task alone; a single hog would otherwise drag
	// every waiting task up to its own vruntime and flatten the shares
	least := v
	if l := c.rq.leftmost(c.idle); l != nil && l.vruntime < least {
		least = l.vruntime
	}
	if least > c.minVruntime {
		c.minVruntime = least
	}
}

// runnable is the readiness check applied when a task is queued and when
// the run queue is scanned.
func (k *Kernel) runnable(t *Task) bool {
	switch t.State() {
	case StateReady:
		return true
	case StateSending:
		return t.pending.Load() == 0
	case StateReceiving:
		return k.canReceive(t)
	default:
		return false
	}
}

func (k *Kernel) canReceive(t *Task) bool {
	g := t.senders.lock.Lock(nil)
	defer g.Unlock()

	intr := t.flags.TestBit(flagIntr)
	switch src := t.recvFrom; src {
	case AnyIntr:
		return intr
	case AnyTask:
		return intr || !t.senders.empty()
	case NoTask:
		return false
	default:
		ref := Ref{ID: src, Gen: t.recvGen}
		return t.senders.has(ref) || !k.registry.current(ref)
	}
}

// wake queues t on its core if it is blocked and its condition now holds.
// A task that is still on its way into schedule is left alone: schedule
// rechecks the condition under the same lock. from is the waking core.
func (k *Kernel) wake(from int, t *Task) {
	c := k.cpus[t.cpu]
	g := c.lock.Lock(nil)
	if t != c.current && t != c.idle && k.runnable(t) && !t.link.Linked() {
		if err := c.rq.insert(t); err != nil {
			g.Unlock()
			panic(fmt.Sprintf("sched: wake task %d: %v", t.ID, err))
		}
	}
	g.Unlock()
	k.resched(from, c)
}

// resched nudges c to look at its run queue. Another core is told through
// a reschedule IPI.
func (k *Kernel) resched(from int, c *CPU) {
	if from == c.id {
		k.m.Kick(c.id)
		return
	}
	// c is always a configured core, so delivery cannot fail
	_ = k.m.SendIPI(from, c.id, arch.IPIReschedule, 0)
}

// Unblock makes a task parked by Ctx.Block ready again.
func (k *Kernel) Unblock(id TaskID) error {
	t, ok := k.registry.get(id)
	if !ok {
		return fmt.Errorf("unblock task %d: %w", id, ErrInvalid)
	}
	c := k.cpus[t.cpu]
	g := c.lock.Lock(nil)
	if !t.casState(StateBlocked, StateReady) {
		g.Unlock()
		return fmt.Errorf("unblock task %d in state %v: %w", id, t.State(), ErrInvalid)
	}
	if t != c.current && !t.link.Linked() {
		if err := c.rq.insert(t); err != nil {
			g.Unlock()
			return err
		}
	}
	g.Unlock()
	k.resched(noCore, c)
	return nil
}

// SetPriority changes a live task's priority on the fly. The task is
// reweighted and, if queued, rekeyed so its vruntime is kept but later
// ticks are charged at the new rate.
func (k *Kernel) SetPriority(id TaskID, priority int) error {
	t, ok := k.registry.get(id)
	if !ok || t.system {
		return fmt.Errorf("set priority of task %d: %w", id, ErrInvalid)
	}
	c := k.cpus[t.cpu]
	g := c.lock.Lock(nil)
	_, queued := t.link.runQueue()
	if queued {
		if err := c.rq.remove(t); err != nil {
			g.Unlock()
			return err
		}
	}
	t.Priority = clampPriority(priority)
	t.Weight = weightOf(t.Priority)
	t.runTime = runTimeOf(t.vruntime, t.Weight)
	if queued {
		if err := c.rq.insert(t); err != nil {
			g.Unlock()
			return err
		}
	}
	v, p := t.vruntime, t.Priority
	g.Unlock()

	k.emit(StatusEvent{Kind: StatusPriority, CPU: c.id, Tick: c.ticks.Load(), TaskID: id, Vruntime: v, Detail: fmt.Sprintf("priority %d", p)})
	return nil
}

// idleLoop is the body of every idle task: give the core away whenever
// there is work and halt until an IPI or the local timer otherwise.
func (k *Kernel) idleLoop(ctx *Ctx, _ uint64) {
	c := k.cpus[ctx.t.cpu]
	for {
		k.schedule(c)
		if k.m.Idle(c.id, c.clock.Ch) == arch.WakeTimer {
			k.timerTick(c)
		}
	}
}

// runCore is the boot path of a core: start its timer and dispatch the
// first task. It returns once the machine halts.
func (k *Kernel) runCore(c *CPU) error {
	c.clock.Start(time.Duration(k.cfg.TickMS) * time.Millisecond)
	defer c.clock.Stop()

	g := c.lock.Lock(nil)
	next := c.rq.pick(k.runnable)
	if next == nil {
		next = c.idle
	}
	if next == nil {
		g.Unlock()
		return &FatalError{CPU: c.id, Reason: "no task to launch"}
	}
	next.setState(StateRunning)
	next.slice = 0
	c.current = next
	c.handoff = g
	if next.space != nil {
		c.space = next.space
	}
	c.ext = *next.ext
	k.emit(StatusEvent{Kind: StatusDispatch, CPU: c.id, Tick: c.ticks.Load(), TaskID: next.ID, Vruntime: next.vruntime})

	k.m.Launch(next.ctx)
	return nil
}
