// internal/sched/lifecycle.go

package sched

import (
	"fmt"

	"cfskern/internal/arch"
	"cfskern/internal/mm"
)

// Entry is the top-level function of a task. Returning from it exits the task.
type Entry func(c *Ctx, arg uint64)

// AnyCPU lets the kernel place a task.
const AnyCPU = -1

const (
	contextFrame = 64             // callee-saved frame at the top of a kernel stack
	UserStackTop = 0x7ffffffff000 // user stacks grow down from here
)

// TaskSpec describes a task to start.
type TaskSpec struct {
	Name       string
	Priority   int
	StackPages int // 0 = Config.StackPages
	CPU        int // AnyCPU places tasks round robin
	User       bool
	Entry      Entry
	Arg        uint64
}

// Start creates a task and makes it ready on its core.
func (k *Kernel) Start(spec TaskSpec) (TaskID, error) {
	t, err := k.start(spec, NoTask, false)
	if err != nil {
		return NoTask, err
	}
	return t.ID, nil
}

// StartOn creates a kernel task on core cpu.
func (k *Kernel) StartOn(cpu int, name string, priority int, entry Entry, arg uint64) (TaskID, error) {
	return k.Start(TaskSpec{Name: name, Priority: priority, CPU: cpu, Entry: entry, Arg: arg})
}

// StartUser creates a task with its own address space and a user stack
// mapped below UserStackTop.
func (k *Kernel) StartUser(name string, priority int, entry Entry, arg uint64) (TaskID, error) {
	return k.Start(TaskSpec{Name: name, Priority: priority, CPU: AnyCPU, User: true, Entry: entry, Arg: arg})
}

func (k *Kernel) start(spec TaskSpec, parent TaskID, system bool) (*Task, error) {
	if spec.Entry == nil {
		return nil, fmt.Errorf("start %q: nil entry: %w", spec.Name, ErrInvalid)
	}
	cpu := spec.CPU
	if cpu == AnyCPU {
		cpu = int((k.nextCPU.Inc() - 1) % uint64(len(k.cpus)))
	}
	if cpu < 0 || cpu >= len(k.cpus) {
		return nil, fmt.Errorf("start %q on cpu %d: %w", spec.Name, cpu, ErrInvalid)
	}
	pages := spec.StackPages
	if pages <= 0 {
		pages = k.cfg.StackPages
	}

	t, err := k.registry.allocate()
	if err != nil {
		return nil, fmt.Errorf("start %q: %w", spec.Name, err)
	}
	stack, err := k.frames.AllocPages(pages)
	if err != nil {
		k.registry.free(t)
		return nil, fmt.Errorf("start %q: kernel stack: %w", spec.Name, err)
	}

	k.initTask(t, spec.Name, spec.Priority, parent, stack, k.cpus[cpu])
	t.ownsStack = true
	t.system = system
	if spec.User {
		if err := k.attachUserSpace(t); err != nil {
			k.release(t)
			k.registry.free(t)
			return nil, fmt.Errorf("start %q: %w", spec.Name, err)
		}
	}
	k.makeResumable(t, spec.Entry, spec.Arg)

	if !system {
		k.liveDelta(1)
	}
	k.enqueue(t)
	return t, nil
}

// initTask fills in a claimed slot. New tasks start at the core's watermark
// so they never jump ahead of tasks that have been waiting.
func (k *Kernel) initTask(t *Task, name string, priority int, parent TaskID, stack mm.Range, c *CPU) {
	t.Name = name
	t.Parent = parent
	t.Priority = clampPriority(priority)
	t.Weight = weightOf(t.Priority)
	t.kstack = stack
	t.ownsStack = false
	t.ustack = mm.Range{}
	t.space = nil
	t.system = false
	t.cpu = c.id
	t.runTime, t.ticks, t.slice = 0, 0, 0
	t.link.reset()
	t.ext = new(arch.ExtState)

	t.outbox = Message{}
	t.sendTo.Store(uint64(NoTask))
	t.recvFrom, t.recvGen = NoTask, 0
	t.flags.Store(0)
	t.pending.Store(0)
	t.sendErr = nil
	t.recvCount.Store(0)
	t.locks.Store(0)

	g := c.lock.Lock(nil)
	t.vruntime = c.minVruntime
	g.Unlock()
}

// makeResumable lays out the saved context at the top of the kernel stack.
// The first resume lands in trampoline.
func (k *Kernel) makeResumable(t *Task, entry Entry, arg uint64) {
	t.ctx = k.m.NewContext(t.kstack.Top()-contextFrame, func() {
		k.trampoline(t, entry, arg)
	})
}

func (k *Kernel) trampoline(t *Task, entry Entry, arg uint64) {
	k.finishSwitch(k.cpus[t.cpu])
	entry(&Ctx{k: k, t: t}, arg)
	k.exit(t, 0)
}

func (k *Kernel) attachUserSpace(t *Task) error {
	space, err := mm.NewAddressSpace(k.frames)
	if err != nil {
		return err
	}
	ustack, err := k.frames.AllocPages(k.cfg.UserStackPages)
	if err != nil {
		space.Release(k.frames)
		return fmt.Errorf("user stack: %w", err)
	}
	if err := space.Map(UserStackTop-ustack.Size(), ustack, mm.FlagWrite|mm.FlagUser); err != nil {
		k.frames.FreePages(ustack)
		space.Release(k.frames)
		return err
	}
	t.space, t.ustack = space, ustack
	return nil
}

// release returns a task's stacks and address space.
func (k *Kernel) release(t *Task) error {
	var first error
	keep := func(err error) {
		if first == nil {
			first = err
		}
	}
	if t.ownsStack && !t.kstack.Empty() {
		if err := k.frames.FreePages(t.kstack); err != nil {
			keep(err)
		}
	}
	if t.space != nil {
		if err := k.frames.FreePages(t.ustack); err != nil {
			keep(err)
		}
		if err := t.space.Release(k.frames); err != nil {
			keep(err)
		}
	}
	t.kstack, t.ustack, t.space = mm.Range{}, mm.Range{}, nil
	return first
}

func (k *Kernel) enqueue(t *Task) {
	c := k.cpus[t.cpu]
	g := c.lock.Lock(nil)
	t.setState(StateReady)
	err := c.rq.insert(t)
	v := t.vruntime
	g.Unlock()
	if err != nil {
		panic(fmt.Sprintf("sched: enqueue new task %d: %v", t.ID, err))
	}

	k.emit(StatusEvent{Kind: StatusEnqueue, CPU: c.id, Tick: c.ticks.Load(), TaskID: t.ID, Vruntime: v})
	k.m.Kick(c.id)
}

// newIdle creates c's idle task and links it into c's own run queue, so it
// is the first thing the core dispatches.
func (k *Kernel) newIdle(c *CPU, stack mm.Range, ownsStack bool) (*Task, error) {
	t, err := k.registry.allocate()
	if err != nil {
		return nil, fmt.Errorf("idle task for cpu %d: %w", c.id, err)
	}
	k.initTask(t, fmt.Sprintf("idle/%d", c.id), MaxPriority, NoTask, stack, c)
	t.ownsStack = ownsStack
	t.system = true
	k.makeResumable(t, k.idleLoop, 0)

	g := c.lock.Lock(nil)
	c.idle = t
	g.Unlock()
	k.enqueue(t)
	return t, nil
}

// exit reports the exit through IPC, fails every sender still queued on the
// task and switches away for good. The core reaps the record afterwards.
func (k *Kernel) exit(t *Task, code uint64) {
	c := k.cpus[t.cpu]
	if n := t.locks.Load(); n != 0 {
		k.fatal(c, "task %d exiting with %d spinlocks held", t.ID, n)
	}
	if !t.system {
		k.reportExit(t, code)
	}

	g := t.senders.lock.Lock(nil)
	t.setState(StateDead)
	stranded := t.senders.drain()
	g.Unlock()
	for _, s := range stranded {
		k.inform(c.id, s, ErrDstNotFound)
	}
	k.wakeReceivers(c.id)

	k.emit(StatusEvent{Kind: StatusFinish, CPU: c.id, Tick: c.ticks.Load(), TaskID: t.ID, Vruntime: t.vruntime, RanTicks: t.ticks})
	k.schedule(c)
	k.fatal(c, "dead task %d resumed", t.ID)
}

func (k *Kernel) reportExit(t *Task, code uint64) {
	tm := k.resolve(ServiceTask)
	if tm == NoTask {
		return
	}
	msg := Message{
		Type:    MsgExit,
		Payload: [PayloadWords]uint64{code, t.ticks, t.runTime, t.vruntime, uint64(t.Parent)},
	}
	_ = k.sendRecv(t, tm, &msg)
}

// destroy runs on the dead task's core once nothing executes on its stack.
func (k *Kernel) destroy(c *CPU, t *Task) {
	if t.link.Linked() {
		k.fatal(c, "reaping task %d still linked into %v", t.ID, &t.link)
	}
	system, id := t.system, t.ID
	if err := k.release(t); err != nil {
		k.fatal(c, "reaping task %d: %v", id, err)
	}
	t.ctx, t.ext = nil, nil
	if err := k.registry.free(t); err != nil {
		k.fatal(c, "reaping task %d: %v", id, err)
	}

	k.emit(StatusEvent{Kind: StatusReap, CPU: c.id, Tick: c.ticks.Load(), TaskID: id})
	if !system {
		k.liveDelta(-1)
	}
}

// finishSwitch is the first thing a task runs after being switched to:
// release the run-queue lock held across the switch and reap the task that
// died switching away.
func (k *Kernel) finishSwitch(c *CPU) {
	g, dead := c.handoff, c.reap
	c.handoff, c.reap = nil, nil
	g.Unlock()
	if dead != nil {
		k.destroy(c, dead)
	}
}
