// internal/sched/kernel.go

package sched

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"cfskern/internal/arch"
	"cfskern/internal/atomics"
	"cfskern/internal/mm"
	"cfskern/internal/softirq"
	"cfskern/internal/spinlock"
)

const (
	kernelBase = 0x100000 // first frame handed to the page allocator
	lowMemSize = 0x100000
)

// Kernel owns the cores, the task registry and the IPC engine.
type Kernel struct {
	cfg      Config
	m        *arch.Machine
	frames   *mm.Frames
	low      *mm.LowMemory
	registry *Registry
	cpus     []*CPU

	softirqs softirq.Table
	irqMu    sync.RWMutex
	handlers [256]IRQHandler

	services [numServices]atomics.Cell // task id + 1, 0 = unregistered
	sendLock spinlock.Spinlock         // serializes deadlock detection with sender linking

	events  chan StatusEvent
	dropped atomics.Cell

	group   *errgroup.Group
	booted  atomic.Bool
	smp     Bootstrap
	nextCPU atomics.Cell

	liveMu sync.Mutex
	live   int
	liveCh chan struct{}

	exitMu sync.Mutex
	exits  []ExitRecord

	fatalMu  sync.Mutex
	fatalErr error
}

// New builds a kernel with its per-core state, the boot core's idle task and
// the built-in services. Cores other than the boot core stay in reset until
// Boot.
func New(cfg Config) (*Kernel, error) {
	cfg = cfg.sanitize()

	k := &Kernel{
		cfg:      cfg,
		m:        arch.NewMachine(cfg.Cores),
		frames:   mm.NewFrames(kernelBase, cfg.MemoryPages),
		low:      mm.NewLowMemory(lowMemSize),
		registry: newRegistry(cfg.MaxTasks),
		events:   make(chan StatusEvent, 4096),
		liveCh:   make(chan struct{}),
	}
	for i := 0; i < cfg.Cores; i++ {
		k.cpus = append(k.cpus, newCPU(i))
	}

	stack, err := k.frames.AllocPages(cfg.StackPages)
	if err != nil {
		return nil, fmt.Errorf("idle stack for cpu 0: %w", err)
	}
	if _, err := k.newIdle(k.cpus[0], stack, true); err != nil {
		return nil, err
	}
	if err := k.startServices(); err != nil {
		return nil, err
	}
	return k, nil
}

func (k *Kernel) Config() Config { return k.cfg }

// Cores is the number of configured cores.
func (k *Kernel) Cores() int { return len(k.cpus) }

// Frames is the physical page allocator tasks' stacks come from.
func (k *Kernel) Frames() *mm.Frames { return k.frames }

// Registry exposes the task table for inspection.
func (k *Kernel) Registry() *Registry { return k.registry }

// Shutdown halts every core and waits for them to stop.
func (k *Kernel) Shutdown() error {
	k.m.Halt()
	if k.group == nil {
		return nil
	}
	if err := k.group.Wait(); err != nil {
		return err
	}
	return k.Err()
}

// Err returns the fatal error that halted the kernel, if any.
func (k *Kernel) Err() error {
	k.fatalMu.Lock()
	defer k.fatalMu.Unlock()
	return k.fatalErr
}

// Wait blocks until every non-system task has been destroyed.
func (k *Kernel) Wait(ctx context.Context) error {
	for {
		k.liveMu.Lock()
		n, ch := k.live, k.liveCh
		k.liveMu.Unlock()
		if n == 0 {
			return nil
		}

		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		case <-k.m.Halted():
			if err := k.Err(); err != nil {
				return err
			}
			return ErrHalted
		}
	}
}

func (k *Kernel) liveDelta(d int) {
	k.liveMu.Lock()
	defer k.liveMu.Unlock()
	k.live += d
	close(k.liveCh)
	k.liveCh = make(chan struct{})
}

// Task returns a snapshot of the live task id.
func (k *Kernel) Task(id TaskID) (TaskInfo, bool) {
	t, ok := k.registry.get(id)
	if !ok {
		return TaskInfo{}, false
	}
	c := k.cpus[t.cpu]
	g := c.lock.Lock(nil)
	defer g.Unlock()

	return TaskInfo{
		ID:        t.ID,
		Parent:    t.Parent,
		Name:      t.Name,
		State:     t.State(),
		Priority:  t.Priority,
		CPU:       t.cpu,
		Ticks:     t.ticks,
		RunTime:   t.runTime,
		VRuntime:  t.vruntime,
		Linked:    t.link.Linked(),
		RecvCount: t.recvCount.Load(),
		Locks:     int(t.locks.Load()),
		User:      t.space != nil,

		IntrPending: t.flags.TestBit(flagIntr),
	}, true
}

// Ref returns a generation-tagged handle on the live task id.
func (k *Kernel) Ref(id TaskID) (Ref, bool) {
	t, ok := k.registry.get(id)
	if !ok {
		return Ref{}, false
	}
	return k.registry.ref(t), true
}

// Alive reports whether ref still names the incarnation it was taken from.
func (k *Kernel) Alive(ref Ref) bool {
	_, ok := k.registry.resolve(ref)
	return ok
}

// CPU returns a snapshot of core i.
func (k *Kernel) CPU(i int) CPUInfo { return k.cpus[i].info() }

// fatal records an invariant violation, halts every core and never returns.
func (k *Kernel) fatal(c *CPU, format string, args ...any) {
	err := &FatalError{CPU: c.id, Reason: fmt.Sprintf(format, args...)}

	k.fatalMu.Lock()
	if k.fatalErr == nil {
		k.fatalErr = err
	}
	k.fatalMu.Unlock()

	k.emit(StatusEvent{Kind: StatusPanic, CPU: c.id, Tick: c.ticks.Load(), TaskID: NoTask, Detail: err.Reason})
	k.m.SendIPI(c.id, arch.AllButSelf, arch.IPIHalt, 0)
	k.m.Halt()
	runtime.Goexit()
}
