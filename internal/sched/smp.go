// internal/sched/smp.go

package sched

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"cfskern/internal/arch"
	"cfskern/internal/atomics"
	"cfskern/internal/mm"
)

// BootState is a step of bringing up the secondary cores.
type BootState int

const (
	BootUninitialized BootState = iota
	BootTrampolineCopied
	BootStacksAllocated
	BootIdleTasksCreated
	BootInitSent
	BootStartupSent
	BootAllAcknowledged
	BootRunning
)

func (s BootState) String() string {
	switch s {
	case BootUninitialized:
		return "Uninitialized"
	case BootTrampolineCopied:
		return "TrampolineCopied"
	case BootStacksAllocated:
		return "StacksAllocated"
	case BootIdleTasksCreated:
		return "IdleTasksCreated"
	case BootInitSent:
		return "InitSent"
	case BootStartupSent:
		return "StartupSent"
	case BootAllAcknowledged:
		return "AllAcknowledged"
	case BootRunning:
		return "Running"
	default:
		return "Unknown"
	}
}

// IdleLink records where a secondary core's idle task was queued before
// the core was started.
type IdleLink struct {
	Task  TaskID
	Queue int // core owning the run queue the task is linked into
}

// Bootstrap is the record of one SMP bring-up.
type Bootstrap struct {
	mu      sync.Mutex
	history []BootState
	stacks  mm.Range
	idle    map[int]IdleLink

	acked atomics.Cell // secondary cores that reached their entry point
}

func (b *Bootstrap) advance(s BootState) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.history = append(b.history, s)
}

// History lists the states passed through, in order.
func (b *Bootstrap) History() []BootState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]BootState(nil), b.history...)
}

// Acked is the number of secondary cores that acknowledged start-up.
func (b *Bootstrap) Acked() int { return int(b.acked.Load()) }

// Stacks is the region the secondary cores' idle stacks were carved from.
func (b *Bootstrap) Stacks() mm.Range {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stacks
}

// IdleLinks maps each secondary core to its idle task's queue placement.
func (b *Bootstrap) IdleLinks() map[int]IdleLink {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(map[int]IdleLink, len(b.idle))
	for core, l := range b.idle {
		out[core] = l
	}
	return out
}

// Bootstrap exposes the SMP bring-up record.
func (k *Kernel) Bootstrap() *Bootstrap { return &k.smp }

// Boot brings up the secondary cores and starts scheduling on every core.
// It returns once all cores run; Shutdown stops them. Cancelling ctx halts
// the machine.
func (k *Kernel) Boot(ctx context.Context) error {
	if !k.booted.CompareAndSwap(false, true) {
		return fmt.Errorf("boot: %w", ErrBusy)
	}

	g, gctx := errgroup.WithContext(ctx)
	k.group = g
	k.m.OnStartup(func(core int, vector uint8) {
		g.Go(func() error { return k.apEntry(core, vector) })
	})
	go func() {
		select {
		case <-gctx.Done():
			k.m.Halt()
		case <-k.m.Halted():
		}
	}()

	k.smp.advance(BootUninitialized)
	if err := k.bootSecondaries(); err != nil {
		k.m.Halt()
		_ = g.Wait()
		return err
	}

	g.Go(func() error { return k.runCore(k.cpus[0]) })
	k.smp.advance(BootRunning)
	k.emit(StatusEvent{Kind: StatusBoot, CPU: 0, TaskID: NoTask, Detail: fmt.Sprintf("%d cores running", len(k.cpus))})
	return nil
}

func (k *Kernel) bootSecondaries() error {
	aps := len(k.cpus) - 1
	if aps == 0 {
		return nil
	}

	if err := k.low.Write(arch.TrampolineAddr, arch.TrampolineImage()); err != nil {
		return fmt.Errorf("copy trampoline: %w", err)
	}
	k.smp.advance(BootTrampolineCopied)

	region, err := k.frames.AllocPages(aps * k.cfg.StackPages)
	if err != nil {
		return fmt.Errorf("secondary stacks: %w", err)
	}
	k.smp.mu.Lock()
	k.smp.stacks = region
	k.smp.idle = make(map[int]IdleLink, aps)
	k.smp.mu.Unlock()
	k.smp.advance(BootStacksAllocated)

	for i := 1; i <= aps; i++ {
		stack := mm.Range{
			Base:  region.Base + uint64((i-1)*k.cfg.StackPages)*mm.PageSize,
			Pages: k.cfg.StackPages,
		}
		t, err := k.newIdle(k.cpus[i], stack, false)
		if err != nil {
			return err
		}
		q, ok := t.link.runQueue()
		if !ok || q != i {
			return &FatalError{CPU: 0, Reason: fmt.Sprintf("idle task %d for cpu %d linked into %v", t.ID, i, &t.link)}
		}
		k.smp.mu.Lock()
		k.smp.idle[i] = IdleLink{Task: t.ID, Queue: q}
		k.smp.mu.Unlock()
	}
	k.smp.advance(BootIdleTasksCreated)

	if err := k.m.SendIPI(0, arch.AllButSelf, arch.IPIInit, 0); err != nil {
		return err
	}
	k.smp.advance(BootInitSent)

	vector := arch.StartupVector(arch.TrampolineAddr)
	for i := 0; i < 2; i++ {
		if err := k.m.SendIPI(0, arch.AllButSelf, arch.IPIStartup, vector); err != nil {
			return err
		}
		k.smp.advance(BootStartupSent)
	}

	every := time.Duration(k.cfg.BootRetryMS) * time.Millisecond
	if err := waitAcks(&k.smp.acked, uint64(aps), k.cfg.BootRetries, every); err != nil {
		return err
	}
	k.smp.advance(BootAllAcknowledged)
	return nil
}

// waitAcks polls flag until it reaches want, at most retries times.
func waitAcks(flag *atomics.Cell, want uint64, retries int, every time.Duration) error {
	for i := 0; i < retries; i++ {
		if flag.Load() >= want {
			return nil
		}
		time.Sleep(every)
	}
	if got := flag.Load(); got < want {
		return fmt.Errorf("%d of %d cores after %d polls: %w", got, want, retries, ErrBootTimeout)
	}
	return nil
}

// apEntry is where a secondary core lands after its Start-Up IPI.
func (k *Kernel) apEntry(core int, vector uint8) error {
	img, err := k.low.Read(arch.VectorAddr(vector), arch.TrampolineSize)
	if err != nil || !arch.ValidTrampoline(img) {
		return fmt.Errorf("cpu %d at vector %#x: %w", core, vector, ErrBadTrampoline)
	}
	k.smp.acked.Inc()
	k.emit(StatusEvent{Kind: StatusBoot, CPU: core, TaskID: NoTask, Detail: "online"})
	return k.runCore(k.cpus[core])
}
