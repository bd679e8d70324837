// internal/arch/apic.go

package arch

import (
	"errors"
	"fmt"
	"runtime"
	"sync"

	"cfskern/internal/atomics"
)

// IPI is the delivery mode of an inter-processor interrupt.
type IPI int

const (
	IPIInit IPI = iota
	IPIStartup
	IPIReschedule
	IPIHalt
)

func (k IPI) String() string {
	switch k {
	case IPIInit:
		return "INIT"
	case IPIStartup:
		return "STARTUP"
	case IPIReschedule:
		return "RESCHED"
	case IPIHalt:
		return "HALT"
	default:
		return "unknown"
	}
}

// AllButSelf is the destination shorthand addressing every other core.
const AllButSelf = -1

// Wake tells a halted core why it woke up.
type Wake int

const (
	WakeIPI Wake = iota
	WakeTimer
)

var ErrNoCore = errors.New("no such core")

const (
	coreReset = iota
	coreWaitSIPI
	coreStarted
)

type lapic struct {
	state atomics.Cell
	wake  chan struct{}
	ipis  atomics.Cell
}

// Machine is the hosted hardware: a set of cores, their local APICs and the
// halt line every core listens on.
type Machine struct {
	cores    []lapic
	halted   chan struct{}
	haltOnce sync.Once

	mu        sync.Mutex
	onStartup func(core int, vector uint8)
}

// NewMachine powers up n cores. Core 0 is the bootstrap processor and is
// running; the others wait for INIT.
func NewMachine(n int) *Machine {
	m := &Machine{
		cores:  make([]lapic, n),
		halted: make(chan struct{}),
	}
	for i := range m.cores {
		m.cores[i].wake = make(chan struct{}, 1)
	}
	m.cores[0].state.Store(coreStarted)
	return m
}

func (m *Machine) Cores() int { return len(m.cores) }

// OnStartup installs the function an application processor executes when a
// Start-Up IPI reaches it, receiving the vector it was started with.
func (m *Machine) OnStartup(fn func(core int, vector uint8)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onStartup = fn
}

// SendIPI delivers an IPI from core from to dest (a core index or AllButSelf).
func (m *Machine) SendIPI(from, dest int, kind IPI, vector uint8) error {
	if dest == AllButSelf {
		for i := range m.cores {
			if i == from {
				continue
			}
			if err := m.deliver(i, kind, vector); err != nil {
				return err
			}
		}
		return nil
	}
	if dest < 0 || dest >= len(m.cores) {
		return fmt.Errorf("ipi %v to core %d: %w", kind, dest, ErrNoCore)
	}
	return m.deliver(dest, kind, vector)
}

func (m *Machine) deliver(core int, kind IPI, vector uint8) error {
	c := &m.cores[core]
	c.ipis.Inc()

	switch kind {
	case IPIInit:
		c.state.CompareAndSwap(coreReset, coreWaitSIPI)
	case IPIStartup:
		// only the first SIPI after INIT starts the core; the retry is ignored
		if !c.state.CompareAndSwap(coreWaitSIPI, coreStarted) {
			return nil
		}
		m.mu.Lock()
		fn := m.onStartup
		m.mu.Unlock()
		if fn != nil {
			fn(core, vector)
		}
	case IPIReschedule:
		m.Kick(core)
	case IPIHalt:
		m.Halt()
	}
	return nil
}

// Kick wakes core if it is halted. Kicks coalesce.
func (m *Machine) Kick(core int) {
	select {
	case m.cores[core].wake <- struct{}{}:
	default:
	}
}

// Started reports whether core has left reset.
func (m *Machine) Started(core int) bool {
	return m.cores[core].state.Load() == coreStarted
}

// IPIs is the number of IPIs delivered to core.
func (m *Machine) IPIs(core int) int { return int(m.cores[core].ipis.Load()) }

// Idle halts the calling core until an IPI or a timer tick arrives.
func (m *Machine) Idle(core int, tick <-chan struct{}) Wake {
	for {
		select {
		case <-m.cores[core].wake:
			return WakeIPI
		case _, ok := <-tick:
			if ok {
				return WakeTimer
			}
			tick = nil
		case <-m.halted:
			runtime.Goexit()
		}
	}
}

// Halt stops every core. Parked contexts never resume afterwards.
func (m *Machine) Halt() {
	m.haltOnce.Do(func() { close(m.halted) })
}

// Halted is closed once the machine has halted.
func (m *Machine) Halted() <-chan struct{} { return m.halted }
