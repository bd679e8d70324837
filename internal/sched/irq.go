// internal/sched/irq.go

package sched

import (
	"fmt"

	"cfskern/internal/softirq"
)

// IRQHandler runs in interrupt context. It typically calls InformIntr to
// hand the event to a driver task.
type IRQHandler func(vector uint8)

// Vectors owned by the kernel itself.
const (
	VectorTimer   uint8 = 32
	VectorResched uint8 = 0xf0
	VectorHalt    uint8 = 0xf1
)

func reservedVector(v uint8) bool {
	return v == VectorTimer || v == VectorResched || v == VectorHalt
}

// RegisterHandle installs the handler for a device interrupt vector.
func (k *Kernel) RegisterHandle(vector uint8, h IRQHandler) error {
	if h == nil || reservedVector(vector) {
		return fmt.Errorf("register vector %d: %w", vector, ErrInvalid)
	}
	k.irqMu.Lock()
	defer k.irqMu.Unlock()
	if k.handlers[vector] != nil {
		return fmt.Errorf("register vector %d: %w", vector, ErrBusy)
	}
	k.handlers[vector] = h
	return nil
}

// Interrupt raises device interrupt vector: its handler runs, then any soft
// interrupts it raised.
func (k *Kernel) Interrupt(vector uint8) error {
	k.irqMu.RLock()
	h := k.handlers[vector]
	k.irqMu.RUnlock()
	if h == nil {
		return fmt.Errorf("interrupt %d: no handler: %w", vector, ErrInvalid)
	}
	h(vector)
	k.softirqs.Run()
	return nil
}

// RegisterSoftIRQ installs deferred work on line nr.
func (k *Kernel) RegisterSoftIRQ(nr int, fn softirq.Handler) error {
	return k.softirqs.Register(nr, fn)
}

// RaiseSoftIRQ marks line nr pending. It runs after the next interrupt or
// timer tick on any core.
func (k *Kernel) RaiseSoftIRQ(nr int) error {
	return k.softirqs.Raise(nr)
}

// SoftIRQRuns is how many times line nr has run.
func (k *Kernel) SoftIRQRuns(nr int) int { return k.softirqs.Runs(nr) }
