// internal/softirq/softirq.go

// Package softirq holds deferred work raised from hard-interrupt context and
// run later with interrupts enabled.
package softirq

import (
	"errors"
	"fmt"
	"sync"

	"cfskern/internal/atomics"
)

// Max is the number of soft interrupt lines.
const Max = 64

var (
	ErrInvalid    = errors.New("invalid soft interrupt")
	ErrRegistered = errors.New("soft interrupt already registered")
)

type Handler func()

// Table dispatches pending soft interrupts in line order.
type Table struct {
	mu       sync.RWMutex
	handlers [Max]Handler
	pending  atomics.Cell
	runs     [Max]atomics.Cell
}

func (t *Table) Register(nr int, h Handler) error {
	if nr < 0 || nr >= Max || h == nil {
		return fmt.Errorf("softirq %d: %w", nr, ErrInvalid)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.handlers[nr] != nil {
		return fmt.Errorf("softirq %d: %w", nr, ErrRegistered)
	}
	t.handlers[nr] = h
	return nil
}

// Raise marks nr pending. Safe from any context.
func (t *Table) Raise(nr int) error {
	if nr < 0 || nr >= Max {
		return fmt.Errorf("softirq %d: %w", nr, ErrInvalid)
	}
	t.pending.TestAndSetBit(uint(nr))
	return nil
}

// Pending reports whether any line is raised.
func (t *Table) Pending() bool { return t.pending.Load() != 0 }

// Run executes every pending handler once and returns how many ran. Lines
// raised while running are picked up by the next call.
func (t *Table) Run() int {
	ran := 0
	for nr := 0; nr < Max; nr++ {
		if !t.pending.TestAndResetBit(uint(nr)) {
			continue
		}
		t.mu.RLock()
		h := t.handlers[nr]
		t.mu.RUnlock()
		if h == nil {
			continue
		}
		h()
		t.runs[nr].Inc()
		ran++
	}
	return ran
}

// Runs is how many times line nr has been serviced.
func (t *Table) Runs(nr int) int { return int(t.runs[nr].Load()) }
