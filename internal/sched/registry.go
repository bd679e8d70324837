// internal/sched/registry.go

package sched

import (
	"fmt"

	"github.com/emirpasic/gods/lists/doublylinkedlist"

	"cfskern/internal/atomics"
	"cfskern/internal/spinlock"
)

// Registry is the fixed-capacity table of task records shared by all cores.
// Allocation and release take the registry lock; lookups by id do not.
type Registry struct {
	lock  spinlock.Spinlock
	slots []Task
	inUse atomics.Cell
}

func newRegistry(capacity int) *Registry {
	r := &Registry{slots: make([]Task, capacity)}
	for i := range r.slots {
		t := &r.slots[i]
		t.ID = TaskID(i)
		t.senders.owner = t.ID
		t.senders.list = doublylinkedlist.New()
	}
	return r
}

// allocate claims the lowest free slot.
func (r *Registry) allocate() (*Task, error) {
	g := r.lock.Lock(nil)
	defer g.Unlock()

	for i := range r.slots {
		t := &r.slots[i]
		if t.casState(StateFree, StateUsing) {
			r.inUse.Inc()
			return t, nil
		}
	}
	return nil, fmt.Errorf("allocate among %d slots: %w", len(r.slots), ErrNoTasks)
}

// free returns t's slot. The next incarnation of the slot gets a new
// generation, so stale Refs stop resolving.
func (r *Registry) free(t *Task) error {
	g := r.lock.Lock(nil)
	defer g.Unlock()

	if s := t.State(); s == StateFree {
		return fmt.Errorf("free task %d: slot already free", t.ID)
	}
	t.gen.Inc()
	t.setState(StateFree)
	r.inUse.Dec()
	return nil
}

// get returns the live task with id.
func (r *Registry) get(id TaskID) (*Task, bool) {
	if int(id) >= len(r.slots) {
		return nil, false
	}
	t := &r.slots[id]
	if !t.State().live() {
		return nil, false
	}
	return t, true
}

func (r *Registry) alive(id TaskID) bool {
	_, ok := r.get(id)
	return ok
}

func (r *Registry) ref(t *Task) Ref { return Ref{ID: t.ID, Gen: t.gen.Load()} }

// resolve returns the task ref names if that incarnation is still live.
func (r *Registry) resolve(ref Ref) (*Task, bool) {
	t, ok := r.get(ref.ID)
	if !ok || t.gen.Load() != ref.Gen {
		return nil, false
	}
	return t, true
}

// current reports whether ref still names a live incarnation.
func (r *Registry) current(ref Ref) bool {
	_, ok := r.resolve(ref)
	return ok
}

// InUse is the number of claimed slots.
func (r *Registry) InUse() int { return int(r.inUse.Load()) }

func (r *Registry) Cap() int { return len(r.slots) }
