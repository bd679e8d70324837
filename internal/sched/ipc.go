// internal/sched/ipc.go

package sched

import (
	"fmt"
)

// send copies m into t's outbox, queues t on dst's sender list and blocks
// until a receiver has collected the message.
func (k *Kernel) send(t *Task, dst TaskID, m *Message) error {
	c := k.cpus[t.cpu]
	if t.locks.Load() != 0 {
		return fmt.Errorf("send from task %d holding spinlocks: %w", t.ID, ErrDeadlock)
	}
	id := k.resolve(dst)
	d, ok := k.registry.get(id)
	if !ok {
		return fmt.Errorf("send to task %d: %w", id, ErrDstNotFound)
	}

	sg := k.sendLock.Lock(nil)
	if k.sendCycle(t, d) {
		sg.Unlock()
		return fmt.Errorf("send from task %d to %d: %w", t.ID, d.ID, ErrDeadlock)
	}

	dg := d.senders.lock.Lock(nil)
	if !d.State().live() {
		dg.Unlock()
		sg.Unlock()
		return fmt.Errorf("send to task %d: %w", id, ErrDstNotFound)
	}
	t.outbox = *m
	t.outbox.Source = t.ID
	t.sendErr = nil
	t.sendTo.Store(uint64(d.ID))
	t.pending.Inc()
	t.setState(StateSending)
	if err := d.senders.push(t); err != nil {
		dg.Unlock()
		sg.Unlock()
		k.fatal(c, "queue task %d on %d: %v", t.ID, d.ID, err)
	}
	dg.Unlock()
	sg.Unlock()

	k.wake(c.id, d)
	for t.pending.Load() != 0 {
		k.schedule(c)
	}
	t.setState(StateRunning)
	return t.sendErr
}

// sendCycle reports whether t sending to d would close a chain of blocked
// senders back onto t. Called with k.sendLock held.
func (k *Kernel) sendCycle(t, d *Task) bool {
	cur := d
	for i := 0; i <= k.registry.Cap(); i++ {
		if cur == t {
			return true
		}
		next := TaskID(cur.sendTo.Load())
		if next == NoTask || int(next) >= k.registry.Cap() {
			return false
		}
		cur = &k.registry.slots[next]
	}
	return true
}

// receive collects one message for t from src, which is a task id, AnyTask
// or AnyIntr. Pending interrupts are returned before queued senders.
func (k *Kernel) receive(t *Task, src TaskID, m *Message) error {
	c := k.cpus[t.cpu]
	if t.locks.Load() != 0 {
		return fmt.Errorf("receive in task %d holding spinlocks: %w", t.ID, ErrDeadlock)
	}
	// a specific source is pinned to its current incarnation, so a task
	// reusing the slot later is never mistaken for it
	wild := src == AnyTask || src == AnyIntr
	var ref Ref
	if !wild {
		id := k.resolve(src)
		if id == t.ID {
			return fmt.Errorf("task %d receiving from itself: %w", t.ID, ErrDeadlock)
		}
		peer, ok := k.registry.get(id)
		if !ok {
			return fmt.Errorf("receive from task %d: %w", id, ErrSrcNotFound)
		}
		ref = k.registry.ref(peer)
		src = id
	}

	for {
		g := t.senders.lock.Lock(nil)
		if wild && t.flags.TestAndResetBit(flagIntr) {
			t.recvFrom = NoTask
			g.Unlock()
			t.setState(StateRunning)
			*m = Message{Source: IntrSource, Type: MsgInterrupt}
			return nil
		}

		var s *Task
		switch src {
		case AnyTask:
			s = t.senders.popFront()
		case AnyIntr:
		default:
			s = t.senders.take(ref)
		}
		if s != nil {
			t.recvFrom = NoTask
			g.Unlock()
			t.setState(StateRunning)
			*m = s.outbox
			t.recvCount.Inc()
			k.inform(c.id, s, nil)
			return nil
		}
		if !wild && !k.registry.current(ref) {
			t.recvFrom = NoTask
			g.Unlock()
			t.setState(StateRunning)
			return fmt.Errorf("receive from task %d: %w", src, ErrSrcNotFound)
		}

		t.recvFrom, t.recvGen = src, ref.Gen
		t.setState(StateReceiving)
		g.Unlock()
		k.schedule(c)
	}
}

// inform completes a send: the receiver has the message (err == nil) or
// the destination is gone. from is the core doing the informing.
func (k *Kernel) inform(from int, s *Task, err error) {
	s.sendErr = err
	s.sendTo.Store(uint64(NoTask))
	s.pending.Dec()
	k.wake(from, s)
}

// wakeReceivers rechecks every task waiting in receive. Used when a task
// dies, since receivers naming it must fail.
func (k *Kernel) wakeReceivers(from int) {
	for i := range k.registry.slots {
		t := &k.registry.slots[i]
		if t.State() == StateReceiving {
			k.wake(from, t)
		}
	}
}

// InformIntr delivers an interrupt to task id: it sets the task's
// interrupt flag and wakes it if it waits for one.
func (k *Kernel) InformIntr(id TaskID) error {
	id = k.resolve(id)
	t, ok := k.registry.get(id)
	if !ok {
		return fmt.Errorf("interrupt for task %d: %w", id, ErrDstNotFound)
	}
	t.flags.TestAndSetBit(flagIntr)
	k.wake(noCore, t)
	return nil
}
