// internal/sched/link.go

package sched

import (
	"errors"
	"fmt"

	"github.com/emirpasic/gods/lists/doublylinkedlist"

	"cfskern/internal/atomics"
	"cfskern/internal/spinlock"
)

type linkOwner uint64

const (
	linkNone linkOwner = iota
	linkRunQueue
	linkSenders
)

var (
	errLinked   = errors.New("linkage already owned")
	errUnlinked = errors.New("linkage not owned")
)

// Linkage is a task's single queue membership: the run queue of one core or
// the sender list of one task, never both. Moving a task is detach then
// attach. The owner word is atomic so it can be inspected under any lock.
type Linkage struct {
	word atomics.Cell // owner<<32 | id, 0 = unlinked
}

func packLink(owner linkOwner, id int) uint64 { return uint64(owner)<<32 | uint64(uint32(id)) }

func (l *Linkage) attach(owner linkOwner, id int) error {
	w := packLink(owner, id)
	if !l.word.CompareAndSwap(0, w) {
		return fmt.Errorf("attach to %v: %w (held by %v)", linkString(w), errLinked, l)
	}
	return nil
}

func (l *Linkage) detach() error {
	if l.word.Swap(0) == 0 {
		return errUnlinked
	}
	return nil
}

func (l *Linkage) reset() { l.word.Store(0) }

// Linked reports whether some queue owns the task.
func (l *Linkage) Linked() bool { return l.word.Load() != 0 }

// runQueue returns the core whose run queue owns the linkage.
func (l *Linkage) runQueue() (int, bool) {
	w := l.word.Load()
	if linkOwner(w>>32) != linkRunQueue {
		return 0, false
	}
	return int(uint32(w)), true
}

func (l *Linkage) String() string { return linkString(l.word.Load()) }

func linkString(w uint64) string {
	id := uint32(w)
	switch linkOwner(w >> 32) {
	case linkRunQueue:
		return fmt.Sprintf("runqueue(cpu %d)", id)
	case linkSenders:
		return fmt.Sprintf("senders(task %d)", id)
	default:
		return "unlinked"
	}
}

// senderList holds the tasks blocked sending to one receiver, oldest first.
// Every method requires lock to be held.
type senderList struct {
	lock  spinlock.Spinlock
	owner TaskID
	list  *doublylinkedlist.List
}

func (s *senderList) push(t *Task) error {
	if err := t.link.attach(linkSenders, int(s.owner)); err != nil {
		return err
	}
	s.list.Add(t)
	return nil
}

func (s *senderList) popFront() *Task {
	v, ok := s.list.Get(0)
	if !ok {
		return nil
	}
	s.list.Remove(0)
	t := v.(*Task)
	t.link.detach()
	return t
}

// take unlinks the queued sender ref names, if any. A later incarnation of
// the same slot does not match.
func (s *senderList) take(ref Ref) *Task {
	i := s.index(ref)
	if i < 0 {
		return nil
	}
	v, _ := s.list.Get(i)
	s.list.Remove(i)
	t := v.(*Task)
	t.link.detach()
	return t
}

func (s *senderList) has(ref Ref) bool { return s.index(ref) >= 0 }

func (s *senderList) empty() bool { return s.list.Empty() }

func (s *senderList) index(ref Ref) int {
	it := s.list.Iterator()
	for it.Next() {
		if t := it.Value().(*Task); t.ID == ref.ID && t.gen.Load() == ref.Gen {
			return it.Index()
		}
	}
	return -1
}

// drain unlinks and returns every queued sender.
func (s *senderList) drain() []*Task {
	var out []*Task
	for t := s.popFront(); t != nil; t = s.popFront() {
		out = append(out, t)
	}
	return out
}

func (s *senderList) ids() []TaskID {
	out := make([]TaskID, 0, s.list.Size())
	it := s.list.Iterator()
	for it.Next() {
		out = append(out, it.Value().(*Task).ID)
	}
	return out
}
