// internal/sched/runqueue.go

package sched

import (
	"github.com/emirpasic/gods/trees/redblacktree"
)

// runQueue orders a core's ready tasks by vruntime. Equal vruntimes keep
// insertion order.
type runQueue struct {
	cpu  int
	seq  uint64
	tree *redblacktree.Tree // red-black tree ordered by vruntime and insertion sequence
}

func newRunQueue(cpu int) *runQueue {
	return &runQueue{cpu: cpu, tree: redblacktree.NewWith(cmp)}
}

func (q *runQueue) insert(t *Task) error {
	if err := t.link.attach(linkRunQueue, q.cpu); err != nil {
		return err
	}
	q.seq++
	t.rqKey = nodeKey{vruntime: t.vruntime, seq: q.seq}
	q.tree.Put(t.rqKey, t)
	return nil
}

func (q *runQueue) remove(t *Task) error {
	if err := t.link.detach(); err != nil {
		return err
	}
	q.tree.Remove(t.rqKey)
	return nil
}

// pick unlinks and returns the first task, in vruntime order, that ok
// accepts. Tasks ok rejects stay queued.
func (q *runQueue) pick(ok func(*Task) bool) *Task {
	it := q.tree.Iterator()
	for it.Next() {
		t := it.Value().(*Task)
		if ok(t) {
			q.tree.Remove(it.Key())
			t.link.detach()
			return t
		}
	}
	return nil
}

// leftmost returns the queued task with the smallest vruntime other than
// skip, without unlinking it.
func (q *runQueue) leftmost(skip *Task) *Task {
	it := q.tree.Iterator()
	for it.Next() {
		if t := it.Value().(*Task); t != skip {
			return t
		}
	}
	return nil
}

func (q *runQueue) len() int { return q.tree.Size() }

func (q *runQueue) ids() []TaskID {
	out := make([]TaskID, 0, q.tree.Size())
	for _, v := range q.tree.Values() {
		out = append(out, v.(*Task).ID)
	}
	return out
}

// nodeKey is used as a key in the red-black tree.
type nodeKey struct {
	vruntime uint64
	seq      uint64
}

// cmp implements the Comparator for red-black tree ordering.
func cmp(a, b any) int {
	ka, kb := a.(nodeKey), b.(nodeKey)
	switch {
	case ka.vruntime < kb.vruntime:
		return -1
	case ka.vruntime > kb.vruntime:
		return 1
	case ka.seq < kb.seq:
		return -1
	case ka.seq > kb.seq:
		return 1
	default:
		return 0
	}
}
