package sched

import (
	"errors"
	"testing"
)

func TestRegistryAllocateLowestFree(t *testing.T) {
	r := newRegistry(4)

	var got []TaskID
	for i := 0; i < 4; i++ {
		task, err := r.allocate()
		if err != nil {
			t.Fatalf("allocate() #%d error: %v", i, err)
		}
		got = append(got, task.ID)
	}
	for i, id := range got {
		if id != TaskID(i) {
			t.Fatalf("allocate() ids = %v, want 0..3 in order", got)
		}
	}
	if _, err := r.allocate(); !errors.Is(err, ErrNoTasks) {
		t.Fatalf("allocate() on full registry error = %v, want ErrNoTasks", err)
	}
	if r.InUse() != 4 {
		t.Fatalf("InUse() = %d, want 4", r.InUse())
	}

	if err := r.free(&r.slots[2]); err != nil {
		t.Fatalf("free(2) error: %v", err)
	}
	task, err := r.allocate()
	if err != nil {
		t.Fatalf("allocate() after free error: %v", err)
	}
	if task.ID != 2 {
		t.Fatalf("allocate() after free = %d, want reused slot 2", task.ID)
	}
}

func TestRegistryDoubleFree(t *testing.T) {
	r := newRegistry(2)
	task, _ := r.allocate()

	if err := r.free(task); err != nil {
		t.Fatalf("first free error: %v", err)
	}
	if err := r.free(task); err == nil {
		t.Fatalf("second free error = nil, want failure")
	}
}

func TestRefGoesStaleAfterReuse(t *testing.T) {
	r := newRegistry(1)

	task, _ := r.allocate()
	task.setState(StateReady)
	old := r.ref(task)
	if _, ok := r.resolve(old); !ok {
		t.Fatalf("resolve(live ref) ok = false, want true")
	}

	r.free(task)
	if _, ok := r.resolve(old); ok {
		t.Fatalf("resolve(freed ref) ok = true, want false")
	}

	again, _ := r.allocate()
	again.setState(StateReady)
	if again.ID != old.ID {
		t.Fatalf("reallocated id = %d, want %d", again.ID, old.ID)
	}
	if _, ok := r.resolve(old); ok {
		t.Fatalf("resolve(old ref) ok = true after reuse, want false")
	}
	if _, ok := r.resolve(r.ref(again)); !ok {
		t.Fatalf("resolve(new ref) ok = false, want true")
	}
}

func TestRegistryGetOnlyLive(t *testing.T) {
	r := newRegistry(3)
	task, _ := r.allocate()

	tests := []struct {
		state State
		want  bool
	}{
		{StateUsing, false},
		{StateReady, true},
		{StateRunning, true},
		{StateBlocked, true},
		{StateSending, true},
		{StateReceiving, true},
		{StateDead, false},
	}
	for _, tc := range tests {
		task.setState(tc.state)
		if _, ok := r.get(task.ID); ok != tc.want {
			t.Errorf("get() in state %v ok = %v, want %v", tc.state, ok, tc.want)
		}
	}
	if _, ok := r.get(NoTask); ok {
		t.Errorf("get(NoTask) ok = true, want false")
	}
}

func TestLinkageSingleOwner(t *testing.T) {
	var l Linkage

	if err := l.attach(linkRunQueue, 1); err != nil {
		t.Fatalf("attach error: %v", err)
	}
	if err := l.attach(linkSenders, 7); !errors.Is(err, errLinked) {
		t.Fatalf("second attach error = %v, want errLinked", err)
	}
	if q, ok := l.runQueue(); !ok || q != 1 {
		t.Fatalf("runQueue() = %d, %v, want 1, true", q, ok)
	}
	if err := l.detach(); err != nil {
		t.Fatalf("detach error: %v", err)
	}
	if err := l.detach(); !errors.Is(err, errUnlinked) {
		t.Fatalf("second detach error = %v, want errUnlinked", err)
	}
	if err := l.attach(linkSenders, 7); err != nil {
		t.Fatalf("attach after detach error: %v", err)
	}
	if got := l.String(); got != "senders(task 7)" {
		t.Fatalf("String() = %q, want senders(task 7)", got)
	}
}

func TestSenderListOrder(t *testing.T) {
	r := newRegistry(4)
	recv := &r.slots[0]
	for i := 1; i < 4; i++ {
		if err := recv.senders.push(&r.slots[i]); err != nil {
			t.Fatalf("push(%d) error: %v", i, err)
		}
	}

	stale := Ref{ID: 2, Gen: r.slots[2].gen.Load() + 1}
	if s := recv.senders.take(stale); s != nil {
		t.Fatalf("take(stale ref) = task %d, want nil", s.ID)
	}
	if s := recv.senders.take(r.ref(&r.slots[2])); s == nil || s.ID != 2 {
		t.Fatalf("take(2) = %v, want task 2", s)
	}
	if r.slots[2].link.Linked() {
		t.Fatalf("taken sender still linked")
	}
	if recv.senders.has(r.ref(&r.slots[2])) {
		t.Fatalf("has(2) = true after take")
	}
	if s := recv.senders.popFront(); s == nil || s.ID != 1 {
		t.Fatalf("popFront() = %v, want task 1", s)
	}
	rest := recv.senders.drain()
	if len(rest) != 1 || rest[0].ID != 3 {
		t.Fatalf("drain() = %v, want [3]", rest)
	}
	if !recv.senders.empty() {
		t.Fatalf("list not empty after drain")
	}
}
