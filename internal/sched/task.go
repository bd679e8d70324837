package sched

import (
	"cfskern/internal/arch"
	"cfskern/internal/atomics"
	"cfskern/internal/mm"
)

// TaskID uniquely identifies a live task; it is the task's slot in the registry.
type TaskID uint32

// Reserved ids that never name a registry slot.
const (
	NoTask     TaskID = 0xffffffff
	AnyTask    TaskID = 0xfffffffe // receive from any sender or interrupt
	AnyIntr    TaskID = 0xfffffffd // receive interrupts only
	IntrSource TaskID = 0xfffffffc // source of interrupt-delivered messages
)

// State is the execution state of a task record.
type State uint64

const (
	StateFree State = iota
	StateUsing      // slot claimed, record under construction
	StateReady
	StateRunning
	StateBlocked
	StateSending
	StateReceiving
	StateDead
)

func (s State) String() string {
	switch s {
	case StateFree:
		return "Free"
	case StateUsing:
		return "Using"
	case StateReady:
		return "Ready"
	case StateRunning:
		return "Running"
	case StateBlocked:
		return "Blocked"
	case StateSending:
		return "Sending"
	case StateReceiving:
		return "Receiving"
	case StateDead:
		return "Dead"
	default:
		return "Unknown"
	}
}

// live states can be addressed by IPC.
func (s State) live() bool {
	return s >= StateReady && s < StateDead
}

const flagIntr = 0 // bit in Task.flags: interrupt delivered, not yet received

// Task is the control block of one schedulable unit of execution.
type Task struct {
	ID     TaskID
	Parent TaskID
	Name   string

	state atomics.Cell
	gen   atomics.Cell
	ctx   *arch.Context
	ext   *arch.ExtState

	kstack    mm.Range
	ownsStack bool
	ustack    mm.Range
	space     *mm.AddressSpace
	system    bool // idle and service tasks; not counted as user work

	Priority int    // 0 - 39, where 0 is the highest priority
	Weight   uint64 // from the weight table
	runTime  uint64 // real run time, back-computed when vruntime is clamped
	ticks    uint64 // ticks actually charged
	vruntime uint64
	cpu      int
	slice    int // ticks since dispatch
	rqKey    nodeKey
	link     Linkage

	outbox    Message
	sendTo    atomics.Cell // TaskID while Sending
	recvFrom  TaskID       // guarded by senders.lock
	recvGen   uint64       // generation of recvFrom, guarded by senders.lock
	flags     atomics.Cell
	pending   atomics.Cell // sends not yet collected by a receiver
	sendErr   error
	senders   senderList
	recvCount atomics.Cell

	locks atomics.Cell // spinlocks currently held
}

func (t *Task) State() State { return State(t.state.Load()) }

func (t *Task) setState(s State) { t.state.Store(uint64(s)) }

func (t *Task) casState(old, new State) bool {
	return t.state.CompareAndSwap(uint64(old), uint64(new))
}

// EnterCritical and LeaveCritical make a task a spinlock holder.
func (t *Task) EnterCritical() { t.locks.Inc() }
func (t *Task) LeaveCritical() { t.locks.Dec() }

// Ref pins a task id to one incarnation of its registry slot.
type Ref struct {
	ID  TaskID
	Gen uint64
}

// TaskInfo is a consistent snapshot of a task record.
type TaskInfo struct {
	ID        TaskID
	Parent    TaskID
	Name      string
	State     State
	Priority  int
	CPU       int
	Ticks     uint64
	RunTime   uint64
	VRuntime  uint64
	Linked    bool
	RecvCount uint64
	Locks     int
	User      bool

	IntrPending bool
}
