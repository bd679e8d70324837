// internal/sched/schedulerEvent.go

package sched

import (
	"time"
)

// StatusKind represents the type of scheduler event
type StatusKind int

const (
	StatusIdle StatusKind = iota
	StatusEnqueue
	StatusDispatch
	StatusPreempt
	StatusFinish
	StatusTick
	StatusBlock
	StatusReap
	StatusBoot
	StatusPanic
	StatusPriority
)

// StatusEvent is emitted on key scheduler actions
type StatusEvent struct {
	Time     time.Time
	Kind     StatusKind
	CPU      int
	Tick     uint64
	TaskID   TaskID
	Vruntime uint64
	RanTicks uint64
	Detail   string
}

func (sk StatusKind) String() string {
	switch sk {
	case StatusIdle:
		return "Idle"
	case StatusEnqueue:
		return "Enqueued"
	case StatusDispatch:
		return "Dispatch"
	case StatusPreempt:
		return "Preempt"
	case StatusFinish:
		return "Finish"
	case StatusTick:
		return "Tick"
	case StatusBlock:
		return "Block"
	case StatusReap:
		return "Reap"
	case StatusBoot:
		return "Boot"
	case StatusPanic:
		return "Panic"
	case StatusPriority:
		return "PriorityUpdate"
	default:
		return "Unknown"
	}
}

// emit never blocks a core: when nobody drains the stream fast enough the
// event is counted as dropped.
func (k *Kernel) emit(ev StatusEvent) {
	ev.Time = time.Now()
	select {
	case k.events <- ev:
	default:
		k.dropped.Inc()
	}
}

// StatusChannel exposes read-only stream (optional consumers).
func (k *Kernel) StatusChannel() <-chan StatusEvent { return k.events }

// DroppedEvents is the number of events lost to a full stream.
func (k *Kernel) DroppedEvents() uint64 { return k.dropped.Load() }
