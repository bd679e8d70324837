// internal/sched/syscall.go

package sched

// SyscallOp selects the message-passing operation of a syscall.
type SyscallOp uint8

const (
	SysSend SyscallOp = iota + 1
	SysReceive
	SysSendRecv // send, then receive the reply from the same peer
)

// Status is the result code a syscall hands back to the task.
type Status uint8

const (
	StatusOK Status = iota
	StatusNoSyscall
	StatusDeadlock
	StatusDstNotFound
	StatusSrcNotFound
	StatusNoMemory
	StatusInvalid
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusNoSyscall:
		return "no such syscall"
	case StatusDeadlock:
		return "deadlock"
	case StatusDstNotFound:
		return "destination not found"
	case StatusSrcNotFound:
		return "source not found"
	case StatusNoMemory:
		return "out of memory"
	case StatusInvalid:
		return "invalid argument"
	default:
		return "unknown"
	}
}

// syscall is the single message-passing entry point of task t.
func (k *Kernel) syscall(t *Task, op SyscallOp, peer TaskID, m *Message) Status {
	if m == nil {
		return StatusInvalid
	}
	switch op {
	case SysSend:
		return statusOf(k.send(t, peer, m))
	case SysReceive:
		return statusOf(k.receive(t, peer, m))
	case SysSendRecv:
		return statusOf(k.sendRecv(t, peer, m))
	default:
		return StatusNoSyscall
	}
}

// sendRecv sends m to peer and waits for the reply from that same task.
// The reply overwrites m.
func (k *Kernel) sendRecv(t *Task, peer TaskID, m *Message) error {
	id := k.resolve(peer)
	if err := k.send(t, id, m); err != nil {
		return err
	}
	return k.receive(t, id, m)
}
