package sched

// MsgType tags the payload of a Message.
type MsgType uint16

const (
	MsgNone MsgType = iota
	MsgInterrupt
	MsgExit       // [code, ticks, runTime, vruntime, parent]
	MsgGetTicks   // []
	MsgTicks      // [ticks]
	MsgAllocPages // [pages]
	MsgFreePages  // [base, pages]
	MsgPages      // [base, pages]
	MsgError      // [status]

	// MsgUser is the first type free for tasks to define.
	MsgUser MsgType = 0x100
)

func (t MsgType) String() string {
	switch t {
	case MsgNone:
		return "none"
	case MsgInterrupt:
		return "interrupt"
	case MsgExit:
		return "exit"
	case MsgGetTicks:
		return "get_ticks"
	case MsgTicks:
		return "ticks"
	case MsgAllocPages:
		return "alloc_pages"
	case MsgFreePages:
		return "free_pages"
	case MsgPages:
		return "pages"
	case MsgError:
		return "error"
	default:
		if t >= MsgUser {
			return "user"
		}
		return "unknown"
	}
}

// PayloadWords is the number of integer fields a message carries.
const PayloadWords = 6

// Message is the fixed-size envelope copied between tasks. Source is filled
// in by the kernel.
type Message struct {
	Source  TaskID
	Type    MsgType
	Payload [PayloadWords]uint64
}
