package job

import (
	"cfskern/internal/sched"
)

// MsgPing and MsgPong are the message types of the ping-pong pair.
const (
	MsgPing = sched.MsgUser + iota
	MsgPong
)

// Ponger answers rounds pings from any task, echoing the payload back with
// the first word incremented.
func Ponger(rounds int) sched.Entry {
	return func(c *sched.Ctx, _ uint64) {
		var m sched.Message
		for i := 0; i < rounds; i++ {
			if err := c.Receive(sched.AnyTask, &m); err != nil {
				c.Exit(1)
			}
			if m.Type != MsgPing {
				c.Exit(2)
			}
			reply := sched.Message{Type: MsgPong, Payload: m.Payload}
			reply.Payload[0]++
			if err := c.Send(m.Source, &reply); err != nil {
				c.Exit(3)
			}
		}
	}
}

// Pinger sends rounds pings to the task whose id is passed as the entry
// argument and checks every reply. The exit code is the number of good
// round trips.
func Pinger(rounds int) sched.Entry {
	return func(c *sched.Ctx, arg uint64) {
		peer := sched.TaskID(arg)
		good := uint64(0)
		for i := 0; i < rounds; i++ {
			m := sched.Message{Type: MsgPing}
			m.Payload[0] = uint64(i)
			if err := c.SendRecv(peer, &m); err != nil {
				break
			}
			if m.Type == MsgPong && m.Source == peer && m.Payload[0] == uint64(i)+1 {
				good++
			}
		}
		c.Exit(good)
	}
}

// IRQServer is a device-driver style task: it waits for rounds interrupts
// and counts them in *seen. Read *seen only after the task has exited.
func IRQServer(rounds int, seen *int) sched.Entry {
	return func(c *sched.Ctx, _ uint64) {
		var m sched.Message
		for i := 0; i < rounds; i++ {
			if err := c.Receive(sched.AnyIntr, &m); err != nil {
				c.Exit(1)
			}
			if m.Source == sched.IntrSource && m.Type == sched.MsgInterrupt {
				*seen++
			}
		}
	}
}
