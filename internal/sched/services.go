// internal/sched/services.go

package sched

import (
	"errors"
	"fmt"

	"cfskern/internal/mm"
)

// Service ids are logical names for the built-in system tasks. They are
// translated to task ids before any IPC call.
const (
	ServiceTask TaskID = 0xffff0000 + iota // task manager, collects exit records
	ServiceTime                            // timekeeper, answers MsgGetTicks
	ServiceMem                             // memory service, hands out page frames

	numServices = 3
)

const servicePriority = 10

// IsService reports whether id is a logical service name.
func IsService(id TaskID) bool {
	return id >= ServiceTask && id < ServiceTask+numServices
}

// resolve translates a service id to the task currently bound to it. Other
// ids pass through unchanged; an unbound service resolves to NoTask.
func (k *Kernel) resolve(id TaskID) TaskID {
	if !IsService(id) {
		return id
	}
	v := k.services[id-ServiceTask].Load()
	if v == 0 {
		return NoTask
	}
	return TaskID(v - 1)
}

// RegisterService binds svc to task id, replacing the built-in server.
func (k *Kernel) RegisterService(svc, id TaskID) error {
	if !IsService(svc) {
		return fmt.Errorf("service %#x: %w", uint32(svc), ErrInvalid)
	}
	if !k.registry.alive(id) {
		return fmt.Errorf("bind service %#x to task %d: %w", uint32(svc), id, ErrDstNotFound)
	}
	k.services[svc-ServiceTask].Store(uint64(id) + 1)
	return nil
}

// ExitRecord is what the task manager keeps about a finished task.
type ExitRecord struct {
	ID       TaskID
	Parent   TaskID
	Name     string
	Code     uint64
	Ticks    uint64
	RunTime  uint64
	VRuntime uint64
}

// Exits returns the exit records collected so far, oldest first.
func (k *Kernel) Exits() []ExitRecord {
	k.exitMu.Lock()
	defer k.exitMu.Unlock()
	return append([]ExitRecord(nil), k.exits...)
}

func (k *Kernel) startServices() error {
	servers := []struct {
		svc   TaskID
		name  string
		entry Entry
	}{
		{ServiceTask, "taskmgr", k.taskManager},
		{ServiceTime, "timekeeper", k.timekeeper},
		{ServiceMem, "memsvc", k.memService},
	}
	for _, s := range servers {
		t, err := k.start(TaskSpec{Name: s.name, Priority: servicePriority, CPU: 0, Entry: s.entry}, NoTask, true)
		if err != nil {
			return fmt.Errorf("start service %s: %w", s.name, err)
		}
		k.services[s.svc-ServiceTask].Store(uint64(t.ID) + 1)
	}
	return nil
}

func (k *Kernel) taskManager(c *Ctx, _ uint64) {
	var m Message
	for {
		if err := c.Receive(AnyTask, &m); err != nil {
			continue
		}
		if m.Type != MsgExit {
			continue
		}
		rec := ExitRecord{
			ID:       m.Source,
			Parent:   TaskID(m.Payload[4]),
			Code:     m.Payload[0],
			Ticks:    m.Payload[1],
			RunTime:  m.Payload[2],
			VRuntime: m.Payload[3],
		}
		// the sender stays live until its exit message has been taken
		if int(m.Source) < k.registry.Cap() {
			rec.Name = k.registry.slots[m.Source].Name
		}
		k.exitMu.Lock()
		k.exits = append(k.exits, rec)
		k.exitMu.Unlock()

		// the exiting task waits for this before it dies
		ack := Message{Type: MsgExit}
		_ = c.Send(m.Source, &ack)
	}
}

func (k *Kernel) timekeeper(c *Ctx, _ uint64) {
	var m Message
	for {
		if err := c.Receive(AnyTask, &m); err != nil {
			continue
		}
		client := m.Source
		reply := Message{Type: MsgTicks}
		if m.Type == MsgGetTicks {
			reply.Payload[0] = k.cpus[0].ticks.Load()
		} else {
			reply = errorReply(ErrNoSyscall)
		}
		_ = c.Send(client, &reply)
	}
}

func (k *Kernel) memService(c *Ctx, _ uint64) {
	var m Message
	for {
		if err := c.Receive(AnyTask, &m); err != nil {
			continue
		}
		client := m.Source
		var reply Message
		switch m.Type {
		case MsgAllocPages:
			r, err := k.frames.AllocPages(int(m.Payload[0]))
			if err != nil {
				reply = errorReply(err)
				break
			}
			reply = Message{Type: MsgPages, Payload: [PayloadWords]uint64{r.Base, uint64(r.Pages)}}
		case MsgFreePages:
			r := mm.Range{Base: m.Payload[0], Pages: int(m.Payload[1])}
			if err := k.frames.FreePages(r); err != nil {
				reply = errorReply(err)
				break
			}
			reply = Message{Type: MsgPages, Payload: [PayloadWords]uint64{r.Base, uint64(r.Pages)}}
		default:
			reply = errorReply(ErrNoSyscall)
		}
		_ = c.Send(client, &reply)
	}
}

func errorReply(err error) Message {
	return Message{Type: MsgError, Payload: [PayloadWords]uint64{uint64(statusOf(err))}}
}

// statusOf maps a kernel error onto the syscall status returned to tasks.
func statusOf(err error) Status {
	switch {
	case err == nil:
		return StatusOK
	case errors.Is(err, ErrNoSyscall):
		return StatusNoSyscall
	case errors.Is(err, ErrDeadlock):
		return StatusDeadlock
	case errors.Is(err, ErrDstNotFound):
		return StatusDstNotFound
	case errors.Is(err, ErrSrcNotFound):
		return StatusSrcNotFound
	case errors.Is(err, mm.ErrNoMemory):
		return StatusNoMemory
	default:
		return StatusInvalid
	}
}
