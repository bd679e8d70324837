package sched

import (
	"errors"
	"sync/atomic"
	"testing"

	"cfskern/internal/mm"
	"cfskern/internal/spinlock"
)

func TestIPCRoundTrip(t *testing.T) {
	k := newKernel(t, testConfig())

	want := Message{Type: MsgUser + 7, Payload: [PayloadWords]uint64{1, 2, 3, 4, 5, 6}}
	var (
		sender    TaskID
		got       Message
		recvErr   error
		sendErr   error
		countSeen uint64
	)
	recv := startTask(t, k, "receiver", DefaultPriority, 0, func(c *Ctx, _ uint64) {
		recvErr = c.Receive(sender, &got)
		var done Message
		c.Receive(AnyTask, &done)
	}, 0)
	sender = startTask(t, k, "sender", DefaultPriority, 0, func(c *Ctx, _ uint64) {
		m := want
		sendErr = c.Send(recv, &m)
		info, _ := c.Kernel().Task(recv)
		countSeen = info.RecvCount
		c.Send(recv, &Message{Type: MsgNone})
	}, 0)

	boot(t, k)
	waitAll(t, k)

	if recvErr != nil || sendErr != nil {
		t.Fatalf("Receive() error %v, Send() error %v", recvErr, sendErr)
	}
	want.Source = sender
	if got != want {
		t.Fatalf("received %+v, want %+v", got, want)
	}
	if countSeen != 1 {
		t.Fatalf("receive count seen by the sender after Send returned = %d, want 1", countSeen)
	}
}

func TestSpecificReceiveSkipsOtherSenders(t *testing.T) {
	k := newKernel(t, testConfig())

	var (
		first, second TaskID
		order         []TaskID
	)
	recv := startTask(t, k, "receiver", DefaultPriority, 0, func(c *Ctx, _ uint64) {
		spinUntil(c, func() bool {
			return inState(c.Kernel(), first, StateSending) && inState(c.Kernel(), second, StateSending)
		})
		var m Message
		c.Receive(second, &m)
		order = append(order, m.Source)
		c.Receive(AnyTask, &m)
		order = append(order, m.Source)
	}, 0)
	send := func(c *Ctx, _ uint64) { c.Send(recv, &Message{Type: MsgUser}) }
	first = startTask(t, k, "first", DefaultPriority, 0, send, 0)
	second = startTask(t, k, "second", DefaultPriority, 0, send, 0)

	boot(t, k)
	waitAll(t, k)

	if len(order) != 2 || order[0] != second || order[1] != first {
		t.Fatalf("receive order = %v, want [%d %d]", order, second, first)
	}
}

func TestWildcardReceivePrefersInterrupt(t *testing.T) {
	k := newKernel(t, testConfig())

	var got []Message
	server := startTask(t, k, "server", DefaultPriority, 0, func(c *Ctx, _ uint64) {
		c.Block()
		for i := 0; i < 2; i++ {
			var m Message
			c.Receive(AnyTask, &m)
			got = append(got, m)
		}
	}, 0)
	client := startTask(t, k, "client", DefaultPriority, 0, func(c *Ctx, _ uint64) {
		c.Send(server, &Message{Type: MsgUser})
	}, 0)

	boot(t, k)
	eventually(t, "server blocked and client queued", func() bool {
		return inState(k, server, StateBlocked) && inState(k, client, StateSending)
	})
	if err := k.InformIntr(server); err != nil {
		t.Fatalf("InformIntr() error: %v", err)
	}
	if err := k.Unblock(server); err != nil {
		t.Fatalf("Unblock() error: %v", err)
	}
	waitAll(t, k)

	if len(got) != 2 {
		t.Fatalf("server got %d messages, want 2", len(got))
	}
	if got[0].Source != IntrSource || got[0].Type != MsgInterrupt {
		t.Fatalf("first message = %+v, want the interrupt", got[0])
	}
	if got[1].Source != client || got[1].Type != MsgUser {
		t.Fatalf("second message = %+v, want client's", got[1])
	}
}

func TestInterruptOnlyReceiveIgnoresSenders(t *testing.T) {
	k := newKernel(t, testConfig())

	var got Message
	server := startTask(t, k, "server", DefaultPriority, 0, func(c *Ctx, _ uint64) {
		c.Receive(AnyIntr, &got)
		var m Message
		c.Receive(AnyTask, &m)
	}, 0)
	client := startTask(t, k, "client", DefaultPriority, 0, func(c *Ctx, _ uint64) {
		c.Send(server, &Message{Type: MsgUser})
	}, 0)

	boot(t, k)
	eventually(t, "server waiting on interrupts", func() bool {
		return inState(k, server, StateReceiving) && inState(k, client, StateSending)
	})
	if info, _ := k.Task(server); info.RecvCount != 0 {
		t.Fatalf("interrupt-only receive took a task message")
	}
	k.InformIntr(server)
	waitAll(t, k)

	if got.Source != IntrSource || got.Type != MsgInterrupt {
		t.Fatalf("AnyIntr receive = %+v, want the interrupt", got)
	}
}

func TestUnknownPeer(t *testing.T) {
	k := newKernel(t, testConfig())

	const ghost = TaskID(40)
	var (
		sendErr, recvErr       error
		sendStatus, recvStatus Status
		after                  TaskInfo
	)
	startTask(t, k, "lonely", DefaultPriority, 0, func(c *Ctx, _ uint64) {
		sendErr = c.Send(ghost, &Message{Type: MsgUser})
		var m Message
		recvErr = c.Receive(ghost, &m)
		sendStatus = c.Syscall(SysSend, ghost, &m)
		recvStatus = c.Syscall(SysReceive, ghost, &m)
		after, _ = c.Kernel().Task(c.ID())
	}, 0)
	boot(t, k)
	waitAll(t, k)

	if !errors.Is(sendErr, ErrDstNotFound) {
		t.Errorf("Send(unknown) error = %v, want ErrDstNotFound", sendErr)
	}
	if !errors.Is(recvErr, ErrSrcNotFound) {
		t.Errorf("Receive(unknown) error = %v, want ErrSrcNotFound", recvErr)
	}
	if sendStatus != StatusDstNotFound || recvStatus != StatusSrcNotFound {
		t.Errorf("syscall statuses = %v, %v, want destination/source not found", sendStatus, recvStatus)
	}
	if after.State != StateRunning || after.Linked || after.RecvCount != 0 {
		t.Errorf("task after failed IPC = %+v, want running, unlinked, nothing received", after)
	}
}

func TestDeadlockRejected(t *testing.T) {
	k := newKernel(t, testConfig())

	var (
		a, b              TaskID
		selfErr, selfRecv error
		cycleErr, aErr    error
		drained           Message
		unknownOp, nilMsg Status
	)
	a = startTask(t, k, "a", DefaultPriority, 0, func(c *Ctx, _ uint64) {
		selfErr = c.Send(c.ID(), &Message{Type: MsgUser})
		var m Message
		selfRecv = c.Receive(c.ID(), &m)
		unknownOp = c.Syscall(SyscallOp(99), b, &m)
		nilMsg = c.Syscall(SysSend, b, nil)
		aErr = c.Send(b, &Message{Type: MsgUser, Payload: [PayloadWords]uint64{42}})
	}, 0)
	b = startTask(t, k, "b", DefaultPriority, 0, func(c *Ctx, _ uint64) {
		spinUntil(c, func() bool { return inState(c.Kernel(), a, StateSending) })
		cycleErr = c.Send(a, &Message{Type: MsgUser})
		c.Receive(a, &drained)
	}, 0)

	boot(t, k)
	waitAll(t, k)

	if !errors.Is(selfErr, ErrDeadlock) || !errors.Is(selfRecv, ErrDeadlock) {
		t.Errorf("self send/receive errors = %v, %v, want ErrDeadlock", selfErr, selfRecv)
	}
	if !errors.Is(cycleErr, ErrDeadlock) {
		t.Errorf("send closing a cycle error = %v, want ErrDeadlock", cycleErr)
	}
	if aErr != nil || drained.Payload[0] != 42 {
		t.Errorf("first send error = %v, drained %+v", aErr, drained)
	}
	if unknownOp != StatusNoSyscall || nilMsg != StatusInvalid {
		t.Errorf("bad syscalls = %v, %v, want no such syscall and invalid", unknownOp, nilMsg)
	}
}

func TestReceiveFromReusedSlotFails(t *testing.T) {
	cfg := testConfig()
	cfg.Cores = 2
	k := newKernel(t, cfg)

	var (
		l        spinlock.Spinlock
		x, recv  TaskID
		reuse    atomic.Uint32 // id of the successor + 1
		recvErr  error
		late     Message
		recvDone atomic.Bool
	)
	recv = startTask(t, k, "receiver", DefaultPriority, 1, func(c *Ctx, _ uint64) {
		var m Message
		recvErr = c.Receive(x, &m)
		c.Receive(AnyTask, &late)
		recvDone.Store(true)
	}, 0)
	x = startTask(t, k, "source", DefaultPriority, 0, func(c *Ctx, _ uint64) {
		spinUntil(c, func() bool { return inState(c.Kernel(), recv, StateReceiving) })
	}, 0)
	// keeps the receiver off cpu 1 until the source's slot has a new owner
	startTask(t, k, "holder", DefaultPriority, 1, func(c *Ctx, _ uint64) {
		spinUntil(c, func() bool { return inState(c.Kernel(), recv, StateReceiving) })
		g := c.Lock(&l)
		spinUntil(c, func() bool {
			id := reuse.Load()
			return id != 0 && inState(c.Kernel(), TaskID(id-1), StateSending)
		})
		g.Unlock()
	}, 0)
	startTask(t, k, "spawner", DefaultPriority, 0, func(c *Ctx, _ uint64) {
		spinUntil(c, func() bool {
			_, ok := c.Kernel().Task(x)
			return !ok
		})
		id, err := c.Start(TaskSpec{Name: "successor", Priority: DefaultPriority, CPU: 0, Entry: func(c *Ctx, _ uint64) {
			c.Send(recv, &Message{Type: MsgUser + 1})
		}})
		if err != nil {
			return
		}
		reuse.Store(uint32(id) + 1)
	}, 0)

	boot(t, k)
	waitAll(t, k)

	successor := TaskID(reuse.Load() - 1)
	if successor != x {
		t.Fatalf("successor got slot %d, want the source's slot %d", successor, x)
	}
	if !errors.Is(recvErr, ErrSrcNotFound) {
		t.Fatalf("Receive() from a task whose slot was reused error = %v, want ErrSrcNotFound", recvErr)
	}
	if !recvDone.Load() || late.Source != successor || late.Type != MsgUser+1 {
		t.Fatalf("successor's message = %+v, want it delivered to the wildcard receive", late)
	}
}

func TestExitFailsWaitingPeers(t *testing.T) {
	k := newKernel(t, testConfig())

	var (
		victim, sender, receiver TaskID
		sendErr, recvErr         error
		status                   Status
	)
	victim = startTask(t, k, "victim", DefaultPriority, 0, func(c *Ctx, _ uint64) {
		spinUntil(c, func() bool {
			return inState(c.Kernel(), sender, StateSending) && inState(c.Kernel(), receiver, StateReceiving)
		})
	}, 0)
	sender = startTask(t, k, "sender", DefaultPriority, 0, func(c *Ctx, _ uint64) {
		sendErr = c.Send(victim, &Message{Type: MsgUser})
		status = statusOf(sendErr)
	}, 0)
	receiver = startTask(t, k, "receiver", DefaultPriority, 0, func(c *Ctx, _ uint64) {
		var m Message
		recvErr = c.Receive(victim, &m)
	}, 0)

	boot(t, k)
	waitAll(t, k)

	if !errors.Is(sendErr, ErrDstNotFound) || status != StatusDstNotFound {
		t.Errorf("send to exiting task error = %v (%v), want ErrDstNotFound", sendErr, status)
	}
	if !errors.Is(recvErr, ErrSrcNotFound) {
		t.Errorf("receive from exiting task error = %v, want ErrSrcNotFound", recvErr)
	}
}

func TestBuiltinServices(t *testing.T) {
	k := newKernel(t, testConfig())
	before := k.Frames().Used()

	var (
		ticks, alloc, free, double, bogus Message
		errs                              []error
	)
	startTask(t, k, "client", DefaultPriority, 0, func(c *Ctx, _ uint64) {
		c.Burn(3)
		ticks = Message{Type: MsgGetTicks}
		errs = append(errs, c.SendRecv(ServiceTime, &ticks))

		alloc = Message{Type: MsgAllocPages, Payload: [PayloadWords]uint64{3}}
		errs = append(errs, c.SendRecv(ServiceMem, &alloc))

		free = Message{Type: MsgFreePages, Payload: alloc.Payload}
		errs = append(errs, c.SendRecv(ServiceMem, &free))

		double = Message{Type: MsgFreePages, Payload: alloc.Payload}
		errs = append(errs, c.SendRecv(ServiceMem, &double))

		bogus = Message{Type: MsgUser}
		if st := c.Syscall(SysSendRecv, ServiceTime, &bogus); st != StatusOK {
			errs = append(errs, errors.New(st.String()))
		}
	}, 0)

	boot(t, k)
	waitAll(t, k)

	for _, err := range errs {
		if err != nil {
			t.Fatalf("service call error: %v", err)
		}
	}
	if ticks.Type != MsgTicks || ticks.Payload[0] < 3 || ticks.Source != k.resolve(ServiceTime) {
		t.Errorf("ticks reply = %+v, want MsgTicks >= 3 from the timekeeper", ticks)
	}
	if alloc.Type != MsgPages || alloc.Payload[1] != 3 || alloc.Payload[0]%mm.PageSize != 0 {
		t.Errorf("alloc reply = %+v, want 3 pages", alloc)
	}
	if free.Type != MsgPages {
		t.Errorf("free reply = %+v, want MsgPages", free)
	}
	if double.Type != MsgError || Status(double.Payload[0]) != StatusInvalid {
		t.Errorf("double free reply = %+v, want MsgError invalid", double)
	}
	if bogus.Type != MsgError || Status(bogus.Payload[0]) != StatusNoSyscall {
		t.Errorf("unknown request reply = %+v, want MsgError no syscall", bogus)
	}
	if used := k.Frames().Used(); used != before {
		t.Errorf("Frames().Used() = %d, want %d", used, before)
	}
}

func TestRegisterService(t *testing.T) {
	k := newKernel(t, testConfig())

	var got Message
	clock := startTask(t, k, "clock", DefaultPriority, 0, func(c *Ctx, _ uint64) {
		var m Message
		c.Receive(AnyTask, &m)
		c.Send(m.Source, &Message{Type: MsgTicks, Payload: [PayloadWords]uint64{1234}})
	}, 0)
	if err := k.RegisterService(ServiceTime, clock); err != nil {
		t.Fatalf("RegisterService() error: %v", err)
	}
	if err := k.RegisterService(TaskID(3), clock); !errors.Is(err, ErrInvalid) {
		t.Fatalf("RegisterService(non-service) error = %v, want ErrInvalid", err)
	}
	startTask(t, k, "client", DefaultPriority, 0, func(c *Ctx, _ uint64) {
		got = Message{Type: MsgGetTicks}
		c.SendRecv(ServiceTime, &got)
	}, 0)

	boot(t, k)
	waitAll(t, k)

	if got.Source != clock || got.Payload[0] != 1234 {
		t.Fatalf("reply = %+v, want 1234 from the rebound service", got)
	}
}
