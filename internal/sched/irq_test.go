package sched

import (
	"errors"
	"sync/atomic"
	"testing"
)

func TestRegisterHandleRejects(t *testing.T) {
	k := newKernel(t, testConfig())
	h := func(uint8) {}

	for _, v := range []uint8{VectorTimer, VectorResched, VectorHalt} {
		if err := k.RegisterHandle(v, h); !errors.Is(err, ErrInvalid) {
			t.Errorf("RegisterHandle(%d) error = %v, want ErrInvalid", v, err)
		}
	}
	if err := k.RegisterHandle(40, nil); !errors.Is(err, ErrInvalid) {
		t.Errorf("RegisterHandle(nil handler) error = %v, want ErrInvalid", err)
	}
	if err := k.RegisterHandle(40, h); err != nil {
		t.Fatalf("RegisterHandle(40) error: %v", err)
	}
	if err := k.RegisterHandle(40, h); !errors.Is(err, ErrBusy) {
		t.Errorf("second RegisterHandle(40) error = %v, want ErrBusy", err)
	}
	if err := k.Interrupt(41); !errors.Is(err, ErrInvalid) {
		t.Errorf("Interrupt(unhandled) error = %v, want ErrInvalid", err)
	}
}

func TestInterruptReachesDriverTask(t *testing.T) {
	k := newKernel(t, testConfig())

	var (
		got      Message
		deferred atomic.Int32
	)
	if err := k.RegisterSoftIRQ(3, func() { deferred.Add(1) }); err != nil {
		t.Fatalf("RegisterSoftIRQ() error: %v", err)
	}
	driver := startTask(t, k, "driver", DefaultPriority, 0, func(c *Ctx, _ uint64) {
		c.Receive(AnyIntr, &got)
	}, 0)
	if err := k.RegisterHandle(44, func(uint8) {
		k.InformIntr(driver)
		k.RaiseSoftIRQ(3)
	}); err != nil {
		t.Fatalf("RegisterHandle() error: %v", err)
	}

	boot(t, k)
	eventually(t, "driver waiting", func() bool { return inState(k, driver, StateReceiving) })
	if err := k.Interrupt(44); err != nil {
		t.Fatalf("Interrupt() error: %v", err)
	}
	waitAll(t, k)

	if got.Source != IntrSource || got.Type != MsgInterrupt {
		t.Fatalf("driver received %+v, want the interrupt", got)
	}
	if deferred.Load() != 1 || k.SoftIRQRuns(3) != 1 {
		t.Fatalf("soft interrupt ran %d times (table says %d), want 1", deferred.Load(), k.SoftIRQRuns(3))
	}
}

func TestSoftIRQRunsOnTick(t *testing.T) {
	k := newKernel(t, testConfig())

	var ran atomic.Bool
	if err := k.RegisterSoftIRQ(0, func() { ran.Store(true) }); err != nil {
		t.Fatalf("RegisterSoftIRQ() error: %v", err)
	}
	startTask(t, k, "raiser", DefaultPriority, 0, func(c *Ctx, _ uint64) {
		c.Kernel().RaiseSoftIRQ(0)
		spinUntil(c, ran.Load)
	}, 0)
	boot(t, k)
	waitAll(t, k)

	if k.SoftIRQRuns(0) != 1 {
		t.Fatalf("SoftIRQRuns(0) = %d, want 1", k.SoftIRQRuns(0))
	}
	if err := k.RaiseSoftIRQ(-1); err == nil {
		t.Fatalf("RaiseSoftIRQ(-1) error = nil")
	}
}
