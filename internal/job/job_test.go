package job

import (
	"context"
	"testing"
	"time"

	"cfskern/internal/sched"
)

func newKernel(t *testing.T, cores, slice int) *sched.Kernel {
	t.Helper()
	cfg := sched.DefaultConfig()
	cfg.Cores = cores
	cfg.TickMS = 1
	cfg.SliceTicks = slice
	cfg.BootRetryMS = 1
	k, err := sched.New(cfg)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	t.Cleanup(func() { k.Shutdown() })
	return k
}

func run(t *testing.T, k *sched.Kernel, during func()) map[sched.TaskID]sched.ExitRecord {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	if err := k.Boot(ctx); err != nil {
		t.Fatalf("Boot() error: %v", err)
	}
	if during != nil {
		during()
	}
	if err := k.Wait(ctx); err != nil {
		t.Fatalf("Wait() error: %v", err)
	}
	out := make(map[sched.TaskID]sched.ExitRecord)
	for _, rec := range k.Exits() {
		out[rec.ID] = rec
	}
	return out
}

func start(t *testing.T, k *sched.Kernel, cpu int, name string, prio int, entry sched.Entry, arg uint64) sched.TaskID {
	t.Helper()
	id, err := k.StartOn(cpu, name, prio, entry, arg)
	if err != nil {
		t.Fatalf("StartOn(%s) error: %v", name, err)
	}
	return id
}

func TestWeightedShare(t *testing.T) {
	k := newKernel(t, 1, 1)
	hi := start(t, k, 0, "p10", 10, Until(600), 0)
	lo1 := start(t, k, 0, "p20a", 20, Until(600), 0)
	lo2 := start(t, k, 0, "p20b", 20, Until(600), 0)

	exits := run(t, k, nil)
	a, b, c := exits[hi].Ticks, exits[lo1].Ticks, exits[lo2].Ticks
	t.Logf("ticks: prio 10 = %d, prio 20 = %d, %d", a, b, c)

	if a <= 3*b || a <= 3*c {
		t.Fatalf("prio 10 got %d ticks, want well above the prio 20 tasks (%d, %d)", a, b, c)
	}
	diff := int(b) - int(c)
	if diff < 0 {
		diff = -diff
	}
	if limit := int(b+c)/8 + 2; diff > limit {
		t.Fatalf("equal priority tasks diverged: %d vs %d", b, c)
	}
}

func TestHogAndSleep(t *testing.T) {
	k := newKernel(t, 1, 2)
	hog := start(t, k, 0, "hog", sched.DefaultPriority, Hog(20), 0)
	sleeper := start(t, k, 0, "sleeper", sched.DefaultPriority, SleepWork(10), 0)

	exits := run(t, k, nil)
	if got := exits[hog].Ticks; got < 20 {
		t.Fatalf("hog charged %d ticks, want at least 20", got)
	}
	if got := exits[sleeper].Code; got < 10 {
		t.Fatalf("sleeper woke at tick %d, want at least 10", got)
	}
}

func TestPingPongAcrossCores(t *testing.T) {
	const rounds = 25
	k := newKernel(t, 2, 2)
	ponger := start(t, k, 1, "ponger", sched.DefaultPriority, Ponger(rounds), 0)
	pinger := start(t, k, 0, "pinger", sched.DefaultPriority, Pinger(rounds), uint64(ponger))

	exits := run(t, k, nil)
	if got := exits[pinger].Code; got != rounds {
		t.Fatalf("pinger completed %d good round trips, want %d", got, rounds)
	}
	if got := exits[ponger].Code; got != 0 {
		t.Fatalf("ponger exit code = %d, want 0", got)
	}
}

func TestIRQServer(t *testing.T) {
	const (
		rounds = 5
		vector = 50
	)
	k := newKernel(t, 1, 2)

	seen := 0
	server := start(t, k, 0, "irqd", sched.DefaultPriority, IRQServer(rounds, &seen), 0)
	if err := k.RegisterHandle(vector, func(uint8) { k.InformIntr(server) }); err != nil {
		t.Fatalf("RegisterHandle() error: %v", err)
	}

	waiting := func() bool {
		info, ok := k.Task(server)
		return ok && info.State == sched.StateReceiving && !info.IntrPending
	}
	run(t, k, func() {
		for i := 0; i < rounds; i++ {
			deadline := time.Now().Add(10 * time.Second)
			for !waiting() {
				if time.Now().After(deadline) {
					t.Fatalf("round %d: server never waited for the interrupt", i)
				}
				time.Sleep(time.Millisecond)
			}
			if err := k.Interrupt(vector); err != nil {
				t.Fatalf("Interrupt() error: %v", err)
			}
		}
	})

	if seen != rounds {
		t.Fatalf("server saw %d interrupts, want %d", seen, rounds)
	}
}
