package main

import (
	"context"
	"flag"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/google/subcommands"

	"cfskern/internal/job"
	"cfskern/internal/sched"
)

// runCmd implements subcommands.Command for the "run" command.
type runCmd struct {
	kernelFlags

	// prios is the comma separated priority of every task to start.
	prios string

	// until is the core tick all tasks compete up to.
	until uint64
}

// Name implements subcommands.Command.
func (*runCmd) Name() string { return "run" }

// Synopsis implements subcommands.Command.
func (*runCmd) Synopsis() string { return "run CPU hogs of mixed priority and print their shares" }

// Usage implements subcommands.Command.
func (*runCmd) Usage() string {
	return `run [flags]

Starts one CPU-bound task per priority on core 0 and lets them compete
until the core's tick counter reaches -until.
`
}

// SetFlags implements subcommands.Command.
func (r *runCmd) SetFlags(f *flag.FlagSet) {
	r.kernelFlags.set(f)
	f.StringVar(&r.prios, "prios", "10,20,20", "comma separated task priorities (0 = highest, 39 = lowest)")
	f.Uint64Var(&r.until, "until", 500, "core tick at which the tasks stop")
}

// Execute implements subcommands.Command.Execute.
func (r *runCmd) Execute(ctx context.Context, f *flag.FlagSet, _ ...any) subcommands.ExitStatus {
	prios, err := parsePrios(r.prios)
	if err != nil {
		f.Usage()
		return subcommands.ExitUsageError
	}

	s, err := r.open()
	if err != nil {
		return failf("new kernel: %v", err)
	}
	for i, p := range prios {
		if _, err := s.k.StartOn(0, fmt.Sprintf("hog%d", i), p, job.Until(r.until), 0); err != nil {
			return failf("start task: %v", err)
		}
	}
	if err := s.k.Boot(ctx); err != nil {
		return failf("boot: %v", err)
	}
	if err := s.wait(r.timeout); err != nil {
		return failf("wait: %v", err)
	}

	exits := s.k.Exits()
	sort.Slice(exits, func(i, j int) bool { return exits[i].ID < exits[j].ID })
	var total uint64
	for _, e := range exits {
		total += e.Ticks
	}
	for _, e := range exits {
		info := fmt.Sprintf("%-6s id=%03d ticks=%05d vruntime=%09d", e.Name, e.ID, e.Ticks, e.VRuntime)
		if total > 0 {
			info += fmt.Sprintf(" share=%5.1f%%", 100*float64(e.Ticks)/float64(total))
		}
		fmt.Println(info)
	}
	return subcommands.ExitSuccess
}

func parsePrios(list string) ([]int, error) {
	var out []int
	for _, field := range strings.Split(list, ",") {
		p, err := strconv.Atoi(strings.TrimSpace(field))
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

// pingPongCmd implements subcommands.Command for the "pingpong" command.
type pingPongCmd struct {
	kernelFlags

	rounds int
}

// Name implements subcommands.Command.
func (*pingPongCmd) Name() string { return "pingpong" }

// Synopsis implements subcommands.Command.
func (*pingPongCmd) Synopsis() string { return "bounce messages between two tasks over IPC" }

// Usage implements subcommands.Command.
func (*pingPongCmd) Usage() string {
	return `pingpong [flags]

Starts a ponger on the last core and a pinger on core 0 and reports how
many round trips came back intact.
`
}

// SetFlags implements subcommands.Command.
func (p *pingPongCmd) SetFlags(f *flag.FlagSet) {
	p.kernelFlags.set(f)
	f.IntVar(&p.rounds, "rounds", 100, "number of round trips")
}

// Execute implements subcommands.Command.Execute.
func (p *pingPongCmd) Execute(ctx context.Context, _ *flag.FlagSet, _ ...any) subcommands.ExitStatus {
	s, err := p.open()
	if err != nil {
		return failf("new kernel: %v", err)
	}
	last := s.k.Cores() - 1
	pong, err := s.k.StartOn(last, "pong", sched.DefaultPriority, job.Ponger(p.rounds), 0)
	if err != nil {
		return failf("start ponger: %v", err)
	}
	ping, err := s.k.StartOn(0, "ping", sched.DefaultPriority, job.Pinger(p.rounds), uint64(pong))
	if err != nil {
		return failf("start pinger: %v", err)
	}
	if err := s.k.Boot(ctx); err != nil {
		return failf("boot: %v", err)
	}
	if err := s.wait(p.timeout); err != nil {
		return failf("wait: %v", err)
	}

	for _, e := range s.k.Exits() {
		if e.ID == ping {
			fmt.Printf("%d/%d round trips (ping on cpu 0, pong on cpu %d)\n", e.Code, p.rounds, last)
			if e.Code != uint64(p.rounds) {
				return subcommands.ExitFailure
			}
		}
	}
	return subcommands.ExitSuccess
}

// bootCmd implements subcommands.Command for the "boot" command.
type bootCmd struct {
	kernelFlags
}

// Name implements subcommands.Command.
func (*bootCmd) Name() string { return "boot" }

// Synopsis implements subcommands.Command.
func (*bootCmd) Synopsis() string { return "bring up the secondary cores and print the bootstrap record" }

// Usage implements subcommands.Command.
func (*bootCmd) Usage() string {
	return `boot [flags]
`
}

// SetFlags implements subcommands.Command.
func (b *bootCmd) SetFlags(f *flag.FlagSet) {
	b.kernelFlags.set(f)
}

// Execute implements subcommands.Command.Execute.
func (b *bootCmd) Execute(ctx context.Context, _ *flag.FlagSet, _ ...any) subcommands.ExitStatus {
	s, err := b.open()
	if err != nil {
		return failf("new kernel: %v", err)
	}
	if err := s.k.Boot(ctx); err != nil {
		return failf("boot: %v", err)
	}

	bs := s.k.Bootstrap()
	var states []string
	for _, st := range bs.History() {
		states = append(states, st.String())
	}
	fmt.Printf("states: %s\n", strings.Join(states, " -> "))
	fmt.Printf("acknowledged: %d of %d secondary cores, stacks %v\n", bs.Acked(), s.k.Cores()-1, bs.Stacks())
	links := bs.IdleLinks()
	for core := 1; core < s.k.Cores(); core++ {
		l := links[core]
		fmt.Printf("cpu %d: idle task %d queued on cpu %d\n", core, l.Task, l.Queue)
	}
	for core := 0; core < s.k.Cores(); core++ {
		info := s.k.CPU(core)
		fmt.Printf("cpu %d: %d timer interrupts, %d switches\n", core, info.TimerTicks, info.Switches)
	}

	if err := s.wait(b.timeout); err != nil {
		return failf("shutdown: %v", err)
	}
	return subcommands.ExitSuccess
}
