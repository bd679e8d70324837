package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/google/subcommands"

	"cfskern/internal/sched"
)

func main() {
	subcommands.Register(subcommands.HelpCommand(), "")
	subcommands.Register(subcommands.FlagsCommand(), "")
	subcommands.Register(new(runCmd), "")
	subcommands.Register(new(pingPongCmd), "")
	subcommands.Register(new(bootCmd), "")

	flag.Parse()
	os.Exit(int(subcommands.Execute(context.Background())))
}

// kernelFlags are shared by every command that boots a kernel.
type kernelFlags struct {
	config  string
	cores   int
	verbose bool
	ticks   bool
	timeout time.Duration
}

func (kf *kernelFlags) set(f *flag.FlagSet) {
	f.StringVar(&kf.config, "config", "config.yml", "path to the YAML config")
	f.IntVar(&kf.cores, "cores", 0, "override the configured core count")
	f.BoolVar(&kf.verbose, "v", false, "print every scheduler event")
	f.BoolVar(&kf.ticks, "ticks", false, "with -v, also print timer ticks")
	f.DurationVar(&kf.timeout, "timeout", 30*time.Second, "give up waiting for tasks after this long")
}

func (kf *kernelFlags) load() sched.Config {
	cfg := sched.Load(kf.config)
	if kf.cores > 0 {
		cfg.Cores = kf.cores
	}
	return cfg
}

// session is a kernel plus the tracer draining its event stream.
type session struct {
	k      *sched.Kernel
	tracer *sched.Tracer
	cancel context.CancelFunc
	done   chan error
}

func (kf *kernelFlags) open() (*session, error) {
	cfg := kf.load()
	k, err := sched.New(cfg)
	if err != nil {
		return nil, err
	}
	fmt.Printf("Loaded config: %+v\n", k.Config())

	var tr *sched.Tracer
	if kf.verbose {
		tr = sched.NewTracer(os.Stdout)
		tr.ShowTicks(kf.ticks)
	} else {
		tr = sched.NewTracer(nil)
	}
	if cfg.TraceCSV != "" {
		if err := tr.EnableCSVLogging(cfg.TraceCSV); err != nil {
			return nil, fmt.Errorf("trace csv: %w", err)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &session{k: k, tracer: tr, cancel: cancel, done: make(chan error, 1)}
	go func() { s.done <- tr.Run(ctx, k.StatusChannel()) }()
	return s, nil
}

// wait lets the started tasks finish, then stops the cores and the tracer.
func (s *session) wait(timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	err := s.k.Wait(ctx)
	if serr := s.k.Shutdown(); err == nil {
		err = serr
	}
	s.cancel()
	<-s.done
	if n := s.k.DroppedEvents(); n > 0 {
		fmt.Printf("(%d trace events dropped)\n", n)
	}
	return err
}

func failf(format string, args ...any) subcommands.ExitStatus {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	return subcommands.ExitFailure
}
