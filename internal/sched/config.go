package sched

import (
	"fmt"
	"os"

	yaml "github.com/goccy/go-yaml"
)

// Config mirrors config.yml
type Config struct {
	TickMS         int    `yaml:"tick_ms"`          // 5 (by default); wall-clock period of the idle timer
	SliceTicks     int    `yaml:"slice_ticks"`      // 5 (by default); ticks a task runs before preemption
	Cores          int    `yaml:"cores"`            // 1 (by default)
	MaxTasks       int    `yaml:"max_tasks"`        // 64 (by default)
	StackPages     int    `yaml:"stack_pages"`      // 2 (by default); kernel stack per task
	UserStackPages int    `yaml:"user_stack_pages"` // 4 (by default)
	MemoryPages    int    `yaml:"memory_pages"`     // 4096 (by default); frames above 1 MiB
	BootRetries    int    `yaml:"boot_retries"`     // 200 (by default)
	BootRetryMS    int    `yaml:"boot_retry_ms"`    // 5 (by default)
	TraceCSV       string `yaml:"trace_csv"`        // empty = no CSV trace
}

// DefaultConfig is used when the config file is not found.
func DefaultConfig() Config {
	return Config{
		TickMS:         5,
		SliceTicks:     5,
		Cores:          1,
		MaxTasks:       64,
		StackPages:     2,
		UserStackPages: 4,
		MemoryPages:    4096,
		BootRetries:    200,
		BootRetryMS:    5,
	}
}

// Load reads YAML and overrides defaults; empty path = defaults only
func Load(path string) Config {
	cfg := DefaultConfig()

	if path == "" {
		return cfg
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg
	}

	_ = yaml.Unmarshal(data, &cfg)
	return cfg.sanitize()
}

// Parse decodes YAML over the defaults and reports decode errors.
func Parse(data []byte) (Config, error) {
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	return cfg.sanitize(), nil
}

// sanity clamps
func (cfg Config) sanitize() Config {
	def := DefaultConfig()
	if cfg.TickMS <= 0 {
		cfg.TickMS = def.TickMS
	}
	if cfg.SliceTicks <= 0 {
		cfg.SliceTicks = def.SliceTicks
	}
	if cfg.Cores <= 0 {
		cfg.Cores = def.Cores
	}
	if cfg.StackPages <= 0 {
		cfg.StackPages = def.StackPages
	}
	if cfg.UserStackPages <= 0 {
		cfg.UserStackPages = def.UserStackPages
	}
	if cfg.MemoryPages <= 0 {
		cfg.MemoryPages = def.MemoryPages
	}
	if cfg.BootRetries <= 0 {
		cfg.BootRetries = def.BootRetries
	}
	if cfg.BootRetryMS <= 0 {
		cfg.BootRetryMS = def.BootRetryMS
	}
	// one idle task per core plus the built-in services must always fit
	if least := cfg.Cores + numServices + 1; cfg.MaxTasks < least {
		cfg.MaxTasks = least
	}
	return cfg
}
