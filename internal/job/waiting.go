package job

import (
	"cfskern/internal/sched"
)

// Hog returns a task body that burns the given number of ticks, in chunks
// of one tick so the scheduler can preempt it anywhere.
func Hog(ticks int) sched.Entry {
	return func(c *sched.Ctx, _ uint64) {
		c.Burn(ticks)
	}
}

// Until returns a task body that keeps burning CPU until its core's tick
// counter reaches tick. Tasks sharing a core and a deadline compete for the
// same window, so their charged ticks show each one's share.
func Until(tick uint64) sched.Entry {
	return func(c *sched.Ctx, _ uint64) {
		for c.Ticks() < tick {
			c.Burn(1)
		}
	}
}

// SleepWork returns a task body that sleeps for the given number of ticks
// and exits with the tick it woke up at.
func SleepWork(ticks uint64) sched.Entry {
	return func(c *sched.Ctx, _ uint64) {
		c.Sleep(ticks)
		c.Exit(c.Ticks())
	}
}
