package sched

const (
	MinPriority     = 0
	MaxPriority     = 39
	DefaultPriority = 20
)

// prioToWeight maps priority levels to load weights. Neighbouring levels
// differ by ~1.25x, so one level is worth roughly 10% of CPU share.
var prioToWeight = [MaxPriority + 1]uint64{
	88761, 71755, 56483, 46273, 36291,
	29154, 23254, 18705, 14949, 11916,
	9548, 7620, 6100, 4904, 3906,
	3121, 2501, 1991, 1586, 1277,
	1024, 820, 655, 526, 423,
	335, 272, 215, 172, 137,
	110, 87, 70, 56, 45,
	36, 29, 23, 18, 15,
}

func clampPriority(p int) int {
	if p < MinPriority {
		return MinPriority
	} else if p > MaxPriority {
		return MaxPriority
	}
	return p
}

func weightOf(p int) uint64 { return prioToWeight[clampPriority(p)] }

// vruntimeOf scales real run time by the task's weight relative to the
// highest priority level.
func vruntimeOf(runTime, weight uint64) uint64 {
	return runTime * prioToWeight[0] / weight
}

// runTimeOf is the inverse of vruntimeOf, rounded down.
func runTimeOf(vruntime, weight uint64) uint64 {
	return vruntime * weight / prioToWeight[0]
}
