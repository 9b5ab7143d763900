// Package scheduler implements the GlobalScheduler: round-robin (or other
// pluggable strategy) selection of subsystems, each granted a bounded time
// slice to drain its own mailbox via processor.SubsystemScheduler.
package scheduler

import (
	"time"

	"github.com/thrasher-corp/msgkernel/processor"
)

// Schedulable is what the GlobalScheduler needs from a subsystem: enough to
// pick among several and grant the winner a time slice. subsystem.BaseSubsystem
// implements this structurally; scheduler never imports the subsystem
// package, only this shape.
type Schedulable interface {
	Name() string
	Weight() int
	Priority() int
	QueueDepth() int
	RecentLatency() time.Duration
	AllocateTimeSlice(durationMs int64) processor.TickResult
}

// Context is read-only scheduling state a Strategy may consult, maintained
// by the GlobalScheduler across ticks.
type Context struct {
	// Served is cumulative milliseconds each subsystem (by name) has been
	// allocated so far, used by the fair-share strategy.
	Served map[string]int64
}

// Strategy selects one subsystem to run next from the ready set. Returning
// nil means "nothing to schedule this tick."
type Strategy interface {
	Select(subs []Schedulable, ctx Context) Schedulable
}
