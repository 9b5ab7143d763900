package processor

import "time"

// TickResult reports what one AllocateTimeSlice call accomplished.
type TickResult struct {
	Processed int
	ElapsedMs int64
	Aborted   bool
}

// SubsystemScheduler owns one subsystem's Processor and grants it a bounded
// time slice per call, draining its mailbox tick by tick until the slice is
// spent, the mailbox is empty, or a handler signals cooperative yield.
type SubsystemScheduler struct {
	proc  *Processor
	clock func() time.Time
}

// NewSubsystemScheduler wraps proc.
func NewSubsystemScheduler(proc *Processor) *SubsystemScheduler {
	return &SubsystemScheduler{proc: proc, clock: time.Now}
}

// AllocateTimeSlice repeatedly calls proc.ProcessTick while the mailbox has
// work and the slice has time remaining. An empty mailbox ends the loop; a
// tick that only buffered an out-of-order transaction message does not, and
// the loop goes on to the next message while the slice lasts.
func (s *SubsystemScheduler) AllocateTimeSlice(durationMs int64) TickResult {
	start := s.clock()
	deadline := start.Add(time.Duration(durationMs) * time.Millisecond)
	var res TickResult

	for {
		if s.clock().After(deadline) {
			res.Aborted = true
			break
		}
		tick := s.proc.ProcessTick()
		if tick.Empty {
			break
		}
		if !tick.Processed {
			continue // buffered out-of-order transaction message; more work may remain
		}
		res.Processed++
		if tick.Yield {
			break
		}
	}
	res.ElapsedMs = s.clock().Sub(start).Milliseconds()
	return res
}
