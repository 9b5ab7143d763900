package scheduler

import "sync"

// RoundRobinStrategy cycles through subs in registration order, remembering
// the last name served (not an index) so another subsystem deregistering
// mid-cycle doesn't make it skip a neighbor; if the last-served subsystem
// itself is gone, the cycle restarts at the front.
type RoundRobinStrategy struct {
	mu       sync.Mutex
	lastName string
}

// Select implements Strategy.
func (s *RoundRobinStrategy) Select(subs []Schedulable, _ Context) Schedulable {
	if len(subs) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lastName == "" {
		s.lastName = subs[0].Name()
		return subs[0]
	}
	for i, sub := range subs {
		if sub.Name() == s.lastName {
			next := subs[(i+1)%len(subs)]
			s.lastName = next.Name()
			return next
		}
	}
	// lastName no longer registered; restart at the front.
	s.lastName = subs[0].Name()
	return subs[0]
}

// WeightedStrategy implements smooth weighted round-robin: every Select call
// adds each subsystem's Weight() to its running credit, picks the highest
// credit, then deducts the total weight from the winner. Subsystems with
// higher weight are chosen proportionally more often without starving low-
// weight ones.
type WeightedStrategy struct {
	mu      sync.Mutex
	credits map[string]int
}

// Select implements Strategy.
func (s *WeightedStrategy) Select(subs []Schedulable, _ Context) Schedulable {
	if len(subs) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.credits == nil {
		s.credits = make(map[string]int)
	}

	total := 0
	var winner Schedulable
	for _, sub := range subs {
		w := sub.Weight()
		if w <= 0 {
			w = 1
		}
		total += w
		s.credits[sub.Name()] += w
		if winner == nil || s.credits[sub.Name()] > s.credits[winner.Name()] {
			winner = sub
		}
	}
	s.credits[winner.Name()] -= total
	return winner
}

// PriorityStrategy always picks the highest Priority(), breaking ties by
// earliest position in the slice (registration order).
type PriorityStrategy struct{}

// Select implements Strategy.
func (PriorityStrategy) Select(subs []Schedulable, _ Context) Schedulable {
	if len(subs) == 0 {
		return nil
	}
	best := subs[0]
	for _, sub := range subs[1:] {
		if sub.Priority() > best.Priority() {
			best = sub
		}
	}
	return best
}

// FairShareStrategy picks the subsystem with the smallest served/weight
// ratio, so subsystems that have received less cumulative time relative to
// their weight catch up first.
type FairShareStrategy struct{}

// Select implements Strategy.
func (FairShareStrategy) Select(subs []Schedulable, ctx Context) Schedulable {
	if len(subs) == 0 {
		return nil
	}
	var best Schedulable
	var bestRatio float64
	for _, sub := range subs {
		w := sub.Weight()
		if w <= 0 {
			w = 1
		}
		served := ctx.Served[sub.Name()]
		ratio := float64(served) / float64(w)
		if best == nil || ratio < bestRatio {
			best = sub
			bestRatio = ratio
		}
	}
	return best
}

// QueueDepthStrategy always picks the most-loaded subsystem by QueueDepth().
type QueueDepthStrategy struct{}

// Select implements Strategy.
func (QueueDepthStrategy) Select(subs []Schedulable, _ Context) Schedulable {
	if len(subs) == 0 {
		return nil
	}
	best := subs[0]
	for _, sub := range subs[1:] {
		if sub.QueueDepth() > best.QueueDepth() {
			best = sub
		}
	}
	return best
}

// AdaptiveStrategy combines queue depth and recent processing latency into
// one score, favoring subsystems that are both backed up and slow to drain.
type AdaptiveStrategy struct{}

// Select implements Strategy.
func (AdaptiveStrategy) Select(subs []Schedulable, _ Context) Schedulable {
	if len(subs) == 0 {
		return nil
	}
	var best Schedulable
	var bestScore float64
	for _, sub := range subs {
		score := float64(sub.QueueDepth()) + sub.RecentLatency().Seconds()*1000
		if best == nil || score > bestScore {
			best = sub
			bestScore = score
		}
	}
	return best
}
