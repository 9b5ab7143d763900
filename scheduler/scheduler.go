package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/time/rate"
)

// ErrAlreadyRunning is returned by Start when the scheduler's loop is
// already active.
var ErrAlreadyRunning = errors.New("scheduler: already running")

// ErrNotRunning is returned by Stop when the scheduler's loop is not
// active. Start and Stop are otherwise idempotent in the sense spec.md
// requires (calling either while already in that state is a no-op error,
// never a panic).
var ErrNotRunning = errors.New("scheduler: not running")

// ErrUnknownStrategy is returned by SetStrategy/New when asked for a
// strategy name that was never registered.
var ErrUnknownStrategy = errors.New("scheduler: unknown strategy")

func builtinStrategies() map[string]Strategy {
	return map[string]Strategy{
		"round-robin": &RoundRobinStrategy{},
		"weighted":    &WeightedStrategy{},
		"priority":    PriorityStrategy{},
		"fair-share":  FairShareStrategy{},
		"queue-depth": QueueDepthStrategy{},
		"adaptive":    AdaptiveStrategy{},
	}
}

// GlobalScheduler runs a single event loop that repeatedly selects one
// registered subsystem (via the configured Strategy) and grants it a bounded
// time slice, pacing ticks with a rate.Limiter rather than a bare sleep.
type GlobalScheduler struct {
	mu          sync.Mutex
	subs        map[string]Schedulable
	order       []string // preserves registration order for strategies that care
	strategies  map[string]Strategy
	strategy    Strategy
	timeSliceMs int64
	served      map[string]int64

	running bool
	cancel  context.CancelFunc
	done    chan struct{}
	limiter *rate.Limiter
}

// New builds a GlobalScheduler using timeSliceMs as both the per-subsystem
// time slice and (inverted) the tick pacing rate, with strategyName selected
// from the built-in registry.
func New(timeSliceMs int64, strategyName string) (*GlobalScheduler, error) {
	if timeSliceMs <= 0 {
		timeSliceMs = 10
	}
	strategies := builtinStrategies()
	strat, ok := strategies[strategyName]
	if !ok {
		return nil, errors.Wrapf(ErrUnknownStrategy, "%q", strategyName)
	}

	interval := time.Duration(timeSliceMs) * time.Millisecond
	if interval < time.Millisecond {
		interval = time.Millisecond
	}
	limit := rate.Every(interval)

	return &GlobalScheduler{
		subs:        make(map[string]Schedulable),
		strategies:  strategies,
		strategy:    strat,
		timeSliceMs: timeSliceMs,
		served:      make(map[string]int64),
		limiter:     rate.NewLimiter(limit, 1),
	}, nil
}

// RegisterStrategyFunc adds or overrides a named strategy. Intended for
// startup-time use only; callers should not race this against Start.
func (g *GlobalScheduler) RegisterStrategyFunc(name string, s Strategy) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.strategies[name] = s
}

// SetStrategy switches the active strategy by name.
func (g *GlobalScheduler) SetStrategy(name string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	strat, ok := g.strategies[name]
	if !ok {
		return errors.Wrapf(ErrUnknownStrategy, "%q", name)
	}
	g.strategy = strat
	return nil
}

// Register adds s to the scheduling pool.
func (g *GlobalScheduler) Register(s Schedulable) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, exists := g.subs[s.Name()]; !exists {
		g.order = append(g.order, s.Name())
	}
	g.subs[s.Name()] = s
}

// Deregister removes a subsystem from the scheduling pool by name.
func (g *GlobalScheduler) Deregister(name string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.subs, name)
	for i, n := range g.order {
		if n == name {
			g.order = append(g.order[:i], g.order[i+1:]...)
			break
		}
	}
	delete(g.served, name)
}

// IsRunning reports whether the scheduler loop is active.
func (g *GlobalScheduler) IsRunning() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.running
}

// Start launches the scheduler's event loop in a background goroutine.
func (g *GlobalScheduler) Start() error {
	g.mu.Lock()
	if g.running {
		g.mu.Unlock()
		return ErrAlreadyRunning
	}
	ctx, cancel := context.WithCancel(context.Background())
	g.cancel = cancel
	g.done = make(chan struct{})
	g.running = true
	g.mu.Unlock()

	go g.loop(ctx)
	return nil
}

// Stop halts the event loop and waits for it to exit.
func (g *GlobalScheduler) Stop() error {
	g.mu.Lock()
	if !g.running {
		g.mu.Unlock()
		return ErrNotRunning
	}
	cancel := g.cancel
	done := g.done
	g.running = false
	g.mu.Unlock()

	cancel()
	<-done
	return nil
}

// Tick runs exactly one selection+allocation cycle and returns the name of
// the subsystem served, or "" if nothing was ready. Exposed directly so
// tests and synchronous callers (e.g. scenario S1) don't have to race the
// background loop.
func (g *GlobalScheduler) Tick() string {
	g.mu.Lock()
	subs := make([]Schedulable, 0, len(g.order))
	for _, name := range g.order {
		if s, ok := g.subs[name]; ok {
			subs = append(subs, s)
		}
	}
	servedSnapshot := make(map[string]int64, len(g.served))
	for k, v := range g.served {
		servedSnapshot[k] = v
	}
	strat := g.strategy
	sliceMs := g.timeSliceMs
	g.mu.Unlock()

	picked := strat.Select(subs, Context{Served: servedSnapshot})
	if picked == nil {
		return ""
	}
	result := picked.AllocateTimeSlice(sliceMs)

	g.mu.Lock()
	g.served[picked.Name()] += result.ElapsedMs
	g.mu.Unlock()
	return picked.Name()
}

func (g *GlobalScheduler) loop(ctx context.Context) {
	defer close(g.done)
	for {
		if err := g.limiter.Wait(ctx); err != nil {
			return // context cancelled by Stop
		}
		select {
		case <-ctx.Done():
			return
		default:
		}
		g.Tick()
	}
}
