// Package relay is a uuid-routed pub/sub fan-out primitive: a worker-pool
// backed Dispatcher, and a Mux/Pipe façade over it. ResponseManager and
// ChannelManager are both built on this — a pending reply or a named
// channel is just a route id that one or more Pipes subscribe to.
//
// This is a ground-up reconstruction grounded on the teacher's dispatch
// package test file (only the test survived retrieval, not the original
// source); see DESIGN.md for exactly what is kept vs. reinvented.
package relay

import (
	"context"
	"sync"

	"github.com/gofrs/uuid"
	"github.com/pkg/errors"
	"github.com/sourcegraph/conc/panics"
)

// Sentinel errors returned by Dispatcher operations.
var (
	ErrNotInitialized = errors.New("relay: dispatcher not initialized")
	ErrNotRunning     = errors.New("relay: dispatcher not running")
	ErrAlreadyRunning = errors.New("relay: dispatcher already running")
	ErrNoWorkers      = errors.New("relay: no workers to drop")
	ErrWorkerCeiling  = errors.New("relay: worker ceiling reached")
	ErrIDNotSet       = errors.New("relay: id not set")
	ErrUUIDCollision  = errors.New("relay: uuid collision")
	ErrRouteNotFound  = errors.New("relay: route id not found")
	ErrChannelNil     = errors.New("relay: channel is nil")
	ErrChannelNotSubscribed = errors.New("relay: channel not subscribed to this id")
	ErrJobsAtLimit    = errors.New("relay: jobs channel at limit")
	ErrNoData         = errors.New("relay: no data")
)

// pipeBuffer is the subscriber channel buffer size: large enough that a
// single publish with no reader, or a slow reader behind one publish,
// never blocks the worker doing the fan-out.
const pipeBuffer = 1

type job struct {
	id   uuid.UUID
	data interface{}
}

// Dispatcher owns a bounded job queue and a ceiling-bounded pool of worker
// goroutines that drain it, fanning each published value out to every
// channel currently subscribed to its route id.
type Dispatcher struct {
	mu      sync.Mutex
	running bool
	routes  map[uuid.UUID][]chan interface{}

	jobs    chan job
	drop    chan struct{}
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	workers int
	ceiling int
}

// New builds an unstarted Dispatcher.
func New() *Dispatcher {
	return &Dispatcher{routes: make(map[uuid.UUID][]chan interface{})}
}

// IsRunning reports whether the dispatcher has been started and not yet
// stopped. Safe to call on a nil Dispatcher.
func (d *Dispatcher) IsRunning() bool {
	if d == nil {
		return false
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.running
}

// Start brings the dispatcher up with `workers` worker goroutines already
// running (workers also becomes the ceiling spawnWorker will not exceed) and
// a job queue buffered to jobBuffer entries.
func (d *Dispatcher) Start(workers, jobBuffer int) error {
	if d == nil {
		return ErrNotInitialized
	}
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return ErrAlreadyRunning
	}
	if workers < 0 {
		workers = 0
	}
	ceiling := workers
	if ceiling < 1 {
		ceiling = 1
	}
	if jobBuffer < 0 {
		jobBuffer = 0
	}
	ctx, cancel := context.WithCancel(context.Background())
	d.jobs = make(chan job, jobBuffer)
	d.drop = make(chan struct{}, ceiling)
	d.ctx = ctx
	d.cancel = cancel
	d.ceiling = ceiling
	d.workers = 0
	d.running = true
	d.mu.Unlock()

	for i := 0; i < workers; i++ {
		d.spawnWorkerLocked(ctx)
	}
	return nil
}

// Stop halts all workers and marks the dispatcher not running. Route
// registrations and subscriber lists survive a Stop so a later Start can
// resume delivering to the same ids.
func (d *Dispatcher) Stop() error {
	if d == nil {
		return ErrNotInitialized
	}
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return ErrNotRunning
	}
	d.running = false
	cancel := d.cancel
	d.mu.Unlock()

	cancel()
	d.wg.Wait()
	return nil
}

func (d *Dispatcher) spawnWorkerLocked(ctx context.Context) {
	d.workers++
	d.wg.Add(1)
	go d.runWorker(ctx)
}

// SpawnWorker adds one worker, up to the ceiling set by Start.
func (d *Dispatcher) SpawnWorker() error {
	if d == nil {
		return ErrNotInitialized
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.running {
		return ErrNotRunning
	}
	if d.workers >= d.ceiling {
		return ErrWorkerCeiling
	}
	d.workers++
	d.wg.Add(1)
	go d.runWorker(d.ctx)
	return nil
}

func (d *Dispatcher) runWorker(ctx context.Context) {
	defer d.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-d.drop:
			return
		case j, ok := <-d.jobs:
			if !ok {
				return
			}
			d.fanout(j)
		}
	}
}

func (d *Dispatcher) runWorkerDroppable() {
	defer d.wg.Done()
	for {
		select {
		case <-d.drop:
			return
		case j, ok := <-d.jobs:
			if !ok {
				return
			}
			d.fanout(j)
		}
	}
}

// DropWorker removes one worker from the pool.
func (d *Dispatcher) DropWorker() error {
	if d == nil {
		return ErrNotInitialized
	}
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return ErrNotRunning
	}
	if d.workers == 0 {
		d.mu.Unlock()
		return ErrNoWorkers
	}
	d.workers--
	drop := d.drop
	d.mu.Unlock()

	drop <- struct{}{}
	return nil
}

func (d *Dispatcher) fanout(j job) {
	var c panics.Catcher
	c.Try(func() {
		d.mu.Lock()
		subs := append([]chan interface{}(nil), d.routes[j.id]...)
		d.mu.Unlock()
		for _, ch := range subs {
			select {
			case ch <- j.data:
			default:
				// Subscriber's pipe is full; drop rather than block the
				// worker. A slow reader loses at-most-once delivery of this
				// particular publish, which mirrors BoundedQueue's own
				// overflow tradeoff one layer up.
			}
		}
	})
	if r := c.Recovered(); r != nil {
		// A misbehaving fan-out callback panicked; swallow it here so one
		// bad subscriber never takes the worker pool down.
		_ = r
	}
}

// GetNewID mints a fresh route id with genFn and registers it with no
// subscribers, detecting collisions against ids already registered.
func (d *Dispatcher) GetNewID(genFn func() (uuid.UUID, error)) (uuid.UUID, error) {
	if d == nil {
		return uuid.Nil, ErrNotInitialized
	}
	id, err := genFn()
	if err != nil {
		return uuid.Nil, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, exists := d.routes[id]; exists {
		return uuid.Nil, ErrUUIDCollision
	}
	d.routes[id] = nil
	return id, nil
}

// Subscribe registers a new buffered channel as a recipient of every future
// Publish to id. id must have been minted with GetNewID first.
func (d *Dispatcher) Subscribe(id uuid.UUID) (chan interface{}, error) {
	if d == nil {
		return nil, ErrNotInitialized
	}
	if id == uuid.Nil {
		return nil, ErrIDNotSet
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.running {
		return nil, ErrNotRunning
	}
	if _, ok := d.routes[id]; !ok {
		return nil, ErrRouteNotFound
	}
	ch := make(chan interface{}, pipeBuffer)
	d.routes[id] = append(d.routes[id], ch)
	return ch, nil
}

// Unsubscribe removes ch from id's subscriber list. If the dispatcher is
// not running this is a no-op (nothing can be fanning out to it anyway).
func (d *Dispatcher) Unsubscribe(id uuid.UUID, ch chan interface{}) error {
	if d == nil {
		return ErrNotInitialized
	}
	if id == uuid.Nil {
		return ErrIDNotSet
	}
	if ch == nil {
		return ErrChannelNil
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.running {
		return nil
	}
	subs, ok := d.routes[id]
	if !ok {
		return ErrRouteNotFound
	}
	for i, sub := range subs {
		if sub == ch {
			d.routes[id] = append(subs[:i], subs[i+1:]...)
			return nil
		}
	}
	return ErrChannelNotSubscribed
}

// Publish enqueues data for fan-out to every current subscriber of id. If
// the dispatcher is not running, Publish is a silent no-op (nothing is
// listening). Returns ErrJobsAtLimit if the job queue is full.
func (d *Dispatcher) Publish(id uuid.UUID, data interface{}) error {
	if d == nil {
		return ErrNotInitialized
	}
	d.mu.Lock()
	running := d.running
	jobs := d.jobs
	d.mu.Unlock()
	if !running {
		return nil
	}
	if id == uuid.Nil {
		return ErrIDNotSet
	}
	if data == nil {
		return ErrNoData
	}
	select {
	case jobs <- job{id: id, data: data}:
		return nil
	default:
		return ErrJobsAtLimit
	}
}
