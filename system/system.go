// Package system wires every other package into one running
// MessageSystem: the kernel, the scheduler, the router, the shared relay
// mux backing responses and channels, and the registry each of those
// depends on only through its own narrow local interface.
package system

import (
	"sync"

	"github.com/pkg/errors"

	"github.com/thrasher-corp/msgkernel/access"
	"github.com/thrasher-corp/msgkernel/config"
	"github.com/thrasher-corp/msgkernel/kernel"
	"github.com/thrasher-corp/msgkernel/log"
	"github.com/thrasher-corp/msgkernel/message"
	"github.com/thrasher-corp/msgkernel/msgrouter"
	"github.com/thrasher-corp/msgkernel/rchannel"
	"github.com/thrasher-corp/msgkernel/relay"
	"github.com/thrasher-corp/msgkernel/scheduler"
	"github.com/thrasher-corp/msgkernel/subsystem"
)

// ErrAlreadyRegistered is returned by RegisterSubsystem for a duplicate
// name.
var ErrAlreadyRegistered = errors.New("system: subsystem already registered")

// ErrNotFound is returned by DisposeSubsystem/Subsystem for an unknown
// name.
var ErrNotFound = errors.New("system: subsystem not found")

// MessageSystem is the top-level object spec.md 6's `MessageSystem.new`
// describes: one kernel, one scheduler, one router, one registry, every
// registered subsystem sharing the kernel's access control and error
// classification.
type MessageSystem struct {
	mu sync.RWMutex

	cfg     config.Config
	factory *message.Factory
	Arena   *access.Arena

	Kernel     *kernel.KernelSubsystem
	Router     *msgrouter.Router
	Scheduler  *scheduler.GlobalScheduler
	Registry   *Registry
	Channels   *rchannel.Manager
	Logs       *log.Registry
	Anonymous  access.PKR

	dispatcher *relay.Dispatcher
	mux        *relay.Mux

	subsystems map[string]*subsystem.BaseSubsystem
	running    bool
}

// New builds and wires a MessageSystem from cfg but does not start the
// scheduler; call Start for that.
func New(cfg config.Config) (*MessageSystem, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "system: invalid config")
	}

	logs, err := log.New(cfg.Logging)
	if err != nil {
		return nil, errors.Wrap(err, "system: build log registry")
	}

	factory, err := message.NewFactory()
	if err != nil {
		return nil, errors.Wrap(err, "system: build message factory")
	}

	arena := access.NewArena()
	kernelPKR, err := arena.Mint(access.KindKernel, "kernel", nil)
	if err != nil {
		return nil, errors.Wrap(err, "system: mint kernel principal")
	}

	registry := NewRegistry()

	k, err := kernel.New(kernelPKR, registry, factory, kernel.Options{
		ErrorStoreCapacity: cfg.ErrorStoreCapacity,
		DeadLetterCapacity: cfg.DeadLetterCapacity,
	}, subsystem.Options{
		Capacity: cfg.DefaultQueueCapacity,
	})
	if err != nil {
		return nil, errors.Wrap(err, "system: build kernel")
	}
	if err := k.Build(); err != nil {
		return nil, errors.Wrap(err, "system: build kernel base subsystem")
	}

	sched, err := scheduler.New(int64(cfg.SchedulerTimeSliceMs), cfg.SchedulerStrategy)
	if err != nil {
		return nil, errors.Wrap(err, "system: build scheduler")
	}

	dispatcher := relay.New()
	if err := dispatcher.Start(4, 256); err != nil {
		return nil, errors.Wrap(err, "system: start relay dispatcher")
	}
	mux := relay.GetNewMux(dispatcher)
	channels := rchannel.New(mux)

	router := msgrouter.New(registry, "kernel", k.Errors, k.DeadLetters)
	k.SetRouter(router)
	k.SetChannels(channels)

	registry.Register("kernel", k, kernelPKR, nil)

	// Anonymous is the principal an unauthenticated transport adapter (e.g.
	// transport/http, whose "caller" field is an optional, attacker-supplied
	// string) hands to SendProtected when no caller was named. It carries no
	// grants in AccessControl, so it is subject to the same RWS checks as any
	// other caller — unlike the kernel's own always-allowed principal.
	anon, err := arena.Mint(access.KindFriend, "anonymous", nil)
	if err != nil {
		return nil, errors.Wrap(err, "system: mint anonymous principal")
	}

	return &MessageSystem{
		cfg:        cfg,
		factory:    factory,
		Arena:      arena,
		Kernel:     k,
		Router:     router,
		Scheduler:  sched,
		Registry:   registry,
		Channels:   channels,
		Logs:       logs,
		Anonymous:  anon,
		dispatcher: dispatcher,
		mux:        mux,
		subsystems: make(map[string]*subsystem.BaseSubsystem),
	}, nil
}

// Factory returns the shared message.Factory every subsystem/handler mints
// messages from.
func (s *MessageSystem) Factory() *message.Factory { return s.factory }

// RegisterSubsystem builds a new subsystem named name, owned by owner (a
// freshly-minted top-level principal under the kernel if owner is the zero
// PKR), registers it with the router's Registry and the scheduler, and
// returns it un-built so the caller can still register routes and
// capabilities before calling Build.
func (s *MessageSystem) RegisterSubsystem(name string, owner access.PKR, opts subsystem.Options) (*subsystem.BaseSubsystem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.subsystems[name]; exists {
		return nil, errors.Wrapf(ErrAlreadyRegistered, "%q", name)
	}

	if owner.IsZero() {
		minted, err := s.Arena.Mint(access.KindTopLevel, name, nil)
		if err != nil {
			return nil, errors.Wrapf(err, "system: mint owner for %q", name)
		}
		owner = minted
	}

	if opts.Capacity <= 0 {
		opts.Capacity = s.cfg.DefaultQueueCapacity
	}
	opts.Identity = owner
	opts.ErrSink = s.Kernel.Errors
	opts.DLQ = s.Kernel.DeadLetters
	opts.RetryMinter = s.factory
	opts.Responses = s.Kernel.Responses

	sub, err := subsystem.New(name, opts)
	if err != nil {
		return nil, errors.Wrapf(err, "system: build subsystem %q", name)
	}
	kernel.WireResponseRequired(sub, s.Kernel.Responses)

	s.subsystems[name] = sub
	s.Registry.Register(name, sub, owner, sub)
	s.Scheduler.Register(sub)
	return sub, nil
}

// DisposeSubsystem cancels every pending response owned by name, drains its
// mailbox to the dead-letter queue, and removes it from the router and
// scheduler (spec.md 4's subsystem.dispose()).
func (s *MessageSystem) DisposeSubsystem(name string) error {
	s.mu.Lock()
	sub, ok := s.subsystems[name]
	if !ok {
		s.mu.Unlock()
		return errors.Wrapf(ErrNotFound, "%q", name)
	}
	delete(s.subsystems, name)
	s.mu.Unlock()

	_ = s.Kernel.Responses.CancelOwner(sub.Identity())
	sub.Dispose(s.Kernel.DeadLetters)
	s.Scheduler.Deregister(name)
	s.Registry.Unregister(name)
	return nil
}

// Subsystem returns the registered subsystem by name.
func (s *MessageSystem) Subsystem(name string) (*subsystem.BaseSubsystem, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sub, ok := s.subsystems[name]
	return sub, ok
}

// Send forwards msg through the kernel's protected send path on behalf of
// callerPKR — the only supported entry point for delivering a message.
func (s *MessageSystem) Send(callerPKR access.PKR, msg *message.Message) error {
	return s.Kernel.SendProtected(callerPKR, msg)
}

// Start launches the GlobalScheduler's background tick loop.
func (s *MessageSystem) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil
	}
	if err := s.Scheduler.Start(); err != nil {
		return errors.Wrap(err, "system: start scheduler")
	}
	s.running = true
	return nil
}

// Tick runs exactly one scheduler selection+allocation cycle synchronously,
// for callers (and tests) that want to drive progress deterministically
// instead of racing the background loop.
func (s *MessageSystem) Tick() string { return s.Scheduler.Tick() }

// Stop halts the scheduler and releases every shared relay resource
// (response manager dispatcher, channel/response mux dispatcher).
func (s *MessageSystem) Stop() error {
	s.mu.Lock()
	running := s.running
	s.running = false
	s.mu.Unlock()

	var errs error
	if running {
		if err := s.Scheduler.Stop(); err != nil {
			errs = errors.Wrap(err, "system: stop scheduler")
		}
	}
	if err := s.Kernel.Responses.Close(); err != nil && errs == nil {
		errs = errors.Wrap(err, "system: stop response manager")
	}
	if err := s.dispatcher.Stop(); err != nil && errs == nil {
		errs = errors.Wrap(err, "system: stop relay dispatcher")
	}
	if err := s.Logs.Close(); err != nil && errs == nil {
		errs = errors.Wrap(err, "system: close log registry")
	}
	return errs
}
