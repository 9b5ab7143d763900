// Package subsystem implements BaseSubsystem: the composite of mailbox,
// route tree, processor and identity that every named unit in the kernel
// is built from.
package subsystem

import (
	"time"

	"github.com/pkg/errors"

	"github.com/thrasher-corp/msgkernel/access"
	"github.com/thrasher-corp/msgkernel/errormgr"
	"github.com/thrasher-corp/msgkernel/message"
	"github.com/thrasher-corp/msgkernel/processor"
	"github.com/thrasher-corp/msgkernel/queue"
	"github.com/thrasher-corp/msgkernel/route"
)

// ReservedNames are subsystem names the kernel claims for itself and the
// built-in service subsystems; registerSubsystem rejects them.
var ReservedNames = map[string]bool{
	"kernel":  true,
	"query":   true,
	"channel": true,
	"request": true,
	"event":   true,
}

// ErrReservedName is returned when a subsystem is built with a reserved
// name.
var ErrReservedName = errors.New("subsystem: reserved name")

// ErrEmptyName is returned when a subsystem is built with an empty name.
var ErrEmptyName = errors.New("subsystem: name must not be empty")

// ErrAlreadyBuilt is returned by Use and Build once Build has run.
var ErrAlreadyBuilt = errors.New("subsystem: already built")

// ErrMissingCapability is returned by Use when a capability's declared
// dependency was never registered first.
var ErrMissingCapability = errors.New("subsystem: missing required capability")

// ErrNotBuilt is returned by ProcessImmediately when called before Build
// (Accept reports false instead).
var ErrNotBuilt = errors.New("subsystem: not built")

// Capability is a named, composable unit a subsystem is built from (spec.md
// 9's redesign of the source's dynamic hook/facet mixin into an explicit,
// dependency-checked field). Init runs once, in dependency order, at Build.
type Capability struct {
	Name     string
	Requires []string
	Init     func(*BaseSubsystem) error
}

// RetryMinter mints retry messages. Satisfied by *message.Factory.
type RetryMinter interface {
	Retry(original *message.Message, retryCount int) (*message.Message, error)
}

// ResponseNotifier synthesizes and sends an immediate reply for a
// responseRequired message, independent of any PendingResponse timeout.
// Satisfied structurally by *response.Manager; defined locally so
// subsystem never imports response.
type ResponseNotifier interface {
	ReplyError(ownerPKR access.PKR, replyTo, correlationID, reason string) error
}

// BaseSubsystem is the composite spec.md 3 describes: mailbox + route tree +
// processor + statistics + identity, named and built exactly once.
type BaseSubsystem struct {
	name          string
	capacity      int
	weight        int
	priority      int
	isSynchronous bool
	identity      access.PKR

	mailbox   *queue.BoundedQueue
	router    *route.Tree
	proc      *processor.Processor
	sched     *processor.SubsystemScheduler
	responses ResponseNotifier

	capabilities map[string]Capability
	capOrder     []string
	built        bool
}

// Options configures New.
type Options struct {
	Capacity      int
	DropPolicy    queue.DropPolicy
	Weight        int
	Priority      int
	IsSynchronous bool
	Identity      access.PKR
	ErrSink       processor.ErrorSink
	DLQ           processor.DeadLetterSink
	RetryMinter   RetryMinter
	Responses     ResponseNotifier
}

// New builds an un-built BaseSubsystem named name. Build must be called
// before the subsystem accepts messages. Rejects every reserved name
// (spec.md 6); use NewKernel to build the one subsystem allowed to be
// named "kernel".
func New(name string, opts Options) (*BaseSubsystem, error) {
	if name == "" {
		return nil, ErrEmptyName
	}
	if ReservedNames[name] {
		return nil, errors.Wrapf(ErrReservedName, "%q", name)
	}
	return build(name, opts), nil
}

// NewKernel builds the kernel's own BaseSubsystem, the one caller allowed
// to use the reserved name "kernel" (package kernel is the only caller).
func NewKernel(opts Options) (*BaseSubsystem, error) {
	return build("kernel", opts), nil
}

func build(name string, opts Options) *BaseSubsystem {
	capacity := opts.Capacity
	if capacity <= 0 {
		capacity = 1024
	}
	weight := opts.Weight
	if weight <= 0 {
		weight = 1
	}

	mailbox := queue.New(capacity, opts.DropPolicy)
	router := route.New()
	proc := processor.New(name, mailbox, router, opts.ErrSink, opts.DLQ, opts.RetryMinter, nil)
	sched := processor.NewSubsystemScheduler(proc)

	return &BaseSubsystem{
		name:          name,
		capacity:      capacity,
		weight:        weight,
		priority:      opts.Priority,
		isSynchronous: opts.IsSynchronous,
		identity:      opts.Identity,
		mailbox:       mailbox,
		router:        router,
		proc:          proc,
		sched:         sched,
		responses:     opts.Responses,
		capabilities:  make(map[string]Capability),
	}
}

// Name returns the subsystem's unique name.
func (s *BaseSubsystem) Name() string { return s.name }

// Weight returns the subsystem's scheduler weight.
func (s *BaseSubsystem) Weight() int { return s.weight }

// Priority returns the subsystem's scheduler priority.
func (s *BaseSubsystem) Priority() int { return s.priority }

// Identity returns the subsystem's PKR.
func (s *BaseSubsystem) Identity() access.PKR { return s.identity }

// IsSynchronous reports whether this subsystem always processes inline.
func (s *BaseSubsystem) IsSynchronous() bool { return s.isSynchronous }

// Built reports whether Build has run.
func (s *BaseSubsystem) Built() bool { return s.built }

// Router exposes the route tree for registration before Build (and for the
// kernel's own route wiring).
func (s *BaseSubsystem) Router() *route.Tree { return s.router }

// Processor exposes the underlying MessageProcessor, primarily so the
// system package can wire OnResponseRequired.
func (s *BaseSubsystem) Processor() *processor.Processor { return s.proc }

// QueueDepth implements scheduler.Schedulable.
func (s *BaseSubsystem) QueueDepth() int { return s.mailbox.Size() }

// RecentLatency implements scheduler.Schedulable.
func (s *BaseSubsystem) RecentLatency() time.Duration { return s.proc.Stats().AvgProcessingTime() }

// Stats returns the processor's running counters.
func (s *BaseSubsystem) Stats() processor.Stats { return s.proc.Stats() }

// QueueStats returns the mailbox's admission counters.
func (s *BaseSubsystem) QueueStats() queue.Stats { return s.mailbox.Stats() }

// Use registers a capability. Capabilities are rejected once Build has run,
// and a capability naming a Requires dependency that was not registered
// earlier is rejected (spec.md 9: validate before construction, no runtime
// reflection).
func (s *BaseSubsystem) Use(cap Capability) error {
	if s.built {
		return errors.Wrapf(ErrAlreadyBuilt, "use %q", cap.Name)
	}
	for _, dep := range cap.Requires {
		if _, ok := s.capabilities[dep]; !ok {
			return errors.Wrapf(ErrMissingCapability, "%q requires %q", cap.Name, dep)
		}
	}
	s.capabilities[cap.Name] = cap
	s.capOrder = append(s.capOrder, cap.Name)
	return nil
}

// Capability looks up a previously-used capability by name.
func (s *BaseSubsystem) Capability(name string) (Capability, bool) {
	c, ok := s.capabilities[name]
	return c, ok
}

// RegisterRoute registers fn at pattern on this subsystem's route tree.
func (s *BaseSubsystem) RegisterRoute(pattern string, fn route.HandlerFunc, opts route.RegisterOptions) error {
	return s.router.Register(pattern, fn, opts)
}

// Build runs every registered capability's Init in registration order, then
// freezes the route tree, making the subsystem's shape immutable.
func (s *BaseSubsystem) Build() error {
	if s.built {
		return ErrAlreadyBuilt
	}
	for _, name := range s.capOrder {
		cap := s.capabilities[name]
		if cap.Init == nil {
			continue
		}
		if err := cap.Init(s); err != nil {
			return errors.Wrapf(err, "subsystem %q: init capability %q", s.name, name)
		}
	}
	s.router.Freeze()
	s.built = true
	return nil
}

// Accept enqueues msg onto the mailbox. Implements msgrouter.Destination.
// A full mailbox under RejectNew replies immediately with reason
// "queueFull" when msg carries meta.responseRequired (spec.md 7's queueFull
// row), rather than leaving the caller to wait out a PendingResponse
// timeout that was never registered.
func (s *BaseSubsystem) Accept(msg *message.Message) bool {
	if !s.built {
		return false
	}
	res := s.mailbox.Enqueue(msg)
	if !res.Accepted && msg.Meta().ResponseRequired && s.responses != nil {
		owner := s.identity
		if v, ok := msg.Meta().CustomGet("callerId"); ok {
			if pkr, ok := v.(access.PKR); ok {
				owner = pkr
			}
		}
		_ = s.responses.ReplyError(owner, msg.Meta().ReplyTo, msg.ID(), "queueFull")
	}
	return res.Accepted
}

// ProcessImmediately runs msg through the processor inline, bypassing the
// mailbox. Implements msgrouter.Destination.
func (s *BaseSubsystem) ProcessImmediately(msg *message.Message) (interface{}, error) {
	if !s.built {
		return nil, ErrNotBuilt
	}
	res := s.proc.ProcessImmediately(msg)
	return res.Value, res.Err
}

// AllocateTimeSlice implements scheduler.Schedulable.
func (s *BaseSubsystem) AllocateTimeSlice(durationMs int64) processor.TickResult {
	return s.sched.AllocateTimeSlice(durationMs)
}

// Dispose drains the mailbox to dlq with reason "shutdown" and marks the
// subsystem un-built, so a stray late Accept fails closed rather than
// silently enqueueing into an abandoned mailbox.
func (s *BaseSubsystem) Dispose(dlq processor.DeadLetterSink) {
	for _, msg := range s.mailbox.DrainAll() {
		if dlq != nil {
			dlq.Add(msg, errormgr.ReasonShutdown)
		}
	}
	s.built = false
}
