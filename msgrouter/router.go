// Package msgrouter implements the top-level MessageRouter: extracting the
// target subsystem from a message's path and delivering it either to the
// kernel or to a registered subsystem's mailbox.
package msgrouter

import (
	"github.com/thrasher-corp/msgkernel/errormgr"
	"github.com/thrasher-corp/msgkernel/message"
)

// Destination is what the router can deliver a message to: the kernel
// itself is registered under its own name like any other destination, so
// Route never needs a special case for it. Satisfied structurally by
// subsystem.BaseSubsystem and by kernel.KernelSubsystem.
type Destination interface {
	Accept(msg *message.Message) bool
	ProcessImmediately(msg *message.Message) (interface{}, error)
}

// Registry resolves a subsystem name to its Destination. Satisfied by
// system.Registry; defined locally so msgrouter never imports system.
type Registry interface {
	Get(name string) (Destination, bool)
}

// ErrorSink is the subset of errormgr.Manager the router needs.
type ErrorSink interface {
	Record(rec errormgr.Record) errormgr.Record
}

// DeadLetterSink is the subset of errormgr.DeadLetterQueue the router needs.
type DeadLetterSink interface {
	Add(msg *message.Message, reason errormgr.DLQReason)
}

// Stats are the router-level counters spec.md 4.8 requires.
type Stats struct {
	MessagesRouted  int64
	KernelRoutes    int64
	SubsystemRoutes int64
	UnknownRoutes   int64
	InvalidPaths    int64
	EnqueueFailures int64
}

// Result reports the outcome of one Route call.
type Result struct {
	Success bool
	Result  interface{}
	Error   string
}

// Router is the MS-level MessageRouter.
type Router struct {
	registry   Registry
	kernelName string
	errSink    ErrorSink
	dlq        DeadLetterSink
	stats      Stats
}

// New builds a Router delivering to destinations resolved through registry,
// treating kernelName as the reserved destination name for kernel-bound
// messages.
func New(registry Registry, kernelName string, errSink ErrorSink, dlq DeadLetterSink) *Router {
	return &Router{registry: registry, kernelName: kernelName, errSink: errSink, dlq: dlq}
}

// Stats returns a snapshot of the router's counters.
func (r *Router) Stats() Stats { return r.stats }

// Route implements spec.md 4.8's five-step algorithm.
func (r *Router) Route(msg *message.Message) Result {
	path, err := message.ParsePath(msg.PathString())
	if err != nil {
		r.stats.InvalidPaths++
		r.record(errormgr.Record{Type: errormgr.TypeInvalidPath, Severity: errormgr.SeverityWarn})
		return Result{Success: false, Error: "invalid path"}
	}

	dest, ok := r.registry.Get(path.Subsystem)
	if !ok {
		r.stats.UnknownRoutes++
		r.record(errormgr.Record{Type: errormgr.TypeUnknownSubsystem, Severity: errormgr.SeverityWarn, Subsystem: path.Subsystem})
		r.deadLetter(msg, errormgr.ReasonUnknownSubsystem)
		return Result{Success: false, Error: "unknown subsystem"}
	}

	r.stats.MessagesRouted++
	if path.Subsystem == r.kernelName {
		r.stats.KernelRoutes++
	} else {
		r.stats.SubsystemRoutes++
	}

	if msg.Meta().ProcessImmediately {
		result, err := dest.ProcessImmediately(msg)
		if err != nil {
			return Result{Success: false, Result: result, Error: err.Error()}
		}
		return Result{Success: true, Result: result}
	}

	if !dest.Accept(msg) {
		r.stats.EnqueueFailures++
		return Result{Success: false, Error: "queue full"}
	}
	return Result{Success: true}
}

func (r *Router) record(rec errormgr.Record) {
	if r.errSink != nil {
		r.errSink.Record(rec)
	}
}

func (r *Router) deadLetter(msg *message.Message, reason errormgr.DLQReason) {
	if r.dlq != nil {
		r.dlq.Add(msg, reason)
	}
}
