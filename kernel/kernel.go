// Package kernel implements the KernelSubsystem: the single subsystem
// named "kernel" that every non-kernel caller must send through, and the
// host for the built-in service subsystems (access control, response
// routing, channels, error classification, dead-lettering).
package kernel

import (
	"time"

	"github.com/pkg/errors"

	"github.com/thrasher-corp/msgkernel/access"
	"github.com/thrasher-corp/msgkernel/errormgr"
	"github.com/thrasher-corp/msgkernel/message"
	"github.com/thrasher-corp/msgkernel/msgrouter"
	"github.com/thrasher-corp/msgkernel/processor"
	"github.com/thrasher-corp/msgkernel/rchannel"
	"github.com/thrasher-corp/msgkernel/response"
	"github.com/thrasher-corp/msgkernel/subsystem"
)

// ErrAccessDenied is returned by SendProtected when the access check
// against the target subsystem's owner fails.
var ErrAccessDenied = errors.New("kernel: access denied")

// DefaultResponseTimeout is used for a responseRequired message that did not
// set meta.ttl, so a caller forgetting to set one still gets a bounded wait
// rather than a PendingResponse leaked forever.
const DefaultResponseTimeout = 5 * time.Second

// Router forwards a message to its destination. Satisfied structurally by
// *msgrouter.Router; defined locally so kernel depends on msgrouter only
// through this narrow surface.
type Router interface {
	Route(msg *message.Message) msgrouter.Result
}

// IdentityRegistry resolves a subsystem name to its owner PKR, so the
// kernel can run an access check before a message is ever handed to the
// router. Satisfied by system.Registry.
type IdentityRegistry interface {
	Identity(subsystemName string) (access.PKR, bool)
}

// KernelSubsystem is itself a subsystem named "kernel" (built with
// subsystem.NewKernel, since subsystem.New rejects that reserved name),
// hosting the built-in service subsystems spec.md 4.9 names.
type KernelSubsystem struct {
	*subsystem.BaseSubsystem

	principal access.PKR
	registry  IdentityRegistry
	router    Router

	AccessControl *access.Control
	Responses     *response.Manager
	Channels      *rchannel.Manager
	Errors        *errormgr.Manager
	DeadLetters   *errormgr.DeadLetterQueue
}

// Options configures the capacity of the kernel's own error store and
// dead-letter queue, mirroring spec.md 6's MessageSystem.new config map
// (errorStoreCapacity, deadLetterCapacity).
type Options struct {
	ErrorStoreCapacity int
	DeadLetterCapacity int
}

// New builds the kernel subsystem. principal is the kernel's own PKR (the
// distinguished identity access.Control treats as always-allowed);
// registry resolves target subsystem owners for the access check in
// SendProtected; factory mints the synthetic timeout replies ResponseManager
// raises and mints retries for the kernel's own mailbox. The router is
// wired in afterward via SetRouter, since the router itself needs the
// kernel's registration in its Registry to exist first.
func New(principal access.PKR, registry IdentityRegistry, factory *message.Factory, kernelOpts Options, opts subsystem.Options) (*KernelSubsystem, error) {
	errCap := kernelOpts.ErrorStoreCapacity
	if errCap <= 0 {
		errCap = 1000
	}
	dlqCap := kernelOpts.DeadLetterCapacity
	if dlqCap <= 0 {
		dlqCap = 1000
	}
	errMgr := errormgr.NewManager(errCap)
	dlq := errormgr.NewDeadLetterQueue(dlqCap)

	respMgr, err := response.New(factory, nil)
	if err != nil {
		return nil, errors.Wrap(err, "kernel: build response manager")
	}

	opts.Identity = principal
	opts.ErrSink = errMgr
	opts.DLQ = dlq
	opts.RetryMinter = factory
	opts.Responses = respMgr
	base, err := subsystem.NewKernel(opts)
	if err != nil {
		return nil, errors.Wrap(err, "kernel: build base subsystem")
	}

	k := &KernelSubsystem{
		BaseSubsystem: base,
		principal:     principal,
		registry:      registry,
		AccessControl: access.New(principal),
		Responses:     respMgr,
		Errors:        errMgr,
		DeadLetters:   dlq,
	}
	respMgr.SetSender(k)
	WireResponseRequired(base, respMgr)
	return k, nil
}

// WireResponseRequired assigns sub's processor OnResponseRequired hook so a
// successfully handled responseRequired message's result becomes its causal
// reply (spec.md 7's testable causal-reply property), and an unroutable one
// gets an immediate error reply instead of waiting out a PendingResponse
// timeout that no one registered. A message dead-lettered after exhausting
// its retries relies on the eventual timeout reply (spec.md 7's maxretries
// row is DLQ-only; it does not add a reply obligation of its own). Exported
// so the system package can wire every subsystem it registers the same way
// the kernel wires its own.
func WireResponseRequired(sub *subsystem.BaseSubsystem, responses *response.Manager) {
	sub.Processor().OnResponseRequired = func(msg *message.Message, result interface{}, handlerErr error) {
		owner := sub.Identity()
		if v, ok := msg.Meta().CustomGet("callerId"); ok {
			if pkr, ok := v.(access.PKR); ok {
				owner = pkr
			}
		}
		switch {
		case errors.Is(handlerErr, processor.ErrUnroutable):
			_ = responses.ReplyError(owner, msg.Meta().ReplyTo, msg.ID(), "unroutable")
		case handlerErr != nil:
			return
		default:
			_ = responses.Reply(owner, msg.Meta().ReplyTo, msg.ID(), message.KindResponse, result)
		}
	}
}

// SetRouter wires the MessageRouter used by SendProtected, once it has been
// constructed against a registry that includes this kernel.
func (k *KernelSubsystem) SetRouter(r Router) { k.router = r }

// SetChannels wires the ChannelManager, built separately because it needs a
// relay.Mux the system package constructs once and shares.
func (k *KernelSubsystem) SetChannels(c *rchannel.Manager) { k.Channels = c }

// Principal returns the kernel's own PKR.
func (k *KernelSubsystem) Principal() access.PKR { return k.principal }

// SendProtected is the only supported send path for non-kernel callers
// (spec.md 4.9). It stamps meta.custom.callerId from callerPKR, overwriting
// any prior value so callers cannot spoof identity, checks access against
// the target subsystem's owner PKR, and on allow forwards to the router.
func (k *KernelSubsystem) SendProtected(callerPKR access.PKR, msg *message.Message) error {
	msg.Meta().CustomSet("callerId", callerPKR)
	meta := msg.Meta()

	path, err := message.ParsePath(msg.PathString())
	if err != nil {
		k.recordAndDrop(msg, errormgr.TypeInvalidPath, errormgr.ReasonUnroutable)
		if meta.ResponseRequired {
			_ = k.Responses.ReplyError(callerPKR, meta.ReplyTo, msg.ID(), "unroutable")
		}
		return errors.Wrap(err, "kernel: invalid path")
	}

	if ownerPKR, ok := k.registry.Identity(path.Subsystem); ok {
		if !k.AccessControl.CanAccess(callerPKR, ownerPKR, access.Write) {
			k.recordAndDrop(msg, errormgr.TypeAuthFailed, errormgr.ReasonAuthFailed)
			if meta.ResponseRequired {
				_ = k.Responses.ReplyError(callerPKR, meta.ReplyTo, msg.ID(), "auth_failed")
			}
			return errors.Wrapf(ErrAccessDenied, "caller -> %q", path.Subsystem)
		}
	}

	// Per spec.md 4.9/4.10's ordering requirement, a responseRequired
	// message registers its PendingResponse before routing, so an inline
	// (processImmediately) reply always finds its pending entry already
	// present. A message that is itself a reply (meta.inReplyTo set)
	// resolves the pending entry the request registered, then still routes
	// normally so the replyTo subsystem's own handler also sees it.
	if meta.ResponseRequired {
		timeout := meta.TTL
		if timeout <= 0 {
			timeout = DefaultResponseTimeout
		}
		if _, err := k.Responses.Register(callerPKR, msg, meta.ReplyTo, int(timeout.Milliseconds())); err != nil {
			return errors.Wrap(err, "kernel: register pending response")
		}
	}
	if meta.InReplyTo != "" {
		k.Responses.HandleResponse(msg)
	}

	if k.router == nil {
		return errors.New("kernel: router not wired")
	}
	res := k.router.Route(msg)
	if !res.Success {
		return errors.Errorf("kernel: route failed: %s", res.Error)
	}
	return nil
}

func (k *KernelSubsystem) recordAndDrop(msg *message.Message, kind errormgr.Type, reason errormgr.DLQReason) {
	sev := errormgr.SeverityWarn
	if kind == errormgr.TypeAuthFailed {
		sev = errormgr.SeverityError
	}
	k.Errors.Record(errormgr.Record{Type: kind, Severity: sev, Subsystem: "kernel"})
	k.DeadLetters.Add(msg, reason)
}
