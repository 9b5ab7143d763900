// Package processor implements the per-subsystem message pipeline: the
// MessageProcessor that drains one message at a time through route
// matching, retry/backoff and statistics, and the SubsystemScheduler that
// allocates it a bounded time slice per tick.
package processor

import (
	"time"

	"github.com/pkg/errors"
	"github.com/sourcegraph/conc/panics"

	"github.com/thrasher-corp/msgkernel/common"
	"github.com/thrasher-corp/msgkernel/errormgr"
	"github.com/thrasher-corp/msgkernel/message"
	"github.com/thrasher-corp/msgkernel/queue"
	"github.com/thrasher-corp/msgkernel/route"
)

// ErrUnroutable is the handlerErr passed to OnResponseRequired when a
// message matched no route at all (spec.md 7's unroutable row).
var ErrUnroutable = errors.New("processor: unroutable")

// ErrorSink is the subset of errormgr.Manager a Processor needs: classify
// and record raw failures. Defined locally so processor never imports
// errormgr's concrete Manager type, only this shape.
type ErrorSink interface {
	Classify(raw interface{}, subsystem string) errormgr.Record
	Record(rec errormgr.Record) errormgr.Record
}

// DeadLetterSink is the subset of errormgr.DeadLetterQueue a Processor
// needs.
type DeadLetterSink interface {
	Add(msg *message.Message, reason errormgr.DLQReason)
}

// RetryMinter mints a retry message carrying the next attempt of original.
// Satisfied by *message.Factory.
type RetryMinter interface {
	Retry(original *message.Message, retryCount int) (*message.Message, error)
}

// Stats are the running counters spec.md 4.6 requires per subsystem.
type Stats struct {
	MessagesProcessed     int64
	ProcessingErrors      int64
	TransactionsCompleted int64
	totalProcessingTime   time.Duration
}

// AvgProcessingTime returns the running mean handler duration.
func (s Stats) AvgProcessingTime() time.Duration {
	calls := s.MessagesProcessed + s.ProcessingErrors
	if calls == 0 {
		return 0
	}
	return s.totalProcessingTime / time.Duration(calls)
}

// Result reports the outcome of one ProcessTick call.
type Result struct {
	Processed bool
	Yield     bool
	// Empty reports that the mailbox had nothing left to dequeue. Distinct
	// from Processed=false on a buffered out-of-order transaction message,
	// which means the mailbox may still hold more work this tick.
	Empty bool
	Err   error
	// Value is the route handler's return value, set on every successful
	// handler call (from ProcessTick or ProcessImmediately).
	Value interface{}
}

type txnState struct {
	total   int
	nextSeq int
	buffer  map[int]*message.Message
}

// Processor drains a single subsystem's mailbox, one message per tick,
// through route matching, handler invocation, retry/backoff and DLQ
// routing.
type Processor struct {
	subsystemName string
	mailbox       *queue.BoundedQueue
	router        *route.Tree
	errSink       ErrorSink
	dlq           DeadLetterSink
	retryMinter   RetryMinter
	clock         common.Clock

	// OnResponseRequired is invoked synchronously for a message carrying
	// meta.ResponseRequired when its handler succeeds, when it matches no
	// route, and when a failed message is dead-lettered; a failure that
	// schedules a retry does not invoke it. Wiring this to response.Manager happens in the
	// system package; Processor itself stays ignorant of ResponseManager.
	OnResponseRequired func(msg *message.Message, result interface{}, handlerErr error)

	stats Stats
	txns  map[string]*txnState
	ready []*message.Message
}

// New builds a Processor for one subsystem's mailbox/router, backed by the
// given error sink, dead-letter sink, and retry minter.
func New(subsystemName string, mailbox *queue.BoundedQueue, router *route.Tree, errSink ErrorSink, dlq DeadLetterSink, retryMinter RetryMinter, clock common.Clock) *Processor {
	if clock == nil {
		clock = common.RealClock{}
	}
	return &Processor{
		subsystemName: subsystemName,
		mailbox:       mailbox,
		router:        router,
		errSink:       errSink,
		dlq:           dlq,
		retryMinter:   retryMinter,
		clock:         clock,
		txns:          make(map[string]*txnState),
	}
}

// Stats returns a snapshot of the processor's running counters.
func (p *Processor) Stats() Stats { return p.stats }

// ProcessTick drains and handles at most one message: either one already
// queued from a prior transaction-reorder admission, or the mailbox head.
// Returns Processed=false (with no error) when the mailbox is empty or the
// dequeued message was buffered pending an earlier sequence number.
func (p *Processor) ProcessTick() Result {
	if len(p.ready) > 0 {
		msg := p.ready[0]
		p.ready = p.ready[1:]
		return p.handle(msg)
	}

	msg := p.mailbox.Dequeue()
	if msg == nil {
		return Result{Empty: true}
	}

	if msg.Kind() == message.KindTransaction && msg.Meta().HasSeq {
		readyNow := p.admitTransaction(msg)
		if len(readyNow) == 0 {
			return Result{Processed: false}
		}
		first := readyNow[0]
		p.ready = append(p.ready, readyNow[1:]...)
		return p.handle(first)
	}

	return p.handle(msg)
}

// ProcessImmediately runs msg through the full pipeline synchronously,
// bypassing the mailbox entirely (spec.md 4.6: synchronous mode short-
// circuits steps 1-6 and the scheduler never sees it).
func (p *Processor) ProcessImmediately(msg *message.Message) Result {
	return p.handle(msg)
}

func (p *Processor) admitTransaction(msg *message.Message) []*message.Message {
	txnID := msg.Meta().TransactionID
	st, ok := p.txns[txnID]
	if !ok {
		total := 0
		if v, ok := msg.Meta().CustomGet("transactionTotal"); ok {
			if n, ok := v.(int); ok {
				total = n
			}
		}
		st = &txnState{total: total, buffer: make(map[int]*message.Message)}
		p.txns[txnID] = st
	}
	st.buffer[msg.Meta().Seq] = msg

	var out []*message.Message
	for {
		next, ok := st.buffer[st.nextSeq]
		if !ok {
			break
		}
		out = append(out, next)
		delete(st.buffer, st.nextSeq)
		st.nextSeq++
	}
	if st.total > 0 && st.nextSeq >= st.total && len(st.buffer) == 0 {
		delete(p.txns, txnID)
	}
	return out
}

// handle runs the full per-message pipeline: route match, handler
// invocation (panic-safe), retry/DLQ on failure, stats update.
func (p *Processor) handle(msg *message.Message) Result {
	start := p.clock.Now()
	matches := p.router.MatchAll(msg.PathString())
	if len(matches) == 0 {
		p.recordAndDrop(msg, errormgr.Record{Type: errormgr.TypeUnroutable, Severity: errormgr.SeverityWarn}, errormgr.ReasonUnroutable)
		err := errors.Wrapf(ErrUnroutable, "%q", msg.PathString())
		if msg.Meta().ResponseRequired && p.OnResponseRequired != nil {
			p.OnResponseRequired(msg, nil, err)
		}
		return Result{Processed: true, Err: err}
	}

	match := matches[0]
	var result interface{}
	var handlerErr error
	var c panics.Catcher
	c.Try(func() {
		result, handlerErr = match.Handler(match.Params)
	})
	if r := c.Recovered(); r != nil {
		handlerErr = errors.Errorf("processor: handler panic: %v", r.AsError())
	}

	p.finishTransactionIfDone(msg)
	p.recordDuration(start)

	if handlerErr != nil {
		return p.handleFailure(msg, handlerErr)
	}

	p.stats.MessagesProcessed++
	if msg.Meta().ResponseRequired && p.OnResponseRequired != nil {
		p.OnResponseRequired(msg, result, nil)
	}
	return Result{Processed: true, Value: result}
}

func (p *Processor) finishTransactionIfDone(msg *message.Message) {
	if msg.Kind() != message.KindTransaction {
		return
	}
	v, ok := msg.Meta().CustomGet("transactionTotal")
	if !ok {
		return
	}
	total, ok := v.(int)
	if !ok || total == 0 {
		return
	}
	if msg.Meta().Seq == total-1 {
		p.stats.TransactionsCompleted++
	}
}

func (p *Processor) recordDuration(start time.Time) {
	p.stats.totalProcessingTime += p.clock.Now().Sub(start)
}

func (p *Processor) handleFailure(msg *message.Message, handlerErr error) Result {
	p.stats.ProcessingErrors++
	p.errSink.Classify(handlerErr, p.subsystemName)

	if noRetry, _ := msg.Meta().CustomGet("noRetry"); noRetry == true {
		p.deadLetter(msg, errormgr.ReasonMaxRetries)
		if msg.Meta().ResponseRequired && p.OnResponseRequired != nil {
			p.OnResponseRequired(msg, nil, handlerErr)
		}
		return Result{Processed: true, Err: handlerErr}
	}

	retryCount := 0
	if v, ok := msg.Meta().CustomGet("retryCount"); ok {
		if n, ok := v.(int); ok {
			retryCount = n
		}
	}
	if retryCount >= msg.Meta().MaxRetries {
		p.deadLetter(msg, errormgr.ReasonMaxRetries)
		if msg.Meta().ResponseRequired && p.OnResponseRequired != nil {
			p.OnResponseRequired(msg, nil, handlerErr)
		}
		return Result{Processed: true, Err: handlerErr}
	}

	retry, err := p.retryMinter.Retry(msg, retryCount+1)
	if err != nil {
		return Result{Processed: true, Err: errors.Wrap(err, "processor: mint retry")}
	}
	time.AfterFunc(common.Backoff(retryCount+1), func() {
		p.mailbox.Enqueue(retry)
	})
	return Result{Processed: true, Err: handlerErr}
}

func (p *Processor) recordAndDrop(msg *message.Message, rec errormgr.Record, reason errormgr.DLQReason) {
	rec.Subsystem = p.subsystemName
	p.errSink.Record(rec)
	p.deadLetter(msg, reason)
}

func (p *Processor) deadLetter(msg *message.Message, reason errormgr.DLQReason) {
	if p.dlq != nil {
		p.dlq.Add(msg, reason)
	}
}
