package msgrouter

import (
	"testing"

	"github.com/thrasher-corp/msgkernel/errormgr"
	"github.com/thrasher-corp/msgkernel/message"
)

type fakeDest struct {
	accepted     []*message.Message
	acceptResult bool
	immediate    func(*message.Message) (interface{}, error)
}

func (f *fakeDest) Accept(msg *message.Message) bool {
	if f.acceptResult {
		f.accepted = append(f.accepted, msg)
	}
	return f.acceptResult
}

func (f *fakeDest) ProcessImmediately(msg *message.Message) (interface{}, error) {
	if f.immediate != nil {
		return f.immediate(msg)
	}
	return nil, nil
}

type fakeRegistry struct {
	dests map[string]Destination
}

func (r *fakeRegistry) Get(name string) (Destination, bool) {
	d, ok := r.dests[name]
	return d, ok
}

type fakeSink struct{ records []errormgr.Record }

func (f *fakeSink) Record(rec errormgr.Record) errormgr.Record {
	f.records = append(f.records, rec)
	return rec
}

type fakeDLQ struct{ reasons []errormgr.DLQReason }

func (f *fakeDLQ) Add(msg *message.Message, reason errormgr.DLQReason) {
	f.reasons = append(f.reasons, reason)
}

func newTestMessage(t *testing.T, path string, opts ...message.Option) *message.Message {
	t.Helper()
	f, err := message.NewFactory()
	if err != nil {
		t.Fatalf("NewFactory: %v", err)
	}
	msg, err := f.Create(path, message.KindSimple, "body", opts...)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	return msg
}

func TestRouteDeliversToKnownSubsystem(t *testing.T) {
	t.Parallel()
	dest := &fakeDest{acceptResult: true}
	reg := &fakeRegistry{dests: map[string]Destination{"svc": dest}}
	r := New(reg, "kernel", &fakeSink{}, &fakeDLQ{})

	msg := newTestMessage(t, "svc://echo")
	res := r.Route(msg)
	if !res.Success {
		t.Fatalf("expected success, got %+v", res)
	}
	if len(dest.accepted) != 1 {
		t.Fatalf("expected 1 accepted message, got %d", len(dest.accepted))
	}
	if r.Stats().SubsystemRoutes != 1 {
		t.Fatalf("expected 1 subsystem route, got %d", r.Stats().SubsystemRoutes)
	}
}

func TestRouteToKernelCountsKernelRoute(t *testing.T) {
	t.Parallel()
	dest := &fakeDest{acceptResult: true}
	reg := &fakeRegistry{dests: map[string]Destination{"kernel": dest}}
	r := New(reg, "kernel", &fakeSink{}, &fakeDLQ{})

	msg := newTestMessage(t, "kernel://op")
	res := r.Route(msg)
	if !res.Success {
		t.Fatalf("expected success, got %+v", res)
	}
	if r.Stats().KernelRoutes != 1 {
		t.Fatalf("expected 1 kernel route, got %d", r.Stats().KernelRoutes)
	}
}

func TestRouteUnknownSubsystemGoesToDLQ(t *testing.T) {
	t.Parallel()
	reg := &fakeRegistry{dests: map[string]Destination{}}
	sink := &fakeSink{}
	dlq := &fakeDLQ{}
	r := New(reg, "kernel", sink, dlq)

	msg := newTestMessage(t, "missing://op")
	res := r.Route(msg)
	if res.Success {
		t.Fatal("expected failure for unknown subsystem")
	}
	if r.Stats().UnknownRoutes != 1 {
		t.Fatalf("expected 1 unknown route, got %d", r.Stats().UnknownRoutes)
	}
	if len(dlq.reasons) != 1 || dlq.reasons[0] != errormgr.ReasonUnknownSubsystem {
		t.Fatalf("expected 1 unknownSubsystem DLQ entry, got %+v", dlq.reasons)
	}
	if len(sink.records) != 1 || sink.records[0].Type != errormgr.TypeUnknownSubsystem {
		t.Fatalf("expected 1 unknownSubsystem error record, got %+v", sink.records)
	}
}

func TestRouteQueueFullCountsEnqueueFailure(t *testing.T) {
	t.Parallel()
	dest := &fakeDest{acceptResult: false}
	reg := &fakeRegistry{dests: map[string]Destination{"svc": dest}}
	r := New(reg, "kernel", &fakeSink{}, &fakeDLQ{})

	res := r.Route(newTestMessage(t, "svc://echo"))
	if res.Success {
		t.Fatal("expected failure when Accept rejects")
	}
	if r.Stats().EnqueueFailures != 1 {
		t.Fatalf("expected 1 enqueue failure, got %d", r.Stats().EnqueueFailures)
	}
}

func TestRouteProcessImmediatelyBypassesAccept(t *testing.T) {
	t.Parallel()
	dest := &fakeDest{immediate: func(m *message.Message) (interface{}, error) { return "sync-result", nil }}
	reg := &fakeRegistry{dests: map[string]Destination{"svc": dest}}
	r := New(reg, "kernel", &fakeSink{}, &fakeDLQ{})

	msg := newTestMessage(t, "svc://echo", message.WithProcessImmediately())
	res := r.Route(msg)
	if !res.Success || res.Result != "sync-result" {
		t.Fatalf("unexpected result: %+v", res)
	}
	if len(dest.accepted) != 0 {
		t.Fatal("expected ProcessImmediately to bypass Accept entirely")
	}
}
