package relay

import (
	"github.com/gofrs/uuid"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
)

// ErrMuxNil is returned by every Mux method when the Mux or its underlying
// Dispatcher was never built with GetNewMux.
var ErrMuxNil = errors.New("relay: mux not initialized")

// ErrNoIDs is returned by Publish when called with zero destination ids.
var ErrNoIDs = errors.New("relay: no ids to publish to")

// Mux is a thin façade over a Dispatcher that mints its own ids and hands
// back Pipes instead of raw channels.
type Mux struct {
	d *Dispatcher
}

// GetNewMux wraps an already-started Dispatcher.
func GetNewMux(d *Dispatcher) *Mux {
	return &Mux{d: d}
}

// GetID mints a new route id on the underlying dispatcher.
func (m *Mux) GetID() (uuid.UUID, error) {
	if m == nil || m.d == nil {
		return uuid.Nil, ErrMuxNil
	}
	return m.d.GetNewID(uuid.NewV4)
}

// Subscribe returns a Pipe delivering every future Publish to id.
func (m *Mux) Subscribe(id uuid.UUID) (Pipe, error) {
	if m == nil || m.d == nil {
		return Pipe{}, ErrMuxNil
	}
	ch, err := m.d.Subscribe(id)
	if err != nil {
		return Pipe{}, err
	}
	return Pipe{C: ch, id: id, d: m.d, raw: ch}, nil
}

// Publish sends data to every id given, combining any per-id errors with
// multierr rather than stopping at the first failure.
func (m *Mux) Publish(data interface{}, ids ...uuid.UUID) error {
	if m == nil || m.d == nil {
		return ErrMuxNil
	}
	if data == nil {
		return ErrNoData
	}
	if len(ids) == 0 {
		return ErrNoIDs
	}
	var errs error
	for _, id := range ids {
		if err := m.d.Publish(id, data); err != nil {
			errs = multierr.Append(errs, err)
		}
	}
	return errs
}

// Pipe is a single subscription: a receive-only delivery channel plus a
// Release that unsubscribes it.
type Pipe struct {
	C   <-chan interface{}
	id  uuid.UUID
	d   *Dispatcher
	raw chan interface{} // same channel as C, kept bidirectional for Unsubscribe
}

// Release unsubscribes the pipe from its dispatcher. Safe to call more than
// once; the second call returns ErrChannelNotSubscribed, which callers
// reclaiming a Pipe on a best-effort basis can ignore.
func (p Pipe) Release() error {
	if p.d == nil {
		return ErrMuxNil
	}
	return p.d.Unsubscribe(p.id, p.raw)
}
