// Package rchannel implements the ChannelManager: named, multi-participant
// reply-addressing surfaces that a request's meta.replyTo can target,
// fanning out to every participant when a reply is posted.
package rchannel

import (
	"sync"

	"github.com/gofrs/uuid"
	"github.com/pkg/errors"

	"github.com/thrasher-corp/msgkernel/access"
	"github.com/thrasher-corp/msgkernel/relay"
)

// ErrAlreadyRegistered is returned by RegisterChannel when the route is
// already in use.
var ErrAlreadyRegistered = errors.New("rchannel: route already registered")

// ErrNotFound is returned by operations against an unregistered route.
var ErrNotFound = errors.New("rchannel: channel not found")

// ErrAccessDenied is returned by AddParticipant/RemoveParticipant/Publish
// when the caller is neither the channel's owner nor an existing
// participant.
var ErrAccessDenied = errors.New("rchannel: access denied")

// Channel is a named reply-addressing surface: a route, its owner, and the
// set of participants a publish to that route fans out to.
type Channel struct {
	Route        string
	OwnerPKR     access.PKR
	Participants map[access.PKR]bool
	Metadata     map[string]interface{}

	routeID uuid.UUID
}

// Manager is the ChannelManager. Fan-out to participants is expressed as
// one relay.Pipe per participant subscribed under the channel's mux-minted
// route id, so posting a reply is a single relay.Mux.Publish rather than a
// hand-rolled broadcast loop.
type Manager struct {
	mu              sync.RWMutex
	mux             *relay.Mux
	channels        map[string]*Channel
	channelsByOwner map[access.PKR]map[string]bool
	pipesByRoute    map[string]map[access.PKR]relay.Pipe
}

// New builds a Manager backed by mux, an already-started relay.Mux shared
// with (or dedicated from) the rest of the kernel.
func New(mux *relay.Mux) *Manager {
	return &Manager{
		mux:             mux,
		channels:        make(map[string]*Channel),
		channelsByOwner: make(map[access.PKR]map[string]bool),
		pipesByRoute:    make(map[string]map[access.PKR]relay.Pipe),
	}
}

// RegisterChannel creates a Channel at route owned by ownerPKR. The owner is
// always an implicit participant.
func (m *Manager) RegisterChannel(route string, ownerPKR access.PKR, metadata map[string]interface{}) (*Channel, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.channels[route]; exists {
		return nil, errors.Wrapf(ErrAlreadyRegistered, "%q", route)
	}
	routeID, err := m.mux.GetID()
	if err != nil {
		return nil, errors.Wrap(err, "rchannel: mint route id")
	}
	ch := &Channel{
		Route:        route,
		OwnerPKR:     ownerPKR,
		Participants: map[access.PKR]bool{ownerPKR: true},
		Metadata:     metadata,
		routeID:      routeID,
	}
	m.channels[route] = ch
	if m.channelsByOwner[ownerPKR] == nil {
		m.channelsByOwner[ownerPKR] = make(map[string]bool)
	}
	m.channelsByOwner[ownerPKR][route] = true
	m.pipesByRoute[route] = make(map[access.PKR]relay.Pipe)

	if err := m.subscribeLocked(ch, ownerPKR); err != nil {
		delete(m.channels, route)
		delete(m.channelsByOwner[ownerPKR], route)
		delete(m.pipesByRoute, route)
		return nil, err
	}
	return ch, nil
}

// UnregisterChannel removes route and releases every participant's Pipe.
func (m *Manager) UnregisterChannel(route string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ch, ok := m.channels[route]
	if !ok {
		return errors.Wrapf(ErrNotFound, "%q", route)
	}
	for _, pipe := range m.pipesByRoute[route] {
		pipe.Release()
	}
	delete(m.pipesByRoute, route)
	delete(m.channels, route)
	if owners := m.channelsByOwner[ch.OwnerPKR]; owners != nil {
		delete(owners, route)
		if len(owners) == 0 {
			delete(m.channelsByOwner, ch.OwnerPKR)
		}
	}
	return nil
}

// AddParticipant adds who to route's participant set. callerPKR must be the
// channel's owner or an existing participant.
func (m *Manager) AddParticipant(route string, callerPKR, who access.PKR) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ch, ok := m.channels[route]
	if !ok {
		return errors.Wrapf(ErrNotFound, "%q", route)
	}
	if !canUseLocked(ch, callerPKR) {
		return ErrAccessDenied
	}
	ch.Participants[who] = true
	return m.subscribeLocked(ch, who)
}

// RemoveParticipant removes who from route's participant set, releasing its
// Pipe. callerPKR must be the channel's owner or an existing participant.
func (m *Manager) RemoveParticipant(route string, callerPKR, who access.PKR) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ch, ok := m.channels[route]
	if !ok {
		return errors.Wrapf(ErrNotFound, "%q", route)
	}
	if !canUseLocked(ch, callerPKR) {
		return ErrAccessDenied
	}
	delete(ch.Participants, who)
	if pipe, ok := m.pipesByRoute[route][who]; ok {
		pipe.Release()
		delete(m.pipesByRoute[route], who)
	}
	return nil
}

// CanUseChannel reports whether callerPKR is the channel's owner or an
// existing participant.
func (m *Manager) CanUseChannel(route string, callerPKR access.PKR) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ch, ok := m.channels[route]
	if !ok {
		return false
	}
	return canUseLocked(ch, callerPKR)
}

// VerifyAccess is CanUseChannel expressed as an error return, for callers
// that want a reason rather than a bool.
func (m *Manager) VerifyAccess(route string, callerPKR access.PKR) error {
	if !m.CanUseChannel(route, callerPKR) {
		return ErrAccessDenied
	}
	return nil
}

// Publish fans data out to every participant of route. callerPKR must be
// the channel's owner or an existing participant.
func (m *Manager) Publish(route string, callerPKR access.PKR, data interface{}) error {
	m.mu.RLock()
	ch, ok := m.channels[route]
	if !ok {
		m.mu.RUnlock()
		return errors.Wrapf(ErrNotFound, "%q", route)
	}
	if !canUseLocked(ch, callerPKR) {
		m.mu.RUnlock()
		return ErrAccessDenied
	}
	routeID := ch.routeID
	m.mu.RUnlock()
	return m.mux.Publish(data, routeID)
}

// Stream returns a dedicated relay.Pipe subscribed to route's fan-out, for
// a caller (the HTTP/WebSocket adapter) that wants to read replies directly
// rather than becoming a tracked Participant. callerPKR must be the
// channel's owner or an existing participant; the returned Pipe must be
// Released by the caller once it stops reading.
func (m *Manager) Stream(route string, callerPKR access.PKR) (relay.Pipe, error) {
	m.mu.RLock()
	ch, ok := m.channels[route]
	if !ok {
		m.mu.RUnlock()
		return relay.Pipe{}, errors.Wrapf(ErrNotFound, "%q", route)
	}
	if !canUseLocked(ch, callerPKR) {
		m.mu.RUnlock()
		return relay.Pipe{}, ErrAccessDenied
	}
	routeID := ch.routeID
	m.mu.RUnlock()
	return m.mux.Subscribe(routeID)
}

// Get returns the Channel registered at route, if any.
func (m *Manager) Get(route string) (*Channel, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ch, ok := m.channels[route]
	return ch, ok
}

func canUseLocked(ch *Channel, callerPKR access.PKR) bool {
	if callerPKR == ch.OwnerPKR {
		return true
	}
	return ch.Participants[callerPKR]
}

func (m *Manager) subscribeLocked(ch *Channel, who access.PKR) error {
	if _, already := m.pipesByRoute[ch.Route][who]; already {
		return nil
	}
	pipe, err := m.mux.Subscribe(ch.routeID)
	if err != nil {
		return errors.Wrap(err, "rchannel: subscribe participant")
	}
	m.pipesByRoute[ch.Route][who] = pipe
	return nil
}
