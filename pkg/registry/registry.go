// Package registry implements the key registry described by the rendezvous
// handshake: a single actor goroutine owns the key -> registration mapping,
// the per-registration subscriber bookkeeping, and the stream-slot handoff
// between a registered local-server agent and the clients subscribed to its
// key.
//
// Every registry mutation is serialized through Manager.Run's task channel;
// callers never touch the underlying maps directly, matching the actor
// shape spec.md asks reimplementations to preserve rather than collapsing
// into a mutex-guarded map (see DESIGN.md).
package registry

import (
	"errors"
	"net"

	"github.com/pg9182/pb-mapper/pkg/connid"
	"github.com/rs/zerolog"
)

// DefaultMailboxSize is the default bounded capacity of a registration's
// pending stream-request mailbox.
const DefaultMailboxSize = 32

var (
	ErrAlreadyRegistered = errors.New("registry: key already registered")
	ErrUnknownKey        = errors.New("registry: unknown key")
	ErrMailboxFull       = errors.New("registry: pending stream request mailbox is full")
	ErrNoPendingRequest  = errors.New("registry: no pending stream request for key")
)

// ClientResultKind discriminates the asynchronous replies a subscriber
// receives on its reply channel.
type ClientResultKind int

const (
	// SubscribeOK acknowledges a Subscribe, carrying whether the
	// registration requires codec mode and the registered agent's conn id
	// (stable for the registration's lifetime, so the client handler can
	// reply to its caller without waiting for the data leg). A StreamReady
	// or SubscribeFailed follows later.
	SubscribeOK ClientResultKind = iota
	// SubscribeFailed reports that the key was unknown, or the
	// registration disappeared before a slot was produced.
	SubscribeFailed
	// StreamReady delivers the data-leg connection opened by the
	// registered agent in response to this subscriber's stream request.
	StreamReady
)

// ClientResult is sent on a subscriber's reply channel.
type ClientResult struct {
	Kind      ClientResultKind
	NeedCodec bool
	ServerID  connid.ID
	Stream    net.Conn
}

// registration is the manager's private record of one registered key. It
// must only be touched from the Manager.Run goroutine.
type registration struct {
	key          string
	serverConnID connid.ID
	needCodec    bool
	ctl          chan<- ControlEvent

	// pending holds the client conn ids awaiting a stream slot, in
	// Subscribe arrival order; StreamReady always satisfies the oldest
	// entry first.
	pending []connid.ID

	// subscribers maps a live client conn id to the channel used to
	// deliver it results. Entries are removed on DeregisterClient.
	subscribers map[connid.ID]chan<- ClientResult
}

// ControlEvent is delivered to the control-connection goroutine owning a
// registration so it can relay a stream request (or, eventually, other
// control-plane events) to the local-server agent over the wire.
type ControlEvent struct {
	ClientID connid.ID
}

// Manager owns the registry and processes tasks submitted via its exported
// methods from any goroutine. Manager.Run must be started exactly once
// before any method is called, and must keep running for the lifetime of
// the rendezvous server.
type Manager struct {
	log   zerolog.Logger
	tasks chan task
}

// NewManager creates a Manager. Call Run in its own goroutine before using
// it.
func NewManager(log zerolog.Logger) *Manager {
	return &Manager{
		log:   log,
		tasks: make(chan task, 64),
	}
}

// Run processes tasks until ctx-like done is unnecessary: the manager has no
// independent shutdown signal because the registry has no persistent state
// to flush; callers stop submitting tasks and let Run's goroutine exit with
// the process.
func (m *Manager) Run() {
	reg := make(map[string]*registration)     // key -> registration
	byConnID := make(map[connid.ID]*registration) // server_conn_id -> registration, for StreamReady lookups

	for t := range m.tasks {
		switch t := t.(type) {
		case registerTask:
			m.handleRegister(reg, byConnID, t)
		case subscribeTask:
			m.handleSubscribe(reg, t)
		case streamReadyTask:
			m.handleStreamReady(byConnID, t)
		case deregisterServerTask:
			m.handleDeregisterServer(reg, byConnID, t)
		case deregisterClientTask:
			m.handleDeregisterClient(reg, t)
		case statusTask:
			m.handleStatus(reg, t)
		}
	}
}

func (m *Manager) handleRegister(reg map[string]*registration, byConnID map[connid.ID]*registration, t registerTask) {
	if _, exists := reg[t.key]; exists {
		t.reply <- ErrAlreadyRegistered
		return
	}
	r := &registration{
		key:          t.key,
		serverConnID: t.connID,
		needCodec:    t.needCodec,
		ctl:          t.ctl,
		subscribers:  make(map[connid.ID]chan<- ClientResult),
	}
	reg[t.key] = r
	byConnID[t.connID] = r
	m.log.Info().Str("key", t.key).Uint32("conn_id", uint32(t.connID)).Bool("codec", t.needCodec).Msg("registered key")
	t.reply <- nil
}

func (m *Manager) handleSubscribe(reg map[string]*registration, t subscribeTask) {
	r, ok := reg[t.key]
	if !ok {
		t.reply <- ClientResult{Kind: SubscribeFailed}
		return
	}
	if len(r.pending) >= DefaultMailboxSize {
		t.reply <- ClientResult{Kind: SubscribeFailed}
		return
	}

	r.subscribers[t.clientID] = t.reply
	r.pending = append(r.pending, t.clientID)

	select {
	case r.ctl <- ControlEvent{ClientID: t.clientID}:
		t.reply <- ClientResult{Kind: SubscribeOK, NeedCodec: r.needCodec, ServerID: r.serverConnID}
	default:
		// the control connection's outbound channel is full or gone;
		// treat this subscriber as failed rather than block the manager.
		delete(r.subscribers, t.clientID)
		r.pending = removeID(r.pending, t.clientID)
		t.reply <- ClientResult{Kind: SubscribeFailed}
	}
}

func (m *Manager) handleStreamReady(byConnID map[connid.ID]*registration, t streamReadyTask) {
	r, ok := byConnID[t.serverConnID]
	if !ok || len(r.pending) == 0 {
		t.stream.Close()
		return
	}
	clientID := r.pending[0]
	r.pending = r.pending[1:]

	reply, ok := r.subscribers[clientID]
	if !ok {
		t.stream.Close()
		return
	}
	reply <- ClientResult{Kind: StreamReady, ServerID: t.serverConnID, Stream: t.stream}
}

func (m *Manager) handleDeregisterServer(reg map[string]*registration, byConnID map[connid.ID]*registration, t deregisterServerTask) {
	r, ok := reg[t.key]
	if !ok {
		return
	}
	delete(reg, t.key)
	delete(byConnID, r.serverConnID)

	for _, reply := range r.subscribers {
		select {
		case reply <- ClientResult{Kind: SubscribeFailed}:
		default:
		}
	}
	m.log.Info().Str("key", t.key).Int("subscribers", len(r.subscribers)).Msg("deregistered server connection")
}

func (m *Manager) handleDeregisterClient(reg map[string]*registration, t deregisterClientTask) {
	r, ok := reg[t.key]
	if !ok {
		return
	}
	delete(r.subscribers, t.clientID)
	r.pending = removeID(r.pending, t.clientID)
}

func (m *Manager) handleStatus(reg map[string]*registration, t statusTask) {
	switch t.op {
	case StatusRemoteIDs:
		var ids []connid.ID
		for _, r := range reg {
			ids = append(ids, r.serverConnID)
		}
		t.reply <- StatusResult{RemoteIDs: ids}
	case StatusKeys:
		var keys []string
		for k := range reg {
			keys = append(keys, k)
		}
		t.reply <- StatusResult{Keys: keys}
	}
}

func removeID(ids []connid.ID, id connid.ID) []connid.ID {
	for i, x := range ids {
		if x == id {
			return append(ids[:i], ids[i+1:]...)
		}
	}
	return ids
}
