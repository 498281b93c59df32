package pubsub

import (
	"encoding/binary"
	"sync"

	"github.com/chris-alexander-pop/msgbroker/pkg/logger"
	"github.com/google/uuid"
)

// Sink is how the manager delivers a push frame payload to one client. The
// session layer implements this over a per-client queue guarded by a
// concurrency.Semaphore sized to the safety ceiling (spec §5): Push returns
// false once that ceiling is crossed, which the manager treats as "this
// client is too slow, disconnect it" rather than blocking the publisher.
type Sink interface {
	Push(payload []byte) bool
}

type client struct {
	sink Sink
}

// Manager is the Pub/Sub broker's entry point: client registry, reverse
// subscription index (for O(1) disconnect cleanup), and the map of
// per-root-topic actors.
type Manager struct {
	mu      sync.RWMutex
	actors  map[string]*actor
	clients map[uuid.UUID]*client

	// reverse: client -> set of subscribed patterns, for disconnect cleanup.
	reverseMu sync.Mutex
	reverse   map[uuid.UUID]map[string]struct{}
}

// NewManager constructs an empty manager.
func NewManager() *Manager {
	return &Manager{
		actors:  make(map[string]*actor),
		clients: make(map[uuid.UUID]*client),
		reverse: make(map[uuid.UUID]map[string]struct{}),
	}
}

// Connect registers a client's push sink and returns a guard; releasing the
// guard (Close) disconnects the client, mirroring the source's RAII session
// guard.
func (m *Manager) Connect(id uuid.UUID, sink Sink) *Session {
	m.mu.Lock()
	m.clients[id] = &client{sink: sink}
	m.mu.Unlock()
	return &Session{id: id, manager: m}
}

// Session is the RAII-style guard returned by Connect.
type Session struct {
	id      uuid.UUID
	manager *Manager
	closed  bool
}

func (s *Session) Close() {
	if s.closed {
		return
	}
	s.closed = true
	s.manager.disconnect(s.id)
}

// disconnect removes the client's sink and unsubscribes it from every
// pattern in the reverse index.
func (m *Manager) disconnect(id uuid.UUID) {
	m.mu.Lock()
	delete(m.clients, id)
	m.mu.Unlock()

	m.reverseMu.Lock()
	patterns, ok := m.reverse[id]
	delete(m.reverse, id)
	m.reverseMu.Unlock()
	if !ok {
		return
	}

	for pattern := range patterns {
		parts := splitTopic(pattern)
		root := parts[0]
		m.mu.RLock()
		a, ok := m.actors[root]
		m.mu.RUnlock()
		if !ok {
			continue
		}
		a.unsubscribe(parts[1:], id)
		m.pruneIfEmpty(root, a)
	}
}

func (m *Manager) getOrCreateActor(root string) *actor {
	m.mu.RLock()
	a, ok := m.actors[root]
	m.mu.RUnlock()
	if ok {
		return a
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if a, ok := m.actors[root]; ok {
		return a
	}
	a = newActor(root)
	m.actors[root] = a
	return a
}

func (m *Manager) pruneIfEmpty(root string, a *actor) {
	if !a.isEmptyRoot() {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.actors[root]; ok && cur == a && a.isEmptyRoot() {
		delete(m.actors, root)
	}
}

// Subscribe registers clientID under pattern and immediately delivers every
// currently-retained value matching it.
func (m *Manager) Subscribe(clientID uuid.UUID, pattern string) {
	m.reverseMu.Lock()
	if m.reverse[clientID] == nil {
		m.reverse[clientID] = make(map[string]struct{})
	}
	m.reverse[clientID][pattern] = struct{}{}
	m.reverseMu.Unlock()

	parts := splitTopic(pattern)
	a := m.getOrCreateActor(parts[0])
	hits := a.subscribe(parts[1:], clientID)

	for _, h := range hits {
		m.deliverTo(clientID, buildPushPayload(h.topic, h.payload))
	}
}

// Unsubscribe removes clientID's registration for pattern.
func (m *Manager) Unsubscribe(clientID uuid.UUID, pattern string) {
	m.reverseMu.Lock()
	if set, ok := m.reverse[clientID]; ok {
		delete(set, pattern)
	}
	m.reverseMu.Unlock()

	parts := splitTopic(pattern)
	root := parts[0]
	m.mu.RLock()
	a, ok := m.actors[root]
	m.mu.RUnlock()
	if !ok {
		return
	}
	a.unsubscribe(parts[1:], clientID)
	m.pruneIfEmpty(root, a)
}

// Publish delivers payload to every subscriber matching topic (which must
// be fully literal). Returns the number of clients it was actually
// delivered to.
func (m *Manager) Publish(topic string, payload []byte, retain bool, ttlMs int64) int {
	parts := splitTopic(topic)
	var a *actor
	if retain {
		a = m.getOrCreateActor(parts[0])
	} else {
		m.mu.RLock()
		existing, ok := m.actors[parts[0]]
		m.mu.RUnlock()
		if !ok {
			return 0
		}
		a = existing
	}
	targets := a.publish(parts[1:], payload, retain, ttlMs)

	frame := buildPushPayload(topic, payload)
	sent := 0
	for id := range targets {
		if m.deliverTo(id, frame) {
			sent++
		}
	}
	return sent
}

// deliverTo best-effort delivers an already-built push frame payload: an
// unknown client is skipped; a client whose sink refuses the push (it has
// crossed its safety ceiling) is disconnected. Neither case ever blocks the
// publisher.
func (m *Manager) deliverTo(id uuid.UUID, frame []byte) bool {
	m.mu.RLock()
	c, ok := m.clients[id]
	m.mu.RUnlock()
	if !ok {
		return false
	}

	if !c.sink.Push(frame) {
		logger.L().Warn("pubsub client exceeded push ceiling, disconnecting", "client", id)
		m.disconnect(id)
		return false
	}
	return true
}

// Snapshot is a point-in-time read-only summary of the broker, for the
// out-of-scope dashboard/CLI named in spec §1 (the dashboard itself is a
// Non-goal; this accessor is the external interface it would consume).
type Snapshot struct {
	ConnectedClients int
	Subscriptions    int // total (client, pattern) registrations
	ActiveRootTopics int
}

// Snapshot reports the number of connected clients, total subscription
// registrations, and active root-topic actors.
func (m *Manager) Snapshot() Snapshot {
	m.mu.RLock()
	clients := len(m.clients)
	roots := len(m.actors)
	m.mu.RUnlock()

	m.reverseMu.Lock()
	subs := 0
	for _, set := range m.reverse {
		subs += len(set)
	}
	m.reverseMu.Unlock()

	return Snapshot{ConnectedClients: clients, Subscriptions: subs, ActiveRootTopics: roots}
}

// buildPushPayload encodes [topic-len u32][topic-bytes][payload-bytes],
// built once per publish/retained-delivery and reused across clients.
func buildPushPayload(topic string, payload []byte) []byte {
	buf := make([]byte, 4+len(topic)+len(payload))
	binary.BigEndian.PutUint32(buf[0:4], uint32(len(topic)))
	copy(buf[4:4+len(topic)], topic)
	copy(buf[4+len(topic):], payload)
	return buf
}
