package realtime

import (
	"encoding/json"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const defaultBuffer = 256

// Subscription is one membership of a connection in a topic. Events for
// the subscriber are queued on C until the subscription leaves, at which
// point C is closed.
type Subscription struct {
	ID     string
	ConnID string
	Topic  string

	opts Options
	ch   chan Event
}

// C returns the subscription's event queue.
func (s *Subscription) C() <-chan Event { return s.ch }

type topic struct {
	name string
	subs map[*Subscription]struct{}
	// subscription id -> last tracked state
	presence map[string]json.RawMessage
}

// Hub is the server side of the transport. It keeps, per topic, the set of
// subscriptions and the presence state each one last tracked, and fans out
// row changes, broadcasts and presence snapshots to them.
//
// Delivery never blocks: each subscription has a bounded queue and events
// that do not fit are dropped.
type Hub struct {
	mu sync.RWMutex
	// topic name -> topic
	topics map[string]*topic
	// connID -> subscriptions owned by that connection
	conns map[string]map[*Subscription]struct{}

	buffer int
	log    *zap.Logger
	closed bool
}

type HubOption func(*Hub)

// WithBuffer sets the per-subscription queue length.
func WithBuffer(n int) HubOption {
	return func(h *Hub) {
		if n > 0 {
			h.buffer = n
		}
	}
}

func WithLogger(l *zap.Logger) HubOption {
	return func(h *Hub) {
		if l != nil {
			h.log = l
		}
	}
}

func NewHub(opts ...HubOption) *Hub {
	h := &Hub{
		topics: make(map[string]*topic),
		conns:  make(map[string]map[*Subscription]struct{}),
		buffer: defaultBuffer,
		log:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Join subscribes connID to a topic. When the options include presence the
// current snapshot is queued to the new subscriber immediately.
func (h *Hub) Join(topicName, connID string, opts Options) (*Subscription, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return nil, ErrHubClosed
	}

	t, ok := h.topics[topicName]
	if !ok {
		t = &topic{
			name:     topicName,
			subs:     make(map[*Subscription]struct{}),
			presence: make(map[string]json.RawMessage),
		}
		h.topics[topicName] = t
		topicsGauge.Inc()
	}

	sub := &Subscription{
		ID:     uuid.New().String(),
		ConnID: connID,
		Topic:  topicName,
		opts:   opts,
		ch:     make(chan Event, h.buffer),
	}
	t.subs[sub] = struct{}{}
	if _, ok := h.conns[connID]; !ok {
		h.conns[connID] = make(map[*Subscription]struct{})
	}
	h.conns[connID][sub] = struct{}{}
	subscriptionsGauge.Inc()

	if opts.Presence {
		h.deliver(sub, PresenceSynced{State: snapshot(t)})
	}

	h.log.Debug("hub_join", zap.String("topic", topicName), zap.String("conn", connID), zap.String("sub", sub.ID))
	return sub, nil
}

// Leave removes the subscription and closes its queue. If it had tracked
// presence, the remaining presence subscribers receive a new snapshot.
// Leaving twice is a no-op.
func (h *Hub) Leave(sub *Subscription) {
	if sub == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.leaveLocked(sub)
}

func (h *Hub) leaveLocked(sub *Subscription) {
	t, ok := h.topics[sub.Topic]
	if !ok {
		return
	}
	if _, ok := t.subs[sub]; !ok {
		return
	}

	delete(t.subs, sub)
	if conns, ok := h.conns[sub.ConnID]; ok {
		delete(conns, sub)
		if len(conns) == 0 {
			delete(h.conns, sub.ConnID)
		}
	}
	close(sub.ch)
	subscriptionsGauge.Dec()

	if _, tracked := t.presence[sub.ID]; tracked {
		delete(t.presence, sub.ID)
		h.syncLocked(t)
	}

	if len(t.subs) == 0 {
		delete(h.topics, t.name)
		topicsGauge.Dec()
	}
	h.log.Debug("hub_leave", zap.String("topic", sub.Topic), zap.String("conn", sub.ConnID), zap.String("sub", sub.ID))
}

// PublishChange fans a row change out to every subscription on the topic
// whose filters match. It returns the number of subscribers queued.
func (h *Hub) PublishChange(topicName string, c Change) int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	t, ok := h.topics[topicName]
	if !ok {
		return 0
	}
	n := 0
	ev := RowChanged{Change: c}
	for sub := range t.subs {
		if !sub.opts.wantsChange(c) {
			continue
		}
		if h.deliver(sub, ev) {
			n++
		}
	}
	return n
}

// Broadcast sends an ephemeral event from one subscription to the others on
// its topic. The sender only receives it back when it subscribed with Self.
func (h *Hub) Broadcast(from *Subscription, event string, payload json.RawMessage) error {
	h.mu.RLock()
	defer h.mu.RUnlock()

	t, ok := h.topics[from.Topic]
	if !ok {
		return ErrNotSubscribed
	}
	if _, ok := t.subs[from]; !ok {
		return ErrNotSubscribed
	}

	ev := BroadcastReceived{Event: event, From: from.ConnID, Payload: payload}
	for sub := range t.subs {
		if sub == from && !sub.opts.Broadcast.Self {
			continue
		}
		if !sub.opts.wantsBroadcast(event) {
			continue
		}
		h.deliver(sub, ev)
	}
	return nil
}

// Track records state as the subscription's presence and pushes the full
// snapshot to every presence subscriber on the topic. Tracking again
// replaces the previous state.
func (h *Hub) Track(sub *Subscription, state json.RawMessage) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	t, ok := h.topics[sub.Topic]
	if !ok {
		return ErrNotSubscribed
	}
	if _, ok := t.subs[sub]; !ok {
		return ErrNotSubscribed
	}
	t.presence[sub.ID] = state
	h.syncLocked(t)
	return nil
}

func (h *Hub) Untrack(sub *Subscription) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	t, ok := h.topics[sub.Topic]
	if !ok {
		return ErrNotSubscribed
	}
	if _, ok := t.presence[sub.ID]; !ok {
		return nil
	}
	delete(t.presence, sub.ID)
	h.syncLocked(t)
	return nil
}

// Presence returns a copy of the topic's presence state.
func (h *Hub) Presence(topicName string) map[string]json.RawMessage {
	h.mu.RLock()
	defer h.mu.RUnlock()

	t, ok := h.topics[topicName]
	if !ok {
		return map[string]json.RawMessage{}
	}
	return snapshot(t)
}

// Kick drops every subscription held by a connection, as if the connection
// had been lost. It returns how many subscriptions were dropped.
func (h *Hub) Kick(connID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()

	subs := h.conns[connID]
	n := 0
	for sub := range subs {
		h.leaveLocked(sub)
		n++
	}
	return n
}

// Close drops every subscription; later joins fail with ErrHubClosed.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.closed = true
	for _, t := range h.topics {
		for sub := range t.subs {
			h.leaveLocked(sub)
		}
	}
}

func (h *Hub) syncLocked(t *topic) {
	ev := PresenceSynced{State: snapshot(t)}
	for sub := range t.subs {
		if sub.opts.Presence {
			h.deliver(sub, ev)
		}
	}
}

// deliver must be called with h.mu held; queues are only closed under the
// write lock, so a send here never races a close.
func (h *Hub) deliver(sub *Subscription, ev Event) bool {
	select {
	case sub.ch <- ev:
		eventsDelivered.WithLabelValues(ev.kind()).Inc()
		return true
	default:
		eventsDropped.WithLabelValues(ev.kind()).Inc()
		h.log.Warn("hub_event_dropped", zap.String("topic", sub.Topic), zap.String("sub", sub.ID), zap.String("kind", ev.kind()))
		return false
	}
}

func snapshot(t *topic) map[string]json.RawMessage {
	state := make(map[string]json.RawMessage, len(t.presence))
	for k, v := range t.presence {
		state[k] = v
	}
	return state
}
