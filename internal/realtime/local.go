package realtime

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const defaultRejoinDelay = 500 * time.Millisecond

// Local is an in-process Transport bound directly to a Hub. Each channel
// behaves like a separate connection: it has its own connection id, and if
// the hub drops it (Kick) it reports StatusDisconnected and rejoins.
type Local struct {
	hub    *Hub
	rejoin time.Duration
	log    *zap.Logger
}

type LocalOption func(*Local)

// WithRejoinDelay sets how long a dropped local channel waits before
// rejoining the hub.
func WithRejoinDelay(d time.Duration) LocalOption {
	return func(l *Local) { l.rejoin = d }
}

func WithLocalLogger(log *zap.Logger) LocalOption {
	return func(l *Local) {
		if log != nil {
			l.log = log
		}
	}
}

func NewLocal(hub *Hub, opts ...LocalOption) *Local {
	l := &Local{hub: hub, rejoin: defaultRejoinDelay, log: zap.NewNop()}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *Local) Channel(name string, opts Options) Channel {
	return &localChannel{
		hub:    l.hub,
		name:   name,
		opts:   opts,
		connID: uuid.New().String(),
		rejoin: l.rejoin,
		log:    l.log,
		events: make(chan Event, defaultBuffer),
		done:   make(chan struct{}),
	}
}

type localChannel struct {
	hub    *Hub
	name   string
	opts   Options
	connID string
	rejoin time.Duration
	log    *zap.Logger

	events chan Event
	done   chan struct{}
	wg     sync.WaitGroup

	mu      sync.Mutex
	sub     *Subscription
	started bool
	closed  bool
}

func (c *localChannel) Name() string         { return c.name }
func (c *localChannel) Events() <-chan Event { return c.events }
func (c *localChannel) ConnID() string       { return c.connID }

func (c *localChannel) Subscribe(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrChannelClosed
	}
	if c.started {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	sub, err := c.hub.Join(c.name, c.connID, c.opts)
	if err != nil {
		return err
	}
	c.sub = sub
	c.started = true
	c.wg.Add(1)
	go c.run(sub)
	return nil
}

// run is the only writer to c.events and closes it on exit.
func (c *localChannel) run(sub *Subscription) {
	defer c.wg.Done()
	defer close(c.events)

	for {
		if !c.emit(StatusChanged{Status: StatusSubscribed}) {
			return
		}
		for ev := range sub.C() {
			if !c.emit(ev) {
				return
			}
		}

		if c.isClosed() {
			c.tryEmit(StatusChanged{Status: StatusClosed})
			return
		}
		c.log.Debug("local_channel_dropped", zap.String("topic", c.name), zap.String("conn", c.connID))
		if !c.emit(StatusChanged{Status: StatusDisconnected}) {
			return
		}

		select {
		case <-c.done:
			c.tryEmit(StatusChanged{Status: StatusClosed})
			return
		case <-time.After(c.rejoin):
		}

		next, err := c.hub.Join(c.name, c.connID, c.opts)
		if err != nil {
			c.tryEmit(StatusChanged{Status: StatusClosed, Err: err})
			return
		}
		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			c.hub.Leave(next)
			c.tryEmit(StatusChanged{Status: StatusClosed})
			return
		}
		c.sub = next
		c.mu.Unlock()
		sub = next
	}
}

func (c *localChannel) emit(ev Event) bool {
	select {
	case c.events <- ev:
		return true
	case <-c.done:
		return false
	}
}

func (c *localChannel) tryEmit(ev Event) {
	select {
	case c.events <- ev:
	default:
	}
}

func (c *localChannel) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *localChannel) current() (*Subscription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrChannelClosed
	}
	if c.sub == nil {
		return nil, ErrNotSubscribed
	}
	return c.sub, nil
}

func (c *localChannel) Send(ctx context.Context, event string, payload interface{}) error {
	sub, err := c.current()
	if err != nil {
		return err
	}
	data, err := encodePayload(payload)
	if err != nil {
		return err
	}
	return c.hub.Broadcast(sub, event, data)
}

func (c *localChannel) Track(ctx context.Context, state interface{}) error {
	sub, err := c.current()
	if err != nil {
		return err
	}
	data, err := encodePayload(state)
	if err != nil {
		return err
	}
	return c.hub.Track(sub, data)
}

func (c *localChannel) Untrack(ctx context.Context) error {
	sub, err := c.current()
	if err != nil {
		return err
	}
	return c.hub.Untrack(sub)
}

// Close leaves the hub, stops delivery and waits for the event loop to
// exit. Events() is closed afterwards.
func (c *localChannel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	close(c.done)
	sub := c.sub
	started := c.started
	c.mu.Unlock()

	if sub != nil {
		c.hub.Leave(sub)
	}
	if !started {
		close(c.events)
		return nil
	}
	c.wg.Wait()
	return nil
}
