// Package typing broadcasts the local user's typing state and tracks who
// else in the room is typing. Signals are best effort: nothing is stored,
// acknowledged or retried.
package typing

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"roomchat/internal/models"
	"roomchat/internal/realtime"
	"roomchat/internal/utils"

	"go.uber.org/zap"
)

// EventName is the broadcast event carrying models.TypingPayload.
const EventName = "typing"

// ChannelOptions subscribes to typing broadcasts from others only.
func ChannelOptions() realtime.Options {
	return realtime.Options{Broadcast: realtime.BroadcastOptions{Events: []string{EventName}, Self: false}}
}

type cmdKind int

const (
	cmdKeystroke cmdKind = iota
	cmdStop
	cmdRename
)

type command struct {
	kind cmdKind
	name string
}

type Option func(*Coordinator)

func WithLogger(l *zap.Logger) Option {
	return func(c *Coordinator) { c.log = utils.OrNop(l) }
}

func WithOnChange(fn func()) Option {
	return func(c *Coordinator) { c.onChange = fn }
}

// WithTimings overrides the idle timeout, sweep interval and stale age.
func WithTimings(idle, sweep, stale time.Duration) Option {
	return func(c *Coordinator) {
		c.idle, c.sweep, c.stale = idle, sweep, stale
	}
}

// Coordinator owns all typing state. Its Run loop is the only goroutine that
// touches timers or broadcasts; Keystroke, Stop and Rename post commands to
// it.
type Coordinator struct {
	ch       realtime.Channel
	log      *zap.Logger
	onChange func()
	idle     time.Duration
	sweep    time.Duration
	stale    time.Duration

	cmds chan command
	done chan struct{}

	mu   sync.RWMutex
	self string
	set  Set
}

func New(ch realtime.Channel, name string, opts ...Option) *Coordinator {
	c := &Coordinator{
		ch:       ch,
		log:      zap.NewNop(),
		onChange: func() {},
		idle:     IdleTimeout,
		sweep:    SweepInterval,
		stale:    StaleAfter,
		cmds:     make(chan command, 16),
		done:     make(chan struct{}),
		self:     name,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Coordinator) Start(ctx context.Context) error {
	return c.ch.Subscribe(ctx)
}

func (c *Coordinator) post(cmd command) {
	select {
	case c.cmds <- cmd:
	case <-c.done:
	}
}

// Keystroke reports local input activity.
func (c *Coordinator) Keystroke() { c.post(command{kind: cmdKeystroke}) }

// Stop ends the local typing state immediately, e.g. on send.
func (c *Coordinator) Stop() { c.post(command{kind: cmdStop}) }

// Rename changes the local identity. An active typing state is stopped
// under the old name first.
func (c *Coordinator) Rename(name string) { c.post(command{kind: cmdRename, name: name}) }

// Run processes commands, timers and channel events until the channel is
// closed or ctx ends.
func (c *Coordinator) Run(ctx context.Context) {
	defer close(c.done)

	var (
		out      Outbound
		timer    *time.Timer
		deadline <-chan time.Time
	)
	rearm := func(now time.Time) {
		if timer != nil {
			timer.Stop()
			timer, deadline = nil, nil
		}
		if d, ok := out.Deadline(); ok {
			timer = time.NewTimer(d.Sub(now))
			deadline = timer.C
		}
	}
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	sweep := time.NewTicker(c.sweep)
	defer sweep.Stop()

	events := c.ch.Events()
	for {
		select {
		case <-ctx.Done():
			return

		case cmd := <-c.cmds:
			now := time.Now()
			switch cmd.kind {
			case cmdKeystroke:
				var start bool
				out, start = out.Keystroke(now, c.idle)
				if start {
					c.broadcast(ctx, true)
				}
			case cmdStop:
				var stop bool
				out, stop = out.Stop()
				if stop {
					c.broadcast(ctx, false)
				}
			case cmdRename:
				var stop bool
				out, stop = out.Stop()
				if stop {
					c.broadcast(ctx, false)
				}
				c.mu.Lock()
				c.self = cmd.name
				c.mu.Unlock()
			}
			rearm(now)

		case now := <-deadline:
			timer, deadline = nil, nil
			var stop bool
			out, stop = out.Expire(now)
			if stop {
				c.broadcast(ctx, false)
			}
			rearm(now)

		case now := <-sweep.C:
			c.update(func(s Set) Set { return s.Sweep(now, c.stale) })

		case ev, ok := <-events:
			if !ok {
				return
			}
			switch e := ev.(type) {
			case realtime.BroadcastReceived:
				if e.Event != EventName {
					continue
				}
				var p models.TypingPayload
				if err := json.Unmarshal(e.Payload, &p); err != nil {
					c.log.Debug("typing_bad_payload", zap.Error(err))
					continue
				}
				now, self := time.Now(), c.Self()
				c.update(func(s Set) Set { return s.Apply(p, self, now) })
			case realtime.StatusChanged:
				if e.Status == realtime.StatusDisconnected {
					out = Outbound{}
					rearm(time.Now())
					c.update(func(Set) Set { return Set{} })
				}
			}
		}
	}
}

func (c *Coordinator) broadcast(ctx context.Context, typing bool) {
	p := models.TypingPayload{UserName: c.Self(), IsTyping: typing}
	if err := c.ch.Send(ctx, EventName, p); err != nil {
		c.log.Debug("typing_broadcast_failed", zap.Bool("typing", typing), zap.Error(err))
	}
}

func (c *Coordinator) update(fn func(Set) Set) {
	c.mu.Lock()
	before := c.set
	c.set = fn(c.set)
	changed := len(before.entries) != len(c.set.entries) || !sameNames(before, c.set)
	c.mu.Unlock()
	if changed {
		c.onChange()
	}
}

func sameNames(a, b Set) bool {
	for i := range a.entries {
		if a.entries[i].name != b.entries[i].name {
			return false
		}
	}
	return true
}

func (c *Coordinator) Self() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.self
}

// Typers returns the remote users currently typing, in first-seen order.
func (c *Coordinator) Typers() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.set.Names()
}

func (c *Coordinator) Text() string {
	return Text(c.Typers())
}
