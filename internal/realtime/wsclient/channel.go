package wsclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"roomchat/internal/realtime"

	"go.uber.org/zap"
)

type channel struct {
	client *Client
	topic  string
	opts   realtime.Options

	// guarded by client.mu
	joined bool

	events    chan realtime.Event
	done      chan struct{}
	sendMu    sync.Mutex
	closeOnce sync.Once
}

func (ch *channel) Name() string                  { return ch.topic }
func (ch *channel) Events() <-chan realtime.Event { return ch.events }

// Subscribe joins the topic. When connected it waits for the server's ack;
// otherwise the join is sent once the client reconnects.
func (ch *channel) Subscribe(ctx context.Context) error {
	c := ch.client
	if ch.isClosed() {
		return realtime.ErrChannelClosed
	}

	c.mu.Lock()
	if c.channels[ch.topic] != ch {
		c.mu.Unlock()
		return realtime.ErrChannelClosed
	}
	if ch.joined {
		c.mu.Unlock()
		return nil
	}
	ch.joined = true
	sess := c.sess
	if sess == nil {
		c.mu.Unlock()
		return nil
	}
	ref := c.nextRef()
	wait := make(chan error, 1)
	c.pending[ref] = wait
	c.mu.Unlock()

	opts := ch.opts
	f := realtime.Frame{Type: realtime.FrameJoin, Topic: ch.topic, Ref: ref, Options: &opts}
	if err := c.enqueue(ctx, sess, f); err != nil {
		c.forget(ref)
		if errors.Is(err, ErrNotConnected) {
			return nil
		}
		ch.unjoin()
		return err
	}

	select {
	case err := <-wait:
		if errors.Is(err, ErrNotConnected) {
			return nil
		}
		if err != nil {
			ch.unjoin()
			return fmt.Errorf("wsclient: join %s: %w", ch.topic, err)
		}
		return nil
	case <-ctx.Done():
		c.forget(ref)
		return ctx.Err()
	}
}

func (c *Client) forget(ref string) {
	c.mu.Lock()
	delete(c.pending, ref)
	c.mu.Unlock()
}

func (ch *channel) unjoin() {
	ch.client.mu.Lock()
	ch.joined = false
	ch.client.mu.Unlock()
}

func (ch *channel) Send(ctx context.Context, event string, payload interface{}) error {
	data, err := encode(payload)
	if err != nil {
		return err
	}
	return ch.write(ctx, realtime.Frame{Type: realtime.FrameBroadcast, Topic: ch.topic, Event: event, Payload: data})
}

func (ch *channel) Track(ctx context.Context, state interface{}) error {
	data, err := encode(state)
	if err != nil {
		return err
	}
	return ch.write(ctx, realtime.Frame{Type: realtime.FrameTrack, Topic: ch.topic, Payload: data})
}

func (ch *channel) Untrack(ctx context.Context) error {
	return ch.write(ctx, realtime.Frame{Type: realtime.FrameUntrack, Topic: ch.topic})
}

func (ch *channel) write(ctx context.Context, f realtime.Frame) error {
	if ch.isClosed() {
		return realtime.ErrChannelClosed
	}
	ch.client.mu.Lock()
	joined := ch.joined
	ch.client.mu.Unlock()
	if !joined {
		return realtime.ErrNotSubscribed
	}
	return ch.client.write(ctx, f)
}

// Close leaves the topic (best effort) and closes Events().
func (ch *channel) Close() error {
	c := ch.client
	c.mu.Lock()
	owned := c.channels[ch.topic] == ch
	if owned {
		delete(c.channels, ch.topic)
	}
	joined := ch.joined
	ch.joined = false
	sess := c.sess
	c.mu.Unlock()

	if owned && joined && sess != nil {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		if err := c.enqueue(ctx, sess, realtime.Frame{Type: realtime.FrameLeave, Topic: ch.topic}); err != nil {
			c.log.Debug("ws_leave_not_sent", zap.String("topic", ch.topic), zap.Error(err))
		}
		cancel()
	}
	ch.shutdown(nil)
	return nil
}

// deliver queues ev unless the channel is closed. It blocks while the
// buffer is full.
func (ch *channel) deliver(ev realtime.Event) {
	ch.sendMu.Lock()
	defer ch.sendMu.Unlock()
	select {
	case <-ch.done:
		return
	default:
	}
	select {
	case ch.events <- ev:
	case <-ch.done:
	}
}

func (ch *channel) shutdown(err error) {
	ch.closeOnce.Do(func() {
		close(ch.done)
		ch.sendMu.Lock()
		select {
		case ch.events <- realtime.StatusChanged{Status: realtime.StatusClosed, Err: err}:
		default:
		}
		close(ch.events)
		ch.sendMu.Unlock()
	})
}

func (ch *channel) isClosed() bool {
	select {
	case <-ch.done:
		return true
	default:
		return false
	}
}

func encode(v interface{}) (json.RawMessage, error) {
	if raw, ok := v.(json.RawMessage); ok {
		return raw, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("wsclient: encode payload: %w", err)
	}
	return data, nil
}
