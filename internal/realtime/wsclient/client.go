// Package wsclient implements realtime.Transport over the server's websocket
// gateway. All channels of a Client share one connection; when it drops,
// every joined channel reports StatusDisconnected and is rejoined once the
// client has redialed.
package wsclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"sync"
	"time"

	"roomchat/internal/realtime"
	"roomchat/internal/utils"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait    = 10 * time.Second
	pongWait     = 60 * time.Second
	pingPeriod   = (pongWait * 9) / 10
	maxFrameSize = 1 << 20
	sendBuffer   = 256
	eventBuffer  = 256

	defaultMinBackoff = 500 * time.Millisecond
	defaultMaxBackoff = 10 * time.Second
)

var (
	ErrClosed       = errors.New("wsclient: client closed")
	ErrNotConnected = errors.New("wsclient: not connected")
)

type Option func(*Client)

func WithLogger(l *zap.Logger) Option {
	return func(c *Client) { c.log = utils.OrNop(l) }
}

// WithBackoff bounds the delay between redial attempts. The delay starts at
// min and doubles up to max.
func WithBackoff(min, max time.Duration) Option {
	return func(c *Client) {
		if min > 0 {
			c.minBackoff = min
		}
		if max >= c.minBackoff {
			c.maxBackoff = max
		}
	}
}

// TokenSource yields the join token to present on a dial.
type TokenSource func(ctx context.Context) (string, error)

// WithTokenSource makes every redial ask src for the token instead of
// reusing the one passed to Dial, so a session outlives its first token.
func WithTokenSource(src TokenSource) Option {
	return func(c *Client) { c.tokens = src }
}

func WithDialer(d *websocket.Dialer) Option {
	return func(c *Client) {
		if d != nil {
			c.dialer = d
		}
	}
}

// session is one live connection's outbound queue.
type session struct {
	conn *websocket.Conn
	out  chan []byte
	// closed when the write pump exits
	done chan struct{}
}

type Client struct {
	rawURL     string
	endpoint   string
	tokens     TokenSource
	dialer     *websocket.Dialer
	log        *zap.Logger
	minBackoff time.Duration
	maxBackoff time.Duration

	mu       sync.Mutex
	channels map[string]*channel
	pending  map[string]chan error
	sess     *session
	ref      uint64

	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// Dial connects to the gateway at rawURL, authenticating with token. The
// first dial must succeed; later drops are redialed in the background until
// Close.
func Dial(ctx context.Context, rawURL, token string, opts ...Option) (*Client, error) {
	endpoint, err := withToken(rawURL, token)
	if err != nil {
		return nil, err
	}
	c := &Client{
		rawURL:     rawURL,
		endpoint:   endpoint,
		dialer:     websocket.DefaultDialer,
		log:        zap.NewNop(),
		minBackoff: defaultMinBackoff,
		maxBackoff: defaultMaxBackoff,
		channels:   make(map[string]*channel),
		pending:    make(map[string]chan error),
		done:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}

	conn, _, err := c.dialer.DialContext(ctx, c.endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("wsclient: dial: %w", err)
	}
	c.wg.Add(1)
	go c.run(conn)
	return c, nil
}

func withToken(rawURL, token string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("wsclient: parse url: %w", err)
	}
	if token != "" {
		q := u.Query()
		q.Set("access_token", token)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

// Channel opens a channel on topic name. A client holds at most one channel
// per topic; opening a topic again closes the previous channel.
func (c *Client) Channel(name string, opts realtime.Options) realtime.Channel {
	ch := &channel{
		client: c,
		topic:  name,
		opts:   opts,
		events: make(chan realtime.Event, eventBuffer),
		done:   make(chan struct{}),
	}
	c.mu.Lock()
	prev := c.channels[name]
	c.channels[name] = ch
	c.mu.Unlock()
	if prev != nil {
		prev.shutdown(nil)
	}
	select {
	case <-c.done:
		ch.shutdown(ErrClosed)
	default:
	}
	return ch
}

// Close stops reconnecting, closes the connection and every channel.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		close(c.done)
		c.mu.Lock()
		sess := c.sess
		c.mu.Unlock()
		if sess != nil {
			_ = sess.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait))
			_ = sess.conn.Close()
		}
	})
	c.wg.Wait()

	c.mu.Lock()
	chans := make([]*channel, 0, len(c.channels))
	for _, ch := range c.channels {
		chans = append(chans, ch)
	}
	c.channels = make(map[string]*channel)
	c.mu.Unlock()
	for _, ch := range chans {
		ch.shutdown(nil)
	}
	return nil
}

func (c *Client) isClosed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

func (c *Client) run(conn *websocket.Conn) {
	defer c.wg.Done()
	for {
		c.serve(conn)
		if c.isClosed() {
			return
		}
		c.disconnectAll()

		next, ok := c.redial()
		if !ok {
			return
		}
		conn = next
	}
}

// serve runs one connection until it fails. Channels that were joined are
// rejoined first.
func (c *Client) serve(conn *websocket.Conn) {
	sess := &session{
		conn: conn,
		out:  make(chan []byte, sendBuffer),
		done: make(chan struct{}),
	}
	stop := make(chan struct{})
	go c.writePump(sess, stop)

	c.mu.Lock()
	if c.isClosed() {
		c.mu.Unlock()
		close(stop)
		<-sess.done
		return
	}
	c.sess = sess
	var joins []realtime.Frame
	for _, ch := range c.channels {
		if ch.joined {
			joins = append(joins, realtime.Frame{Type: realtime.FrameJoin, Topic: ch.topic, Options: &ch.opts})
		}
	}
	c.mu.Unlock()

	for _, f := range joins {
		if err := c.enqueue(context.Background(), sess, f); err != nil {
			break
		}
	}

	c.readPump(conn)

	c.mu.Lock()
	c.sess = nil
	c.mu.Unlock()
	close(stop)
	<-sess.done
}

func (c *Client) readPump(conn *websocket.Conn) {
	conn.SetReadLimit(maxFrameSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if !c.isClosed() && websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.Warn("ws_read_failed", zap.Error(err))
			}
			return
		}
		var f realtime.Frame
		if err := json.Unmarshal(data, &f); err != nil {
			c.log.Warn("ws_bad_frame", zap.Error(err))
			continue
		}
		c.dispatch(f)
	}
}

func (c *Client) writePump(sess *session, stop <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		close(sess.done)
		_ = sess.conn.Close()
	}()

	for {
		select {
		case <-stop:
			return
		case msg := <-sess.out:
			_ = sess.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := sess.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				c.log.Warn("ws_write_failed", zap.Error(err))
				return
			}
		case <-ticker.C:
			_ = sess.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := sess.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Client) dispatch(f realtime.Frame) {
	switch f.Type {
	case realtime.FrameJoined:
		c.resolve(f.Ref, nil)
		if ch := c.lookup(f.Topic); ch != nil {
			ch.deliver(realtime.StatusChanged{Status: realtime.StatusSubscribed})
		}
	case realtime.FrameError:
		if c.resolve(f.Ref, f.Err()) {
			return
		}
		c.log.Warn("ws_server_error", zap.String("topic", f.Topic), zap.String("error", f.Error))
	default:
		ev, ok := f.ToEvent()
		if !ok {
			c.log.Debug("ws_frame_ignored", zap.String("type", f.Type))
			return
		}
		if ch := c.lookup(f.Topic); ch != nil {
			ch.deliver(ev)
		}
	}
}

func (c *Client) lookup(topic string) *channel {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.channels[topic]
}

// resolve completes a pending join. It reports whether ref was pending.
func (c *Client) resolve(ref string, err error) bool {
	if ref == "" {
		return false
	}
	c.mu.Lock()
	wait, ok := c.pending[ref]
	delete(c.pending, ref)
	c.mu.Unlock()
	if ok {
		wait <- err
	}
	return ok
}

func (c *Client) disconnectAll() {
	c.mu.Lock()
	var dropped []*channel
	for _, ch := range c.channels {
		if ch.joined {
			dropped = append(dropped, ch)
		}
	}
	pending := c.pending
	c.pending = make(map[string]chan error)
	c.mu.Unlock()

	for _, wait := range pending {
		wait <- ErrNotConnected
	}
	for _, ch := range dropped {
		ch.deliver(realtime.StatusChanged{Status: realtime.StatusDisconnected})
	}
}

func (c *Client) redial() (*websocket.Conn, bool) {
	delay := c.minBackoff
	for attempt := 1; ; attempt++ {
		select {
		case <-c.done:
			return nil, false
		case <-time.After(delay):
		}

		ctx, cancel := context.WithTimeout(context.Background(), writeWait)
		conn, err := c.dial(ctx)
		cancel()
		if err == nil {
			c.log.Info("ws_reconnected", zap.Int("attempt", attempt))
			return conn, true
		}
		c.log.Warn("ws_redial_failed", zap.Int("attempt", attempt), zap.Duration("next", delay), zap.Error(err))

		delay *= 2
		if delay > c.maxBackoff {
			delay = c.maxBackoff
		}
	}
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	endpoint := c.endpoint
	if c.tokens != nil {
		tok, err := c.tokens(ctx)
		if err != nil {
			return nil, fmt.Errorf("wsclient: token: %w", err)
		}
		if endpoint, err = withToken(c.rawURL, tok); err != nil {
			return nil, err
		}
	}
	conn, _, err := c.dialer.DialContext(ctx, endpoint, nil)
	return conn, err
}

func (c *Client) current() *session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sess
}

func (c *Client) nextRef() string {
	c.ref++
	return strconv.FormatUint(c.ref, 10)
}

func (c *Client) enqueue(ctx context.Context, sess *session, f realtime.Frame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("wsclient: encode frame: %w", err)
	}
	select {
	case sess.out <- data:
		return nil
	case <-sess.done:
		return ErrNotConnected
	case <-ctx.Done():
		return ctx.Err()
	}
}

// write sends f on the current connection.
func (c *Client) write(ctx context.Context, f realtime.Frame) error {
	if c.isClosed() {
		return ErrClosed
	}
	sess := c.current()
	if sess == nil {
		return ErrNotConnected
	}
	return c.enqueue(ctx, sess, f)
}
