package handlers

import (
	"errors"
	"sync"
	"time"

	"roomchat/internal/realtime"
	"roomchat/internal/services"
	"roomchat/internal/utils"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	writeWait    = 10 * time.Second
	pongWait     = 60 * time.Second
	pingPeriod   = (pongWait * 9) / 10
	maxFrameSize = 1 << 20
	outBuffer    = 256
)

var (
	errForbiddenTopic = errors.New("topic belongs to another room")
	errRateLimited    = errors.New("rate limited")
	errUnknownFrame   = errors.New("unknown frame type")
)

var (
	gatewayConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "roomchat",
		Subsystem: "gateway",
		Name:      "connections",
		Help:      "Open websocket connections.",
	})
	gatewayRejected = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "roomchat",
		Subsystem: "gateway",
		Name:      "frames_rejected_total",
		Help:      "Client frames answered with an error, by reason.",
	}, []string{"reason"})
)

func init() {
	prometheus.MustRegister(gatewayConnections, gatewayRejected)
}

// GatewayConfig limits client frames per connection.
type GatewayConfig struct {
	Rate  rate.Limit
	Burst int
}

// Gateway bridges websocket connections to the hub. Each connection may
// join any topic of the room its token was issued for.
type Gateway struct {
	hub *realtime.Hub
	cfg GatewayConfig
	log *zap.Logger
}

func NewGateway(hub *realtime.Hub, cfg GatewayConfig, log *zap.Logger) *Gateway {
	if cfg.Rate <= 0 {
		cfg.Rate = 20
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 40
	}
	return &Gateway{hub: hub, cfg: cfg, log: utils.OrNop(log)}
}

// Handler upgrades the request. AuthMiddleware must run first.
func (g *Gateway) Handler() fiber.Handler {
	return websocket.New(g.serve)
}

// conn is one websocket client. Only serve's read loop touches subs; every
// write goes through out so the write pump is the single writer.
type conn struct {
	id      string
	room    string
	ws      *websocket.Conn
	hub     *realtime.Hub
	log     *zap.Logger
	limiter *rate.Limiter

	subs map[string]*realtime.Subscription
	out  chan realtime.Frame
	done chan struct{}
	fwd  sync.WaitGroup
}

func (g *Gateway) serve(ws *websocket.Conn) {
	claims, _ := ws.Locals(localClaims).(*services.JoinClaims)
	if claims == nil {
		_ = ws.Close()
		return
	}

	c := &conn{
		id:      uuid.New().String(),
		room:    claims.Room,
		ws:      ws,
		hub:     g.hub,
		log:     g.log.With(zap.String("room", claims.Room), zap.String("user", claims.Name)),
		limiter: rate.NewLimiter(g.cfg.Rate, g.cfg.Burst),
		subs:    make(map[string]*realtime.Subscription),
		out:     make(chan realtime.Frame, outBuffer),
		done:    make(chan struct{}),
	}
	gatewayConnections.Inc()
	c.log.Info("ws_connected", zap.String("conn", c.id))

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		c.writePump()
	}()

	c.readPump()

	// leaving every topic closes each subscription queue, which ends its
	// forwarder
	g.hub.Kick(c.id)
	c.fwd.Wait()
	close(c.out)
	<-writerDone

	gatewayConnections.Dec()
	c.log.Info("ws_disconnected", zap.String("conn", c.id))
}

func (c *conn) readPump() {
	c.ws.SetReadLimit(maxFrameSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		msgType, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.Debug("ws_read_failed", zap.Error(err))
			}
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}

		var f realtime.Frame
		if err := utils.SafeJSONParse(data, &f); err != nil {
			c.reject(realtime.Frame{}, "bad_json", err)
			continue
		}
		if !c.limiter.Allow() {
			c.reject(f, "rate", errRateLimited)
			continue
		}
		c.handle(f)
	}
}

func (c *conn) handle(f realtime.Frame) {
	switch f.Type {
	case realtime.FrameJoin:
		c.join(f)
	case realtime.FrameLeave:
		if sub, ok := c.subs[f.Topic]; ok {
			delete(c.subs, f.Topic)
			c.hub.Leave(sub)
		}
	case realtime.FrameBroadcast:
		sub, ok := c.subs[f.Topic]
		if !ok {
			c.reject(f, "not_joined", realtime.ErrNotSubscribed)
			return
		}
		if err := c.hub.Broadcast(sub, f.Event, f.Payload); err != nil {
			c.reject(f, "broadcast", err)
		}
	case realtime.FrameTrack:
		sub, ok := c.subs[f.Topic]
		if !ok {
			c.reject(f, "not_joined", realtime.ErrNotSubscribed)
			return
		}
		if err := c.hub.Track(sub, f.Payload); err != nil {
			c.reject(f, "track", err)
		}
	case realtime.FrameUntrack:
		if sub, ok := c.subs[f.Topic]; ok {
			if err := c.hub.Untrack(sub); err != nil {
				c.reject(f, "untrack", err)
			}
		}
	default:
		c.reject(f, "unknown", errUnknownFrame)
	}
}

// join subscribes to a topic of the token's room. Joining a topic twice
// replaces the earlier subscription.
func (c *conn) join(f realtime.Frame) {
	room, err := realtime.RoomOf(f.Topic)
	if err != nil {
		c.reject(f, "bad_topic", err)
		return
	}
	if room != c.room {
		c.reject(f, "forbidden", errForbiddenTopic)
		return
	}
	if prev, ok := c.subs[f.Topic]; ok {
		delete(c.subs, f.Topic)
		c.hub.Leave(prev)
	}

	var opts realtime.Options
	if f.Options != nil {
		opts = *f.Options
	}
	sub, err := c.hub.Join(f.Topic, c.id, opts)
	if err != nil {
		c.reject(f, "join", err)
		return
	}
	c.subs[f.Topic] = sub

	// the ack is queued before any event of the subscription
	c.send(realtime.Frame{Type: realtime.FrameJoined, Topic: f.Topic, Ref: f.Ref})
	c.fwd.Add(1)
	go c.forward(sub)
}

func (c *conn) forward(sub *realtime.Subscription) {
	defer c.fwd.Done()
	for ev := range sub.C() {
		if f, ok := realtime.FrameFor(sub.Topic, ev); ok {
			c.send(f)
		}
	}
}

func (c *conn) send(f realtime.Frame) {
	select {
	case c.out <- f:
	case <-c.done:
	}
}

func (c *conn) reject(f realtime.Frame, reason string, err error) {
	gatewayRejected.WithLabelValues(reason).Inc()
	c.send(realtime.ErrorFrame(f, err))
}

func (c *conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		close(c.done)
		_ = c.ws.Close()
	}()

	for {
		select {
		case f, ok := <-c.out:
			if !ok {
				_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
				_ = c.ws.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := utils.SendJSON(c.ws, f); err != nil {
				c.log.Debug("ws_write_failed", zap.Error(err))
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
