package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

var (
	ErrChannelClosed = errors.New("realtime: channel closed")
	ErrNotSubscribed = errors.New("realtime: channel not subscribed")
	ErrHubClosed     = errors.New("realtime: hub closed")
)

// Channel is one named logical channel carrying the row-change, broadcast
// and presence sub-protocols selected by its Options.
//
// Events are delivered in order on Events() until the channel is closed, at
// which point the Go channel is closed too. A dropped connection is reported
// as StatusDisconnected followed, once the transport reconnects, by
// StatusSubscribed. Presence is not retained across a drop; callers must
// Track again after every StatusSubscribed.
type Channel interface {
	Name() string
	Subscribe(ctx context.Context) error
	Events() <-chan Event
	// Send broadcasts an ephemeral, best-effort event.
	Send(ctx context.Context, event string, payload interface{}) error
	Track(ctx context.Context, state interface{}) error
	Untrack(ctx context.Context) error
	Close() error
}

// Transport opens channels.
type Transport interface {
	Channel(name string, opts Options) Channel
}

const (
	prefixMessages  = "messages"
	prefixReactions = "reactions"
	prefixReads     = "reads"
	prefixPresence  = "presence"
	prefixTyping    = "typing"
)

func MessagesTopic(room string) string  { return prefixMessages + "-" + room }
func ReactionsTopic(room string) string { return prefixReactions + "-" + room }
func ReadsTopic(room string) string     { return prefixReads + "-" + room }
func PresenceTopic(room string) string  { return prefixPresence + "-" + room }
func TypingTopic(room string) string    { return prefixTyping + "-" + room }

// RoomOf returns the room code a topic name is scoped to.
func RoomOf(topic string) (string, error) {
	prefix, room, ok := strings.Cut(topic, "-")
	if !ok || room == "" {
		return "", fmt.Errorf("realtime: malformed topic %q", topic)
	}
	switch prefix {
	case prefixMessages, prefixReactions, prefixReads, prefixPresence, prefixTyping:
		return room, nil
	}
	return "", fmt.Errorf("realtime: unknown topic prefix %q", prefix)
}

func encodePayload(v interface{}) (json.RawMessage, error) {
	switch p := v.(type) {
	case nil:
		return json.RawMessage("null"), nil
	case json.RawMessage:
		return p, nil
	case []byte:
		return json.RawMessage(p), nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("realtime: encode payload: %w", err)
	}
	return data, nil
}
