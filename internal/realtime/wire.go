package realtime

import (
	"encoding/json"
	"errors"
)

// Frame types exchanged over the websocket gateway.
const (
	FrameJoin         = "join"
	FrameJoined       = "joined"
	FrameLeave        = "leave"
	FrameBroadcast    = "broadcast"
	FrameTrack        = "track"
	FrameUntrack      = "untrack"
	FrameChange       = "change"
	FramePresenceSync = "presence_sync"
	FrameError        = "error"
)

// Frame is the JSON envelope for every websocket message. Topic names the
// channel; Ref correlates a join with its joined/error reply.
type Frame struct {
	Type     string                     `json:"type"`
	Topic    string                     `json:"topic,omitempty"`
	Ref      string                     `json:"ref,omitempty"`
	Event    string                     `json:"event,omitempty"`
	From     string                     `json:"from,omitempty"`
	Options  *Options                   `json:"options,omitempty"`
	Payload  json.RawMessage            `json:"payload,omitempty"`
	Change   *Change                    `json:"change,omitempty"`
	Presence map[string]json.RawMessage `json:"presence,omitempty"`
	Error    string                     `json:"error,omitempty"`
}

// FrameFor encodes a hub event for delivery to a websocket client. Status
// events are local to a channel and have no frame.
func FrameFor(topic string, ev Event) (Frame, bool) {
	switch e := ev.(type) {
	case RowChanged:
		c := e.Change
		return Frame{Type: FrameChange, Topic: topic, Change: &c}, true
	case BroadcastReceived:
		return Frame{Type: FrameBroadcast, Topic: topic, Event: e.Event, From: e.From, Payload: e.Payload}, true
	case PresenceSynced:
		state := e.State
		if state == nil {
			state = map[string]json.RawMessage{}
		}
		return Frame{Type: FramePresenceSync, Topic: topic, Presence: state}, true
	}
	return Frame{}, false
}

// ToEvent decodes a server frame into the event a client channel delivers.
func (f Frame) ToEvent() (Event, bool) {
	switch f.Type {
	case FrameChange:
		if f.Change == nil {
			return nil, false
		}
		return RowChanged{Change: *f.Change}, true
	case FrameBroadcast:
		return BroadcastReceived{Event: f.Event, From: f.From, Payload: f.Payload}, true
	case FramePresenceSync:
		state := f.Presence
		if state == nil {
			state = map[string]json.RawMessage{}
		}
		return PresenceSynced{State: state}, true
	}
	return nil, false
}

// ErrorFrame builds an error reply for a client frame.
func ErrorFrame(req Frame, err error) Frame {
	msg := "unknown error"
	if err != nil {
		msg = err.Error()
	}
	return Frame{Type: FrameError, Topic: req.Topic, Ref: req.Ref, Error: msg}
}

// Err returns the error carried by an error frame.
func (f Frame) Err() error {
	if f.Type != FrameError {
		return nil
	}
	return errors.New(f.Error)
}
