package realtime

import (
	"encoding/json"
	"time"
)

// Status is the subscription state a Channel reports through StatusChanged.
type Status int

const (
	StatusSubscribed Status = iota + 1
	StatusDisconnected
	StatusClosed
)

func (s Status) String() string {
	switch s {
	case StatusSubscribed:
		return "subscribed"
	case StatusDisconnected:
		return "disconnected"
	case StatusClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Op is a row-change operation.
type Op string

const (
	OpInsert Op = "INSERT"
	OpUpdate Op = "UPDATE"
	OpDelete Op = "DELETE"
	OpAny    Op = "*"
)

// Tables that emit row-change notifications.
const (
	TableMessages  = "messages"
	TableReactions = "message_reactions"
	TableReads     = "message_reads"
)

// Change is a durable-store row notification. Record holds the row as JSON.
type Change struct {
	Table    string          `json:"table"`
	Op       Op              `json:"op"`
	Room     string          `json:"room"`
	Record   json.RawMessage `json:"record"`
	CommitTS time.Time       `json:"commit_ts"`
}

// ChangeFilter scopes row-change delivery. An empty Room matches any room.
type ChangeFilter struct {
	Table string `json:"table"`
	Op    Op     `json:"op"`
	Room  string `json:"room,omitempty"`
}

func (f ChangeFilter) Matches(c Change) bool {
	if f.Table != c.Table {
		return false
	}
	if f.Op != OpAny && f.Op != "" && f.Op != c.Op {
		return false
	}
	return f.Room == "" || f.Room == c.Room
}

type BroadcastOptions struct {
	// Events lists the broadcast event names to receive; "*" receives all.
	Events []string `json:"events,omitempty"`
	// Self echoes the subscriber's own broadcasts back to it.
	Self bool `json:"self"`
}

// Options selects which sub-protocols a channel subscription carries.
type Options struct {
	Changes   []ChangeFilter   `json:"changes,omitempty"`
	Broadcast BroadcastOptions `json:"broadcast"`
	Presence  bool             `json:"presence"`
}

func (o Options) wantsChange(c Change) bool {
	for _, f := range o.Changes {
		if f.Matches(c) {
			return true
		}
	}
	return false
}

func (o Options) wantsBroadcast(event string) bool {
	for _, e := range o.Broadcast.Events {
		if e == "*" || e == event {
			return true
		}
	}
	return false
}

// Event is anything a Channel delivers: StatusChanged, RowChanged,
// BroadcastReceived or PresenceSynced.
type Event interface {
	kind() string
}

type StatusChanged struct {
	Status Status
	Err    error
}

type RowChanged struct {
	Change Change
}

type BroadcastReceived struct {
	Event   string
	From    string
	Payload json.RawMessage
}

// PresenceSynced carries the authoritative presence snapshot for the
// channel, keyed by presence key. The map is shared between receivers and
// must not be modified.
type PresenceSynced struct {
	State map[string]json.RawMessage
}

func (StatusChanged) kind() string     { return "status" }
func (RowChanged) kind() string        { return "change" }
func (BroadcastReceived) kind() string { return "broadcast" }
func (PresenceSynced) kind() string    { return "presence" }
