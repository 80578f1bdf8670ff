// Package receipts records which participants have read which messages.
package receipts

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"roomchat/internal/models"
	"roomchat/internal/realtime"
	"roomchat/internal/utils"

	"go.uber.org/zap"
)

// ChannelOptions subscribes to new reads in room.
func ChannelOptions(room string) realtime.Options {
	return realtime.Options{Changes: []realtime.ChangeFilter{
		{Table: realtime.TableReads, Op: realtime.OpInsert, Room: room},
	}}
}

type Store interface {
	UpsertRead(ctx context.Context, r models.ReadReceipt) (bool, error)
	ListReads(ctx context.Context, room string) ([]models.ReadReceipt, error)
}

type Option func(*Tracker)

func WithLogger(l *zap.Logger) Option {
	return func(t *Tracker) { t.log = utils.OrNop(l) }
}

func WithOnChange(fn func()) Option {
	return func(t *Tracker) { t.onChange = fn }
}

type Tracker struct {
	st       Store
	ch       realtime.Channel
	room     string
	log      *zap.Logger
	onChange func()

	mu        sync.RWMutex
	self      string
	attempted map[string]bool
	// readers per message id, in the order reads were first seen
	readers map[string][]string
}

func New(st Store, ch realtime.Channel, room, self string, opts ...Option) *Tracker {
	t := &Tracker{
		st:        st,
		ch:        ch,
		room:      room,
		log:       zap.NewNop(),
		onChange:  func() {},
		self:      self,
		attempted: make(map[string]bool),
		readers:   make(map[string][]string),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func (t *Tracker) Start(ctx context.Context) error {
	return t.ch.Subscribe(ctx)
}

// Load fetches every read in the room. Reads by the local user count as
// already attempted so they are never upserted again.
func (t *Tracker) Load(ctx context.Context) error {
	list, err := t.st.ListReads(ctx, t.room)
	if err != nil {
		return fmt.Errorf("list reads: %w", err)
	}
	changed := false
	t.mu.Lock()
	for _, r := range list {
		if t.mergeLocked(r) {
			changed = true
		}
		if r.UserName == t.self {
			t.attempted[r.MessageID] = true
		}
	}
	t.mu.Unlock()
	if changed {
		t.onChange()
	}
	return nil
}

// MarkRead records that the local user read a message from sender. It does
// nothing for the user's own messages or for messages already attempted. A
// failed write clears the attempt so a later call can retry.
func (t *Tracker) MarkRead(ctx context.Context, messageID, sender string) error {
	t.mu.Lock()
	self := t.self
	if sender == self || t.attempted[messageID] {
		t.mu.Unlock()
		return nil
	}
	t.attempted[messageID] = true
	t.mu.Unlock()

	_, err := t.st.UpsertRead(ctx, models.ReadReceipt{MessageID: messageID, Room: t.room, UserName: self})
	if err != nil {
		t.mu.Lock()
		delete(t.attempted, messageID)
		t.mu.Unlock()
		return fmt.Errorf("mark read %s: %w", messageID, err)
	}
	t.Merge(models.ReadReceipt{MessageID: messageID, Room: t.room, UserName: self})
	return nil
}

// Merge adds one read. Repeated reads are ignored. It reports whether the
// read was new.
func (t *Tracker) Merge(r models.ReadReceipt) bool {
	t.mu.Lock()
	added := t.mergeLocked(r)
	t.mu.Unlock()
	if added {
		t.onChange()
	}
	return added
}

func (t *Tracker) mergeLocked(r models.ReadReceipt) bool {
	if r.MessageID == "" || r.UserName == "" {
		return false
	}
	for _, name := range t.readers[r.MessageID] {
		if name == r.UserName {
			return false
		}
	}
	t.readers[r.MessageID] = append(t.readers[r.MessageID], r.UserName)
	return true
}

// ReadersFor lists who read a message, never including its sender.
func (t *Tracker) ReadersFor(messageID, sender string) []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]string, 0, len(t.readers[messageID]))
	for _, name := range t.readers[messageID] {
		if name != sender {
			out = append(out, name)
		}
	}
	return out
}

// Attempted reports whether MarkRead has been tried for messageID.
func (t *Tracker) Attempted(messageID string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.attempted[messageID]
}

// Rename switches the identity used for new reads. Messages already
// attempted stay attempted.
func (t *Tracker) Rename(name string) {
	t.mu.Lock()
	t.self = name
	t.mu.Unlock()
}

// Run merges read notifications and reloads after every subscribe, until
// the channel closes or ctx ends.
func (t *Tracker) Run(ctx context.Context) {
	events := t.ch.Events()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			switch e := ev.(type) {
			case realtime.RowChanged:
				var r models.ReadReceipt
				if err := json.Unmarshal(e.Change.Record, &r); err != nil {
					t.log.Debug("receipts_bad_record", zap.Error(err))
					continue
				}
				t.Merge(r)
			case realtime.StatusChanged:
				if e.Status != realtime.StatusSubscribed {
					continue
				}
				if err := t.Load(ctx); err != nil {
					t.log.Warn("receipts_load_failed", zap.String("room", t.room), zap.Error(err))
				}
			}
		}
	}
}
