// Package reactions keeps per-message emoji reaction summaries for a room.
// The summaries are always rebuilt from a full fetch; change notifications
// only trigger the fetch.
package reactions

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"roomchat/internal/models"
	"roomchat/internal/realtime"
	"roomchat/internal/store"
	"roomchat/internal/utils"

	"go.uber.org/zap"
)

// Summary is one emoji on one message. Count always equals len(Actors).
type Summary struct {
	Emoji  string   `json:"emoji"`
	Actors []string `json:"actors"`
	Count  int      `json:"count"`
}

// Has reports whether actor reacted with this emoji.
func (s Summary) Has(actor string) bool {
	for _, a := range s.Actors {
		if a == actor {
			return true
		}
	}
	return false
}

// Group builds summaries per message id. Emojis and actors keep the order in
// which they first appear in rs.
func Group(rs []models.Reaction) map[string][]Summary {
	out := make(map[string][]Summary)
	for _, r := range rs {
		list := out[r.MessageID]
		idx := -1
		for i := range list {
			if list[i].Emoji == r.Emoji {
				idx = i
				break
			}
		}
		if idx < 0 {
			list = append(list, Summary{Emoji: r.Emoji})
			idx = len(list) - 1
		}
		if !list[idx].Has(r.UserName) {
			list[idx].Actors = append(list[idx].Actors, r.UserName)
			list[idx].Count = len(list[idx].Actors)
		}
		out[r.MessageID] = list
	}
	return out
}

// ChannelOptions subscribes to every reaction change in room.
func ChannelOptions(room string) realtime.Options {
	return realtime.Options{Changes: []realtime.ChangeFilter{
		{Table: realtime.TableReactions, Op: realtime.OpAny, Room: room},
	}}
}

// Store is the part of store.Store the aggregator needs.
type Store interface {
	AddReaction(ctx context.Context, r models.Reaction) error
	RemoveReaction(ctx context.Context, r models.Reaction) error
	ListReactions(ctx context.Context, room string) ([]models.Reaction, error)
}

type Option func(*Aggregator)

func WithLogger(l *zap.Logger) Option {
	return func(a *Aggregator) { a.log = utils.OrNop(l) }
}

func WithOnChange(fn func()) Option {
	return func(a *Aggregator) { a.onChange = fn }
}

type Aggregator struct {
	st       Store
	ch       realtime.Channel
	room     string
	log      *zap.Logger
	onChange func()

	mu      sync.RWMutex
	byMsg   map[string][]Summary
	issued  uint64
	applied uint64
}

func New(st Store, ch realtime.Channel, room string, opts ...Option) *Aggregator {
	a := &Aggregator{
		st:       st,
		ch:       ch,
		room:     room,
		log:      zap.NewNop(),
		onChange: func() {},
		byMsg:    make(map[string][]Summary),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

func (a *Aggregator) Start(ctx context.Context) error {
	return a.ch.Subscribe(ctx)
}

// Refresh fetches every reaction in the room and regroups. A fetch that
// completes after a newer one has been applied is discarded.
func (a *Aggregator) Refresh(ctx context.Context) error {
	a.mu.Lock()
	a.issued++
	gen := a.issued
	a.mu.Unlock()

	list, err := a.st.ListReactions(ctx, a.room)
	if err != nil {
		return fmt.Errorf("list reactions: %w", err)
	}
	grouped := Group(list)

	a.mu.Lock()
	if gen <= a.applied {
		a.mu.Unlock()
		a.log.Debug("reactions_stale_refresh", zap.Uint64("gen", gen))
		return nil
	}
	a.byMsg = grouped
	a.applied = gen
	a.mu.Unlock()
	a.onChange()
	return nil
}

// Toggle adds actor's emoji on the message, or removes it when the current
// summaries show actor already reacted with it.
func (a *Aggregator) Toggle(ctx context.Context, messageID, emoji, actor string) error {
	r := models.Reaction{MessageID: messageID, Room: a.room, Emoji: emoji, UserName: actor}

	if a.reacted(messageID, emoji, actor) {
		if err := a.st.RemoveReaction(ctx, r); err != nil && !errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("remove reaction: %w", err)
		}
	} else {
		// a duplicate means the reaction already exists: the toggle is done
		if err := a.st.AddReaction(ctx, r); err != nil && !errors.Is(err, store.ErrDuplicate) {
			return fmt.Errorf("add reaction: %w", err)
		}
	}

	if err := a.Refresh(ctx); err != nil {
		a.log.Warn("reactions_refresh_failed", zap.String("room", a.room), zap.Error(err))
	}
	return nil
}

func (a *Aggregator) reacted(messageID, emoji, actor string) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	for _, s := range a.byMsg[messageID] {
		if s.Emoji == emoji {
			return s.Has(actor)
		}
	}
	return false
}

// For returns the summaries of one message.
func (a *Aggregator) For(messageID string) []Summary {
	a.mu.RLock()
	defer a.mu.RUnlock()
	src := a.byMsg[messageID]
	out := make([]Summary, len(src))
	for i, s := range src {
		out[i] = Summary{Emoji: s.Emoji, Actors: append([]string(nil), s.Actors...), Count: s.Count}
	}
	return out
}

// Run refetches on every change notification and on every subscribe,
// including the first, until the channel closes or ctx ends.
func (a *Aggregator) Run(ctx context.Context) {
	events := a.ch.Events()
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
			case realtime.StatusChanged:
				if e.Status != realtime.StatusSubscribed {
					continue
				}
			default:
				continue
			}
			if err := a.Refresh(ctx); err != nil {
				a.log.Warn("reactions_refresh_failed", zap.String("room", a.room), zap.Error(err))
			}
		}
	}
}
