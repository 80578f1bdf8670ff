// Package presence keeps the list of participants currently online in a
// room. The list is rebuilt from every presence snapshot the transport
// delivers; nothing is kept across a reconnect.
package presence

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"roomchat/internal/models"
	"roomchat/internal/realtime"
	"roomchat/internal/utils"

	"go.uber.org/zap"
)

type Phase int

const (
	Disconnected Phase = iota
	Connecting
	Synced
)

func (p Phase) String() string {
	switch p {
	case Connecting:
		return "connecting"
	case Synced:
		return "synced"
	default:
		return "disconnected"
	}
}

// Member is one logical participant. Several connections under the same
// name collapse into one member.
type Member struct {
	Name     string
	OnlineAt time.Time
}

type State struct {
	Phase  Phase
	Online []Member
}

// Effect is what the caller must do after a reduction.
type Effect int

const (
	NoEffect Effect = iota
	// TrackSelf means the caller must track its own presence meta.
	TrackSelf
)

// Reduce applies one channel event to s. It never mutates s.Online.
func Reduce(s State, ev realtime.Event) (State, Effect) {
	switch e := ev.(type) {
	case realtime.StatusChanged:
		switch e.Status {
		case realtime.StatusSubscribed:
			s.Phase = Synced
			return s, TrackSelf
		case realtime.StatusDisconnected:
			return State{Phase: Connecting}, NoEffect
		case realtime.StatusClosed:
			return State{Phase: Disconnected}, NoEffect
		}
	case realtime.PresenceSynced:
		if s.Phase == Disconnected {
			return s, NoEffect
		}
		s.Online = FromSnapshot(e.State)
	}
	return s, NoEffect
}

// FromSnapshot turns a presence snapshot into members, deduplicated by name
// with the earliest online time kept, ordered by online time then name.
// Entries that do not decode or carry no name are skipped.
func FromSnapshot(snapshot map[string]json.RawMessage) []Member {
	byName := make(map[string]time.Time, len(snapshot))
	for _, raw := range snapshot {
		var meta models.PresenceMeta
		if err := json.Unmarshal(raw, &meta); err != nil || meta.Name == "" {
			continue
		}
		if seen, ok := byName[meta.Name]; !ok || meta.OnlineAt.Before(seen) {
			byName[meta.Name] = meta.OnlineAt
		}
	}

	members := make([]Member, 0, len(byName))
	for name, at := range byName {
		members = append(members, Member{Name: name, OnlineAt: at})
	}
	sort.Slice(members, func(i, j int) bool {
		if !members[i].OnlineAt.Equal(members[j].OnlineAt) {
			return members[i].OnlineAt.Before(members[j].OnlineAt)
		}
		return members[i].Name < members[j].Name
	})
	return members
}

type Option func(*Tracker)

func WithLogger(l *zap.Logger) Option {
	return func(t *Tracker) { t.log = utils.OrNop(l) }
}

// WithOnChange registers a callback run after every state change. It is
// called from the tracker's goroutine and must not block.
func WithOnChange(fn func()) Option {
	return func(t *Tracker) { t.onChange = fn }
}

func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

// Tracker drives Reduce from a presence channel and tracks the local
// participant whenever the channel (re)subscribes.
type Tracker struct {
	ch       realtime.Channel
	log      *zap.Logger
	onChange func()
	now      func() time.Time

	// trackMu orders Track calls so the last one sent carries the
	// latest meta.
	trackMu sync.Mutex

	mu    sync.RWMutex
	state State
	self  models.PresenceMeta
}

func New(ch realtime.Channel, name string, opts ...Option) *Tracker {
	t := &Tracker{
		ch:       ch,
		log:      zap.NewNop(),
		onChange: func() {},
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	t.self = models.PresenceMeta{Name: name, OnlineAt: t.now().UTC()}
	return t
}

// Start subscribes the channel. Run must be called to process events.
func (t *Tracker) Start(ctx context.Context) error {
	t.mu.Lock()
	t.state.Phase = Connecting
	t.mu.Unlock()
	return t.ch.Subscribe(ctx)
}

// Run processes channel events until the channel is closed or ctx ends.
func (t *Tracker) Run(ctx context.Context) {
	events := t.ch.Events()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				t.apply(realtime.StatusChanged{Status: realtime.StatusClosed})
				return
			}
			if t.apply(ev) == TrackSelf {
				t.trackSelf(ctx)
			}
		}
	}
}

func (t *Tracker) apply(ev realtime.Event) Effect {
	t.mu.Lock()
	next, eff := Reduce(t.state, ev)
	t.state = next
	t.mu.Unlock()
	t.onChange()
	return eff
}

func (t *Tracker) trackSelf(ctx context.Context) {
	t.trackMu.Lock()
	defer t.trackMu.Unlock()
	t.mu.RLock()
	meta := t.self
	t.mu.RUnlock()
	if err := t.ch.Track(ctx, meta); err != nil {
		t.log.Warn("presence_track_failed", zap.String("name", meta.Name), zap.Error(err))
	}
}

// Rename re-tracks under a new name on the same connection, so the server
// replaces the old entry instead of adding a second one.
func (t *Tracker) Rename(ctx context.Context, name string) error {
	t.trackMu.Lock()
	defer t.trackMu.Unlock()
	t.mu.Lock()
	t.self.Name = name
	meta := t.self
	synced := t.state.Phase == Synced
	t.mu.Unlock()
	if !synced {
		return nil
	}
	return t.ch.Track(ctx, meta)
}

// Leave untracks the local participant.
func (t *Tracker) Leave(ctx context.Context) error {
	t.trackMu.Lock()
	defer t.trackMu.Unlock()
	return t.ch.Untrack(ctx)
}

// Online returns the ordered online members.
func (t *Tracker) Online() []Member {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return append([]Member(nil), t.state.Online...)
}

func (t *Tracker) Count() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.state.Online)
}

func (t *Tracker) Status() Phase {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.state.Phase
}

func (t *Tracker) Name() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.self.Name
}
