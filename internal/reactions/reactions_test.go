package reactions

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"roomchat/internal/models"
	"roomchat/internal/realtime"
	"roomchat/internal/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGroup(t *testing.T) {
	got := Group([]models.Reaction{
		{MessageID: "m1", Emoji: "👍", UserName: "Alice"},
		{MessageID: "m1", Emoji: "❤️", UserName: "Bob"},
		{MessageID: "m1", Emoji: "👍", UserName: "Bob"},
		{MessageID: "m1", Emoji: "👍", UserName: "Bob"},
		{MessageID: "m2", Emoji: "😂", UserName: "Carol"},
	})

	require.Len(t, got["m1"], 2)
	assert.Equal(t, Summary{Emoji: "👍", Actors: []string{"Alice", "Bob"}, Count: 2}, got["m1"][0])
	assert.Equal(t, Summary{Emoji: "❤️", Actors: []string{"Bob"}, Count: 1}, got["m1"][1])
	assert.Equal(t, 1, got["m2"][0].Count)
	assert.Empty(t, got["m3"])
}

type fixture struct {
	mem   *store.Memory
	st    store.Store
	tr    *realtime.Local
	room  string
	msgID string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	mem := store.NewMemory()
	hub := realtime.NewHub()
	room := "4821"
	require.NoError(t, mem.CreateRoom(ctx, room))
	msg, err := mem.InsertMessage(ctx, models.NewMessage{Room: room, Sender: "Alice", Content: "hi"})
	require.NoError(t, err)
	return &fixture{
		mem:   mem,
		st:    store.Notifying(mem, hub, nil),
		tr:    realtime.NewLocal(hub),
		room:  room,
		msgID: msg.ID,
	}
}

func (f *fixture) start(t *testing.T, ctx context.Context, opts ...Option) *Aggregator {
	t.Helper()
	a := New(f.st, f.tr.Channel(realtime.ReactionsTopic(f.room), ChannelOptions(f.room)), f.room, opts...)
	require.NoError(t, a.Start(ctx))
	go a.Run(ctx)
	return a
}

func TestToggleAddsThenRemoves(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f := newFixture(t)
	a := f.start(t, ctx)

	require.NoError(t, a.Toggle(ctx, f.msgID, "👍", "Bob"))
	require.Len(t, a.For(f.msgID), 1)
	assert.Equal(t, []string{"Bob"}, a.For(f.msgID)[0].Actors)

	require.NoError(t, a.Toggle(ctx, f.msgID, "👍", "Bob"))
	assert.Empty(t, a.For(f.msgID))
	assert.Equal(t, 1, f.mem.Calls("RemoveReaction"))
}

func TestToggleTreatsDuplicateAsDone(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	a := New(f.st, f.tr.Channel(realtime.ReactionsTopic(f.room), ChannelOptions(f.room)), f.room)

	// the reaction exists but the aggregate has not caught up yet
	require.NoError(t, f.mem.AddReaction(ctx, models.Reaction{MessageID: f.msgID, Room: f.room, Emoji: "👍", UserName: "Bob"}))

	require.NoError(t, a.Toggle(ctx, f.msgID, "👍", "Bob"))
	assert.Equal(t, 1, a.For(f.msgID)[0].Count)
}

func TestToggleSurfacesStoreErrors(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	a := New(f.st, f.tr.Channel(realtime.ReactionsTopic(f.room), ChannelOptions(f.room)), f.room)

	boom := errors.New("boom")
	f.mem.FailNext("AddReaction", boom, 1)
	err := a.Toggle(ctx, f.msgID, "👍", "Bob")
	assert.ErrorIs(t, err, boom)
	assert.Empty(t, a.For(f.msgID))
}

func TestRemoteChangesTriggerRefetch(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f := newFixture(t)

	var changes int32
	watcher := f.start(t, ctx, WithOnChange(func() { atomic.AddInt32(&changes, 1) }))
	actor := f.start(t, ctx)

	require.NoError(t, actor.Toggle(ctx, f.msgID, "🎉", "Carol"))
	require.Eventually(t, func() bool {
		s := watcher.For(f.msgID)
		return len(s) == 1 && s[0].Has("Carol")
	}, 2*time.Second, 5*time.Millisecond)
	assert.Positive(t, atomic.LoadInt32(&changes))

	require.NoError(t, actor.Toggle(ctx, f.msgID, "🎉", "Carol"))
	require.Eventually(t, func() bool { return len(watcher.For(f.msgID)) == 0 }, 2*time.Second, 5*time.Millisecond)
}

func TestRefetchAfterReconnect(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	mem := store.NewMemory()
	hub := realtime.NewHub()
	tr := realtime.NewLocal(hub, realtime.WithRejoinDelay(20*time.Millisecond))
	room := "4821"
	require.NoError(t, mem.CreateRoom(ctx, room))
	msg, err := mem.InsertMessage(ctx, models.NewMessage{Room: room, Sender: "Alice", Content: "hi"})
	require.NoError(t, err)

	ch := tr.Channel(realtime.ReactionsTopic(room), ChannelOptions(room))
	a := New(mem, ch, room)
	require.NoError(t, a.Start(ctx))
	go a.Run(ctx)

	hub.Kick(ch.(interface{ ConnID() string }).ConnID())
	// written while the channel is down, so no notification reaches it
	require.NoError(t, mem.AddReaction(ctx, models.Reaction{MessageID: msg.ID, Room: room, Emoji: "👍", UserName: "Bob"}))

	require.Eventually(t, func() bool { return len(a.For(msg.ID)) == 1 }, 2*time.Second, 5*time.Millisecond)
}

type slowStore struct {
	Store
	calls   int32
	release chan struct{}
}

func (s *slowStore) ListReactions(ctx context.Context, room string) ([]models.Reaction, error) {
	n := atomic.AddInt32(&s.calls, 1)
	if n == 1 {
		<-s.release
		return nil, nil
	}
	return []models.Reaction{{MessageID: "m1", Emoji: "👍", UserName: "Bob"}}, nil
}

func TestStaleRefreshIsDiscarded(t *testing.T) {
	ctx := context.Background()
	slow := &slowStore{Store: store.NewMemory(), release: make(chan struct{})}
	a := New(slow, realtime.NewLocal(realtime.NewHub()).Channel(realtime.ReactionsTopic("4821"), ChannelOptions("4821")), "4821")

	first := make(chan error, 1)
	go func() { first <- a.Refresh(ctx) }()
	require.Eventually(t, func() bool { return atomic.LoadInt32(&slow.calls) == 1 }, time.Second, time.Millisecond)

	require.NoError(t, a.Refresh(ctx))
	require.Len(t, a.For("m1"), 1)

	close(slow.release)
	require.NoError(t, <-first)
	assert.Len(t, a.For("m1"), 1, "older empty result must not overwrite the newer one")
}
