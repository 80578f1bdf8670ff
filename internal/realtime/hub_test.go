package realtime

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func recv(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	select {
	case ev, ok := <-ch:
		require.True(t, ok, "channel closed")
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return nil
	}
}

func assertEmpty(t *testing.T, ch <-chan Event) {
	t.Helper()
	select {
	case ev := <-ch:
		t.Fatalf("unexpected event %#v", ev)
	default:
	}
}

func messagesOpts(room string) Options {
	return Options{Changes: []ChangeFilter{{Table: TableMessages, Op: OpInsert, Room: room}}}
}

func TestHubPublishChangeFilters(t *testing.T) {
	h := NewHub()
	a, err := h.Join("messages-4821", "c1", messagesOpts("4821"))
	require.NoError(t, err)
	b, err := h.Join("messages-4821", "c2", messagesOpts("9999"))
	require.NoError(t, err)

	n := h.PublishChange("messages-4821", Change{Table: TableMessages, Op: OpInsert, Room: "4821", Record: json.RawMessage(`{"id":"m1"}`)})
	assert.Equal(t, 1, n)

	ev := recv(t, a.C())
	rc, ok := ev.(RowChanged)
	require.True(t, ok)
	assert.Equal(t, "4821", rc.Change.Room)
	assert.JSONEq(t, `{"id":"m1"}`, string(rc.Change.Record))
	assertEmpty(t, b.C())

	// deletes are not subscribed to
	assert.Equal(t, 0, h.PublishChange("messages-4821", Change{Table: TableMessages, Op: OpDelete, Room: "4821"}))
	assert.Equal(t, 0, h.PublishChange("messages-0000", Change{Table: TableMessages, Op: OpInsert, Room: "0000"}))
}

func TestHubBroadcastExcludesSenderUnlessSelf(t *testing.T) {
	h := NewHub()
	opts := Options{Broadcast: BroadcastOptions{Events: []string{"typing"}}}
	a, _ := h.Join("typing-4821", "c1", opts)
	b, _ := h.Join("typing-4821", "c2", opts)
	self, _ := h.Join("typing-4821", "c3", Options{Broadcast: BroadcastOptions{Events: []string{"*"}, Self: true}})

	require.NoError(t, h.Broadcast(a, "typing", json.RawMessage(`{"userName":"Alice","isTyping":true}`)))

	got := recv(t, b.C()).(BroadcastReceived)
	assert.Equal(t, "typing", got.Event)
	assert.Equal(t, "c1", got.From)
	recv(t, self.C())
	assertEmpty(t, a.C())

	require.NoError(t, h.Broadcast(self, "other", nil))
	recv(t, self.C())
	assertEmpty(t, b.C())
}

func TestHubPresenceSnapshots(t *testing.T) {
	h := NewHub()
	opts := Options{Presence: true}

	a, _ := h.Join("presence-4821", "c1", opts)
	initial := recv(t, a.C()).(PresenceSynced)
	assert.Empty(t, initial.State)

	require.NoError(t, h.Track(a, json.RawMessage(`{"name":"Alice"}`)))
	snap := recv(t, a.C()).(PresenceSynced)
	require.Len(t, snap.State, 1)
	assert.JSONEq(t, `{"name":"Alice"}`, string(snap.State[a.ID]))

	b, _ := h.Join("presence-4821", "c2", opts)
	joined := recv(t, b.C()).(PresenceSynced)
	assert.Len(t, joined.State, 1)

	// re-track replaces instead of adding
	require.NoError(t, h.Track(a, json.RawMessage(`{"name":"Alicia"}`)))
	for _, sub := range []*Subscription{a, b} {
		snap := recv(t, sub.C()).(PresenceSynced)
		require.Len(t, snap.State, 1)
		assert.JSONEq(t, `{"name":"Alicia"}`, string(snap.State[a.ID]))
	}

	h.Leave(a)
	gone := recv(t, b.C()).(PresenceSynced)
	assert.Empty(t, gone.State)
	assert.Empty(t, h.Presence("presence-4821"))

	// leaving twice is harmless
	h.Leave(a)
}

func TestHubUntrack(t *testing.T) {
	h := NewHub()
	a, _ := h.Join("presence-4821", "c1", Options{Presence: true})
	recv(t, a.C())
	require.NoError(t, h.Track(a, json.RawMessage(`{}`)))
	recv(t, a.C())

	require.NoError(t, h.Untrack(a))
	assert.Empty(t, recv(t, a.C()).(PresenceSynced).State)

	// untracking again does not resync
	require.NoError(t, h.Untrack(a))
	assertEmpty(t, a.C())
}

func TestHubKickClosesConnectionSubscriptions(t *testing.T) {
	h := NewHub()
	a, _ := h.Join("messages-4821", "c1", messagesOpts("4821"))
	b, _ := h.Join("reads-4821", "c1", Options{})
	other, _ := h.Join("messages-4821", "c2", messagesOpts("4821"))

	assert.Equal(t, 2, h.Kick("c1"))
	for _, sub := range []*Subscription{a, b} {
		_, ok := <-sub.C()
		assert.False(t, ok)
	}
	assert.Equal(t, 1, h.PublishChange("messages-4821", Change{Table: TableMessages, Op: OpInsert, Room: "4821"}))
	recv(t, other.C())
	assert.Equal(t, 0, h.Kick("c1"))
}

func TestHubDropsWhenBufferFull(t *testing.T) {
	h := NewHub(WithBuffer(1))
	a, _ := h.Join("messages-4821", "c1", messagesOpts("4821"))
	c := Change{Table: TableMessages, Op: OpInsert, Room: "4821"}

	assert.Equal(t, 1, h.PublishChange("messages-4821", c))
	assert.Equal(t, 0, h.PublishChange("messages-4821", c))
	recv(t, a.C())
	assertEmpty(t, a.C())
}

func TestHubClose(t *testing.T) {
	h := NewHub()
	a, _ := h.Join("messages-4821", "c1", Options{})
	h.Close()

	_, ok := <-a.C()
	assert.False(t, ok)
	_, err := h.Join("messages-4821", "c1", Options{})
	assert.ErrorIs(t, err, ErrHubClosed)
}

func TestRoomOf(t *testing.T) {
	room, err := RoomOf(TypingTopic("ABC234"))
	require.NoError(t, err)
	assert.Equal(t, "ABC234", room)

	_, err = RoomOf("lobby")
	assert.Error(t, err)
	_, err = RoomOf("admin-4821")
	assert.Error(t, err)
}
