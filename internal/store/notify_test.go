package store

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"roomchat/internal/models"
	"roomchat/internal/realtime"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func nextChange(t *testing.T, sub *realtime.Subscription) realtime.Change {
	t.Helper()
	select {
	case ev := <-sub.C():
		rc, ok := ev.(realtime.RowChanged)
		require.True(t, ok, "unexpected %#v", ev)
		return rc.Change
	case <-time.After(time.Second):
		t.Fatal("no change published")
		return realtime.Change{}
	}
}

func noChange(t *testing.T, sub *realtime.Subscription) {
	t.Helper()
	select {
	case ev := <-sub.C():
		t.Fatalf("unexpected event %#v", ev)
	default:
	}
}

func TestNotifyingPublishesDurableWrites(t *testing.T) {
	ctx := context.Background()
	hub := realtime.NewHub()
	s := Notifying(NewMemory(), hub, nil)
	require.NoError(t, s.CreateRoom(ctx, "4821"))

	msgs, _ := hub.Join(realtime.MessagesTopic("4821"), "c1", realtime.Options{
		Changes: []realtime.ChangeFilter{{Table: realtime.TableMessages, Op: realtime.OpInsert, Room: "4821"}},
	})
	reactions, _ := hub.Join(realtime.ReactionsTopic("4821"), "c1", realtime.Options{
		Changes: []realtime.ChangeFilter{{Table: realtime.TableReactions, Op: realtime.OpAny, Room: "4821"}},
	})
	reads, _ := hub.Join(realtime.ReadsTopic("4821"), "c1", realtime.Options{
		Changes: []realtime.ChangeFilter{{Table: realtime.TableReads, Op: realtime.OpInsert, Room: "4821"}},
	})

	msg, err := s.InsertMessage(ctx, models.NewMessage{Room: "4821", Sender: "Alice", Content: "hi"})
	require.NoError(t, err)
	c := nextChange(t, msgs)
	assert.Equal(t, realtime.OpInsert, c.Op)
	var rec models.Message
	require.NoError(t, json.Unmarshal(c.Record, &rec))
	assert.Equal(t, msg.ID, rec.ID)

	r := models.Reaction{MessageID: msg.ID, Room: "4821", Emoji: "👍", UserName: "Bob"}
	require.NoError(t, s.AddReaction(ctx, r))
	assert.Equal(t, realtime.OpInsert, nextChange(t, reactions).Op)
	assert.ErrorIs(t, s.AddReaction(ctx, r), ErrDuplicate)
	noChange(t, reactions)
	require.NoError(t, s.RemoveReaction(ctx, r))
	assert.Equal(t, realtime.OpDelete, nextChange(t, reactions).Op)

	read := models.ReadReceipt{MessageID: msg.ID, Room: "4821", UserName: "Bob"}
	created, err := s.UpsertRead(ctx, read)
	require.NoError(t, err)
	assert.True(t, created)
	nextChange(t, reads)
	created, err = s.UpsertRead(ctx, read)
	require.NoError(t, err)
	assert.False(t, created)
	noChange(t, reads)
}

func TestNotifyingSkipsFailedWrites(t *testing.T) {
	ctx := context.Background()
	hub := realtime.NewHub()
	s := Notifying(NewMemory(), hub, nil)
	sub, _ := hub.Join(realtime.MessagesTopic("4821"), "c1", realtime.Options{
		Changes: []realtime.ChangeFilter{{Table: realtime.TableMessages, Op: realtime.OpAny}},
	})

	_, err := s.InsertMessage(ctx, models.NewMessage{Room: "4821", Sender: "Alice", Content: "hi"})
	assert.ErrorIs(t, err, ErrNotFound)
	noChange(t, sub)
}
