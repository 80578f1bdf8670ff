package store

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"roomchat/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type storeFactory func(t *testing.T) Store

func stores() map[string]storeFactory {
	return map[string]storeFactory{
		"memory": func(t *testing.T) Store { return NewMemory() },
		"bolt": func(t *testing.T) Store {
			b, err := OpenBolt(filepath.Join(t.TempDir(), "roomchat.db"))
			require.NoError(t, err)
			t.Cleanup(func() { b.Close() })
			return b
		},
	}
}

func eachStore(t *testing.T, fn func(t *testing.T, s Store)) {
	for name, factory := range stores() {
		factory := factory
		t.Run(name, func(t *testing.T) {
			fn(t, factory(t))
		})
	}
}

func TestRoomLifecycle(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()

		require.NoError(t, s.CreateRoom(ctx, "4821"))
		assert.ErrorIs(t, s.CreateRoom(ctx, "4821"), ErrConflict)

		ok, err := s.RoomExists(ctx, "4821")
		require.NoError(t, err)
		assert.True(t, ok)

		room, err := s.Room(ctx, "4821")
		require.NoError(t, err)
		assert.Equal(t, "4821", room.Code)

		_, err = s.Room(ctx, "0000")
		assert.ErrorIs(t, err, ErrNotFound)

		require.NoError(t, s.DeleteRoom(ctx, "4821"))
		ok, err = s.RoomExists(ctx, "4821")
		require.NoError(t, err)
		assert.False(t, ok)
		assert.ErrorIs(t, s.DeleteRoom(ctx, "4821"), ErrNotFound)
	})
}

func TestMessagesOrderedAndMonotonic(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		require.NoError(t, s.CreateRoom(ctx, "4821"))

		var inserted []*models.Message
		for _, content := range []string{"hi", "hello", "hey"} {
			msg, err := s.InsertMessage(ctx, models.NewMessage{Room: "4821", Sender: "Alice", Content: content})
			require.NoError(t, err)
			assert.NotEmpty(t, msg.ID)
			inserted = append(inserted, msg)
		}
		for i := 1; i < len(inserted); i++ {
			assert.True(t, inserted[i].CreatedAt.After(inserted[i-1].CreatedAt))
		}

		list, err := s.ListMessages(ctx, "4821")
		require.NoError(t, err)
		require.Len(t, list, 3)
		for i, msg := range list {
			assert.Equal(t, inserted[i].ID, msg.ID)
			assert.Equal(t, inserted[i].Content, msg.Content)
		}

		room, err := s.Room(ctx, "4821")
		require.NoError(t, err)
		assert.True(t, room.LastActivityAt.Equal(inserted[2].CreatedAt))
	})
}

func TestInsertMessageValidation(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		require.NoError(t, s.CreateRoom(ctx, "4821"))

		_, err := s.InsertMessage(ctx, models.NewMessage{Room: "9999", Sender: "Alice", Content: "hi"})
		assert.ErrorIs(t, err, ErrNotFound)

		_, err = s.InsertMessage(ctx, models.NewMessage{Room: "4821", Sender: "", Content: "hi"})
		assert.ErrorIs(t, err, ErrInvalid)

		_, err = s.InsertMessage(ctx, models.NewMessage{Room: "4821", Sender: "Alice", Content: strings.Repeat("a", 5001)})
		assert.ErrorIs(t, err, ErrInvalid)

		msg, err := s.InsertMessage(ctx, models.NewMessage{Room: "4821", Sender: "Alice", Content: strings.Repeat("é", 5000)})
		require.NoError(t, err)
		assert.Len(t, []rune(msg.Content), 5000)

		file := &models.FileRef{URL: "/uploads/4821/x-a.png", MimeType: "image/png", Name: "a.png"}
		msg, err = s.InsertMessage(ctx, models.NewMessage{Room: "4821", Sender: "Alice", Content: "Shared a.png", File: file})
		require.NoError(t, err)
		list, err := s.ListMessages(ctx, "4821")
		require.NoError(t, err)
		require.NotNil(t, list[len(list)-1].File)
		assert.Equal(t, *file, *list[len(list)-1].File)
		assert.Equal(t, msg.ID, list[len(list)-1].ID)
	})
}

func TestReactionsUnique(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		require.NoError(t, s.CreateRoom(ctx, "4821"))
		msg, err := s.InsertMessage(ctx, models.NewMessage{Room: "4821", Sender: "Alice", Content: "hi"})
		require.NoError(t, err)

		r := models.Reaction{MessageID: msg.ID, Room: "4821", Emoji: "👍", UserName: "Bob"}
		require.NoError(t, s.AddReaction(ctx, r))
		assert.ErrorIs(t, s.AddReaction(ctx, r), ErrDuplicate)

		other := r
		other.UserName = "Carol"
		require.NoError(t, s.AddReaction(ctx, other))

		list, err := s.ListReactions(ctx, "4821")
		require.NoError(t, err)
		assert.Len(t, list, 2)

		require.NoError(t, s.RemoveReaction(ctx, r))
		assert.ErrorIs(t, s.RemoveReaction(ctx, r), ErrNotFound)
		list, err = s.ListReactions(ctx, "4821")
		require.NoError(t, err)
		require.Len(t, list, 1)
		assert.Equal(t, "Carol", list[0].UserName)

		missing := r
		missing.MessageID = "00000000-0000-0000-0000-000000000000"
		assert.ErrorIs(t, s.AddReaction(ctx, missing), ErrNotFound)
	})
}

func TestUpsertReadReportsCreated(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		require.NoError(t, s.CreateRoom(ctx, "4821"))
		msg, err := s.InsertMessage(ctx, models.NewMessage{Room: "4821", Sender: "Alice", Content: "hi"})
		require.NoError(t, err)

		read := models.ReadReceipt{MessageID: msg.ID, Room: "4821", UserName: "Bob"}
		created, err := s.UpsertRead(ctx, read)
		require.NoError(t, err)
		assert.True(t, created)

		created, err = s.UpsertRead(ctx, read)
		require.NoError(t, err)
		assert.False(t, created)

		reads, err := s.ListReads(ctx, "4821")
		require.NoError(t, err)
		require.Len(t, reads, 1)
		assert.Equal(t, "Bob", reads[0].UserName)
		assert.False(t, reads[0].ReadAt.IsZero())
	})
}

func TestDeleteRoomCascades(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		require.NoError(t, s.CreateRoom(ctx, "4821"))
		msg, err := s.InsertMessage(ctx, models.NewMessage{Room: "4821", Sender: "Alice", Content: "hi"})
		require.NoError(t, err)
		require.NoError(t, s.AddReaction(ctx, models.Reaction{MessageID: msg.ID, Room: "4821", Emoji: "🎉", UserName: "Bob"}))
		_, err = s.UpsertRead(ctx, models.ReadReceipt{MessageID: msg.ID, Room: "4821", UserName: "Bob"})
		require.NoError(t, err)

		require.NoError(t, s.DeleteRoom(ctx, "4821"))

		msgs, err := s.ListMessages(ctx, "4821")
		require.NoError(t, err)
		assert.Empty(t, msgs)
		reactions, err := s.ListReactions(ctx, "4821")
		require.NoError(t, err)
		assert.Empty(t, reactions)
		reads, err := s.ListReads(ctx, "4821")
		require.NoError(t, err)
		assert.Empty(t, reads)

		// the code is free again
		require.NoError(t, s.CreateRoom(ctx, "4821"))
		msgs, err = s.ListMessages(ctx, "4821")
		require.NoError(t, err)
		assert.Empty(t, msgs)
	})
}

func TestExpiredRooms(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		require.NoError(t, s.CreateRoom(ctx, "OLD1"))
		cutoff := time.Now().Add(time.Hour)

		codes, err := s.ExpiredRooms(ctx, cutoff)
		require.NoError(t, err)
		assert.Equal(t, []string{"OLD1"}, codes)

		codes, err = s.ExpiredRooms(ctx, time.Now().Add(-time.Hour))
		require.NoError(t, err)
		assert.Empty(t, codes)
	})
}

func TestConcurrentInsertsStayMonotonic(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		require.NoError(t, s.CreateRoom(ctx, "4821"))

		var wg sync.WaitGroup
		for i := 0; i < 20; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := s.InsertMessage(ctx, models.NewMessage{Room: "4821", Sender: "Alice", Content: "x"})
				assert.NoError(t, err)
			}()
		}
		wg.Wait()

		list, err := s.ListMessages(ctx, "4821")
		require.NoError(t, err)
		require.Len(t, list, 20)
		for i := 1; i < len(list); i++ {
			assert.True(t, list[i].CreatedAt.After(list[i-1].CreatedAt))
		}
	})
}

func TestMemoryFrozenClockStillMonotonic(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	frozen := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	m.SetClock(func() time.Time { return frozen })
	require.NoError(t, m.CreateRoom(ctx, "4821"))

	a, err := m.InsertMessage(ctx, models.NewMessage{Room: "4821", Sender: "Alice", Content: "a"})
	require.NoError(t, err)
	b, err := m.InsertMessage(ctx, models.NewMessage{Room: "4821", Sender: "Bob", Content: "b"})
	require.NoError(t, err)
	assert.True(t, b.CreatedAt.After(a.CreatedAt))
}

func TestMemoryFailNext(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	boom := assert.AnError
	m.FailNext("RoomExists", boom, 2)

	_, err := m.RoomExists(ctx, "4821")
	assert.ErrorIs(t, err, boom)
	_, err = m.RoomExists(ctx, "4821")
	assert.ErrorIs(t, err, boom)
	ok, err := m.RoomExists(ctx, "4821")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, 3, m.Calls("RoomExists"))
}
