package cleanup

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"roomchat/internal/models"
	"roomchat/internal/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingBlobs struct {
	mu      sync.Mutex
	deleted []string
	fail    map[string]error
	rooms   store.Store
	// rows present when the room's files were deleted
	rowsSeen map[string]bool
}

func (b *recordingBlobs) DeleteRoom(ctx context.Context, room string) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.fail[room]; err != nil {
		return 0, err
	}
	ok, _ := b.rooms.RoomExists(ctx, room)
	b.rowsSeen[room] = ok
	b.deleted = append(b.deleted, room)
	return 2, nil
}

func seed(t *testing.T, now time.Time) *store.Memory {
	t.Helper()
	ctx := context.Background()
	mem := store.NewMemory()

	mem.SetClock(func() time.Time { return now.Add(-48 * time.Hour) })
	require.NoError(t, mem.CreateRoom(ctx, "1111"))
	require.NoError(t, mem.CreateRoom(ctx, "2222"))
	require.NoError(t, mem.CreateRoom(ctx, "4444"))

	mem.SetClock(func() time.Time { return now.Add(-time.Hour) })
	require.NoError(t, mem.CreateRoom(ctx, "3333"))
	// recent activity keeps an old room alive
	_, err := mem.InsertMessage(ctx, models.NewMessage{Room: "4444", Sender: "Alice", Content: "still here"})
	require.NoError(t, err)

	mem.SetClock(time.Now)
	return mem
}

func TestRunOnceDeletesIdleRooms(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 5, 2, 12, 0, 0, 0, time.UTC)
	mem := seed(t, now)
	blobs := &recordingBlobs{rooms: mem, rowsSeen: map[string]bool{}}

	s, err := New(mem, blobs)
	require.NoError(t, err)

	res, err := s.RunOnce(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, Result{Expired: 2, Deleted: 2, Files: 4}, res)
	assert.ElementsMatch(t, []string{"1111", "2222"}, blobs.deleted)
	assert.True(t, blobs.rowsSeen["1111"], "files go before rows")

	for code, want := range map[string]bool{"1111": false, "2222": false, "3333": true, "4444": true} {
		ok, err := mem.RoomExists(ctx, code)
		require.NoError(t, err)
		assert.Equal(t, want, ok, code)
	}
}

func TestRunOnceKeepsRowsWhenFilesFail(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 5, 2, 12, 0, 0, 0, time.UTC)
	mem := seed(t, now)
	blobs := &recordingBlobs{rooms: mem, rowsSeen: map[string]bool{}, fail: map[string]error{"1111": errors.New("disk")}}

	s, err := New(mem, blobs, WithIdle(24*time.Hour))
	require.NoError(t, err)
	res, err := s.RunOnce(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Failed)
	assert.Equal(t, 1, res.Deleted)

	ok, err := mem.RoomExists(ctx, "1111")
	require.NoError(t, err)
	assert.True(t, ok, "retried next run")
}

func TestRunOnceWithoutBlobs(t *testing.T) {
	now := time.Date(2024, 5, 2, 12, 0, 0, 0, time.UTC)
	mem := seed(t, now)
	s, err := New(mem, nil, WithIdle(30*time.Minute))
	require.NoError(t, err)

	res, err := s.RunOnce(context.Background(), now)
	require.NoError(t, err)
	assert.Equal(t, 4, res.Deleted)
}

func TestRunOnceListFailure(t *testing.T) {
	mem := store.NewMemory()
	mem.FailNext("ExpiredRooms", errors.New("down"), 1)
	s, err := New(mem, nil)
	require.NoError(t, err)
	_, err = s.RunOnce(context.Background(), time.Now())
	assert.Error(t, err)
}

func TestNewRejectsBadCron(t *testing.T) {
	_, err := New(store.NewMemory(), nil, WithCron("every tuesday"))
	assert.ErrorIs(t, err, ErrBadCron)
}

type blockingRooms struct {
	Rooms
	entered chan struct{}
	release chan struct{}
}

func (b *blockingRooms) ExpiredRooms(ctx context.Context, cutoff time.Time) ([]string, error) {
	b.entered <- struct{}{}
	<-b.release
	return nil, nil
}

func TestRunJobSkipsOverlap(t *testing.T) {
	rooms := &blockingRooms{Rooms: store.NewMemory(), entered: make(chan struct{}), release: make(chan struct{})}
	s, err := New(rooms, nil)
	require.NoError(t, err)

	done := make(chan bool)
	go func() { done <- s.runJob(context.Background()) }()
	<-rooms.entered

	assert.False(t, s.runJob(context.Background()), "second run overlaps the first")

	close(rooms.release)
	assert.True(t, <-done)
}
