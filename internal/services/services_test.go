package services

import (
	"context"
	"encoding/json"
	"regexp"
	"strings"
	"testing"
	"time"

	"roomchat/internal/models"
	"roomchat/internal/realtime"
	"roomchat/internal/store"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTokenRoundTrip(t *testing.T) {
	ts := NewTokenService("s3cret", time.Hour)
	tok, issued, err := ts.Issue("ABCD12", "Alice", "")
	require.NoError(t, err)
	assert.NotEmpty(t, issued.SessionID)

	claims, err := ts.Validate(tok)
	require.NoError(t, err)
	assert.Equal(t, "ABCD12", claims.Room)
	assert.Equal(t, "Alice", claims.Name)
	assert.Equal(t, issued.SessionID, claims.SessionID)
	assert.True(t, claims.ExpiresAt.Equal(issued.ExpiresAt))
}

func TestTokenRejections(t *testing.T) {
	ts := NewTokenService("s3cret", time.Hour)
	tok, _, err := ts.Issue("ABCD12", "Alice", "sid-1")
	require.NoError(t, err)

	_, err = NewTokenService("other", time.Hour).Validate(tok)
	assert.ErrorIs(t, err, ErrInvalidToken, "wrong secret")

	later := NewTokenService("s3cret", time.Hour)
	later.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	_, err = later.Validate(tok)
	assert.ErrorIs(t, err, ErrInvalidToken, "expired")

	_, err = ts.Validate("not-a-token")
	assert.ErrorIs(t, err, ErrInvalidToken)

	none := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.MapClaims{"room": "ABCD12", "name": "Alice", "sid": "x", "exp": time.Now().Add(time.Hour).Unix()})
	unsigned, err := none.SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)
	_, err = ts.Validate(unsigned)
	assert.ErrorIs(t, err, ErrInvalidToken, "alg none")

	partial := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"room": "ABCD12", "exp": time.Now().Add(time.Hour).Unix()})
	signed, err := partial.SignedString([]byte("s3cret"))
	require.NoError(t, err)
	_, err = ts.Validate(signed)
	assert.ErrorIs(t, err, ErrInvalidToken, "missing name")
}

func TestRefreshGrace(t *testing.T) {
	issued := time.Now().Add(-2 * time.Hour)
	old := NewTokenService("s3cret", time.Hour, WithTokenClock(func() time.Time { return issued }))
	tok, _, err := old.Issue("ABCD12", "Alice", "sid-1")
	require.NoError(t, err)

	ts := NewTokenService("s3cret", time.Hour, WithRefreshGrace(3*time.Hour))
	_, err = ts.Validate(tok)
	assert.ErrorIs(t, err, ErrInvalidToken)
	claims, err := ts.ValidateForRefresh(tok)
	require.NoError(t, err)
	assert.Equal(t, "sid-1", claims.SessionID)

	strict := NewTokenService("s3cret", time.Hour, WithRefreshGrace(30*time.Minute))
	_, err = strict.ValidateForRefresh(tok)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

type fakePresence map[string]map[string]json.RawMessage

func (f fakePresence) Presence(topic string) map[string]json.RawMessage { return f[topic] }

func online(code string, names ...string) fakePresence {
	state := map[string]json.RawMessage{}
	for i, n := range names {
		data, _ := json.Marshal(models.PresenceMeta{Name: n, OnlineAt: time.Now()})
		state[string(rune('a'+i))] = data
	}
	return fakePresence{realtime.PresenceTopic(code): state}
}

func newRooms(t *testing.T, p PresenceSource) (*RoomService, *store.Memory, *TokenService) {
	t.Helper()
	mem := store.NewMemory()
	ts := NewTokenService("s3cret", time.Hour)
	return NewRoomService(mem, p, ts, nil), mem, ts
}

func TestCreateAndGet(t *testing.T) {
	ctx := context.Background()
	rooms, _, _ := newRooms(t, nil)

	code, err := rooms.Create(ctx)
	require.NoError(t, err)
	assert.Len(t, code, 6)

	r, err := rooms.Get(ctx, " "+strings.ToLower(code)+" ")
	require.NoError(t, err)
	assert.Equal(t, code, r.Code)

	_, err = rooms.Get(ctx, "ZZZZ")
	assert.ErrorIs(t, err, ErrRoomNotFound)
	_, err = rooms.Get(ctx, "!!")
	assert.ErrorIs(t, err, store.ErrInvalidCode)
}

func TestJoin(t *testing.T) {
	ctx := context.Background()
	rooms, mem, ts := newRooms(t, online("ABCD", "Alice"))
	require.NoError(t, mem.CreateRoom(ctx, "ABCD"))

	resp, err := rooms.Join(ctx, "abcd", "  Bob ")
	require.NoError(t, err)
	assert.Equal(t, "Bob", resp.Name)
	assert.Equal(t, "ABCD", resp.Room)
	claims, err := ts.Validate(resp.Token)
	require.NoError(t, err)
	assert.Equal(t, "Bob", claims.Name)

	_, err = rooms.Join(ctx, "ABCD", "alice")
	assert.ErrorIs(t, err, ErrNameTaken)

	_, err = rooms.Join(ctx, "ABCD", "System")
	assert.ErrorIs(t, err, ErrInvalidName)
	_, err = rooms.Join(ctx, "ABCD", strings.Repeat("x", models.MaxNameLength+1))
	assert.ErrorIs(t, err, ErrInvalidName)

	_, err = rooms.Join(ctx, "WXYZ", "Bob")
	assert.ErrorIs(t, err, ErrRoomNotFound)
}

func TestJoinGeneratesName(t *testing.T) {
	ctx := context.Background()
	rooms, mem, _ := newRooms(t, nil)
	require.NoError(t, mem.CreateRoom(ctx, "ABCD"))

	resp, err := rooms.Join(ctx, "ABCD", "")
	require.NoError(t, err)
	assert.Regexp(t, regexp.MustCompile(`^[A-Z][a-z]+[A-Z][a-z]+\d{1,2}$`), resp.Name)
}

func TestRenameKeepsSession(t *testing.T) {
	ctx := context.Background()
	rooms, mem, ts := newRooms(t, online("ABCD", "Alice", "Carol"))
	require.NoError(t, mem.CreateRoom(ctx, "ABCD"))

	resp, err := rooms.Join(ctx, "ABCD", "Bob")
	require.NoError(t, err)
	claims, err := ts.Validate(resp.Token)
	require.NoError(t, err)

	_, err = rooms.Rename(ctx, claims, "carol")
	assert.ErrorIs(t, err, ErrNameTaken)

	renamed, err := rooms.Rename(ctx, claims, "Robert")
	require.NoError(t, err)
	next, err := ts.Validate(renamed.Token)
	require.NoError(t, err)
	assert.Equal(t, "Robert", next.Name)
	assert.Equal(t, claims.SessionID, next.SessionID)
}

func TestRefreshKeepsSessionAndName(t *testing.T) {
	ctx := context.Background()
	rooms, mem, ts := newRooms(t, online("ABCD", "Alice"))
	require.NoError(t, mem.CreateRoom(ctx, "ABCD"))

	resp, err := rooms.Join(ctx, "ABCD", "Bob")
	require.NoError(t, err)
	claims, err := ts.Validate(resp.Token)
	require.NoError(t, err)

	refreshed, err := rooms.Refresh(ctx, claims)
	require.NoError(t, err)
	assert.Equal(t, "Bob", refreshed.Name)
	assert.False(t, refreshed.ExpiresAt.IsZero())
	next, err := ts.Validate(refreshed.Token)
	require.NoError(t, err)
	assert.Equal(t, claims.SessionID, next.SessionID)

	require.NoError(t, mem.DeleteRoom(ctx, "ABCD"))
	_, err = rooms.Refresh(ctx, claims)
	assert.ErrorIs(t, err, ErrRoomNotFound)
}
