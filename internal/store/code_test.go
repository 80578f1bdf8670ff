package store

import (
	"context"
	"regexp"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateCode(t *testing.T) {
	for i := 0; i < 200; i++ {
		code, err := GenerateCode()
		require.NoError(t, err)
		require.Len(t, code, 6)
		for _, r := range code {
			assert.True(t, strings.ContainsRune(codeAlphabet, r), "unexpected %q in %s", r, code)
		}
		assert.True(t, ValidateCode(code))
	}
}

func TestNormalizeCode(t *testing.T) {
	cases := []struct {
		in   string
		want string
		ok   bool
	}{
		{"4821", "4821", true},
		{" abc234 ", "ABC234", true},
		{"abcd", "ABCD", true},
		{"123", "", false},
		{"1234567", "", false},
		{"12-45", "", false},
		{"", "", false},
	}
	for _, tc := range cases {
		got, err := NormalizeCode(tc.in)
		if !tc.ok {
			assert.ErrorIs(t, err, ErrInvalidCode, tc.in)
			continue
		}
		require.NoError(t, err, tc.in)
		assert.Equal(t, tc.want, got)
	}
}

func TestCreateRoomWithRetry(t *testing.T) {
	ctx := context.Background()

	m := NewMemory()
	m.FailNext("CreateRoom", ErrConflict, 2)
	code, err := CreateRoomWithRetry(ctx, m)
	require.NoError(t, err)
	assert.Equal(t, 3, m.Calls("CreateRoom"))
	ok, err := m.RoomExists(ctx, code)
	require.NoError(t, err)
	assert.True(t, ok)

	exhausted := NewMemory()
	exhausted.FailNext("CreateRoom", ErrConflict, MaxCreateAttempts)
	_, err = CreateRoomWithRetry(ctx, exhausted)
	assert.ErrorIs(t, err, ErrConflict)
	assert.Equal(t, MaxCreateAttempts, exhausted.Calls("CreateRoom"))

	broken := NewMemory()
	broken.FailNext("CreateRoom", assert.AnError, 1)
	_, err = CreateRoomWithRetry(ctx, broken)
	assert.ErrorIs(t, err, assert.AnError)
	assert.Equal(t, 1, broken.Calls("CreateRoom"))
}

func TestGenerateName(t *testing.T) {
	re := regexp.MustCompile(`^[A-Z][a-z]+[A-Z][a-z]+([1-9]|[1-9][0-9])$`)
	for i := 0; i < 100; i++ {
		assert.Regexp(t, re, GenerateName())
	}
}
