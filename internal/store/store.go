// Package store is the durable side of a room: rooms, messages, reactions
// and read receipts. Implementations must give every room a strictly
// increasing message timestamp and keep at most one reaction per
// (message, emoji, user) and one read per (message, user).
package store

import (
	"context"
	"errors"
	"strings"
	"time"
	"unicode/utf8"

	"roomchat/internal/models"
)

var (
	ErrNotFound  = errors.New("store: not found")
	ErrConflict  = errors.New("store: already exists")
	ErrDuplicate = errors.New("store: duplicate")
	ErrInvalid   = errors.New("store: invalid argument")
)

// Store is the persistence contract shared by the server and the feed.
type Store interface {
	CreateRoom(ctx context.Context, code string) error
	Room(ctx context.Context, code string) (*models.Room, error)
	RoomExists(ctx context.Context, code string) (bool, error)
	DeleteRoom(ctx context.Context, code string) error
	// ExpiredRooms lists rooms whose last activity is before cutoff.
	ExpiredRooms(ctx context.Context, cutoff time.Time) ([]string, error)

	InsertMessage(ctx context.Context, msg models.NewMessage) (*models.Message, error)
	// ListMessages returns the room's messages by created_at, then id.
	ListMessages(ctx context.Context, room string) ([]models.Message, error)

	AddReaction(ctx context.Context, r models.Reaction) error
	RemoveReaction(ctx context.Context, r models.Reaction) error
	ListReactions(ctx context.Context, room string) ([]models.Reaction, error)

	// UpsertRead records a read; created is false when it already existed.
	UpsertRead(ctx context.Context, r models.ReadReceipt) (created bool, err error)
	ListReads(ctx context.Context, room string) ([]models.ReadReceipt, error)
}

// ValidateMessage checks a message before insert.
func ValidateMessage(m models.NewMessage) error {
	if m.Room == "" || strings.TrimSpace(m.Sender) == "" {
		return ErrInvalid
	}
	if utf8.RuneCountInString(m.Content) > models.MaxContentLength {
		return ErrInvalid
	}
	if m.Content == "" && m.File == nil {
		return ErrInvalid
	}
	return nil
}

func validateReaction(r models.Reaction) error {
	if r.MessageID == "" || r.Room == "" || r.Emoji == "" || r.UserName == "" {
		return ErrInvalid
	}
	return nil
}

func validateRead(r models.ReadReceipt) error {
	if r.MessageID == "" || r.Room == "" || r.UserName == "" {
		return ErrInvalid
	}
	return nil
}

// nextTimestamp returns now, bumped past last so that timestamps within a
// room never repeat or go backwards.
func nextTimestamp(now, last time.Time) time.Time {
	if !now.After(last) {
		return last.Add(time.Microsecond)
	}
	return now
}
