package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"roomchat/internal/models"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	pgUniqueViolation     = "23505"
	pgForeignKeyViolation = "23503"
	pgCheckViolation      = "23514"
	pgInvalidText         = "22P02"
)

// Postgres stores rooms in PostgreSQL using the schema in package db.
type Postgres struct {
	pool *pgxpool.Pool
}

var _ Store = (*Postgres)(nil)

func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

// mapError turns constraint violations into store errors. onUnique is the
// error a unique violation stands for in the calling operation.
func mapError(err error, onUnique error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgUniqueViolation:
			return onUnique
		case pgForeignKeyViolation:
			return ErrNotFound
		case pgCheckViolation, pgInvalidText:
			return ErrInvalid
		}
	}
	return err
}

func (p *Postgres) CreateRoom(ctx context.Context, code string) error {
	if code == "" {
		return ErrInvalid
	}
	_, err := p.pool.Exec(ctx, `INSERT INTO chat_sessions (code) VALUES ($1)`, code)
	if err != nil {
		return fmt.Errorf("create room: %w", mapError(err, ErrConflict))
	}
	return nil
}

func (p *Postgres) Room(ctx context.Context, code string) (*models.Room, error) {
	var r models.Room
	err := p.pool.QueryRow(ctx,
		`SELECT code, created_at, last_activity_at FROM chat_sessions WHERE code = $1`, code).
		Scan(&r.Code, &r.CreatedAt, &r.LastActivityAt)
	if err != nil {
		return nil, mapError(err, ErrConflict)
	}
	return &r, nil
}

func (p *Postgres) RoomExists(ctx context.Context, code string) (bool, error) {
	var exists bool
	err := p.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM chat_sessions WHERE code = $1)`, code).Scan(&exists)
	if err != nil {
		return false, err
	}
	return exists, nil
}

func (p *Postgres) DeleteRoom(ctx context.Context, code string) error {
	tag, err := p.pool.Exec(ctx, `DELETE FROM chat_sessions WHERE code = $1`, code)
	if err != nil {
		return fmt.Errorf("delete room: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *Postgres) ExpiredRooms(ctx context.Context, cutoff time.Time) ([]string, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT code FROM chat_sessions WHERE last_activity_at < $1 ORDER BY code`, cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var codes []string
	for rows.Next() {
		var code string
		if err := rows.Scan(&code); err != nil {
			return nil, err
		}
		codes = append(codes, code)
	}
	return codes, rows.Err()
}

// InsertMessage bumps the room's activity timestamp under a row lock and
// uses it as the message timestamp, which keeps timestamps strictly
// increasing per room.
func (p *Postgres) InsertMessage(ctx context.Context, nm models.NewMessage) (*models.Message, error) {
	if err := ValidateMessage(nm); err != nil {
		return nil, err
	}

	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	var ts time.Time
	err = tx.QueryRow(ctx, `
		UPDATE chat_sessions
		SET last_activity_at = GREATEST(clock_timestamp(), last_activity_at + interval '1 microsecond')
		WHERE code = $1
		RETURNING last_activity_at`, nm.Room).Scan(&ts)
	if err != nil {
		return nil, mapError(err, ErrConflict)
	}

	msg := models.Message{
		ID:        uuid.New().String(),
		Room:      nm.Room,
		Sender:    nm.Sender,
		Content:   nm.Content,
		IsSystem:  nm.IsSystem,
		File:      nm.File,
		CreatedAt: ts.UTC(),
	}
	var fileURL, fileMime, fileName *string
	if nm.File != nil {
		fileURL, fileMime, fileName = &nm.File.URL, &nm.File.MimeType, &nm.File.Name
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO messages (id, session_code, sender, content, is_system, file_url, file_mime_type, file_name, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		msg.ID, msg.Room, msg.Sender, msg.Content, msg.IsSystem, fileURL, fileMime, fileName, msg.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("insert message: %w", mapError(err, ErrConflict))
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return &msg, nil
}

func (p *Postgres) ListMessages(ctx context.Context, room string) ([]models.Message, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT id, session_code, sender, content, is_system, file_url, file_mime_type, file_name, created_at
		FROM messages
		WHERE session_code = $1
		ORDER BY created_at ASC, id ASC`, room)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var messages []models.Message
	for rows.Next() {
		var (
			msg                         models.Message
			fileURL, fileMime, fileName *string
		)
		if err := rows.Scan(&msg.ID, &msg.Room, &msg.Sender, &msg.Content, &msg.IsSystem,
			&fileURL, &fileMime, &fileName, &msg.CreatedAt); err != nil {
			return nil, err
		}
		if fileURL != nil {
			msg.File = &models.FileRef{URL: *fileURL}
			if fileMime != nil {
				msg.File.MimeType = *fileMime
			}
			if fileName != nil {
				msg.File.Name = *fileName
			}
		}
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}

func (p *Postgres) AddReaction(ctx context.Context, r models.Reaction) error {
	if err := validateReaction(r); err != nil {
		return err
	}
	tag, err := p.pool.Exec(ctx, `
		INSERT INTO message_reactions (message_id, session_code, emoji, user_name)
		SELECT id, session_code, $3, $4 FROM messages WHERE id = $1 AND session_code = $2
		ON CONFLICT (message_id, emoji, user_name) DO NOTHING`,
		r.MessageID, r.Room, r.Emoji, r.UserName)
	if err != nil {
		return fmt.Errorf("add reaction: %w", mapError(err, ErrDuplicate))
	}
	if tag.RowsAffected() == 0 {
		return p.missingOr(ctx, r.Room, r.MessageID, ErrDuplicate)
	}
	return nil
}

// missingOr distinguishes "no such message" from a conflicting row after an
// insert affected nothing.
func (p *Postgres) missingOr(ctx context.Context, room, messageID string, conflict error) error {
	var exists bool
	err := p.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM messages WHERE id = $1 AND session_code = $2)`, messageID, room).Scan(&exists)
	if err != nil {
		return mapError(err, conflict)
	}
	if !exists {
		return ErrNotFound
	}
	return conflict
}

func (p *Postgres) RemoveReaction(ctx context.Context, r models.Reaction) error {
	if err := validateReaction(r); err != nil {
		return err
	}
	tag, err := p.pool.Exec(ctx, `
		DELETE FROM message_reactions
		WHERE message_id = $1 AND session_code = $2 AND emoji = $3 AND user_name = $4`,
		r.MessageID, r.Room, r.Emoji, r.UserName)
	if err != nil {
		return fmt.Errorf("remove reaction: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *Postgres) ListReactions(ctx context.Context, room string) ([]models.Reaction, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT message_id, session_code, emoji, user_name, created_at
		FROM message_reactions
		WHERE session_code = $1
		ORDER BY created_at ASC`, room)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Reaction
	for rows.Next() {
		var r models.Reaction
		if err := rows.Scan(&r.MessageID, &r.Room, &r.Emoji, &r.UserName, &r.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (p *Postgres) UpsertRead(ctx context.Context, r models.ReadReceipt) (bool, error) {
	if err := validateRead(r); err != nil {
		return false, err
	}
	tag, err := p.pool.Exec(ctx, `
		INSERT INTO message_reads (message_id, session_code, user_name)
		SELECT id, session_code, $3 FROM messages WHERE id = $1 AND session_code = $2
		ON CONFLICT (message_id, user_name) DO NOTHING`,
		r.MessageID, r.Room, r.UserName)
	if err != nil {
		return false, fmt.Errorf("upsert read: %w", mapError(err, ErrDuplicate))
	}
	if tag.RowsAffected() == 1 {
		return true, nil
	}
	if err := p.missingOr(ctx, r.Room, r.MessageID, nil); err != nil {
		return false, err
	}
	return false, nil
}

func (p *Postgres) ListReads(ctx context.Context, room string) ([]models.ReadReceipt, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT message_id, session_code, user_name, read_at
		FROM message_reads
		WHERE session_code = $1
		ORDER BY read_at ASC`, room)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.ReadReceipt
	for rows.Next() {
		var r models.ReadReceipt
		if err := rows.Scan(&r.MessageID, &r.Room, &r.UserName, &r.ReadAt); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
