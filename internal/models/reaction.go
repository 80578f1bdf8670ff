package models

import "time"

// Reaction is one (message, emoji, actor) triple. The store keeps at most
// one per triple.
type Reaction struct {
	MessageID string    `json:"message_id"`
	Room      string    `json:"session_code"`
	Emoji     string    `json:"emoji"`
	UserName  string    `json:"user_name"`
	CreatedAt time.Time `json:"created_at"`
}

type ReadReceipt struct {
	MessageID string    `json:"message_id"`
	Room      string    `json:"session_code"`
	UserName  string    `json:"user_name"`
	ReadAt    time.Time `json:"read_at"`
}

type UpsertReadResponse struct {
	Created bool `json:"created"`
}

// ReactionRequest adds or removes the caller's reaction.
type ReactionRequest struct {
	MessageID string `json:"message_id"`
	Emoji     string `json:"emoji"`
}

type ReadRequest struct {
	MessageID string `json:"message_id"`
}
