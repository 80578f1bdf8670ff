package models

import "time"

// PresenceMeta is the state a client tracks on a presence channel.
type PresenceMeta struct {
	Name     string    `json:"name"`
	OnlineAt time.Time `json:"online_at"`
}

// TypingPayload is broadcast on the typing channel.
type TypingPayload struct {
	UserName string `json:"userName"`
	IsTyping bool   `json:"isTyping"`
}
