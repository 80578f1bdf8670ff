package models

import "time"

type Room struct {
	Code           string    `json:"code"`
	CreatedAt      time.Time `json:"created_at"`
	LastActivityAt time.Time `json:"last_activity_at"`
}

type CreateRoomResponse struct {
	Code string `json:"code"`
}

type JoinRoomRequest struct {
	Name string `json:"name"`
}

// JoinRoomResponse carries the join token a client presents on every
// room-scoped request and on the realtime socket.
type JoinRoomResponse struct {
	Room      string    `json:"room"`
	Name      string    `json:"name"`
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}
