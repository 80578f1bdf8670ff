package models

import "time"

const (
	// MaxContentLength bounds message text in characters.
	MaxContentLength = 5000

	// MaxNameLength bounds display names in characters.
	MaxNameLength = 50

	// SystemSender attributes join/leave notices.
	SystemSender = "System"
)

// FileRef points at an uploaded blob.
type FileRef struct {
	URL      string `json:"url"`
	MimeType string `json:"mime_type"`
	Name     string `json:"name"`
}

type Message struct {
	ID        string    `json:"id"`
	Room      string    `json:"session_code"`
	Sender    string    `json:"sender"`
	Content   string    `json:"content"`
	IsSystem  bool      `json:"is_system"`
	File      *FileRef  `json:"file,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// NewMessage is the insert request for a message; id and timestamp are
// assigned by the store.
type NewMessage struct {
	Room     string   `json:"session_code"`
	Sender   string   `json:"sender"`
	Content  string   `json:"content"`
	IsSystem bool     `json:"is_system"`
	File     *FileRef `json:"file,omitempty"`
}
