package utils

import (
	"encoding/json"

	"github.com/gofiber/websocket/v2"
)

// SafeJSONParse parses JSON safely
func SafeJSONParse(data []byte, v interface{}) error {
	return json.Unmarshal(data, v)
}

// RawJSON marshals v, returning nil when v cannot be encoded.
func RawJSON(v interface{}) json.RawMessage {
	if v == nil {
		return nil
	}
	if raw, ok := v.(json.RawMessage); ok {
		return raw
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return data
}

// SendJSON sends a JSON payload to a WebSocket connection.
// Fiber's websocket implementation is not safe for concurrent writes; the
// caller must serialize writes (the gateway does this from a single write pump).
func SendJSON(c *websocket.Conn, payload interface{}) error {
	return c.WriteJSON(payload)
}
