package workflow

import (
	"encoding/json"
	"fmt"
)

// ParseNATSMessage unwraps wire bytes into a typed payload. Handles both the
// standard BaseMessage envelope ({"id","type","payload","meta"}) and raw JSON
// published directly to the subject.
func ParseNATSMessage[T any](data []byte) (*T, error) {
	body := data

	var envelope struct {
		Payload json.RawMessage `json:"payload"`
	}
	if err := json.Unmarshal(data, &envelope); err == nil && len(envelope.Payload) > 0 {
		body = envelope.Payload
	}

	var out T
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("unmarshal payload: %w", err)
	}
	return &out, nil
}
