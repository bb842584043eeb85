// Package serializer provides payload codecs for queue messages.
package serializer

import (
	"encoding/json"
	"fmt"

	"github.com/fairyhunter13/queue-worker/internal/domain"
)

// JSON is the default codec: messages travel as JSON documents.
type JSON struct{}

// Marshal encodes a message for the wire.
func (JSON) Marshal(msg *domain.Message) ([]byte, error) {
	b, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("marshal message %s: %w", msg.ID, err)
	}
	return b, nil
}

// Unmarshal decodes a wire payload into a message.
func (JSON) Unmarshal(data []byte, msg *domain.Message) error {
	if err := json.Unmarshal(data, msg); err != nil {
		return fmt.Errorf("unmarshal message: %w", err)
	}
	return nil
}

// ContentType reports the MIME type of the encoded payload.
func (JSON) ContentType() string { return "application/json" }
