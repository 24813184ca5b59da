package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// WebhookLog is the append-only audit row for an authenticated gateway event.
// Only Processed and Error change after insert.
type WebhookLog struct {
	ID        uuid.UUID       `json:"id"`
	Gateway   string          `json:"gateway"`
	EventType string          `json:"event_type"`
	Reference string          `json:"reference,omitempty"`
	Payload   json.RawMessage `json:"payload"`
	Processed bool            `json:"processed"`
	Error     *string         `json:"error,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// WebhookEvent is the parsed gateway envelope {event, data:{reference, status, amount}}.
type WebhookEvent struct {
	Event string           `json:"event"`
	Data  WebhookEventData `json:"data"`
}

type WebhookEventData struct {
	Reference string          `json:"reference"`
	Status    string          `json:"status"`
	Amount    json.RawMessage `json:"amount,omitempty"`
}
