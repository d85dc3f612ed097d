package domain

import (
	"time"

	"github.com/google/uuid"
)

// Webhook is an outbound subscription to bus events.
type Webhook struct {
	ID         string    `json:"id"`
	URL        string    `json:"url"`
	EventTypes []string  `json:"event_types"`
	Secret     string    `json:"secret,omitempty"`
	Enabled    bool      `json:"enabled"`
	CreatedAt  time.Time `json:"created_at"`
}

func NewWebhookID() string { return "whk_" + uuid.NewString() }

func NewDeliveryID() string { return "dlv_" + uuid.NewString() }

// Delivery records the outcome of one event sent to one webhook.
type Delivery struct {
	ID         string    `json:"id"`
	WebhookID  string    `json:"webhook_id"`
	EventType  string    `json:"event_type"`
	StatusCode int       `json:"status_code,omitempty"`
	Attempts   int       `json:"attempts"`
	Success    bool      `json:"success"`
	Error      string    `json:"error,omitempty"`
	At         time.Time `json:"at"`
}
