package models

import (
	"encoding/json"
	"time"
)

// EventType enumerates the SES event kinds carried inside a notification.
type EventType string

const (
	EventTypeSend             EventType = "Send"
	EventTypeDelivery         EventType = "Delivery"
	EventTypeBounce           EventType = "Bounce"
	EventTypeComplaint        EventType = "Complaint"
	EventTypeReject           EventType = "Reject"
	EventTypeOpen             EventType = "Open"
	EventTypeClick            EventType = "Click"
	EventTypeRenderingFailure EventType = "Rendering Failure"
	EventTypeDeliveryDelay    EventType = "DeliveryDelay"
	EventTypeSubscription     EventType = "Subscription"

	// EventTypeUnknown is the sentinel used when the payload carries no
	// usable eventType discriminator.
	EventTypeUnknown EventType = "Unknown"
)

// Source is the owner of incoming events, resolved from the opaque
// webhook path token.
type Source struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Token     string    `json:"-"`
	CreatedAt time.Time `json:"created_at"`
}

// Webhook records one received transport envelope. SNSMessageID is
// globally unique; ProcessedAt is the ingestion watermark and stays nil
// until the envelope has been fully ingested.
type Webhook struct {
	ID           int64           `json:"id"`
	SNSMessageID string          `json:"sns_message_id"`
	SNSType      string          `json:"sns_type"`
	SNSTimestamp *time.Time      `json:"sns_timestamp,omitempty"`
	RawPayload   json.RawMessage `json:"raw_payload"`
	ProcessedAt  *time.Time      `json:"processed_at,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
}

// Processed reports whether the envelope has been fully ingested.
func (w *Webhook) Processed() bool {
	return w.ProcessedAt != nil
}

// Message is one distinct sent email, keyed by the mail system's message
// id. The first event referencing a given SESMessageID determines the
// stored metadata; EventsCount tracks how many event rows reference it.
type Message struct {
	ID           int64           `json:"id"`
	SourceID     string          `json:"source_id"`
	SESMessageID string          `json:"ses_message_id"`
	SourceEmail  string          `json:"source_email"`
	Subject      string          `json:"subject"`
	SentAt       *time.Time      `json:"sent_at,omitempty"`
	MailData     json.RawMessage `json:"mail_data,omitempty"`
	EventsCount  int             `json:"events_count"`
	CreatedAt    time.Time       `json:"created_at"`
}

// Event is one (message, recipient, event type, occurrence). The tuple
// (SESMessageID, EventType, RecipientEmail, EventAt) is unique in the
// store; conflicting inserts are the duplicate-suppression mechanism.
type Event struct {
	ID             int64           `json:"id"`
	MessageID      int64           `json:"message_id"`
	WebhookID      *int64          `json:"webhook_id,omitempty"`
	EventType      EventType       `json:"event_type"`
	RecipientEmail string          `json:"recipient_email"`
	EventAt        time.Time       `json:"event_at"`
	SESMessageID   string          `json:"ses_message_id"`
	EventData      json.RawMessage `json:"event_data,omitempty"`
	RawData        json.RawMessage `json:"raw_data,omitempty"`
	BounceType     string          `json:"bounce_type,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
}
