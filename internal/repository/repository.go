package repository

import (
	"context"
	"errors"
	"time"

	"github.com/trailmail-systems/trailmail/internal/models"
)

var (
	ErrSourceNotFound  = errors.New("source not found")
	ErrWebhookNotFound = errors.New("webhook not found")
	ErrMessageNotFound = errors.New("message not found")
)

// Repository is the durable store the ingestion coordinator runs
// against. Inserts for webhooks, messages and events are
// conflict-ignoring: a row that already exists is not an error, and the
// authoritative row is obtained by re-reading. That contract, not
// transactions or locks, is what makes concurrent and replayed
// deliveries safe.
type Repository interface {
	GetSourceByToken(ctx context.Context, token string) (*models.Source, error)

	// InsertWebhook inserts the webhook row unless one with the same
	// SNS message id already exists. The caller re-reads either way.
	InsertWebhook(ctx context.Context, webhook *models.Webhook) error
	GetWebhookBySNSMessageID(ctx context.Context, snsMessageID string) (*models.Webhook, error)
	// MarkWebhookProcessed sets the ingestion watermark.
	MarkWebhookProcessed(ctx context.Context, webhookID int64, processedAt time.Time) error

	// InsertMessage inserts the message row unless one with the same
	// SES message id already exists; the first writer's metadata wins.
	InsertMessage(ctx context.Context, message *models.Message) error
	GetMessageBySESMessageID(ctx context.Context, sesMessageID string) (*models.Message, error)
	IncrementMessageEventsCount(ctx context.Context, messageID int64, delta int) error

	// InsertEvent inserts one event row and reports whether a new row
	// was created. A violation of the per-tuple uniqueness constraint
	// is not an error; it returns false.
	InsertEvent(ctx context.Context, event *models.Event) (bool, error)

	Ping(ctx context.Context) error
	Close()
}
