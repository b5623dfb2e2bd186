package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/trailmail-systems/trailmail/internal/models"
)

const queryTimeout = 5 * time.Second

type PostgresRepository struct {
	pool *pgxpool.Pool
}

func NewPostgresRepository(ctx context.Context, connString string) (*PostgresRepository, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database config: %w", err)
	}

	config.MaxConns = 25
	config.MinConns = 5
	config.MaxConnLifetime = 5 * time.Minute
	config.MaxConnIdleTime = 1 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &PostgresRepository{pool: pool}, nil
}

func (r *PostgresRepository) Close() {
	r.pool.Close()
}

func (r *PostgresRepository) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}

func (r *PostgresRepository) GetSourceByToken(ctx context.Context, token string) (*models.Source, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	query := `SELECT id, name, token, created_at FROM sources WHERE token = $1`

	var source models.Source
	err := r.pool.QueryRow(ctx, query, token).Scan(
		&source.ID,
		&source.Name,
		&source.Token,
		&source.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrSourceNotFound
		}
		return nil, fmt.Errorf("failed to get source: %w", err)
	}

	return &source, nil
}

// InsertWebhook inserts a webhook row, ignoring the insert when a row
// with the same SNS message id already exists. The uniqueness constraint
// decides which of two concurrent inserts wins; the loser re-reads.
func (r *PostgresRepository) InsertWebhook(ctx context.Context, webhook *models.Webhook) error {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	query := `
		INSERT INTO webhooks (sns_message_id, sns_type, sns_timestamp, raw_payload, created_at)
		VALUES ($1, $2, $3, $4, NOW())
		ON CONFLICT (sns_message_id) DO NOTHING
	`

	_, err := r.pool.Exec(ctx, query,
		webhook.SNSMessageID,
		webhook.SNSType,
		webhook.SNSTimestamp,
		webhook.RawPayload,
	)
	if err != nil {
		return fmt.Errorf("failed to insert webhook: %w", err)
	}

	return nil
}

func (r *PostgresRepository) GetWebhookBySNSMessageID(ctx context.Context, snsMessageID string) (*models.Webhook, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	query := `
		SELECT id, sns_message_id, sns_type, sns_timestamp, raw_payload, processed_at, created_at
		FROM webhooks
		WHERE sns_message_id = $1
	`

	var webhook models.Webhook
	err := r.pool.QueryRow(ctx, query, snsMessageID).Scan(
		&webhook.ID,
		&webhook.SNSMessageID,
		&webhook.SNSType,
		&webhook.SNSTimestamp,
		&webhook.RawPayload,
		&webhook.ProcessedAt,
		&webhook.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrWebhookNotFound
		}
		return nil, fmt.Errorf("failed to get webhook: %w", err)
	}

	return &webhook, nil
}

func (r *PostgresRepository) MarkWebhookProcessed(ctx context.Context, webhookID int64, processedAt time.Time) error {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	query := `UPDATE webhooks SET processed_at = $2 WHERE id = $1`

	result, err := r.pool.Exec(ctx, query, webhookID, processedAt)
	if err != nil {
		return fmt.Errorf("failed to mark webhook processed: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrWebhookNotFound
	}

	return nil
}

// InsertMessage inserts a message row unless one with the same SES
// message id exists. The first event referencing a message id determines
// its stored metadata.
func (r *PostgresRepository) InsertMessage(ctx context.Context, message *models.Message) error {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	query := `
		INSERT INTO messages (source_id, ses_message_id, source_email, subject, sent_at, mail_data, events_count, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, 0, NOW())
		ON CONFLICT (ses_message_id) DO NOTHING
	`

	_, err := r.pool.Exec(ctx, query,
		message.SourceID,
		message.SESMessageID,
		message.SourceEmail,
		message.Subject,
		message.SentAt,
		message.MailData,
	)
	if err != nil {
		return fmt.Errorf("failed to insert message: %w", err)
	}

	return nil
}

func (r *PostgresRepository) GetMessageBySESMessageID(ctx context.Context, sesMessageID string) (*models.Message, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	query := `
		SELECT id, source_id, ses_message_id, source_email, subject, sent_at, mail_data, events_count, created_at
		FROM messages
		WHERE ses_message_id = $1
	`

	var message models.Message
	err := r.pool.QueryRow(ctx, query, sesMessageID).Scan(
		&message.ID,
		&message.SourceID,
		&message.SESMessageID,
		&message.SourceEmail,
		&message.Subject,
		&message.SentAt,
		&message.MailData,
		&message.EventsCount,
		&message.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrMessageNotFound
		}
		return nil, fmt.Errorf("failed to get message: %w", err)
	}

	return &message, nil
}

func (r *PostgresRepository) IncrementMessageEventsCount(ctx context.Context, messageID int64, delta int) error {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	query := `UPDATE messages SET events_count = events_count + $2 WHERE id = $1`

	result, err := r.pool.Exec(ctx, query, messageID, delta)
	if err != nil {
		return fmt.Errorf("failed to increment events count: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrMessageNotFound
	}

	return nil
}

// InsertEvent inserts one event row. A conflict on the per-tuple unique
// index means the event was already ingested; that is reported as
// inserted=false, not as an error.
func (r *PostgresRepository) InsertEvent(ctx context.Context, event *models.Event) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	query := `
		INSERT INTO events (message_id, webhook_id, event_type, recipient_email, event_at, ses_message_id, event_data, raw_data, bounce_type, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NULLIF($9, ''), NOW())
		ON CONFLICT (ses_message_id, event_type, recipient_email, event_at) DO NOTHING
	`

	result, err := r.pool.Exec(ctx, query,
		event.MessageID,
		event.WebhookID,
		event.EventType,
		event.RecipientEmail,
		event.EventAt,
		event.SESMessageID,
		event.EventData,
		event.RawData,
		event.BounceType,
	)
	if err != nil {
		return false, fmt.Errorf("failed to insert event: %w", err)
	}

	return result.RowsAffected() > 0, nil
}
