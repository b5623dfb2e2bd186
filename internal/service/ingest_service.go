package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/trailmail-systems/trailmail/internal/dlq"
	"github.com/trailmail-systems/trailmail/internal/logging"
	"github.com/trailmail-systems/trailmail/internal/metrics"
	"github.com/trailmail-systems/trailmail/internal/models"
	"github.com/trailmail-systems/trailmail/internal/normalizer"
	"github.com/trailmail-systems/trailmail/internal/repository"
	"github.com/trailmail-systems/trailmail/pkg/sns"
)

var (
	// ErrSignatureInvalid rejects an envelope whose authenticity could
	// not be established. Absence of the capability to verify counts as
	// failure, never as implicit trust.
	ErrSignatureInvalid = errors.New("signature verification failed")

	// ErrUnknownEnvelopeType rejects envelope types outside the three
	// handled values.
	ErrUnknownEnvelopeType = errors.New("unknown envelope type")

	// ErrInvalidPayload rejects notifications whose inner payload is
	// absent, unparsable, or missing the mail message id.
	ErrInvalidPayload = errors.New("invalid notification payload")
)

// IngestService runs the receive-verify-normalize-persist pipeline for
// one envelope at a time. It holds no in-process shared mutable state;
// correctness under concurrent and replayed deliveries comes entirely
// from the store's uniqueness constraints.
type IngestService struct {
	repo     repository.Repository
	verifier *sns.Verifier
	client   *http.Client
	deadLQ   dlq.Queue
	logger   *logging.Logger
	now      func() time.Time
}

// Option configures an IngestService.
type Option func(*IngestService)

// WithHTTPClient overrides the client used for subscription confirmation
// fetches.
func WithHTTPClient(c *http.Client) Option {
	return func(s *IngestService) { s.client = c }
}

// WithDeadLetterQueue attaches a DLQ for envelopes that fail ingestion.
func WithDeadLetterQueue(q dlq.Queue) Option {
	return func(s *IngestService) { s.deadLQ = q }
}

// WithClock overrides the time source. For tests.
func WithClock(now func() time.Time) Option {
	return func(s *IngestService) { s.now = now }
}

func NewIngestService(repo repository.Repository, verifier *sns.Verifier, logger *logging.Logger, opts ...Option) *IngestService {
	s := &IngestService{
		repo:     repo,
		verifier: verifier,
		client:   &http.Client{Timeout: 10 * time.Second},
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ProcessEnvelope classifies, verifies, and dispatches one envelope
// body. It returns nil for every accepted outcome, including
// already-processed no-ops and confirmations.
func (s *IngestService) ProcessEnvelope(ctx context.Context, source *models.Source, body []byte) error {
	env, err := sns.Parse(body)
	if err != nil {
		metrics.EnvelopesTotal.WithLabelValues("invalid", "rejected").Inc()
		return err
	}

	if !env.Handled() {
		metrics.EnvelopesTotal.WithLabelValues(env.Type, "rejected").Inc()
		return fmt.Errorf("%w: %q", ErrUnknownEnvelopeType, env.Type)
	}

	if !s.verifier.Verify(ctx, env) {
		metrics.VerificationFailures.Inc()
		metrics.EnvelopesTotal.WithLabelValues(env.Type, "rejected").Inc()
		return fmt.Errorf("%w: envelope %s", ErrSignatureInvalid, env.MessageID)
	}

	switch env.Type {
	case sns.TypeSubscriptionConfirmation:
		s.confirmSubscription(ctx, env)
		metrics.EnvelopesTotal.WithLabelValues(env.Type, "accepted").Inc()
		return nil
	case sns.TypeUnsubscribeConfirmation:
		s.logger.InfoContext(ctx, "unsubscribe confirmation acknowledged",
			"sns_message_id", env.MessageID)
		metrics.EnvelopesTotal.WithLabelValues(env.Type, "accepted").Inc()
		return nil
	}

	inner, err := env.InnerMessage()
	if err != nil {
		metrics.EnvelopesTotal.WithLabelValues(env.Type, "rejected").Inc()
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	normalized, err := normalizer.Normalize(inner)
	if err != nil {
		metrics.EnvelopesTotal.WithLabelValues(env.Type, "rejected").Inc()
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}

	start := s.now()
	if err := s.ingest(ctx, source, env, body, normalized); err != nil {
		s.writeDLQ(ctx, source, env, body, err)
		metrics.EnvelopesTotal.WithLabelValues(env.Type, "failed").Inc()
		return fmt.Errorf("ingestion failed: %w", err)
	}
	metrics.IngestionDuration.Observe(time.Since(start).Seconds())
	metrics.EnvelopesTotal.WithLabelValues(env.Type, "accepted").Inc()

	return nil
}

// ingest is the idempotent coordinator. Every step tolerates being
// re-run: webhook and message creation are insert-or-get, event inserts
// are conflict-ignoring, and the counter moves only by the number of
// rows newly inserted. A retried delivery that finds the watermark set
// stops immediately.
func (s *IngestService) ingest(ctx context.Context, source *models.Source, env *sns.Envelope, raw []byte, normalized *normalizer.Event) error {
	webhook, err := s.findOrCreateWebhook(ctx, env, raw)
	if err != nil {
		return err
	}

	if webhook.Processed() {
		s.logger.InfoContext(ctx, "envelope already processed",
			"sns_message_id", webhook.SNSMessageID, "processed_at", webhook.ProcessedAt)
		return nil
	}

	message, err := s.findOrCreateMessage(ctx, source, normalized)
	if err != nil {
		return err
	}

	eventData, err := json.Marshal(normalized.EventData)
	if err != nil {
		return fmt.Errorf("marshal event data: %w", err)
	}

	inserted := 0
	for _, recipient := range normalized.Recipients {
		event := &models.Event{
			MessageID:      message.ID,
			WebhookID:      &webhook.ID,
			EventType:      normalized.EventType,
			RecipientEmail: recipient,
			EventAt:        normalized.Timestamp,
			SESMessageID:   normalized.SESMessageID,
			EventData:      eventData,
			RawData:        json.RawMessage(env.Message),
			BounceType:     normalized.BounceType,
		}
		created, err := s.repo.InsertEvent(ctx, event)
		if err != nil {
			return fmt.Errorf("insert event for %s: %w", recipient, err)
		}
		if created {
			inserted++
			metrics.EventsInsertedTotal.Inc()
		} else {
			metrics.EventsDuplicateTotal.Inc()
		}
	}

	if inserted > 0 {
		if err := s.repo.IncrementMessageEventsCount(ctx, message.ID, inserted); err != nil {
			return fmt.Errorf("increment events count: %w", err)
		}
	}

	if err := s.repo.MarkWebhookProcessed(ctx, webhook.ID, s.now()); err != nil {
		return fmt.Errorf("mark webhook processed: %w", err)
	}

	s.logger.InfoContext(ctx, "envelope ingested",
		"sns_message_id", webhook.SNSMessageID,
		"ses_message_id", normalized.SESMessageID,
		"event_type", normalized.EventType,
		"recipients", len(normalized.Recipients),
		"inserted", inserted)

	return nil
}

// findOrCreateWebhook looks up the webhook row for this envelope id,
// inserting it first when absent. The insert is conflict-ignoring and
// followed by a re-read, so when two concurrent deliveries of the same
// envelope race, both end up holding the single winner's row.
func (s *IngestService) findOrCreateWebhook(ctx context.Context, env *sns.Envelope, raw []byte) (*models.Webhook, error) {
	webhook, err := s.repo.GetWebhookBySNSMessageID(ctx, env.MessageID)
	if err == nil {
		return webhook, nil
	}
	if !errors.Is(err, repository.ErrWebhookNotFound) {
		return nil, fmt.Errorf("get webhook: %w", err)
	}

	insert := &models.Webhook{
		SNSMessageID: env.MessageID,
		SNSType:      env.Type,
		SNSTimestamp: env.ParsedTimestamp(),
		RawPayload:   json.RawMessage(raw),
	}
	if err := s.repo.InsertWebhook(ctx, insert); err != nil {
		return nil, fmt.Errorf("insert webhook: %w", err)
	}

	webhook, err = s.repo.GetWebhookBySNSMessageID(ctx, env.MessageID)
	if err != nil {
		return nil, fmt.Errorf("re-read webhook after insert: %w", err)
	}
	return webhook, nil
}

// findOrCreateMessage resolves the Message row for the normalized
// event's mail message id with the same insert-or-get pattern. The first
// event referencing a message id determines its stored metadata.
func (s *IngestService) findOrCreateMessage(ctx context.Context, source *models.Source, normalized *normalizer.Event) (*models.Message, error) {
	message, err := s.repo.GetMessageBySESMessageID(ctx, normalized.SESMessageID)
	if err == nil {
		return message, nil
	}
	if !errors.Is(err, repository.ErrMessageNotFound) {
		return nil, fmt.Errorf("get message: %w", err)
	}

	mailData, err := json.Marshal(normalized.Mail)
	if err != nil {
		return nil, fmt.Errorf("marshal mail data: %w", err)
	}
	insert := &models.Message{
		SourceID:     source.ID,
		SESMessageID: normalized.SESMessageID,
		SourceEmail:  normalized.SourceEmail,
		Subject:      normalized.Subject,
		SentAt:       normalized.SentAt,
		MailData:     mailData,
	}
	if err := s.repo.InsertMessage(ctx, insert); err != nil {
		return nil, fmt.Errorf("insert message: %w", err)
	}

	message, err = s.repo.GetMessageBySESMessageID(ctx, normalized.SESMessageID)
	if err != nil {
		return nil, fmt.Errorf("re-read message after insert: %w", err)
	}
	return message, nil
}

// confirmSubscription issues the single outbound fetch to the
// confirmation URL. Failures are logged, never surfaced: the provider
// re-sends unconfirmed subscriptions on its own.
func (s *IngestService) confirmSubscription(ctx context.Context, env *sns.Envelope) {
	if env.SubscribeURL == "" {
		s.logger.WarnContext(ctx, "subscription confirmation without SubscribeURL",
			"sns_message_id", env.MessageID)
		return
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, env.SubscribeURL, nil)
	if err != nil {
		s.logger.ErrorContext(ctx, "invalid subscribe URL",
			"sns_message_id", env.MessageID, "error", err)
		return
	}
	resp, err := s.client.Do(req)
	if err != nil {
		s.logger.ErrorContext(ctx, "subscription confirmation fetch failed",
			"sns_message_id", env.MessageID, "error", err)
		return
	}
	resp.Body.Close()

	s.logger.InfoContext(ctx, "subscription confirmed",
		"sns_message_id", env.MessageID, "status", resp.StatusCode)
}

func (s *IngestService) writeDLQ(ctx context.Context, source *models.Source, env *sns.Envelope, raw []byte, cause error) {
	if s.deadLQ == nil {
		return
	}
	entry := &dlq.FailedEnvelope{
		Timestamp:    s.now(),
		SNSMessageID: env.MessageID,
		SourceID:     source.ID,
		RawPayload:   json.RawMessage(raw),
		Error:        cause.Error(),
		Reason:       "ingestion",
	}
	// DLQ publish failure never changes the request outcome.
	_ = s.deadLQ.Write(ctx, entry)
}
