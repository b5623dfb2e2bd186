package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trailmail-systems/trailmail/internal/dlq"
	"github.com/trailmail-systems/trailmail/internal/logging"
	"github.com/trailmail-systems/trailmail/internal/models"
	"github.com/trailmail-systems/trailmail/internal/repository"
	"github.com/trailmail-systems/trailmail/pkg/sns"
)

func testLogger() *logging.Logger {
	return logging.New(slog.LevelError, "text")
}

func testSource() *models.Source {
	return &models.Source{ID: "11111111-1111-1111-1111-111111111111", Name: "app", Token: "tok-1"}
}

func disabledVerifier() *sns.Verifier {
	return sns.NewVerifier(sns.WithVerificationDisabled(true))
}

// envelopeBody wraps an inner payload map into a Notification envelope
// body with the given envelope id.
func envelopeBody(t *testing.T, snsMessageID string, inner map[string]interface{}) []byte {
	t.Helper()
	innerJSON, err := json.Marshal(inner)
	require.NoError(t, err)

	body, err := json.Marshal(map[string]interface{}{
		"Type":             sns.TypeNotification,
		"MessageId":        snsMessageID,
		"TopicArn":         "arn:aws:sns:us-east-1:123:ses-events",
		"Message":          string(innerJSON),
		"Timestamp":        "2024-05-01T12:00:00Z",
		"SignatureVersion": "1",
	})
	require.NoError(t, err)
	return body
}

func bouncePayload(sesMessageID string, recipients ...string) map[string]interface{} {
	objs := make([]interface{}, len(recipients))
	for i, r := range recipients {
		objs[i] = map[string]interface{}{"emailAddress": r}
	}
	return map[string]interface{}{
		"eventType": "Bounce",
		"mail": map[string]interface{}{
			"messageId": sesMessageID,
			"source":    "sender@example.com",
			"timestamp": "2024-05-01T11:59:00Z",
			"commonHeaders": map[string]interface{}{
				"subject": "Hello",
			},
		},
		"bounce": map[string]interface{}{
			"bounceType":        "Permanent",
			"bouncedRecipients": objs,
			"timestamp":         "2024-05-01T12:00:30Z",
		},
	}
}

func deliveryPayload(sesMessageID string, recipients ...string) map[string]interface{} {
	list := make([]interface{}, len(recipients))
	for i, r := range recipients {
		list[i] = r
	}
	return map[string]interface{}{
		"eventType": "Delivery",
		"mail": map[string]interface{}{
			"messageId": sesMessageID,
			"source":    "sender@example.com",
			"timestamp": "2024-05-01T11:59:00Z",
		},
		"delivery": map[string]interface{}{
			"recipients": list,
			"timestamp":  "2024-05-01T12:00:30Z",
		},
	}
}

func openPayload(sesMessageID string, destination ...string) map[string]interface{} {
	list := make([]interface{}, len(destination))
	for i, r := range destination {
		list[i] = r
	}
	return map[string]interface{}{
		"eventType": "Open",
		"mail": map[string]interface{}{
			"messageId":   sesMessageID,
			"source":      "sender@example.com",
			"timestamp":   "2024-05-01T11:59:00Z",
			"destination": list,
		},
	}
}

func TestProcessEnvelope_BounceScenario(t *testing.T) {
	repo := repository.NewInMemoryRepository()
	svc := NewIngestService(repo, disabledVerifier(), testLogger())
	ctx := context.Background()
	source := testSource()

	body := envelopeBody(t, "sns-1", bouncePayload("ses-1", "A@X.com"))

	require.NoError(t, svc.ProcessEnvelope(ctx, source, body))

	message, err := repo.GetMessageBySESMessageID(ctx, "ses-1")
	require.NoError(t, err)
	assert.Equal(t, 1, message.EventsCount)
	assert.Equal(t, "sender@example.com", message.SourceEmail)
	assert.Equal(t, "Hello", message.Subject)
	assert.Equal(t, source.ID, message.SourceID)

	events := repo.Events()
	require.Len(t, events, 1)
	assert.Equal(t, "a@x.com", events[0].RecipientEmail)
	assert.Equal(t, models.EventTypeBounce, events[0].EventType)
	assert.Equal(t, "Permanent", events[0].BounceType)
	assert.Equal(t, "ses-1", events[0].SESMessageID)

	webhook, err := repo.GetWebhookBySNSMessageID(ctx, "sns-1")
	require.NoError(t, err)
	assert.True(t, webhook.Processed())

	// Re-posting the identical body is a no-op.
	require.NoError(t, svc.ProcessEnvelope(ctx, source, body))
	message, err = repo.GetMessageBySESMessageID(ctx, "ses-1")
	require.NoError(t, err)
	assert.Equal(t, 1, message.EventsCount)
	assert.Equal(t, 1, repo.EventCount())
}

func TestProcessEnvelope_IdempotentReplay(t *testing.T) {
	repo := repository.NewInMemoryRepository()
	svc := NewIngestService(repo, disabledVerifier(), testLogger())
	ctx := context.Background()

	body := envelopeBody(t, "sns-replay", deliveryPayload("ses-replay", "x@y.com", "z@y.com"))

	require.NoError(t, svc.ProcessEnvelope(ctx, testSource(), body))

	webhook, err := repo.GetWebhookBySNSMessageID(ctx, "sns-replay")
	require.NoError(t, err)
	require.NotNil(t, webhook.ProcessedAt)
	firstWatermark := *webhook.ProcessedAt

	require.NoError(t, svc.ProcessEnvelope(ctx, testSource(), body))

	webhook, err = repo.GetWebhookBySNSMessageID(ctx, "sns-replay")
	require.NoError(t, err)
	assert.Equal(t, firstWatermark, *webhook.ProcessedAt, "watermark unchanged on replay")
	assert.Equal(t, 2, repo.EventCount())

	message, err := repo.GetMessageBySESMessageID(ctx, "ses-replay")
	require.NoError(t, err)
	assert.Equal(t, 2, message.EventsCount)
}

func TestProcessEnvelope_PerRecipientDedupAcrossEnvelopes(t *testing.T) {
	repo := repository.NewInMemoryRepository()
	svc := NewIngestService(repo, disabledVerifier(), testLogger())
	ctx := context.Background()
	source := testSource()

	envelopeA := envelopeBody(t, "sns-a", deliveryPayload("ses-m", "x@y.com", "y@y.com", "z@y.com"))
	envelopeB := envelopeBody(t, "sns-b", openPayload("ses-m", "x@y.com"))

	require.NoError(t, svc.ProcessEnvelope(ctx, source, envelopeA))
	message, err := repo.GetMessageBySESMessageID(ctx, "ses-m")
	require.NoError(t, err)
	assert.Equal(t, 3, message.EventsCount)

	require.NoError(t, svc.ProcessEnvelope(ctx, source, envelopeB))
	message, err = repo.GetMessageBySESMessageID(ctx, "ses-m")
	require.NoError(t, err)
	assert.Equal(t, 4, message.EventsCount)
	assert.Equal(t, 4, repo.EventCount())

	// Replaying envelope A changes nothing.
	require.NoError(t, svc.ProcessEnvelope(ctx, source, envelopeA))
	message, err = repo.GetMessageBySESMessageID(ctx, "ses-m")
	require.NoError(t, err)
	assert.Equal(t, 4, message.EventsCount)
	assert.Equal(t, 4, repo.EventCount())
}

func TestProcessEnvelope_FirstMessageMetadataWins(t *testing.T) {
	repo := repository.NewInMemoryRepository()
	svc := NewIngestService(repo, disabledVerifier(), testLogger())
	ctx := context.Background()

	first := bouncePayload("ses-meta", "a@y.com")
	second := deliveryPayload("ses-meta", "a@y.com")
	second["mail"].(map[string]interface{})["source"] = "other@example.com"

	require.NoError(t, svc.ProcessEnvelope(ctx, testSource(), envelopeBody(t, "sns-m1", first)))
	require.NoError(t, svc.ProcessEnvelope(ctx, testSource(), envelopeBody(t, "sns-m2", second)))

	message, err := repo.GetMessageBySESMessageID(ctx, "ses-meta")
	require.NoError(t, err)
	assert.Equal(t, "sender@example.com", message.SourceEmail, "first event's metadata is kept")
}

func TestProcessEnvelope_SignatureRejectedNoPersistence(t *testing.T) {
	repo := repository.NewInMemoryRepository()
	// Verification enabled; the envelope carries no valid signature.
	svc := NewIngestService(repo, sns.NewVerifier(), testLogger())

	body := envelopeBody(t, "sns-bad-sig", bouncePayload("ses-x", "a@y.com"))

	err := svc.ProcessEnvelope(context.Background(), testSource(), body)
	assert.ErrorIs(t, err, ErrSignatureInvalid)
	assert.Equal(t, 0, repo.EventCount())
	_, err = repo.GetWebhookBySNSMessageID(context.Background(), "sns-bad-sig")
	assert.ErrorIs(t, err, repository.ErrWebhookNotFound)
}

func TestProcessEnvelope_UnknownType(t *testing.T) {
	repo := repository.NewInMemoryRepository()
	svc := NewIngestService(repo, disabledVerifier(), testLogger())

	body, err := json.Marshal(map[string]interface{}{
		"Type":      "SomethingElse",
		"MessageId": "sns-u",
	})
	require.NoError(t, err)

	err = svc.ProcessEnvelope(context.Background(), testSource(), body)
	assert.ErrorIs(t, err, ErrUnknownEnvelopeType)
	assert.Equal(t, 0, repo.EventCount())
}

func TestProcessEnvelope_InvalidPayloads(t *testing.T) {
	repo := repository.NewInMemoryRepository()
	svc := NewIngestService(repo, disabledVerifier(), testLogger())
	ctx := context.Background()

	t.Run("malformed outer JSON", func(t *testing.T) {
		err := svc.ProcessEnvelope(ctx, testSource(), []byte(`{broken`))
		assert.ErrorIs(t, err, sns.ErrInvalidEnvelope)
	})

	t.Run("inner message not JSON", func(t *testing.T) {
		body, _ := json.Marshal(map[string]interface{}{
			"Type":      sns.TypeNotification,
			"MessageId": "sns-i1",
			"Message":   "not json at all",
		})
		err := svc.ProcessEnvelope(ctx, testSource(), body)
		assert.ErrorIs(t, err, ErrInvalidPayload)
	})

	t.Run("inner message without mail message id", func(t *testing.T) {
		body := envelopeBody(t, "sns-i2", map[string]interface{}{
			"eventType": "Delivery",
			"mail":      map[string]interface{}{"source": "a@b.com"},
		})
		err := svc.ProcessEnvelope(ctx, testSource(), body)
		assert.ErrorIs(t, err, ErrInvalidPayload)
	})

	assert.Equal(t, 0, repo.EventCount())
}

func TestProcessEnvelope_SubscriptionConfirmation(t *testing.T) {
	var fetched atomic.Int64
	confirm := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fetched.Add(1)
	}))
	defer confirm.Close()

	repo := repository.NewInMemoryRepository()
	svc := NewIngestService(repo, disabledVerifier(), testLogger(),
		WithHTTPClient(confirm.Client()))

	body, err := json.Marshal(map[string]interface{}{
		"Type":         sns.TypeSubscriptionConfirmation,
		"MessageId":    "sns-sub",
		"SubscribeURL": confirm.URL + "/confirm",
		"Token":        "tok",
	})
	require.NoError(t, err)

	require.NoError(t, svc.ProcessEnvelope(context.Background(), testSource(), body))
	assert.Equal(t, int64(1), fetched.Load())
	// Confirmations persist nothing.
	assert.Equal(t, 0, repo.EventCount())
}

func TestProcessEnvelope_SubscriptionConfirmationFetchFailureIsSwallowed(t *testing.T) {
	repo := repository.NewInMemoryRepository()
	svc := NewIngestService(repo, disabledVerifier(), testLogger(),
		WithHTTPClient(&http.Client{Timeout: 100 * time.Millisecond}))

	body, err := json.Marshal(map[string]interface{}{
		"Type":         sns.TypeSubscriptionConfirmation,
		"MessageId":    "sns-sub-2",
		"SubscribeURL": "http://127.0.0.1:1/unreachable",
	})
	require.NoError(t, err)

	assert.NoError(t, svc.ProcessEnvelope(context.Background(), testSource(), body))
}

func TestProcessEnvelope_UnsubscribeConfirmation(t *testing.T) {
	repo := repository.NewInMemoryRepository()
	svc := NewIngestService(repo, disabledVerifier(), testLogger())

	body, err := json.Marshal(map[string]interface{}{
		"Type":      sns.TypeUnsubscribeConfirmation,
		"MessageId": "sns-unsub",
	})
	require.NoError(t, err)

	assert.NoError(t, svc.ProcessEnvelope(context.Background(), testSource(), body))
	assert.Equal(t, 0, repo.EventCount())
}

// flakyRepo fails MarkWebhookProcessed a configured number of times to
// simulate the store becoming unavailable mid-pipeline.
type flakyRepo struct {
	*repository.InMemoryRepository
	markFailures int
}

func (f *flakyRepo) MarkWebhookProcessed(ctx context.Context, webhookID int64, processedAt time.Time) error {
	if f.markFailures > 0 {
		f.markFailures--
		return fmt.Errorf("store unavailable")
	}
	return f.InMemoryRepository.MarkWebhookProcessed(ctx, webhookID, processedAt)
}

func TestProcessEnvelope_PartialFailureConvergesOnRetry(t *testing.T) {
	repo := &flakyRepo{InMemoryRepository: repository.NewInMemoryRepository(), markFailures: 1}
	svc := NewIngestService(repo, disabledVerifier(), testLogger())
	ctx := context.Background()
	source := testSource()

	body := envelopeBody(t, "sns-flaky", deliveryPayload("ses-flaky", "x@y.com", "z@y.com"))

	// First attempt inserts events but fails before the watermark.
	err := svc.ProcessEnvelope(ctx, source, body)
	require.Error(t, err)

	webhook, err := repo.GetWebhookBySNSMessageID(ctx, "sns-flaky")
	require.NoError(t, err)
	assert.False(t, webhook.Processed(), "created but not processed")

	// The upstream retry redoes steps safely and converges.
	require.NoError(t, svc.ProcessEnvelope(ctx, source, body))

	webhook, err = repo.GetWebhookBySNSMessageID(ctx, "sns-flaky")
	require.NoError(t, err)
	assert.True(t, webhook.Processed())

	message, err := repo.GetMessageBySESMessageID(ctx, "ses-flaky")
	require.NoError(t, err)
	assert.Equal(t, 2, message.EventsCount, "counter moved only by newly inserted rows")
	assert.Equal(t, 2, repo.EventCount())
}

// recordingQueue captures DLQ writes.
type recordingQueue struct {
	entries []*dlq.FailedEnvelope
}

func (q *recordingQueue) Write(ctx context.Context, entry *dlq.FailedEnvelope) error {
	q.entries = append(q.entries, entry)
	return nil
}

func TestProcessEnvelope_IngestionFailureGoesToDLQ(t *testing.T) {
	queue := &recordingQueue{}
	repo := &flakyRepo{InMemoryRepository: repository.NewInMemoryRepository(), markFailures: 1}
	svc := NewIngestService(repo, disabledVerifier(), testLogger(),
		WithDeadLetterQueue(queue))

	body := envelopeBody(t, "sns-dlq", deliveryPayload("ses-dlq", "x@y.com"))

	err := svc.ProcessEnvelope(context.Background(), testSource(), body)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrSignatureInvalid)
	assert.NotErrorIs(t, err, ErrInvalidPayload)

	require.Len(t, queue.entries, 1)
	assert.Equal(t, "sns-dlq", queue.entries[0].SNSMessageID)
	assert.Equal(t, "ingestion", queue.entries[0].Reason)
	assert.JSONEq(t, string(body), string(queue.entries[0].RawPayload))
}

func TestProcessEnvelope_RejectionsSkipDLQ(t *testing.T) {
	queue := &recordingQueue{}
	svc := NewIngestService(repository.NewInMemoryRepository(), sns.NewVerifier(), testLogger(),
		WithDeadLetterQueue(queue))

	body := envelopeBody(t, "sns-rej", bouncePayload("ses-rej", "a@y.com"))

	err := svc.ProcessEnvelope(context.Background(), testSource(), body)
	assert.ErrorIs(t, err, ErrSignatureInvalid)
	assert.Empty(t, queue.entries, "authentication failures are not replayable store failures")
}

func TestProcessEnvelope_NoRecipientsStillProcesses(t *testing.T) {
	repo := repository.NewInMemoryRepository()
	svc := NewIngestService(repo, disabledVerifier(), testLogger())
	ctx := context.Background()

	payload := map[string]interface{}{
		"eventType": "Send",
		"mail": map[string]interface{}{
			"messageId": "ses-empty",
			"source":    "sender@example.com",
			"timestamp": "2024-05-01T11:59:00Z",
		},
	}
	body := envelopeBody(t, "sns-empty", payload)

	require.NoError(t, svc.ProcessEnvelope(ctx, testSource(), body))

	webhook, err := repo.GetWebhookBySNSMessageID(ctx, "sns-empty")
	require.NoError(t, err)
	assert.True(t, webhook.Processed())

	message, err := repo.GetMessageBySESMessageID(ctx, "ses-empty")
	require.NoError(t, err)
	assert.Equal(t, 0, message.EventsCount)
	assert.Equal(t, 0, repo.EventCount())
}

func TestProcessEnvelope_CaseFoldedRecipientsCollide(t *testing.T) {
	repo := repository.NewInMemoryRepository()
	svc := NewIngestService(repo, disabledVerifier(), testLogger())
	ctx := context.Background()

	upper := envelopeBody(t, "sns-c1", deliveryPayload("ses-case", "A@Example.com"))
	lower := envelopeBody(t, "sns-c2", deliveryPayload("ses-case", "a@example.com"))

	require.NoError(t, svc.ProcessEnvelope(ctx, testSource(), upper))
	require.NoError(t, svc.ProcessEnvelope(ctx, testSource(), lower))

	message, err := repo.GetMessageBySESMessageID(ctx, "ses-case")
	require.NoError(t, err)
	assert.Equal(t, 1, message.EventsCount, "case variants of one recipient collide")
	assert.Equal(t, 1, repo.EventCount())
}
