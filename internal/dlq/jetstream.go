// Package dlq writes envelopes that failed ingestion to a dead letter
// queue so operators can inspect and replay them.
package dlq

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/trailmail-systems/trailmail/internal/logging"
	"github.com/trailmail-systems/trailmail/internal/metrics"
)

const (
	streamName    = "WEBHOOK_DLQ"
	subjectPrefix = "webhooks.dlq."
)

// FailedEnvelope is the DLQ record for one failed delivery.
type FailedEnvelope struct {
	Timestamp    time.Time       `json:"timestamp"`
	SNSMessageID string          `json:"sns_message_id"`
	SourceID     string          `json:"source_id,omitempty"`
	RawPayload   json.RawMessage `json:"raw_payload"`
	Error        string          `json:"error"`
	Reason       string          `json:"reason"`
}

// Queue is the write side of the dead letter queue.
type Queue interface {
	Write(ctx context.Context, entry *FailedEnvelope) error
}

// JetStreamQueue writes failed envelopes to NATS JetStream for a
// centralized DLQ. Safe for use across multiple ingest instances. A nil
// *JetStreamQueue is a valid no-op queue.
type JetStreamQueue struct {
	conn    *nats.Conn
	stream  jetstream.Stream
	js      jetstream.JetStream
	logger  *logging.Logger
	written uint64
}

// NewJetStreamQueue connects to NATS and ensures the DLQ stream exists.
func NewJetStreamQueue(ctx context.Context, natsURL string, logger *logging.Logger) (*JetStreamQueue, error) {
	conn, err := nats.Connect(natsURL)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}

	js, err := jetstream.New(conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("create jetstream context: %w", err)
	}

	stream, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:     streamName,
		Subjects: []string{subjectPrefix + ">"},
		MaxAge:   7 * 24 * time.Hour,
		Storage:  jetstream.FileStorage,
	})
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("create dlq stream: %w", err)
	}

	logger.Info("dead letter queue ready", "stream", streamName)

	return &JetStreamQueue{
		conn:   conn,
		stream: stream,
		js:     js,
		logger: logger,
	}, nil
}

// Write publishes a failed envelope under webhooks.dlq.<reason>.
func (q *JetStreamQueue) Write(ctx context.Context, entry *FailedEnvelope) error {
	if q == nil {
		return nil
	}

	data, err := json.Marshal(entry)
	if err != nil {
		q.logger.ErrorContext(ctx, "failed to marshal dlq entry", "error", err)
		return err
	}

	if _, err := q.js.Publish(ctx, subjectPrefix+entry.Reason, data); err != nil {
		q.logger.ErrorContext(ctx, "failed to publish dlq entry", "error", err)
		return err
	}

	atomic.AddUint64(&q.written, 1)
	metrics.DLQWrites.Inc()
	q.logger.InfoContext(ctx, "published failed envelope to dlq",
		"sns_message_id", entry.SNSMessageID, "reason", entry.Reason)

	return nil
}

// Stats returns DLQ metrics from JetStream.
func (q *JetStreamQueue) Stats(ctx context.Context) map[string]interface{} {
	if q == nil {
		return map[string]interface{}{"enabled": false}
	}

	info, err := q.stream.Info(ctx)
	if err != nil {
		return map[string]interface{}{
			"enabled":       true,
			"written_local": atomic.LoadUint64(&q.written),
			"error":         err.Error(),
		}
	}

	return map[string]interface{}{
		"enabled":        true,
		"written_local":  atomic.LoadUint64(&q.written),
		"total_messages": info.State.Msgs,
		"total_bytes":    info.State.Bytes,
	}
}

// Close drains the NATS connection.
func (q *JetStreamQueue) Close() {
	if q != nil && q.conn != nil {
		q.conn.Close()
	}
}
