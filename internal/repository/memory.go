package repository

import (
	"context"
	"sync"
	"time"

	"github.com/trailmail-systems/trailmail/internal/models"
)

// InMemoryRepository implements Repository with maps. It honors the same
// conflict-ignore contracts as the postgres implementation, including
// the per-tuple event uniqueness, so the coordinator behaves identically
// against it. For development and tests.
type InMemoryRepository struct {
	mu sync.Mutex

	sourcesByToken map[string]*models.Source
	webhooks       map[string]*models.Webhook
	messages       map[string]*models.Message
	eventTuples    map[eventTuple]*models.Event

	nextWebhookID int64
	nextMessageID int64
	nextEventID   int64
}

type eventTuple struct {
	sesMessageID string
	eventType    models.EventType
	recipient    string
	eventAt      time.Time
}

func NewInMemoryRepository() *InMemoryRepository {
	return &InMemoryRepository{
		sourcesByToken: make(map[string]*models.Source),
		webhooks:       make(map[string]*models.Webhook),
		messages:       make(map[string]*models.Message),
		eventTuples:    make(map[eventTuple]*models.Event),
	}
}

// AddSource registers a source for token lookup.
func (r *InMemoryRepository) AddSource(source *models.Source) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sourcesByToken[source.Token] = source
}

func (r *InMemoryRepository) GetSourceByToken(ctx context.Context, token string) (*models.Source, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	source, exists := r.sourcesByToken[token]
	if !exists {
		return nil, ErrSourceNotFound
	}
	return source, nil
}

func (r *InMemoryRepository) InsertWebhook(ctx context.Context, webhook *models.Webhook) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.webhooks[webhook.SNSMessageID]; exists {
		return nil
	}
	r.nextWebhookID++
	stored := *webhook
	stored.ID = r.nextWebhookID
	stored.CreatedAt = time.Now().UTC()
	r.webhooks[webhook.SNSMessageID] = &stored
	return nil
}

func (r *InMemoryRepository) GetWebhookBySNSMessageID(ctx context.Context, snsMessageID string) (*models.Webhook, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	webhook, exists := r.webhooks[snsMessageID]
	if !exists {
		return nil, ErrWebhookNotFound
	}
	copied := *webhook
	return &copied, nil
}

func (r *InMemoryRepository) MarkWebhookProcessed(ctx context.Context, webhookID int64, processedAt time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, webhook := range r.webhooks {
		if webhook.ID == webhookID {
			at := processedAt
			webhook.ProcessedAt = &at
			return nil
		}
	}
	return ErrWebhookNotFound
}

func (r *InMemoryRepository) InsertMessage(ctx context.Context, message *models.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.messages[message.SESMessageID]; exists {
		return nil
	}
	r.nextMessageID++
	stored := *message
	stored.ID = r.nextMessageID
	stored.EventsCount = 0
	stored.CreatedAt = time.Now().UTC()
	r.messages[message.SESMessageID] = &stored
	return nil
}

func (r *InMemoryRepository) GetMessageBySESMessageID(ctx context.Context, sesMessageID string) (*models.Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	message, exists := r.messages[sesMessageID]
	if !exists {
		return nil, ErrMessageNotFound
	}
	copied := *message
	return &copied, nil
}

func (r *InMemoryRepository) IncrementMessageEventsCount(ctx context.Context, messageID int64, delta int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, message := range r.messages {
		if message.ID == messageID {
			message.EventsCount += delta
			return nil
		}
	}
	return ErrMessageNotFound
}

func (r *InMemoryRepository) InsertEvent(ctx context.Context, event *models.Event) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := eventTuple{
		sesMessageID: event.SESMessageID,
		eventType:    event.EventType,
		recipient:    event.RecipientEmail,
		eventAt:      event.EventAt,
	}
	if _, exists := r.eventTuples[key]; exists {
		return false, nil
	}
	r.nextEventID++
	stored := *event
	stored.ID = r.nextEventID
	stored.CreatedAt = time.Now().UTC()
	r.eventTuples[key] = &stored
	return true, nil
}

// EventCount reports the number of stored event rows.
func (r *InMemoryRepository) EventCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.eventTuples)
}

// Events returns all stored event rows, in no particular order.
func (r *InMemoryRepository) Events() []*models.Event {
	r.mu.Lock()
	defer r.mu.Unlock()

	events := make([]*models.Event, 0, len(r.eventTuples))
	for _, event := range r.eventTuples {
		copied := *event
		events = append(events, &copied)
	}
	return events
}

func (r *InMemoryRepository) Ping(ctx context.Context) error { return nil }

func (r *InMemoryRepository) Close() {}
