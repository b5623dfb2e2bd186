// Package seeder generates synthetic notification envelopes and posts
// them to a running instance. Signature verification is expected to be
// disabled in seeded environments.
package seeder

import (
	"encoding/json"
	"fmt"
	"math/rand"
	"time"

	"github.com/brianvoe/gofakeit/v6"
	"github.com/google/uuid"

	"github.com/trailmail-systems/trailmail/pkg/sns"
)

type generator struct {
	faker *gofakeit.Faker
	rng   *rand.Rand
}

func newGenerator(seed int64) *generator {
	return &generator{
		faker: gofakeit.New(seed),
		rng:   rand.New(rand.NewSource(seed)),
	}
}

// message is one simulated sent email whose events the generator emits.
type message struct {
	id         string
	source     string
	subject    string
	recipients []string
	sentAt     time.Time
}

func (g *generator) newMessage(maxRecipients int) *message {
	n := 1 + g.rng.Intn(maxRecipients)
	recipients := make([]string, n)
	for i := range recipients {
		recipients[i] = g.faker.Email()
	}
	return &message{
		id:         uuid.NewString(),
		source:     g.faker.Email(),
		subject:    g.faker.Sentence(5),
		recipients: recipients,
		sentAt:     time.Now().UTC().Add(-time.Duration(g.rng.Intn(3600)) * time.Second),
	}
}

// pickEventType samples from the weighted event mix.
func (g *generator) pickEventType(mix map[string]int) string {
	total := 0
	for _, weight := range mix {
		total += weight
	}
	if total <= 0 {
		return "Delivery"
	}
	pick := g.rng.Intn(total)
	for eventType, weight := range mix {
		pick -= weight
		if pick < 0 {
			return eventType
		}
	}
	return "Delivery"
}

// envelope wraps a generated payload in an unsigned notification
// envelope.
func (g *generator) envelope(msg *message, eventType string) ([]byte, error) {
	payload := g.payload(msg, eventType)
	inner, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal inner payload: %w", err)
	}

	env := sns.Envelope{
		Type:             sns.TypeNotification,
		MessageID:        uuid.NewString(),
		TopicARN:         "arn:aws:sns:us-east-1:000000000000:trailmail-seed",
		Message:          string(inner),
		Timestamp:        time.Now().UTC().Format(time.RFC3339),
		SignatureVersion: "1",
	}
	return json.Marshal(&env)
}

// payload builds the event-type-specific inner shape the pipeline
// normalizes.
func (g *generator) payload(msg *message, eventType string) map[string]interface{} {
	now := time.Now().UTC().Format(time.RFC3339)
	payload := map[string]interface{}{
		"eventType": eventType,
		"mail": map[string]interface{}{
			"messageId":   msg.id,
			"source":      msg.source,
			"timestamp":   msg.sentAt.Format(time.RFC3339),
			"destination": toInterfaces(msg.recipients),
			"commonHeaders": map[string]interface{}{
				"subject": msg.subject,
			},
		},
	}

	switch eventType {
	case "Bounce":
		payload["bounce"] = map[string]interface{}{
			"bounceType":        pick(g.rng, "Permanent", "Transient", "Undetermined"),
			"bounceSubType":     pick(g.rng, "General", "NoEmail", "MailboxFull"),
			"bouncedRecipients": recipientObjects(msg.recipients),
			"timestamp":         now,
		}
	case "Complaint":
		payload["complaint"] = map[string]interface{}{
			"complaintFeedbackType": "abuse",
			"complainedRecipients":  recipientObjects(msg.recipients[:1]),
			"timestamp":             now,
		}
	case "Delivery":
		payload["delivery"] = map[string]interface{}{
			"recipients":           toInterfaces(msg.recipients),
			"processingTimeMillis": 200 + g.rng.Intn(2000),
			"timestamp":            now,
		}
	case "Open":
		payload["open"] = map[string]interface{}{
			"ipAddress": g.faker.IPv4Address(),
			"userAgent": g.faker.UserAgent(),
			"timestamp": now,
		}
	case "Click":
		payload["click"] = map[string]interface{}{
			"ipAddress": g.faker.IPv4Address(),
			"link":      g.faker.URL(),
			"timestamp": now,
		}
	}

	return payload
}

func recipientObjects(addresses []string) []interface{} {
	out := make([]interface{}, len(addresses))
	for i, addr := range addresses {
		out[i] = map[string]interface{}{"emailAddress": addr}
	}
	return out
}

func toInterfaces(values []string) []interface{} {
	out := make([]interface{}, len(values))
	for i, v := range values {
		out[i] = v
	}
	return out
}

func pick(rng *rand.Rand, options ...string) string {
	return options[rng.Intn(len(options))]
}
