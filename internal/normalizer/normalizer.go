// Package normalizer converts the event-type-specific payload shapes
// carried inside a notification into one canonical record.
package normalizer

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/trailmail-systems/trailmail/internal/models"
)

var ErrMissingMessageID = errors.New("payload has no mail message id")

// Event is the canonical view of one ingestible notification payload.
// It is produced once at parse time and never recomputed.
type Event struct {
	EventType    models.EventType
	SESMessageID string
	SourceEmail  string
	Subject      string
	SentAt       *time.Time
	Timestamp    time.Time
	Recipients   []string
	EventData    map[string]interface{}
	Mail         map[string]interface{}
	BounceType   string
}

// dataKeys maps each event type to the sub-object holding its
// type-specific data. Rendering failures arrive under either of two
// differently named sub-objects; both are accepted, in this order.
var dataKeys = map[models.EventType][]string{
	models.EventTypeBounce:           {"bounce"},
	models.EventTypeComplaint:        {"complaint"},
	models.EventTypeDelivery:         {"delivery"},
	models.EventTypeDeliveryDelay:    {"deliveryDelay"},
	models.EventTypeRenderingFailure: {"renderingFailure", "failure"},
	models.EventTypeReject:           {"reject"},
	models.EventTypeSubscription:     {"subscription"},
}

// Normalize builds the canonical record from a parsed inner payload.
// It fails only when the mail message id is absent; every other missing
// field has a defined default.
func Normalize(payload map[string]interface{}) (*Event, error) {
	ev := &Event{
		EventType: eventType(payload),
		EventData: map[string]interface{}{},
	}

	mail, _ := payload["mail"].(map[string]interface{})
	ev.Mail = mail
	ev.SESMessageID = stringField(mail, "messageId")
	if ev.SESMessageID == "" {
		return nil, ErrMissingMessageID
	}
	ev.SourceEmail = stringField(mail, "source")
	if headers, ok := mail["commonHeaders"].(map[string]interface{}); ok {
		ev.Subject = stringField(headers, "subject")
	}
	ev.SentAt = parseTime(stringField(mail, "timestamp"))

	data, found := eventData(payload, ev.EventType)
	if found {
		ev.EventData = data
		ev.Timestamp = timestampOrNow(stringField(data, "timestamp"))
	} else {
		ev.Timestamp = timestampOrNow(stringField(mail, "timestamp"))
	}

	ev.Recipients = recipients(payload, ev.EventType, mail)

	if ev.EventType == models.EventTypeBounce {
		ev.BounceType = stringField(ev.EventData, "bounceType")
	}

	return ev, nil
}

// eventType reads the top-level discriminator, falling back to the
// Unknown sentinel when absent or not a string.
func eventType(payload map[string]interface{}) models.EventType {
	s, ok := payload["eventType"].(string)
	if !ok || s == "" {
		return models.EventTypeUnknown
	}
	return models.EventType(s)
}

func eventData(payload map[string]interface{}, t models.EventType) (map[string]interface{}, bool) {
	for _, key := range dataKeys[t] {
		if data, ok := payload[key].(map[string]interface{}); ok {
			return data, true
		}
	}
	return nil, false
}

// recipients extracts the per-type recipient list. Bounce, complaint and
// delay carry recipient objects with an emailAddress field; delivery
// carries plain strings; every other type falls back to the mail
// destination list. Non-string entries are dropped, and addresses are
// trimmed and lower-cased so that later uniqueness checks are
// case-insensitive.
func recipients(payload map[string]interface{}, t models.EventType, mail map[string]interface{}) []string {
	var raw []interface{}
	switch t {
	case models.EventTypeBounce:
		raw = recipientObjects(payload, "bounce", "bouncedRecipients")
	case models.EventTypeComplaint:
		raw = recipientObjects(payload, "complaint", "complainedRecipients")
	case models.EventTypeDeliveryDelay:
		raw = recipientObjects(payload, "deliveryDelay", "delayedRecipients")
	case models.EventTypeDelivery:
		if data, ok := payload["delivery"].(map[string]interface{}); ok {
			raw, _ = data["recipients"].([]interface{})
		}
	default:
		if mail != nil {
			raw, _ = mail["destination"].([]interface{})
		}
	}

	var out []string
	for _, entry := range raw {
		s, ok := entry.(string)
		if !ok {
			continue
		}
		addr := NormalizeRecipient(s)
		if addr != "" {
			out = append(out, addr)
		}
	}
	return out
}

// recipientObjects flattens a list of {emailAddress: ...} objects into
// the address values.
func recipientObjects(payload map[string]interface{}, dataKey, listKey string) []interface{} {
	data, ok := payload[dataKey].(map[string]interface{})
	if !ok {
		return nil
	}
	list, ok := data[listKey].([]interface{})
	if !ok {
		return nil
	}
	var addrs []interface{}
	for _, entry := range list {
		obj, ok := entry.(map[string]interface{})
		if !ok {
			continue
		}
		if addr, ok := obj["emailAddress"]; ok {
			addrs = append(addrs, addr)
		}
	}
	return addrs
}

// NormalizeRecipient canonicalizes a recipient address for the
// per-tuple uniqueness check.
func NormalizeRecipient(addr string) string {
	return strings.ToLower(strings.TrimSpace(addr))
}

func stringField(m map[string]interface{}, key string) string {
	if m == nil {
		return ""
	}
	s, _ := m[key].(string)
	return s
}

func parseTime(s string) *time.Time {
	if s == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return nil
	}
	t = t.UTC()
	return &t
}

// timestampOrNow parses an event timestamp, falling back to the current
// time. The event timestamp is part of the uniqueness tuple, so it is
// never left zero.
func timestampOrNow(s string) time.Time {
	if t := parseTime(s); t != nil {
		return *t
	}
	return time.Now().UTC()
}

// String implements fmt.Stringer for log output.
func (e *Event) String() string {
	return fmt.Sprintf("%s %s (%d recipients)", e.EventType, e.SESMessageID, len(e.Recipients))
}
