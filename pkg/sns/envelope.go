// Package sns implements parsing and signature verification for the
// signed transport envelopes delivered by the notification service.
package sns

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Envelope type values handled by the pipeline. Anything else is unknown.
const (
	TypeNotification             = "Notification"
	TypeSubscriptionConfirmation = "SubscriptionConfirmation"
	TypeUnsubscribeConfirmation  = "UnsubscribeConfirmation"
)

var ErrInvalidEnvelope = errors.New("invalid envelope")

// Envelope is the outer signed transport message.
type Envelope struct {
	Type             string `json:"Type"`
	MessageID        string `json:"MessageId"`
	Token            string `json:"Token,omitempty"`
	TopicARN         string `json:"TopicArn,omitempty"`
	Subject          string `json:"Subject,omitempty"`
	Message          string `json:"Message"`
	Timestamp        string `json:"Timestamp"`
	SignatureVersion string `json:"SignatureVersion"`
	Signature        string `json:"Signature"`
	SigningCertURL   string `json:"SigningCertURL"`
	SubscribeURL     string `json:"SubscribeURL,omitempty"`
	UnsubscribeURL   string `json:"UnsubscribeURL,omitempty"`
}

// Parse decodes the outer JSON body into an Envelope. A body that is not
// a JSON object, or that carries no envelope id, is invalid.
func Parse(body []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEnvelope, err)
	}
	if env.MessageID == "" {
		return nil, fmt.Errorf("%w: missing MessageId", ErrInvalidEnvelope)
	}
	return &env, nil
}

// Handled reports whether the envelope type is one of the three the
// pipeline processes.
func (e *Envelope) Handled() bool {
	switch e.Type {
	case TypeNotification, TypeSubscriptionConfirmation, TypeUnsubscribeConfirmation:
		return true
	}
	return false
}

// ParsedTimestamp returns the envelope timestamp, or nil when absent or
// unparsable.
func (e *Envelope) ParsedTimestamp() *time.Time {
	if e.Timestamp == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339, e.Timestamp)
	if err != nil {
		return nil
	}
	return &t
}

// InnerMessage parses the nested Message field, itself a JSON string,
// into an object. It fails when the field is absent or not valid JSON.
func (e *Envelope) InnerMessage() (map[string]interface{}, error) {
	if e.Message == "" {
		return nil, fmt.Errorf("%w: empty Message field", ErrInvalidEnvelope)
	}
	var payload map[string]interface{}
	if err := json.Unmarshal([]byte(e.Message), &payload); err != nil {
		return nil, fmt.Errorf("%w: inner Message is not JSON: %v", ErrInvalidEnvelope, err)
	}
	return payload, nil
}

// signingFields lists, per envelope type, the ordered fields that make up
// the canonical string-to-sign. Order is load-bearing: the provider signs
// exactly this concatenation.
var signingFields = map[string][]string{
	TypeNotification:             {"Message", "MessageId", "Subject", "Timestamp", "TopicArn", "Type"},
	TypeSubscriptionConfirmation: {"Message", "MessageId", "SubscribeURL", "Timestamp", "Token", "TopicArn", "Type"},
	TypeUnsubscribeConfirmation:  {"Message", "MessageId", "SubscribeURL", "Timestamp", "Token", "TopicArn", "Type"},
}

// fieldValue returns the named envelope field and whether it is present.
// Optional fields that are empty count as absent and are omitted from the
// canonical string.
func (e *Envelope) fieldValue(name string) (string, bool) {
	var v string
	switch name {
	case "Message":
		v = e.Message
	case "MessageId":
		v = e.MessageID
	case "Subject":
		v = e.Subject
	case "SubscribeURL":
		v = e.SubscribeURL
	case "Timestamp":
		v = e.Timestamp
	case "Token":
		v = e.Token
	case "TopicArn":
		v = e.TopicARN
	case "Type":
		v = e.Type
	}
	return v, v != ""
}

// CanonicalString builds the string the provider signed: for each field
// in the type's ordered list that is present, "name\nvalue\n". Returns
// false when the envelope type has no defined field list.
func (e *Envelope) CanonicalString() (string, bool) {
	fields, ok := signingFields[e.Type]
	if !ok {
		return "", false
	}
	var buf []byte
	for _, name := range fields {
		value, present := e.fieldValue(name)
		if !present {
			continue
		}
		buf = append(buf, name...)
		buf = append(buf, '\n')
		buf = append(buf, value...)
		buf = append(buf, '\n')
	}
	return string(buf), true
}
