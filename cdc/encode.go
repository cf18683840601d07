package cdc

import (
	"encoding/json"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
)

// eventPayload is the wire form published to the downstream topic.
// Documents are rendered as canonical extended JSON so BSON types
// (ObjectId, dates, decimals) survive the round trip.
type eventPayload struct {
	Operation      Operation       `json:"operation"`
	Database       string          `json:"database"`
	Collection     string          `json:"collection"`
	Document       json.RawMessage `json:"document"`
	DocumentKey    json.RawMessage `json:"document_key,omitempty"`
	Timestamp      string          `json:"timestamp"`
	OplogTimestamp string          `json:"oplog_timestamp,omitempty"`
	CorrelationID  string          `json:"correlation_id"`
}

type deadLetterPayload struct {
	eventPayload
	ErrorContext deadLetterContext `json:"_error_context"`
}

type deadLetterContext struct {
	OriginalTopic  string `json:"original_topic"`
	ErrorMessage   string `json:"error_message"`
	Attempts       int    `json:"attempts"`
	ErrorTimestamp string `json:"error_timestamp"`
}

// EncodeEvent serializes a ChangeEvent for publishing.
func EncodeEvent(ev ChangeEvent) ([]byte, error) {
	payload, err := toPayload(ev)
	if err != nil {
		return nil, err
	}
	return json.Marshal(payload)
}

// EncodeDeadLetter serializes a DeadLetterRecord for the dead-letter
// topic. The original event payload is preserved verbatim with the
// error context attached.
func EncodeDeadLetter(rec DeadLetterRecord) ([]byte, error) {
	payload, err := toPayload(rec.Event)
	if err != nil {
		return nil, err
	}
	return json.Marshal(deadLetterPayload{
		eventPayload: payload,
		ErrorContext: deadLetterContext{
			OriginalTopic:  rec.OriginalDestination,
			ErrorMessage:   rec.ErrorMessage,
			Attempts:       rec.Attempts,
			ErrorTimestamp: rec.FailedAt.UTC().Format(time.RFC3339Nano),
		},
	})
}

func toPayload(ev ChangeEvent) (eventPayload, error) {
	payload := eventPayload{
		Operation:     ev.Operation,
		Database:      ev.Namespace.Database,
		Collection:    ev.Namespace.Collection,
		Timestamp:     ev.ObservedAt.UTC().Format(time.RFC3339Nano),
		CorrelationID: ev.CorrelationID,
	}
	if !ev.ClusterTime.IsZero() {
		payload.OplogTimestamp = ev.ClusterTime.UTC().Format(time.RFC3339Nano)
	}

	doc := ev.Document
	if doc == nil {
		// Deletes carry only the identifying key.
		doc = ev.DocumentKey
	}
	if doc != nil {
		ext, err := bson.MarshalExtJSON(doc, true, false)
		if err != nil {
			return eventPayload{}, fmt.Errorf("failed to encode document: %w", err)
		}
		payload.Document = ext
	} else {
		payload.Document = json.RawMessage("null")
	}

	if ev.DocumentKey != nil && ev.Document != nil {
		key, err := bson.MarshalExtJSON(ev.DocumentKey, true, false)
		if err != nil {
			return eventPayload{}, fmt.Errorf("failed to encode document key: %w", err)
		}
		payload.DocumentKey = key
	}

	return payload, nil
}

// RoutingKey returns the message key used for partition routing. Events
// for the same document land on the same partition so per-document
// order survives concurrent workers.
func RoutingKey(ev ChangeEvent) string {
	if ev.DocumentKey != nil {
		return ev.DocumentKey.String()
	}
	return ev.Namespace.String()
}

// RoutingAttributes returns the attribute set attached to each publish.
func RoutingAttributes(ev ChangeEvent) map[string]string {
	return map[string]string{
		"operation":  string(ev.Operation),
		"database":   ev.Namespace.Database,
		"collection": ev.Namespace.Collection,
	}
}
