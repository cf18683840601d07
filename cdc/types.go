package cdc

import (
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
)

// Operation identifies the kind of change captured from the source.
type Operation string

const (
	OpInsert  Operation = "insert"
	OpUpdate  Operation = "update"
	OpDelete  Operation = "delete"
	OpReplace Operation = "replace"
)

// ClassifyOperation maps a raw source operation type onto an Operation.
// Unknown operation types return false rather than an error so callers
// can skip them without error-driven branching.
func ClassifyOperation(raw string) (Operation, bool) {
	switch Operation(raw) {
	case OpInsert, OpUpdate, OpDelete, OpReplace:
		return Operation(raw), true
	default:
		return "", false
	}
}

// Namespace identifies the source database and collection an event
// originated from.
type Namespace struct {
	Database   string `json:"database"`
	Collection string `json:"collection"`
}

func (n Namespace) String() string {
	return fmt.Sprintf("%s.%s", n.Database, n.Collection)
}

// ChangeEvent is a single captured change. Document carries the full
// current document for inserts, updates and replaces. For deletes only
// DocumentKey is available and Document is nil; downstream consumers
// must tolerate that.
type ChangeEvent struct {
	Operation     Operation
	Namespace     Namespace
	Document      bson.Raw
	DocumentKey   bson.Raw
	Token         PositionToken
	ClusterTime   time.Time
	ObservedAt    time.Time
	CorrelationID string
}

// QueuedEvent is a ChangeEvent plus its queue-arrival timestamp. It is
// owned exclusively by the queue between enqueue and dequeue; exactly
// one worker takes ownership on dequeue.
type QueuedEvent struct {
	Event      ChangeEvent
	EnqueuedAt time.Time
}

// DeadLetterRecord wraps an event that exhausted publish retries.
// Once written to the dead-letter sink the event is terminal for this
// pipeline; replay is an operator concern.
type DeadLetterRecord struct {
	Event               ChangeEvent
	ErrorMessage        string
	Attempts            int
	OriginalDestination string
	FailedAt            time.Time
}
