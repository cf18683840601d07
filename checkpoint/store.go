package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"time"

	"tributary/cdc"
)

// ErrNotFound is returned by Load when no checkpoint has been saved yet.
var ErrNotFound = errors.New("checkpoint not found")

// Checkpoint is the durably stored position token plus bookkeeping
// metadata. It is overwritten on each save, never appended, and read
// once at startup by the position resolver.
type Checkpoint struct {
	Token           cdc.PositionToken
	SavedAt         time.Time
	EventsSinceSave int64
	TotalEvents     int64
	SaveCount       int64
	InstanceID      string
	Database        string
}

// Store persists checkpoints. Save uses merge semantics: cumulative
// counters (TotalEvents, SaveCount) accumulate on top of the stored
// record so auxiliary metadata survives overwrites. Reset archives the
// existing record before deleting it; deletion without an archive is
// not supported.
//
// The store has a single writer (the stream consumer); Load is called
// once at startup by the position resolver.
type Store interface {
	Load(ctx context.Context) (*Checkpoint, error)
	Save(ctx context.Context, cp *Checkpoint) error
	Reset(ctx context.Context) error
	Close() error
}

// Config selects and parameterizes a checkpoint store backend.
type Config struct {
	// Backend is "pebble", "mongo" or "memory".
	Backend string
	// Path is the pebble directory (pebble backend).
	Path string
	// MongoURI, MongoDatabase and MongoCollection locate the mongo
	// backend's checkpoint document.
	MongoURI        string
	MongoDatabase   string
	MongoCollection string
	// DocumentID keys the checkpoint record within the backend.
	DocumentID string
}

// NewStore creates a checkpoint store for the configured backend.
func NewStore(ctx context.Context, config Config) (Store, error) {
	if config.DocumentID == "" {
		config.DocumentID = "change_stream"
	}
	switch config.Backend {
	case "pebble", "":
		return NewPebbleStore(config.Path, config.DocumentID)
	case "mongo":
		return NewMongoStore(ctx, config)
	case "memory":
		return NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unknown checkpoint store backend: %s", config.Backend)
	}
}
