package checkpoint

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/rs/zerolog/log"
	"github.com/vmihailenco/msgpack/v5"

	"tributary/cdc"
)

// Key prefixes for Pebble storage
const (
	prefixCheckpoint = "/checkpoint/"         // /checkpoint/{docID}
	prefixArchive    = "/checkpoint-archive/" // /checkpoint-archive/{docID}/{unix-nanos}
)

// Pebble configuration constants. The checkpoint store sees a single
// small record rewritten every few seconds, so the write path is tuned
// down from the defaults.
const (
	memTableSize                = 4 << 20 // 4MB
	memTableStopWritesThreshold = 2
	l0CompactionThreshold       = 2
	l0StopWritesThreshold       = 8
)

// checkpointRecord is the msgpack on-disk form of a Checkpoint.
type checkpointRecord struct {
	TokenKind       uint8  `msgpack:"kind"`
	TokenNative     []byte `msgpack:"native,omitempty"`
	TokenTimestamp  int64  `msgpack:"token_ts,omitempty"` // unix millis
	SavedAt         int64  `msgpack:"saved_at"`           // unix millis
	EventsSinceSave int64  `msgpack:"events_since"`
	TotalEvents     int64  `msgpack:"total_events"`
	SaveCount       int64  `msgpack:"save_count"`
	InstanceID      string `msgpack:"instance_id,omitempty"`
	Database        string `msgpack:"database,omitempty"`
}

func toRecord(cp *Checkpoint) checkpointRecord {
	rec := checkpointRecord{
		TokenKind:       uint8(cp.Token.Kind),
		SavedAt:         cp.SavedAt.UnixMilli(),
		EventsSinceSave: cp.EventsSinceSave,
		TotalEvents:     cp.TotalEvents,
		SaveCount:       cp.SaveCount,
		InstanceID:      cp.InstanceID,
		Database:        cp.Database,
	}
	switch cp.Token.Kind {
	case cdc.TokenNative:
		rec.TokenNative = cp.Token.Native
	case cdc.TokenTimestamp:
		rec.TokenTimestamp = cp.Token.Timestamp.UnixMilli()
	}
	return rec
}

func fromRecord(rec checkpointRecord) *Checkpoint {
	cp := &Checkpoint{
		SavedAt:         time.UnixMilli(rec.SavedAt).UTC(),
		EventsSinceSave: rec.EventsSinceSave,
		TotalEvents:     rec.TotalEvents,
		SaveCount:       rec.SaveCount,
		InstanceID:      rec.InstanceID,
		Database:        rec.Database,
	}
	switch cdc.TokenKind(rec.TokenKind) {
	case cdc.TokenNative:
		cp.Token = cdc.NativeToken(rec.TokenNative)
	case cdc.TokenTimestamp:
		cp.Token = cdc.TimestampToken(time.UnixMilli(rec.TokenTimestamp).UTC())
	default:
		cp.Token = cdc.NoToken()
	}
	return cp
}

// PebbleStore is a Pebble-backed checkpoint store for deployments that
// keep resume state on local disk.
type PebbleStore struct {
	db    *pebble.DB
	docID string
	mu    sync.Mutex
	now   func() time.Time
}

// NewPebbleStore creates or opens a Pebble-backed checkpoint store.
func NewPebbleStore(path, docID string) (*PebbleStore, error) {
	if path == "" {
		return nil, fmt.Errorf("checkpoint store path is required")
	}

	opts := &pebble.Options{
		MemTableSize:                memTableSize,
		MemTableStopWritesThreshold: memTableStopWritesThreshold,
		L0CompactionThreshold:       l0CompactionThreshold,
		L0StopWritesThreshold:       l0StopWritesThreshold,
		DisableWAL:                  false,
	}

	db, err := pebble.Open(path, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open checkpoint store at %s: %w", path, err)
	}

	return &PebbleStore{db: db, docID: docID, now: time.Now}, nil
}

func (s *PebbleStore) key() []byte {
	return []byte(prefixCheckpoint + s.docID)
}

// Load reads the current checkpoint.
func (s *PebbleStore) Load(ctx context.Context) (*Checkpoint, error) {
	value, closer, err := s.db.Get(s.key())
	if err == pebble.ErrNotFound {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read checkpoint: %w", err)
	}
	defer closer.Close()

	var rec checkpointRecord
	if err := msgpack.Unmarshal(value, &rec); err != nil {
		return nil, fmt.Errorf("failed to decode checkpoint: %w", err)
	}
	return fromRecord(rec), nil
}

// Save overwrites the checkpoint record, accumulating cumulative
// counters from the stored record.
func (s *PebbleStore) Save(ctx context.Context, cp *Checkpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	merged := *cp
	if prev, err := s.Load(ctx); err == nil {
		merged.TotalEvents = prev.TotalEvents + cp.EventsSinceSave
		merged.SaveCount = prev.SaveCount + 1
		if merged.InstanceID == "" {
			merged.InstanceID = prev.InstanceID
		}
		if merged.Database == "" {
			merged.Database = prev.Database
		}
	} else {
		merged.TotalEvents = cp.EventsSinceSave
		merged.SaveCount = 1
	}

	data, err := msgpack.Marshal(toRecord(&merged))
	if err != nil {
		return fmt.Errorf("failed to encode checkpoint: %w", err)
	}
	if err := s.db.Set(s.key(), data, pebble.Sync); err != nil {
		return fmt.Errorf("failed to write checkpoint: %w", err)
	}
	return nil
}

// Reset copies the current record to an archive key, then deletes it.
// Operator-initiated only.
func (s *PebbleStore) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	value, closer, err := s.db.Get(s.key())
	if err == pebble.ErrNotFound {
		return nil // nothing to reset
	}
	if err != nil {
		return fmt.Errorf("failed to read checkpoint for archive: %w", err)
	}
	data := append([]byte(nil), value...)
	closer.Close()

	archiveKey := prefixArchive + s.docID + "/" + strconv.FormatInt(s.now().UnixNano(), 10)
	batch := s.db.NewBatch()
	defer batch.Close()
	if err := batch.Set([]byte(archiveKey), data, nil); err != nil {
		return fmt.Errorf("failed to archive checkpoint: %w", err)
	}
	if err := batch.Delete(s.key(), nil); err != nil {
		return fmt.Errorf("failed to delete checkpoint: %w", err)
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("failed to commit checkpoint reset: %w", err)
	}

	log.Info().Str("archive_key", archiveKey).Msg("Checkpoint archived and cleared")
	return nil
}

// Close closes the underlying Pebble database.
func (s *PebbleStore) Close() error {
	return s.db.Close()
}
