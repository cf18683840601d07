package checkpoint

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"tributary/cdc"
)

const mongoOpTimeout = 5 * time.Second

// MongoStore keeps the checkpoint in a document alongside the source
// database, so no extra infrastructure is needed beyond the source
// connection itself.
type MongoStore struct {
	client   *mongo.Client
	coll     *mongo.Collection
	archive  *mongo.Collection
	docID    string
	ownsConn bool
	now      func() time.Time
}

type mongoCheckpointDoc struct {
	ID              string             `bson:"_id"`
	TokenKind       string             `bson:"token_kind"`
	TokenNative     primitive.Binary   `bson:"token_native,omitempty"`
	TokenTimestamp  primitive.DateTime `bson:"token_timestamp,omitempty"`
	SavedAt         primitive.DateTime `bson:"saved_at"`
	EventsSinceSave int64              `bson:"events_since_checkpoint"`
	TotalEvents     int64              `bson:"total_events"`
	SaveCount       int64              `bson:"save_count"`
	InstanceID      string             `bson:"instance_id,omitempty"`
	Database        string             `bson:"database,omitempty"`
}

// NewMongoStore connects to MongoDB and binds the checkpoint document.
func NewMongoStore(ctx context.Context, config Config) (*MongoStore, error) {
	if config.MongoURI == "" {
		return nil, fmt.Errorf("mongo checkpoint store requires a connection URI")
	}
	if config.MongoDatabase == "" {
		return nil, fmt.Errorf("mongo checkpoint store requires a database name")
	}
	collName := config.MongoCollection
	if collName == "" {
		collName = "resume_tokens"
	}

	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	client, err := mongo.Connect(connectCtx, options.Client().ApplyURI(config.MongoURI))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to checkpoint store: %w", err)
	}

	db := client.Database(config.MongoDatabase)
	return &MongoStore{
		client:   client,
		coll:     db.Collection(collName),
		archive:  db.Collection(collName + "_archive"),
		docID:    config.DocumentID,
		ownsConn: true,
		now:      time.Now,
	}, nil
}

// Load reads the checkpoint document.
func (s *MongoStore) Load(ctx context.Context) (*Checkpoint, error) {
	ctx, cancel := context.WithTimeout(ctx, mongoOpTimeout)
	defer cancel()

	var doc mongoCheckpointDoc
	err := s.coll.FindOne(ctx, bson.M{"_id": s.docID}).Decode(&doc)
	if err == mongo.ErrNoDocuments {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read checkpoint: %w", err)
	}

	cp := &Checkpoint{
		SavedAt:         doc.SavedAt.Time().UTC(),
		EventsSinceSave: doc.EventsSinceSave,
		TotalEvents:     doc.TotalEvents,
		SaveCount:       doc.SaveCount,
		InstanceID:      doc.InstanceID,
		Database:        doc.Database,
	}
	switch doc.TokenKind {
	case cdc.TokenNative.String():
		cp.Token = cdc.NativeToken(doc.TokenNative.Data)
	case cdc.TokenTimestamp.String():
		cp.Token = cdc.TimestampToken(doc.TokenTimestamp.Time().UTC())
	default:
		cp.Token = cdc.NoToken()
	}
	return cp, nil
}

// Save upserts the checkpoint document with merge semantics: $set for
// the position fields, $inc for the cumulative counters, so auxiliary
// metadata written out of band survives each save.
func (s *MongoStore) Save(ctx context.Context, cp *Checkpoint) error {
	ctx, cancel := context.WithTimeout(ctx, mongoOpTimeout)
	defer cancel()

	set := bson.M{
		"token_kind":              cp.Token.Kind.String(),
		"saved_at":                primitive.NewDateTimeFromTime(cp.SavedAt),
		"events_since_checkpoint": cp.EventsSinceSave,
	}
	switch cp.Token.Kind {
	case cdc.TokenNative:
		set["token_native"] = primitive.Binary{Data: cp.Token.Native}
	case cdc.TokenTimestamp:
		set["token_timestamp"] = primitive.NewDateTimeFromTime(cp.Token.Timestamp)
	}
	if cp.InstanceID != "" {
		set["instance_id"] = cp.InstanceID
	}
	if cp.Database != "" {
		set["database"] = cp.Database
	}

	update := bson.M{
		"$set": set,
		"$inc": bson.M{
			"total_events": cp.EventsSinceSave,
			"save_count":   int64(1),
		},
	}

	_, err := s.coll.UpdateOne(ctx, bson.M{"_id": s.docID}, update, options.Update().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("failed to save checkpoint: %w", err)
	}
	return nil
}

// Reset copies the checkpoint document into the archive collection and
// deletes the original. Operator-initiated only.
func (s *MongoStore) Reset(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, mongoOpTimeout)
	defer cancel()

	var doc bson.M
	err := s.coll.FindOne(ctx, bson.M{"_id": s.docID}).Decode(&doc)
	if err == mongo.ErrNoDocuments {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read checkpoint for archive: %w", err)
	}

	archived := s.now().UTC()
	doc["_id"] = fmt.Sprintf("%s:%d", s.docID, archived.UnixNano())
	doc["archived_at"] = primitive.NewDateTimeFromTime(archived)
	if _, err := s.archive.InsertOne(ctx, doc); err != nil {
		return fmt.Errorf("failed to archive checkpoint: %w", err)
	}

	if _, err := s.coll.DeleteOne(ctx, bson.M{"_id": s.docID}); err != nil {
		return fmt.Errorf("failed to delete checkpoint: %w", err)
	}

	log.Info().Str("doc_id", s.docID).Time("archived_at", archived).Msg("Checkpoint archived and cleared")
	return nil
}

// Close disconnects the backing client if this store owns it.
func (s *MongoStore) Close() error {
	if !s.ownsConn || s.client == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), mongoOpTimeout)
	defer cancel()
	return s.client.Disconnect(ctx)
}
