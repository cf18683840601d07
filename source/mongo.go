package source

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

// DefaultIdlePoll is the sleep between TryNext polls when the stream
// has no pending events. Polling (rather than a blocking Next) lets
// the consumer observe shutdown promptly.
const DefaultIdlePoll = 500 * time.Millisecond

// MongoSource opens MongoDB change streams against a single database.
type MongoSource struct {
	client   *mongo.Client
	db       *mongo.Database
	idlePoll time.Duration
}

// NewMongoSource connects to MongoDB and binds the watched database.
func NewMongoSource(ctx context.Context, uri, database string, idlePoll time.Duration) (*MongoSource, error) {
	if idlePoll <= 0 {
		idlePoll = DefaultIdlePoll
	}

	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	client, err := mongo.Connect(connectCtx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to source: %w", err)
	}
	if err := client.Ping(connectCtx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("failed to ping source: %w", err)
	}

	return &MongoSource{
		client:   client,
		db:       client.Database(database),
		idlePoll: idlePoll,
	}, nil
}

// Open starts a change stream at the given resume position.
func (s *MongoSource) Open(ctx context.Context, from cdc.PositionToken) (Stream, error) {
	pipeline := mongo.Pipeline{
		{{Key: "$match", Value: bson.M{
			"operationType": bson.M{"$in": []string{
				string(cdc.OpInsert), string(cdc.OpUpdate), string(cdc.OpDelete), string(cdc.OpReplace),
			}},
		}}},
	}

	opts := options.ChangeStream().SetFullDocument(options.UpdateLookup)
	switch from.Kind {
	case cdc.TokenNative:
		opts.SetResumeAfter(bson.Raw(from.Native))
	case cdc.TokenTimestamp:
		opts.SetStartAtOperationTime(&primitive.Timestamp{T: uint32(from.Timestamp.Unix())})
	case cdc.TokenNone:
		// Start from the present moment.
	}

	cs, err := s.db.Watch(ctx, pipeline, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open change stream: %w", err)
	}

	log.Info().
		Str("database", s.db.Name()).
		Str("resume_from", from.String()).
		Msg("Change stream opened")

	return &mongoStream{cs: cs, idlePoll: s.idlePoll}, nil
}

// Close disconnects from the source.
func (s *MongoSource) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}

// rawChange is the change stream document shape we decode.
type rawChange struct {
	OperationType string `bson:"operationType"`
	NS            struct {
		DB   string `bson:"db"`
		Coll string `bson:"coll"`
	} `bson:"ns"`
	FullDocument bson.Raw            `bson:"fullDocument"`
	DocumentKey  bson.Raw            `bson:"documentKey"`
	ClusterTime  primitive.Timestamp `bson:"clusterTime"`
}

type mongoStream struct {
	cs       *mongo.ChangeStream
	idlePoll time.Duration
}

// Next polls for the next change event. Unknown operation types and
// updates whose document vanished before the lookup are skipped; the
// resume token still advances past them.
func (m *mongoStream) Next(ctx context.Context) (*cdc.ChangeEvent, error) {
	for {
		if m.cs.TryNext(ctx) {
			ev, ok, err := m.decodeCurrent()
			if err != nil {
				return nil, err
			}
			if !ok {
				continue
			}
			return ev, nil
		}

		if err := m.cs.Err(); err != nil {
			return nil, fmt.Errorf("change stream error: %w", err)
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		// No pending event; idle briefly before polling again.
		timer := time.NewTimer(m.idlePoll)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
}

func (m *mongoStream) decodeCurrent() (*cdc.ChangeEvent, bool, error) {
	var raw rawChange
	if err := m.cs.Decode(&raw); err != nil {
		return nil, false, fmt.Errorf("failed to decode change event: %w", err)
	}

	op, ok := cdc.ClassifyOperation(raw.OperationType)
	if !ok {
		log.Debug().Str("operation", raw.OperationType).Msg("Skipping unsupported operation type")
		return nil, false, nil
	}

	ev := &cdc.ChangeEvent{
		Operation: op,
		Namespace: cdc.Namespace{
			Database:   raw.NS.DB,
			Collection: raw.NS.Coll,
		},
		DocumentKey: cloneRaw(raw.DocumentKey),
		Token:       m.Token(),
		ObservedAt:  time.Now().UTC(),
	}
	if raw.ClusterTime.T != 0 {
		ev.ClusterTime = time.Unix(int64(raw.ClusterTime.T), 0).UTC()
	}

	switch op {
	case cdc.OpDelete:
		// Deletes carry only the document key.
	default:
		if raw.FullDocument == nil {
			// The document was removed before the update lookup ran;
			// a later delete event covers it.
			log.Debug().
				Str("namespace", ev.Namespace.String()).
				Msg("Skipping change with no current document")
			return nil, false, nil
		}
		ev.Document = cloneRaw(raw.FullDocument)
	}

	return ev, true, nil
}

// Token returns the stream's current resume token.
func (m *mongoStream) Token() cdc.PositionToken {
	tok := m.cs.ResumeToken()
	if tok == nil {
		return cdc.NoToken()
	}
	return cdc.NativeToken(append([]byte(nil), tok...))
}

// Close closes the underlying change stream.
func (m *mongoStream) Close(ctx context.Context) error {
	return m.cs.Close(ctx)
}

// cloneRaw copies a bson.Raw out of the driver's reused decode buffer.
func cloneRaw(raw bson.Raw) bson.Raw {
	if raw == nil {
		return nil
	}
	return bson.Raw(append([]byte(nil), raw...))
}
