package audit

import (
	"context"
	"fmt"
	"regexp"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	apierrors "licensor/internal/errors"
	"licensor/pkg/contracts/domain"
)

const defaultMongoCollection = "activations"

// validCollectionName matches safe MongoDB collection names.
var validCollectionName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// MongoOption configures a MongoSink.
type MongoOption func(*MongoSink)

// WithCollectionName sets the collection name. Default: "activations".
func WithCollectionName(name string) MongoOption {
	return func(s *MongoSink) {
		if name != "" {
			s.collectionName = name
		}
	}
}

// WithClientOwnership makes Close disconnect the client.
func WithClientOwnership(client *mongo.Client) MongoOption {
	return func(s *MongoSink) { s.owned = client }
}

// MongoSink writes activation events to a MongoDB collection.
type MongoSink struct {
	collection     *mongo.Collection
	collectionName string
	owned          *mongo.Client
}

// NewMongoSink creates the sink and its indexes.
func NewMongoSink(ctx context.Context, db *mongo.Database, opts ...MongoOption) (*MongoSink, error) {
	s := &MongoSink{collectionName: defaultMongoCollection}
	for _, opt := range opts {
		opt(s)
	}
	if !validCollectionName.MatchString(s.collectionName) {
		return nil, fmt.Errorf("invalid collection name %q: must match [a-zA-Z_][a-zA-Z0-9_]*", s.collectionName)
	}
	s.collection = db.Collection(s.collectionName)

	indexes := []mongo.IndexModel{
		{
			Keys: bson.D{
				{Key: "license_key", Value: 1},
				{Key: "timestamp", Value: -1},
			},
		},
		{Keys: bson.D{{Key: "timestamp", Value: -1}}},
	}
	if _, err := s.collection.Indexes().CreateMany(ctx, indexes); err != nil {
		return nil, fmt.Errorf("create indexes: %w", err)
	}
	return s, nil
}

// ConnectMongo opens a client and verifies it with a ping.
func ConnectMongo(ctx context.Context, uri string) (*mongo.Client, error) {
	client, err := mongo.Connect(options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("connect mongo: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("ping mongo: %w", err)
	}
	return client, nil
}

func (s *MongoSink) Record(ctx context.Context, event domain.ActivationEvent) error {
	if _, err := s.collection.InsertOne(ctx, event); err != nil {
		return apierrors.NewStorageError("insert activation event", err)
	}
	return nil
}

func (s *MongoSink) Recent(ctx context.Context, limit int) ([]domain.ActivationEvent, error) {
	opts := options.Find().
		SetSort(bson.D{{Key: "timestamp", Value: -1}}).
		SetLimit(int64(limit))
	cursor, err := s.collection.Find(ctx, bson.M{}, opts)
	if err != nil {
		return nil, apierrors.NewStorageError("list activation events", err)
	}
	events := []domain.ActivationEvent{}
	if err := cursor.All(ctx, &events); err != nil {
		return nil, apierrors.NewStorageError("decode activation events", err)
	}
	return events, nil
}

func (s *MongoSink) Close(ctx context.Context) error {
	if s.owned == nil {
		return nil
	}
	return s.owned.Disconnect(ctx)
}
