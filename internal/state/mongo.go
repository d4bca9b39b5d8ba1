package state

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
)

const (
	DefaultMongoDatabase   = "notecapture"
	DefaultMongoCollection = "session_state"

	// slotID is the _id of the one document the store keeps.
	slotID = "current"
)

type mongoDoc struct {
	ID        string    `bson:"_id"`
	State     `bson:",inline"`
	UpdatedAt time.Time `bson:"updatedAt"`
}

// MongoStore keeps the slot as a single document, letting instances on
// different hosts share it.
type MongoStore struct {
	client     *mongo.Client
	collection *mongo.Collection
}

// NewMongoStore connects to uri and verifies the connection.
func NewMongoStore(ctx context.Context, uri, database, collection string) (*MongoStore, error) {
	if uri == "" {
		return nil, errors.New("mongo URI is empty")
	}
	if database == "" {
		database = DefaultMongoDatabase
	}
	if collection == "" {
		collection = DefaultMongoCollection
	}

	serverAPI := options.ServerAPI(options.ServerAPIVersion1)
	opts := options.Client().ApplyURI(uri).SetServerAPIOptions(serverAPI)

	client, err := mongo.Connect(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx, readpref.Primary()); err != nil {
		client.Disconnect(context.Background())
		return nil, fmt.Errorf("failed to ping MongoDB: %w", err)
	}

	slog.Debug("Connected to MongoDB state store", "database", database, "collection", collection)
	return &MongoStore{
		client:     client,
		collection: client.Database(database).Collection(collection),
	}, nil
}

func (s *MongoStore) Get(ctx context.Context) (State, error) {
	var doc mongoDoc
	err := s.collection.FindOne(ctx, bson.M{"_id": slotID}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return State{}, nil
	}
	if err != nil {
		return State{}, fmt.Errorf("reading session state: %w", err)
	}
	return doc.State, nil
}

func (s *MongoStore) Set(ctx context.Context, active bool, data *RecordingData) error {
	doc := mongoDoc{
		ID:        slotID,
		State:     stateFor(active, data),
		UpdatedAt: time.Now().UTC(),
	}
	_, err := s.collection.ReplaceOne(ctx, bson.M{"_id": slotID}, doc, options.Replace().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("writing session state: %w", err)
	}
	return nil
}

func (s *MongoStore) Clear(ctx context.Context) error {
	if _, err := s.collection.DeleteOne(ctx, bson.M{"_id": slotID}); err != nil {
		return fmt.Errorf("clearing session state: %w", err)
	}
	return nil
}

// Ping checks the connection is still healthy.
func (s *MongoStore) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return s.client.Ping(ctx, readpref.Primary())
}

func (s *MongoStore) Close(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return s.client.Disconnect(ctx)
}
