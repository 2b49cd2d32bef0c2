package history

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
)

// Collection names
const (
	CollectionRuns      = "runs"
	CollectionToolCalls = "tool_calls"
)

// MongoSink stores runs and tool calls as documents.
type MongoSink struct {
	client *mongo.Client
	runs   *mongo.Collection
	calls  *mongo.Collection
}

// OpenMongo connects to uri and uses database (default "tabrelay").
func OpenMongo(ctx context.Context, uri, database string) (*MongoSink, error) {
	if uri == "" {
		return nil, errors.New("mongo history needs a uri")
	}
	if database == "" {
		database = "tabrelay"
	}
	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	clientOptions := options.Client().
		ApplyURI(uri).
		SetMaxPoolSize(10).
		SetServerSelectionTimeout(5 * time.Second).
		SetConnectTimeout(10 * time.Second)

	client, err := mongo.Connect(connectCtx, clientOptions)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
	}
	if err := client.Ping(connectCtx, readpref.Primary()); err != nil {
		client.Disconnect(context.Background())
		return nil, fmt.Errorf("failed to ping MongoDB: %w", err)
	}

	db := client.Database(database)
	sink := &MongoSink{
		client: client,
		runs:   db.Collection(CollectionRuns),
		calls:  db.Collection(CollectionToolCalls),
	}
	_, err = sink.calls.Indexes().CreateOne(connectCtx, mongo.IndexModel{
		Keys: bson.D{{Key: "run_id", Value: 1}, {Key: "seq", Value: 1}},
	})
	if err != nil {
		client.Disconnect(context.Background())
		return nil, fmt.Errorf("create tool_calls index: %w", err)
	}
	return sink, nil
}

func (s *MongoSink) StartRun(ctx context.Context, run Run) error {
	doc := bson.M{
		"_id":        run.ID,
		"session_id": run.SessionID,
		"status":     string(StatusRunning),
		"started_at": run.StartedAt,
	}
	if run.InstanceID != "" {
		doc["instance_id"] = run.InstanceID
	}
	if run.ServerVersion != "" {
		doc["server_version"] = run.ServerVersion
	}
	if run.ProtoVersion != "" {
		doc["proto_version"] = run.ProtoVersion
	}
	if _, err := s.runs.InsertOne(ctx, doc); err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

func (s *MongoSink) RecordToolCall(ctx context.Context, call ToolCall) error {
	doc, err := bson.Marshal(call)
	if err != nil {
		return fmt.Errorf("encode tool call: %w", err)
	}
	var m bson.M
	if err := bson.Unmarshal(doc, &m); err != nil {
		return fmt.Errorf("encode tool call: %w", err)
	}
	// Raw JSON would be stored as binary; keep it queryable as strings.
	if len(call.Input) > 0 {
		m["input"] = string(call.Input)
	}
	if len(call.Output) > 0 {
		m["output"] = string(call.Output)
	}
	if _, err := s.calls.InsertOne(ctx, m); err != nil {
		return fmt.Errorf("insert tool call: %w", err)
	}
	return nil
}

func (s *MongoSink) FinishRun(ctx context.Context, runID string, status Status, at time.Time) error {
	res, err := s.runs.UpdateOne(ctx,
		bson.M{"_id": runID},
		bson.M{"$set": bson.M{"status": string(status), "ended_at": at}},
	)
	if err != nil {
		return fmt.Errorf("finish run: %w", err)
	}
	if res.MatchedCount == 0 {
		return fmt.Errorf("finish run %s: no such run", runID)
	}
	return nil
}

func (s *MongoSink) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.client.Disconnect(ctx)
}
