package store

import (
	"context"
	"fmt"
	"time"

	errorskg "github.com/sweetpotato0/stageflow/errors"
	"github.com/sweetpotato0/stageflow/session"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// MongoStore implements session.Store using MongoDB. Optimistic appends
// rely on a conditional UpdateOne whose filter pins both the status and the
// expected turn count.
type MongoStore struct {
	client     *mongo.Client
	db         *mongo.Database
	collection *mongo.Collection
}

// MongoConfig holds MongoDB connection configuration
type MongoConfig struct {
	URI        string
	Database   string
	Collection string
}

// DefaultMongoConfig returns default MongoDB configuration
func DefaultMongoConfig() *MongoConfig {
	return &MongoConfig{
		URI:        "mongodb://localhost:27017",
		Database:   "stageflow",
		Collection: "sessions",
	}
}

// mongoSession is the internal representation for MongoDB
type mongoSession struct {
	ID        string          `bson:"_id"`
	UserID    string          `bson:"user_id"`
	Status    string          `bson:"status"`
	Audience  bool            `bson:"audience"`
	TurnCount int             `bson:"turn_count"`
	Turns     []*session.Turn `bson:"turns"`
	CreatedAt time.Time       `bson:"created_at"`
	UpdatedAt time.Time       `bson:"updated_at"`
}

func toMongo(sess *session.Session) *mongoSession {
	return &mongoSession{
		ID:        sess.ID,
		UserID:    sess.UserID,
		Status:    string(sess.Status),
		Audience:  sess.Audience,
		TurnCount: sess.TurnCount,
		Turns:     sess.Turns,
		CreatedAt: sess.CreatedAt,
		UpdatedAt: sess.UpdatedAt,
	}
}

func fromMongo(m *mongoSession) *session.Session {
	return &session.Session{
		ID:        m.ID,
		UserID:    m.UserID,
		Status:    session.Status(m.Status),
		Audience:  m.Audience,
		TurnCount: m.TurnCount,
		Turns:     m.Turns,
		CreatedAt: m.CreatedAt,
		UpdatedAt: m.UpdatedAt,
	}
}

// NewMongoStore creates a new MongoDB-based session store
func NewMongoStore(config *MongoConfig) (*MongoStore, error) {
	if config == nil {
		config = DefaultMongoConfig()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(config.URI))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
	}

	if err := client.Ping(ctx, nil); err != nil {
		return nil, fmt.Errorf("failed to ping MongoDB: %w", err)
	}

	db := client.Database(config.Database)
	collection := db.Collection(config.Collection)

	store := &MongoStore{
		client:     client,
		db:         db,
		collection: collection,
	}

	if err := store.createIndexes(context.Background()); err != nil {
		return nil, fmt.Errorf("failed to create indexes: %w", err)
	}

	return store, nil
}

func (s *MongoStore) createIndexes(ctx context.Context) error {
	models := []mongo.IndexModel{
		{Keys: bson.D{{Key: "user_id", Value: 1}}},
		{Keys: bson.D{{Key: "status", Value: 1}, {Key: "updated_at", Value: 1}}},
	}
	_, err := s.collection.Indexes().CreateMany(ctx, models)
	return err
}

// Create persists a new session.
func (s *MongoStore) Create(ctx context.Context, sess *session.Session) error {
	if sess == nil || sess.ID == "" {
		return fmt.Errorf("session cannot be nil")
	}

	_, err := s.collection.InsertOne(ctx, toMongo(sess))
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return fmt.Errorf("session %s: %w", sess.ID, errorskg.ErrAlreadyExists)
		}
		return fmt.Errorf("failed to create session: %w", err)
	}
	return nil
}

// Get loads a session by ID.
func (s *MongoStore) Get(ctx context.Context, id string) (*session.Session, error) {
	var m mongoSession
	err := s.collection.FindOne(ctx, bson.M{"_id": id}).Decode(&m)
	if err != nil {
		if err == mongo.ErrNoDocuments {
			return nil, fmt.Errorf("session %s: %w", id, errorskg.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to load session: %w", err)
	}
	return fromMongo(&m), nil
}

// AppendTurn appends a turn if the expected count still holds.
func (s *MongoStore) AppendTurn(ctx context.Context, sessionID string, expectedCount int, turn *session.Turn) error {
	stored := turn.Clone()
	stored.Number = expectedCount

	filter := bson.M{
		"_id":        sessionID,
		"status":     string(session.StatusActive),
		"turn_count": expectedCount,
	}
	update := bson.M{
		"$push": bson.M{"turns": stored},
		"$inc":  bson.M{"turn_count": 1},
		"$set":  bson.M{"updated_at": time.Now()},
	}

	result, err := s.collection.UpdateOne(ctx, filter, update)
	if err != nil {
		return fmt.Errorf("failed to append turn: %w", err)
	}
	if result.MatchedCount == 0 {
		return s.diagnoseAppendFailure(ctx, sessionID, expectedCount)
	}
	return nil
}

func (s *MongoStore) diagnoseAppendFailure(ctx context.Context, sessionID string, expectedCount int) error {
	sess, err := s.Get(ctx, sessionID)
	if err != nil {
		return err
	}
	if sess.Status != session.StatusActive {
		return fmt.Errorf("session %s is %s: %w", sessionID, sess.Status, errorskg.ErrSessionNotActive)
	}
	return fmt.Errorf("expected turn count %d, stored %d: %w",
		expectedCount, sess.TurnCount, errorskg.ErrPersistenceConflict)
}

// AttachCoaching sets the coaching note on the most recent turn.
func (s *MongoStore) AttachCoaching(ctx context.Context, sessionID string, note string) error {
	sess, err := s.Get(ctx, sessionID)
	if err != nil {
		return err
	}
	if sess.TurnCount == 0 {
		return fmt.Errorf("session %s has no turns: %w", sessionID, errorskg.ErrInvalidInput)
	}

	last := sess.TurnCount - 1
	field := fmt.Sprintf("turns.%d.coachingnote", last)
	result, err := s.collection.UpdateOne(ctx,
		bson.M{"_id": sessionID, "turn_count": sess.TurnCount},
		bson.M{"$set": bson.M{field: note, "updated_at": time.Now()}})
	if err != nil {
		return fmt.Errorf("failed to attach coaching note: %w", err)
	}
	if result.MatchedCount == 0 {
		return fmt.Errorf("session %s changed during coaching attach: %w",
			sessionID, errorskg.ErrPersistenceConflict)
	}
	return nil
}

// SetStatus updates the session status.
func (s *MongoStore) SetStatus(ctx context.Context, sessionID string, status session.Status) error {
	result, err := s.collection.UpdateOne(ctx,
		bson.M{"_id": sessionID},
		bson.M{"$set": bson.M{"status": string(status), "updated_at": time.Now()}})
	if err != nil {
		return fmt.Errorf("failed to update session status: %w", err)
	}
	if result.MatchedCount == 0 {
		return fmt.Errorf("session %s: %w", sessionID, errorskg.ErrNotFound)
	}
	return nil
}

// ListByUser returns the IDs of the user's sessions.
func (s *MongoStore) ListByUser(ctx context.Context, userID string) ([]string, error) {
	cursor, err := s.collection.Find(ctx, bson.M{"user_id": userID},
		options.Find().SetProjection(bson.M{"_id": 1}))
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer cursor.Close(ctx)

	ids := make([]string, 0)
	for cursor.Next(ctx) {
		var doc struct {
			ID string `bson:"_id"`
		}
		if err := cursor.Decode(&doc); err != nil {
			return nil, fmt.Errorf("failed to decode session id: %w", err)
		}
		ids = append(ids, doc.ID)
	}
	if err := cursor.Err(); err != nil {
		return nil, fmt.Errorf("error iterating sessions: %w", err)
	}
	return ids, nil
}

// ExpireInactive flips active sessions untouched since the cutoff to expired.
func (s *MongoStore) ExpireInactive(ctx context.Context, cutoff time.Time) ([]*session.Session, error) {
	filter := bson.M{
		"status":     string(session.StatusActive),
		"updated_at": bson.M{"$lt": cutoff},
	}

	cursor, err := s.collection.Find(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("failed to find inactive sessions: %w", err)
	}

	var docs []mongoSession
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("failed to decode sessions: %w", err)
	}

	expired := make([]*session.Session, 0, len(docs))
	for i := range docs {
		result, err := s.collection.UpdateOne(ctx,
			bson.M{"_id": docs[i].ID, "status": string(session.StatusActive)},
			bson.M{"$set": bson.M{"status": string(session.StatusExpired), "updated_at": time.Now()}})
		if err != nil || result.MatchedCount == 0 {
			continue
		}
		sess := fromMongo(&docs[i])
		sess.Status = session.StatusExpired
		expired = append(expired, sess)
	}
	return expired, nil
}

// Close closes the MongoDB connection
func (s *MongoStore) Close(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	return s.client.Disconnect(ctx)
}

// Ping checks if MongoDB connection is alive
func (s *MongoStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx, nil)
}
