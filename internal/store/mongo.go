package store

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"docsync/internal/models"
)

// Collection names
const (
	CollectionDocuments = "documents"
	CollectionAccess    = "document_access"
	CollectionUsers     = "users"
)

// MongoStore persists documents, access grants and users in MongoDB.
type MongoStore struct {
	client   *mongo.Client
	database *mongo.Database
}

// NewMongoStore connects with a pooled client and verifies the connection.
func NewMongoStore(ctx context.Context, uri string) (*MongoStore, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	clientOptions := options.Client().
		ApplyURI(uri).
		SetMaxPoolSize(50).
		SetMinPoolSize(5).
		SetMaxConnIdleTime(30 * time.Second).
		SetServerSelectionTimeout(5 * time.Second).
		SetConnectTimeout(10 * time.Second)

	client, err := mongo.Connect(ctx, clientOptions)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
	}

	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("failed to ping MongoDB: %w", err)
	}

	return &MongoStore{
		client:   client,
		database: client.Database(databaseName(uri)),
	}, nil
}

// databaseName takes the database from the URI path, defaulting to "docsync".
func databaseName(uri string) string {
	u, err := url.Parse(uri)
	if err != nil {
		return "docsync"
	}
	if name := strings.Trim(u.Path, "/"); name != "" {
		return name
	}
	return "docsync"
}

// Initialize creates the indexes the lookups rely on.
func (m *MongoStore) Initialize(ctx context.Context) error {
	_, err := m.database.Collection(CollectionAccess).Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "document_id", Value: 1}, {Key: "user_id", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
		{Keys: bson.D{{Key: "user_id", Value: 1}, {Key: "is_active", Value: 1}}},
	})
	if err != nil {
		return fmt.Errorf("failed to create document_access indexes: %w", err)
	}

	_, err = m.database.Collection(CollectionDocuments).Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "owner_id", Value: 1}, {Key: "updated_at", Value: -1}},
	})
	if err != nil {
		return fmt.Errorf("failed to create documents indexes: %w", err)
	}
	return nil
}

// GetDocument loads one document.
func (m *MongoStore) GetDocument(ctx context.Context, id string) (*models.Document, error) {
	var doc models.Document
	err := m.database.Collection(CollectionDocuments).FindOne(ctx, bson.M{"_id": id}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find document %s: %w", id, err)
	}
	return &doc, nil
}

// CreateDocument inserts a new document.
func (m *MongoStore) CreateDocument(ctx context.Context, doc *models.Document) error {
	if _, err := m.database.Collection(CollectionDocuments).InsertOne(ctx, doc); err != nil {
		return fmt.Errorf("insert document %s: %w", doc.ID, err)
	}
	return nil
}

// UpdateContent sets content and updated_at, and title when non-empty.
func (m *MongoStore) UpdateContent(ctx context.Context, id, content, title string, at time.Time) error {
	set := bson.M{"content": content, "updated_at": at}
	if title != "" {
		set["title"] = title
	}

	res, err := m.database.Collection(CollectionDocuments).UpdateOne(ctx, bson.M{"_id": id}, bson.M{"$set": set})
	if err != nil {
		return fmt.Errorf("update document %s: %w", id, err)
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

// FindActiveGrant loads the active grant of userID on documentID.
func (m *MongoStore) FindActiveGrant(ctx context.Context, documentID, userID string) (*models.AccessGrant, error) {
	var grant models.AccessGrant
	filter := bson.M{"document_id": documentID, "user_id": userID, "is_active": true}
	err := m.database.Collection(CollectionAccess).FindOne(ctx, filter).Decode(&grant)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find grant %s/%s: %w", documentID, userID, err)
	}
	return &grant, nil
}

// GetUser loads a user profile.
func (m *MongoStore) GetUser(ctx context.Context, id string) (*models.User, error) {
	var user models.User
	err := m.database.Collection(CollectionUsers).FindOne(ctx, bson.M{"_id": id},
		options.FindOne().SetProjection(bson.M{"email": 1, "role": 1})).Decode(&user)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find user %s: %w", id, err)
	}
	return &user, nil
}

// Ping checks the primary is reachable.
func (m *MongoStore) Ping(ctx context.Context) error {
	return m.client.Ping(ctx, readpref.Primary())
}

// Close disconnects the client.
func (m *MongoStore) Close(ctx context.Context) error {
	return m.client.Disconnect(ctx)
}
