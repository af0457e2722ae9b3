package store

import (
	"context"
	"errors"
	"time"

	"docsync/internal/models"
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("not found")

// DocumentStore is the authoritative store for documents and access grants.
type DocumentStore interface {
	GetDocument(ctx context.Context, id string) (*models.Document, error)
	CreateDocument(ctx context.Context, doc *models.Document) error
	// UpdateContent persists content and stamps updatedAt. An empty title
	// leaves the stored title untouched.
	UpdateContent(ctx context.Context, id, content, title string, at time.Time) error
	// FindActiveGrant returns the active grant of userID on documentID.
	FindActiveGrant(ctx context.Context, documentID, userID string) (*models.AccessGrant, error)
	Ping(ctx context.Context) error
}

// UserStore resolves user profiles.
type UserStore interface {
	GetUser(ctx context.Context, id string) (*models.User, error)
}

// Store is a complete backend: documents, grants and users.
type Store interface {
	DocumentStore
	UserStore
}
