package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"docsync/internal/models"
)

// MemoryStore implements DocumentStore and UserStore in process memory.
// It backs STORE_DRIVER=memory and the test suites.
type MemoryStore struct {
	mu     sync.RWMutex
	docs   map[string]models.Document
	grants map[string]models.AccessGrant // documentID + "/" + userID
	users  map[string]models.User

	fail error
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		docs:   make(map[string]models.Document),
		grants: make(map[string]models.AccessGrant),
		users:  make(map[string]models.User),
	}
}

func grantKey(documentID, userID string) string {
	return documentID + "/" + userID
}

// GetDocument returns a copy of the stored document.
func (s *MemoryStore) GetDocument(_ context.Context, id string) (*models.Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.fail != nil {
		return nil, s.fail
	}
	doc, ok := s.docs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &doc, nil
}

// CreateDocument inserts a document; it fails if the id is taken.
func (s *MemoryStore) CreateDocument(_ context.Context, doc *models.Document) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.fail != nil {
		return s.fail
	}
	if _, exists := s.docs[doc.ID]; exists {
		return fmt.Errorf("document %s already exists", doc.ID)
	}
	s.docs[doc.ID] = *doc
	return nil
}

// UpdateContent overwrites content and stamps UpdatedAt.
func (s *MemoryStore) UpdateContent(_ context.Context, id, content, title string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.fail != nil {
		return s.fail
	}
	doc, ok := s.docs[id]
	if !ok {
		return ErrNotFound
	}
	doc.Content = content
	if title != "" {
		doc.Title = title
	}
	doc.UpdatedAt = at
	s.docs[id] = doc
	return nil
}

// FindActiveGrant returns the grant if present and active.
func (s *MemoryStore) FindActiveGrant(_ context.Context, documentID, userID string) (*models.AccessGrant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.fail != nil {
		return nil, s.fail
	}
	g, ok := s.grants[grantKey(documentID, userID)]
	if !ok || !g.IsActive {
		return nil, ErrNotFound
	}
	return &g, nil
}

// Ping reports the configured failure, if any.
func (s *MemoryStore) Ping(context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.fail
}

// GetUser returns the stored profile.
func (s *MemoryStore) GetUser(_ context.Context, id string) (*models.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.fail != nil {
		return nil, s.fail
	}
	u, ok := s.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &u, nil
}

// PutUser seeds a profile.
func (s *MemoryStore) PutUser(u models.User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[u.ID] = u
}

// PutGrant seeds or replaces an access grant.
func (s *MemoryStore) PutGrant(g models.AccessGrant) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.grants[grantKey(g.DocumentID, g.UserID)] = g
}

// PutDocument seeds or replaces a document.
func (s *MemoryStore) PutDocument(doc models.Document) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.docs[doc.ID] = doc
}

// SetFail makes every call return err until reset with nil.
func (s *MemoryStore) SetFail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fail = err
}
