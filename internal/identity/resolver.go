package identity

import (
	"context"
	"errors"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/sirupsen/logrus"

	"docsync/internal/models"
	"docsync/internal/store"
)

// Resolver looks up user profiles for presence display, caching them for a
// short time. Only display fields are cached; permissions never are.
type Resolver struct {
	users store.UserStore
	cache *cache.Cache
	log   logrus.FieldLogger
}

// NewResolver creates a resolver with the given cache TTL.
func NewResolver(users store.UserStore, ttl time.Duration, log logrus.FieldLogger) *Resolver {
	return &Resolver{
		users: users,
		cache: cache.New(ttl, 2*ttl),
		log:   log,
	}
}

// Resolve returns the profile for userID. Unknown users and lookup failures
// degrade to a bare profile carrying only the id.
func (r *Resolver) Resolve(ctx context.Context, userID string) models.User {
	if v, ok := r.cache.Get(userID); ok {
		return v.(models.User)
	}

	u, err := r.users.GetUser(ctx, userID)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			r.log.WithError(err).WithField("user_id", userID).Warn("profile lookup failed")
			return models.User{ID: userID}
		}
		u = &models.User{ID: userID}
	}

	r.cache.Set(userID, *u, cache.DefaultExpiration)
	return *u
}

// Forget drops a cached profile.
func (r *Resolver) Forget(userID string) {
	r.cache.Delete(userID)
}
