// Package session holds the in-memory state of every live connection that has
// engaged with a document, plus the derived documentID -> connections index
// used for broadcast fan-out.
//
// Lock order is session before room. Room locks are never held while a
// session lock is taken.
package session

import (
	"sort"
	"sync"
	"time"

	"docsync/internal/models"
	"docsync/internal/ratelimit"
)

// Session is the per-connection collaboration record.
type Session struct {
	ConnectionID string
	UserID       string

	mu           sync.Mutex
	documentID   string
	joinedAt     time.Time
	lastActivity time.Time
	counters     ratelimit.Counters
	cursor       *models.Cursor
	status       models.Status
	removed      bool
}

// View is a point-in-time copy of a session.
type View struct {
	ConnectionID string
	UserID       string
	DocumentID   string
	JoinedAt     time.Time
	LastActivity time.Time
	Cursor       *models.Cursor
	Status       models.Status
}

// DocumentID returns the document the session is associated with.
func (s *Session) DocumentID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.documentID
}

// Touch refreshes lastActivity.
func (s *Session) Touch(now time.Time) {
	s.mu.Lock()
	s.lastActivity = now
	s.mu.Unlock()
}

// Allow applies the limiter to this session's counters.
func (s *Session) Allow(l *ratelimit.Limiter, action string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return l.Allow(s.counters, action)
}

// Matches reports whether userID and documentID are the session's own.
func (s *Session) Matches(userID, documentID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.UserID == userID && s.documentID != "" && s.documentID == documentID
}

// SetCursor records the last known cursor.
func (s *Session) SetCursor(c models.Cursor) {
	s.mu.Lock()
	s.cursor = &c
	s.mu.Unlock()
}

// SetStatus records the presence status.
func (s *Session) SetStatus(st models.Status) {
	s.mu.Lock()
	s.status = st
	s.mu.Unlock()
}

// View returns a copy of the session's state.
func (s *Session) View() View {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.viewLocked()
}

func (s *Session) viewLocked() View {
	v := View{
		ConnectionID: s.ConnectionID,
		UserID:       s.UserID,
		DocumentID:   s.documentID,
		JoinedAt:     s.joinedAt,
		LastActivity: s.lastActivity,
		Status:       s.status,
	}
	if s.cursor != nil {
		c := *s.cursor
		v.Cursor = &c
	}
	return v
}

type room struct {
	mu      sync.Mutex
	members map[string]time.Time // connection id -> joined at
	dead    bool
}

// Member is one connection in a room.
type Member struct {
	ConnectionID string
	JoinedAt     time.Time
}

// Registry maps connection ids to sessions and document ids to rooms.
type Registry struct {
	sessions sync.Map // string -> *Session
	rooms    sync.Map // string -> *room
	now      func() time.Time
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{now: time.Now}
}

// SetClock overrides the time source; tests only.
func (r *Registry) SetClock(now func() time.Time) {
	r.now = now
}

// Ensure returns the session of connID, creating it on first use.
func (r *Registry) Ensure(connID, userID string) *Session {
	if v, ok := r.sessions.Load(connID); ok {
		return v.(*Session)
	}
	now := r.now()
	s := &Session{
		ConnectionID: connID,
		UserID:       userID,
		lastActivity: now,
		counters:     make(ratelimit.Counters),
		status:       models.StatusActive,
	}
	v, _ := r.sessions.LoadOrStore(connID, s)
	return v.(*Session)
}

// Get returns the session of connID.
func (r *Registry) Get(connID string) (*Session, bool) {
	v, ok := r.sessions.Load(connID)
	if !ok {
		return nil, false
	}
	return v.(*Session), true
}

// JoinResult describes what a Join changed.
type JoinResult struct {
	Previous     string    // document the session pointed at before
	LeftPrevious bool      // the connection was removed from Previous's room
	Added        bool      // the connection was not already in the room
	JoinedAt     time.Time // when the connection entered the room
}

// Join associates connID with documentID and adds it to the room, moving it
// out of the room of any previous document. Joining the current room again
// keeps the original join time.
func (r *Registry) Join(connID, userID, documentID string) JoinResult {
	for {
		s := r.Ensure(connID, userID)
		s.mu.Lock()
		if s.removed {
			// lost a race with Remove; start over with a fresh session
			s.mu.Unlock()
			continue
		}

		now := r.now()
		res := JoinResult{Previous: s.documentID}
		if res.Previous != "" && res.Previous != documentID {
			res.LeftPrevious = r.removeMember(res.Previous, connID)
		}
		res.JoinedAt, res.Added = r.addMember(documentID, connID, now)

		s.documentID = documentID
		s.joinedAt = res.JoinedAt
		s.lastActivity = now
		s.mu.Unlock()
		return res
	}
}

// Leave removes connID from the room of documentID. The session keeps its
// documentID. It reports whether the connection was a member.
func (r *Registry) Leave(connID, documentID string) bool {
	return r.removeMember(documentID, connID)
}

// InRoom reports whether connID is currently in the room of documentID.
func (r *Registry) InRoom(documentID, connID string) bool {
	v, ok := r.rooms.Load(documentID)
	if !ok {
		return false
	}
	rm := v.(*room)
	rm.mu.Lock()
	defer rm.mu.Unlock()
	_, ok = rm.members[connID]
	return ok
}

// Members lists the room of documentID, earliest join first.
func (r *Registry) Members(documentID string) []Member {
	v, ok := r.rooms.Load(documentID)
	if !ok {
		return nil
	}
	rm := v.(*room)
	rm.mu.Lock()
	out := make([]Member, 0, len(rm.members))
	for id, at := range rm.members {
		out = append(out, Member{ConnectionID: id, JoinedAt: at})
	}
	rm.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].JoinedAt.Equal(out[j].JoinedAt) {
			return out[i].ConnectionID < out[j].ConnectionID
		}
		return out[i].JoinedAt.Before(out[j].JoinedAt)
	})
	return out
}

// RoomSize returns the number of connections in the room of documentID.
func (r *Registry) RoomSize(documentID string) int {
	v, ok := r.rooms.Load(documentID)
	if !ok {
		return 0
	}
	rm := v.(*room)
	rm.mu.Lock()
	defer rm.mu.Unlock()
	return len(rm.members)
}

// Remove deletes the session of connID and drops it from its room. ok is
// false when no session existed; wasMember reports whether it was still in
// the room of its document.
func (r *Registry) Remove(connID string) (v View, wasMember bool, ok bool) {
	val, loaded := r.sessions.LoadAndDelete(connID)
	if !loaded {
		return View{}, false, false
	}
	s := val.(*Session)
	s.mu.Lock()
	s.removed = true
	v = s.viewLocked()
	if v.DocumentID != "" {
		wasMember = r.removeMember(v.DocumentID, connID)
	}
	s.mu.Unlock()
	return v, wasMember, true
}

// Expired returns the connection ids whose last activity is before cutoff.
func (r *Registry) Expired(cutoff time.Time) []string {
	var ids []string
	r.sessions.Range(func(key, value any) bool {
		s := value.(*Session)
		s.mu.Lock()
		stale := s.lastActivity.Before(cutoff)
		s.mu.Unlock()
		if stale {
			ids = append(ids, key.(string))
		}
		return true
	})
	return ids
}

// Count returns the number of sessions.
func (r *Registry) Count() int {
	n := 0
	r.sessions.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

// DocumentCount returns the number of documents with at least one member.
func (r *Registry) DocumentCount() int {
	n := 0
	r.rooms.Range(func(_, value any) bool {
		rm := value.(*room)
		rm.mu.Lock()
		if len(rm.members) > 0 {
			n++
		}
		rm.mu.Unlock()
		return true
	})
	return n
}

// Clear removes every session and room.
func (r *Registry) Clear() {
	r.sessions.Range(func(key, _ any) bool {
		r.Remove(key.(string))
		return true
	})
}

func (r *Registry) addMember(documentID, connID string, now time.Time) (time.Time, bool) {
	for {
		v, _ := r.rooms.LoadOrStore(documentID, &room{members: make(map[string]time.Time)})
		rm := v.(*room)
		rm.mu.Lock()
		if rm.dead {
			rm.mu.Unlock()
			continue
		}
		if at, ok := rm.members[connID]; ok {
			rm.mu.Unlock()
			return at, false
		}
		rm.members[connID] = now
		rm.mu.Unlock()
		return now, true
	}
}

func (r *Registry) removeMember(documentID, connID string) bool {
	v, ok := r.rooms.Load(documentID)
	if !ok {
		return false
	}
	rm := v.(*room)
	rm.mu.Lock()
	defer rm.mu.Unlock()
	if _, ok := rm.members[connID]; !ok {
		return false
	}
	delete(rm.members, connID)
	if len(rm.members) == 0 {
		rm.dead = true
		r.rooms.CompareAndDelete(documentID, rm)
	}
	return true
}
