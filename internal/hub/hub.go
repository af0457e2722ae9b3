// Package hub coordinates document rooms: it dispatches inbound events,
// relays edits and presence between room members, and owns the connection
// table, the inactivity sweep and graceful shutdown.
package hub

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/sirupsen/logrus"

	"docsync/internal/autosave"
	"docsync/internal/identity"
	"docsync/internal/metrics"
	"docsync/internal/models"
	"docsync/internal/permission"
	"docsync/internal/ratelimit"
	"docsync/internal/session"
	"docsync/internal/store"
)

// SilentActions are the broadcast-style events whose rate-limit denials are
// dropped without an error reply.
var SilentActions = []string{
	models.EventSendChanges,
	models.EventDocumentChanged,
	models.EventCursorUpdate,
	models.EventContentChange,
	models.EventUserStatus,
}

// Relay publishes room broadcasts to other server instances.
type Relay interface {
	Publish(ctx context.Context, documentID, exclude, event string, data any) error
}

// Config holds the limits the hub enforces.
type Config struct {
	InstanceID      string
	AdminRoles      []string
	MaxConnections  int
	SessionTimeout  time.Duration
	MaxContentBytes int
	MaxTitleLength  int
	MaxDeltaOps     int
}

// Deps are the collaborators of the hub. Relay and Metrics are optional.
type Deps struct {
	Documents store.DocumentStore
	Oracle    *permission.Oracle
	Sessions  *session.Registry
	Limiter   *ratelimit.Limiter
	Autosave  *autosave.Scheduler
	Profiles  *identity.Resolver
	Relay     Relay
	Metrics   *metrics.Metrics
	// Checks are probed by Health; a failing check marks the report degraded.
	Checks map[string]func(context.Context) error
	Logger logrus.FieldLogger
}

type handlerFunc func(ctx context.Context, c *Client, data json.RawMessage) (any, error)

// Hub maintains live clients and document rooms.
type Hub struct {
	cfg      Config
	docs     store.DocumentStore
	oracle   *permission.Oracle
	sessions *session.Registry
	limiter  *ratelimit.Limiter
	autosave *autosave.Scheduler
	profiles *identity.Resolver
	relay    Relay
	metrics  *metrics.Metrics
	checks   map[string]func(context.Context) error
	validate *validator.Validate
	log      *logrus.Entry

	now     func() time.Time
	started time.Time

	mu       sync.RWMutex
	clients  map[string]*Client
	closed   bool
	handlers map[string]handlerFunc
}

// New creates a hub.
func New(cfg Config, deps Deps) *Hub {
	h := &Hub{
		cfg:      cfg,
		docs:     deps.Documents,
		oracle:   deps.Oracle,
		sessions: deps.Sessions,
		limiter:  deps.Limiter,
		autosave: deps.Autosave,
		profiles: deps.Profiles,
		relay:    deps.Relay,
		metrics:  deps.Metrics,
		checks:   deps.Checks,
		validate: newValidator(),
		log:      deps.Logger.WithField("component", "hub"),
		now:      time.Now,
		clients:  make(map[string]*Client),
	}
	h.started = h.now()

	h.handlers = map[string]handlerFunc{
		models.EventGetDocument:       h.handleGetDocument,
		models.EventJoinDocument:      h.handleJoinDocument,
		models.EventLeaveDocument:     h.handleLeaveDocument,
		models.EventGetConnectedUsers: h.handleGetConnectedUsers,
		models.EventSendChanges:       h.handleSendChanges,
		models.EventCursorUpdate:      h.handleCursorUpdate,
		models.EventContentChange:     h.handleContentChange,
		models.EventUserStatus:        h.handleUserStatus,
		models.EventSaveDocument:      h.handleSaveDocument,
		models.EventDocumentChanged:   h.handleDocumentChanged,
		models.EventHealthCheck:       h.handleHealthCheck,
		models.EventGetMetrics:        h.handleGetMetrics,
		models.EventPing:              h.handlePing,
	}
	return h
}

// Register admits c if the hub is below its connection ceiling and not
// shutting down, fills in profile fields the credential did not carry and
// greets the client.
func (h *Hub) Register(ctx context.Context, c *Client) error {
	if c.Email == "" || c.Role == "" {
		p := h.profiles.Resolve(ctx, c.UserID)
		if c.Email == "" {
			c.Email = p.Email
		}
		if c.Role == "" {
			c.Role = p.Role
		}
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return models.NewError(models.CodeServerOverload, "server is shutting down")
	}
	if len(h.clients) >= h.cfg.MaxConnections {
		h.mu.Unlock()
		return models.NewError(models.CodeServerOverload, "server is at capacity, try again later")
	}
	h.clients[c.ID] = c
	total := len(h.clients)
	h.mu.Unlock()

	h.log.WithFields(logrus.Fields{
		"conn_id":     c.ID,
		"user_id":     c.UserID,
		"connections": total,
	}).Info("client connected")

	h.send(c, models.EventConnected, "", models.Connected{
		ConnectionID: c.ID,
		UserID:       c.UserID,
		Timestamp:    h.now().UTC(),
	})
	return nil
}

// Unregister removes c and its session, telling the room it left.
func (h *Hub) Unregister(c *Client) {
	h.mu.Lock()
	if cur, ok := h.clients[c.ID]; ok && cur == c {
		delete(h.clients, c.ID)
	}
	h.mu.Unlock()
	c.Close()

	v, wasMember, ok := h.sessions.Remove(c.ID)
	if ok {
		h.afterDeparture(context.Background(), v, wasMember, "disconnect")
	}

	h.log.WithFields(logrus.Fields{
		"conn_id":     c.ID,
		"user_id":     c.UserID,
		"document_id": v.DocumentID,
	}).Info("client disconnected")
}

// afterDeparture notifies the room a removed session was in and cancels the
// document's pending save when nobody is left editing it.
func (h *Hub) afterDeparture(ctx context.Context, v session.View, wasMember bool, reason string) {
	if v.DocumentID == "" || !wasMember {
		return
	}
	h.broadcast(ctx, v.DocumentID, v.ConnectionID, models.EventUserLeft, models.UserLeft{
		DocumentID:   v.DocumentID,
		ConnectionID: v.ConnectionID,
		UserID:       v.UserID,
		Reason:       reason,
		Timestamp:    h.now().UTC(),
	})
	if h.sessions.RoomSize(v.DocumentID) == 0 && h.autosave.Cancel(v.DocumentID) {
		h.log.WithField("document_id", v.DocumentID).Info("last editor left, pending autosave cancelled")
	}
}

func (h *Hub) client(id string) (*Client, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	c, ok := h.clients[id]
	return c, ok
}

// deliver queues msg for c. A client whose queue is full is disconnected.
func (h *Hub) deliver(c *Client, msg []byte) {
	if c.enqueue(msg) {
		return
	}
	h.metrics.RecordSlowConsumer()
	h.log.WithFields(logrus.Fields{"conn_id": c.ID, "user_id": c.UserID}).Warn("outbound queue full, dropping slow client")
	c.Close()
}

func (h *Hub) send(c *Client, event, ack string, data any) {
	msg, err := json.Marshal(models.ServerMessage{Event: event, Ack: ack, Data: data})
	if err != nil {
		h.log.WithError(err).WithField("event", event).Error("failed to encode message")
		return
	}
	h.deliver(c, msg)
}

// broadcast sends an event to every member of the room except exclude, and
// publishes it to the other instances.
func (h *Hub) broadcast(ctx context.Context, documentID, exclude, event string, data any) {
	msg, err := json.Marshal(models.ServerMessage{Event: event, Data: data})
	if err != nil {
		h.log.WithError(err).WithField("event", event).Error("failed to encode broadcast")
		return
	}
	h.fanOut(documentID, exclude, msg)
	h.metrics.RecordBroadcast(event)

	if h.relay != nil {
		if err := h.relay.Publish(ctx, documentID, exclude, event, data); err != nil {
			h.log.WithError(err).WithFields(logrus.Fields{
				"document_id": documentID,
				"event":       event,
			}).Warn("relay publish failed")
		}
	}
}

func (h *Hub) fanOut(documentID, exclude string, msg []byte) {
	for _, m := range h.sessions.Members(documentID) {
		if m.ConnectionID == exclude {
			continue
		}
		if c, ok := h.client(m.ConnectionID); ok {
			h.deliver(c, msg)
		}
	}
}

// DeliverRemote hands a broadcast published by another instance to the
// local members of the room.
func (h *Hub) DeliverRemote(documentID, exclude, event string, data json.RawMessage) {
	msg, err := json.Marshal(models.ServerMessage{Event: event, Data: data})
	if err != nil {
		h.log.WithError(err).WithField("event", event).Error("failed to encode relayed broadcast")
		return
	}
	h.fanOut(documentID, exclude, msg)
}

// Sweep removes sessions idle longer than the session timeout. The
// connections stay open; their next scoped message gets SESSION_EXPIRED.
func (h *Hub) Sweep(ctx context.Context) int {
	cutoff := h.now().Add(-h.cfg.SessionTimeout)
	removed := 0
	for _, id := range h.sessions.Expired(cutoff) {
		v, wasMember, ok := h.sessions.Remove(id)
		if !ok {
			continue
		}
		removed++
		h.afterDeparture(ctx, v, wasMember, "timeout")
	}
	if removed > 0 {
		h.metrics.RecordSwept(removed)
		h.log.WithField("removed", removed).Info("inactive sessions swept")
	}
	return removed
}

// Shutdown flushes pending saves, tells every client the server is going
// away and clears all state.
func (h *Hub) Shutdown(ctx context.Context) error {
	h.mu.Lock()
	h.closed = true
	h.mu.Unlock()

	h.autosave.Close()
	err := h.autosave.Flush(ctx)
	if err != nil {
		h.log.WithError(err).Error("flushing pending saves on shutdown")
	}

	h.mu.Lock()
	clients := make([]*Client, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.clients = make(map[string]*Client)
	h.mu.Unlock()

	notice := models.ServerShutdown{Message: "server is shutting down", Timestamp: h.now().UTC()}
	for _, c := range clients {
		h.send(c, models.EventServerShutdown, "", notice)
	}
	h.sessions.Clear()
	for _, c := range clients {
		c.Close()
	}

	h.log.WithField("clients", len(clients)).Info("hub shut down")
	return err
}

func (h *Hub) isAdmin(role string) bool {
	for _, r := range h.cfg.AdminRoles {
		if strings.EqualFold(r, role) {
			return true
		}
	}
	return false
}

func (h *Hub) userInfo(c *Client) models.UserInfo {
	return models.UserInfo{ID: c.UserID, Email: c.Email, Role: c.Role}
}
