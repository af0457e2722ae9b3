package hub

import (
	"context"
	"encoding/json"
	"errors"
	"runtime/debug"
	"time"

	"github.com/sirupsen/logrus"

	"docsync/internal/models"
	"docsync/internal/session"
)

// errDropped marks a message that is discarded without any reply.
var errDropped = errors.New("message dropped")

var replyEvents = map[string]string{
	models.EventPing: models.EventPong,
}

// HandleMessage processes one inbound frame from c. Each message is fault
// isolated: a panic in a handler becomes a SERVER_ERROR reply.
func (h *Hub) HandleMessage(ctx context.Context, c *Client, raw []byte) {
	var msg models.ClientMessage
	if err := json.Unmarshal(raw, &msg); err != nil || msg.Event == "" {
		h.replyError(c, models.ClientMessage{}, models.NewError(models.CodeValidation, "malformed message envelope"))
		return
	}

	handler, ok := h.handlers[msg.Event]
	if !ok {
		h.metrics.RecordMessage("unknown")
		h.replyError(c, msg, models.Errorf(models.CodeUnknownEvent, "unknown event %q", msg.Event))
		return
	}
	h.metrics.RecordMessage(msg.Event)

	if s, ok := h.sessions.Get(c.ID); ok {
		s.Touch(h.now())
	}

	start := time.Now()
	result, err := h.call(ctx, c, msg, handler)
	h.metrics.ObserveHandler(msg.Event, time.Since(start).Seconds())

	switch {
	case errors.Is(err, errDropped):
	case err != nil:
		h.replyError(c, msg, err)
	case result != nil:
		event := msg.Event
		if e, ok := replyEvents[msg.Event]; ok {
			event = e
		}
		h.send(c, event, msg.Ack, result)
	case msg.Ack != "":
		h.send(c, msg.Event, msg.Ack, models.Accepted{Success: true})
	}
}

func (h *Hub) call(ctx context.Context, c *Client, msg models.ClientMessage, handler handlerFunc) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			h.log.WithFields(logrus.Fields{
				"conn_id": c.ID,
				"user_id": c.UserID,
				"event":   msg.Event,
				"panic":   r,
			}).Errorf("handler panic\n%s", debug.Stack())
			result, err = nil, models.NewError(models.CodeServerError, "internal server error")
		}
	}()
	return handler(ctx, c, msg.Data)
}

// replyError answers a request with its own event and ack; anything without
// an ack gets an unsolicited error event.
func (h *Hub) replyError(c *Client, msg models.ClientMessage, err error) {
	var me *models.Error
	if !errors.As(err, &me) {
		h.log.WithError(err).WithFields(logrus.Fields{
			"conn_id": c.ID,
			"user_id": c.UserID,
			"event":   msg.Event,
		}).Error("unhandled error")
		me = models.NewError(models.CodeServerError, "internal server error")
	}
	h.metrics.RecordError(string(me.Code))

	event := models.EventError
	if msg.Ack != "" {
		event = msg.Event
	}
	h.send(c, event, msg.Ack, me.Payload(h.now()))
}

// allow applies the rate limiter to the session's counters, or to the
// connection's own while it has no session. Silent actions are dropped on
// denial.
func (h *Hub) allow(c *Client, s *session.Session, action string) error {
	var documentID string
	if s != nil {
		if s.Allow(h.limiter, action) {
			return nil
		}
		documentID = s.DocumentID()
	} else if c.allow(h.limiter, action) {
		return nil
	}
	h.metrics.RecordRateLimited(action)
	h.log.WithFields(logrus.Fields{
		"conn_id":     c.ID,
		"user_id":     c.UserID,
		"document_id": documentID,
		"action":      action,
	}).Warn("rate limit exceeded")

	if h.limiter.Silent(action) {
		return errDropped
	}
	rule, _ := h.limiter.Rule(action)
	return models.Errorf(models.CodeRateLimit, "too many %s requests", action).WithDetails(map[string]any{
		"limit":  rule.Max,
		"window": rule.Window.String(),
	})
}

var errSessionExpired = models.NewError(models.CodeSessionExpired, "session expired, join the document again")

// currentSession returns the connection's session, or nil before its first
// successful join.
func (h *Hub) currentSession(c *Client) *session.Session {
	s, _ := h.sessions.Get(c.ID)
	return s
}

func (h *Hub) requireSession(c *Client) (*session.Session, error) {
	s, ok := h.sessions.Get(c.ID)
	if !ok {
		return nil, errSessionExpired
	}
	return s, nil
}

// requireRoom returns the session's document, provided the connection is
// still a member of its room.
func (h *Hub) requireRoom(c *Client, s *session.Session) (string, error) {
	documentID := s.DocumentID()
	if documentID == "" || !h.sessions.InRoom(documentID, c.ID) {
		return "", errSessionExpired
	}
	return documentID, nil
}

// dropInvalid logs a malformed high-frequency event; it is never answered.
func (h *Hub) dropInvalid(c *Client, event string, err error) error {
	h.log.WithFields(logrus.Fields{
		"conn_id": c.ID,
		"user_id": c.UserID,
		"event":   event,
	}).WithError(err).Debug("dropping invalid event")
	return errDropped
}
