package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"runtime/debug"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"docsync/internal/auth"
	"docsync/internal/hub"
	"docsync/internal/logging"
	"docsync/internal/metrics"
	"docsync/internal/models"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second

	defaultMaxMessageBytes = 1 << 20
)

// Close codes sent when a connection is refused after the upgrade.
const (
	CloseUnauthorized   = 4001
	CloseServerOverload = 4003
)

// WebSocketHandler authenticates connections, registers them with the hub
// and pumps frames in both directions.
type WebSocketHandler struct {
	hub             *hub.Hub
	verifier        auth.TokenVerifier
	throttle        *IPThrottle
	metrics         *metrics.Metrics
	sendBuffer      int
	maxMessageBytes int64
	upgrader        websocket.Upgrader
	log             *logrus.Entry
}

// NewWebSocketHandler creates the /ws handler.
func NewWebSocketHandler(d Deps) *WebSocketHandler {
	maxBytes := d.MaxMessageBytes
	if maxBytes <= 0 {
		maxBytes = defaultMaxMessageBytes
	}
	return &WebSocketHandler{
		hub:             d.Hub,
		verifier:        d.Verifier,
		throttle:        d.Throttle,
		metrics:         d.Metrics,
		sendBuffer:      d.SendBuffer,
		maxMessageBytes: maxBytes,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		log: logging.Component(d.Logger, "websocket"),
	}
}

func (h *WebSocketHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ip := clientIP(r)
	if !h.throttle.Allow(ip) {
		h.metrics.RecordRejected("throttled")
		h.log.WithField("remote_ip", ip).Warn("connection attempt throttled")
		http.Error(w, "too many connection attempts", http.StatusTooManyRequests)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.WithError(err).WithField("remote_ip", ip).Warn("websocket upgrade failed")
		return
	}

	connID := uuid.NewString()
	log := logging.WithConnection(h.log, connID, "", "")

	defer func() {
		if p := recover(); p != nil {
			log.WithField("panic", p).Errorf("connection setup panic\n%s", debug.Stack())
			h.metrics.RecordRejected("setup_error")
			h.reject(conn, models.CodeSetupError, websocket.CloseInternalServerErr, "connection setup failed")
		}
	}()

	id, err := h.authenticate(r)
	if err != nil {
		log.WithError(err).WithField("remote_ip", ip).Warn("authentication failed")
		h.metrics.RecordRejected("unauthorized")
		h.reject(conn, models.CodeUnauthorized, CloseUnauthorized, "authentication failed")
		return
	}

	c := hub.NewClient(connID, id.UserID, id.Email, id.Role, h.sendBuffer)
	if err := h.hub.Register(r.Context(), c); err != nil {
		var me *models.Error
		if !errors.As(err, &me) || me.Code != models.CodeServerOverload {
			log.WithError(err).Error("registering connection failed")
			h.metrics.RecordRejected("setup_error")
			h.reject(conn, models.CodeSetupError, websocket.CloseInternalServerErr, "connection setup failed")
			return
		}
		log.WithField("user_id", id.UserID).Warn("connection refused: server at capacity")
		h.metrics.RecordRejected("overload")
		h.reject(conn, me.Code, CloseServerOverload, me.Message)
		return
	}

	go h.writePump(conn, c)
	go h.readPump(conn, c)
}

func (h *WebSocketHandler) authenticate(r *http.Request) (*auth.Identity, error) {
	token, err := auth.TokenFromRequest(r)
	if err != nil {
		return nil, err
	}
	return h.verifier.Verify(token)
}

// reject sends an error envelope and closes the connection with code.
func (h *WebSocketHandler) reject(conn *websocket.Conn, code models.ErrorCode, closeCode int, message string) {
	defer conn.Close()

	msg, err := json.Marshal(models.ServerMessage{
		Event: models.EventError,
		Data:  models.NewError(code, message).Payload(time.Now()),
	})
	if err == nil {
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		_ = conn.WriteMessage(websocket.TextMessage, msg)
	}
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(closeCode, string(code)), time.Now().Add(writeWait))
}

// readPump feeds inbound frames to the hub one at a time. It owns
// unregistration.
func (h *WebSocketHandler) readPump(conn *websocket.Conn, c *hub.Client) {
	ctx, cancel := context.WithCancel(context.Background())
	defer func() {
		cancel()
		h.hub.Unregister(c)
		conn.Close()
	}()

	conn.SetReadLimit(h.maxMessageBytes)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
				logging.WithConnection(h.log, c.ID, c.UserID, "").WithError(err).Debug("read error")
			}
			return
		}
		conn.SetReadDeadline(time.Now().Add(pongWait))
		h.hub.HandleMessage(ctx, c, msg)
	}
}

// writePump drains the client's queue. When the hub closes the client the
// remaining queued messages are flushed before the close frame.
func (h *WebSocketHandler) writePump(conn *websocket.Conn, c *hub.Client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()

	for {
		select {
		case msg := <-c.Send():
			if err := write(conn, msg); err != nil {
				return
			}

		case <-c.Done():
			drain(conn, c)
			return

		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func drain(conn *websocket.Conn, c *hub.Client) {
	for {
		select {
		case msg := <-c.Send():
			if err := write(conn, msg); err != nil {
				return
			}
		default:
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
			return
		}
	}
}

func write(conn *websocket.Conn, msg []byte) error {
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteMessage(websocket.TextMessage, msg)
}
