package models

import (
	"encoding/json"
	"time"
)

// Inbound event names.
const (
	EventGetDocument       = "get-document"
	EventJoinDocument      = "join-document"
	EventLeaveDocument     = "leave-document"
	EventSendChanges       = "send-changes"
	EventSaveDocument      = "save-document"
	EventDocumentChanged   = "document-changed"
	EventCursorUpdate      = "cursor-update"
	EventContentChange     = "content-change"
	EventUserStatus        = "user-status"
	EventGetConnectedUsers = "get-connected-users"
	EventHealthCheck       = "health-check"
	EventGetMetrics        = "get-metrics"
	EventPing              = "ping"
)

// Outbound event names.
const (
	EventConnected      = "connected"
	EventError          = "error"
	EventPong           = "pong"
	EventUserJoined     = "user-joined"
	EventUserLeft       = "user-left"
	EventReceiveChanges = "receive-changes"
	EventDocumentSaved  = "document-saved"
	EventServerShutdown = "server-shutdown"
)

// ClientMessage is the envelope of every message read from a connection.
// Ack is echoed back on the single reply to request/response events.
type ClientMessage struct {
	Event string          `json:"event"`
	Ack   string          `json:"ack,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// ServerMessage is the envelope of every message written to a connection.
type ServerMessage struct {
	Event string `json:"event"`
	Ack   string `json:"ack,omitempty"`
	Data  any    `json:"data,omitempty"`
}

// Status is the presence state of a session.
type Status string

const (
	StatusActive Status = "active"
	StatusIdle   Status = "idle"
	StatusTyping Status = "typing"
	StatusAway   Status = "away"
)

// DocumentRequest addresses a document: get-document, join-document,
// leave-document and get-connected-users.
type DocumentRequest struct {
	DocumentID string `json:"documentId" validate:"required,docid"`
	UserID     string `json:"userId,omitempty"`
}

// SaveRequest is the payload of save-document and document-changed.
// DocumentID defaults to the session's document.
type SaveRequest struct {
	DocumentID string `json:"documentId,omitempty" validate:"omitempty,docid"`
	Content    string `json:"content"`
	Title      string `json:"title,omitempty"`
}

// Delta is an incremental edit. Ops are relayed verbatim.
type Delta struct {
	DocumentID string    `json:"documentId,omitempty" validate:"omitempty,docid"`
	Ops        []DeltaOp `json:"ops" validate:"required,min=1,dive"`
}

// DeltaOp is one retain, delete or insert step. Insert is either a string
// or an embed object.
type DeltaOp struct {
	Insert     json.RawMessage `json:"insert,omitempty"`
	Retain     *int            `json:"retain,omitempty" validate:"omitempty,min=1"`
	Delete     *int            `json:"delete,omitempty" validate:"omitempty,min=1"`
	Attributes map[string]any  `json:"attributes,omitempty"`
}

// Selection is a highlighted range.
type Selection struct {
	Start int `json:"start" validate:"min=0"`
	End   int `json:"end" validate:"min=0,gtefield=Start"`
}

// Cursor is a pointer position with an optional selection.
type Cursor struct {
	X         float64    `json:"x"`
	Y         float64    `json:"y"`
	Selection *Selection `json:"selection,omitempty"`
}

// CursorUpdate is the payload of cursor-update.
type CursorUpdate struct {
	DocumentID string  `json:"documentId" validate:"required,docid"`
	UserID     string  `json:"userId" validate:"required"`
	Cursor     *Cursor `json:"cursor" validate:"required"`
}

// ContentChange is the payload of content-change.
type ContentChange struct {
	DocumentID string `json:"documentId" validate:"required,docid"`
	UserID     string `json:"userId" validate:"required"`
	Type       string `json:"type" validate:"required,oneof=insert delete format"`
	Position   int    `json:"position" validate:"min=0"`
	Content    string `json:"content,omitempty"`
	Length     int    `json:"length,omitempty" validate:"min=0"`
}

// UserStatusUpdate is the payload of user-status.
type UserStatusUpdate struct {
	DocumentID string `json:"documentId" validate:"required,docid"`
	UserID     string `json:"userId" validate:"required"`
	Status     Status `json:"status" validate:"required,oneof=active idle typing away"`
}

// UserInfo is the public identity attached to broadcasts.
type UserInfo struct {
	ID    string `json:"id"`
	Email string `json:"email,omitempty"`
	Role  string `json:"role,omitempty"`
}

// ConnectedUser is one participant in a document room.
type ConnectedUser struct {
	ConnectionID string    `json:"connectionId"`
	UserID       string    `json:"userId"`
	Email        string    `json:"email,omitempty"`
	Role         string    `json:"role,omitempty"`
	Status       Status    `json:"status"`
	Cursor       *Cursor   `json:"cursor,omitempty"`
	JoinedAt     time.Time `json:"joinedAt"`
	LastActivity time.Time `json:"lastActivity"`
}

// DocumentResponse is the reply to get-document.
type DocumentResponse struct {
	DocumentID     string          `json:"documentId"`
	Content        string          `json:"content"`
	Title          string          `json:"title"`
	Permission     Permission      `json:"permission"`
	Owner          UserInfo        `json:"owner"`
	ConnectedUsers []ConnectedUser `json:"connectedUsers"`
	CreatedAt      time.Time       `json:"createdAt"`
	UpdatedAt      time.Time       `json:"updatedAt"`
}

// JoinResponse is the reply to join-document.
type JoinResponse struct {
	DocumentID     string          `json:"documentId"`
	Permission     Permission      `json:"permission"`
	ConnectedUsers []ConnectedUser `json:"connectedUsers"`
}

// LeaveResponse is the reply to leave-document.
type LeaveResponse struct {
	DocumentID string `json:"documentId"`
	Success    bool   `json:"success"`
}

// SaveResponse is the reply to save-document.
type SaveResponse struct {
	Success   bool      `json:"success"`
	Timestamp time.Time `json:"timestamp"`
}

// ConnectedUsersResponse is the reply to get-connected-users.
type ConnectedUsersResponse struct {
	Users []ConnectedUser `json:"users"`
	Count int             `json:"count"`
}

// ReceiveChanges is broadcast for every accepted delta.
type ReceiveChanges struct {
	DocumentID string    `json:"documentId"`
	Delta      Delta     `json:"delta"`
	UserID     string    `json:"userId"`
	User       UserInfo  `json:"user"`
	Timestamp  time.Time `json:"timestamp"`
}

// CursorBroadcast is broadcast for every accepted cursor-update.
type CursorBroadcast struct {
	DocumentID   string    `json:"documentId"`
	UserID       string    `json:"userId"`
	ConnectionID string    `json:"connectionId"`
	User         UserInfo  `json:"user"`
	Cursor       Cursor    `json:"cursor"`
	Timestamp    time.Time `json:"timestamp"`
}

// ContentChangeBroadcast is broadcast for every accepted content-change.
type ContentChangeBroadcast struct {
	ContentChange
	ConnectionID string    `json:"connectionId"`
	User         UserInfo  `json:"user"`
	Timestamp    time.Time `json:"timestamp"`
}

// StatusBroadcast is broadcast for every accepted user-status.
type StatusBroadcast struct {
	DocumentID   string    `json:"documentId"`
	UserID       string    `json:"userId"`
	ConnectionID string    `json:"connectionId"`
	Status       Status    `json:"status"`
	Timestamp    time.Time `json:"timestamp"`
}

// UserJoined announces a new participant to the rest of the room.
type UserJoined struct {
	DocumentID     string          `json:"documentId"`
	ConnectionID   string          `json:"connectionId"`
	User           UserInfo        `json:"user"`
	ConnectedUsers []ConnectedUser `json:"connectedUsers"`
	Timestamp      time.Time       `json:"timestamp"`
}

// UserLeft announces a departed participant. Reason is "leave",
// "disconnect", "timeout" or "switch".
type UserLeft struct {
	DocumentID   string    `json:"documentId"`
	ConnectionID string    `json:"connectionId"`
	UserID       string    `json:"userId"`
	Reason       string    `json:"reason"`
	Timestamp    time.Time `json:"timestamp"`
}

// DocumentSaved tells the room that an explicit save happened.
type DocumentSaved struct {
	DocumentID string    `json:"documentId"`
	SavedBy    UserInfo  `json:"savedBy"`
	Timestamp  time.Time `json:"timestamp"`
}

// Pong answers ping.
type Pong struct {
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// Connected is the first message on an authenticated connection.
type Connected struct {
	ConnectionID string    `json:"connectionId"`
	UserID       string    `json:"userId"`
	Timestamp    time.Time `json:"timestamp"`
}

// ServerShutdown is sent to every connection on graceful stop.
type ServerShutdown struct {
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// Accepted acknowledges a fire-and-forget event that carried an ack id.
type Accepted struct {
	Success bool `json:"success"`
}

// MetricsSnapshot is the periodic count of live state.
type MetricsSnapshot struct {
	ConnectionsCount int       `json:"connectionsCount"`
	DocumentsCount   int       `json:"documentsCount"`
	SessionsCount    int       `json:"sessionsCount"`
	PendingSaves     int       `json:"pendingSaves"`
	Timestamp        time.Time `json:"timestamp"`
}

// SocketInfo describes the connection asking for health.
type SocketInfo struct {
	ConnectionID string `json:"connectionId"`
	UserID       string `json:"userId"`
	DocumentID   string `json:"documentId,omitempty"`
}

// ServerInfo carries process-level counters.
type ServerInfo struct {
	InstanceID    string  `json:"instanceId"`
	Uptime        string  `json:"uptime"`
	UptimeSeconds float64 `json:"uptimeSeconds"`
	Goroutines    int     `json:"goroutines"`
	HeapAlloc     uint64  `json:"heapAllocBytes"`
	Sys           uint64  `json:"sysBytes"`
	GoVersion     string  `json:"goVersion"`
}

// HealthReport answers health-check and GET /health.
type HealthReport struct {
	Status     string            `json:"status"`
	Metrics    MetricsSnapshot   `json:"metrics"`
	SocketInfo *SocketInfo       `json:"socketInfo,omitempty"`
	Server     ServerInfo        `json:"server"`
	Checks     map[string]string `json:"checks,omitempty"`
	Timestamp  time.Time         `json:"timestamp"`
}
