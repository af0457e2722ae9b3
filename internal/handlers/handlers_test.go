package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"docsync/internal/auth"
	"docsync/internal/autosave"
	"docsync/internal/hub"
	"docsync/internal/identity"
	"docsync/internal/logging"
	"docsync/internal/metrics"
	"docsync/internal/models"
	"docsync/internal/permission"
	"docsync/internal/ratelimit"
	"docsync/internal/session"
	"docsync/internal/store"
)

const testSecret = "test-secret"

type testServer struct {
	*httptest.Server
	hub   *hub.Hub
	store *store.MemoryStore
}

type serverOpts struct {
	maxConnections int
	connectRate    float64
	checks         map[string]func(context.Context) error
}

func newTestServer(t *testing.T, mods ...func(*serverOpts)) *testServer {
	t.Helper()
	o := serverOpts{maxConnections: 10}
	for _, m := range mods {
		m(&o)
	}

	st := store.NewMemoryStore()
	st.PutUser(models.User{ID: "alice", Email: "alice@example.com", Role: "editor"})
	st.PutUser(models.User{ID: "bob", Email: "bob@example.com", Role: "editor"})
	st.PutDocument(models.Document{ID: "doc-1", Title: "Plan", OwnerID: "alice"})
	st.PutGrant(models.AccessGrant{DocumentID: "doc-1", UserID: "bob", Permission: models.PermissionEdit, IsActive: true})

	log := logging.Discard()
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	oracle := permission.NewOracle(st, log)

	h := hub.New(hub.Config{
		InstanceID:      "test",
		AdminRoles:      []string{"admin"},
		MaxConnections:  o.maxConnections,
		SessionTimeout:  time.Minute,
		MaxContentBytes: 1 << 16,
		MaxTitleLength:  255,
		MaxDeltaOps:     100,
	}, hub.Deps{
		Documents: st,
		Oracle:    oracle,
		Sessions:  session.NewRegistry(),
		Limiter:   ratelimit.New(nil, ratelimit.WithSilentActions(hub.SilentActions...)),
		Autosave:  autosave.NewScheduler(st, time.Hour, log),
		Profiles:  identity.NewResolver(st, time.Minute, log),
		Metrics:   m,
		Checks:    o.checks,
		Logger:    log,
	})
	metrics.RegisterGauges(reg, h)

	verifier, err := auth.NewJWTVerifier(testSecret, "")
	require.NoError(t, err)

	srv := httptest.NewServer(NewRouter(Deps{
		Hub:        h,
		Verifier:   verifier,
		Oracle:     oracle,
		Throttle:   NewIPThrottle(o.connectRate, 1),
		Metrics:    m,
		Gatherer:   reg,
		SendBuffer: 16,
		Logger:     log,
	}))
	t.Cleanup(srv.Close)
	return &testServer{Server: srv, hub: h, store: st}
}

func token(t *testing.T, userID string) string {
	t.Helper()
	tok, err := auth.Sign(testSecret, "", userID, "", "", time.Hour)
	require.NoError(t, err)
	return tok
}

func (s *testServer) wsURL(query string) string {
	return "ws" + strings.TrimPrefix(s.URL, "http") + "/ws" + query
}

func (s *testServer) dial(t *testing.T, userID string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(s.wsURL("?token="+token(t, userID)), nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	fr := readFrame(t, conn)
	require.Equal(t, models.EventConnected, fr.Event)
	return conn
}

type frame struct {
	Event string          `json:"event"`
	Ack   string          `json:"ack"`
	Data  json.RawMessage `json:"data"`
}

func readFrame(t *testing.T, conn *websocket.Conn) frame {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var fr frame
	require.NoError(t, conn.ReadJSON(&fr))
	return fr
}

func sendFrame(t *testing.T, conn *websocket.Conn, event, ack string, data any) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(map[string]any{"event": event, "ack": ack, "data": data}))
}

func expectClose(t *testing.T, conn *websocket.Conn, code int) {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	for {
		_, _, err := conn.ReadMessage()
		if err == nil {
			continue
		}
		var ce *websocket.CloseError
		require.True(t, errors.As(err, &ce), "expected close frame, got %v", err)
		assert.Equal(t, code, ce.Code)
		return
	}
}

func TestWebSocket_CollaborationFlow(t *testing.T) {
	s := newTestServer(t)
	alice := s.dial(t, "alice")
	bob := s.dial(t, "bob")

	sendFrame(t, alice, models.EventJoinDocument, "1", map[string]string{"documentId": "doc-1"})
	fr := readFrame(t, alice)
	assert.Equal(t, "1", fr.Ack)
	var join models.JoinResponse
	require.NoError(t, json.Unmarshal(fr.Data, &join))
	assert.Equal(t, models.PermissionOwner, join.Permission)

	sendFrame(t, bob, models.EventJoinDocument, "1", map[string]string{"documentId": "doc-1"})
	require.Equal(t, "1", readFrame(t, bob).Ack)
	assert.Equal(t, models.EventUserJoined, readFrame(t, alice).Event)

	sendFrame(t, bob, models.EventSendChanges, "", map[string]any{"ops": []map[string]any{{"insert": "hi"}}})
	fr = readFrame(t, alice)
	assert.Equal(t, models.EventReceiveChanges, fr.Event)
	var rc models.ReceiveChanges
	require.NoError(t, json.Unmarshal(fr.Data, &rc))
	assert.Equal(t, "bob", rc.UserID)
	assert.Equal(t, "bob@example.com", rc.User.Email)

	sendFrame(t, alice, models.EventPing, "p", nil)
	fr = readFrame(t, alice)
	assert.Equal(t, models.EventPong, fr.Event)
	assert.Equal(t, "p", fr.Ack)

	require.NoError(t, bob.Close())
	fr = readFrame(t, alice)
	assert.Equal(t, models.EventUserLeft, fr.Event)
	var left models.UserLeft
	require.NoError(t, json.Unmarshal(fr.Data, &left))
	assert.Equal(t, "disconnect", left.Reason)
}

func TestWebSocket_RejectsBadToken(t *testing.T) {
	s := newTestServer(t)

	conn, _, err := websocket.DefaultDialer.Dial(s.wsURL("?token=garbage"), nil)
	require.NoError(t, err)
	defer conn.Close()

	fr := readFrame(t, conn)
	assert.Equal(t, models.EventError, fr.Event)
	var p models.ErrorPayload
	require.NoError(t, json.Unmarshal(fr.Data, &p))
	assert.Equal(t, models.CodeUnauthorized, p.Code)
	expectClose(t, conn, CloseUnauthorized)

	assert.Equal(t, 0, s.hub.ConnectionCount())
	assert.Equal(t, 0, s.hub.SessionCount())
}

func TestWebSocket_BearerHeader(t *testing.T) {
	s := newTestServer(t)
	header := http.Header{"Authorization": []string{"Bearer " + token(t, "alice")}}

	conn, _, err := websocket.DefaultDialer.Dial(s.wsURL(""), header)
	require.NoError(t, err)
	defer conn.Close()
	assert.Equal(t, models.EventConnected, readFrame(t, conn).Event)
}

func TestWebSocket_Capacity(t *testing.T) {
	s := newTestServer(t, func(o *serverOpts) { o.maxConnections = 1 })
	s.dial(t, "alice")

	conn, _, err := websocket.DefaultDialer.Dial(s.wsURL("?token="+token(t, "bob")), nil)
	require.NoError(t, err)
	defer conn.Close()

	fr := readFrame(t, conn)
	var p models.ErrorPayload
	require.NoError(t, json.Unmarshal(fr.Data, &p))
	assert.Equal(t, models.CodeServerOverload, p.Code)
	expectClose(t, conn, CloseServerOverload)
}

func TestWebSocket_Throttle(t *testing.T) {
	s := newTestServer(t, func(o *serverOpts) { o.connectRate = 0.001 })
	s.dial(t, "alice")

	_, resp, err := websocket.DefaultDialer.Dial(s.wsURL("?token="+token(t, "alice")), nil)
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
}

func TestWebSocket_ShutdownNotifies(t *testing.T) {
	s := newTestServer(t)
	alice := s.dial(t, "alice")
	sendFrame(t, alice, models.EventJoinDocument, "1", map[string]string{"documentId": "doc-1"})
	readFrame(t, alice)

	require.NoError(t, s.hub.Shutdown(context.Background()))
	assert.Equal(t, models.EventServerShutdown, readFrame(t, alice).Event)
	expectClose(t, alice, websocket.CloseNormalClosure)
}

func TestHealthEndpoint(t *testing.T) {
	s := newTestServer(t)
	resp, err := http.Get(s.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))
	var report models.HealthReport
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&report))
	assert.Equal(t, "healthy", report.Status)
	assert.Equal(t, "test", report.Server.InstanceID)
}

func TestHealthEndpoint_Degraded(t *testing.T) {
	s := newTestServer(t, func(o *serverOpts) {
		o.checks = map[string]func(context.Context) error{
			"mongodb": func(context.Context) error { return errors.New("no reachable servers") },
		}
	})
	resp, err := http.Get(s.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	var report models.HealthReport
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&report))
	assert.Equal(t, "degraded", report.Status)
	assert.Contains(t, report.Checks["mongodb"], "no reachable servers")
}

func TestMetricsEndpoint(t *testing.T) {
	s := newTestServer(t)
	s.dial(t, "alice")

	resp, err := http.Get(s.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "docsync_connections 1")
}

func TestPresenceEndpoint(t *testing.T) {
	s := newTestServer(t)
	alice := s.dial(t, "alice")
	sendFrame(t, alice, models.EventJoinDocument, "1", map[string]string{"documentId": "doc-1"})
	readFrame(t, alice)

	get := func(userID string) *http.Response {
		req, err := http.NewRequest(http.MethodGet, s.URL+"/api/documents/doc-1/presence", nil)
		require.NoError(t, err)
		if userID != "" {
			req.Header.Set("Authorization", "Bearer "+token(t, userID))
		}
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		t.Cleanup(func() { resp.Body.Close() })
		return resp
	}

	resp := get("bob")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var presence models.ConnectedUsersResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&presence))
	assert.Equal(t, 1, presence.Count)
	assert.Equal(t, "alice", presence.Users[0].UserID)

	assert.Equal(t, http.StatusUnauthorized, get("").StatusCode)
	assert.Equal(t, http.StatusForbidden, get("mallory").StatusCode)
}

func TestIPThrottle(t *testing.T) {
	th := NewIPThrottle(0.001, 2)
	assert.True(t, th.Allow("10.0.0.1"))
	assert.True(t, th.Allow("10.0.0.1"))
	assert.False(t, th.Allow("10.0.0.1"))
	assert.True(t, th.Allow("10.0.0.2"), "addresses are limited independently")

	var disabled *IPThrottle
	assert.True(t, disabled.Allow("10.0.0.1"))
	assert.True(t, NewIPThrottle(0, 1).Allow("10.0.0.1"))
}
