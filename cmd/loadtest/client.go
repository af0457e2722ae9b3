package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"docsync/internal/models"
)

var errClosed = errors.New("client closed")

type frame struct {
	Event string          `json:"event"`
	Ack   string          `json:"ack,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type waiter struct {
	sent  time.Time
	reply chan frame
}

// simClient is one simulated editor.
type simClient struct {
	UserID       string
	ConnectionID string

	conn    *websocket.Conn
	writeMu sync.Mutex
	stats   *Stats
	log     *logrus.Entry

	docLen  atomic.Int64
	seq     atomic.Int64
	waiters sync.Map // ack -> *waiter

	done      chan struct{}
	closeOnce sync.Once
}

func newSimClient(userID string, stats *Stats, log logrus.FieldLogger) *simClient {
	return &simClient{
		UserID: userID,
		stats:  stats,
		log:    log.WithField("user_id", userID),
		done:   make(chan struct{}),
	}
}

func wsURL(serverURL, token string) (string, error) {
	u, err := url.Parse(serverURL)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "https", "wss":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = "/ws"
	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Connect dials the server and waits for the connected greeting.
func (c *simClient) Connect(serverURL, token string) error {
	target, err := wsURL(serverURL, token)
	if err != nil {
		return err
	}
	conn, _, err := websocket.DefaultDialer.Dial(target, nil)
	if err != nil {
		return err
	}

	conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	var hello frame
	if err := conn.ReadJSON(&hello); err != nil {
		conn.Close()
		return fmt.Errorf("read greeting: %w", err)
	}
	if hello.Event != models.EventConnected {
		conn.Close()
		return fmt.Errorf("connection refused: %s", hello.Data)
	}
	var greeting models.Connected
	_ = json.Unmarshal(hello.Data, &greeting)

	c.conn = conn
	c.ConnectionID = greeting.ConnectionID
	c.stats.Connected.Add(1)

	go c.readPump()
	go c.pingLoop()
	return nil
}

// Close disconnects; safe to call more than once.
func (c *simClient) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
		if c.conn != nil {
			c.conn.Close()
			c.stats.Connected.Add(-1)
		}
	})
}

func (c *simClient) closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

func (c *simClient) readPump() {
	defer c.Close()

	c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		var fr frame
		if err := c.conn.ReadJSON(&fr); err != nil {
			if !c.closed() && websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.WithError(err).Warn("websocket error")
				c.stats.Errors.Add(1)
			}
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		c.handle(fr)
	}
}

func (c *simClient) handle(fr frame) {
	var probe models.ErrorPayload
	if json.Unmarshal(fr.Data, &probe) == nil && probe.Error {
		c.stats.RecordError(string(probe.Code))
	}

	if fr.Ack != "" {
		if v, ok := c.waiters.LoadAndDelete(fr.Ack); ok {
			w := v.(*waiter)
			c.stats.RecordLatency(time.Since(w.sent))
			if w.reply != nil {
				w.reply <- fr
			}
		}
		return
	}

	switch fr.Event {
	case models.EventReceiveChanges:
		c.stats.Received.Add(1)
		var rc models.ReceiveChanges
		if err := json.Unmarshal(fr.Data, &rc); err == nil {
			c.adjustLength(deltaLength(rc.Delta.Ops))
		}
	case models.EventUserJoined, models.EventUserLeft:
		c.stats.Presence.Add(1)
	case models.EventServerShutdown:
		c.log.Warn("server is shutting down")
	}
}

func (c *simClient) pingLoop() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			if err := c.emit(models.EventPing, nil, false); err != nil {
				c.log.WithError(err).Warn("ping failed")
				c.Close()
				return
			}
		}
	}
}

func (c *simClient) write(v any) error {
	if c.closed() {
		return errClosed
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return c.conn.WriteJSON(v)
}

// emit sends an event. With track set the server's ack reply is timed.
func (c *simClient) emit(event string, data any, track bool) error {
	msg := map[string]any{"event": event, "data": data}
	var ack string
	if track {
		ack = strconv.FormatInt(c.seq.Add(1), 10)
		msg["ack"] = ack
		c.waiters.Store(ack, &waiter{sent: time.Now()})
	}
	if err := c.write(msg); err != nil {
		if ack != "" {
			c.waiters.Delete(ack)
		}
		return err
	}
	return nil
}

// request sends an event and waits for its reply.
func (c *simClient) request(event string, data any, timeout time.Duration) (frame, error) {
	ack := strconv.FormatInt(c.seq.Add(1), 10)
	w := &waiter{sent: time.Now(), reply: make(chan frame, 1)}
	c.waiters.Store(ack, w)

	if err := c.write(map[string]any{"event": event, "ack": ack, "data": data}); err != nil {
		c.waiters.Delete(ack)
		return frame{}, err
	}

	select {
	case fr := <-w.reply:
		var probe models.ErrorPayload
		if json.Unmarshal(fr.Data, &probe) == nil && probe.Error {
			return fr, fmt.Errorf("%s: %s", probe.Code, probe.Message)
		}
		return fr, nil
	case <-time.After(timeout):
		c.waiters.Delete(ack)
		return frame{}, fmt.Errorf("%s: no reply within %s", event, timeout)
	case <-c.done:
		return frame{}, errClosed
	}
}

// Open loads the document, which also joins its room.
func (c *simClient) Open(documentID string) error {
	fr, err := c.request(models.EventGetDocument, map[string]string{"documentId": documentID}, 10*time.Second)
	if err != nil {
		return err
	}
	var doc models.DocumentResponse
	if err := json.Unmarshal(fr.Data, &doc); err != nil {
		return err
	}
	c.docLen.Store(int64(len([]rune(doc.Content))))
	return nil
}

func (c *simClient) adjustLength(n int) {
	if c.docLen.Add(int64(n)) < 0 {
		c.docLen.Store(0)
	}
}

// Simulate edits until duration elapses or the client is closed.
func (c *simClient) Simulate(documentID string, s Scenario, duration time.Duration, rng *rand.Rand) {
	end := time.Now().Add(duration)
	for time.Now().Before(end) && !c.closed() {
		ops := 1
		if rng.Float64() < s.BurstProbability {
			ops = s.BurstSize
		}

		for i := 0; i < ops; i++ {
			delta := generateDelta(s, int(c.docLen.Load()), rng)
			if err := c.emit(models.EventSendChanges, models.Delta{DocumentID: documentID, Ops: delta}, true); err != nil {
				c.stats.Errors.Add(1)
				if c.closed() {
					return
				}
				continue
			}
			c.stats.Sent.Add(1)
			c.adjustLength(deltaLength(delta))

			if i < ops-1 {
				time.Sleep(10 * time.Millisecond)
			}
		}

		if rng.Float64() < s.CursorProbability {
			pos := rng.Intn(int(c.docLen.Load()) + 1)
			_ = c.emit(models.EventCursorUpdate, models.CursorUpdate{
				DocumentID: documentID,
				UserID:     c.UserID,
				Cursor:     &models.Cursor{X: float64(pos % 80), Y: float64(pos / 80)},
			}, false)
		}

		time.Sleep(s.ThinkTime)
	}
}
