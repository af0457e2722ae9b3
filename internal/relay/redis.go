// Package relay fans room broadcasts out across server instances over Redis
// pub/sub. Each instance publishes what it broadcasts locally and delivers
// what other instances publish to its own room members.
package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"
)

const channelPrefix = "docsync:document:"

// Channel returns the pub/sub channel of a document room.
func Channel(documentID string) string {
	return channelPrefix + documentID
}

// Envelope is one relayed broadcast.
type Envelope struct {
	Origin     string          `json:"origin"`
	DocumentID string          `json:"documentId"`
	Exclude    string          `json:"exclude,omitempty"`
	Event      string          `json:"event"`
	Data       json.RawMessage `json:"data"`
	SentAt     time.Time       `json:"sentAt"`
}

// Handler receives envelopes published by other instances.
type Handler func(Envelope)

// RedisRelay publishes and receives room broadcasts through Redis.
type RedisRelay struct {
	client     *redis.Client
	instanceID string
	log        logrus.FieldLogger

	mu     sync.Mutex
	pubsub *redis.PubSub
	wg     sync.WaitGroup
}

// NewRedisRelay connects to the Redis server at url.
func NewRedisRelay(ctx context.Context, url, instanceID string, log logrus.FieldLogger) (*RedisRelay, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return &RedisRelay{client: client, instanceID: instanceID, log: log}, nil
}

// Publish sends a broadcast of a document room to the other instances.
func (r *RedisRelay) Publish(ctx context.Context, documentID, exclude, event string, data any) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("encode relay payload: %w", err)
	}
	payload, err := json.Marshal(Envelope{
		Origin:     r.instanceID,
		DocumentID: documentID,
		Exclude:    exclude,
		Event:      event,
		Data:       raw,
		SentAt:     time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("encode relay envelope: %w", err)
	}
	return r.client.Publish(ctx, Channel(documentID), payload).Err()
}

// Start subscribes to every document channel and hands foreign envelopes to
// handle until ctx ends or Close is called.
func (r *RedisRelay) Start(ctx context.Context, handle Handler) error {
	pubsub := r.client.PSubscribe(ctx, channelPrefix+"*")
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return fmt.Errorf("subscribe to document channels: %w", err)
	}

	r.mu.Lock()
	r.pubsub = pubsub
	r.mu.Unlock()

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				r.dispatch(msg.Channel, msg.Payload, handle)
			}
		}
	}()
	return nil
}

func (r *RedisRelay) dispatch(channel, payload string, handle Handler) {
	var env Envelope
	if err := json.Unmarshal([]byte(payload), &env); err != nil {
		r.log.WithError(err).WithField("channel", channel).Warn("dropping malformed relay message")
		return
	}
	if env.Origin == r.instanceID {
		return
	}
	if env.DocumentID == "" {
		env.DocumentID = strings.TrimPrefix(channel, channelPrefix)
	}
	handle(env)
}

// Ping checks the Redis connection.
func (r *RedisRelay) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Close stops the subscription and closes the client.
func (r *RedisRelay) Close() error {
	r.mu.Lock()
	if r.pubsub != nil {
		r.pubsub.Close()
		r.pubsub = nil
	}
	r.mu.Unlock()
	r.wg.Wait()
	return r.client.Close()
}
