// Package feed carries comment changes between the comment service and its
// clients over Redis pub/sub. The service publishes one event per change
// on the document's channel; a Subscriber applies them to a local cache.
package feed

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
	"go.trai.ch/zerr"

	"margins/internal/store"
)

type EventType string

const (
	ThreadUpserted  EventType = "thread.upserted"
	ThreadDeleted   EventType = "thread.deleted"
	CommentUpserted EventType = "comment.upserted"
	CommentDeleted  EventType = "comment.deleted"
)

var ErrMalformedEvent = zerr.New("malformed feed event")

// Event is one change, as published on the wire.
type Event struct {
	Type    EventType      `json:"type"`
	Doc     string         `json:"doc"`
	Thread  *store.Thread  `json:"thread,omitempty"`
	Comment *store.Comment `json:"comment,omitempty"`
	At      time.Time      `json:"at"`
}

func ThreadEvent(typ EventType, t store.Thread) Event {
	return Event{Type: typ, Doc: t.Doc, Thread: &t}
}

func CommentEvent(typ EventType, docID string, c store.Comment) Event {
	return Event{Type: typ, Doc: docID, Comment: &c}
}

// Validate checks that the payload matches the event type.
func (e Event) Validate() error {
	if e.Doc == "" {
		return zerr.With(zerr.Wrap(ErrMalformedEvent, "missing doc"), "type", string(e.Type))
	}
	switch e.Type {
	case ThreadUpserted, ThreadDeleted:
		if e.Thread == nil {
			return zerr.With(zerr.Wrap(ErrMalformedEvent, "missing thread"), "type", string(e.Type))
		}
	case CommentUpserted, CommentDeleted:
		if e.Comment == nil {
			return zerr.With(zerr.Wrap(ErrMalformedEvent, "missing comment"), "type", string(e.Type))
		}
	default:
		return zerr.With(zerr.Wrap(ErrMalformedEvent, "unknown type"), "type", string(e.Type))
	}
	return nil
}

// Channel is the Redis channel of a document.
func Channel(docID string) string {
	return "margins:doc:" + docID
}

// Connect parses redisURL and checks the server answers.
func Connect(ctx context.Context, redisURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, zerr.Wrap(err, "parse redis url")
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, zerr.Wrap(err, "connect to redis")
	}
	return client, nil
}

// Publisher sends events to Redis.
type Publisher struct {
	client *redis.Client
	now    func() time.Time
}

func NewPublisher(client *redis.Client) *Publisher {
	return &Publisher{client: client, now: time.Now}
}

// Publish sends ev on its document channel. A zero At is stamped with the
// current time.
func (p *Publisher) Publish(ctx context.Context, ev Event) error {
	if err := ev.Validate(); err != nil {
		return err
	}
	if ev.At.IsZero() {
		ev.At = p.now().UTC()
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return zerr.Wrap(err, "marshal event")
	}
	if err := p.client.Publish(ctx, Channel(ev.Doc), payload).Err(); err != nil {
		return zerr.With(zerr.Wrap(err, "publish event"), "doc", ev.Doc)
	}
	return nil
}

// Ping checks if Redis is reachable.
func (p *Publisher) Ping(ctx context.Context) error {
	return p.client.Ping(ctx).Err()
}

func (p *Publisher) Close() error {
	return p.client.Close()
}
