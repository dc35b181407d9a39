package feed

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/redis/go-redis/v9"
	"go.trai.ch/zerr"

	"margins/internal/report"
	"margins/internal/store"
)

// Sink receives applied events. *cache.Store implements it.
type Sink interface {
	InsertThreads(threads ...store.Thread)
	InsertComments(comments ...store.Comment)
	RemoveThread(t store.Thread)
	RemoveComment(c store.Comment)
}

type Option func(*Subscriber)

func WithReporter(r report.Reporter) Option {
	return func(s *Subscriber) {
		if r != nil {
			s.reporter = r
		}
	}
}

// Subscriber applies the events of one or more documents to a Sink.
type Subscriber struct {
	client   *redis.Client
	sink     Sink
	reporter report.Reporter
}

func NewSubscriber(client *redis.Client, sink Sink, opts ...Option) *Subscriber {
	s := &Subscriber{client: client, sink: sink, reporter: report.Log(nil)}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Subscription is a live feed. Close stops it and waits for the apply
// loop to exit.
type Subscription struct {
	ps   *redis.PubSub
	done chan struct{}
	once sync.Once
}

// Subscribe listens on the channels of docIDs. It returns once Redis has
// confirmed the subscription, so events published afterwards are not
// missed.
func (s *Subscriber) Subscribe(ctx context.Context, docIDs ...string) (*Subscription, error) {
	channels := make([]string, 0, len(docIDs))
	for _, id := range docIDs {
		channels = append(channels, Channel(id))
	}
	ps := s.client.Subscribe(ctx, channels...)
	for range channels {
		if _, err := ps.Receive(ctx); err != nil {
			_ = ps.Close()
			return nil, zerr.With(zerr.Wrap(err, "subscribe"), "docs", docIDs)
		}
	}

	sub := &Subscription{ps: ps, done: make(chan struct{})}
	go func() {
		defer close(sub.done)
		for msg := range ps.Channel() {
			s.handle(msg.Payload)
		}
	}()
	return sub, nil
}

func (sub *Subscription) Close() error {
	var err error
	sub.once.Do(func() {
		err = sub.ps.Close()
		<-sub.done
	})
	return err
}

func (s *Subscriber) handle(payload string) {
	var ev Event
	if err := json.Unmarshal([]byte(payload), &ev); err != nil {
		s.reporter.Report(zerr.Wrap(ErrMalformedEvent, err.Error()))
		return
	}
	if err := s.Apply(ev); err != nil {
		s.reporter.Report(err)
	}
}

// Apply hands ev to the sink.
func (s *Subscriber) Apply(ev Event) error {
	if err := ev.Validate(); err != nil {
		return err
	}
	switch ev.Type {
	case ThreadUpserted:
		s.sink.InsertThreads(*ev.Thread)
	case ThreadDeleted:
		s.sink.RemoveThread(*ev.Thread)
	case CommentUpserted:
		s.sink.InsertComments(*ev.Comment)
	case CommentDeleted:
		s.sink.RemoveComment(*ev.Comment)
	}
	return nil
}
