// Package cache keeps the threads of each document and the comments of
// each thread in memory and fans every change out to observers.
//
// A Store is the single source of truth shared by independent consumers
// (panels, feeds, actions). Buckets are fetched lazily from the Gateway on
// first observe, at most once per key, and are then only changed through
// InsertThreads, InsertComments, RemoveThread and RemoveComment. "Fetched"
// means loaded: a bucket created by an insert, or left unloaded by a failed
// fetch, is fetched again by the next observe.
//
// Mutations apply and fan out while holding a dispatch lock, so every
// observer of a key sees the same sequence of states. Callbacks run with
// the data lock released: they may Observe or Unobserve, but they must not
// call Insert* or Remove* synchronously.
package cache

import (
	"context"
	"log/slog"
	"slices"
	"sync"

	"go.trai.ch/zerr"
	"golang.org/x/sync/singleflight"

	"margins/internal/report"
	"margins/internal/store"
)

// Gateway is the part of the comment service the cache reads from.
type Gateway interface {
	ListThreads(ctx context.Context, docID string) ([]store.Thread, error)
	ListComments(ctx context.Context, threadID string) ([]store.Comment, error)
}

// Unobserve stops delivery to one observer. Calling it more than once is a
// no-op.
type Unobserve func()

// Scheduler runs f later, outside the caller's stack. It must not run f
// synchronously.
type Scheduler func(f func())

type Option func(*Store)

// WithScheduler replaces the goroutine used for deferred initial
// deliveries.
func WithScheduler(schedule Scheduler) Option {
	return func(s *Store) {
		if schedule != nil {
			s.schedule = schedule
		}
	}
}

func WithReporter(r report.Reporter) Option {
	return func(s *Store) {
		if r != nil {
			s.reporter = r
		}
	}
}

type Store struct {
	gw       Gateway
	schedule Scheduler
	ctx      context.Context
	cancel   context.CancelFunc
	flights  singleflight.Group

	// dispatchMu serializes apply+fan-out.
	dispatchMu sync.Mutex

	mu       sync.Mutex
	closed   bool
	reporter report.Reporter
	threads  *registry[store.Thread]
	comments *registry[store.Comment]
}

func New(gw Gateway, opts ...Option) *Store {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Store{
		gw:       gw,
		schedule: func(f func()) { go f() },
		ctx:      ctx,
		cancel:   cancel,
		reporter: report.Log(slog.Default()),
	}
	s.reset()
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) reset() {
	s.threads = newRegistry("threads",
		func(t store.Thread) string { return t.Doc },
		func(t store.Thread) string { return t.ID },
		store.Thread.Validate,
	)
	s.comments = newRegistry("comments",
		func(c store.Comment) string { return c.Thread },
		func(c store.Comment) string { return c.ID },
		store.Comment.Validate,
	)
}

// SetReporter replaces the sink for fetch and ingestion errors.
func (s *Store) SetReporter(r report.Reporter) {
	if r == nil {
		r = report.Discard
	}
	s.mu.Lock()
	s.reporter = r
	s.mu.Unlock()
}

func (s *Store) report(err error) {
	s.mu.Lock()
	r := s.reporter
	s.mu.Unlock()
	r.Report(err)
}

// ObserveDocThreads registers fn for the threads of docID.
func (s *Store) ObserveDocThreads(docID string, fn func([]store.Thread)) Unobserve {
	return observe(s, s.threadRegistry(), docID, fn, s.gw.ListThreads)
}

// ObserveComments registers fn for the comments of threadID.
func (s *Store) ObserveComments(threadID string, fn func([]store.Comment)) Unobserve {
	return observe(s, s.commentRegistry(), threadID, fn, s.gw.ListComments)
}

func (s *Store) InsertThreads(threads ...store.Thread) {
	insert(s, s.threadRegistry(), threads)
}

func (s *Store) InsertComments(comments ...store.Comment) {
	insert(s, s.commentRegistry(), comments)
}

// RemoveThread removes t from its document and forgets its comments.
// Observers of the thread's comments receive an empty list.
func (s *Store) RemoveThread(t store.Thread) {
	remove(s, s.threadRegistry(), t)

	s.dispatchMu.Lock()
	defer s.dispatchMu.Unlock()
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	ds := s.comments.drop(t.ID)
	s.mu.Unlock()
	notify("comment", ds)
}

func (s *Store) RemoveComment(c store.Comment) {
	remove(s, s.commentRegistry(), c)
}

// Threads returns a copy of the cached threads of docID and whether the
// bucket has been loaded.
func (s *Store) Threads(docID string) ([]store.Thread, bool) {
	return snapshot(s, s.threadRegistry(), docID)
}

// Comments returns a copy of the cached comments of threadID and whether
// the bucket has been loaded.
func (s *Store) Comments(threadID string) ([]store.Comment, bool) {
	return snapshot(s, s.commentRegistry(), threadID)
}

// Close cancels in-flight fetches and drops every bucket. Observing a
// closed store never delivers.
func (s *Store) Close() {
	s.cancel()
	s.mu.Lock()
	s.closed = true
	s.reset()
	s.mu.Unlock()
}

func (s *Store) threadRegistry() *registry[store.Thread] {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.threads
}

func (s *Store) commentRegistry() *registry[store.Comment] {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.comments
}

func observe[T any](s *Store, r *registry[T], key string, fn func([]T), load func(context.Context, string) ([]T, error)) Unobserve {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return func() {}
	}
	id := r.subscribe(key, fn)
	loaded := r.buckets[key].loaded
	s.mu.Unlock()

	if loaded {
		s.schedule(func() { deliverInitial(s, r, key, id) })
	} else {
		fetch(s, r, key, load)
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			r.unsubscribe(key, id)
			s.mu.Unlock()
		})
	}
}

// deliverInitial hands a new observer the bucket as it is at delivery
// time. It is skipped when the observer has gone.
func deliverInitial[T any](s *Store, r *registry[T], key string, id uint64) {
	s.dispatchMu.Lock()
	defer s.dispatchMu.Unlock()

	s.mu.Lock()
	fn, ok := r.lookup(key, id)
	if !ok || s.closed || !r.buckets[key].loaded {
		s.mu.Unlock()
		return
	}
	items := slices.Clone(r.buckets[key].items)
	s.mu.Unlock()

	notificationsTotal.WithLabelValues(r.kind).Inc()
	fn(items)
}

// fetch loads key from the gateway unless a load for it is already in
// flight or done.
func fetch[T any](s *Store, r *registry[T], key string, load func(context.Context, string) ([]T, error)) {
	s.flights.DoChan(r.kind+"/"+key, func() (any, error) {
		s.mu.Lock()
		b, ok := r.buckets[key]
		skip := s.closed || (ok && b.loaded)
		s.mu.Unlock()
		if skip {
			return nil, nil
		}

		fetchesTotal.WithLabelValues(r.kind).Inc()
		items, err := load(s.ctx, key)
		if err != nil {
			if s.ctx.Err() == nil {
				fetchErrorsTotal.WithLabelValues(r.kind).Inc()
				s.report(zerr.With(zerr.Wrap(err, "list "+r.kind), "key", key))
			}
			return nil, err
		}
		applyLoaded(s, r, key, items)
		return nil, nil
	})
}

// applyLoaded merges a gateway list into key. Items inserted before the
// load completed are kept on top of the fetched ones.
func applyLoaded[T any](s *Store, r *registry[T], key string, fetched []T) {
	fetched = admit(s, fetched, r.validate)

	s.dispatchMu.Lock()
	defer s.dispatchMu.Unlock()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	b := r.bucket(key)
	b.items = merge(fetched, b.items, r.idOf)
	b.loaded = true
	ds := b.deliveries()
	s.mu.Unlock()

	notify(r.kind, ds)
}

func insert[T any](s *Store, r *registry[T], items []T) {
	items = admit(s, items, r.validate)
	if len(items) == 0 {
		return
	}
	s.dispatchMu.Lock()
	defer s.dispatchMu.Unlock()

	keys, groups := r.partition(items)
	for _, key := range keys {
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return
		}
		b := r.bucket(key)
		b.items = merge(b.items, groups[key], r.idOf)
		ds := b.deliveries()
		s.mu.Unlock()

		notify(r.kind, ds)
	}
}

func remove[T any](s *Store, r *registry[T], item T) {
	key, id := r.keyOf(item), r.idOf(item)

	s.dispatchMu.Lock()
	defer s.dispatchMu.Unlock()

	s.mu.Lock()
	b, ok := r.buckets[key]
	if s.closed || !ok {
		s.mu.Unlock()
		return
	}
	b.items = slices.DeleteFunc(slices.Clone(b.items), func(it T) bool { return r.idOf(it) == id })
	ds := b.deliveries()
	s.mu.Unlock()

	notify(r.kind, ds)
}

func snapshot[T any](s *Store, r *registry[T], key string) ([]T, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := r.buckets[key]
	if !ok {
		return nil, false
	}
	return slices.Clone(b.items), b.loaded
}

func notify[T any](kind string, ds []delivery[T]) {
	for _, d := range ds {
		notificationsTotal.WithLabelValues(kind).Inc()
		d.fn(d.items)
	}
}

// admit drops items that fail validate and reports each of them.
func admit[T any](s *Store, items []T, validate func(T) error) []T {
	out := make([]T, 0, len(items))
	for _, item := range items {
		if err := validate(item); err != nil {
			s.report(err)
			continue
		}
		out = append(out, item)
	}
	return out
}
