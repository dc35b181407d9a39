package cache

import "slices"

type subscription[T any] struct {
	id uint64
	fn func([]T)
}

// bucket is the cache entry for one key. loaded is set once the gateway
// list for the key has been merged in; items inserted before that are kept
// and folded into the fetched list.
type bucket[T any] struct {
	items  []T
	loaded bool
	subs   []subscription[T]
}

// registry holds the buckets of one entity kind. Callers hold Store.mu.
type registry[T any] struct {
	kind     string
	keyOf    func(T) string
	idOf     func(T) string
	validate func(T) error
	buckets  map[string]*bucket[T]
	nextID   uint64
}

func newRegistry[T any](kind string, keyOf, idOf func(T) string, validate func(T) error) *registry[T] {
	return &registry[T]{
		kind:     kind,
		keyOf:    keyOf,
		idOf:     idOf,
		validate: validate,
		buckets:  make(map[string]*bucket[T]),
	}
}

func (r *registry[T]) bucket(key string) *bucket[T] {
	b, ok := r.buckets[key]
	if !ok {
		b = &bucket[T]{}
		r.buckets[key] = b
	}
	return b
}

func (r *registry[T]) subscribe(key string, fn func([]T)) uint64 {
	r.nextID++
	b := r.bucket(key)
	b.subs = append(b.subs, subscription[T]{id: r.nextID, fn: fn})
	return r.nextID
}

func (r *registry[T]) unsubscribe(key string, id uint64) {
	b, ok := r.buckets[key]
	if !ok {
		return
	}
	b.subs = slices.DeleteFunc(b.subs, func(s subscription[T]) bool { return s.id == id })
}

func (r *registry[T]) lookup(key string, id uint64) (func([]T), bool) {
	b, ok := r.buckets[key]
	if !ok {
		return nil, false
	}
	for _, s := range b.subs {
		if s.id == id {
			return s.fn, true
		}
	}
	return nil, false
}

// drop forgets a key's items and returns an empty delivery for every
// remaining subscriber. Subscriptions survive so that their unobserve
// handles keep working and a later observe refetches.
func (r *registry[T]) drop(key string) []delivery[T] {
	b, ok := r.buckets[key]
	if !ok {
		return nil
	}
	if len(b.subs) == 0 {
		delete(r.buckets, key)
		return nil
	}
	b.items = []T{}
	b.loaded = false
	return b.deliveries()
}

// partition groups items by owning key, keeping the order in which keys
// first appear.
func (r *registry[T]) partition(items []T) ([]string, map[string][]T) {
	keys := make([]string, 0, 1)
	groups := make(map[string][]T)
	for _, item := range items {
		key := r.keyOf(item)
		if _, ok := groups[key]; !ok {
			keys = append(keys, key)
		}
		groups[key] = append(groups[key], item)
	}
	return keys, groups
}

// merge upserts incoming into existing by id. Existing items keep their
// place; new ids are appended in arrival order.
func merge[T any](existing, incoming []T, idOf func(T) string) []T {
	out := slices.Clone(existing)
	index := make(map[string]int, len(out)+len(incoming))
	for i, item := range out {
		index[idOf(item)] = i
	}
	for _, item := range incoming {
		id := idOf(item)
		if i, ok := index[id]; ok {
			out[i] = item
			continue
		}
		index[id] = len(out)
		out = append(out, item)
	}
	return out
}

type delivery[T any] struct {
	fn    func([]T)
	items []T
}

// deliveries snapshots one fresh copy of the bucket per subscriber.
func (b *bucket[T]) deliveries() []delivery[T] {
	out := make([]delivery[T], 0, len(b.subs))
	for _, s := range b.subs {
		out = append(out, delivery[T]{fn: s.fn, items: slices.Clone(b.items)})
	}
	return out
}
