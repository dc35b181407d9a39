// Package panel drives the comment side panel of one document: which
// threads are listed, which thread is open, and whether a new thread is
// being drafted.
//
// A Panel reacts to two event sources, UI requests through Transition and
// cache pushes through its subscriptions. It holds exactly one thread list
// subscription and, while a thread is selected, exactly one comment
// subscription.
package panel

import (
	"slices"
	"sync"

	"margins/internal/cache"
	"margins/internal/store"
)

// Source is where a panel reads threads and comments. *cache.Store
// implements it.
type Source interface {
	ObserveDocThreads(docID string, fn func([]store.Thread)) cache.Unobserve
	ObserveComments(threadID string, fn func([]store.Comment)) cache.Unobserve
}

type Option func(*Panel)

// WithPendingThread opens threadID as soon as the list arrives, if it is in
// the list.
func WithPendingThread(threadID string) Option {
	return func(p *Panel) {
		p.state.PendingThreadID = threadID
	}
}

type watcher struct {
	id    uint64
	since uint64
	fn    func(State)
}

// queued is one state waiting for delivery. A non-zero only targets a
// single watcher.
type queued struct {
	seq   uint64
	state State
	only  uint64
}

type commentSub struct {
	threadID  string
	unobserve cache.Unobserve
}

type Panel struct {
	src   Source
	docID string

	mu               sync.Mutex
	state            State
	closed           bool
	unobserveThreads cache.Unobserve
	comments         *commentSub

	watchers  []watcher
	nextWatch uint64
	seq       uint64
	outbox    []queued
	wake      chan struct{}
	done      chan struct{}
}

// New starts a panel for docID in list_loading and subscribes to the
// document's threads.
func New(src Source, docID string, opts ...Option) *Panel {
	p := &Panel{
		src:   src,
		docID: docID,
		state: State{Mode: ModeListLoading},
		wake:  make(chan struct{}, 1),
		done:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	go p.deliver()

	unobserve := src.ObserveDocThreads(docID, p.onThreads)
	p.mu.Lock()
	p.unobserveThreads = unobserve
	p.mu.Unlock()
	return p
}

// State returns a copy of the current state.
func (p *Panel) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state.clone()
}

// Visible returns the listed threads after the current filter.
func (p *Panel) Visible() []store.Thread {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state.Filter == nil {
		return slices.Clone(p.state.Threads)
	}
	out := make([]store.Thread, 0, len(p.state.Threads))
	for _, t := range p.state.Threads {
		if p.state.Filter(t) {
			out = append(out, t)
		}
	}
	return out
}

// Watch registers fn. fn first receives the current state, then every
// later one. Calls happen in order on a dedicated goroutine, so fn may
// call back into the panel.
func (p *Panel) Watch(fn func(State)) (unwatch func()) {
	p.mu.Lock()
	p.nextWatch++
	id := p.nextWatch
	p.seq++
	p.watchers = append(p.watchers, watcher{id: id, since: p.seq, fn: fn})
	p.outbox = append(p.outbox, queued{seq: p.seq, state: p.state.clone(), only: id})
	p.wakeLocked()
	p.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			p.mu.Lock()
			p.watchers = slices.DeleteFunc(p.watchers, func(w watcher) bool { return w.id == id })
			p.mu.Unlock()
		})
	}
}

// Transition applies a UI request. Requests made before the list has
// arrived only update the pending thread.
func (p *Panel) Transition(req Request) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}

	cur := p.state
	if cur.Mode == ModeListLoading {
		if req.Mode == ModeThread {
			p.setLocked(State{Mode: ModeListLoading, PendingThreadID: req.ThreadID}, false)
		}
		return
	}

	switch req.Mode {
	case ModeList:
		p.setLocked(State{Mode: ModeList, Threads: cur.Threads, Filter: req.Filter}, false)
	case ModeThread:
		thread, ok := findThread(cur.Threads, req.ThreadID)
		if !ok {
			p.setLocked(State{Mode: ModeList, Threads: cur.Threads, Filter: cur.Filter}, false)
			return
		}
		p.setLocked(State{Mode: ModeThreadLoading, Threads: cur.Threads, Filter: cur.Filter, Thread: &thread}, true)
	case ModeNewThread:
		draft := req.Draft
		p.setLocked(State{Mode: ModeNewThread, Threads: cur.Threads, Filter: cur.Filter, Draft: &draft}, false)
	}
}

func (p *Panel) onThreads(threads []store.Thread) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}

	cur := p.state
	switch cur.Mode {
	case ModeListLoading:
		if cur.PendingThreadID != "" {
			if thread, ok := findThread(threads, cur.PendingThreadID); ok {
				p.setLocked(State{Mode: ModeThreadLoading, Threads: threads, Thread: &thread}, true)
				return
			}
		}
		p.setLocked(State{Mode: ModeList, Threads: threads}, false)
	case ModeList:
		p.setLocked(State{Mode: ModeList, Threads: threads, Filter: cur.Filter}, false)
	case ModeNewThread:
		p.setLocked(State{Mode: ModeNewThread, Threads: threads, Filter: cur.Filter, Draft: cur.Draft}, false)
	case ModeThreadLoading, ModeThread:
		thread, ok := findThread(threads, cur.Thread.ID)
		if !ok {
			p.setLocked(State{Mode: ModeList, Threads: threads, Filter: cur.Filter}, false)
			return
		}
		next := cur
		next.Threads = threads
		next.Thread = &thread
		p.setLocked(next, false)
	}
}

func (p *Panel) onComments(threadID string, comments []store.Comment) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}

	cur := p.state
	if cur.Mode != ModeThreadLoading && cur.Mode != ModeThread {
		return
	}
	if cur.Thread.ID != threadID {
		return
	}
	next := cur
	next.Mode = ModeThread
	next.Comments = comments
	p.setLocked(next, false)
}

// setLocked installs next, moves the comment subscription to match it and
// queues next for watchers. resubscribe forces a fresh comment subscription
// so that an explicit thread request always receives the comments again.
// Observe and unobserve never call back synchronously, so they are safe
// under p.mu.
func (p *Panel) setLocked(next State, resubscribe bool) {
	p.state = next

	selected := ""
	if next.Mode == ModeThreadLoading || next.Mode == ModeThread {
		selected = next.Thread.ID
	}
	if p.comments != nil && (resubscribe || p.comments.threadID != selected) {
		p.comments.unobserve()
		p.comments = nil
	}
	if selected != "" && p.comments == nil {
		p.comments = &commentSub{
			threadID: selected,
			unobserve: p.src.ObserveComments(selected, func(comments []store.Comment) {
				p.onComments(selected, comments)
			}),
		}
	}

	p.seq++
	p.outbox = append(p.outbox, queued{seq: p.seq, state: next.clone()})
	p.wakeLocked()
}

func (p *Panel) wakeLocked() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

func (p *Panel) deliver() {
	for {
		select {
		case <-p.done:
			return
		case <-p.wake:
		}

		p.mu.Lock()
		batch := p.outbox
		p.outbox = nil
		watchers := slices.Clone(p.watchers)
		p.mu.Unlock()

		for _, q := range batch {
			for _, w := range watchers {
				if q.only != 0 && q.only != w.id {
					continue
				}
				if q.seq < w.since {
					continue
				}
				w.fn(q.state)
			}
		}
	}
}

// Close releases the panel's subscriptions. Later pushes and requests are
// ignored.
func (p *Panel) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	unobserveThreads := p.unobserveThreads
	if p.comments != nil {
		p.comments.unobserve()
		p.comments = nil
	}
	p.mu.Unlock()

	if unobserveThreads != nil {
		unobserveThreads()
	}
	close(p.done)
}
