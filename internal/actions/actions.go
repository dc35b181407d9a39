// Package actions performs comment mutations against the comment service
// and feeds the canonical results back into the cache.
//
// Every method is safe to fire and forget from UI code: failures are
// handed to the reporter and the method returns ok=false. Nothing is
// applied to the cache before the service has answered.
package actions

import (
	"context"
	"log/slog"
	"strings"
	"sync"

	"go.trai.ch/zerr"

	"margins/internal/anchor"
	"margins/internal/report"
	"margins/internal/store"
)

var (
	ErrInvalidStatus = zerr.New("thread status must be open or closed")
	ErrEmptyMessage  = zerr.New("comment message is empty")
	ErrNoCodec       = zerr.New("selection given without a position codec")
)

// Gateway is the mutating side of the comment service.
type Gateway interface {
	GetThread(ctx context.Context, id string) (store.Thread, error)
	CreateThread(ctx context.Context, body store.NewThread) (store.Thread, error)
	SetThreadStatus(ctx context.Context, id string, status store.StatusType) (store.Thread, error)
	DeleteThread(ctx context.Context, id string) error
	CreateComment(ctx context.Context, threadID, message string) (store.Comment, error)
	UpdateComment(ctx context.Context, id, message string) (store.Comment, error)
	DeleteComment(ctx context.Context, id string) error
	AddReaction(ctx context.Context, commentID, emoji string) (store.Comment, error)
	RemoveReaction(ctx context.Context, commentID, reactionID string) (store.Comment, error)
}

// Cache receives the results. *cache.Store implements it.
type Cache interface {
	InsertThreads(threads ...store.Thread)
	InsertComments(comments ...store.Comment)
	RemoveThread(t store.Thread)
	RemoveComment(c store.Comment)
}

// NewThread is a thread draft with its selection in live positions.
type NewThread struct {
	Doc       string
	Message   string
	Selection *anchor.Selection
}

type Option func(*Actions)

func WithReporter(r report.Reporter) Option {
	return func(a *Actions) {
		if r != nil {
			a.reporter = r
		}
	}
}

type Actions struct {
	gw    Gateway
	cache Cache
	codec anchor.Codec

	mu       sync.Mutex
	reporter report.Reporter
}

// New returns Actions writing through gw into c. codec may be nil when
// threads never carry selections.
func New(gw Gateway, c Cache, codec anchor.Codec, opts ...Option) *Actions {
	a := &Actions{
		gw:       gw,
		cache:    c,
		codec:    codec,
		reporter: report.Log(slog.Default()),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

func (a *Actions) SetReporter(r report.Reporter) {
	if r == nil {
		r = report.Discard
	}
	a.mu.Lock()
	a.reporter = r
	a.mu.Unlock()
}

// fail is the single error funnel.
func (a *Actions) fail(err error) {
	a.mu.Lock()
	r := a.reporter
	a.mu.Unlock()
	r.Report(err)
}

func (a *Actions) CreateThread(ctx context.Context, draft NewThread) (store.Thread, bool) {
	if draft.Selection != nil && a.codec == nil {
		a.fail(zerr.With(zerr.Wrap(ErrNoCodec, "create thread"), "doc", draft.Doc))
		return store.Thread{}, false
	}
	body := store.NewThread{
		Doc:     draft.Doc,
		Message: draft.Message,
	}
	if draft.Selection != nil {
		body.Selection = anchor.EncodeSelection(a.codec, draft.Selection)
	}

	thread, err := a.gw.CreateThread(ctx, body)
	if err != nil {
		a.fail(zerr.With(zerr.Wrap(err, "create thread"), "doc", draft.Doc))
		return store.Thread{}, false
	}
	a.cache.InsertThreads(thread)
	if thread.InitialComment != nil {
		a.cache.InsertComments(*thread.InitialComment)
	}
	return thread, true
}

func (a *Actions) SetThreadStatus(ctx context.Context, thread store.Thread, status store.StatusType) (store.Thread, bool) {
	if status != store.StatusOpen && status != store.StatusClosed {
		a.fail(zerr.With(zerr.Wrap(ErrInvalidStatus, "set thread status"), "status", string(status)))
		return store.Thread{}, false
	}
	updated, err := a.gw.SetThreadStatus(ctx, thread.ID, status)
	if err != nil {
		a.fail(zerr.With(zerr.Wrap(err, "set thread status"), "thread", thread.ID))
		return store.Thread{}, false
	}
	a.cache.InsertThreads(updated)
	return updated, true
}

// DeleteThread removes the thread remotely, then drops the local copy.
func (a *Actions) DeleteThread(ctx context.Context, thread store.Thread) bool {
	if err := a.gw.DeleteThread(ctx, thread.ID); err != nil {
		a.fail(zerr.With(zerr.Wrap(err, "delete thread"), "thread", thread.ID))
		return false
	}
	a.cache.RemoveThread(thread)
	return true
}

// RefreshThread reloads one thread from the service.
func (a *Actions) RefreshThread(ctx context.Context, thread store.Thread) (store.Thread, bool) {
	fresh, err := a.gw.GetThread(ctx, thread.ID)
	if err != nil {
		a.fail(zerr.With(zerr.Wrap(err, "refresh thread"), "thread", thread.ID))
		return store.Thread{}, false
	}
	a.cache.InsertThreads(fresh)
	return fresh, true
}

// CreateComment appends a reply. The owning thread is refreshed afterwards
// so its count and contributors follow.
func (a *Actions) CreateComment(ctx context.Context, thread store.Thread, message string) (store.Comment, bool) {
	if strings.TrimSpace(message) == "" {
		a.fail(zerr.With(zerr.Wrap(ErrEmptyMessage, "create comment"), "thread", thread.ID))
		return store.Comment{}, false
	}
	created, err := a.gw.CreateComment(ctx, thread.ID, message)
	if err != nil {
		a.fail(zerr.With(zerr.Wrap(err, "create comment"), "thread", thread.ID))
		return store.Comment{}, false
	}
	a.cache.InsertComments(created)
	a.RefreshThread(ctx, thread)
	return created, true
}

func (a *Actions) UpdateCommentMessage(ctx context.Context, comment store.Comment, message string) (store.Comment, bool) {
	if strings.TrimSpace(message) == "" {
		a.fail(zerr.With(zerr.Wrap(ErrEmptyMessage, "update comment"), "comment", comment.ID))
		return store.Comment{}, false
	}
	updated, err := a.gw.UpdateComment(ctx, comment.ID, message)
	if err != nil {
		a.fail(zerr.With(zerr.Wrap(err, "update comment"), "comment", comment.ID))
		return store.Comment{}, false
	}
	a.cache.InsertComments(updated)
	return updated, true
}

func (a *Actions) DeleteComment(ctx context.Context, comment store.Comment) bool {
	if err := a.gw.DeleteComment(ctx, comment.ID); err != nil {
		a.fail(zerr.With(zerr.Wrap(err, "delete comment"), "comment", comment.ID))
		return false
	}
	a.cache.RemoveComment(comment)
	a.RefreshThread(ctx, store.Thread{ID: comment.Thread})
	return true
}

func (a *Actions) AddReaction(ctx context.Context, comment store.Comment, emoji string) (store.Comment, bool) {
	updated, err := a.gw.AddReaction(ctx, comment.ID, emoji)
	if err != nil {
		a.fail(zerr.With(zerr.Wrap(err, "add reaction"), "comment", comment.ID))
		return store.Comment{}, false
	}
	a.cache.InsertComments(updated)
	return updated, true
}

func (a *Actions) RemoveReaction(ctx context.Context, comment store.Comment, reaction store.Reaction) (store.Comment, bool) {
	updated, err := a.gw.RemoveReaction(ctx, comment.ID, reaction.ID)
	if err != nil {
		a.fail(zerr.With(zerr.Wrap(err, "remove reaction"), "comment", comment.ID))
		return store.Comment{}, false
	}
	a.cache.InsertComments(updated)
	return updated, true
}

// ToggleReaction removes member's emoji reaction from comment when present
// and adds it otherwise.
func (a *Actions) ToggleReaction(ctx context.Context, comment store.Comment, member store.Member, emoji string) (store.Comment, bool) {
	if existing, ok := comment.ReactionBy(member.ID, emoji); ok {
		return a.RemoveReaction(ctx, comment, existing)
	}
	return a.AddReaction(ctx, comment, emoji)
}
