package app

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"margins/internal/anchor"
	"margins/internal/feed"
	"margins/internal/logging"
	"margins/internal/search"
	"margins/internal/store"
	"margins/internal/util"
)

type CreateThreadInput struct {
	Message   string        `json:"message"`
	Selection *anchor.Range `json:"selection"`
}

type SetStatusInput struct {
	Status store.StatusType `json:"status"`
}

type MessageInput struct {
	Message string `json:"message"`
}

type ReactionInput struct {
	Emoji string `json:"emoji"`
}

const maxEmojiRunes = 8

type dataStore interface {
	ListThreads(context.Context, string) ([]store.Thread, error)
	GetThread(context.Context, string) (store.Thread, error)
	InsertThread(context.Context, store.Thread) error
	SetThreadStatus(context.Context, string, store.ThreadStatus) (bool, error)
	DeleteThread(context.Context, string) (bool, error)
	ListComments(context.Context, string) ([]store.Comment, error)
	GetComment(context.Context, string) (store.Comment, error)
	InsertComment(context.Context, store.Comment) error
	UpdateCommentMessage(context.Context, string, string, time.Time) (bool, error)
	DeleteComment(context.Context, string) (string, error)
	AddReaction(context.Context, string, store.Reaction) error
	RemoveReaction(context.Context, string, string) (bool, error)
	Ping(ctx context.Context) error
}

type publisher interface {
	Publish(context.Context, feed.Event) error
}

type searchService interface {
	Search(context.Context, search.Query) search.Response
	IndexComment(search.CommentRecord)
	DeleteComments(...string)
}

type ServiceOption func(*Service)

// WithFeed publishes every change on the document's Redis channel.
func WithFeed(p *feed.Publisher) ServiceOption {
	return func(s *Service) {
		if p != nil {
			s.feed = p
		}
	}
}

func WithSearch(svc *search.Service) ServiceOption {
	return func(s *Service) {
		if svc != nil {
			s.search = svc
		}
	}
}

type Service struct {
	store  dataStore
	feed   publisher
	search searchService
	now    func() time.Time
}

func New(dataStore *store.PostgresStore, opts ...ServiceOption) *Service {
	s := &Service{store: dataStore, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

func (s *Service) ListThreads(ctx context.Context, docID string) ([]store.Thread, error) {
	return s.store.ListThreads(ctx, docID)
}

func (s *Service) GetThread(ctx context.Context, threadID string) (store.Thread, error) {
	return s.store.GetThread(ctx, threadID)
}

// CreateThread opens a thread on docID. A non-empty message becomes the
// initial comment.
func (s *Service) CreateThread(ctx context.Context, member store.Member, docID string, input CreateThreadInput) (store.Thread, error) {
	docID = strings.TrimSpace(docID)
	if docID == "" {
		return store.Thread{}, invalidField("doc", "doc is required")
	}
	if input.Selection != nil && (len(input.Selection.Anchor) == 0 || len(input.Selection.Head) == 0) {
		return store.Thread{}, invalidField("selection", "selection needs anchor and head")
	}

	now := s.now().UTC()
	thread := store.Thread{
		ID:              util.NewID("thr"),
		Doc:             docID,
		Status:          store.ThreadStatus{Type: store.StatusOpen, At: now, By: &member},
		LastCommentTime: now,
		Contributors:    []store.Member{},
		Selection:       input.Selection,
		CreatedAt:       now,
	}
	var initial *store.Comment
	if message := strings.TrimSpace(input.Message); message != "" {
		initial = &store.Comment{
			ID:        util.NewID("cmt"),
			Thread:    thread.ID,
			Author:    member,
			Message:   message,
			CreatedAt: now,
			UpdatedAt: now,
			Reactions: []store.Reaction{},
		}
		thread.InitialComment = initial
		thread.CommentCount = 1
		thread.Contributors = []store.Member{member}
	}

	if err := s.store.InsertThread(ctx, thread); err != nil {
		return store.Thread{}, err
	}
	s.publish(ctx, feed.ThreadEvent(feed.ThreadUpserted, thread))
	if initial != nil {
		s.publish(ctx, feed.CommentEvent(feed.CommentUpserted, docID, *initial))
		s.index(docID, *initial)
	}
	return thread, nil
}

// SetThreadStatus opens or closes a thread. Outdated is set by the document
// engine, never by members.
func (s *Service) SetThreadStatus(ctx context.Context, member store.Member, threadID string, input SetStatusInput) (store.Thread, error) {
	status := store.StatusType(strings.ToLower(strings.TrimSpace(string(input.Status))))
	if status != store.StatusOpen && status != store.StatusClosed {
		return store.Thread{}, invalidField("status", "status must be open or closed")
	}
	ok, err := s.store.SetThreadStatus(ctx, threadID, store.ThreadStatus{Type: status, At: s.now().UTC(), By: &member})
	if err != nil {
		return store.Thread{}, err
	}
	if !ok {
		return store.Thread{}, sql.ErrNoRows
	}
	return s.publishThread(ctx, threadID)
}

func (s *Service) DeleteThread(ctx context.Context, threadID string) error {
	thread, err := s.store.GetThread(ctx, threadID)
	if err != nil {
		return err
	}
	comments, err := s.store.ListComments(ctx, threadID)
	if err != nil {
		return err
	}
	ok, err := s.store.DeleteThread(ctx, threadID)
	if err != nil {
		return err
	}
	if !ok {
		return sql.ErrNoRows
	}

	s.publish(ctx, feed.ThreadEvent(feed.ThreadDeleted, thread))
	if s.search != nil {
		ids := make([]string, 0, len(comments))
		for _, c := range comments {
			ids = append(ids, c.ID)
		}
		s.search.DeleteComments(ids...)
	}
	return nil
}

func (s *Service) ListComments(ctx context.Context, threadID string) ([]store.Comment, error) {
	if _, err := s.store.GetThread(ctx, threadID); err != nil {
		return nil, err
	}
	return s.store.ListComments(ctx, threadID)
}

func (s *Service) CreateComment(ctx context.Context, member store.Member, threadID string, input MessageInput) (store.Comment, error) {
	message := strings.TrimSpace(input.Message)
	if message == "" {
		return store.Comment{}, invalidField("message", "message is required")
	}
	thread, err := s.store.GetThread(ctx, threadID)
	if err != nil {
		return store.Comment{}, err
	}

	now := s.now().UTC()
	comment := store.Comment{
		ID:        util.NewID("cmt"),
		Thread:    thread.ID,
		Author:    member,
		Message:   message,
		CreatedAt: now,
		UpdatedAt: now,
		Reactions: []store.Reaction{},
	}
	if err := s.store.InsertComment(ctx, comment); err != nil {
		return store.Comment{}, err
	}

	s.publish(ctx, feed.CommentEvent(feed.CommentUpserted, thread.Doc, comment))
	s.index(thread.Doc, comment)
	_, _ = s.publishThread(ctx, thread.ID)
	return comment, nil
}

// UpdateComment replaces the message of a comment. Only its author may.
func (s *Service) UpdateComment(ctx context.Context, member store.Member, commentID string, input MessageInput) (store.Comment, error) {
	message := strings.TrimSpace(input.Message)
	if message == "" {
		return store.Comment{}, invalidField("message", "message is required")
	}
	comment, err := s.store.GetComment(ctx, commentID)
	if err != nil {
		return store.Comment{}, err
	}
	if comment.Author.ID != member.ID {
		return store.Comment{}, notAllowed("only the author can edit a comment")
	}

	ok, err := s.store.UpdateCommentMessage(ctx, commentID, message, s.now().UTC())
	if err != nil {
		return store.Comment{}, err
	}
	if !ok {
		return store.Comment{}, sql.ErrNoRows
	}
	return s.publishComment(ctx, commentID)
}

// DeleteComment removes a comment. Only its author may.
func (s *Service) DeleteComment(ctx context.Context, member store.Member, commentID string) error {
	comment, err := s.store.GetComment(ctx, commentID)
	if err != nil {
		return err
	}
	if comment.Author.ID != member.ID {
		return notAllowed("only the author can delete a comment")
	}
	thread, err := s.store.GetThread(ctx, comment.Thread)
	if err != nil {
		return err
	}
	if _, err := s.store.DeleteComment(ctx, commentID); err != nil {
		return err
	}

	s.publish(ctx, feed.CommentEvent(feed.CommentDeleted, thread.Doc, comment))
	if s.search != nil {
		s.search.DeleteComments(commentID)
	}
	_, _ = s.publishThread(ctx, thread.ID)
	return nil
}

func (s *Service) AddReaction(ctx context.Context, member store.Member, commentID string, input ReactionInput) (store.Comment, error) {
	emoji := strings.TrimSpace(input.Emoji)
	if emoji == "" {
		return store.Comment{}, invalidField("emoji", "emoji is required")
	}
	if len([]rune(emoji)) > maxEmojiRunes {
		return store.Comment{}, invalidField("emoji", "emoji is too long")
	}
	if _, err := s.store.GetComment(ctx, commentID); err != nil {
		return store.Comment{}, err
	}
	if err := s.store.AddReaction(ctx, commentID, store.Reaction{
		ID:        util.NewID("rct"),
		Emoji:     emoji,
		Member:    member,
		CreatedAt: s.now().UTC(),
	}); err != nil {
		return store.Comment{}, err
	}
	return s.publishComment(ctx, commentID)
}

// RemoveReaction deletes a reaction. Members can only remove their own.
func (s *Service) RemoveReaction(ctx context.Context, member store.Member, commentID, reactionID string) (store.Comment, error) {
	comment, err := s.store.GetComment(ctx, commentID)
	if err != nil {
		return store.Comment{}, err
	}
	var found *store.Reaction
	for i := range comment.Reactions {
		if comment.Reactions[i].ID == reactionID {
			found = &comment.Reactions[i]
			break
		}
	}
	if found == nil {
		return store.Comment{}, sql.ErrNoRows
	}
	if found.Member.ID != member.ID {
		return store.Comment{}, notAllowed("reactions can only be removed by their member")
	}

	ok, err := s.store.RemoveReaction(ctx, commentID, reactionID)
	if err != nil {
		return store.Comment{}, err
	}
	if !ok {
		return store.Comment{}, sql.ErrNoRows
	}
	return s.publishComment(ctx, commentID)
}

func (s *Service) Search(ctx context.Context, docID, text string, limit int) search.Response {
	if s.search == nil {
		return search.Response{Results: []search.Result{}, Query: text}
	}
	return s.search.Search(ctx, search.Query{DocID: docID, Text: text, Limit: limit})
}

// publishThread rereads a thread and announces it.
func (s *Service) publishThread(ctx context.Context, threadID string) (store.Thread, error) {
	thread, err := s.store.GetThread(ctx, threadID)
	if err != nil {
		return store.Thread{}, err
	}
	s.publish(ctx, feed.ThreadEvent(feed.ThreadUpserted, thread))
	return thread, nil
}

// publishComment rereads a comment, announces it and refreshes its index
// entry.
func (s *Service) publishComment(ctx context.Context, commentID string) (store.Comment, error) {
	comment, err := s.store.GetComment(ctx, commentID)
	if err != nil {
		return store.Comment{}, err
	}
	thread, err := s.store.GetThread(ctx, comment.Thread)
	if err != nil {
		return store.Comment{}, err
	}
	s.publish(ctx, feed.CommentEvent(feed.CommentUpserted, thread.Doc, comment))
	s.index(thread.Doc, comment)
	return comment, nil
}

// publish announces ev. The change is already stored, so a feed failure is
// logged and does not fail the request.
func (s *Service) publish(ctx context.Context, ev feed.Event) {
	if s.feed == nil {
		return
	}
	if err := s.feed.Publish(ctx, ev); err != nil {
		logging.FromContext(ctx).WarnContext(ctx, "publish change", "type", string(ev.Type), "doc", ev.Doc, "error", err)
	}
}

func (s *Service) index(docID string, c store.Comment) {
	if s.search != nil {
		s.search.IndexComment(search.RecordFor(docID, c))
	}
}
