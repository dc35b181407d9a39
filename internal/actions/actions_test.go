package actions_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"margins/internal/actions"
	"margins/internal/anchor"
	"margins/internal/cache"
	"margins/internal/report"
	"margins/internal/store"
)

var errNotStubbed = errors.New("not stubbed")

type fakeGateway struct {
	mu    sync.Mutex
	calls []string

	getThread       func(id string) (store.Thread, error)
	createThread    func(body store.NewThread) (store.Thread, error)
	setThreadStatus func(id string, status store.StatusType) (store.Thread, error)
	deleteThread    func(id string) error
	createComment   func(threadID, message string) (store.Comment, error)
	updateComment   func(id, message string) (store.Comment, error)
	deleteComment   func(id string) error
	addReaction     func(commentID, emoji string) (store.Comment, error)
	removeReaction  func(commentID, reactionID string) (store.Comment, error)
}

func (g *fakeGateway) record(name string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls = append(g.calls, name)
}

func (g *fakeGateway) ListThreads(context.Context, string) ([]store.Thread, error) {
	g.record("ListThreads")
	return nil, nil
}

func (g *fakeGateway) ListComments(context.Context, string) ([]store.Comment, error) {
	g.record("ListComments")
	return nil, nil
}

func (g *fakeGateway) GetThread(_ context.Context, id string) (store.Thread, error) {
	g.record("GetThread")
	if g.getThread == nil {
		return store.Thread{}, errNotStubbed
	}
	return g.getThread(id)
}

func (g *fakeGateway) CreateThread(_ context.Context, body store.NewThread) (store.Thread, error) {
	g.record("CreateThread")
	if g.createThread == nil {
		return store.Thread{}, errNotStubbed
	}
	return g.createThread(body)
}

func (g *fakeGateway) SetThreadStatus(_ context.Context, id string, status store.StatusType) (store.Thread, error) {
	g.record("SetThreadStatus")
	if g.setThreadStatus == nil {
		return store.Thread{}, errNotStubbed
	}
	return g.setThreadStatus(id, status)
}

func (g *fakeGateway) DeleteThread(_ context.Context, id string) error {
	g.record("DeleteThread")
	if g.deleteThread == nil {
		return errNotStubbed
	}
	return g.deleteThread(id)
}

func (g *fakeGateway) CreateComment(_ context.Context, threadID, message string) (store.Comment, error) {
	g.record("CreateComment")
	if g.createComment == nil {
		return store.Comment{}, errNotStubbed
	}
	return g.createComment(threadID, message)
}

func (g *fakeGateway) UpdateComment(_ context.Context, id, message string) (store.Comment, error) {
	g.record("UpdateComment")
	if g.updateComment == nil {
		return store.Comment{}, errNotStubbed
	}
	return g.updateComment(id, message)
}

func (g *fakeGateway) DeleteComment(_ context.Context, id string) error {
	g.record("DeleteComment")
	if g.deleteComment == nil {
		return errNotStubbed
	}
	return g.deleteComment(id)
}

func (g *fakeGateway) AddReaction(_ context.Context, commentID, emoji string) (store.Comment, error) {
	g.record("AddReaction")
	if g.addReaction == nil {
		return store.Comment{}, errNotStubbed
	}
	return g.addReaction(commentID, emoji)
}

func (g *fakeGateway) RemoveReaction(_ context.Context, commentID, reactionID string) (store.Comment, error) {
	g.record("RemoveReaction")
	if g.removeReaction == nil {
		return store.Comment{}, errNotStubbed
	}
	return g.removeReaction(commentID, reactionID)
}

func (g *fakeGateway) called() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.calls...)
}

type errorSink struct {
	errs []error
}

func (s *errorSink) Report(err error) { s.errs = append(s.errs, err) }

type countingCodec struct {
	encodes int
}

func (c *countingCodec) Encode(pos anchor.Position) anchor.Token {
	c.encodes++
	return anchor.Token{byte(pos)}
}

func (c *countingCodec) Decode(tok anchor.Token) (anchor.Position, error) {
	return anchor.Position(tok[0]), nil
}

func setup(gw *fakeGateway, codec anchor.Codec) (*actions.Actions, *cache.Store, *errorSink) {
	sink := &errorSink{}
	c := cache.New(gw, cache.WithReporter(report.Discard))
	return actions.New(gw, c, codec, actions.WithReporter(sink)), c, sink
}

func openThread(id string, count int) store.Thread {
	return store.Thread{ID: id, Doc: "doc1", Status: store.ThreadStatus{Type: store.StatusOpen}, CommentCount: count}
}

func TestCreateThread_EncodesSelectionAndInserts(t *testing.T) {
	initial := store.Comment{ID: "c1", Thread: "t1", Message: "look here"}
	var sent store.NewThread
	gw := &fakeGateway{
		createThread: func(body store.NewThread) (store.Thread, error) {
			sent = body
			th := openThread("t1", 1)
			th.Selection = body.Selection
			th.InitialComment = &initial
			return th, nil
		},
	}
	codec := &countingCodec{}
	a, c, sink := setup(gw, codec)
	defer c.Close()

	thread, ok := a.CreateThread(context.Background(), actions.NewThread{
		Doc:       "doc1",
		Message:   "look here",
		Selection: &anchor.Selection{Anchor: 4, Head: 9},
	})
	require.True(t, ok)
	assert.Empty(t, sink.errs)

	assert.Equal(t, 2, codec.encodes)
	require.NotNil(t, sent.Selection)
	assert.Equal(t, anchor.Token{4}, sent.Selection.Anchor)
	assert.Equal(t, anchor.Token{9}, sent.Selection.Head)
	assert.Equal(t, "t1", thread.ID)

	threads, _ := c.Threads("doc1")
	require.Len(t, threads, 1)
	comments, _ := c.Comments("t1")
	require.Len(t, comments, 1)
	assert.Equal(t, "look here", comments[0].Message)
}

func TestCreateThread_WithoutSelectionSkipsCodec(t *testing.T) {
	gw := &fakeGateway{
		createThread: func(body store.NewThread) (store.Thread, error) {
			assert.Nil(t, body.Selection)
			return openThread("t1", 0), nil
		},
	}
	codec := &countingCodec{}
	a, c, _ := setup(gw, codec)
	defer c.Close()

	_, ok := a.CreateThread(context.Background(), actions.NewThread{Doc: "doc1"})
	require.True(t, ok)
	assert.Zero(t, codec.encodes)
}

func TestCreateThread_SelectionWithoutCodecIsReported(t *testing.T) {
	gw := &fakeGateway{}
	a, c, sink := setup(gw, nil)
	defer c.Close()

	_, ok := a.CreateThread(context.Background(), actions.NewThread{Doc: "doc1", Selection: &anchor.Selection{}})
	assert.False(t, ok)
	require.Len(t, sink.errs, 1)
	assert.ErrorIs(t, sink.errs[0], actions.ErrNoCodec)
	assert.Empty(t, gw.called())
}

func TestGatewayFailure_ReportedAndCacheUntouched(t *testing.T) {
	boom := errors.New("connection reset")
	gw := &fakeGateway{
		setThreadStatus: func(string, store.StatusType) (store.Thread, error) { return store.Thread{}, boom },
		deleteThread:    func(string) error { return boom },
	}
	a, c, sink := setup(gw, nil)
	defer c.Close()

	existing := openThread("t1", 0)
	c.InsertThreads(existing)

	_, ok := a.SetThreadStatus(context.Background(), existing, store.StatusClosed)
	assert.False(t, ok)
	assert.False(t, a.DeleteThread(context.Background(), existing))

	require.Len(t, sink.errs, 2)
	for _, err := range sink.errs {
		assert.ErrorIs(t, err, boom)
	}
	threads, _ := c.Threads("doc1")
	require.Len(t, threads, 1)
	assert.Equal(t, store.StatusOpen, threads[0].Status.Type)
}

func TestSetThreadStatus_RejectsUnknownStatus(t *testing.T) {
	gw := &fakeGateway{}
	a, c, sink := setup(gw, nil)
	defer c.Close()

	_, ok := a.SetThreadStatus(context.Background(), openThread("t1", 0), store.StatusOutdated)
	assert.False(t, ok)
	require.Len(t, sink.errs, 1)
	assert.ErrorIs(t, sink.errs[0], actions.ErrInvalidStatus)
	assert.Empty(t, gw.called())
}

func TestSetThreadStatus_InsertsCanonicalThread(t *testing.T) {
	gw := &fakeGateway{
		setThreadStatus: func(id string, status store.StatusType) (store.Thread, error) {
			th := openThread(id, 2)
			th.Status.Type = status
			th.Status.By = &store.Member{ID: "m-ada"}
			return th, nil
		},
	}
	a, c, _ := setup(gw, nil)
	defer c.Close()
	c.InsertThreads(openThread("t1", 2))

	_, ok := a.SetThreadStatus(context.Background(), openThread("t1", 2), store.StatusClosed)
	require.True(t, ok)

	threads, _ := c.Threads("doc1")
	require.Len(t, threads, 1)
	assert.Equal(t, store.StatusClosed, threads[0].Status.Type)
	assert.Equal(t, "m-ada", threads[0].Status.By.ID)
}

func TestDeleteThread_RemovesPreMutationEntity(t *testing.T) {
	gw := &fakeGateway{deleteThread: func(string) error { return nil }}
	a, c, _ := setup(gw, nil)
	defer c.Close()

	c.InsertThreads(openThread("t1", 0), openThread("t2", 0))
	require.True(t, a.DeleteThread(context.Background(), openThread("t1", 0)))

	threads, _ := c.Threads("doc1")
	require.Len(t, threads, 1)
	assert.Equal(t, "t2", threads[0].ID)
}

func TestCreateComment_InsertsAndRefreshesThread(t *testing.T) {
	gw := &fakeGateway{
		createComment: func(threadID, message string) (store.Comment, error) {
			return store.Comment{ID: "c1", Thread: threadID, Message: message}, nil
		},
		getThread: func(id string) (store.Thread, error) {
			return openThread(id, 1), nil
		},
	}
	a, c, sink := setup(gw, nil)
	defer c.Close()
	c.InsertThreads(openThread("t1", 0))

	created, ok := a.CreateComment(context.Background(), openThread("t1", 0), "hi")
	require.True(t, ok)
	assert.Empty(t, sink.errs)
	assert.Equal(t, "c1", created.ID)

	comments, _ := c.Comments("t1")
	require.Len(t, comments, 1)
	assert.Equal(t, "hi", comments[0].Message)
	threads, _ := c.Threads("doc1")
	assert.Equal(t, 1, threads[0].CommentCount)
	assert.Equal(t, []string{"CreateComment", "GetThread"}, gw.called())
}

func TestCreateComment_EmptyMessageNeverCallsGateway(t *testing.T) {
	gw := &fakeGateway{}
	a, c, sink := setup(gw, nil)
	defer c.Close()

	_, ok := a.CreateComment(context.Background(), openThread("t1", 0), "   ")
	assert.False(t, ok)
	require.Len(t, sink.errs, 1)
	assert.ErrorIs(t, sink.errs[0], actions.ErrEmptyMessage)
	assert.Empty(t, gw.called())
}

func TestUpdateAndDeleteComment(t *testing.T) {
	gw := &fakeGateway{
		updateComment: func(id, message string) (store.Comment, error) {
			return store.Comment{ID: id, Thread: "t1", Message: message}, nil
		},
		deleteComment: func(string) error { return nil },
		getThread: func(id string) (store.Thread, error) {
			return openThread(id, 1), nil
		},
	}
	a, c, _ := setup(gw, nil)
	defer c.Close()
	c.InsertThreads(openThread("t1", 2))
	c.InsertComments(
		store.Comment{ID: "c1", Thread: "t1", Message: "draft"},
		store.Comment{ID: "c2", Thread: "t1", Message: "other"},
	)

	_, ok := a.UpdateCommentMessage(context.Background(), store.Comment{ID: "c1", Thread: "t1"}, "final")
	require.True(t, ok)
	comments, _ := c.Comments("t1")
	assert.Equal(t, "final", comments[0].Message)

	require.True(t, a.DeleteComment(context.Background(), store.Comment{ID: "c2", Thread: "t1"}))
	comments, _ = c.Comments("t1")
	require.Len(t, comments, 1)
	assert.Equal(t, "c1", comments[0].ID)
	threads, _ := c.Threads("doc1")
	assert.Equal(t, 1, threads[0].CommentCount)
}

func TestToggleReaction(t *testing.T) {
	ada := store.Member{ID: "m-ada", Name: "Ada"}
	withReaction := store.Comment{
		ID:        "c1",
		Thread:    "t1",
		Reactions: []store.Reaction{{ID: "r1", Emoji: "🎉", Member: ada}},
	}
	bare := store.Comment{ID: "c1", Thread: "t1"}

	var removed string
	gw := &fakeGateway{
		addReaction: func(commentID, emoji string) (store.Comment, error) {
			return withReaction, nil
		},
		removeReaction: func(commentID, reactionID string) (store.Comment, error) {
			removed = reactionID
			return bare, nil
		},
	}
	a, c, _ := setup(gw, nil)
	defer c.Close()

	got, ok := a.ToggleReaction(context.Background(), bare, ada, "🎉")
	require.True(t, ok)
	assert.Len(t, got.Reactions, 1)

	got, ok = a.ToggleReaction(context.Background(), withReaction, ada, "🎉")
	require.True(t, ok)
	assert.Empty(t, got.Reactions)
	assert.Equal(t, "r1", removed)

	_, ok = a.ToggleReaction(context.Background(), withReaction, store.Member{ID: "m-bo"}, "🎉")
	require.True(t, ok)
	assert.Equal(t, []string{"AddReaction", "RemoveReaction", "AddReaction"}, gw.called())
}

func TestSetReporter_ReplacesFunnel(t *testing.T) {
	gw := &fakeGateway{}
	a, c, first := setup(gw, nil)
	defer c.Close()

	second := &errorSink{}
	a.SetReporter(second)
	a.RefreshThread(context.Background(), openThread("t1", 0))

	assert.Empty(t, first.errs)
	require.Len(t, second.errs, 1)
	assert.ErrorIs(t, second.errs[0], errNotStubbed)
}
