package feed_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"margins/internal/feed"
	"margins/internal/report"
	"margins/internal/store"
)

type recordingSink struct {
	mu  sync.Mutex
	ops []string
}

func (r *recordingSink) add(op string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ops = append(r.ops, op)
}

func (r *recordingSink) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.ops...)
}

func (r *recordingSink) InsertThreads(threads ...store.Thread) {
	for _, t := range threads {
		r.add("insert thread " + t.ID)
	}
}

func (r *recordingSink) InsertComments(comments ...store.Comment) {
	for _, c := range comments {
		r.add("insert comment " + c.ID)
	}
}

func (r *recordingSink) RemoveThread(t store.Thread)   { r.add("remove thread " + t.ID) }
func (r *recordingSink) RemoveComment(c store.Comment) { r.add("remove comment " + c.ID) }

func setupRedis(t *testing.T) (*redis.Client, *miniredis.Miniredis) {
	t.Helper()
	s := miniredis.RunT(t)
	client, err := feed.Connect(context.Background(), "redis://"+s.Addr())
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return client, s
}

func openThread(id string) store.Thread {
	return store.Thread{ID: id, Doc: "doc1", Status: store.ThreadStatus{Type: store.StatusOpen}}
}

func TestConnectRejectsBadURL(t *testing.T) {
	_, err := feed.Connect(context.Background(), "not-a-url")
	assert.Error(t, err)
}

func TestPublishedEventsReachSink(t *testing.T) {
	client, _ := setupRedis(t)
	sink := &recordingSink{}
	sub, err := feed.NewSubscriber(client, sink, feed.WithReporter(report.Discard)).Subscribe(context.Background(), "doc1")
	require.NoError(t, err)
	defer sub.Close()

	pub := feed.NewPublisher(client)
	ctx := context.Background()
	require.NoError(t, pub.Publish(ctx, feed.ThreadEvent(feed.ThreadUpserted, openThread("t1"))))
	require.NoError(t, pub.Publish(ctx, feed.CommentEvent(feed.CommentUpserted, "doc1", store.Comment{ID: "c1", Thread: "t1"})))
	require.NoError(t, pub.Publish(ctx, feed.CommentEvent(feed.CommentDeleted, "doc1", store.Comment{ID: "c1", Thread: "t1"})))
	require.NoError(t, pub.Publish(ctx, feed.ThreadEvent(feed.ThreadDeleted, openThread("t1"))))

	want := []string{"insert thread t1", "insert comment c1", "remove comment c1", "remove thread t1"}
	require.Eventually(t, func() bool { return len(sink.snapshot()) == len(want) }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, want, sink.snapshot())
}

func TestOtherDocumentsAreIgnored(t *testing.T) {
	client, _ := setupRedis(t)
	sink := &recordingSink{}
	sub, err := feed.NewSubscriber(client, sink).Subscribe(context.Background(), "doc1")
	require.NoError(t, err)
	defer sub.Close()

	pub := feed.NewPublisher(client)
	other := openThread("t9")
	other.Doc = "doc2"
	require.NoError(t, pub.Publish(context.Background(), feed.ThreadEvent(feed.ThreadUpserted, other)))
	require.NoError(t, pub.Publish(context.Background(), feed.ThreadEvent(feed.ThreadUpserted, openThread("t1"))))

	require.Eventually(t, func() bool { return len(sink.snapshot()) == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"insert thread t1"}, sink.snapshot())
}

func TestMalformedPayloadIsReported(t *testing.T) {
	client, s := setupRedis(t)
	var mu sync.Mutex
	var reported []error
	rep := report.Func(func(err error) {
		mu.Lock()
		defer mu.Unlock()
		reported = append(reported, err)
	})
	sub, err := feed.NewSubscriber(client, &recordingSink{}, feed.WithReporter(rep)).Subscribe(context.Background(), "doc1")
	require.NoError(t, err)
	defer sub.Close()

	s.Publish(feed.Channel("doc1"), "{not json")
	s.Publish(feed.Channel("doc1"), `{"type":"thread.upserted","doc":"doc1"}`)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(reported) == 2
	}, 2*time.Second, 10*time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	assert.ErrorIs(t, reported[0], feed.ErrMalformedEvent)
	assert.ErrorIs(t, reported[1], feed.ErrMalformedEvent)
}

func TestPublishValidatesEvent(t *testing.T) {
	client, _ := setupRedis(t)
	pub := feed.NewPublisher(client)

	err := pub.Publish(context.Background(), feed.Event{Type: feed.CommentUpserted, Doc: "doc1"})
	assert.ErrorIs(t, err, feed.ErrMalformedEvent)
	err = pub.Publish(context.Background(), feed.Event{Type: "thread.moved", Doc: "doc1", Thread: &store.Thread{}})
	assert.ErrorIs(t, err, feed.ErrMalformedEvent)
}

func TestCloseIsIdempotent(t *testing.T) {
	client, _ := setupRedis(t)
	sub, err := feed.NewSubscriber(client, &recordingSink{}).Subscribe(context.Background(), "doc1", "doc2")
	require.NoError(t, err)
	require.NoError(t, sub.Close())
	assert.NoError(t, sub.Close())
}
