package commands_test

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"margins/cmd/margins/commands"
	"margins/internal/config"
)

const threadsBody = `{"threads":[
 {"id":"thr-1","doc":"doc1","status":{"type":"open"},"commentCount":2,
  "initialComment":{"id":"c1","thread":"thr-1","author":{"id":"m-ana","name":"Ana"},"message":"fix this typo"},
  "contributors":[{"id":"m-ana"}],"lastCommentTime":"2026-03-01T10:00:00Z"},
 {"id":"thr-2","doc":"doc1","status":{"type":"closed"},"commentCount":1,
  "initialComment":{"id":"c2","thread":"thr-2","author":{"id":"m-bob","name":"Bob"},"message":"done already"},
  "contributors":[{"id":"m-bob"}]},
 {"id":"thr-3","doc":"doc1","status":{"type":"open"},"commentCount":0,"contributors":[{"id":"m-bob"}]}
]}`

func newCLI(t *testing.T, handler http.HandlerFunc, memberID string) (*commands.CLI, *bytes.Buffer) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	cli := commands.New(config.Config{
		APIURL:      srv.URL,
		MemberID:    memberID,
		HTTPTimeout: 2 * time.Second,
		LogLevel:    "error",
	})
	out := new(bytes.Buffer)
	cli.SetOutput(out, new(bytes.Buffer))
	return cli, out
}

func threadsHandler(t *testing.T) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/docs/doc1/threads", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(threadsBody))
	}
}

func TestCommands_Threads(t *testing.T) {
	t.Run("lists every thread", func(t *testing.T) {
		cli, out := newCLI(t, threadsHandler(t), "m-ana")
		cli.SetArgs([]string{"threads", "--doc", "doc1"})

		require.NoError(t, cli.Execute(context.Background()))
		assert.Contains(t, out.String(), "ID")
		assert.Contains(t, out.String(), "thr-1")
		assert.Contains(t, out.String(), "thr-2")
		assert.Contains(t, out.String(), "thr-3")
		assert.Contains(t, out.String(), "fix this typo")
	})

	t.Run("combines filters", func(t *testing.T) {
		cli, out := newCLI(t, threadsHandler(t), "m-bob")
		cli.SetArgs([]string{"threads", "--doc", "doc1", "--open", "--mine"})

		require.NoError(t, cli.Execute(context.Background()))
		assert.Contains(t, out.String(), "thr-3")
		assert.NotContains(t, out.String(), "thr-1")
		assert.NotContains(t, out.String(), "thr-2")
	})

	t.Run("reports gateway failures", func(t *testing.T) {
		cli, _ := newCLI(t, func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusInternalServerError)
			_, _ = w.Write([]byte(`{"code":"INTERNAL","error":"internal server error"}`))
		}, "m-ana")
		cli.SetArgs([]string{"threads", "--doc", "doc1"})

		err := cli.Execute(context.Background())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "load threads")
	})

	t.Run("skips malformed threads", func(t *testing.T) {
		cli, out := newCLI(t, func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"threads":[
 {"id":"thr-1","doc":"doc1","status":{"type":"open"},"commentCount":0},
 {"id":"thr-bad","doc":"doc1","status":{"type":"bogus"},"commentCount":0}
]}`))
		}, "m-ana")
		cli.SetArgs([]string{"threads", "--doc", "doc1"})

		require.NoError(t, cli.Execute(context.Background()))
		assert.Contains(t, out.String(), "thr-1")
		assert.NotContains(t, out.String(), "thr-bad")
	})

	t.Run("requires a document", func(t *testing.T) {
		cli, _ := newCLI(t, func(http.ResponseWriter, *http.Request) {
			t.Error("no request expected")
		}, "m-ana")
		cli.SetArgs([]string{"threads"})

		err := cli.Execute(context.Background())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "--doc")
	})
}

func TestCommands_WatchStopsWithContext(t *testing.T) {
	cli, _ := newCLI(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if r.URL.Path == "/api/threads/thr-1/comments" {
			_, _ = w.Write([]byte(`{"comments":[{"id":"c1","thread":"thr-1","author":{"id":"m-ana"},"message":"fix this typo"}]}`))
			return
		}
		_, _ = w.Write([]byte(threadsBody))
	}, "m-ana")
	cli.SetArgs([]string{"watch", "--doc", "doc1", "--thread", "thr-1"})

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	require.NoError(t, cli.Execute(ctx))
}
