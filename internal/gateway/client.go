// Package gateway is the REST client of the comment service. Client
// satisfies both cache.Gateway and actions.Gateway.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.trai.ch/zerr"

	"margins/internal/store"
)

var (
	ErrUnexpectedStatus = zerr.New("unexpected response status")
	ErrDecode           = zerr.New("decode response")
)

const (
	HeaderMemberID   = "X-Member-ID"
	HeaderMemberName = "X-Member-Name"
)

type Option func(*Client)

// WithHTTPClient replaces the default client. Its timeout is kept as is.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.http = hc
		}
	}
}

func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.http.Timeout = d
		}
	}
}

type Client struct {
	base   string
	member store.Member
	http   *http.Client
}

// New returns a client for the service at baseURL acting as member.
func New(baseURL string, member store.Member, opts ...Option) *Client {
	c := &Client{
		base:   strings.TrimRight(baseURL, "/"),
		member: member,
		http:   &http.Client{Timeout: 15 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type threadList struct {
	Threads []store.Thread `json:"threads"`
}

type commentList struct {
	Comments []store.Comment `json:"comments"`
}

func (c *Client) ListThreads(ctx context.Context, docID string) ([]store.Thread, error) {
	var out threadList
	if err := c.do(ctx, http.MethodGet, "/api/docs/"+url.PathEscape(docID)+"/threads", nil, &out); err != nil {
		return nil, zerr.With(zerr.Wrap(err, "list threads"), "doc", docID)
	}
	return out.Threads, nil
}

func (c *Client) GetThread(ctx context.Context, id string) (store.Thread, error) {
	var out store.Thread
	if err := c.do(ctx, http.MethodGet, "/api/threads/"+url.PathEscape(id), nil, &out); err != nil {
		return store.Thread{}, zerr.With(zerr.Wrap(err, "get thread"), "thread", id)
	}
	return out, out.Validate()
}

func (c *Client) CreateThread(ctx context.Context, body store.NewThread) (store.Thread, error) {
	var out store.Thread
	if err := c.do(ctx, http.MethodPost, "/api/docs/"+url.PathEscape(body.Doc)+"/threads", body, &out); err != nil {
		return store.Thread{}, zerr.With(zerr.Wrap(err, "create thread"), "doc", body.Doc)
	}
	return out, out.Validate()
}

func (c *Client) SetThreadStatus(ctx context.Context, id string, status store.StatusType) (store.Thread, error) {
	var out store.Thread
	body := map[string]store.StatusType{"status": status}
	if err := c.do(ctx, http.MethodPut, "/api/threads/"+url.PathEscape(id)+"/status", body, &out); err != nil {
		return store.Thread{}, zerr.With(zerr.Wrap(err, "set thread status"), "thread", id)
	}
	return out, out.Validate()
}

func (c *Client) DeleteThread(ctx context.Context, id string) error {
	if err := c.do(ctx, http.MethodDelete, "/api/threads/"+url.PathEscape(id), nil, nil); err != nil {
		return zerr.With(zerr.Wrap(err, "delete thread"), "thread", id)
	}
	return nil
}

func (c *Client) ListComments(ctx context.Context, threadID string) ([]store.Comment, error) {
	var out commentList
	if err := c.do(ctx, http.MethodGet, "/api/threads/"+url.PathEscape(threadID)+"/comments", nil, &out); err != nil {
		return nil, zerr.With(zerr.Wrap(err, "list comments"), "thread", threadID)
	}
	return out.Comments, nil
}

func (c *Client) CreateComment(ctx context.Context, threadID, message string) (store.Comment, error) {
	var out store.Comment
	body := map[string]string{"message": message}
	if err := c.do(ctx, http.MethodPost, "/api/threads/"+url.PathEscape(threadID)+"/comments", body, &out); err != nil {
		return store.Comment{}, zerr.With(zerr.Wrap(err, "create comment"), "thread", threadID)
	}
	return out, out.Validate()
}

func (c *Client) UpdateComment(ctx context.Context, id, message string) (store.Comment, error) {
	var out store.Comment
	body := map[string]string{"message": message}
	if err := c.do(ctx, http.MethodPatch, "/api/comments/"+url.PathEscape(id), body, &out); err != nil {
		return store.Comment{}, zerr.With(zerr.Wrap(err, "update comment"), "comment", id)
	}
	return out, out.Validate()
}

func (c *Client) DeleteComment(ctx context.Context, id string) error {
	if err := c.do(ctx, http.MethodDelete, "/api/comments/"+url.PathEscape(id), nil, nil); err != nil {
		return zerr.With(zerr.Wrap(err, "delete comment"), "comment", id)
	}
	return nil
}

func (c *Client) AddReaction(ctx context.Context, commentID, emoji string) (store.Comment, error) {
	var out store.Comment
	body := map[string]string{"emoji": emoji}
	if err := c.do(ctx, http.MethodPost, "/api/comments/"+url.PathEscape(commentID)+"/reactions", body, &out); err != nil {
		return store.Comment{}, zerr.With(zerr.Wrap(err, "add reaction"), "comment", commentID)
	}
	return out, out.Validate()
}

func (c *Client) RemoveReaction(ctx context.Context, commentID, reactionID string) (store.Comment, error) {
	var out store.Comment
	path := "/api/comments/" + url.PathEscape(commentID) + "/reactions/" + url.PathEscape(reactionID)
	if err := c.do(ctx, http.MethodDelete, path, nil, &out); err != nil {
		return store.Comment{}, zerr.With(zerr.Wrap(err, "remove reaction"), "comment", commentID)
	}
	return out, out.Validate()
}

// errorBody is the service's error envelope.
type errorBody struct {
	Code  string `json:"code"`
	Error string `json:"error"`
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return zerr.Wrap(err, "encode request")
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, reader)
	if err != nil {
		return zerr.Wrap(err, "build request")
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.member.ID != "" {
		req.Header.Set(HeaderMemberID, c.member.ID)
	}
	if c.member.Name != "" {
		req.Header.Set(HeaderMemberName, c.member.Name)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var eb errorBody
		_ = json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&eb)
		err := zerr.With(zerr.Wrap(ErrUnexpectedStatus, method+" "+path), "status", resp.StatusCode)
		if eb.Code != "" {
			err = zerr.With(err, "code", eb.Code)
		}
		if eb.Error != "" {
			err = zerr.With(err, "reason", eb.Error)
		}
		return err
	}

	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil && !errors.Is(err, io.EOF) {
		return errors.Join(ErrDecode, err)
	}
	return nil
}

// Status returns the HTTP status carried by an ErrUnexpectedStatus error,
// or 0.
func Status(err error) int {
	for err != nil {
		var ze *zerr.Error
		if !errors.As(err, &ze) {
			return 0
		}
		if v, ok := ze.Metadata()["status"].(int); ok {
			return v
		}
		err = ze.Unwrap()
	}
	return 0
}
