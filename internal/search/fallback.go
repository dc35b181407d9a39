package search

import (
	"context"
	"strings"

	"margins/internal/store"
)

// commentSearcher is implemented by *store.PostgresStore.
type commentSearcher interface {
	SearchComments(ctx context.Context, docID, query string, limit int) ([]store.Comment, error)
}

// Fallback searches comments directly in the comment store.
type Fallback struct {
	store commentSearcher
}

func NewFallback(s commentSearcher) *Fallback {
	return &Fallback{store: s}
}

// Healthy always returns true; if the store is down the service is down.
func (f *Fallback) Healthy() bool {
	return true
}

func (f *Fallback) Search(ctx context.Context, q Query) ([]Result, int, error) {
	if strings.TrimSpace(q.Text) == "" {
		return nil, 0, nil
	}
	limit := q.Limit
	if limit <= 0 {
		limit = 20
	}
	offset := max(q.Offset, 0)

	comments, err := f.store.SearchComments(ctx, q.DocID, q.Text, limit+offset)
	if err != nil {
		return nil, 0, err
	}
	if offset >= len(comments) {
		return nil, len(comments), nil
	}
	results := make([]Result, 0, len(comments)-offset)
	for _, c := range comments[offset:] {
		results = append(results, Result{
			CommentID: c.ID,
			ThreadID:  c.Thread,
			DocID:     q.DocID,
			Author:    c.Author.Name,
			Snippet:   snippet(c.Message, q.Text),
			CreatedAt: c.CreatedAt,
		})
	}
	return results, len(comments), nil
}

// snippet marks the first case-insensitive match of term in message.
func snippet(message, term string) string {
	i := strings.Index(strings.ToLower(message), strings.ToLower(term))
	end := i + len(term)
	if i < 0 || term == "" || end > len(message) {
		return message
	}
	return message[:i] + "<mark>" + message[i:end] + "</mark>" + message[end:]
}
