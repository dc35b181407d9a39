// Package search finds comments of a document. Meilisearch serves queries
// when it is reachable; the comment store's own search covers the rest.
package search

import (
	"context"
	"time"

	"margins/internal/store"
)

// Result is a single search hit returned to the caller.
type Result struct {
	CommentID string    `json:"commentId"`
	ThreadID  string    `json:"threadId"`
	DocID     string    `json:"docId"`
	Author    string    `json:"author"`
	Snippet   string    `json:"snippet"`
	CreatedAt time.Time `json:"createdAt"`
}

// Query describes a search request.
type Query struct {
	DocID  string
	Text   string
	Limit  int
	Offset int
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
}

// Searcher can execute a full-text search.
type Searcher interface {
	Search(ctx context.Context, q Query) ([]Result, int, error)
	Healthy() bool
}

// CommentRecord is the data we index for a comment.
type CommentRecord struct {
	ID         string `json:"id"`
	ThreadID   string `json:"thread"`
	DocID      string `json:"doc"`
	Message    string `json:"message"`
	AuthorID   string `json:"authorId"`
	AuthorName string `json:"authorName"`
	CreatedAt  int64  `json:"createdAt"`
}

// RecordFor builds the index record of c, which lives in docID.
func RecordFor(docID string, c store.Comment) CommentRecord {
	return CommentRecord{
		ID:         c.ID,
		ThreadID:   c.Thread,
		DocID:      docID,
		Message:    c.Message,
		AuthorID:   c.Author.ID,
		AuthorName: c.Author.Name,
		CreatedAt:  c.CreatedAt.Unix(),
	}
}
