package search

import (
	"context"
	"log/slog"
)

// indexer is the write side of Meili.
type indexer interface {
	Searcher
	IndexComments(records ...CommentRecord) error
	DeleteComment(id string) error
}

// Service is the facade that tries Meilisearch first and falls back to the
// comment store.
type Service struct {
	meili    indexer
	fallback Searcher
	logger   *slog.Logger
}

// NewService creates a search service. meili may be nil if Meilisearch is
// not configured.
func NewService(meili *Meili, fallback Searcher, logger *slog.Logger) *Service {
	s := &Service{fallback: fallback, logger: logger}
	if meili != nil {
		s.meili = meili
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	return s
}

// Search tries Meilisearch if healthy, otherwise falls back to the store.
func (s *Service) Search(ctx context.Context, q Query) Response {
	if s.meili != nil && s.meili.Healthy() {
		results, total, err := s.meili.Search(ctx, q)
		if err == nil {
			return Response{Results: nonNil(results), Total: total, Query: q.Text}
		}
		s.logger.WarnContext(ctx, "meilisearch error, falling back", "error", err)
	}

	if s.fallback == nil {
		return Response{Results: []Result{}, Query: q.Text}
	}
	results, total, err := s.fallback.Search(ctx, q)
	if err != nil {
		s.logger.ErrorContext(ctx, "fallback search failed", "doc", q.DocID, "error", err)
		return Response{Results: []Result{}, Total: 0, Query: q.Text}
	}
	return Response{Results: nonNil(results), Total: total, Query: q.Text}
}

// IndexComment indexes a comment (fire-and-forget to Meilisearch).
func (s *Service) IndexComment(rec CommentRecord) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	go func() {
		if err := s.meili.IndexComments(rec); err != nil {
			s.logger.Warn("index comment", "comment", rec.ID, "error", err)
		}
	}()
}

// DeleteComments removes comments from the index (fire-and-forget).
func (s *Service) DeleteComments(ids ...string) {
	if s.meili == nil || !s.meili.Healthy() || len(ids) == 0 {
		return
	}
	go func() {
		for _, id := range ids {
			if err := s.meili.DeleteComment(id); err != nil {
				s.logger.Warn("delete comment from index", "comment", id, "error", err)
			}
		}
	}()
}

func nonNil(r []Result) []Result {
	if r == nil {
		return []Result{}
	}
	return r
}
