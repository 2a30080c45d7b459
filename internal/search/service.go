package search

import (
	"context"
	"strings"

	"codeloft/api/internal/store"

	"go.uber.org/zap"
)

// Service is the facade that tries Meilisearch first and falls back to the
// Postgres scan.
type Service struct {
	meili    *Meili
	fallback Searcher
	logger   *zap.Logger
}

// NewService creates a search service. meili may be nil when Meilisearch is
// not configured.
func NewService(meili *Meili, fallback Searcher, logger *zap.Logger) *Service {
	return &Service{meili: meili, fallback: fallback, logger: logger}
}

// Search tries Meilisearch if healthy, otherwise uses the fallback scan.
func (s *Service) Search(ctx context.Context, q Query) Response {
	q.Text = strings.TrimSpace(q.Text)
	if q.Text == "" {
		return Response{Results: []Result{}, Query: q.Text}
	}

	if s.meili != nil && s.meili.Healthy() {
		results, err := s.meili.Search(ctx, q)
		if err == nil {
			return Response{Results: nonNil(results), Query: q.Text}
		}
		s.logger.Warn("meilisearch error, falling back to store scan", zap.Error(err))
	}

	results, err := s.fallback.Search(ctx, q)
	if err != nil {
		s.logger.Warn("fallback search error", zap.Error(err))
		return Response{Results: []Result{}, Query: q.Text}
	}
	return Response{Results: nonNil(results), Query: q.Text}
}

// IndexProject pushes a project's files into the index, fire-and-forget.
func (s *Service) IndexProject(projectID string, tree store.FileTree) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	go func() {
		if err := s.meili.IndexProject(projectID, tree); err != nil {
			s.logger.Warn("index project files", zap.String("project", projectID), zap.Error(err))
		}
	}()
}

func nonNil(results []Result) []Result {
	if results == nil {
		return []Result{}
	}
	return results
}

// snippet extracts a short window of contents around the first match of the
// query text, or the head of the file when the match was on the path.
func snippet(contents, query string) string {
	const window = 80
	if contents == "" {
		return ""
	}
	idx := strings.Index(strings.ToLower(contents), strings.ToLower(query))
	if idx < 0 {
		idx = 0
	}
	start := idx - window/2
	if start < 0 {
		start = 0
	}
	end := start + window
	if end > len(contents) {
		end = len(contents)
	}
	out := contents[start:end]
	if start > 0 {
		out = "…" + out
	}
	if end < len(contents) {
		out += "…"
	}
	return out
}
