// Package search indexes and queries project file contents. Meilisearch is
// used when configured, with a Postgres scan as the fallback.
package search

import (
	"context"

	"codeloft/api/internal/store"
)

// Result is a single file hit returned to the caller.
type Result struct {
	Path    string `json:"path"`
	Snippet string `json:"snippet"`
}

// Query describes a search request, always scoped to one project.
type Query struct {
	ProjectID string
	Text      string
	Limit     int
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Query   string   `json:"query"`
}

// Searcher can execute a file-content search.
type Searcher interface {
	Search(ctx context.Context, q Query) ([]Result, error)
	Healthy() bool
}

// Indexer can push a project's files into a search index.
type Indexer interface {
	IndexProject(projectID string, tree store.FileTree) error
}
