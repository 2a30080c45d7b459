package search

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// PgScan implements Searcher by scanning the project's JSONB file tree
// directly. It is the fallback when Meilisearch is not configured.
type PgScan struct {
	db *sql.DB
}

func NewPgScan(db *sql.DB) *PgScan {
	return &PgScan{db: db}
}

// Healthy always returns true: if Postgres is down, the whole app is down.
func (p *PgScan) Healthy() bool {
	return true
}

// Search matches the query text against file paths and contents with a
// case-insensitive substring scan.
func (p *PgScan) Search(ctx context.Context, q Query) ([]Result, error) {
	if strings.TrimSpace(q.Text) == "" {
		return nil, nil
	}
	limit := q.Limit
	if limit <= 0 {
		limit = 20
	}

	rows, err := p.db.QueryContext(ctx, `
		SELECT entry.key, COALESCE(entry.value->'file'->>'contents', '')
		FROM projects p, jsonb_each(p.file_tree) AS entry
		WHERE p.id = $1
		  AND (entry.key ILIKE '%' || $2 || '%'
		       OR entry.value->'file'->>'contents' ILIKE '%' || $2 || '%')
		ORDER BY entry.key
		LIMIT $3
	`, q.ProjectID, q.Text, limit)
	if err != nil {
		return nil, fmt.Errorf("scan file tree: %w", err)
	}
	defer rows.Close()

	results := make([]Result, 0)
	for rows.Next() {
		var path, contents string
		if err := rows.Scan(&path, &contents); err != nil {
			return nil, fmt.Errorf("scan search row: %w", err)
		}
		results = append(results, Result{Path: path, Snippet: snippet(contents, q.Text)})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate search rows: %w", err)
	}
	return results, nil
}
