package search

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"codeloft/api/internal/store"

	meili "github.com/meilisearch/meilisearch-go"
	"go.uber.org/zap"
)

const idxFiles = "codeloft_files"

type fileRecord struct {
	ID        string `json:"id"`
	ProjectID string `json:"projectId"`
	Path      string `json:"path"`
	Contents  string `json:"contents"`
}

// Meili implements Searcher and Indexer via Meilisearch.
type Meili struct {
	client  meili.ServiceManager
	healthy atomic.Bool
	done    chan struct{}
	logger  *zap.Logger
}

// NewMeili creates a Meilisearch client and configures the files index. The
// caller proceeds without it when the instance is unreachable; a background
// loop re-checks health.
func NewMeili(url, apiKey string, logger *zap.Logger) *Meili {
	client := meili.New(url, meili.WithAPIKey(apiKey))

	m := &Meili{
		client: client,
		done:   make(chan struct{}),
		logger: logger,
	}

	if _, err := client.Health(); err != nil {
		logger.Warn("meilisearch unavailable", zap.String("url", url), zap.Error(err))
		m.healthy.Store(false)
	} else {
		m.healthy.Store(true)
		m.configureIndex()
	}

	go m.healthLoop()
	return m
}

func (m *Meili) configureIndex() {
	if _, err := m.client.CreateIndex(&meili.IndexConfig{
		Uid:        idxFiles,
		PrimaryKey: "id",
	}); err != nil {
		m.logger.Debug("create files index (may already exist)", zap.Error(err))
	}

	index := m.client.Index(idxFiles)
	filterable := []interface{}{"projectId"}
	if _, err := index.UpdateFilterableAttributes(&filterable); err != nil {
		m.logger.Warn("update filterable attributes", zap.Error(err))
	}
	searchable := []string{"path", "contents"}
	if _, err := index.UpdateSearchableAttributes(&searchable); err != nil {
		m.logger.Warn("update searchable attributes", zap.Error(err))
	}
}

func (m *Meili) healthLoop() {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			_, err := m.client.Health()
			wasHealthy := m.healthy.Load()
			m.healthy.Store(err == nil)
			if err == nil && !wasHealthy {
				m.logger.Info("meilisearch recovered, reconfiguring index")
				m.configureIndex()
			}
		}
	}
}

// Close stops the background health monitor.
func (m *Meili) Close() {
	close(m.done)
}

// Healthy reports the last observed health state.
func (m *Meili) Healthy() bool {
	return m.healthy.Load()
}

// IndexProject replaces the indexed records for a project with the given
// tree's files.
func (m *Meili) IndexProject(projectID string, tree store.FileTree) error {
	index := m.client.Index(idxFiles)

	if _, err := index.DeleteDocumentsByFilter(fmt.Sprintf("projectId = %q", projectID), nil); err != nil {
		return fmt.Errorf("clear project index: %w", err)
	}

	records := make([]fileRecord, 0, len(tree))
	for path, node := range tree {
		if node.File == nil {
			continue
		}
		records = append(records, fileRecord{
			ID:        recordID(projectID, path),
			ProjectID: projectID,
			Path:      path,
			Contents:  node.File.Contents,
		})
	}
	if len(records) == 0 {
		return nil
	}
	if _, err := index.AddDocuments(records, nil); err != nil {
		return fmt.Errorf("index project files: %w", err)
	}
	return nil
}

// Search queries the files index scoped to one project.
func (m *Meili) Search(_ context.Context, q Query) ([]Result, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = 20
	}

	resp, err := m.client.Index(idxFiles).Search(q.Text, &meili.SearchRequest{
		Filter: fmt.Sprintf("projectId = %q", q.ProjectID),
		Limit:  int64(limit),
	})
	if err != nil {
		return nil, fmt.Errorf("meilisearch query: %w", err)
	}

	results := make([]Result, 0, len(resp.Hits))
	for _, hit := range resp.Hits {
		path := decodeString(hit, "path")
		contents := decodeString(hit, "contents")
		results = append(results, Result{
			Path:    path,
			Snippet: snippet(contents, q.Text),
		})
	}
	return results, nil
}

func decodeString(hit meili.Hit, key string) string {
	raw, ok := hit[key]
	if !ok {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return ""
}

func recordID(projectID, path string) string {
	sum := sha1.Sum([]byte(projectID + "\x00" + path))
	return hex.EncodeToString(sum[:])
}
