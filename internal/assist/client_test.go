package assist

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"go.uber.org/zap"
)

func TestGenerateReturnsModelText(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("key") != "test-key" {
			t.Errorf("expected api key in query, got %q", r.URL.RawQuery)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"candidates":[{"content":{"parts":[{"text":"{\"text\":\"hello\"}"}]}}]}`))
	}))
	defer upstream.Close()

	client := NewClient(upstream.URL, "test-key", zap.NewNop())
	raw, err := client.Generate(context.Background(), "say hello")
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if raw != `{"text":"hello"}` {
		t.Fatalf("unexpected raw reply: %q", raw)
	}
}

func TestGenerateMapsNonSuccessToUpstreamError(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "quota exceeded", http.StatusTooManyRequests)
	}))
	defer upstream.Close()

	client := NewClient(upstream.URL, "test-key", zap.NewNop())
	if _, err := client.Generate(context.Background(), "hi"); !errors.Is(err, ErrUpstream) {
		t.Fatalf("expected ErrUpstream, got %v", err)
	}
}

func TestGenerateWithoutKeyIsDisabled(t *testing.T) {
	client := NewClient("http://unused", "", zap.NewNop())
	if _, err := client.Generate(context.Background(), "hi"); !errors.Is(err, ErrDisabled) {
		t.Fatalf("expected ErrDisabled, got %v", err)
	}
}

func TestParseStructuredReply(t *testing.T) {
	raw := `{"text":"done","fileTree":{"main.go":{"file":{"contents":"package main"}}},"buildCommand":{"mainItem":"go","commands":["build","./..."]}}`
	result := Parse(raw)
	if result.Text != "done" {
		t.Fatalf("expected text done, got %q", result.Text)
	}
	node, ok := result.FileTree["main.go"]
	if !ok || node.File == nil || node.File.Contents != "package main" {
		t.Fatalf("unexpected file tree: %+v", result.FileTree)
	}
	if summary := result.CommandSummary(); summary != "Suggested commands:\nBuild: go build ./..." {
		t.Fatalf("unexpected command summary: %q", summary)
	}
}

func TestParseUnwrapsFencedJSON(t *testing.T) {
	raw := "```json\n{\"text\":\"fenced\"}\n```"
	result := Parse(raw)
	if result.Text != "fenced" {
		t.Fatalf("expected fenced text, got %q", result.Text)
	}
}

func TestParseFallsBackToPlainText(t *testing.T) {
	raw := "Here is some advice: use smaller functions."
	result := Parse(raw)
	if result.Text != raw {
		t.Fatalf("expected raw text passthrough, got %q", result.Text)
	}
	if result.FileTree != nil {
		t.Fatalf("expected no file tree, got %+v", result.FileTree)
	}
}

func TestParseFileTreeWithoutText(t *testing.T) {
	raw := `{"fileTree":{"a.txt":{"file":{"contents":"x"}}}}`
	result := Parse(raw)
	if result.Text == "" {
		t.Fatal("expected placeholder text for tree-only reply")
	}
	if _, ok := result.FileTree["a.txt"]; !ok {
		t.Fatalf("expected file tree entry, got %+v", result.FileTree)
	}
}
