package search

import (
	"context"
	"errors"
	"testing"

	"go.uber.org/zap"
)

type stubSearcher struct {
	results []Result
	err     error
	calls   int
}

func (s *stubSearcher) Search(_ context.Context, _ Query) ([]Result, error) {
	s.calls++
	return s.results, s.err
}

func (s *stubSearcher) Healthy() bool { return true }

func TestSearchUsesFallbackWithoutMeili(t *testing.T) {
	fallback := &stubSearcher{results: []Result{{Path: "main.go", Snippet: "package main"}}}
	svc := NewService(nil, fallback, zap.NewNop())

	resp := svc.Search(context.Background(), Query{ProjectID: "prj_1", Text: "main"})
	if fallback.calls != 1 {
		t.Fatalf("expected fallback to be queried once, got %d", fallback.calls)
	}
	if len(resp.Results) != 1 || resp.Results[0].Path != "main.go" {
		t.Fatalf("unexpected results: %+v", resp.Results)
	}
}

func TestSearchEmptyQueryShortCircuits(t *testing.T) {
	fallback := &stubSearcher{}
	svc := NewService(nil, fallback, zap.NewNop())

	resp := svc.Search(context.Background(), Query{ProjectID: "prj_1", Text: "   "})
	if fallback.calls != 0 {
		t.Fatalf("expected no fallback call for empty query, got %d", fallback.calls)
	}
	if resp.Results == nil || len(resp.Results) != 0 {
		t.Fatalf("expected empty non-nil results, got %+v", resp.Results)
	}
}

func TestSearchFallbackErrorYieldsEmptyResponse(t *testing.T) {
	fallback := &stubSearcher{err: errors.New("boom")}
	svc := NewService(nil, fallback, zap.NewNop())

	resp := svc.Search(context.Background(), Query{ProjectID: "prj_1", Text: "x"})
	if len(resp.Results) != 0 {
		t.Fatalf("expected empty results on error, got %+v", resp.Results)
	}
}

func TestSnippetWindowsAroundMatch(t *testing.T) {
	contents := "aaaa needle bbbb"
	got := snippet(contents, "needle")
	if got != contents {
		t.Fatalf("short contents should be returned whole, got %q", got)
	}

	long := make([]byte, 0, 300)
	for i := 0; i < 10; i++ {
		long = append(long, []byte("0123456789012345678901234567890123456789")...)
	}
	withMatch := string(long[:200]) + "needle" + string(long[:200])
	got = snippet(withMatch, "needle")
	if len(got) > 90 {
		t.Fatalf("snippet too long: %d chars", len(got))
	}
	if got == "" {
		t.Fatal("expected non-empty snippet")
	}
}
