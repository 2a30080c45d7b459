package relay

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"codeloft/api/internal/auth"
	"codeloft/api/internal/store"
	"codeloft/api/internal/util"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var testSecret = []byte("relay-test-secret")

type fakeProjects struct {
	mu     sync.Mutex
	getFn  func(ctx context.Context, projectID string) (store.Project, error)
	merged []store.FileTree
}

func (f *fakeProjects) GetProjectByID(ctx context.Context, projectID string) (store.Project, error) {
	if f.getFn != nil {
		return f.getFn(ctx, projectID)
	}
	return store.Project{ID: projectID}, nil
}

func (f *fakeProjects) MergeFileTreeKeys(ctx context.Context, projectID string, patch store.FileTree) (store.Project, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.merged = append(f.merged, patch)
	return store.Project{ID: projectID, FileTree: patch}, nil
}

func (f *fakeProjects) mergeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.merged)
}

type fakeIndexer struct {
	mu      sync.Mutex
	indexed []store.FileTree
}

func (f *fakeIndexer) IndexProject(_ string, tree store.FileTree) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.indexed = append(f.indexed, tree)
}

func (f *fakeIndexer) trees() []store.FileTree {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]store.FileTree(nil), f.indexed...)
}

type fakeAssist struct {
	generateFn func(ctx context.Context, prompt string) (string, error)
}

func (f *fakeAssist) Enabled() bool { return true }

func (f *fakeAssist) Generate(ctx context.Context, prompt string) (string, error) {
	if f.generateFn != nil {
		return f.generateFn(ctx, prompt)
	}
	return `{"text":"done"}`, nil
}

func newTestServer(t *testing.T, projects ProjectStore, assist AssistClient) (*Server, *httptest.Server) {
	t.Helper()
	hub := NewHub(zap.NewNop())
	srv := NewServer(hub, projects, assist, testSecret, zap.NewNop())
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		projectID := strings.TrimPrefix(r.URL.Path, "/socket/")
		srv.HandleSocket(w, r, projectID)
	}))
	t.Cleanup(ts.Close)
	return srv, ts
}

// readResult is one frame (or terminal error) pulled off a test connection
// by its reader pump. Reads go through a pump because a gorilla read
// deadline error is sticky and would poison the connection for later reads.
type readResult struct {
	data []byte
	err  error
}

var (
	readersMu sync.Mutex
	readers   = map[*websocket.Conn]chan readResult{}
)

func readerFor(t *testing.T, conn *websocket.Conn) chan readResult {
	t.Helper()
	readersMu.Lock()
	defer readersMu.Unlock()
	ch, ok := readers[conn]
	if !ok {
		t.Fatalf("no reader pump for connection")
	}
	return ch
}

func dial(t *testing.T, ts *httptest.Server, projectID, token string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/socket/" + projectID
	if token != "" {
		url += "?token=" + token
	}
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", projectID, err)
	}
	ch := make(chan readResult, 64)
	readersMu.Lock()
	readers[conn] = ch
	readersMu.Unlock()
	go func() {
		for {
			_, raw, err := conn.ReadMessage()
			if err != nil {
				ch <- readResult{err: err}
				return
			}
			ch <- readResult{data: raw}
		}
	}()
	t.Cleanup(func() {
		_ = conn.Close()
		readersMu.Lock()
		delete(readers, conn)
		readersMu.Unlock()
	})
	return conn
}

func issueToken(t *testing.T, name string) string {
	t.Helper()
	token, err := auth.Issue(testSecret, auth.Identity{
		UserID: util.NewID("usr"),
		Email:  name + "@example.com",
		Name:   name,
	})
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	return token
}

func sendEvent(t *testing.T, conn *websocket.Conn, event EventName, payload any) {
	t.Helper()
	frame, err := encodeEvent(event, payload)
	if err != nil {
		t.Fatalf("encode %s: %v", event, err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		t.Fatalf("write %s: %v", event, err)
	}
}

func readEvent(t *testing.T, conn *websocket.Conn) Envelope {
	t.Helper()
	select {
	case res := <-readerFor(t, conn):
		if res.err != nil {
			t.Fatalf("read event: %v", res.err)
		}
		var envelope Envelope
		if err := json.Unmarshal(res.data, &envelope); err != nil {
			t.Fatalf("decode event: %v", err)
		}
		return envelope
	case <-time.After(2 * time.Second):
		t.Fatalf("read event: timed out")
	}
	return Envelope{}
}

func expectSilence(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	select {
	case res := <-readerFor(t, conn):
		if res.err == nil {
			t.Fatalf("expected no event, got %s", res.data)
		}
	case <-time.After(200 * time.Millisecond):
	}
}

func TestHandshakeRejections(t *testing.T) {
	projects := &fakeProjects{
		getFn: func(_ context.Context, projectID string) (store.Project, error) {
			if strings.HasSuffix(projectID, "00000000000000000000000000000000") {
				return store.Project{}, sql.ErrNoRows
			}
			return store.Project{ID: projectID}, nil
		},
	}
	_, ts := newTestServer(t, projects, &fakeAssist{})
	goodID := "prj_" + strings.Repeat("ab", 16)
	token := issueToken(t, "alice")

	tests := []struct {
		name   string
		path   string
		query  string
		status int
	}{
		{"malformed project id", "/socket/not-a-project", "?token=" + token, http.StatusNotFound},
		{"unknown project", "/socket/prj_" + strings.Repeat("0", 32), "?token=" + token, http.StatusNotFound},
		{"missing token", "/socket/" + goodID, "", http.StatusUnauthorized},
		{"invalid token", "/socket/" + goodID, "?token=garbage", http.StatusUnauthorized},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			resp, err := http.Get(ts.URL + tc.path + tc.query)
			if err != nil {
				t.Fatalf("request: %v", err)
			}
			defer resp.Body.Close()
			if resp.StatusCode != tc.status {
				t.Fatalf("status = %d, want %d", resp.StatusCode, tc.status)
			}
		})
	}
}

func TestJoinAnnouncesToOthersOnly(t *testing.T) {
	_, ts := newTestServer(t, &fakeProjects{}, &fakeAssist{})
	roomID := util.NewID("prj")

	a := dial(t, ts, roomID, issueToken(t, "alice"))
	b := dial(t, ts, roomID, issueToken(t, "bob"))
	time.Sleep(50 * time.Millisecond)

	sendEvent(t, a, EventJoinProject, JoinPayload{Email: "alice@example.com", Username: "alice"})

	got := readEvent(t, b)
	if got.Event != EventCollaboratorJoined {
		t.Fatalf("event = %s, want %s", got.Event, EventCollaboratorJoined)
	}
	var presence PresencePayload
	if err := json.Unmarshal(got.Data, &presence); err != nil {
		t.Fatalf("decode presence: %v", err)
	}
	if presence.Sender != "alice@example.com" || presence.Username != "alice" {
		t.Fatalf("presence = %+v", presence)
	}
	expectSilence(t, a)
}

func TestChatFansOutToOthers(t *testing.T) {
	_, ts := newTestServer(t, &fakeProjects{}, &fakeAssist{})
	roomID := util.NewID("prj")

	a := dial(t, ts, roomID, issueToken(t, "alice"))
	b := dial(t, ts, roomID, issueToken(t, "bob"))
	c := dial(t, ts, roomID, issueToken(t, "carol"))
	time.Sleep(50 * time.Millisecond)

	sendEvent(t, a, EventProjectMessage, ChatPayload{
		Message: "hello room",
		Sender:  Sender{ID: "u1", Email: "alice@example.com"},
	})

	for _, conn := range []*websocket.Conn{b, c} {
		got := readEvent(t, conn)
		if got.Event != EventProjectMessage {
			t.Fatalf("event = %s, want %s", got.Event, EventProjectMessage)
		}
		var chat ChatPayload
		if err := json.Unmarshal(got.Data, &chat); err != nil {
			t.Fatalf("decode chat: %v", err)
		}
		if chat.Message != "hello room" {
			t.Fatalf("message = %q", chat.Message)
		}
	}
	expectSilence(t, a)
}

func TestMalformedFrameDropsEventNotConnection(t *testing.T) {
	_, ts := newTestServer(t, &fakeProjects{}, &fakeAssist{})
	roomID := util.NewID("prj")

	a := dial(t, ts, roomID, issueToken(t, "alice"))
	b := dial(t, ts, roomID, issueToken(t, "bob"))
	time.Sleep(50 * time.Millisecond)

	if err := a.WriteMessage(websocket.TextMessage, []byte("{not json")); err != nil {
		t.Fatalf("write malformed: %v", err)
	}
	// Missing required field.
	sendEvent(t, a, EventTyping, TypingPayload{})
	expectSilence(t, b)

	sendEvent(t, a, EventTyping, TypingPayload{Sender: "alice@example.com"})
	got := readEvent(t, b)
	if got.Event != EventTyping {
		t.Fatalf("event = %s, want %s", got.Event, EventTyping)
	}
}

func TestLeaveAndDisconnectAnnounceOnce(t *testing.T) {
	_, ts := newTestServer(t, &fakeProjects{}, &fakeAssist{})
	roomID := util.NewID("prj")

	a := dial(t, ts, roomID, issueToken(t, "alice"))
	b := dial(t, ts, roomID, issueToken(t, "bob"))
	c := dial(t, ts, roomID, issueToken(t, "carol"))
	time.Sleep(50 * time.Millisecond)

	// Explicit leave, then the socket closing must not announce again.
	sendEvent(t, a, EventLeaveProject, LeavePayload{Sender: "alice@example.com", Username: "alice"})
	got := readEvent(t, b)
	if got.Event != EventCollaboratorLeft {
		t.Fatalf("event = %s, want %s", got.Event, EventCollaboratorLeft)
	}
	_ = readEvent(t, c)
	_ = a.Close()
	expectSilence(t, b)

	// A plain disconnect announces exactly once.
	_ = c.Close()
	got = readEvent(t, b)
	if got.Event != EventCollaboratorLeft {
		t.Fatalf("event = %s, want %s", got.Event, EventCollaboratorLeft)
	}
	var presence PresencePayload
	if err := json.Unmarshal(got.Data, &presence); err != nil {
		t.Fatalf("decode presence: %v", err)
	}
	if presence.Sender != "carol@example.com" {
		t.Fatalf("sender = %q", presence.Sender)
	}
}

func TestCursorNullPositionForwardedUnchanged(t *testing.T) {
	_, ts := newTestServer(t, &fakeProjects{}, &fakeAssist{})
	roomID := util.NewID("prj")

	a := dial(t, ts, roomID, issueToken(t, "alice"))
	b := dial(t, ts, roomID, issueToken(t, "bob"))
	time.Sleep(50 * time.Millisecond)

	sendEvent(t, a, EventCursorUpdate, CursorPayload{
		Sender:   "alice@example.com",
		Position: json.RawMessage("null"),
	})

	got := readEvent(t, b)
	if got.Event != EventCursorUpdate {
		t.Fatalf("event = %s, want %s", got.Event, EventCursorUpdate)
	}
	if !strings.Contains(string(got.Data), `"position":null`) {
		t.Fatalf("null position not preserved: %s", got.Data)
	}
}

func TestAssistTriggerBroadcastsToEveryone(t *testing.T) {
	projects := &fakeProjects{}
	assist := &fakeAssist{
		generateFn: func(_ context.Context, prompt string) (string, error) {
			if prompt != "build a todo app" {
				return "", fmt.Errorf("unexpected prompt %q", prompt)
			}
			return `{"text":"Here you go.","fileTree":{"index.js":{"file":{"contents":"console.log(1)"}}},"buildCommand":{"mainItem":"npm","commands":["install"]},"startCommand":{"mainItem":"npm","commands":["start"]}}`, nil
		},
	}
	srv, ts := newTestServer(t, projects, assist)
	indexer := &fakeIndexer{}
	srv.AttachIndexer(indexer)
	roomID := util.NewID("prj")

	a := dial(t, ts, roomID, issueToken(t, "alice"))
	b := dial(t, ts, roomID, issueToken(t, "bob"))
	time.Sleep(50 * time.Millisecond)

	sendEvent(t, a, EventProjectMessage, ChatPayload{
		Message: "@ai build a todo app",
		Sender:  Sender{ID: "u1", Email: "alice@example.com"},
	})

	// B sees the human message first, then the AI sequence.
	if got := readEvent(t, b); got.Event != EventProjectMessage {
		t.Fatalf("event = %s, want %s", got.Event, EventProjectMessage)
	}

	// Both connections, including the sender, see reply, tree, commands.
	for _, conn := range []*websocket.Conn{a, b} {
		reply := readEvent(t, conn)
		if reply.Event != EventProjectMessage {
			t.Fatalf("event = %s, want %s", reply.Event, EventProjectMessage)
		}
		var chat ChatPayload
		if err := json.Unmarshal(reply.Data, &chat); err != nil {
			t.Fatalf("decode chat: %v", err)
		}
		if chat.Sender.ID != "ai" || chat.Message != "Here you go." {
			t.Fatalf("reply = %+v", chat)
		}

		update := readEvent(t, conn)
		if update.Event != EventProjectUpdate {
			t.Fatalf("event = %s, want %s", update.Event, EventProjectUpdate)
		}
		var tree TreePayload
		if err := json.Unmarshal(update.Data, &tree); err != nil {
			t.Fatalf("decode tree: %v", err)
		}
		if tree.Sender == nil || tree.Sender.ID != "ai" {
			t.Fatalf("tree sender = %+v", tree.Sender)
		}
		if _, ok := tree.FileTree["index.js"]; !ok {
			t.Fatalf("tree missing index.js: %+v", tree.FileTree)
		}

		commands := readEvent(t, conn)
		var summary ChatPayload
		if err := json.Unmarshal(commands.Data, &summary); err != nil {
			t.Fatalf("decode summary: %v", err)
		}
		if !strings.Contains(summary.Message, "npm install") || !strings.Contains(summary.Message, "npm start") {
			t.Fatalf("summary = %q", summary.Message)
		}
	}

	if projects.mergeCount() != 1 {
		t.Fatalf("merge calls = %d, want 1", projects.mergeCount())
	}

	// The merged tree is reindexed so the new files are searchable right away.
	indexed := indexer.trees()
	if len(indexed) != 1 {
		t.Fatalf("index calls = %d, want 1", len(indexed))
	}
	if _, ok := indexed[0]["index.js"]; !ok {
		t.Fatalf("indexed tree missing index.js: %+v", indexed[0])
	}
}

func TestAssistFailureSendsFallbackToRoom(t *testing.T) {
	assist := &fakeAssist{
		generateFn: func(context.Context, string) (string, error) {
			return "", fmt.Errorf("upstream down")
		},
	}
	projects := &fakeProjects{}
	_, ts := newTestServer(t, projects, assist)
	roomID := util.NewID("prj")

	a := dial(t, ts, roomID, issueToken(t, "alice"))
	time.Sleep(50 * time.Millisecond)

	sendEvent(t, a, EventProjectMessage, ChatPayload{
		Message: "@ai anything",
		Sender:  Sender{ID: "u1", Email: "alice@example.com"},
	})

	got := readEvent(t, a)
	var chat ChatPayload
	if err := json.Unmarshal(got.Data, &chat); err != nil {
		t.Fatalf("decode chat: %v", err)
	}
	if chat.Sender.ID != "ai" {
		t.Fatalf("fallback sender = %+v", chat.Sender)
	}
	want := "I encountered an error while processing your request. Please check my API key configuration."
	if chat.Message != want {
		t.Fatalf("fallback message = %q, want %q", chat.Message, want)
	}
	expectSilence(t, a)
	if projects.mergeCount() != 0 {
		t.Fatalf("merge calls = %d, want 0", projects.mergeCount())
	}
}
