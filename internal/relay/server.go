package relay

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"regexp"
	"strings"

	"codeloft/api/internal/auth"
	"codeloft/api/internal/store"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// ProjectStore is the slice of the document store the relay needs: existence
// checks at handshake and persisting AI-produced tree patches.
type ProjectStore interface {
	GetProjectByID(ctx context.Context, projectID string) (store.Project, error)
	MergeFileTreeKeys(ctx context.Context, projectID string, patch store.FileTree) (store.Project, error)
}

// AssistClient generates AI replies for @ai chat messages.
type AssistClient interface {
	Enabled() bool
	Generate(ctx context.Context, prompt string) (string, error)
}

// Indexer receives a project's files for search indexing after the relay
// persists an AI-produced patch.
type Indexer interface {
	IndexProject(projectID string, tree store.FileTree)
}

var projectIDPattern = regexp.MustCompile(`^prj_[0-9a-f]{32}$`)

// Server upgrades HTTP requests into relay connections.
type Server struct {
	hub      *Hub
	store    ProjectStore
	assist   AssistClient
	search   Indexer
	secret   []byte
	upgrader websocket.Upgrader
	logger   *zap.Logger
}

// AttachIndexer wires a search indexer so AI file-tree merges become
// searchable without waiting for the next manual save.
func (s *Server) AttachIndexer(idx Indexer) {
	s.search = idx
}

func NewServer(hub *Hub, projects ProjectStore, assist AssistClient, secret []byte, logger *zap.Logger) *Server {
	return &Server{
		hub:    hub,
		store:  projects,
		assist: assist,
		secret: secret,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Browser clients connect from the separately-hosted frontend;
			// auth is the bearer token, not the Origin header.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		logger: logger,
	}
}

// HandleSocket is mounted at /socket/{projectID}. All rejection happens
// before the upgrade so clients get plain HTTP status codes.
func (s *Server) HandleSocket(w http.ResponseWriter, r *http.Request, projectID string) {
	if !projectIDPattern.MatchString(projectID) {
		http.Error(w, "Project not found", http.StatusNotFound)
		return
	}
	if _, err := s.store.GetProjectByID(r.Context(), projectID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			http.Error(w, "Project not found", http.StatusNotFound)
			return
		}
		s.logger.Error("relay handshake project lookup", zap.Error(err))
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	token := bearerToken(r)
	if token == "" {
		http.Error(w, "Authentication required", http.StatusUnauthorized)
		return
	}
	claims, err := auth.Parse(s.secret, token)
	if err != nil {
		http.Error(w, "Invalid or expired token", http.StatusUnauthorized)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the error response.
		s.logger.Debug("relay upgrade failed", zap.Error(err))
		return
	}

	client := newClient(s, conn, projectID, claims)
	s.hub.add(projectID, client)

	go client.writePump()
	go client.readPump()
}

// bearerToken pulls the token from the Authorization header, or from the
// token query parameter since browser WebSocket clients cannot set headers.
func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if strings.HasPrefix(header, "Bearer ") {
		return strings.TrimPrefix(header, "Bearer ")
	}
	return r.URL.Query().Get("token")
}
