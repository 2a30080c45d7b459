package app

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"runtime/debug"
	"strings"
	"time"

	"codeloft/api/internal/store"
	"codeloft/api/internal/util"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"go.uber.org/zap"
)

// SocketHandler upgrades a request into a relay connection for a project
// room. Satisfied by relay.Server.
type SocketHandler interface {
	HandleSocket(w http.ResponseWriter, r *http.Request, projectID string)
}

type HTTPServer struct {
	service    *Service
	sockets    SocketHandler
	corsOrigin string
	logger     *zap.Logger
}

func NewHTTPServer(service *Service, sockets SocketHandler, corsOrigin string, logger *zap.Logger) *HTTPServer {
	return &HTTPServer{service: service, sockets: sockets, corsOrigin: corsOrigin, logger: logger}
}

func (s *HTTPServer) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{s.corsOrigin},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "Authorization", "X-Request-ID"},
		AllowCredentials: true,
	}))
	r.Use(s.requestLogger)

	r.Get("/health", s.handleHealth)

	r.Route("/users", func(r chi.Router) {
		r.Post("/register", s.handleRegister)
		r.Post("/login", s.handleLogin)
		r.Get("/profile", s.withSession(s.handleProfile))
		r.Get("/all", s.withSession(s.handleAllUsers))
	})

	r.Route("/projects", func(r chi.Router) {
		r.Post("/create", s.withSession(s.handleCreateProject))
		r.Get("/all", s.withSession(s.handleListProjects))
		r.Put("/add-user", s.withSession(s.handleAddUsers))
		r.Put("/update-file-tree", s.withSession(s.handleUpdateFileTree))
		r.Get("/{projectId}/search", s.withSession(s.handleSearch))
		r.Get("/{projectId}", s.withSession(s.handleGetProject))
	})

	r.Route("/collaboration", func(r chi.Router) {
		r.Post("/projects/{projectId}/invite", s.withSession(s.handleInvite))
		r.Get("/notifications", s.withSession(s.handleNotifications))
		r.Post("/notifications/{requestId}/respond", s.withSession(s.handleRespond))
	})

	r.Post("/ai/get-result", s.withSession(s.handleAIResult))

	if s.sockets != nil {
		r.Get("/socket/{projectId}", func(w http.ResponseWriter, r *http.Request) {
			s.sockets.HandleSocket(w, r, chi.URLParam(r, "projectId"))
		})
		// Clients may also carry the project id as a query parameter.
		r.Get("/socket", func(w http.ResponseWriter, r *http.Request) {
			s.sockets.HandleSocket(w, r, r.URL.Query().Get("projectId"))
		})
	}

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		s.writeFail(w, r, http.StatusNotFound, "Not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		s.writeFail(w, r, http.StatusMethodNotAllowed, "Method not allowed")
	})

	return r
}

// Response DTOs. Store types carry no wire tags; the HTTP layer owns the
// JSON shapes.

type userDTO struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Email     string    `json:"email"`
	CreatedAt time.Time `json:"createdAt"`
}

func toUserDTO(u store.User) userDTO {
	return userDTO{ID: u.ID, Name: u.Name, Email: u.Email, CreatedAt: u.CreatedAt}
}

type projectDTO struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Users     []string       `json:"users"`
	Members   []userDTO      `json:"members,omitempty"`
	FileTree  store.FileTree `json:"fileTree"`
	CreatedAt time.Time      `json:"createdAt"`
}

func toProjectDTO(p store.Project) projectDTO {
	dto := projectDTO{
		ID:        p.ID,
		Name:      p.Name,
		Users:     p.MemberIDs,
		FileTree:  p.FileTree,
		CreatedAt: p.CreatedAt,
	}
	if dto.Users == nil {
		dto.Users = []string{}
	}
	if dto.FileTree == nil {
		dto.FileTree = store.FileTree{}
	}
	for _, member := range p.Members {
		dto.Members = append(dto.Members, toUserDTO(member))
	}
	return dto
}

type inviteDTO struct {
	ID          string     `json:"id"`
	ProjectID   string     `json:"projectId"`
	SenderID    string     `json:"senderId"`
	ReceiverID  string     `json:"receiverId"`
	Status      string     `json:"status"`
	ProjectName string     `json:"projectName,omitempty"`
	SenderEmail string     `json:"senderEmail,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
	ResolvedAt  *time.Time `json:"resolvedAt,omitempty"`
}

func toInviteDTO(i store.Invite) inviteDTO {
	return inviteDTO{
		ID:          i.ID,
		ProjectID:   i.ProjectID,
		SenderID:    i.SenderID,
		ReceiverID:  i.ReceiverID,
		Status:      string(i.Status),
		ProjectName: i.ProjectName,
		SenderEmail: i.SenderEmail,
		CreatedAt:   i.CreatedAt,
		ResolvedAt:  i.ResolvedAt,
	}
}

// Handlers.

func (s *HTTPServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()
	if err := s.service.Ping(ctx); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status":   "error",
			"database": "unreachable",
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "success",
		"database": "ok",
	})
}

func (s *HTTPServer) handleRegister(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Name     string `json:"name"`
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := decodeBody(r, &body); err != nil {
		s.writeFail(w, r, http.StatusBadRequest, err.Error())
		return
	}
	user, token, err := s.service.Register(r.Context(), body.Name, body.Email, body.Password)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"status": "success",
		"user":   toUserDTO(user),
		"token":  token,
	})
}

func (s *HTTPServer) handleLogin(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := decodeBody(r, &body); err != nil {
		s.writeFail(w, r, http.StatusBadRequest, err.Error())
		return
	}
	user, token, err := s.service.Login(r.Context(), body.Email, body.Password)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "success",
		"user":   toUserDTO(user),
		"token":  token,
	})
}

func (s *HTTPServer) handleProfile(w http.ResponseWriter, r *http.Request, session Session) {
	user, err := s.service.Profile(r.Context(), session)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "success",
		"user":   toUserDTO(user),
	})
}

func (s *HTTPServer) handleAllUsers(w http.ResponseWriter, r *http.Request, session Session) {
	users, err := s.service.AllUsers(r.Context(), session)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	dtos := make([]userDTO, 0, len(users))
	for _, u := range users {
		dtos = append(dtos, toUserDTO(u))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "success",
		"users":  dtos,
	})
}

func (s *HTTPServer) handleCreateProject(w http.ResponseWriter, r *http.Request, session Session) {
	var body struct {
		Name string `json:"name"`
	}
	if err := decodeBody(r, &body); err != nil {
		s.writeFail(w, r, http.StatusBadRequest, err.Error())
		return
	}
	project, err := s.service.CreateProject(r.Context(), session, body.Name)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"status":  "success",
		"project": toProjectDTO(project),
	})
}

func (s *HTTPServer) handleListProjects(w http.ResponseWriter, r *http.Request, session Session) {
	projects, err := s.service.ListProjects(r.Context(), session)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	dtos := make([]projectDTO, 0, len(projects))
	for _, p := range projects {
		dtos = append(dtos, toProjectDTO(p))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "success",
		"projects": dtos,
	})
}

func (s *HTTPServer) handleGetProject(w http.ResponseWriter, r *http.Request, session Session) {
	project, err := s.service.GetProject(r.Context(), chi.URLParam(r, "projectId"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "success",
		"project": toProjectDTO(project),
	})
}

func (s *HTTPServer) handleAddUsers(w http.ResponseWriter, r *http.Request, session Session) {
	var body struct {
		ProjectID string   `json:"projectId"`
		Users     []string `json:"users"`
	}
	if err := decodeBody(r, &body); err != nil {
		s.writeFail(w, r, http.StatusBadRequest, err.Error())
		return
	}
	project, err := s.service.AddUsers(r.Context(), session, body.ProjectID, body.Users)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "success",
		"project": toProjectDTO(project),
	})
}

func (s *HTTPServer) handleUpdateFileTree(w http.ResponseWriter, r *http.Request, session Session) {
	var body struct {
		ProjectID string         `json:"projectId"`
		FileTree  store.FileTree `json:"fileTree"`
	}
	if err := decodeBody(r, &body); err != nil {
		s.writeFail(w, r, http.StatusBadRequest, err.Error())
		return
	}
	project, err := s.service.UpdateFileTree(r.Context(), body.ProjectID, body.FileTree)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "success",
		"project": toProjectDTO(project),
	})
}

func (s *HTTPServer) handleInvite(w http.ResponseWriter, r *http.Request, session Session) {
	var body struct {
		ReceiverEmail string `json:"receiverEmail"`
	}
	if err := decodeBody(r, &body); err != nil {
		s.writeFail(w, r, http.StatusBadRequest, err.Error())
		return
	}
	invite, err := s.service.InviteCollaborator(r.Context(), session, chi.URLParam(r, "projectId"), body.ReceiverEmail)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"status":  "success",
		"message": "Invite sent successfully",
		"request": toInviteDTO(invite),
	})
}

func (s *HTTPServer) handleNotifications(w http.ResponseWriter, r *http.Request, session Session) {
	invites, err := s.service.PendingNotifications(r.Context(), session)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	dtos := make([]inviteDTO, 0, len(invites))
	for _, invite := range invites {
		dtos = append(dtos, toInviteDTO(invite))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "success",
		"requests": dtos,
	})
}

func (s *HTTPServer) handleRespond(w http.ResponseWriter, r *http.Request, session Session) {
	var body struct {
		Action string `json:"action"`
	}
	if err := decodeBody(r, &body); err != nil {
		s.writeFail(w, r, http.StatusBadRequest, err.Error())
		return
	}
	invite, err := s.service.RespondToInvite(r.Context(), session, chi.URLParam(r, "requestId"), body.Action)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	message := "Invite rejected"
	if invite.Status == store.InviteAccepted {
		message = "Invite accepted"
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "success",
		"message": message,
		"request": toInviteDTO(invite),
	})
}

func (s *HTTPServer) handleAIResult(w http.ResponseWriter, r *http.Request, session Session) {
	var body struct {
		Prompt string `json:"prompt"`
	}
	if err := decodeBody(r, &body); err != nil {
		s.writeFail(w, r, http.StatusBadRequest, err.Error())
		return
	}
	result, err := s.service.AIResult(r.Context(), body.Prompt)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "success",
		"result": result,
	})
}

func (s *HTTPServer) handleSearch(w http.ResponseWriter, r *http.Request, session Session) {
	projectID := chi.URLParam(r, "projectId")
	query := strings.TrimSpace(r.URL.Query().Get("q"))
	response, err := s.service.SearchFiles(r.Context(), projectID, query)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "success",
		"results": response.Results,
		"query":   response.Query,
	})
}

// Session plumbing.

type sessionHandler func(w http.ResponseWriter, r *http.Request, session Session)

func (s *HTTPServer) withSession(next sessionHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if token == "" {
			s.writeFail(w, r, http.StatusUnauthorized, "Authentication required")
			return
		}
		session, err := s.service.SessionFromToken(token)
		if err != nil {
			s.writeFail(w, r, http.StatusUnauthorized, "Invalid or expired token")
			return
		}
		next(w, r, session)
	}
}

func bearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if !strings.HasPrefix(header, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
}

// Error responses carry {"status":"fail"|"error","message":...}: fail for
// client mistakes, error for server faults. Development mode adds the raw
// error and a stack.

func (s *HTTPServer) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		body := map[string]any{
			"status":  statusWord(domainErr.Status),
			"message": domainErr.Message,
		}
		writeJSON(w, domainErr.Status, body)
		return
	}

	s.logger.Error("unhandled request error",
		zap.String("method", r.Method),
		zap.String("path", r.URL.Path),
		zap.Error(err),
	)
	body := map[string]any{
		"status":  "error",
		"message": "Internal server error",
	}
	if s.service.Development() {
		body["error"] = err.Error()
		body["stack"] = string(debug.Stack())
	}
	writeJSON(w, http.StatusInternalServerError, body)
}

func (s *HTTPServer) writeFail(w http.ResponseWriter, r *http.Request, status int, message string) {
	writeJSON(w, status, map[string]any{
		"status":  statusWord(status),
		"message": message,
	})
}

func statusWord(status int) string {
	if status >= 500 {
		return "error"
	}
	return "fail"
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil {
		return fmt.Errorf("invalid JSON body")
	}
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(target); err != nil {
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}

// Request logging.

func (s *HTTPServer) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = util.NewID("")[:16]
		}
		w.Header().Set("X-Request-ID", requestID)

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(writer, r)

		s.logger.Info("request",
			zap.String("request_id", requestID),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", writer.status),
			zap.Int64("duration_ms", time.Since(started).Milliseconds()),
		)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// Hijack keeps WebSocket upgrades working behind the logging middleware.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hijacker, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	return hijacker.Hijack()
}
