package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"codeloft/api/internal/assist"
	"codeloft/api/internal/auth"
	"codeloft/api/internal/authpw"
	"codeloft/api/internal/config"
	"codeloft/api/internal/search"
	"codeloft/api/internal/store"
	"codeloft/api/internal/util"

	"go.uber.org/zap"
)

// Session is the authenticated principal resolved from a bearer token.
type Session struct {
	UserID string
	Email  string
	Name   string
}

type dataStore interface {
	Ping(ctx context.Context) error

	CreateUser(ctx context.Context, user store.User) error
	GetUserByEmail(ctx context.Context, email string) (store.User, error)
	GetUserByID(ctx context.Context, userID string) (store.User, error)
	ListUsersExcept(ctx context.Context, userID string) ([]store.User, error)

	CreateProject(ctx context.Context, project store.Project) error
	GetProjectByID(ctx context.Context, projectID string) (store.Project, error)
	ListProjectsByMember(ctx context.Context, userID string) ([]store.Project, error)
	IsProjectMember(ctx context.Context, projectID, userID string) (bool, error)
	AddProjectMembers(ctx context.Context, projectID string, userIDs []string) (store.Project, error)
	ReplaceFileTree(ctx context.Context, projectID string, tree store.FileTree) (store.Project, error)
	MergeFileTreeKeys(ctx context.Context, projectID string, patch store.FileTree) (store.Project, error)

	CreateInvite(ctx context.Context, invite store.Invite) error
	FindPendingInvite(ctx context.Context, projectID, receiverID string) (store.Invite, error)
	ListPendingInvitesForReceiver(ctx context.Context, receiverID string) ([]store.Invite, error)
	ResolveInvite(ctx context.Context, inviteID, receiverID string, status store.InviteStatus) (store.Invite, error)
}

type Service struct {
	cfg      config.Config
	store    dataStore
	accounts *authpw.Service
	assist   *assist.Client
	search   *search.Service
	logger   *zap.Logger
}

func New(cfg config.Config, dataStore dataStore, accounts *authpw.Service, assistClient *assist.Client, searchService *search.Service, logger *zap.Logger) *Service {
	return &Service{
		cfg:      cfg,
		store:    dataStore,
		accounts: accounts,
		assist:   assistClient,
		search:   searchService,
		logger:   logger,
	}
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// Register creates an account and issues its first token.
func (s *Service) Register(ctx context.Context, name, email, password string) (store.User, string, error) {
	user, err := s.accounts.Register(ctx, name, email, password)
	if err != nil {
		var ve *authpw.ValidationError
		switch {
		case errors.As(err, &ve):
			return store.User{}, "", validationError(ve.Message)
		case errors.Is(err, authpw.ErrEmailTaken):
			return store.User{}, "", conflictError(400, "Email already registered")
		default:
			return store.User{}, "", fmt.Errorf("register: %w", err)
		}
	}
	token, err := s.issueToken(user)
	if err != nil {
		return store.User{}, "", err
	}
	return user, token, nil
}

// Login verifies credentials and issues a token.
func (s *Service) Login(ctx context.Context, email, password string) (store.User, string, error) {
	user, err := s.accounts.Authenticate(ctx, email, password)
	if err != nil {
		var ve *authpw.ValidationError
		switch {
		case errors.As(err, &ve):
			return store.User{}, "", validationError(ve.Message)
		case errors.Is(err, authpw.ErrInvalidCredentials):
			return store.User{}, "", authError("Invalid email or password")
		default:
			return store.User{}, "", fmt.Errorf("login: %w", err)
		}
	}
	token, err := s.issueToken(user)
	if err != nil {
		return store.User{}, "", err
	}
	return user, token, nil
}

func (s *Service) issueToken(user store.User) (string, error) {
	token, err := auth.Issue([]byte(s.cfg.JWTSecret), auth.Identity{
		UserID: user.ID,
		Email:  user.Email,
		Name:   user.Name,
	})
	if err != nil {
		return "", fmt.Errorf("issue token: %w", err)
	}
	return token, nil
}

// SessionFromToken verifies a bearer token and returns the principal.
func (s *Service) SessionFromToken(token string) (Session, error) {
	claims, err := auth.Parse([]byte(s.cfg.JWTSecret), token)
	if err != nil {
		return Session{}, authError("Unauthorized")
	}
	return Session{UserID: claims.UserID, Email: claims.Email, Name: claims.Name}, nil
}

func (s *Service) Profile(ctx context.Context, session Session) (store.User, error) {
	user, err := s.store.GetUserByID(ctx, session.UserID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.User{}, notFoundError("User not found")
		}
		return store.User{}, fmt.Errorf("load profile: %w", err)
	}
	return user, nil
}

// AllUsers lists every account except the caller's.
func (s *Service) AllUsers(ctx context.Context, session Session) ([]store.User, error) {
	users, err := s.store.ListUsersExcept(ctx, session.UserID)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	return users, nil
}

func (s *Service) CreateProject(ctx context.Context, session Session, name string) (store.Project, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return store.Project{}, validationError("Name is required")
	}

	project := store.Project{
		ID:        util.NewID("prj"),
		Name:      name,
		MemberIDs: []string{session.UserID},
		FileTree:  store.FileTree{},
	}
	if err := s.store.CreateProject(ctx, project); err != nil {
		if store.IsDuplicate(err) {
			return store.Project{}, conflictError(409, "Project name already exists")
		}
		return store.Project{}, fmt.Errorf("create project: %w", err)
	}
	return s.loadProject(ctx, project.ID)
}

func (s *Service) ListProjects(ctx context.Context, session Session) ([]store.Project, error) {
	projects, err := s.store.ListProjectsByMember(ctx, session.UserID)
	if err != nil {
		return nil, fmt.Errorf("list projects: %w", err)
	}
	return projects, nil
}

func (s *Service) GetProject(ctx context.Context, projectID string) (store.Project, error) {
	if projectID == "" {
		return store.Project{}, validationError("projectId is required")
	}
	return s.loadProject(ctx, projectID)
}

func (s *Service) loadProject(ctx context.Context, projectID string) (store.Project, error) {
	project, err := s.store.GetProjectByID(ctx, projectID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.Project{}, notFoundError("Project not found")
		}
		return store.Project{}, fmt.Errorf("load project: %w", err)
	}
	return project, nil
}

// AddUsers unions the given user ids into the project's membership. The
// caller must already be a member.
func (s *Service) AddUsers(ctx context.Context, session Session, projectID string, userIDs []string) (store.Project, error) {
	if projectID == "" {
		return store.Project{}, validationError("projectId is required")
	}
	if len(userIDs) == 0 {
		return store.Project{}, validationError("users are required")
	}
	for _, userID := range userIDs {
		if strings.TrimSpace(userID) == "" {
			return store.Project{}, validationError("Invalid userId(s) in users array")
		}
	}

	if _, err := s.loadProject(ctx, projectID); err != nil {
		return store.Project{}, err
	}

	member, err := s.store.IsProjectMember(ctx, projectID, session.UserID)
	if err != nil {
		return store.Project{}, fmt.Errorf("check membership: %w", err)
	}
	if !member {
		return store.Project{}, forbiddenError("User does not belong to this project")
	}

	for _, userID := range userIDs {
		if _, err := s.store.GetUserByID(ctx, userID); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return store.Project{}, validationError("Invalid userId(s) in users array")
			}
			return store.Project{}, fmt.Errorf("check user %s: %w", userID, err)
		}
	}

	project, err := s.store.AddProjectMembers(ctx, projectID, userIDs)
	if err != nil {
		return store.Project{}, fmt.Errorf("add members: %w", err)
	}
	return project, nil
}

// UpdateFileTree fully replaces the persisted tree with the caller's
// document. Partial writes drop unnamed keys; merge responsibility sits with
// the caller.
func (s *Service) UpdateFileTree(ctx context.Context, projectID string, tree store.FileTree) (store.Project, error) {
	if projectID == "" {
		return store.Project{}, validationError("projectId is required")
	}
	if tree == nil {
		return store.Project{}, validationError("fileTree is required")
	}

	project, err := s.store.ReplaceFileTree(ctx, projectID, tree)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.Project{}, notFoundError("Project not found")
		}
		return store.Project{}, fmt.Errorf("update file tree: %w", err)
	}
	if s.search != nil {
		s.search.IndexProject(project.ID, project.FileTree)
	}
	return project, nil
}

// InviteCollaborator creates a pending collaboration request. The checks run
// in a fixed order so the first failing one determines the error.
func (s *Service) InviteCollaborator(ctx context.Context, session Session, projectID, receiverEmail string) (store.Invite, error) {
	receiverEmail = strings.ToLower(strings.TrimSpace(receiverEmail))
	if projectID == "" {
		return store.Invite{}, validationError("projectId is required")
	}
	if receiverEmail == "" || !strings.Contains(receiverEmail, "@") {
		return store.Invite{}, validationError("Enter a valid email address")
	}

	project, err := s.loadProject(ctx, projectID)
	if err != nil {
		return store.Invite{}, err
	}

	receiver, err := s.store.GetUserByEmail(ctx, receiverEmail)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.Invite{}, notFoundError("Receiver user not found. Ensure they have signed up first.")
		}
		return store.Invite{}, fmt.Errorf("lookup receiver: %w", err)
	}

	if receiver.ID == session.UserID {
		return store.Invite{}, validationError("You cannot invite yourself")
	}

	for _, memberID := range project.MemberIDs {
		if memberID == receiver.ID {
			return store.Invite{}, validationError("User is already a collaborator")
		}
	}

	if _, err := s.store.FindPendingInvite(ctx, projectID, receiver.ID); err == nil {
		return store.Invite{}, conflictError(409, "Invite already sent to this user")
	} else if !errors.Is(err, sql.ErrNoRows) {
		return store.Invite{}, fmt.Errorf("check pending invite: %w", err)
	}

	invite := store.Invite{
		ID:         util.NewID("inv"),
		ProjectID:  projectID,
		SenderID:   session.UserID,
		ReceiverID: receiver.ID,
		Status:     store.InvitePending,
	}
	if err := s.store.CreateInvite(ctx, invite); err != nil {
		if store.IsDuplicate(err) {
			// Lost a race with a concurrent identical invite.
			return store.Invite{}, conflictError(409, "Invite already sent to this user")
		}
		return store.Invite{}, fmt.Errorf("create invite: %w", err)
	}
	return invite, nil
}

// PendingNotifications lists unresolved invites addressed to the caller.
func (s *Service) PendingNotifications(ctx context.Context, session Session) ([]store.Invite, error) {
	invites, err := s.store.ListPendingInvitesForReceiver(ctx, session.UserID)
	if err != nil {
		return nil, fmt.Errorf("list notifications: %w", err)
	}
	return invites, nil
}

// RespondToInvite resolves a pending invite. Accepting unions the receiver
// into the project membership; accepting while already a member still
// succeeds without duplicating the id.
func (s *Service) RespondToInvite(ctx context.Context, session Session, inviteID, action string) (store.Invite, error) {
	if inviteID == "" {
		return store.Invite{}, validationError("requestId is required")
	}

	var status store.InviteStatus
	switch action {
	case "accept":
		status = store.InviteAccepted
	case "reject":
		status = store.InviteRejected
	default:
		return store.Invite{}, validationError("Action must be either accept or reject")
	}

	invite, err := s.store.ResolveInvite(ctx, inviteID, session.UserID, status)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.Invite{}, notFoundError("Invite not found or already responded")
		}
		return store.Invite{}, fmt.Errorf("resolve invite: %w", err)
	}

	if status == store.InviteAccepted {
		if _, err := s.store.AddProjectMembers(ctx, invite.ProjectID, []string{session.UserID}); err != nil {
			return store.Invite{}, fmt.Errorf("add accepted member: %w", err)
		}
	}
	return invite, nil
}

// AIResult runs the side-panel assistant: one model call, parsed with the
// plain-text fallback.
func (s *Service) AIResult(ctx context.Context, prompt string) (assist.Result, error) {
	prompt = strings.TrimSpace(prompt)
	if prompt == "" {
		return assist.Result{}, validationError("prompt is required")
	}
	raw, err := s.assist.Generate(ctx, prompt)
	if err != nil {
		if errors.Is(err, assist.ErrDisabled) {
			return assist.Result{}, domainError(503, "AI_UNAVAILABLE", "AI assistance is not configured")
		}
		s.logger.Warn("assist call failed", zap.Error(err))
		return assist.Result{}, upstreamError("AI service request failed")
	}
	return assist.Parse(raw), nil
}

// SearchFiles queries the project's file contents.
func (s *Service) SearchFiles(ctx context.Context, projectID, queryText string) (search.Response, error) {
	if _, err := s.GetProject(ctx, projectID); err != nil {
		return search.Response{}, err
	}
	if s.search == nil {
		return search.Response{Results: []search.Result{}, Query: queryText}, nil
	}
	return s.search.Search(ctx, search.Query{ProjectID: projectID, Text: queryText}), nil
}

// Development reports whether error responses include debug detail.
func (s *Service) Development() bool {
	return s.cfg.Development()
}
