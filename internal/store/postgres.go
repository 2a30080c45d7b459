package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// IsDuplicate reports whether err is a unique-constraint violation.
func IsDuplicate(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func (s *PostgresStore) CreateUser(ctx context.Context, user User) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, name, email, password_hash)
		VALUES ($1, $2, $3, $4)
	`, user.ID, user.Name, user.Email, user.PasswordHash)
	if err != nil {
		return fmt.Errorf("insert user: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetUserByEmail(ctx context.Context, email string) (User, error) {
	var user User
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, email, password_hash, created_at
		FROM users
		WHERE LOWER(email) = LOWER($1)
	`, email).Scan(&user.ID, &user.Name, &user.Email, &user.PasswordHash, &user.CreatedAt)
	if err != nil {
		return User{}, err
	}
	return user, nil
}

func (s *PostgresStore) GetUserByID(ctx context.Context, userID string) (User, error) {
	var user User
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, email, password_hash, created_at
		FROM users
		WHERE id = $1
	`, userID).Scan(&user.ID, &user.Name, &user.Email, &user.PasswordHash, &user.CreatedAt)
	if err != nil {
		return User{}, err
	}
	return user, nil
}

func (s *PostgresStore) ListUsersExcept(ctx context.Context, userID string) ([]User, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, email, created_at
		FROM users
		WHERE id <> $1
		ORDER BY name
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	defer rows.Close()

	users := make([]User, 0)
	for rows.Next() {
		var user User
		if err := rows.Scan(&user.ID, &user.Name, &user.Email, &user.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		users = append(users, user)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate users: %w", err)
	}
	return users, nil
}

func (s *PostgresStore) CreateProject(ctx context.Context, project Project) error {
	tree := project.FileTree
	if tree == nil {
		tree = FileTree{}
	}
	treeJSON, err := json.Marshal(tree)
	if err != nil {
		return fmt.Errorf("marshal file tree: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin create project: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO projects (id, name, file_tree)
		VALUES ($1, $2, $3)
	`, project.ID, project.Name, treeJSON); err != nil {
		return fmt.Errorf("insert project: %w", err)
	}

	for _, memberID := range project.MemberIDs {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO project_members (project_id, user_id)
			VALUES ($1, $2)
			ON CONFLICT DO NOTHING
		`, project.ID, memberID); err != nil {
			return fmt.Errorf("insert project member: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit create project: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetProjectByID(ctx context.Context, projectID string) (Project, error) {
	var (
		project  Project
		treeJSON []byte
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, file_tree, created_at
		FROM projects
		WHERE id = $1
	`, projectID).Scan(&project.ID, &project.Name, &treeJSON, &project.CreatedAt)
	if err != nil {
		return Project{}, err
	}
	if err := json.Unmarshal(treeJSON, &project.FileTree); err != nil {
		return Project{}, fmt.Errorf("unmarshal file tree: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT u.id, u.name, u.email, u.created_at
		FROM project_members pm
		JOIN users u ON u.id = pm.user_id
		WHERE pm.project_id = $1
		ORDER BY pm.added_at
	`, projectID)
	if err != nil {
		return Project{}, fmt.Errorf("list project members: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var member User
		if err := rows.Scan(&member.ID, &member.Name, &member.Email, &member.CreatedAt); err != nil {
			return Project{}, fmt.Errorf("scan project member: %w", err)
		}
		project.Members = append(project.Members, member)
		project.MemberIDs = append(project.MemberIDs, member.ID)
	}
	if err := rows.Err(); err != nil {
		return Project{}, fmt.Errorf("iterate project members: %w", err)
	}
	return project, nil
}

func (s *PostgresStore) ListProjectsByMember(ctx context.Context, userID string) ([]Project, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT p.id, p.name, p.file_tree, p.created_at,
		       (SELECT COALESCE(json_agg(user_id ORDER BY added_at), '[]')
		        FROM project_members WHERE project_id = p.id)
		FROM projects p
		JOIN project_members pm ON pm.project_id = p.id
		WHERE pm.user_id = $1
		ORDER BY p.created_at DESC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("list projects: %w", err)
	}
	defer rows.Close()

	projects := make([]Project, 0)
	for rows.Next() {
		var (
			project     Project
			treeJSON    []byte
			membersJSON []byte
		)
		if err := rows.Scan(&project.ID, &project.Name, &treeJSON, &project.CreatedAt, &membersJSON); err != nil {
			return nil, fmt.Errorf("scan project: %w", err)
		}
		if err := json.Unmarshal(treeJSON, &project.FileTree); err != nil {
			return nil, fmt.Errorf("unmarshal file tree: %w", err)
		}
		if err := json.Unmarshal(membersJSON, &project.MemberIDs); err != nil {
			return nil, fmt.Errorf("unmarshal member ids: %w", err)
		}
		projects = append(projects, project)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate projects: %w", err)
	}
	return projects, nil
}

func (s *PostgresStore) IsProjectMember(ctx context.Context, projectID, userID string) (bool, error) {
	var member bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS(SELECT 1 FROM project_members WHERE project_id = $1 AND user_id = $2)
	`, projectID, userID).Scan(&member)
	if err != nil {
		return false, fmt.Errorf("check membership: %w", err)
	}
	return member, nil
}

// AddProjectMembers unions the given user ids into the membership set. Ids
// already present are added exactly once.
func (s *PostgresStore) AddProjectMembers(ctx context.Context, projectID string, userIDs []string) (Project, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Project{}, fmt.Errorf("begin add members: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, userID := range userIDs {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO project_members (project_id, user_id)
			VALUES ($1, $2)
			ON CONFLICT DO NOTHING
		`, projectID, userID); err != nil {
			return Project{}, fmt.Errorf("insert member: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return Project{}, fmt.Errorf("commit add members: %w", err)
	}
	return s.GetProjectByID(ctx, projectID)
}

// ReplaceFileTree swaps the whole persisted tree for the given document.
// Callers wanting per-key semantics use MergeFileTreeKeys instead.
func (s *PostgresStore) ReplaceFileTree(ctx context.Context, projectID string, tree FileTree) (Project, error) {
	if tree == nil {
		tree = FileTree{}
	}
	treeJSON, err := json.Marshal(tree)
	if err != nil {
		return Project{}, fmt.Errorf("marshal file tree: %w", err)
	}
	result, err := s.db.ExecContext(ctx, `
		UPDATE projects SET file_tree = $2 WHERE id = $1
	`, projectID, treeJSON)
	if err != nil {
		return Project{}, fmt.Errorf("replace file tree: %w", err)
	}
	if affected, err := result.RowsAffected(); err == nil && affected == 0 {
		return Project{}, sql.ErrNoRows
	}
	return s.GetProjectByID(ctx, projectID)
}

// MergeFileTreeKeys overwrites only the keys named in patch, leaving the rest
// of the stored tree untouched. Deleting keys is not expressible here.
func (s *PostgresStore) MergeFileTreeKeys(ctx context.Context, projectID string, patch FileTree) (Project, error) {
	patchJSON, err := json.Marshal(patch)
	if err != nil {
		return Project{}, fmt.Errorf("marshal file tree patch: %w", err)
	}
	result, err := s.db.ExecContext(ctx, `
		UPDATE projects SET file_tree = file_tree || $2::jsonb WHERE id = $1
	`, projectID, patchJSON)
	if err != nil {
		return Project{}, fmt.Errorf("merge file tree keys: %w", err)
	}
	if affected, err := result.RowsAffected(); err == nil && affected == 0 {
		return Project{}, sql.ErrNoRows
	}
	return s.GetProjectByID(ctx, projectID)
}

func (s *PostgresStore) CreateInvite(ctx context.Context, invite Invite) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO collaboration_requests (id, project_id, sender_id, receiver_id, status)
		VALUES ($1, $2, $3, $4, $5)
	`, invite.ID, invite.ProjectID, invite.SenderID, invite.ReceiverID, invite.Status)
	if err != nil {
		return fmt.Errorf("insert invite: %w", err)
	}
	return nil
}

func (s *PostgresStore) FindPendingInvite(ctx context.Context, projectID, receiverID string) (Invite, error) {
	var invite Invite
	err := s.db.QueryRowContext(ctx, `
		SELECT id, project_id, sender_id, receiver_id, status, created_at
		FROM collaboration_requests
		WHERE project_id = $1 AND receiver_id = $2 AND status = 'pending'
	`, projectID, receiverID).Scan(
		&invite.ID, &invite.ProjectID, &invite.SenderID, &invite.ReceiverID, &invite.Status, &invite.CreatedAt)
	if err != nil {
		return Invite{}, err
	}
	return invite, nil
}

func (s *PostgresStore) ListPendingInvitesForReceiver(ctx context.Context, receiverID string) ([]Invite, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT cr.id, cr.project_id, cr.sender_id, cr.receiver_id, cr.status, cr.created_at,
		       p.name, u.email
		FROM collaboration_requests cr
		JOIN projects p ON p.id = cr.project_id
		JOIN users u ON u.id = cr.sender_id
		WHERE cr.receiver_id = $1 AND cr.status = 'pending'
		ORDER BY cr.created_at DESC
	`, receiverID)
	if err != nil {
		return nil, fmt.Errorf("list invites: %w", err)
	}
	defer rows.Close()

	invites := make([]Invite, 0)
	for rows.Next() {
		var invite Invite
		if err := rows.Scan(
			&invite.ID, &invite.ProjectID, &invite.SenderID, &invite.ReceiverID,
			&invite.Status, &invite.CreatedAt, &invite.ProjectName, &invite.SenderEmail,
		); err != nil {
			return nil, fmt.Errorf("scan invite: %w", err)
		}
		invites = append(invites, invite)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate invites: %w", err)
	}
	return invites, nil
}

// ResolveInvite moves a pending invite addressed to receiverID into a terminal
// status. The query filters on status='pending' so a resolved invite is
// indistinguishable from a missing one.
func (s *PostgresStore) ResolveInvite(ctx context.Context, inviteID, receiverID string, status InviteStatus) (Invite, error) {
	var invite Invite
	err := s.db.QueryRowContext(ctx, `
		UPDATE collaboration_requests
		SET status = $3, resolved_at = NOW()
		WHERE id = $1 AND receiver_id = $2 AND status = 'pending'
		RETURNING id, project_id, sender_id, receiver_id, status, created_at, resolved_at
	`, inviteID, receiverID, status).Scan(
		&invite.ID, &invite.ProjectID, &invite.SenderID, &invite.ReceiverID,
		&invite.Status, &invite.CreatedAt, &invite.ResolvedAt)
	if err != nil {
		return Invite{}, err
	}
	return invite, nil
}
