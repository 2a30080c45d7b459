package store

import "time"

type User struct {
	ID           string
	Name         string
	Email        string
	PasswordHash string
	CreatedAt    time.Time
}

// FileContent is the leaf payload of a file node.
type FileContent struct {
	Contents string `json:"contents"`
}

// FileNode is a tagged variant; only file nodes exist today. A directory or
// binary variant would add a sibling field.
type FileNode struct {
	File *FileContent `json:"file,omitempty"`
}

// FileTree maps path strings to file nodes. It is the collaboratively edited
// document, embedded whole in the project row.
type FileTree map[string]FileNode

type Project struct {
	ID        string
	Name      string
	MemberIDs []string
	Members   []User
	FileTree  FileTree
	CreatedAt time.Time
}

type InviteStatus string

const (
	InvitePending  InviteStatus = "pending"
	InviteAccepted InviteStatus = "accepted"
	InviteRejected InviteStatus = "rejected"
)

type Invite struct {
	ID         string
	ProjectID  string
	SenderID   string
	ReceiverID string
	Status     InviteStatus
	CreatedAt  time.Time
	ResolvedAt *time.Time

	// Populated for notification listings.
	ProjectName string
	SenderEmail string
}
