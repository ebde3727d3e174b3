// Package store defines the storage interface for the gateway and provides SQLite and PostgreSQL implementations.
package store

import (
	"context"
	"encoding/json"
	"time"
)

// Store is the persistence interface for the gateway. Getters return
// (nil, nil) when the row does not exist.
type Store interface {
	// Projects
	CreateProject(ctx context.Context, p *Project) error
	GetProject(ctx context.Context, id string) (*Project, error)

	// Users
	CreateUser(ctx context.Context, u *User) error
	GetUserByID(ctx context.Context, id string) (*User, error)
	GetUserByEmail(ctx context.Context, email string) (*User, error)

	// Memberships
	CreateMembership(ctx context.Context, m *Membership) error
	GetMembership(ctx context.Context, id string) (*Membership, error)
	GetMembershipByUser(ctx context.Context, projectID, userID string) (*Membership, error)

	// Logins
	CreateLogin(ctx context.Context, l *Login) error
	GetLogin(ctx context.Context, id string) (*Login, error)
	RevokeLogin(ctx context.Context, id string) error

	// Resources
	PutResource(ctx context.Context, r *Resource) error
	GetResource(ctx context.Context, resourceType, id string) (*Resource, error)
	ListResources(ctx context.Context, projectID, resourceType string) ([]Resource, error)

	// Audit
	LogAuditEvent(ctx context.Context, event *AuditEvent) error
	ListAuditEvents(ctx context.Context, projectID string, filter AuditFilter) ([]AuditEvent, error)

	// Health
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// Project is a tenant. Its flags shape repository behaviour.
type Project struct {
	ID                     string    `json:"id"`
	Name                   string    `json:"name"`
	StrictMode             bool      `json:"strict_mode"`
	CheckReferencesOnWrite bool      `json:"check_references_on_write"`
	CreatedAt              time.Time `json:"created_at"`
}

// User is an account that can log in to one or more projects.
type User struct {
	ID           string    `json:"id"`
	Email        string    `json:"email"`
	PasswordHash string    `json:"-"`
	CreatedAt    time.Time `json:"created_at"`
}

// Membership links a user to a project with a profile reference.
type Membership struct {
	ID        string    `json:"id"`
	ProjectID string    `json:"project_id"`
	UserID    string    `json:"user_id"`
	Profile   string    `json:"profile"` // e.g. "Practitioner/123"
	Admin     bool      `json:"admin"`
	CreatedAt time.Time `json:"created_at"`
}

// Login is one authenticated session; access tokens carry its ID.
type Login struct {
	ID           string    `json:"id"`
	UserID       string    `json:"user_id"`
	ProjectID    string    `json:"project_id"`
	MembershipID string    `json:"membership_id"`
	Revoked      bool      `json:"revoked"`
	CreatedAt    time.Time `json:"created_at"`
}

// Resource is a stored JSON document addressed by type and id.
type Resource struct {
	ID           string          `json:"id"`
	ProjectID    string          `json:"project_id"`
	ResourceType string          `json:"resource_type"`
	Content      json.RawMessage `json:"content"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// AuditEvent is a log entry for audit purposes.
type AuditEvent struct {
	ID         string          `json:"id"`
	ProjectID  string          `json:"project_id"`
	Action     string          `json:"action"`
	LoginID    string          `json:"login_id,omitempty"`
	ResourceID string          `json:"resource_id,omitempty"` // "Type/id"
	Outcome    string          `json:"outcome"`               // "success" or "failure"
	Detail     json.RawMessage `json:"detail,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
}

// AuditFilter specifies criteria for filtering audit events.
type AuditFilter struct {
	Action string
	Limit  int
}
