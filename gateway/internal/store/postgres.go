package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// PostgresStore implements Store using PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgres creates a new PostgreSQL store and runs migrations.
func NewPostgres(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(5 * time.Minute)

	s := &PostgresStore{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

func (s *PostgresStore) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS projects (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL DEFAULT '',
			strict_mode BOOLEAN NOT NULL DEFAULT FALSE,
			check_references_on_write BOOLEAN NOT NULL DEFAULT FALSE,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS users (
			id TEXT PRIMARY KEY,
			email TEXT UNIQUE NOT NULL,
			password_hash TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS memberships (
			id TEXT PRIMARY KEY,
			project_id TEXT NOT NULL REFERENCES projects(id),
			user_id TEXT NOT NULL REFERENCES users(id),
			profile TEXT NOT NULL DEFAULT '',
			admin BOOLEAN NOT NULL DEFAULT FALSE,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			UNIQUE(project_id, user_id)
		)`,
		`CREATE TABLE IF NOT EXISTS logins (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL REFERENCES users(id),
			project_id TEXT NOT NULL REFERENCES projects(id),
			membership_id TEXT NOT NULL REFERENCES memberships(id),
			revoked BOOLEAN NOT NULL DEFAULT FALSE,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS resources (
			resource_type TEXT NOT NULL,
			id TEXT NOT NULL,
			project_id TEXT NOT NULL REFERENCES projects(id),
			content TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			PRIMARY KEY (resource_type, id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_resources_project ON resources(project_id, resource_type)`,
		`CREATE TABLE IF NOT EXISTS audit_events (
			id TEXT PRIMARY KEY,
			project_id TEXT NOT NULL DEFAULT '',
			action TEXT NOT NULL,
			login_id TEXT NOT NULL DEFAULT '',
			resource_id TEXT NOT NULL DEFAULT '',
			outcome TEXT NOT NULL DEFAULT '',
			detail TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_project_created ON audit_events(project_id, created_at)`,
	}

	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("exec migration: %w", err)
		}
	}
	return nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}

// --- Projects ---

func (s *PostgresStore) CreateProject(ctx context.Context, p *Project) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO projects (id, name, strict_mode, check_references_on_write, created_at) VALUES ($1, $2, $3, $4, $5)",
		p.ID, p.Name, p.StrictMode, p.CheckReferencesOnWrite, p.CreatedAt)
	return err
}

func (s *PostgresStore) GetProject(ctx context.Context, id string) (*Project, error) {
	var p Project
	err := s.db.QueryRowContext(ctx,
		"SELECT id, name, strict_mode, check_references_on_write, created_at FROM projects WHERE id = $1", id,
	).Scan(&p.ID, &p.Name, &p.StrictMode, &p.CheckReferencesOnWrite, &p.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return &p, err
}

// --- Users ---

func (s *PostgresStore) CreateUser(ctx context.Context, u *User) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO users (id, email, password_hash, created_at) VALUES ($1, $2, $3, $4)",
		u.ID, u.Email, u.PasswordHash, u.CreatedAt)
	return err
}

func (s *PostgresStore) GetUserByID(ctx context.Context, id string) (*User, error) {
	var u User
	err := s.db.QueryRowContext(ctx,
		"SELECT id, email, password_hash, created_at FROM users WHERE id = $1", id,
	).Scan(&u.ID, &u.Email, &u.PasswordHash, &u.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return &u, err
}

func (s *PostgresStore) GetUserByEmail(ctx context.Context, email string) (*User, error) {
	var u User
	err := s.db.QueryRowContext(ctx,
		"SELECT id, email, password_hash, created_at FROM users WHERE email = $1", email,
	).Scan(&u.ID, &u.Email, &u.PasswordHash, &u.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return &u, err
}

// --- Memberships ---

func (s *PostgresStore) CreateMembership(ctx context.Context, m *Membership) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO memberships (id, project_id, user_id, profile, admin, created_at) VALUES ($1, $2, $3, $4, $5, $6)",
		m.ID, m.ProjectID, m.UserID, m.Profile, m.Admin, m.CreatedAt)
	return err
}

func (s *PostgresStore) GetMembership(ctx context.Context, id string) (*Membership, error) {
	var m Membership
	err := s.db.QueryRowContext(ctx,
		"SELECT id, project_id, user_id, profile, admin, created_at FROM memberships WHERE id = $1", id,
	).Scan(&m.ID, &m.ProjectID, &m.UserID, &m.Profile, &m.Admin, &m.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return &m, err
}

func (s *PostgresStore) GetMembershipByUser(ctx context.Context, projectID, userID string) (*Membership, error) {
	var m Membership
	err := s.db.QueryRowContext(ctx,
		"SELECT id, project_id, user_id, profile, admin, created_at FROM memberships WHERE project_id = $1 AND user_id = $2",
		projectID, userID,
	).Scan(&m.ID, &m.ProjectID, &m.UserID, &m.Profile, &m.Admin, &m.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return &m, err
}

// --- Logins ---

func (s *PostgresStore) CreateLogin(ctx context.Context, l *Login) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO logins (id, user_id, project_id, membership_id, revoked, created_at) VALUES ($1, $2, $3, $4, $5, $6)",
		l.ID, l.UserID, l.ProjectID, l.MembershipID, l.Revoked, l.CreatedAt)
	return err
}

func (s *PostgresStore) GetLogin(ctx context.Context, id string) (*Login, error) {
	var l Login
	err := s.db.QueryRowContext(ctx,
		"SELECT id, user_id, project_id, membership_id, revoked, created_at FROM logins WHERE id = $1", id,
	).Scan(&l.ID, &l.UserID, &l.ProjectID, &l.MembershipID, &l.Revoked, &l.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return &l, err
}

func (s *PostgresStore) RevokeLogin(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, "UPDATE logins SET revoked = TRUE WHERE id = $1", id)
	return err
}

// --- Resources ---

func (s *PostgresStore) PutResource(ctx context.Context, r *Resource) error {
	now := time.Now().UTC()
	if r.CreatedAt.IsZero() {
		r.CreatedAt = now
	}
	r.UpdatedAt = now
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO resources (resource_type, id, project_id, content, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT(resource_type, id) DO UPDATE SET content = excluded.content, updated_at = excluded.updated_at`,
		r.ResourceType, r.ID, r.ProjectID, string(r.Content), r.CreatedAt, r.UpdatedAt)
	return err
}

func (s *PostgresStore) GetResource(ctx context.Context, resourceType, id string) (*Resource, error) {
	var r Resource
	var content string
	err := s.db.QueryRowContext(ctx,
		"SELECT resource_type, id, project_id, content, created_at, updated_at FROM resources WHERE resource_type = $1 AND id = $2",
		resourceType, id,
	).Scan(&r.ResourceType, &r.ID, &r.ProjectID, &content, &r.CreatedAt, &r.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	r.Content = json.RawMessage(content)
	return &r, err
}

func (s *PostgresStore) ListResources(ctx context.Context, projectID, resourceType string) ([]Resource, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT resource_type, id, project_id, content, created_at, updated_at FROM resources WHERE project_id = $1 AND resource_type = $2 ORDER BY created_at",
		projectID, resourceType)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Resource
	for rows.Next() {
		var r Resource
		var content string
		if err := rows.Scan(&r.ResourceType, &r.ID, &r.ProjectID, &content, &r.CreatedAt, &r.UpdatedAt); err != nil {
			return nil, err
		}
		r.Content = json.RawMessage(content)
		out = append(out, r)
	}
	return out, rows.Err()
}

// --- Audit ---

func (s *PostgresStore) LogAuditEvent(ctx context.Context, event *AuditEvent) error {
	detail := ""
	if event.Detail != nil {
		detail = string(event.Detail)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit_events (id, project_id, action, login_id, resource_id, outcome, detail, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		event.ID, event.ProjectID, event.Action, event.LoginID, event.ResourceID, event.Outcome, detail, event.CreatedAt,
	)
	return err
}

func (s *PostgresStore) ListAuditEvents(ctx context.Context, projectID string, filter AuditFilter) ([]AuditEvent, error) {
	if filter.Limit <= 0 {
		filter.Limit = 100
	}
	query := "SELECT id, project_id, action, login_id, resource_id, outcome, detail, created_at FROM audit_events WHERE project_id = $1"
	args := []any{projectID}
	if filter.Action != "" {
		args = append(args, filter.Action)
		query += fmt.Sprintf(" AND action = $%d", len(args))
	}
	args = append(args, filter.Limit)
	query += fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d", len(args))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []AuditEvent
	for rows.Next() {
		var e AuditEvent
		var detail string
		if err := rows.Scan(&e.ID, &e.ProjectID, &e.Action, &e.LoginID, &e.ResourceID, &e.Outcome, &detail, &e.CreatedAt); err != nil {
			return nil, err
		}
		if detail != "" {
			e.Detail = json.RawMessage(detail)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
