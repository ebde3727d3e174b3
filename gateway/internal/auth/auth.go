// Package auth resolves access tokens into the login, project and membership
// they were issued for.
package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/Dharshan-K/medplum/gateway/internal/config"
	"github.com/Dharshan-K/medplum/gateway/internal/store"
)

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrUserExists         = errors.New("user already exists")
	ErrUnauthorized       = errors.New("unauthorized")
)

// State is the authenticated principal behind an access token.
type State struct {
	Login      *store.Login
	Project    *store.Project
	Membership *store.Membership
}

// Resolver turns an access token into a State.
type Resolver interface {
	Resolve(ctx context.Context, accessToken string) (*State, error)
}

// Claims represents the JWT token claims.
type Claims struct {
	LoginID string `json:"login_id"`
	Profile string `json:"profile,omitempty"`
	jwt.RegisteredClaims
}

// Service is the builtin provider: it issues and validates HS256 tokens and
// manages password logins.
type Service struct {
	store     store.Store
	jwtSecret []byte
	jwtExpiry time.Duration
	issuer    string
}

// NewService creates a new auth service.
func NewService(s store.Store, cfg config.AuthConfig) *Service {
	expiry := cfg.JWTExpiry.Duration
	if expiry == 0 {
		expiry = time.Hour
	}
	return &Service{
		store:     s,
		jwtSecret: []byte(cfg.JWTSecret),
		jwtExpiry: expiry,
		issuer:    cfg.Issuer,
	}
}

// Name returns the provider name.
func (s *Service) Name() string { return "builtin" }

// CreateUser creates a user with a bcrypt password hash and a membership in
// projectID.
func (s *Service) CreateUser(ctx context.Context, projectID, email, password, profile string, admin bool) (*store.User, *store.Membership, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	existing, err := s.store.GetUserByEmail(ctx, email)
	if err != nil {
		return nil, nil, fmt.Errorf("check existing: %w", err)
	}
	if existing != nil {
		return nil, nil, ErrUserExists
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, nil, fmt.Errorf("hash password: %w", err)
	}

	user := &store.User{
		ID:           uuid.New().String(),
		Email:        email,
		PasswordHash: string(hash),
		CreatedAt:    time.Now(),
	}
	if err := s.store.CreateUser(ctx, user); err != nil {
		return nil, nil, fmt.Errorf("create user: %w", err)
	}

	membership := &store.Membership{
		ID:        uuid.New().String(),
		ProjectID: projectID,
		UserID:    user.ID,
		Profile:   profile,
		Admin:     admin,
		CreatedAt: time.Now(),
	}
	if err := s.store.CreateMembership(ctx, membership); err != nil {
		return nil, nil, fmt.Errorf("create membership: %w", err)
	}
	return user, membership, nil
}

// Login verifies a password, records a Login and returns a signed access
// token for it.
func (s *Service) Login(ctx context.Context, projectID, email, password string) (string, error) {
	user, err := s.store.GetUserByEmail(ctx, strings.ToLower(strings.TrimSpace(email)))
	if err != nil {
		return "", fmt.Errorf("get user: %w", err)
	}
	if user == nil {
		return "", ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return "", ErrInvalidCredentials
	}

	membership, err := s.store.GetMembershipByUser(ctx, projectID, user.ID)
	if err != nil {
		return "", fmt.Errorf("get membership: %w", err)
	}
	if membership == nil {
		return "", ErrInvalidCredentials
	}

	login := &store.Login{
		ID:           uuid.New().String(),
		UserID:       user.ID,
		ProjectID:    projectID,
		MembershipID: membership.ID,
		CreatedAt:    time.Now(),
	}
	if err := s.store.CreateLogin(ctx, login); err != nil {
		return "", fmt.Errorf("create login: %w", err)
	}
	return s.IssueToken(login, membership.Profile)
}

// IssueToken signs an access token for an existing login.
func (s *Service) IssueToken(login *store.Login, profile string) (string, error) {
	now := time.Now()
	claims := &Claims{
		LoginID: login.ID,
		Profile: profile,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.issuer,
			Subject:   login.UserID,
			ExpiresAt: jwt.NewNumericDate(now.Add(s.jwtExpiry)),
			IssuedAt:  jwt.NewNumericDate(now),
			ID:        uuid.New().String(),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.jwtSecret)
}

// Resolve validates the token and loads the principal from the store.
func (s *Service) Resolve(ctx context.Context, accessToken string) (*State, error) {
	claims, err := s.validateJWT(accessToken)
	if err != nil {
		return nil, err
	}
	return loadState(ctx, s.store, claims.LoginID)
}

// validateJWT validates a JWT token and returns the claims.
func (s *Service) validateJWT(tokenStr string) (*Claims, error) {
	if tokenStr == "" {
		return nil, ErrUnauthorized
	}
	opts := []jwt.ParserOption{jwt.WithExpirationRequired()}
	if s.issuer != "" {
		opts = append(opts, jwt.WithIssuer(s.issuer))
	}
	token, err := jwt.ParseWithClaims(tokenStr, &Claims{}, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.jwtSecret, nil
	}, opts...)
	if err != nil {
		return nil, ErrUnauthorized
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || claims.LoginID == "" {
		return nil, ErrUnauthorized
	}
	return claims, nil
}

// loadState looks up a login and everything it points at. Missing or
// revoked logins are unauthorized.
func loadState(ctx context.Context, s store.Store, loginID string) (*State, error) {
	login, err := s.GetLogin(ctx, loginID)
	if err != nil {
		return nil, fmt.Errorf("get login: %w", err)
	}
	if login == nil || login.Revoked {
		return nil, ErrUnauthorized
	}

	membership, err := s.GetMembership(ctx, login.MembershipID)
	if err != nil {
		return nil, fmt.Errorf("get membership: %w", err)
	}
	if membership == nil {
		return nil, ErrUnauthorized
	}

	project, err := s.GetProject(ctx, membership.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("get project: %w", err)
	}
	if project == nil {
		return nil, ErrUnauthorized
	}

	return &State{Login: login, Project: project, Membership: membership}, nil
}
