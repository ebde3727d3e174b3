package auth

import (
	"context"
	"fmt"

	"github.com/Dharshan-K/medplum/gateway/internal/config"
	"github.com/Dharshan-K/medplum/gateway/internal/store"
)

// NewResolver creates a Resolver based on configuration.
func NewResolver(ctx context.Context, cfg config.AuthConfig, s store.Store) (Resolver, error) {
	switch cfg.Provider {
	case "", "builtin":
		return NewService(s, cfg), nil
	case "jwks":
		return NewJWKSResolver(ctx, cfg.JWKSURL, cfg.Issuer, s)
	default:
		return nil, fmt.Errorf("unknown auth provider: %q", cfg.Provider)
	}
}
