package auth

import (
	"context"
	"fmt"

	"github.com/MicahParks/keyfunc/v3"
	"github.com/golang-jwt/jwt/v5"

	"github.com/Dharshan-K/medplum/gateway/internal/store"
)

// JWKSResolver validates externally issued JWTs against a JWKS endpoint and
// resolves the login_id claim (or sub) through the store.
type JWKSResolver struct {
	store  store.Store
	issuer string
	jwks   keyfunc.Keyfunc
}

// NewJWKSResolver fetches keys from jwksURL. The background refresh stops
// when ctx is done.
func NewJWKSResolver(ctx context.Context, jwksURL, issuer string, s store.Store) (*JWKSResolver, error) {
	if jwksURL == "" {
		return nil, fmt.Errorf("jwks url is required")
	}
	jwks, err := keyfunc.NewDefaultCtx(ctx, []string{jwksURL})
	if err != nil {
		return nil, fmt.Errorf("fetch JWKS from %s: %w", jwksURL, err)
	}
	return newJWKSResolver(jwks, issuer, s), nil
}

func newJWKSResolver(jwks keyfunc.Keyfunc, issuer string, s store.Store) *JWKSResolver {
	return &JWKSResolver{store: s, issuer: issuer, jwks: jwks}
}

// Name returns the provider name.
func (r *JWKSResolver) Name() string { return "jwks" }

// Resolve parses the token and loads its login.
func (r *JWKSResolver) Resolve(ctx context.Context, tokenStr string) (*State, error) {
	if tokenStr == "" {
		return nil, ErrUnauthorized
	}
	opts := []jwt.ParserOption{jwt.WithExpirationRequired()}
	if r.issuer != "" {
		opts = append(opts, jwt.WithIssuer(r.issuer))
	}
	token, err := jwt.Parse(tokenStr, r.jwks.KeyfuncCtx(ctx), opts...)
	if err != nil {
		return nil, ErrUnauthorized
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return nil, ErrUnauthorized
	}

	loginID := claimStr(claims, "login_id")
	if loginID == "" {
		loginID = claimStr(claims, "sub")
	}
	if loginID == "" {
		return nil, ErrUnauthorized
	}
	return loadState(ctx, r.store, loginID)
}

// claimStr extracts a string claim or returns "".
func claimStr(claims jwt.MapClaims, key string) string {
	v, _ := claims[key].(string)
	return v
}
