// Package auth authenticates API callers with bearer JWTs verified against a
// JWKS endpoint.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jwt"
)

// User represents an authenticated user from JWT token
type User struct {
	ID    string `json:"id"`
	Email string `json:"email"`
	Name  string `json:"name"`
}

// Verifier resolves the caller of a request.
type Verifier interface {
	UserFromRequest(r *http.Request) (*User, error)
}

var ErrMissingSubject = errors.New("token missing user ID (subject)")

// JWTVerifier handles JWT token verification with cached JWKS
type JWTVerifier struct {
	jwksURL string
	keys    jwk.Set
}

// NewJWTVerifier registers jwksURL with a refreshing cache and fetches it
// once so a bad URL fails at startup. Later lookups never block on the
// network unless the cache is stale.
func NewJWTVerifier(ctx context.Context, jwksURL string, refresh time.Duration) (*JWTVerifier, error) {
	if refresh <= 0 {
		refresh = 5 * time.Minute
	}
	cache := jwk.NewCache(ctx)
	if err := cache.Register(jwksURL, jwk.WithMinRefreshInterval(refresh)); err != nil {
		return nil, fmt.Errorf("failed to register JWKS URL: %w", err)
	}

	warmCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if _, err := cache.Refresh(warmCtx, jwksURL); err != nil {
		return nil, fmt.Errorf("failed initial JWKS fetch: %w", err)
	}

	return &JWTVerifier{jwksURL: jwksURL, keys: jwk.NewCachedSet(cache, jwksURL)}, nil
}

// NewStaticVerifier verifies against a fixed key set.
func NewStaticVerifier(keys jwk.Set) *JWTVerifier {
	return &JWTVerifier{keys: keys}
}

// UserFromRequest extracts and validates the JWT token from the request
func (v *JWTVerifier) UserFromRequest(r *http.Request) (*User, error) {
	token, err := jwt.ParseRequest(r,
		jwt.WithKeySet(v.keys),
		jwt.WithValidate(true),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to parse JWT: %w", err)
	}

	userID := token.Subject()
	if userID == "" {
		return nil, ErrMissingSubject
	}

	var email, name string
	if emailClaim, ok := token.Get("email"); ok {
		email, _ = emailClaim.(string)
	}
	if nameClaim, ok := token.Get("name"); ok {
		name, _ = nameClaim.(string)
	}

	return &User{ID: userID, Email: email, Name: name}, nil
}

// KeyCount returns how many verification keys are loaded.
func (v *JWTVerifier) KeyCount() int {
	if v.keys == nil {
		return 0
	}
	return v.keys.Len()
}
