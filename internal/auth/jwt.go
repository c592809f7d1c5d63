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

// ErrMissingSubject is returned for tokens without a sub claim
var ErrMissingSubject = errors.New("token missing user ID (subject)")

// User represents an authenticated caller
type User struct {
	ID    string `json:"id"`
	Email string `json:"email"`
	Name  string `json:"name"`
}

// JWTVerifier validates bearer tokens against a JWKS endpoint. Keys are
// cached and refreshed in the background by jwk.Cache.
type JWTVerifier struct {
	jwksURL string
	cache   *jwk.Cache
	keys    jwk.Set
}

// NewJWTVerifier registers jwksURL with a refreshing cache and performs an
// initial fetch. The cache stops refreshing when ctx is done.
func NewJWTVerifier(ctx context.Context, jwksURL string) (*JWTVerifier, error) {
	cache := jwk.NewCache(ctx)
	if err := cache.Register(jwksURL, jwk.WithMinRefreshInterval(5*time.Minute)); err != nil {
		return nil, fmt.Errorf("failed to register JWKS URL: %w", err)
	}

	fetchCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if _, err := cache.Refresh(fetchCtx, jwksURL); err != nil {
		return nil, fmt.Errorf("failed initial JWKS fetch: %w", err)
	}

	return &JWTVerifier{
		jwksURL: jwksURL,
		cache:   cache,
		keys:    jwk.NewCachedSet(cache, jwksURL),
	}, nil
}

// UserFromRequest parses and validates the Authorization bearer token
func (v *JWTVerifier) UserFromRequest(r *http.Request) (*User, error) {
	token, err := jwt.ParseRequest(r,
		jwt.WithKeySet(v.keys),
		jwt.WithValidate(true),
		jwt.WithAcceptableSkew(30*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to parse JWT: %w", err)
	}

	if token.Subject() == "" {
		return nil, ErrMissingSubject
	}

	user := &User{ID: token.Subject()}
	if v, ok := token.Get("email"); ok {
		user.Email, _ = v.(string)
	}
	if v, ok := token.Get("name"); ok {
		user.Name, _ = v.(string)
	}
	return user, nil
}
