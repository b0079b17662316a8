// Package middleware holds the HTTP middleware for the API. Identity
// management lives outside this system; callers arrive with a bearer token
// minted by the account collaborator, and the middleware only verifies it
// and surfaces the actor reference to handlers.
package middleware

import (
	"errors"
	"net/http"
	"strings"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"

	"github.com/procyon-edu/assessd/internal/model"
)

// Claims carries the actor reference and role inside the bearer token.
type Claims struct {
	Ref  string `json:"ref"`
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// SignToken mints a token for the given actor. Exposed for tests and for
// local development tooling; production tokens come from the identity
// collaborator sharing the same secret.
func SignToken(secret []byte, ref, role string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		Ref:  ref,
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
}

func parseToken(secret []byte, tok string) (*Claims, error) {
	t, err := jwt.ParseWithClaims(tok, &Claims{}, func(*jwt.Token) (any, error) { return secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return nil, err
	}
	if c, ok := t.Claims.(*Claims); ok && t.Valid && c.Ref != "" {
		return c, nil
	}
	return nil, errors.New("invalid token claims")
}

// Auth verifies the Authorization bearer token and stores the actor in the
// request context. Requests without a valid token get 401.
func Auth(secret []byte) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			token := strings.TrimPrefix(header, "Bearer ")
			if token == "" || token == header {
				http.Error(w, "missing bearer token", http.StatusUnauthorized)
				return
			}
			claims, err := parseToken(secret, token)
			if err != nil {
				http.Error(w, "invalid token", http.StatusUnauthorized)
				return
			}
			actor := &model.Actor{Ref: claims.Ref, Role: claims.Role}
			next.ServeHTTP(w, r.WithContext(model.ContextWithActor(r.Context(), actor)))
		})
	}
}
