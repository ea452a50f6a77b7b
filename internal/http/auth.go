package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/vaheed/resource-dispatcher/internal/lib/httperr"
)

// Roles understood by the API.
const (
	RoleAdmin          = "admin"
	RoleRelationWriter = "relationWriter"
	RoleReadOnly       = "readOnly"
	// RoleSyncHook is carried by the token embedded in the Metacontroller
	// webhook URL.
	RoleSyncHook = "syncHook"
)

type contextKey int

const claimsKey contextKey = 1

type Claims struct {
	Subject string   `json:"sub"`
	Roles   []string `json:"roles"`
	jwt.RegisteredClaims
}

type AuthConfig struct{ Key []byte }

func (a AuthConfig) ParseFromHeader(authz string) (*Claims, error) {
	if authz == "" || !strings.HasPrefix(strings.ToLower(authz), "bearer ") {
		return nil, errors.New("RD-401: missing bearer")
	}
	tok := strings.TrimSpace(authz[len("bearer "):])
	var c Claims
	_, err := jwt.ParseWithClaims(tok, &c, func(t *jwt.Token) (interface{}, error) {
		if t.Method.Alg() != jwt.SigningMethodHS256.Alg() {
			return nil, fmt.Errorf("unexpected signing method %s", t.Method.Alg())
		}
		return a.Key, nil
	})
	if err != nil {
		return nil, errors.New("RD-401: invalid token")
	}
	return &c, nil
}

// IssueToken signs an HS256 token for subject with roles. A ttl of zero
// issues a token without expiry.
func IssueToken(key []byte, subject string, roles []string, ttl time.Duration) (string, error) {
	if len(key) == 0 {
		return "", errors.New("signing key not configured")
	}
	now := time.Now()
	c := Claims{
		Subject:          subject,
		Roles:            roles,
		RegisteredClaims: jwt.RegisteredClaims{IssuedAt: jwt.NewNumericDate(now)},
	}
	if ttl > 0 {
		c.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, c).SignedString(key)
}

func WithClaims(ctx context.Context, c *Claims) context.Context {
	return context.WithValue(ctx, claimsKey, c)
}

func ClaimsFrom(ctx context.Context) *Claims {
	if v := ctx.Value(claimsKey); v != nil {
		if c, ok := v.(*Claims); ok {
			return c
		}
	}
	return &Claims{Subject: "anonymous", Roles: []string{RoleReadOnly}}
}

func HasRole(c *Claims, want ...string) bool {
	for _, r := range c.Roles {
		for _, w := range want {
			if r == w {
				return true
			}
		}
	}
	return false
}

// requireRole admits requests whose token carries one of roles. Admin is
// always admitted. With auth disabled every request passes as admin.
func (s *Server) requireRole(roles ...string) func(http.Handler) http.Handler {
	allowed := append(append([]string{}, roles...), RoleAdmin)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !s.opts.RequireAuth {
				c := &Claims{Subject: "anonymous", Roles: []string{RoleAdmin}}
				next.ServeHTTP(w, r.WithContext(WithClaims(r.Context(), c)))
				return
			}
			c, err := AuthConfig{Key: s.opts.SigningKey}.ParseFromHeader(r.Header.Get("Authorization"))
			if err != nil {
				httperr.Write(w, http.StatusUnauthorized, "RD-401", err.Error())
				return
			}
			if !HasRole(c, allowed...) {
				httperr.Write(w, http.StatusForbidden, "RD-403", "role not allowed")
				return
			}
			next.ServeHTTP(w, r.WithContext(WithClaims(r.Context(), c)))
		})
	}
}

// queryToken lets a caller that cannot set headers pass its bearer token as
// the token query parameter. Only the sync hook route uses it.
func queryToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if tok := r.URL.Query().Get("token"); tok != "" && r.Header.Get("Authorization") == "" {
			r = r.Clone(r.Context())
			r.Header.Set("Authorization", "Bearer "+tok)
		}
		next.ServeHTTP(w, r)
	})
}
