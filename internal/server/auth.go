package server

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

type contextKey string

const ownerKey contextKey = "owner_id"

// anonymousOwner scopes unauthenticated requests when no signing secret is
// configured.
const anonymousOwner = "anonymous"

// OwnerID returns the owner identity attached to the request context.
func OwnerID(ctx context.Context) string {
	if v, ok := ctx.Value(ownerKey).(string); ok {
		return v
	}
	return anonymousOwner
}

// withOwner resolves the caller's identity. With a signing secret configured
// the request must carry a valid HS256 bearer token whose subject is the
// owner ID. Without one, the X-User-ID header is trusted and absent callers
// share the anonymous scope.
func (s *Server) withOwner(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		owner, err := s.resolveOwner(r)
		if err != nil {
			s.errorResponse(w, HTTPStatus(err), err.Error())
			return
		}
		ctx := context.WithValue(r.Context(), ownerKey, owner)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) resolveOwner(r *http.Request) (string, error) {
	if s.authSecret == "" {
		if id := strings.TrimSpace(r.Header.Get("X-User-ID")); id != "" {
			return id, nil
		}
		return anonymousOwner, nil
	}

	header := r.Header.Get("Authorization")
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || token == "" {
		return "", &ErrUnauthorized{}
	}

	claims := &jwt.RegisteredClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return []byte(s.authSecret), nil
	})
	if err != nil || !parsed.Valid || claims.Subject == "" {
		return "", &ErrUnauthorized{}
	}
	return claims.Subject, nil
}
