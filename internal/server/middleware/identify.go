package middleware

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/alanyoungcy/playmarket/internal/domain"
)

// Claims are the bearer-token claims the API understands. Subject is the
// user id.
type Claims struct {
	Role string `json:"role,omitempty"`
	jwt.RegisteredClaims
}

var errNoToken = errors.New("no bearer token")

// Identify returns middleware that resolves the caller from an HS256 bearer
// token and stores it with domain.WithIdentity. Requests without a token
// pass through anonymously; requests with an invalid token get a 401.
func Identify(secret []byte) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id, err := ParseToken(secret, extractToken(r))
			if errors.Is(err, errNoToken) {
				next.ServeHTTP(w, r)
				return
			}
			if err != nil {
				writeError(w, http.StatusUnauthorized, domain.KindUnauthorized, "invalid authentication token")
				return
			}
			next.ServeHTTP(w, r.WithContext(domain.WithIdentity(r.Context(), id)))
		})
	}
}

// ParseToken verifies an HS256 token and returns the identity it carries.
// Unknown roles are treated as members.
func ParseToken(secret []byte, token string) (domain.Identity, error) {
	if token == "" {
		return domain.Identity{}, errNoToken
	}
	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return domain.Identity{}, fmt.Errorf("middleware: parse token: %w", err)
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid || claims.Subject == "" {
		return domain.Identity{}, errors.New("middleware: invalid token claims")
	}

	role := domain.RoleMember
	if domain.Role(claims.Role) == domain.RoleAdmin {
		role = domain.RoleAdmin
	}
	return domain.Identity{UserID: claims.Subject, Role: role}, nil
}

// SignToken issues an HS256 token for id that expires after ttl. Tokens are
// normally minted by the host platform; this is used by tooling and tests.
func SignToken(secret []byte, id domain.Identity, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		Role: string(id.Role),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   id.UserID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
}

// extractToken looks for a token in the Authorization header (Bearer scheme).
func extractToken(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); auth != "" {
		parts := strings.SplitN(auth, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
			return strings.TrimSpace(parts[1])
		}
	}
	return ""
}

func writeError(w http.ResponseWriter, status int, kind domain.Kind, msg string) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	fmt.Fprintf(w, `{"error":%q,"kind":%q}`, msg, kind)
}
