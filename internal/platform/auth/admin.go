package auth

import (
	"crypto/subtle"
	"net/http"
	"strings"

	jwt "github.com/golang-jwt/jwt/v4"

	"github.com/mobishop/api/internal/platform/requestctx"
)

// AdminKeyHeader carries the shared admin secret.
const AdminKeyHeader = "X-Admin-Key"

const adminRole = "admin"

// AdminGuard authorises admin routes by shared secret or by an HS256 bearer with role=admin.
type AdminGuard struct {
	apiKey    []byte
	jwtSecret []byte
	logger    Logger
}

type AdminOption func(*AdminGuard)

func WithAdminLogger(logger Logger) AdminOption {
	return func(g *AdminGuard) {
		if logger != nil {
			g.logger = logger
		}
	}
}

func NewAdminGuard(apiKey, jwtSecret string, opts ...AdminOption) *AdminGuard {
	g := &AdminGuard{
		apiKey:    []byte(strings.TrimSpace(apiKey)),
		jwtSecret: []byte(strings.TrimSpace(jwtSecret)),
		logger:    nopLogger{},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(g)
		}
	}
	return g
}

// Configured reports whether any admin credential is set.
func (g *AdminGuard) Configured() bool {
	return g != nil && (len(g.apiKey) > 0 || len(g.jwtSecret) > 0)
}

func (g *AdminGuard) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !g.Configured() {
			respondAuthError(w, r, http.StatusServiceUnavailable, "admin_unavailable", "admin access is not configured")
			return
		}
		if key := strings.TrimSpace(r.Header.Get(AdminKeyHeader)); key != "" && len(g.apiKey) > 0 {
			if subtle.ConstantTimeCompare([]byte(key), g.apiKey) == 1 {
				next.ServeHTTP(w, r.WithContext(requestctx.WithActor(r.Context(), "admin:key")))
				return
			}
			respondAuthError(w, r, http.StatusUnauthorized, "unauthenticated", "invalid admin key")
			return
		}
		if token, ok := bearerToken(r.Header.Get("Authorization")); ok && len(g.jwtSecret) > 0 {
			subject, err := g.verifyBearer(token)
			if err == nil {
				next.ServeHTTP(w, r.WithContext(requestctx.WithActor(r.Context(), "admin:"+subject)))
				return
			}
			g.logger.Printf("auth: admin bearer rejected: %v", err)
			if err == errNotAdmin {
				respondAuthError(w, r, http.StatusForbidden, "permission_denied", "admin role required")
				return
			}
			respondAuthError(w, r, http.StatusUnauthorized, "invalid_token", "admin token verification failed")
			return
		}
		respondAuthError(w, r, http.StatusUnauthorized, "unauthenticated", "admin credentials required")
	})
}

var errNotAdmin = jwt.NewValidationError("token lacks admin role", jwt.ValidationErrorClaimsInvalid)

type adminClaims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

func (g *AdminGuard) verifyBearer(raw string) (string, error) {
	claims := &adminClaims{}
	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if _, err := parser.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) {
		return g.jwtSecret, nil
	}); err != nil {
		return "", err
	}
	if claims.ExpiresAt == nil {
		return "", jwt.NewValidationError("token missing exp", jwt.ValidationErrorExpired)
	}
	if claims.Role != adminRole {
		return "", errNotAdmin
	}
	return firstNonEmpty(claims.Subject, "bearer"), nil
}
