// Package auth provides the bearer-token middleware for the engine's HTTP
// surface. It verifies the token signature and copies the subject and roles
// claims into the request context; authorization itself happens in the access
// policy, never here.
package auth

import (
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	dErrors "shuttle/pkg/domain-errors"
	"shuttle/pkg/platform/httputil"
	"shuttle/pkg/requestcontext"
)

// Claims is the token payload the engine understands.
type Claims struct {
	Roles []string `json:"roles"`
	jwt.RegisteredClaims
}

// Verifier validates HMAC-signed bearer tokens.
type Verifier struct {
	signingKey []byte
	logger     *slog.Logger
}

func NewVerifier(signingKey []byte, logger *slog.Logger) *Verifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Verifier{signingKey: signingKey, logger: logger}
}

// Parse validates the token and returns its claims.
func (v *Verifier) Parse(tokenString string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return v.signingKey, nil
	})
	if err != nil {
		return nil, err
	}
	if !token.Valid {
		return nil, jwt.ErrTokenUnverifiable
	}
	return claims, nil
}

// RequireAuth rejects requests without a valid bearer token and injects the
// subject and claimed roles into the context.
func RequireAuth(verifier *Verifier, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			header := r.Header.Get("Authorization")
			token, ok := strings.CutPrefix(header, "Bearer ")
			if !ok || token == "" {
				logger.WarnContext(ctx, "missing bearer token",
					"path", r.URL.Path, "request_id", requestcontext.RequestID(ctx))
				writeUnauthorized(w, "missing or invalid Authorization header")
				return
			}

			claims, err := verifier.Parse(token)
			if err != nil {
				logger.WarnContext(ctx, "invalid bearer token",
					"path", r.URL.Path, "request_id", requestcontext.RequestID(ctx), "error", err)
				writeUnauthorized(w, "invalid or expired token")
				return
			}

			ctx = requestcontext.WithSubject(ctx, claims.Subject)
			ctx = requestcontext.WithRoles(ctx, claims.Roles)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func writeUnauthorized(w http.ResponseWriter, description string) {
	httputil.WriteJSON(w, http.StatusUnauthorized, map[string]string{
		"error":             "unauthorized",
		"error_description": description,
	})
}

// SignToken mints a token for the given subject and roles. Exported for tests
// and local tooling; production tokens come from the caller's identity plane.
func SignToken(signingKey []byte, subject string, roles []string, ttl time.Duration) (string, error) {
	claims := Claims{
		Roles: roles,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(signingKey)
	if err != nil {
		return "", dErrors.Wrap(err, dErrors.CodeInternal, "sign token")
	}
	return signed, nil
}
