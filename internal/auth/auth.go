package auth

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"

	"generation-orchestrator/internal/config"
	"generation-orchestrator/internal/telemetry"
)

// ErrRejected is returned for a missing, malformed or unauthorized token.
var ErrRejected = errors.New("report rejected")

// Claims identifies the caller of a report.
type Claims struct {
	Subject string
	Role    string
}

type contextKey struct{}

// FromContext returns the claims set by Middleware. ok is false when the
// request was let through without a valid token.
func FromContext(ctx context.Context) (Claims, bool) {
	c, ok := ctx.Value(contextKey{}).(Claims)
	return c, ok
}

// Verifier checks report bearer tokens: HMAC-signed JWTs whose "role" claim
// is in the allow-list, or the configured static report token.
type Verifier struct {
	secret      []byte
	roles       map[string]struct{}
	staticToken string
	strict      bool
}

func NewVerifier(cfg config.AuthConfig) *Verifier {
	roles := make(map[string]struct{}, len(cfg.AllowedRoles))
	for _, r := range cfg.AllowedRoles {
		roles[r] = struct{}{}
	}
	return &Verifier{
		secret:      []byte(cfg.JWTSecret),
		roles:       roles,
		staticToken: cfg.ReportToken,
		strict:      cfg.Strict,
	}
}

// Verify validates an Authorization header value.
func (v *Verifier) Verify(header string) (Claims, error) {
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || strings.TrimSpace(token) == "" {
		return Claims{}, fmt.Errorf("%w: missing bearer token", ErrRejected)
	}
	token = strings.TrimSpace(token)

	if v.staticToken != "" && subtle.ConstantTimeCompare([]byte(token), []byte(v.staticToken)) == 1 {
		return Claims{Subject: "static", Role: "system"}, nil
	}
	if len(v.secret) == 0 {
		return Claims{}, fmt.Errorf("%w: no signing secret configured", ErrRejected)
	}

	parsed, err := jwt.Parse(token, func(*jwt.Token) (any, error) {
		return v.secret, nil
	}, jwt.WithValidMethods([]string{"HS256", "HS384", "HS512"}))
	if err != nil || !parsed.Valid {
		return Claims{}, fmt.Errorf("%w: invalid token: %v", ErrRejected, err)
	}
	mc, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return Claims{}, fmt.Errorf("%w: invalid claims", ErrRejected)
	}
	sub, _ := mc["sub"].(string)
	role, _ := mc["role"].(string)
	if _, allowed := v.roles[role]; !allowed {
		return Claims{}, fmt.Errorf("%w: role %q not allowed", ErrRejected, role)
	}
	return Claims{Subject: sub, Role: role}, nil
}

// Middleware verifies every request. A rejected request gets 401 in strict
// mode; otherwise it is logged and passed through without claims.
func (v *Verifier) Middleware(logger zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims, err := v.Verify(r.Header.Get("Authorization"))
			if err != nil {
				telemetry.AuthRejects.Inc()
				if v.strict {
					logger.Info().Err(err).Str("path", r.URL.Path).Msg("report rejected")
					w.Header().Set("Content-Type", "application/json")
					w.WriteHeader(http.StatusUnauthorized)
					_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error(), "code": "unauthorized"})
					return
				}
				logger.Warn().Err(err).Str("path", r.URL.Path).Msg("accepting unauthenticated report")
				next.ServeHTTP(w, r)
				return
			}
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), contextKey{}, claims)))
		})
	}
}

// Sign issues an HS256 token for subject with role, valid for ttl. A zero ttl
// issues a token without expiry.
func Sign(secret, subject, role string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"sub":  subject,
		"role": role,
		"iat":  now.Unix(),
	}
	if ttl != 0 {
		claims["exp"] = now.Add(ttl).Unix()
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}
