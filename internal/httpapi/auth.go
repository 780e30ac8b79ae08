package httpapi

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Scopes carried in access tokens.
const (
	ScopeSolve    = "solve"
	ScopeThreads  = "threads:read"
	ScopeFeedback = "feedback:write"
)

// ContextKey is the key type for context values
type ContextKey string

// ClaimsContextKey holds the validated *Claims of the caller.
const ClaimsContextKey ContextKey = "claims"

var defaultScopes = []string{ScopeSolve, ScopeThreads, ScopeFeedback}

// Claims are the JWT claims accepted by the API.
type Claims struct {
	jwt.RegisteredClaims
	Scopes []string `json:"scopes"`
}

// HasScope reports whether the token grants scope.
func (c *Claims) HasScope(scope string) bool {
	for _, s := range c.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}

// JWTManager issues and validates HS256 access tokens.
type JWTManager struct {
	signingKey []byte
	issuer     string
	ttl        time.Duration
}

func NewJWTManager(signingKey, issuer string, ttl time.Duration) *JWTManager {
	if issuer == "" {
		issuer = "mathagent"
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &JWTManager{signingKey: []byte(signingKey), issuer: issuer, ttl: ttl}
}

// Issue creates a token for subject. No scopes means all API scopes.
func (j *JWTManager) Issue(subject string, scopes ...string) (string, error) {
	if len(scopes) == 0 {
		scopes = defaultScopes
	}
	now := time.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    j.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(j.ttl)),
			NotBefore: jwt.NewNumericDate(now),
			ID:        uuid.New().String(),
		},
		Scopes: scopes,
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(j.signingKey)
}

// Validate parses and checks a token.
func (j *JWTManager) Validate(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return j.signingKey, nil
	}, jwt.WithIssuer(j.issuer))
	if err != nil {
		return nil, fmt.Errorf("failed to parse token: %w", err)
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid token claims")
	}
	return claims, nil
}

// Middleware authenticates requests with a bearer token. A nil manager
// disables authentication.
func Middleware(jm *JWTManager, logger *zap.Logger, next http.Handler) http.Handler {
	if jm == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r.Header.Get("Authorization"))
		// EventSource cannot send headers
		if token == "" && strings.HasPrefix(r.URL.Path, "/v1/stream/") {
			token = r.URL.Query().Get("token")
		}
		if token == "" {
			writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		claims, err := jm.Validate(token)
		if err != nil {
			logger.Debug("Rejected token", zap.Error(err))
			writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ClaimsContextKey, claims)))
	})
}

// requireScope rejects callers whose token lacks scope. Requests that
// passed through a disabled middleware carry no claims and are allowed.
func requireScope(scope string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if claims, ok := r.Context().Value(ClaimsContextKey).(*Claims); ok && !claims.HasScope(scope) {
			writeError(w, http.StatusForbidden, "missing scope "+scope)
			return
		}
		next(w, r)
	}
}

func bearerToken(header string) string {
	if len(header) < 7 || !strings.EqualFold(header[:7], "Bearer ") {
		return ""
	}
	return strings.TrimSpace(header[7:])
}
