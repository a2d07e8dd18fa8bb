package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/seanblong/circularsearch/internal/outcome"
)

// ContextKey is a custom type for context keys to avoid collisions
type ContextKey string

const UserContextKey ContextKey = "user"

const (
	RoleAdmin  = "admin"
	RoleReader = "reader"

	// DefaultTTL is the lifetime of issued tokens.
	DefaultTTL = 24 * time.Hour

	issuer          = "circularsearch"
	minSecretLength = 16
	cookieName      = "auth_token"
)

var (
	ErrNoToken      = errors.New("authentication required")
	ErrInvalidToken = errors.New("invalid authentication token")
	ErrForbidden    = errors.New("admin role required")
)

// Principal is the authenticated caller.
type Principal struct {
	Subject string `json:"subject"`
	Role    string `json:"role"`
}

type Claims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// Authenticator issues and checks HS256 tokens. When disabled, query
// endpoints are open; admin endpoints always need a valid admin token.
type Authenticator struct {
	secret  []byte
	enabled bool
	now     func() time.Time
}

// New creates an Authenticator. A secret is required when auth is enabled.
func New(secret string, enabled bool) (*Authenticator, error) {
	if enabled && len(secret) < minSecretLength {
		return nil, outcome.Configf("auth", "jwt secret must be at least %d characters when auth is enabled", minSecretLength)
	}
	return &Authenticator{secret: []byte(secret), enabled: enabled, now: time.Now}, nil
}

// IsAuthEnabled returns whether authentication is enabled
func (a *Authenticator) IsAuthEnabled() bool {
	return a != nil && a.enabled
}

// GenerateJWT creates a signed token for subject with the given role.
func (a *Authenticator) GenerateJWT(subject, role string, ttl time.Duration) (string, error) {
	if len(a.secret) == 0 {
		return "", outcome.Configf("auth", "jwt secret is not configured")
	}
	if subject == "" {
		return "", errors.New("subject is required")
	}
	if role != RoleAdmin && role != RoleReader {
		return "", fmt.Errorf("unknown role %q", role)
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	now := a.now()
	claims := Claims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(a.secret)
}

// ValidateJWT validates and parses a JWT token
func (a *Authenticator) ValidateJWT(tokenString string) (*Principal, error) {
	if len(a.secret) == 0 {
		return nil, ErrInvalidToken
	}
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method")
		}
		return a.secret, nil
	}, jwt.WithIssuer(issuer), jwt.WithTimeFunc(a.now))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	if claims, ok := token.Claims.(*Claims); ok && token.Valid {
		return &Principal{Subject: claims.Subject, Role: claims.Role}, nil
	}
	return nil, ErrInvalidToken
}

// OptionalAuthMiddleware extracts and validates JWT from request if auth is enabled
// If auth is disabled, it allows all requests through
func (a *Authenticator) OptionalAuthMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !a.IsAuthEnabled() {
			next.ServeHTTP(w, r)
			return
		}
		p, err := a.authenticate(r)
		if err != nil {
			http.Error(w, err.Error(), http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), UserContextKey, p)))
	}
}

// RequireAdmin rejects requests that do not carry a valid admin token,
// whether or not auth is enabled for queries.
func (a *Authenticator) RequireAdmin(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p, err := a.authenticate(r)
		if err != nil {
			http.Error(w, err.Error(), http.StatusUnauthorized)
			return
		}
		if p.Role != RoleAdmin {
			http.Error(w, ErrForbidden.Error(), http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), UserContextKey, p)))
	}
}

func (a *Authenticator) authenticate(r *http.Request) (*Principal, error) {
	tokenString := tokenFromRequest(r)
	if tokenString == "" {
		return nil, ErrNoToken
	}
	p, err := a.ValidateJWT(tokenString)
	if err != nil {
		return nil, ErrInvalidToken
	}
	return p, nil
}

// tokenFromRequest reads the Authorization header first, then the cookie.
func tokenFromRequest(r *http.Request) string {
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(h, "Bearer "))
	}
	if cookie, err := r.Cookie(cookieName); err == nil {
		return cookie.Value
	}
	return ""
}

// GetUserFromContext extracts user from request context
func GetUserFromContext(r *http.Request) *Principal {
	if p, ok := r.Context().Value(UserContextKey).(*Principal); ok {
		return p
	}
	return nil
}
