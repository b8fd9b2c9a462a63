package session

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/kyutai-labs/moshi-serve/internal/config"
)

// sessionCookieName is the cookie the session-cookie auth method (spec
// §6.3, third of the three checked methods) reads the shared JWT from.
const sessionCookieName = "session"

// sessionClaims is the JWT payload spec §6.3 requires: a standard "exp"
// claim plus a nested session object carrying id/userId/expiresAt.
type sessionClaims struct {
	Session sessionObject `json:"session"`
	jwt.RegisteredClaims
}

type sessionObject struct {
	ID        string `json:"id"`
	UserID    string `json:"userId"`
	ExpiresAt string `json:"expiresAt"`
}

// Authenticator validates the three auth methods spec §6.3 names, checked
// in order: static API key (header or query), HS256 JWT bearer header, JWT
// session cookie. The validated result is an opaque principal string — the
// spec treats "what a principal authorizes" as an external collaborator's
// concern; the Session Layer only needs to know admission succeeded and
// under what identity to log it.
type Authenticator struct {
	apiKeys   map[string]struct{}
	jwtSecret []byte
}

// NewAuthenticator builds an Authenticator from the loaded auth config.
func NewAuthenticator(cfg config.AuthConfig) *Authenticator {
	keys := make(map[string]struct{}, len(cfg.AuthorizedIDs))
	for _, k := range cfg.AuthorizedIDs {
		if k != "" {
			keys[k] = struct{}{}
		}
	}
	return &Authenticator{
		apiKeys:   keys,
		jwtSecret: []byte(cfg.JWTSecret),
	}
}

// JWTEnabled reports whether JWT validation (bearer or cookie) is
// configured, for /api/status's auth summary (spec §6.1).
func (a *Authenticator) JWTEnabled() bool { return len(a.jwtSecret) > 0 }

// APIKeyEnabled reports whether static API key auth is configured.
func (a *Authenticator) APIKeyEnabled() bool { return len(a.apiKeys) > 0 }

// Authenticate checks r against the three methods in the order spec §6.3
// specifies and returns the validated principal. ok is false if none of the
// configured methods accept the request (including the case where no
// method is configured at all).
func (a *Authenticator) Authenticate(r *http.Request) (principal string, ok bool) {
	if key := apiKeyFromRequest(r); key != "" {
		if _, found := a.apiKeys[key]; found {
			return "apikey:" + key, true
		}
	}

	if tok := bearerToken(r); tok != "" {
		if p, err := a.validateJWT(tok); err == nil {
			return p, true
		}
	}

	if c, err := r.Cookie(sessionCookieName); err == nil && c.Value != "" {
		if p, err := a.validateJWT(c.Value); err == nil {
			return p, true
		}
	}

	return "", false
}

func apiKeyFromRequest(r *http.Request) string {
	if v := r.Header.Get("kyutai-api-key"); v != "" {
		return v
	}
	return r.URL.Query().Get("auth_id")
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if strings.HasPrefix(h, prefix) {
		return strings.TrimSpace(h[len(prefix):])
	}
	return ""
}

// validateJWT parses and validates tok as an HS256 JWT against the shared
// secret, requiring the "exp" claim and a populated session.id per spec
// §6.3.
func (a *Authenticator) validateJWT(tok string) (string, error) {
	if len(a.jwtSecret) == 0 {
		return "", fmt.Errorf("session: no jwt secret configured")
	}
	claims := &sessionClaims{}
	parsed, err := jwt.ParseWithClaims(tok, claims, func(t *jwt.Token) (any, error) {
		return a.jwtSecret, nil
	}, jwt.WithValidMethods([]string{"HS256"}), jwt.WithExpirationRequired())
	if err != nil {
		return "", fmt.Errorf("session: parse jwt: %w", err)
	}
	if !parsed.Valid {
		return "", fmt.Errorf("session: jwt not valid")
	}
	if claims.Session.ID == "" {
		return "", fmt.Errorf("session: jwt missing session.id claim")
	}
	principal := claims.Session.UserID
	if principal == "" {
		principal = claims.Session.ID
	}
	return "jwt:" + principal, nil
}
