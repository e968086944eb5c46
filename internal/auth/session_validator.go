package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrMissingSessionIssuer     = errors.New("session validator: issuer required")
	ErrMissingSessionCookieName = errors.New("session validator: cookie name required")
	ErrMissingSessionToken      = errors.New("session validator: token required")
	ErrInvalidSessionToken      = errors.New("session validator: invalid token")
	ErrExpiredSessionToken      = errors.New("session validator: token expired")
	ErrMissingSessionSubject    = errors.New("session validator: subject required")
)

// SessionClaims is the payload of a browser session cookie.
type SessionClaims struct {
	AccountID   string   `json:"account_id"`
	Email       string   `json:"email"`
	DisplayName string   `json:"display_name"`
	Roles       []string `json:"roles"`
	jwt.RegisteredClaims
}

// Identity returns the account a session belongs to. Account ids of the form
// "<provider>:<id>" resolve to <id>; without an account id the subject, then the email, is used.
func (c SessionClaims) Identity() string {
	if raw := strings.TrimSpace(c.AccountID); raw != "" {
		provider, subject, found := strings.Cut(raw, ":")
		if found && strings.TrimSpace(provider) != "" && strings.TrimSpace(subject) != "" {
			return strings.TrimSpace(subject)
		}
		return raw
	}
	if subject := strings.TrimSpace(c.Subject); subject != "" {
		return subject
	}
	return strings.TrimSpace(c.Email)
}

// SessionValidatorConfig describes how session cookies are checked.
type SessionValidatorConfig struct {
	Keys       *Keyring
	Issuer     string
	CookieName string
	Clock      func() time.Time
}

// SessionValidator authenticates requests carrying a session cookie.
type SessionValidator struct {
	keys       *Keyring
	issuer     string
	cookieName string
	clock      func() time.Time
}

// NewSessionValidator constructs a validator with the provided configuration.
func NewSessionValidator(cfg SessionValidatorConfig) (*SessionValidator, error) {
	if cfg.Keys == nil {
		return nil, errMissingKeyring
	}
	issuer := strings.TrimSpace(cfg.Issuer)
	if issuer == "" {
		return nil, ErrMissingSessionIssuer
	}
	cookieName := strings.TrimSpace(cfg.CookieName)
	if cookieName == "" {
		return nil, ErrMissingSessionCookieName
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &SessionValidator{keys: cfg.Keys, issuer: issuer, cookieName: cookieName, clock: clock}, nil
}

// CookieName returns the cookie consulted by ValidateRequest.
func (v *SessionValidator) CookieName() string {
	return v.cookieName
}

// ValidateToken checks a session token and returns its claims.
func (v *SessionValidator) ValidateToken(token string) (SessionClaims, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return SessionClaims{}, ErrMissingSessionToken
	}
	var claims SessionClaims
	if err := v.keys.parse(token, &claims, jwt.WithTimeFunc(v.clock), jwt.WithIssuer(v.issuer)); err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return SessionClaims{}, ErrExpiredSessionToken
		}
		return SessionClaims{}, fmt.Errorf("%w: %v", ErrInvalidSessionToken, err)
	}
	if claims.Identity() == "" {
		return SessionClaims{}, ErrMissingSessionSubject
	}
	return claims, nil
}

// ValidateRequest validates the session cookie of r.
func (v *SessionValidator) ValidateRequest(r *http.Request) (SessionClaims, error) {
	if r == nil {
		return SessionClaims{}, ErrMissingSessionToken
	}
	cookie, err := r.Cookie(v.cookieName)
	if err != nil {
		return SessionClaims{}, ErrMissingSessionToken
	}
	return v.ValidateToken(cookie.Value)
}
