package auth

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const defaultTokenTTL = 30 * time.Minute

var (
	errMissingKeyring      = errors.New("auth: keyring must be provided")
	errMissingSubjectClaim = errors.New("token issuer: subject claim must be provided")
)

// TokenIssuerConfig configures the API bearer token issuer.
type TokenIssuerConfig struct {
	Keys     *Keyring
	Issuer   string
	Audience string
	TokenTTL time.Duration
	Clock    func() time.Time
}

// TokenIssuer mints bearer tokens for registered accounts and checks them on the way back in.
type TokenIssuer struct {
	keys     *Keyring
	issuer   string
	audience string
	ttl      time.Duration
	clock    func() time.Time
}

// NewTokenIssuer constructs a TokenIssuer.
func NewTokenIssuer(cfg TokenIssuerConfig) (*TokenIssuer, error) {
	if cfg.Keys == nil {
		return nil, errMissingKeyring
	}
	ttl := cfg.TokenTTL
	if ttl <= 0 {
		ttl = defaultTokenTTL
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &TokenIssuer{keys: cfg.Keys, issuer: cfg.Issuer, audience: cfg.Audience, ttl: ttl, clock: clock}, nil
}

// IssueToken returns a signed token for accountID and its lifetime in seconds.
func (i *TokenIssuer) IssueToken(_ context.Context, accountID string) (string, int64, error) {
	subject := strings.TrimSpace(accountID)
	if subject == "" {
		return "", 0, errMissingSubjectClaim
	}
	issuedAt := i.clock().UTC()
	expiresAt := issuedAt.Add(i.ttl)
	signed, err := i.keys.sign(jwt.RegisteredClaims{
		Subject:   subject,
		Issuer:    i.issuer,
		Audience:  jwt.ClaimStrings{i.audience},
		IssuedAt:  jwt.NewNumericDate(issuedAt),
		ExpiresAt: jwt.NewNumericDate(expiresAt),
	})
	if err != nil {
		return "", 0, err
	}
	return signed, int64(i.ttl / time.Second), nil
}

// ValidateToken returns the account a bearer token was issued for. Expired tokens fail with an
// error wrapping jwt.ErrTokenExpired.
func (i *TokenIssuer) ValidateToken(token string) (string, error) {
	var claims jwt.RegisteredClaims
	err := i.keys.parse(strings.TrimSpace(token), &claims,
		jwt.WithAudience(i.audience),
		jwt.WithIssuer(i.issuer),
		jwt.WithTimeFunc(i.clock),
	)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return "", errMissingSubjectClaim
	}
	return claims.Subject, nil
}
