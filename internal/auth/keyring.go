package auth

import (
	"errors"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

var errMissingSigningSecret = errors.New("auth: signing secret must be provided")

// Keyring holds the HMAC secrets shared by bearer tokens and session cookies. Tokens are
// signed with the current secret and accepted when any retired secret still verifies them.
type Keyring struct {
	secrets [][]byte
}

// NewKeyring builds a keyring from the current secret followed by retired ones. Blank retired
// secrets are skipped.
func NewKeyring(current string, retired ...string) (*Keyring, error) {
	if strings.TrimSpace(current) == "" {
		return nil, errMissingSigningSecret
	}
	secrets := [][]byte{[]byte(current)}
	for _, secret := range retired {
		if strings.TrimSpace(secret) == "" || secret == current {
			continue
		}
		secrets = append(secrets, []byte(secret))
	}
	return &Keyring{secrets: secrets}, nil
}

// Size reports how many secrets verify tokens.
func (k *Keyring) Size() int {
	return len(k.secrets)
}

func (k *Keyring) sign(claims jwt.Claims) (string, error) {
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(k.secrets[0])
}

// parse verifies token against every secret, newest first. Only signature mismatches move on
// to the next secret.
func (k *Keyring) parse(token string, claims jwt.Claims, options ...jwt.ParserOption) error {
	options = append(options, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	var lastErr error
	for _, secret := range k.secrets {
		parsed, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (interface{}, error) {
			return secret, nil
		}, options...)
		if err == nil {
			if parsed == nil || !parsed.Valid {
				return jwt.ErrTokenUnverifiable
			}
			return nil
		}
		if !errors.Is(err, jwt.ErrTokenSignatureInvalid) {
			return err
		}
		lastErr = err
	}
	return lastErr
}
