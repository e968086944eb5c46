package auth

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	testSessionSigningSecret = "secret"
	testSessionIssuer        = "patchset-auth"
	testSessionCookieName    = "patchset_session"
	testSessionAccountID     = "account-123"
	testSessionEmail         = "user@example.com"
)

func newTestSessionValidator(t *testing.T, clock func() time.Time) *SessionValidator {
	t.Helper()
	keys, err := NewKeyring("rotated", testSessionSigningSecret)
	if err != nil {
		t.Fatalf("failed to build keyring: %v", err)
	}
	validator, err := NewSessionValidator(SessionValidatorConfig{
		Keys:       keys,
		Issuer:     testSessionIssuer,
		CookieName: testSessionCookieName,
		Clock:      clock,
	})
	if err != nil {
		t.Fatalf("failed to construct validator: %v", err)
	}
	return validator
}

func signSession(t *testing.T, claims SessionClaims) string {
	t.Helper()
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSessionSigningSecret))
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}
	return signed
}

func TestSessionValidatorValidateToken(t *testing.T) {
	clockNow := time.Date(2024, 9, 1, 12, 0, 0, 0, time.UTC)
	validator := newTestSessionValidator(t, func() time.Time { return clockNow })

	signed := signSession(t, SessionClaims{
		AccountID: testSessionAccountID,
		Email:     testSessionEmail,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    testSessionIssuer,
			Subject:   testSessionAccountID,
			IssuedAt:  jwt.NewNumericDate(clockNow.Add(-time.Minute)),
			ExpiresAt: jwt.NewNumericDate(clockNow.Add(time.Hour)),
		},
	})

	claims, err := validator.ValidateToken(signed)
	if err != nil {
		t.Fatalf("unexpected validation failure: %v", err)
	}
	if claims.AccountID != testSessionAccountID {
		t.Fatalf("unexpected account id: %s", claims.AccountID)
	}
}

func TestSessionValidatorRejectsExpiredAndForeignTokens(t *testing.T) {
	clockNow := time.Date(2024, 9, 1, 12, 0, 0, 0, time.UTC)
	validator := newTestSessionValidator(t, func() time.Time { return clockNow })

	expired := signSession(t, SessionClaims{
		AccountID: testSessionAccountID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    testSessionIssuer,
			Subject:   testSessionAccountID,
			ExpiresAt: jwt.NewNumericDate(clockNow.Add(-time.Hour)),
		},
	})
	if _, err := validator.ValidateToken(expired); !errors.Is(err, ErrExpiredSessionToken) {
		t.Fatalf("expected expired token error, got %v", err)
	}

	foreign := signSession(t, SessionClaims{
		AccountID: testSessionAccountID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "someone-else",
			Subject:   testSessionAccountID,
			ExpiresAt: jwt.NewNumericDate(clockNow.Add(time.Hour)),
		},
	})
	if _, err := validator.ValidateToken(foreign); !errors.Is(err, ErrInvalidSessionToken) {
		t.Fatalf("expected invalid token error, got %v", err)
	}
}

func TestSessionValidatorValidateRequestUsesCookie(t *testing.T) {
	validator := newTestSessionValidator(t, nil)
	signed := signSession(t, SessionClaims{
		AccountID: testSessionAccountID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    testSessionIssuer,
			Subject:   testSessionAccountID,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	})

	request := httptest.NewRequest(http.MethodGet, "/changes", http.NoBody)
	request.AddCookie(&http.Cookie{Name: testSessionCookieName, Value: signed})

	claims, err := validator.ValidateRequest(request)
	if err != nil {
		t.Fatalf("validation failed: %v", err)
	}
	if claims.AccountID != testSessionAccountID {
		t.Fatalf("unexpected account id: %s", claims.AccountID)
	}

	if _, err := validator.ValidateRequest(httptest.NewRequest(http.MethodGet, "/changes", http.NoBody)); !errors.Is(err, ErrMissingSessionToken) {
		t.Fatalf("expected missing token error, got %v", err)
	}
}

func TestSessionValidatorRejectsUnknownSecret(t *testing.T) {
	validator := newTestSessionValidator(t, nil)
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, SessionClaims{
		AccountID: testSessionAccountID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    testSessionIssuer,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}).SignedString([]byte("stranger"))
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}
	if _, err := validator.ValidateToken(signed); !errors.Is(err, ErrInvalidSessionToken) {
		t.Fatalf("expected invalid token error, got %v", err)
	}
}

func TestSessionClaimsIdentity(t *testing.T) {
	testCases := []struct {
		name     string
		claims   SessionClaims
		expected string
	}{
		{name: "provider prefix", claims: SessionClaims{AccountID: "google:12345"}, expected: "12345"},
		{name: "plain", claims: SessionClaims{AccountID: " carol "}, expected: "carol"},
		{name: "dangling prefix", claims: SessionClaims{AccountID: "google:"}, expected: "google:"},
		{name: "subject", claims: SessionClaims{RegisteredClaims: jwt.RegisteredClaims{Subject: "dave"}}, expected: "dave"},
		{name: "email", claims: SessionClaims{Email: "erin@example.com"}, expected: "erin@example.com"},
		{name: "empty", claims: SessionClaims{}, expected: ""},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			if actual := testCase.claims.Identity(); actual != testCase.expected {
				t.Fatalf("expected identity %q, got %q", testCase.expected, actual)
			}
		})
	}
}
