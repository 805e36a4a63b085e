package realtime

import (
	stderrors "errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/wudi/transit/internal/config"
	"github.com/wudi/transit/internal/errors"
)

const (
	testSecret = "unit-test-secret"
	testIssuer = "transit"
)

func testAuth(allowGuests bool) *Authenticator {
	return NewAuthenticator(config.AuthConfig{
		Secret:      testSecret,
		Issuer:      testIssuer,
		AllowGuests: allowGuests,
	})
}

func signToken(t *testing.T, secret string, claims jwt.MapClaims) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return token
}

func validClaims(sub, role string) jwt.MapClaims {
	c := jwt.MapClaims{
		"sub": sub,
		"iss": testIssuer,
		"exp": time.Now().Add(time.Hour).Unix(),
	}
	if role != "" {
		c["role"] = role
	}
	return c
}

func TestAuthenticateGuestPassenger(t *testing.T) {
	claims, err := testAuth(true).Authenticate(NamespacePassenger, "")
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if !claims.Guest || claims.UserID != "" {
		t.Fatalf("claims = %+v, want guest", claims)
	}
}

func TestAuthenticateGuestDisabled(t *testing.T) {
	if _, err := testAuth(false).Authenticate(NamespacePassenger, ""); !stderrors.Is(err, errors.ErrUnauthorized) {
		t.Fatalf("err = %v, want ErrUnauthorized", err)
	}
}

func TestAuthenticateGuestNeverForDriverOrAdmin(t *testing.T) {
	a := testAuth(true)
	for _, ns := range []Namespace{NamespaceDriver, NamespaceAdmin} {
		if _, err := a.Authenticate(ns, ""); !stderrors.Is(err, errors.ErrUnauthorized) {
			t.Errorf("%s: err = %v, want ErrUnauthorized", ns, err)
		}
	}
}

func TestAuthenticateValidToken(t *testing.T) {
	a := testAuth(false)
	token := signToken(t, testSecret, validClaims("user-1", "driver"))

	claims, err := a.Authenticate(NamespaceDriver, token)
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if claims.UserID != "user-1" || claims.Role != "driver" || claims.Guest {
		t.Fatalf("claims = %+v", claims)
	}
}

func TestAuthenticateRejections(t *testing.T) {
	a := testAuth(false)

	expired := validClaims("user-1", "")
	expired["exp"] = time.Now().Add(-time.Minute).Unix()

	noExpiry := jwt.MapClaims{"sub": "user-1", "iss": testIssuer}

	wrongIssuer := validClaims("user-1", "")
	wrongIssuer["iss"] = "somebody-else"

	noSubject := jwt.MapClaims{
		"iss": testIssuer,
		"exp": time.Now().Add(time.Hour).Unix(),
	}

	tests := []struct {
		name  string
		token string
	}{
		{"garbage token", "not.a.jwt"},
		{"wrong secret", signToken(t, "other-secret", validClaims("user-1", ""))},
		{"expired", signToken(t, testSecret, expired)},
		{"missing expiry", signToken(t, testSecret, noExpiry)},
		{"wrong issuer", signToken(t, testSecret, wrongIssuer)},
		{"missing subject", signToken(t, testSecret, noSubject)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := a.Authenticate(NamespaceDriver, tt.token); !stderrors.Is(err, errors.ErrUnauthorized) {
				t.Fatalf("err = %v, want ErrUnauthorized", err)
			}
		})
	}
}

func TestAuthenticateAdminRequiresRole(t *testing.T) {
	a := testAuth(false)

	plain := signToken(t, testSecret, validClaims("user-1", "driver"))
	if _, err := a.Authenticate(NamespaceAdmin, plain); !stderrors.Is(err, errors.ErrUnauthorized) {
		t.Fatalf("non-admin role: err = %v, want ErrUnauthorized", err)
	}

	admin := signToken(t, testSecret, validClaims("user-2", "admin"))
	claims, err := a.Authenticate(NamespaceAdmin, admin)
	if err != nil {
		t.Fatalf("admin token rejected: %v", err)
	}
	if claims.Role != "admin" {
		t.Fatalf("Role = %q", claims.Role)
	}
}

func TestAuthenticateNoIssuerCheckWhenUnconfigured(t *testing.T) {
	a := NewAuthenticator(config.AuthConfig{Secret: testSecret})

	c := jwt.MapClaims{
		"sub": "user-1",
		"iss": "anything",
		"exp": time.Now().Add(time.Hour).Unix(),
	}
	if _, err := a.Authenticate(NamespaceDriver, signToken(t, testSecret, c)); err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
}
