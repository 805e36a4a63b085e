package realtime

import (
	"fmt"

	"github.com/golang-jwt/jwt/v5"

	"github.com/wudi/transit/internal/config"
	"github.com/wudi/transit/internal/errors"
)

// Claims is the verified identity on a realtime connection.
type Claims struct {
	UserID string
	Role   string
	Guest  bool
}

// Authenticator verifies connection tokens per namespace.
type Authenticator struct {
	secret      []byte
	issuer      string
	allowGuests bool
}

// NewAuthenticator creates a JWT authenticator.
func NewAuthenticator(cfg config.AuthConfig) *Authenticator {
	return &Authenticator{
		secret:      []byte(cfg.Secret),
		issuer:      cfg.Issuer,
		allowGuests: cfg.AllowGuests,
	}
}

// Authenticate verifies a token for a namespace. Passengers may connect as
// guests with an empty token when guests are allowed; driver and admin
// always require a valid token, and admin additionally requires the admin
// role.
func (a *Authenticator) Authenticate(namespace Namespace, token string) (*Claims, error) {
	if token == "" {
		if namespace == NamespacePassenger && a.allowGuests {
			return &Claims{Guest: true}, nil
		}
		return nil, errors.ErrUnauthorized.WithDetails("token not provided")
	}

	parsed, err := jwt.Parse(token, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return a.secret, nil
	}, jwt.WithExpirationRequired())
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrUnauthorized.Code, "token verification failed")
	}

	mapClaims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok || !parsed.Valid {
		return nil, errors.ErrUnauthorized.WithDetails("invalid claims")
	}
	if a.issuer != "" {
		if iss, _ := mapClaims.GetIssuer(); iss != a.issuer {
			return nil, errors.ErrUnauthorized.WithDetails("wrong issuer")
		}
	}

	claims := &Claims{}
	if sub, _ := mapClaims.GetSubject(); sub != "" {
		claims.UserID = sub
	}
	if role, ok := mapClaims["role"].(string); ok {
		claims.Role = role
	}
	if claims.UserID == "" {
		return nil, errors.ErrUnauthorized.WithDetails("missing subject")
	}
	if namespace == NamespaceAdmin && claims.Role != "admin" {
		return nil, errors.ErrUnauthorized.WithDetails("admin role required")
	}
	return claims, nil
}
