// Package token verifies the signed bearer tokens presented on connection.
package token

import (
	"errors"
	"fmt"

	"haulmatch/contexts/fleet-telemetry/delivery-fabric/ports"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrInvalidToken = errors.New("invalid connection token")
	ErrMissingClaim = errors.New("token missing required claim")
)

// JWTVerifier checks HMAC-signed tokens minted by the auth service. Only the
// subject and role claims matter to the fabric.
type JWTVerifier struct {
	Secret []byte
}

func (v JWTVerifier) Verify(raw string) (ports.Identity, error) {
	parsed, err := jwt.Parse(raw, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return v.Secret, nil
	})
	if err != nil || !parsed.Valid {
		return ports.Identity{}, ErrInvalidToken
	}

	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return ports.Identity{}, ErrInvalidToken
	}
	subject, err := claims.GetSubject()
	if err != nil || subject == "" {
		return ports.Identity{}, ErrMissingClaim
	}
	role, _ := claims["role"].(string)
	if role == "" {
		return ports.Identity{}, ErrMissingClaim
	}
	return ports.Identity{UserID: subject, Role: role}, nil
}
