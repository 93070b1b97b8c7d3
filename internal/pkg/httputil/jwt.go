package httputil

import (
	"context"
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

// ErrMissingSubject is returned for tokens without a "sub" claim.
var ErrMissingSubject = errors.New("token has no subject")

// JWTValidator verifies HS256 bearer tokens issued by the CRM.
type JWTValidator struct {
	key    []byte
	parser *jwt.Parser
}

// NewJWTValidator creates a validator. An empty issuer disables the issuer check.
func NewJWTValidator(secretKey, issuer string) *JWTValidator {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	}
	if issuer != "" {
		opts = append(opts, jwt.WithIssuer(issuer))
	}
	return &JWTValidator{key: []byte(secretKey), parser: jwt.NewParser(opts...)}
}

// ValidateToken implements TokenValidator.
func (v *JWTValidator) ValidateToken(_ context.Context, token string) (string, error) {
	claims := &jwt.RegisteredClaims{}
	_, err := v.parser.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return v.key, nil
	})
	if err != nil {
		return "", fmt.Errorf("parse token: %w", err)
	}
	if claims.Subject == "" {
		return "", ErrMissingSubject
	}
	return claims.Subject, nil
}
