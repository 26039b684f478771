// ABOUTME: Bearer token minting and verification for the control API
// ABOUTME: HS256 JWTs carrying an operator principal, checked against a shared secret

package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// issuer tags every token this server mints; Verify rejects tokens
// issued by anything else, even under the same secret.
const issuer = "symposium"

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token expired")
	ErrMissingClaim = errors.New("missing required claim")
)

// TokenVerifier checks a bearer token and names the operator behind it.
type TokenVerifier interface {
	Verify(raw string) (principal string, err error)
}

// JWTVerifier mints and checks HS256 operator tokens. The same shared
// secret backs both sides: `symposium token` signs, the control API
// middleware verifies.
type JWTVerifier struct {
	secret []byte
}

func NewJWTVerifier(secret []byte) *JWTVerifier {
	return &JWTVerifier{secret: secret}
}

// Verify checks signature, expiry, and issuer, and returns the operator
// principal from the sub claim.
func (v *JWTVerifier) Verify(raw string) (string, error) {
	claims := jwt.MapClaims{}
	_, err := v.parse(raw, claims)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return "", ErrExpiredToken
		}
		return "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	principal, _ := claims["sub"].(string)
	if principal == "" {
		return "", fmt.Errorf("%w: sub", ErrMissingClaim)
	}
	return principal, nil
}

func (v *JWTVerifier) parse(raw string, claims jwt.Claims) (*jwt.Token, error) {
	return jwt.ParseWithClaims(raw, claims,
		func(*jwt.Token) (any, error) { return v.secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(issuer),
		jwt.WithExpirationRequired(),
	)
}

// Generate mints a token for principal, valid for ttl from now.
func (v *JWTVerifier) Generate(principal string, ttl time.Duration) (string, error) {
	now := time.Now()
	return jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"iss": issuer,
		"sub": principal,
		"iat": now.Unix(),
		"exp": now.Add(ttl).Unix(),
	}).SignedString(v.secret)
}
