// Package auth issues and verifies the credentials guarding every mutation
// and stream connect: short-lived JWT access tokens carried as bearer
// headers, and long-lived opaque refresh credentials stored in Redis behind
// an HTTP-only cookie.
package auth

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// DefaultAccessTTL is the access token lifetime. Kept short so a stolen
// token ages out quickly; clients recover transparently via refresh.
const DefaultAccessTTL = 15 * time.Minute

var (
	// ErrTokenExpired marks an access token past its expiry. This is the only
	// error class clients may transparently retry after a refresh.
	ErrTokenExpired = errors.New("auth: access token expired")

	// ErrTokenInvalid marks a malformed or tampered access token.
	ErrTokenInvalid = errors.New("auth: access token invalid")
)

// TokenIssuer mints and verifies HS256 access tokens.
type TokenIssuer struct {
	secret    []byte
	accessTTL time.Duration
	now       func() time.Time
}

// NewTokenIssuer creates a TokenIssuer with the given signing secret. A TTL
// of 0 selects DefaultAccessTTL.
func NewTokenIssuer(secret []byte, accessTTL time.Duration) *TokenIssuer {
	if accessTTL <= 0 {
		accessTTL = DefaultAccessTTL
	}
	return &TokenIssuer{secret: secret, accessTTL: accessTTL, now: time.Now}
}

// Mint returns a signed access token for the user.
func (i *TokenIssuer) Mint(userID int) (string, error) {
	now := i.now()
	claims := jwt.RegisteredClaims{
		Subject:   strconv.Itoa(userID),
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(i.accessTTL)),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(i.secret)
	if err != nil {
		return "", fmt.Errorf("auth: sign token: %w", err)
	}
	return signed, nil
}

// Verify validates the token signature and expiry and returns the user ID.
func (i *TokenIssuer) Verify(tokenString string) (int, error) {
	token, err := jwt.ParseWithClaims(tokenString, &jwt.RegisteredClaims{},
		func(t *jwt.Token) (interface{}, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
			}
			return i.secret, nil
		},
		jwt.WithTimeFunc(i.now),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return 0, ErrTokenExpired
		}
		return 0, fmt.Errorf("%w: %v", ErrTokenInvalid, err)
	}

	claims, ok := token.Claims.(*jwt.RegisteredClaims)
	if !ok || claims.Subject == "" {
		return 0, ErrTokenInvalid
	}
	userID, err := strconv.Atoi(claims.Subject)
	if err != nil {
		return 0, fmt.Errorf("%w: bad subject %q", ErrTokenInvalid, claims.Subject)
	}
	return userID, nil
}
