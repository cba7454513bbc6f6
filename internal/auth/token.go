// Package auth issues and verifies the HS256 tokens that name a caller. The
// TCP server and the HTTP gateway accept the same tokens.
package auth

import (
	"errors"
	"fmt"

	. "tulip/internal/common"

	"github.com/golang-jwt/jwt/v4"
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrNoSubject    = errors.New("token has no subject")
	ErrNoSecret     = errors.New("no token secret configured")
)

// Issue signs a token for subject.
func Issue(secret []byte, subject Identity, claims jwt.RegisteredClaims) (string, error) {
	if len(secret) == 0 {
		return "", ErrNoSecret
	}
	claims.Subject = string(subject)
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
}

// Verify checks the signature and registered claims of tokenStr and returns
// the caller it names.
func Verify(secret []byte, tokenStr string) (Identity, error) {
	if len(secret) == 0 {
		return ZeroIdentity, ErrNoSecret
	}

	claims := &jwt.RegisteredClaims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return secret, nil
	})
	if err != nil {
		return ZeroIdentity, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	if !token.Valid {
		return ZeroIdentity, ErrInvalidToken
	}
	if claims.Subject == "" {
		return ZeroIdentity, ErrNoSubject
	}
	return Identity(claims.Subject), nil
}
