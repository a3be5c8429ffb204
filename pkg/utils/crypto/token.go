package crypto

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var ErrTokenMismatch = errors.New("token was issued for another user or app")

// UIClaims are carried by the token a UI client sends with each request.
type UIClaims struct {
	User string `json:"user"`
	App  string `json:"app"`
	jwt.RegisteredClaims
}

// SignToken issues an HS256 token for user on app that expires after ttl.
func SignToken(secret, user, app string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := UIClaims{
		User: user,
		App:  app,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

// VerifyToken checks the signature and expiry of token and that it was
// issued for user on app.
func VerifyToken(secret, user, app, token string) error {
	var claims UIClaims
	_, err := jwt.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired())
	if err != nil {
		return err
	}
	if claims.User != user || claims.App != app {
		return ErrTokenMismatch
	}
	return nil
}
