package crypto

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVerifyToken(t *testing.T) {
	token, err := SignToken("s3cret", "alice", "order-service", time.Hour)
	require.NoError(t, err)

	assert.NoError(t, VerifyToken("s3cret", "alice", "order-service", token))
	assert.ErrorIs(t, VerifyToken("s3cret", "bob", "order-service", token), ErrTokenMismatch)
	assert.ErrorIs(t, VerifyToken("s3cret", "alice", "billing", token), ErrTokenMismatch)
	assert.ErrorIs(t, VerifyToken("other", "alice", "order-service", token), jwt.ErrTokenSignatureInvalid)
	assert.Error(t, VerifyToken("s3cret", "alice", "order-service", ""))
}

func TestVerifyTokenExpiry(t *testing.T) {
	expired, err := SignToken("s3cret", "alice", "orders", -time.Minute)
	require.NoError(t, err)
	assert.ErrorIs(t, VerifyToken("s3cret", "alice", "orders", expired), jwt.ErrTokenExpired)

	noExp, err := jwt.NewWithClaims(jwt.SigningMethodHS256, UIClaims{User: "alice", App: "orders"}).SignedString([]byte("s3cret"))
	require.NoError(t, err)
	assert.ErrorIs(t, VerifyToken("s3cret", "alice", "orders", noExp), jwt.ErrTokenRequiredClaimMissing)
}

func TestVerifyTokenRejectsOtherAlgorithms(t *testing.T) {
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS512, UIClaims{
		User:             "alice",
		App:              "orders",
		RegisteredClaims: jwt.RegisteredClaims{ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour))},
	}).SignedString([]byte("s3cret"))
	require.NoError(t, err)

	assert.ErrorIs(t, VerifyToken("s3cret", "alice", "orders", token), jwt.ErrTokenSignatureInvalid)
}
