package crypto

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	return key
}

func TestRSARoundTrip(t *testing.T) {
	r, err := NewRSA(nil, newTestKey(t))
	require.NoError(t, err)

	sealed, err := r.Encrypt("symmetric-key")
	require.NoError(t, err)

	opened, err := r.Decrypt(sealed)
	require.NoError(t, err)
	assert.Equal(t, "symmetric-key", opened)
}

func TestRSADecryptWithOtherKeyFails(t *testing.T) {
	a, err := NewRSA(nil, newTestKey(t))
	require.NoError(t, err)
	b, err := NewRSA(nil, newTestKey(t))
	require.NoError(t, err)

	sealed, err := a.Encrypt("secret")
	require.NoError(t, err)

	_, err = b.Decrypt(sealed)
	assert.ErrorIs(t, err, ErrRSADecryptFailed)
}

func TestRSAEncryptOnly(t *testing.T) {
	key := newTestKey(t)
	r, err := NewRSA(&key.PublicKey, nil)
	require.NoError(t, err)

	sealed, err := r.Encrypt("x")
	require.NoError(t, err)
	_, err = r.Decrypt(sealed)
	assert.ErrorIs(t, err, ErrRSADecryptFailed)
}

func TestNewRSARequiresAKey(t *testing.T) {
	_, err := NewRSA(nil, nil)
	assert.ErrorIs(t, err, ErrInvalidKey)
}

func TestLoadRSAFromPEMFiles(t *testing.T) {
	key := newTestKey(t)
	dir := t.TempDir()

	privPath := filepath.Join(dir, "private.pem")
	pubPath := filepath.Join(dir, "public.pem")
	require.NoError(t, os.WriteFile(privPath, pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(key),
	}), 0o600))
	pubDER, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(pubPath, pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubDER}), 0o644))

	r, err := LoadRSA(pubPath, privPath)
	require.NoError(t, err)

	sealed, err := r.Encrypt("hello")
	require.NoError(t, err)
	opened, err := r.Decrypt(sealed)
	require.NoError(t, err)
	assert.Equal(t, "hello", opened)
}

func TestParseRSAPrivateKeyRejectsGarbage(t *testing.T) {
	_, err := ParseRSAPrivateKey([]byte("not pem"))
	assert.ErrorIs(t, err, ErrInvalidPEM)
}
