package crypto

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
)

var (
	ErrInvalidPEM       = errors.New("crypto: invalid PEM block")
	ErrNotRSAKey        = errors.New("crypto: key is not an RSA key")
	ErrRSAEncryptFailed = errors.New("crypto: rsa encryption failed")
	ErrRSADecryptFailed = errors.New("crypto: rsa decryption failed")
)

// RSA wraps a keypair used to seal per-request symmetric keys.
// A nil private key makes the value encrypt-only.
type RSA struct {
	public  *rsa.PublicKey
	private *rsa.PrivateKey
}

func NewRSA(public *rsa.PublicKey, private *rsa.PrivateKey) (*RSA, error) {
	if public == nil && private != nil {
		public = &private.PublicKey
	}
	if public == nil {
		return nil, ErrInvalidKey
	}
	return &RSA{public: public, private: private}, nil
}

// LoadRSA reads PEM encoded keys from disk. Either path may be empty,
// but not both.
func LoadRSA(publicKeyPath, privateKeyPath string) (*RSA, error) {
	var (
		pub  *rsa.PublicKey
		priv *rsa.PrivateKey
	)
	if privateKeyPath != "" {
		data, err := os.ReadFile(privateKeyPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read private key: %w", err)
		}
		if priv, err = ParseRSAPrivateKey(data); err != nil {
			return nil, err
		}
	}
	if publicKeyPath != "" {
		data, err := os.ReadFile(publicKeyPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read public key: %w", err)
		}
		if pub, err = ParseRSAPublicKey(data); err != nil {
			return nil, err
		}
	}
	return NewRSA(pub, priv)
}

func ParseRSAPrivateKey(data []byte) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, ErrInvalidPEM
	}
	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return key, nil
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPEM, err)
	}
	key, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, ErrNotRSAKey
	}
	return key, nil
}

func ParseRSAPublicKey(data []byte) (*rsa.PublicKey, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, ErrInvalidPEM
	}
	if key, err := x509.ParsePKCS1PublicKey(block.Bytes); err == nil {
		return key, nil
	}
	parsed, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPEM, err)
	}
	key, ok := parsed.(*rsa.PublicKey)
	if !ok {
		return nil, ErrNotRSAKey
	}
	return key, nil
}

// Encrypt seals source with RSA-OAEP(SHA-256) and returns base64 text.
func (r *RSA) Encrypt(source string) (string, error) {
	out, err := rsa.EncryptOAEP(sha256.New(), rand.Reader, r.public, []byte(source), nil)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrRSAEncryptFailed, err)
	}
	return base64.StdEncoding.EncodeToString(out), nil
}

// Decrypt opens base64 text produced by Encrypt.
func (r *RSA) Decrypt(source string) (string, error) {
	if r.private == nil {
		return "", fmt.Errorf("%w: no private key loaded", ErrRSADecryptFailed)
	}
	raw, err := base64.StdEncoding.DecodeString(source)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidCipherText, err)
	}
	out, err := rsa.DecryptOAEP(sha256.New(), rand.Reader, r.private, raw, nil)
	if err != nil {
		return "", ErrRSADecryptFailed
	}
	return string(out), nil
}
