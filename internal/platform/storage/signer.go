package storage

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/golang-jwt/jwt/v4"
)

// Signer produces the RSA-SHA256 signatures V4 signed URLs need. Email becomes the
// GoogleAccessID of the URL.
type Signer interface {
	Email() string
	SignBytes(ctx context.Context, payload []byte) ([]byte, error)
}

// ServiceAccountSigner signs with a service account key held in memory, resolved from Secret
// Manager at boot.
type ServiceAccountSigner struct {
	email string
	key   *rsa.PrivateKey
}

// NewServiceAccountSignerFromJSON parses a service account key file. PKCS#1 and PKCS#8 keys are
// both accepted.
func NewServiceAccountSignerFromJSON(data []byte) (*ServiceAccountSigner, error) {
	var raw struct {
		ClientEmail string `json:"client_email"`
		PrivateKey  string `json:"private_key"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("storage: decode signer key: %w", err)
	}
	email := strings.TrimSpace(raw.ClientEmail)
	if email == "" {
		return nil, errors.New("storage: signer key has no client_email")
	}
	if strings.TrimSpace(raw.PrivateKey) == "" {
		return nil, errors.New("storage: signer key has no private_key")
	}
	key, err := jwt.ParseRSAPrivateKeyFromPEM([]byte(raw.PrivateKey))
	if err != nil {
		return nil, fmt.Errorf("storage: parse signer private key: %w", err)
	}
	return &ServiceAccountSigner{email: email, key: key}, nil
}

func (s *ServiceAccountSigner) Email() string { return s.email }

// SignBytes returns the PKCS#1 v1.5 signature of payload's SHA-256 digest.
func (s *ServiceAccountSigner) SignBytes(ctx context.Context, payload []byte) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(payload) == 0 {
		return nil, errors.New("storage: nothing to sign")
	}
	digest := sha256.Sum256(payload)
	sig, err := rsa.SignPKCS1v15(rand.Reader, s.key, crypto.SHA256, digest[:])
	if err != nil {
		return nil, fmt.Errorf("storage: sign: %w", err)
	}
	return sig, nil
}
