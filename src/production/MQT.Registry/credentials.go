package registry

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"time"

	mqtmodels "github.com/deerfields/molls-sub000/src/production/MQT.Models"
	"github.com/golang-jwt/jwt/v5"
)

var (
	// ErrInvalidDeviceToken is returned for tokens that fail verification
	ErrInvalidDeviceToken = errors.New("invalid device token")

	// ErrCredentialExpired is returned when the device credential is past its expiry
	ErrCredentialExpired = errors.New("device credential expired")
)

// newCredential generates an Ed25519 keypair. The public half is stored with
// the device, the PKCS#8 private key is handed out once.
func newCredential(now time.Time, ttl time.Duration) (mqtmodels.Credential, string, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return mqtmodels.Credential{}, "", fmt.Errorf("failed to generate device key: %w", err)
	}

	pubDER, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return mqtmodels.Credential{}, "", fmt.Errorf("failed to encode public key: %w", err)
	}
	privDER, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return mqtmodels.Credential{}, "", fmt.Errorf("failed to encode private key: %w", err)
	}

	cred := mqtmodels.Credential{
		PublicKeyPEM: string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubDER})),
		IssuedAt:     now,
		ExpiresAt:    now.Add(ttl),
	}
	return cred, string(pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: privDER})), nil
}

// SignDeviceToken creates the EdDSA JWT a device presents to the hub's HTTP ingestion endpoint
func SignDeviceToken(privateKeyPEM, externalDeviceID string, ttl time.Duration) (string, error) {
	key, err := jwt.ParseEdPrivateKeyFromPEM([]byte(privateKeyPEM))
	if err != nil {
		return "", fmt.Errorf("failed to parse device key: %w", err)
	}
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   externalDeviceID,
		IssuedAt:  jwt.NewNumericDate(now),
		NotBefore: jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims).SignedString(key)
}

// VerifyDeviceToken checks a device token against the public key stored at
// registration and returns the device it was signed for
func (r *Registry) VerifyDeviceToken(ctx context.Context, token string) (*mqtmodels.Device, error) {
	var device *mqtmodels.Device

	_, err := jwt.ParseWithClaims(token, &jwt.RegisteredClaims{}, func(t *jwt.Token) (interface{}, error) {
		subject, err := t.Claims.GetSubject()
		if err != nil || subject == "" {
			return nil, fmt.Errorf("missing subject")
		}
		d, err := r.GetDevice(ctx, subject)
		if err != nil {
			return nil, err
		}
		if d == nil {
			return nil, mqtmodels.ErrDeviceNotFound
		}
		if !r.now().Before(d.Credential.ExpiresAt) {
			return nil, ErrCredentialExpired
		}
		device = d
		return jwt.ParseEdPublicKeyFromPEM([]byte(d.Credential.PublicKeyPEM))
	}, jwt.WithValidMethods([]string{jwt.SigningMethodEdDSA.Alg()}), jwt.WithExpirationRequired())
	if err != nil {
		if errors.Is(err, ErrCredentialExpired) || errors.Is(err, mqtmodels.ErrDeviceNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidDeviceToken, err)
	}
	return device, nil
}
