// Package crypto provides symmetric encryption and keyed checksums for
// sensitive namespace config values and export integrity. Values are sealed
// with AES-GCM; per-scope keys are derived from a single master key with
// HKDF so tenants never share key material.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// Provider seals and opens sensitive values and signs exports.
type Provider interface {
	// Encrypt seals plaintext for the given scope label. The result is a
	// self-contained base64 envelope.
	Encrypt(scope, plaintext string) (string, error)

	// Decrypt opens an envelope produced by Encrypt with the same scope.
	Decrypt(scope, envelope string) (string, error)

	// Checksum returns a keyed MAC over payload, base64-encoded.
	Checksum(payload []byte) string

	// VerifyChecksum reports whether checksum matches payload, in constant
	// time.
	VerifyChecksum(payload []byte, checksum string) bool
}

// AESProvider implements Provider on a 32-byte master key.
type AESProvider struct {
	masterKey []byte
	hmacKey   []byte
}

// NewAESProvider builds a provider from a base64-encoded 32-byte master key.
// The export MAC key may be supplied separately; when empty it is derived
// from the master key.
func NewAESProvider(masterKeyB64, hmacKeyB64 string) (*AESProvider, error) {
	if masterKeyB64 == "" {
		return nil, fmt.Errorf("encryption key not configured")
	}
	masterKey, err := base64.StdEncoding.DecodeString(masterKeyB64)
	if err != nil {
		return nil, fmt.Errorf("invalid encryption key format: %w", err)
	}
	if len(masterKey) != 32 {
		return nil, fmt.Errorf("encryption key must be 32 bytes (256 bits)")
	}

	var hmacKey []byte
	if hmacKeyB64 != "" {
		hmacKey, err = base64.StdEncoding.DecodeString(hmacKeyB64)
		if err != nil {
			return nil, fmt.Errorf("invalid checksum key format: %w", err)
		}
	} else {
		hmacKey, err = deriveKey(masterKey, "export-checksum")
		if err != nil {
			return nil, err
		}
	}

	return &AESProvider{masterKey: masterKey, hmacKey: hmacKey}, nil
}

// GenerateKey returns a fresh base64-encoded 32-byte key. Intended for
// bootstrap tooling and tests.
func GenerateKey() (string, error) {
	key := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return "", fmt.Errorf("failed to generate key: %w", err)
	}
	return base64.StdEncoding.EncodeToString(key), nil
}

func deriveKey(master []byte, label string) ([]byte, error) {
	r := hkdf.New(sha256.New, master, nil, []byte(label))
	key := make([]byte, 32)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("failed to derive key: %w", err)
	}
	return key, nil
}

func (p *AESProvider) gcmFor(scope string) (cipher.AEAD, error) {
	key, err := deriveKey(p.masterKey, "scope:"+scope)
	if err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return gcm, nil
}

func (p *AESProvider) Encrypt(scope, plaintext string) (string, error) {
	gcm, err := p.gcmFor(scope)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}

	ciphertext := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(ciphertext), nil
}

func (p *AESProvider) Decrypt(scope, envelope string) (string, error) {
	gcm, err := p.gcmFor(scope)
	if err != nil {
		return "", err
	}

	ciphertext, err := base64.StdEncoding.DecodeString(envelope)
	if err != nil {
		return "", fmt.Errorf("invalid ciphertext format: %w", err)
	}

	nonceSize := gcm.NonceSize()
	if len(ciphertext) < nonceSize {
		return "", fmt.Errorf("ciphertext too short")
	}

	nonce, ciphertext := ciphertext[:nonceSize], ciphertext[nonceSize:]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("failed to decrypt: %w", err)
	}

	return string(plaintext), nil
}

func (p *AESProvider) Checksum(payload []byte) string {
	mac := hmac.New(sha256.New, p.hmacKey)
	mac.Write(payload)
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func (p *AESProvider) VerifyChecksum(payload []byte, checksum string) bool {
	want, err := base64.StdEncoding.DecodeString(checksum)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, p.hmacKey)
	mac.Write(payload)
	return hmac.Equal(mac.Sum(nil), want)
}
