// Package crypto manages the long-lived Ed25519 identity keys of
// mlscore members: generation, PEM serialization and passphrase
// protection. The in-group cryptography lives in internal/mls.
package crypto

import (
	"crypto/ed25519"
	"crypto/sha256"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"

	"github.com/youmark/pkcs8"
)

// PassphraseEnv is the environment variable that supplies the key
// passphrase when none is given explicitly.
const PassphraseEnv = "MLSCORE_PASSPHRASE"

// GenerateIdentityKey generates an Ed25519 identity key pair.
func GenerateIdentityKey() (ed25519.PrivateKey, ed25519.PublicKey, error) {
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		return nil, nil, fmt.Errorf("ed25519 keygen: %w", err)
	}
	return priv, pub, nil
}

// IdentityKeyToPEM serializes an identity private key to PEM (PKCS8).
// A non-empty passphrase encrypts the key.
func IdentityKeyToPEM(key ed25519.PrivateKey, passphrase []byte) (string, error) {
	if len(passphrase) > 0 {
		encrypted, err := pkcs8.MarshalPrivateKey(key, passphrase, nil)
		if err != nil {
			return "", fmt.Errorf("marshal encrypted identity key: %w", err)
		}
		return string(pem.EncodeToMemory(&pem.Block{
			Type:  "ENCRYPTED PRIVATE KEY",
			Bytes: encrypted,
		})), nil
	}
	plain, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return "", fmt.Errorf("marshal identity key: %w", err)
	}
	return string(pem.EncodeToMemory(&pem.Block{
		Type:  "PRIVATE KEY",
		Bytes: plain,
	})), nil
}

// LoadIdentityKey loads an identity private key from PEM. When
// passphrase is nil, the MLSCORE_PASSPHRASE environment variable is
// consulted for encrypted keys.
func LoadIdentityKey(pemStr string, passphrase []byte) (ed25519.PrivateKey, error) {
	if passphrase == nil {
		if val := os.Getenv(PassphraseEnv); val != "" {
			passphrase = []byte(val)
		}
	}

	block, _ := pem.Decode([]byte(pemStr))
	if block == nil {
		return nil, fmt.Errorf("failed to decode PEM block")
	}

	var key any
	var err error
	if block.Type == "ENCRYPTED PRIVATE KEY" {
		key, err = pkcs8.ParsePKCS8PrivateKey(block.Bytes, passphrase)
		if err != nil {
			return nil, fmt.Errorf("decrypt identity key: %w", err)
		}
	} else {
		key, err = x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("parse identity key: %w", err)
		}
	}
	edKey, ok := key.(ed25519.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("identity key is not Ed25519")
	}
	return edKey, nil
}

// PublicKeyToPEM serializes a public key to PEM (SPKI).
func PublicKeyToPEM(key ed25519.PublicKey) (string, error) {
	spki, err := x509.MarshalPKIXPublicKey(key)
	if err != nil {
		return "", fmt.Errorf("marshal public key: %w", err)
	}
	return string(pem.EncodeToMemory(&pem.Block{
		Type:  "PUBLIC KEY",
		Bytes: spki,
	})), nil
}

// LoadPublicKey loads a public key from PEM.
func LoadPublicKey(pemStr string) (ed25519.PublicKey, error) {
	block, _ := pem.Decode([]byte(pemStr))
	if block == nil {
		return nil, fmt.Errorf("failed to decode PEM block")
	}
	key, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse public key: %w", err)
	}
	edKey, ok := key.(ed25519.PublicKey)
	if !ok {
		return nil, fmt.Errorf("public key is not Ed25519")
	}
	return edKey, nil
}

// Fingerprint returns a short hex SHA-256 fingerprint of a public key.
func Fingerprint(publicKey ed25519.PublicKey) string {
	h := sha256.Sum256(publicKey)
	return fmt.Sprintf("%x", h)[:16]
}
