// Package identity handles loading, generating, and persisting the node's
// ed25519 keypair. The hex public key is the node's wallet id: it names the
// node in the peer table, in election ranking and as the proposer of the
// blocks it produces.
package identity

import (
	"crypto/ed25519"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// ErrBadKeyFile is returned when a key file exists but holds no usable key.
var ErrBadKeyFile = errors.New("bad key file")

// LoadOrCreateIdentity loads the identity stored at keyPath, generating and
// saving a new keypair when the file is missing or empty.
//
// The key file is stored in PEM format with PKCS8 encoding and
// must have 0600 permissions.
func LoadOrCreateIdentity(keyPath string) (*Identity, error) {
	info, err := os.Stat(keyPath)
	if errors.Is(err, os.ErrNotExist) || (err == nil && info.Size() == 0) {
		privKey, err := generateAndSaveKeyPair(keyPath)
		if err != nil {
			return nil, fmt.Errorf("generate key: %w", err)
		}
		return NewIdentity(privKey), nil
	}
	if err != nil {
		return nil, err
	}

	privKey, err := loadKeyPair(keyPath)
	if err != nil {
		return nil, err
	}
	return NewIdentity(privKey), nil
}

// Generate writes a fresh keypair to keyPath, refusing to overwrite an
// existing non-empty key file unless force is set.
func Generate(keyPath string, force bool) (*Identity, error) {
	if info, err := os.Stat(keyPath); err == nil && info.Size() > 0 && !force {
		return nil, fmt.Errorf("key file %s already exists", keyPath)
	}
	privKey, err := generateAndSaveKeyPair(keyPath)
	if err != nil {
		return nil, err
	}
	return NewIdentity(privKey), nil
}

// NewEphemeral returns an identity that is never written to disk.
func NewEphemeral() *Identity {
	_, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		// crypto/rand failing leaves nothing sensible to do.
		panic(err)
	}
	return NewIdentity(priv)
}

func generateAndSaveKeyPair(keyPath string) (ed25519.PrivateKey, error) {
	_, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		return nil, err
	}

	x509Encoded, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return nil, err
	}

	pemBlock := &pem.Block{
		Type:  "PRIVATE KEY",
		Bytes: x509Encoded,
	}

	if dir := filepath.Dir(keyPath); dir != "" {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, err
		}
	}

	file, err := os.OpenFile(keyPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	if err := pem.Encode(file, pemBlock); err != nil {
		return nil, err
	}

	return priv, nil
}

func loadKeyPair(keyPath string) (ed25519.PrivateKey, error) {
	keyData, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, err
	}

	pemBlock, _ := pem.Decode(keyData)
	if pemBlock == nil {
		return nil, fmt.Errorf("%w: no PEM block in %s", ErrBadKeyFile, keyPath)
	}

	genericKey, err := x509.ParsePKCS8PrivateKey(pemBlock.Bytes)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadKeyFile, err)
	}

	privKey, ok := genericKey.(ed25519.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("%w: key is not an ed25519 private key", ErrBadKeyFile)
	}

	return privKey, nil
}
