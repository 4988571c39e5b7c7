package crypto

import (
	"crypto/rand"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	p2pcrypto "github.com/libp2p/go-libp2p/core/crypto"
)

const identityPEMType = "LIBP2P PRIVATE KEY"

var (
	ErrInvalidKey = errors.New("invalid key")
)

// GenerateIdentity generates a new Ed25519 node identity
func GenerateIdentity() (p2pcrypto.PrivKey, error) {
	priv, _, err := p2pcrypto.GenerateEd25519Key(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate key pair: %w", err)
	}
	return priv, nil
}

// ExportIdentityPEM exports a node identity to PEM format
func ExportIdentityPEM(key p2pcrypto.PrivKey) ([]byte, error) {
	raw, err := p2pcrypto.MarshalPrivateKey(key)
	if err != nil {
		return nil, err
	}

	return pem.EncodeToMemory(&pem.Block{
		Type:  identityPEMType,
		Bytes: raw,
	}), nil
}

// ImportIdentityPEM imports a node identity from PEM format
func ImportIdentityPEM(pemData []byte) (p2pcrypto.PrivKey, error) {
	block, _ := pem.Decode(pemData)
	if block == nil || block.Type != identityPEMType {
		return nil, ErrInvalidKey
	}

	key, err := p2pcrypto.UnmarshalPrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}

	return key, nil
}

// SaveKeyToFile saves a PEM encoded key to file
func SaveKeyToFile(filename string, pemData []byte) error {
	return os.WriteFile(filename, pemData, 0600)
}

// LoadKeyFromFile loads a PEM encoded key from file
func LoadKeyFromFile(filename string) ([]byte, error) {
	return os.ReadFile(filename)
}

// LoadOrGenerateIdentity loads the identity stored at path, or generates
// and stores a new one when the file does not exist. created reports which
// happened.
func LoadOrGenerateIdentity(path string) (key p2pcrypto.PrivKey, created bool, err error) {
	if _, statErr := os.Stat(path); statErr == nil {
		pemData, err := LoadKeyFromFile(path)
		if err != nil {
			return nil, false, err
		}
		key, err := ImportIdentityPEM(pemData)
		if err != nil {
			return nil, false, fmt.Errorf("load identity %s: %w", path, err)
		}
		return key, false, nil
	}

	key, err = GenerateIdentity()
	if err != nil {
		return nil, false, err
	}

	pemData, err := ExportIdentityPEM(key)
	if err != nil {
		return nil, false, err
	}

	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return nil, false, err
		}
	}

	if err := SaveKeyToFile(path, pemData); err != nil {
		return nil, false, err
	}

	return key, true, nil
}
