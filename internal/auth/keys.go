package auth

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

const (
	privateKeyType = "EC PRIVATE KEY"
	publicKeyType  = "PUBLIC KEY"
)

// KeyPair holds the ECDSA key pair that signs dashboard tokens.
type KeyPair struct {
	PrivateKey *ecdsa.PrivateKey
	PublicKey  *ecdsa.PublicKey
}

// GenerateKeyPair creates a new ECDSA P-256 key pair.
func GenerateKeyPair() (*KeyPair, error) {
	privateKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate ECDSA key: %w", err)
	}
	return &KeyPair{PrivateKey: privateKey, PublicKey: &privateKey.PublicKey}, nil
}

// SaveKeys writes the private key (mode 0600) and public key (mode 0644)
// as PEM files.
func (kp *KeyPair) SaveKeys(privateKeyPath, publicKeyPath string) error {
	privDER, err := x509.MarshalECPrivateKey(kp.PrivateKey)
	if err != nil {
		return fmt.Errorf("failed to marshal private key: %w", err)
	}
	if err := writePEM(privateKeyPath, privateKeyType, privDER, 0o600); err != nil {
		return err
	}

	pubDER, err := x509.MarshalPKIXPublicKey(kp.PublicKey)
	if err != nil {
		return fmt.Errorf("failed to marshal public key: %w", err)
	}
	return writePEM(publicKeyPath, publicKeyType, pubDER, 0o644)
}

// LoadKeyPair loads both keys from PEM files.
func LoadKeyPair(privateKeyPath, publicKeyPath string) (*KeyPair, error) {
	privDER, err := readPEM(privateKeyPath, privateKeyType)
	if err != nil {
		return nil, fmt.Errorf("failed to load private key: %w", err)
	}
	privateKey, err := x509.ParseECPrivateKey(privDER)
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}

	pubDER, err := readPEM(publicKeyPath, publicKeyType)
	if err != nil {
		return nil, fmt.Errorf("failed to load public key: %w", err)
	}
	pub, err := x509.ParsePKIXPublicKey(pubDER)
	if err != nil {
		return nil, fmt.Errorf("failed to parse public key: %w", err)
	}
	publicKey, ok := pub.(*ecdsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("key is not an ECDSA public key")
	}

	return &KeyPair{PrivateKey: privateKey, PublicKey: publicKey}, nil
}

// LoadOrGenerateKeyPair loads existing keys, or generates and saves a new
// pair when the private key file does not exist yet.
func LoadOrGenerateKeyPair(privateKeyPath, publicKeyPath string) (*KeyPair, error) {
	kp, err := LoadKeyPair(privateKeyPath, publicKeyPath)
	if err == nil {
		return kp, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}

	kp, err = GenerateKeyPair()
	if err != nil {
		return nil, err
	}
	if err := kp.SaveKeys(privateKeyPath, publicKeyPath); err != nil {
		return nil, fmt.Errorf("failed to save key pair: %w", err)
	}
	return kp, nil
}

func writePEM(path, blockType string, der []byte, mode os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}
	data := pem.EncodeToMemory(&pem.Block{Type: blockType, Bytes: der})
	if err := os.WriteFile(path, data, mode); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}

func readPEM(path, blockType string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("failed to decode PEM block in %s", path)
	}
	if block.Type != blockType {
		return nil, fmt.Errorf("unexpected key type: %s", block.Type)
	}
	return block.Bytes, nil
}
