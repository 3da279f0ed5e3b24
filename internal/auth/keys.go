package auth

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
)

const (
	privateKeyType = "RSA PRIVATE KEY"
	publicKeyType  = "PUBLIC KEY"
)

// GenerateKey creates a handshake key pair of the size the protocol requires.
func GenerateKey() (*rsa.PrivateKey, error) {
	return rsa.GenerateKey(rand.Reader, HandshakeKeySize*8)
}

// MarshalPrivateKey encodes priv as a PKCS#1 PEM block.
func MarshalPrivateKey(priv *rsa.PrivateKey) []byte {
	return pem.EncodeToMemory(&pem.Block{
		Type:  privateKeyType,
		Bytes: x509.MarshalPKCS1PrivateKey(priv),
	})
}

// MarshalPublicKey encodes pub as a PKIX PEM block.
func MarshalPublicKey(pub *rsa.PublicKey) ([]byte, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return nil, err
	}
	return pem.EncodeToMemory(&pem.Block{Type: publicKeyType, Bytes: der}), nil
}

// ParsePrivateKey decodes a PEM private key. Both PKCS#1 and PKCS#8
// encodings are accepted.
func ParsePrivateKey(data []byte) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, errors.New("no PEM block found")
	}
	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return checkSize(key)
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	key, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("expected RSA private key, got %T", parsed)
	}
	return checkSize(key)
}

func checkSize(key *rsa.PrivateKey) (*rsa.PrivateKey, error) {
	if key.Size() != HandshakeKeySize {
		return nil, fmt.Errorf("%w: got %d bits", ErrBadKeySize, key.N.BitLen())
	}
	return key, nil
}

// ParsePublicKey decodes a PEM public key (PKIX or PKCS#1).
func ParsePublicKey(data []byte) (*rsa.PublicKey, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, errors.New("no PEM block found")
	}
	key, err := x509.ParsePKCS1PublicKey(block.Bytes)
	if err != nil {
		parsed, err := x509.ParsePKIXPublicKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("parse public key: %w", err)
		}
		var ok bool
		if key, ok = parsed.(*rsa.PublicKey); !ok {
			return nil, fmt.Errorf("expected RSA public key, got %T", parsed)
		}
	}
	if key.Size() != HandshakeKeySize {
		return nil, fmt.Errorf("%w: got %d bits", ErrBadKeySize, key.N.BitLen())
	}
	return key, nil
}

// LoadPrivateKeyFile reads a PEM private key from path.
func LoadPrivateKeyFile(path string) (*rsa.PrivateKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParsePrivateKey(data)
}

// LoadPublicKeyFile reads a PEM public key from path.
func LoadPublicKeyFile(path string) (*rsa.PublicKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParsePublicKey(data)
}

// WriteKeyFiles writes priv to privPath (mode 0600) and its public half to
// pubPath (mode 0644).
func WriteKeyFiles(priv *rsa.PrivateKey, privPath, pubPath string) error {
	pubPEM, err := MarshalPublicKey(&priv.PublicKey)
	if err != nil {
		return fmt.Errorf("marshal public key: %w", err)
	}
	if err := os.WriteFile(privPath, MarshalPrivateKey(priv), 0600); err != nil {
		return err
	}
	return os.WriteFile(pubPath, pubPEM, 0644)
}
