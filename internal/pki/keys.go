package pki

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
)

// MinKeyBits is the smallest RSA modulus accepted for signing keys.
const MinKeyBits = 2048

var (
	ErrKeyTooSmall     = errors.New("rsa key smaller than 2048 bits")
	ErrNoPEMBlock      = errors.New("no PEM block found")
	ErrNotRSAKey       = errors.New("key is not an RSA key")
	ErrKeyPairMismatch = errors.New("public key does not belong to private key")
)

// KeyPair is the instance signing key. Every token and signed response of
// the service is produced with it.
type KeyPair struct {
	Private *rsa.PrivateKey
	Public  *rsa.PublicKey
}

// NewKeyPair wraps an existing private key.
func NewKeyPair(priv *rsa.PrivateKey) *KeyPair {
	return &KeyPair{Private: priv, Public: &priv.PublicKey}
}

// GenerateKeyPair creates a fresh RSA key of the given size.
func GenerateKeyPair(bits int) (*KeyPair, error) {
	if bits < MinKeyBits {
		return nil, ErrKeyTooSmall
	}
	priv, err := rsa.GenerateKey(rand.Reader, bits)
	if err != nil {
		return nil, fmt.Errorf("generate rsa key: %w", err)
	}
	return NewKeyPair(priv), nil
}

// LoadKeyPair reads the private and public PEM files and checks that they
// belong together.
func LoadKeyPair(privPath, pubPath string) (*KeyPair, error) {
	priv, err := LoadPrivateKey(privPath)
	if err != nil {
		return nil, err
	}
	pub, err := LoadPublicKey(pubPath)
	if err != nil {
		return nil, err
	}
	if !priv.PublicKey.Equal(pub) {
		return nil, fmt.Errorf("%s: %w", pubPath, ErrKeyPairMismatch)
	}
	return &KeyPair{Private: priv, Public: pub}, nil
}

// LoadPrivateKey reads a PKCS#1 or PKCS#8 RSA private key.
func LoadPrivateKey(path string) (*rsa.PrivateKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read private key: %w", err)
	}
	key, err := ParsePrivateKeyPEM(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return key, nil
}

// LoadPublicKey reads a PKIX or PKCS#1 RSA public key.
func LoadPublicKey(path string) (*rsa.PublicKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read public key: %w", err)
	}
	key, err := ParsePublicKeyPEM(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return key, nil
}

func ParsePrivateKeyPEM(data []byte) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, ErrNoPEMBlock
	}

	var key *rsa.PrivateKey
	switch block.Type {
	case "RSA PRIVATE KEY":
		k, err := x509.ParsePKCS1PrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("parse pkcs1 private key: %w", err)
		}
		key = k
	default:
		k, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("parse pkcs8 private key: %w", err)
		}
		rk, ok := k.(*rsa.PrivateKey)
		if !ok {
			return nil, ErrNotRSAKey
		}
		key = rk
	}

	if key.N.BitLen() < MinKeyBits {
		return nil, ErrKeyTooSmall
	}
	return key, nil
}

func ParsePublicKeyPEM(data []byte) (*rsa.PublicKey, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, ErrNoPEMBlock
	}

	var key *rsa.PublicKey
	switch block.Type {
	case "RSA PUBLIC KEY":
		k, err := x509.ParsePKCS1PublicKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("parse pkcs1 public key: %w", err)
		}
		key = k
	default:
		k, err := x509.ParsePKIXPublicKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("parse pkix public key: %w", err)
		}
		rk, ok := k.(*rsa.PublicKey)
		if !ok {
			return nil, ErrNotRSAKey
		}
		key = rk
	}

	if key.N.BitLen() < MinKeyBits {
		return nil, ErrKeyTooSmall
	}
	return key, nil
}

// PrivatePEM encodes the private key as PKCS#1.
func (kp *KeyPair) PrivatePEM() []byte {
	return pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(kp.Private),
	})
}

// PublicPEM encodes the public key as PKIX.
func (kp *KeyPair) PublicPEM() []byte {
	return publicKeyPEM(kp.Public)
}

func publicKeyPEM(pub *rsa.PublicKey) []byte {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		// only fails for unsupported key types
		panic(err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})
}

// ModulusHex is the lower-case hex modulus without prefix, as embedded in
// client configuration tokens.
func (kp *KeyPair) ModulusHex() string {
	return kp.Public.N.Text(16)
}

// Exponent is the public exponent.
func (kp *KeyPair) Exponent() int {
	return kp.Public.E
}

// ExponentString is the public exponent in decimal.
func (kp *KeyPair) ExponentString() string {
	return strconv.Itoa(kp.Public.E)
}

// WriteFiles stores the pair as PEM files, creating parent directories.
// The private key is written with 0600 permissions.
func (kp *KeyPair) WriteFiles(privPath, pubPath string) error {
	if err := writeFile(privPath, kp.PrivatePEM(), 0o600); err != nil {
		return fmt.Errorf("write private key: %w", err)
	}
	if err := writeFile(pubPath, kp.PublicPEM(), 0o644); err != nil {
		return fmt.Errorf("write public key: %w", err)
	}
	return nil
}

func writeFile(path string, data []byte, perm os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, data, perm)
}
