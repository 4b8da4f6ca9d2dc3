package pki

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Signer produces detached signatures over response bodies: RSA PKCS#1 v1.5
// over the SHA-256 digest of the exact bytes sent.
type Signer struct {
	key *rsa.PrivateKey
}

// NewSigner creates a signer for the instance key.
func NewSigner(key *rsa.PrivateKey) *Signer {
	return &Signer{key: key}
}

// Sign returns the raw signature over body.
func (s *Signer) Sign(body []byte) ([]byte, error) {
	digest := sha256.Sum256(body)
	sig, err := rsa.SignPKCS1v15(rand.Reader, s.key, crypto.SHA256, digest[:])
	if err != nil {
		return nil, fmt.Errorf("sign response: %w", err)
	}
	return sig, nil
}

// SignHex returns the lower-case hex signature over body.
func (s *Signer) SignHex(body []byte) (string, error) {
	sig, err := s.Sign(body)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(sig), nil
}

// VerifyHex checks a hex signature produced by SignHex.
func VerifyHex(pub *rsa.PublicKey, body []byte, sigHex string) error {
	sig, err := hex.DecodeString(sigHex)
	if err != nil {
		return fmt.Errorf("decode signature: %w", err)
	}
	digest := sha256.Sum256(body)
	return rsa.VerifyPKCS1v15(pub, crypto.SHA256, digest[:], sig)
}
