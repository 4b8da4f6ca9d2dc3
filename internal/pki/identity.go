package pki

import (
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"fmt"
	"io"

	"github.com/google/uuid"
	"golang.org/x/crypto/hkdf"
)

const keyRefInfo = "dls key_ref v1"

// DeriveKeyRef derives a stable key reference from the instance public key.
// It is used as key_ref and kid when no site key xid is configured, so the
// reference changes whenever the key is rotated.
func DeriveKeyRef(instanceRef string, pub *rsa.PublicKey) (string, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return "", fmt.Errorf("marshal public key: %w", err)
	}

	r := hkdf.New(sha256.New, der, []byte(instanceRef), []byte(keyRefInfo))

	var b [16]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return "", fmt.Errorf("HKDF key derivation failed: %w", err)
	}
	// RFC 4122 variant, version 4 layout
	b[6] = (b[6] & 0x0f) | 0x40
	b[8] = (b[8] & 0x3f) | 0x80

	id, err := uuid.FromBytes(b[:])
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

// SPKIFingerprint is the hex SHA-256 of the DER public key info. Operators
// compare it against the pin configured on licensed clients.
func SPKIFingerprint(pub *rsa.PublicKey) string {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return ""
	}
	hash := sha256.Sum256(der)
	return hex.EncodeToString(hash[:])
}
