package token

import (
	"time"

	"github.com/golang-jwt/jwt/v5"

	"fastdls/internal/config"
)

// Standard holds the registered claims used by the service tokens. Audience
// is a plain string, matching what licensed clients expect.
type Standard struct {
	ID        string           `json:"jti,omitempty"`
	Issuer    string           `json:"iss,omitempty"`
	Audience  string           `json:"aud,omitempty"`
	IssuedAt  *jwt.NumericDate `json:"iat,omitempty"`
	NotBefore *jwt.NumericDate `json:"nbf,omitempty"`
	ExpiresAt *jwt.NumericDate `json:"exp,omitempty"`
}

func (s Standard) GetExpirationTime() (*jwt.NumericDate, error) { return s.ExpiresAt, nil }
func (s Standard) GetIssuedAt() (*jwt.NumericDate, error)       { return s.IssuedAt, nil }
func (s Standard) GetNotBefore() (*jwt.NumericDate, error)      { return s.NotBefore, nil }
func (s Standard) GetIssuer() (string, error)                   { return s.Issuer, nil }
func (s Standard) GetSubject() (string, error)                  { return "", nil }

func (s Standard) GetAudience() (jwt.ClaimStrings, error) {
	if s.Audience == "" {
		return nil, nil
	}
	return jwt.ClaimStrings{s.Audience}, nil
}

// AuthCodeClaims is the payload of the short-lived authorization code.
type AuthCodeClaims struct {
	Standard
	Challenge string `json:"challenge"`
	OriginRef string `json:"origin_ref"`
	KeyRef    string `json:"key_ref"`
	KID       string `json:"kid"`
}

// NewAuthCodeClaims builds a code valid for config.AuthCodeExpire.
func NewAuthCodeClaims(now time.Time, originRef, challenge, keyRef string) *AuthCodeClaims {
	return &AuthCodeClaims{
		Standard: Standard{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(config.AuthCodeExpire)),
		},
		Challenge: challenge,
		OriginRef: originRef,
		KeyRef:    keyRef,
		KID:       keyRef,
	}
}

// AccessTokenClaims is the payload of the bearer token presented on every
// leasing call.
type AccessTokenClaims struct {
	Standard
	OriginRef string `json:"origin_ref"`
	KeyRef    string `json:"key_ref"`
	KID       string `json:"kid"`
}

// NewAccessTokenClaims builds a bearer token valid for ttl.
func NewAccessTokenClaims(now time.Time, ttl time.Duration, originRef, keyRef string) *AccessTokenClaims {
	return &AccessTokenClaims{
		Standard: Standard{
			Issuer:    config.AccessTokenIssuer,
			Audience:  config.AccessTokenAudience,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		OriginRef: originRef,
		KeyRef:    keyRef,
		KID:       keyRef,
	}
}

// PublicKeyMe is the public key as modulus and exponent.
type PublicKeyMe struct {
	Mod string `json:"mod"`
	Exp int    `json:"exp"`
}

// PublicKeyConfiguration tells clients which key signs the service output.
type PublicKeyConfiguration struct {
	ServiceInstancePublicKeyMe  PublicKeyMe `json:"service_instance_public_key_me"`
	ServiceInstancePublicKeyPEM string      `json:"service_instance_public_key_pem"`
	KeyRetentionMode            string      `json:"key_retention_mode"`
}

type SvcPortSet struct {
	Idx        int               `json:"idx"`
	DName      string            `json:"d_name"`
	SvcPortMap []SvcPortMapEntry `json:"svc_port_map"`
}

type SvcPortMapEntry struct {
	Service string `json:"service"`
	Port    int    `json:"port"`
}

type NodeURL struct {
	Idx           int    `json:"idx"`
	URL           string `json:"url"`
	URLQr         string `json:"url_qr"`
	SvcPortSetIdx int    `json:"svc_port_set_idx"`
}

// ServiceInstanceConfiguration tells clients where the service lives.
type ServiceInstanceConfiguration struct {
	NLSServiceInstanceRef string       `json:"nls_service_instance_ref"`
	SvcPortSetList        []SvcPortSet `json:"svc_port_set_list"`
	NodeURLList           []NodeURL    `json:"node_url_list"`
}

// ClientTokenClaims is the payload of the client configuration token file
// installed on licensed guests.
type ClientTokenClaims struct {
	Standard
	UpdateMode                            string                       `json:"update_mode"`
	ScopeRefList                          []string                     `json:"scope_ref_list"`
	FulfillmentClassRefList               []string                     `json:"fulfillment_class_ref_list"`
	ServiceInstanceConfiguration          ServiceInstanceConfiguration `json:"service_instance_configuration"`
	ServiceInstancePublicKeyConfiguration PublicKeyConfiguration       `json:"service_instance_public_key_configuration"`
}

// ConfigTokenClaims is the payload returned by the config-token endpoint.
type ConfigTokenClaims struct {
	Standard
	ProtocolVersion                       string                 `json:"protocol_version"`
	DName                                 string                 `json:"d_name"`
	ServiceInstanceRef                    string                 `json:"service_instance_ref"`
	ServiceInstancePublicKeyConfiguration PublicKeyConfiguration `json:"service_instance_public_key_configuration"`
}
