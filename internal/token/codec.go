package token

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"fastdls/internal/config"
	apierrors "fastdls/internal/errors"
	"fastdls/internal/pki"
)

// Codec signs and verifies the compact RS256 tokens of the service. All
// tokens are signed with the instance key.
type Codec struct {
	keys   *pki.KeyPair
	now    func() time.Time
	parser *jwt.Parser
	bearer *jwt.Parser
}

// NewCodec creates a codec. now defaults to time.Now.
func NewCodec(keys *pki.KeyPair, now func() time.Time) *Codec {
	if now == nil {
		now = time.Now
	}
	return &Codec{
		keys: keys,
		now:  now,
		parser: jwt.NewParser(
			jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
			jwt.WithTimeFunc(now),
		),
		bearer: jwt.NewParser(
			jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
			jwt.WithTimeFunc(now),
			jwt.WithIssuer(config.AccessTokenIssuer),
			jwt.WithAudience(config.AccessTokenAudience),
		),
	}
}

// Sign serializes claims as header.payload.signature. A non-empty kid is
// added to the protected header.
func (c *Codec) Sign(claims jwt.Claims, kid string) (string, error) {
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	if kid != "" {
		tok.Header["kid"] = kid
	}
	signed, err := tok.SignedString(c.keys.Private)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// Parse verifies raw and decodes it into claims. Failures wrap
// ErrExpiredToken when exp has passed and ErrInvalidToken otherwise. The
// audience is not checked.
func (c *Codec) Parse(raw string, claims jwt.Claims) error {
	return c.parse(c.parser, raw, claims)
}

// bearerClaims decodes the challenge so that authorization codes can be told
// apart from access tokens.
type bearerClaims struct {
	AccessTokenClaims
	Challenge string `json:"challenge"`
}

// ParseAccess verifies a bearer token. Unlike Parse it requires the access
// token issuer and audience and refuses authorization codes.
func (c *Codec) ParseAccess(raw string) (*AccessTokenClaims, error) {
	var claims bearerClaims
	if err := c.parse(c.bearer, raw, &claims); err != nil {
		return nil, err
	}
	if claims.Challenge != "" {
		return nil, fmt.Errorf("%w: authorization code used as bearer", apierrors.ErrInvalidToken)
	}
	return &claims.AccessTokenClaims, nil
}

func (c *Codec) parse(parser *jwt.Parser, raw string, claims jwt.Claims) error {
	_, err := parser.ParseWithClaims(raw, claims, func(*jwt.Token) (interface{}, error) {
		return c.keys.Public, nil
	})
	switch {
	case err == nil:
		return nil
	case errors.Is(err, jwt.ErrTokenExpired):
		return fmt.Errorf("%w: %v", apierrors.ErrExpiredToken, err)
	default:
		return fmt.Errorf("%w: %v", apierrors.ErrInvalidToken, err)
	}
}

// Now is the codec clock.
func (c *Codec) Now() time.Time {
	return c.now()
}
