package services

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fastdls/internal/config"
	apierrors "fastdls/internal/errors"
	"fastdls/internal/token"
	api "fastdls/pkg/contracts/api/v1"
	"fastdls/pkg/contracts/events"
)

func TestRegisterOriginIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	req := api.OriginRequest{
		CandidateOriginRef: originA,
		Environment:        json.RawMessage(`{"hostname":"vm-01","guest_driver_version":"550.54.14","os_platform":"Ubuntu","os_version":"22.04"}`),
	}

	first, err := f.handshake.RegisterOrigin(ctx, req)
	require.NoError(t, err)
	second, err := f.handshake.RegisterOrigin(ctx, req)
	require.NoError(t, err)

	assert.Equal(t, originA, first.OriginRef)
	assert.Equal(t, first.OriginRef, second.OriginRef)
	assert.JSONEq(t, string(req.Environment), string(second.Environment))
	assert.Equal(t, start, second.SyncTimestamp.Time())

	origins, err := f.store.ListOrigins(ctx)
	require.NoError(t, err)
	require.Len(t, origins, 1)
	assert.Equal(t, "vm-01", origins[0].Hostname)
	assert.Equal(t, []events.MessageType{events.MessageTypeOriginRegistered, events.MessageTypeOriginRegistered}, f.events.types())
}

func TestUpdateOriginRefreshesEnvironment(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.authenticate(t, originA)

	resp, err := f.handshake.UpdateOrigin(ctx, api.OriginUpdateRequest{
		OriginRef:   originA,
		Environment: json.RawMessage(`{"hostname":"renamed","guest_driver_version":"550.90.07"}`),
	})
	require.NoError(t, err)
	assert.Contains(t, string(resp.Environment), "renamed")

	o, err := f.store.GetOrigin(ctx, originA)
	require.NoError(t, err)
	assert.Equal(t, "renamed", o.Hostname)
	assert.Equal(t, "550.90.07", o.GuestDriverVersion)
}

func TestRegisterOriginRejectsMalformedEnvironment(t *testing.T) {
	f := newFixture(t)

	_, err := f.handshake.RegisterOrigin(context.Background(), api.OriginRequest{
		CandidateOriginRef: originA,
		Environment:        json.RawMessage(`["not", "an", "object"]`),
	})

	var apiErr *apierrors.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, 400, apiErr.StatusCode)
}

func TestHandshakeIssuesAccessToken(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.authenticate(t, originA)

	code, err := f.handshake.IssueCode(ctx, api.CodeRequest{OriginRef: originA, CodeChallenge: ChallengeFor(verifier)})
	require.NoError(t, err)

	var codeClaims token.AuthCodeClaims
	require.NoError(t, f.codec.Parse(code.AuthCode, &codeClaims))
	assert.Equal(t, originA, codeClaims.OriginRef)
	assert.Equal(t, ChallengeFor(verifier), codeClaims.Challenge)
	assert.Equal(t, testKeyRef, codeClaims.KID)
	assert.Equal(t, start.Add(config.AuthCodeExpire), codeClaims.ExpiresAt.Time.UTC())

	resp, err := f.handshake.ExchangeCode(ctx, api.TokenRequest{AuthCode: code.AuthCode, CodeVerifier: verifier})
	require.NoError(t, err)
	assert.Equal(t, start.Add(f.identity.Instance.TokenExpire), resp.Expires.Time())

	var access token.AccessTokenClaims
	require.NoError(t, f.codec.Parse(resp.AuthToken, &access))
	assert.Equal(t, config.AccessTokenIssuer, access.Issuer)
	assert.Equal(t, config.AccessTokenAudience, access.Audience)
	assert.Equal(t, originA, access.OriginRef)
	assert.Equal(t, testKeyRef, access.KeyRef)

	origin, err := f.handshake.VerifyAccessToken(ctx, resp.AuthToken)
	require.NoError(t, err)
	assert.Equal(t, originA, origin)
}

func TestExchangeCodeFailures(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(f *fixture, req *api.TokenRequest)
		wantErr error
	}{
		{
			name:    "wrong verifier",
			mutate:  func(_ *fixture, req *api.TokenRequest) { req.CodeVerifier = "some-other-verifier" },
			wantErr: apierrors.ErrChallengeMismatch,
		},
		{
			name:    "garbage code",
			mutate:  func(_ *fixture, req *api.TokenRequest) { req.AuthCode = "not.a.jwt" },
			wantErr: apierrors.ErrInvalidAuthCode,
		},
		{
			name:    "expired code",
			mutate:  func(f *fixture, _ *api.TokenRequest) { f.clock.Advance(config.AuthCodeExpire + time.Second) },
			wantErr: apierrors.ErrInvalidAuthCode,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			ctx := context.Background()

			code, err := f.handshake.IssueCode(ctx, api.CodeRequest{OriginRef: originA, CodeChallenge: ChallengeFor(verifier)})
			require.NoError(t, err)

			req := api.TokenRequest{AuthCode: code.AuthCode, CodeVerifier: verifier}
			tt.mutate(f, &req)

			resp, err := f.handshake.ExchangeCode(ctx, req)
			assert.Nil(t, resp)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestVerifyAccessTokenRejectsExpiredAndMissing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	bearer := f.authenticate(t, originA)

	_, err := f.handshake.VerifyAccessToken(ctx, "")
	assert.ErrorIs(t, err, apierrors.ErrMissingToken)

	f.clock.Advance(f.identity.Instance.TokenExpire + time.Second)
	_, err = f.handshake.VerifyAccessToken(ctx, bearer)
	assert.ErrorIs(t, err, apierrors.ErrExpiredToken)
}

func TestVerifyAccessTokenRequiresOriginRef(t *testing.T) {
	f := newFixture(t)
	claims := token.NewAccessTokenClaims(start, time.Hour, "", testKeyRef)
	raw, err := f.codec.Sign(claims, testKeyRef)
	require.NoError(t, err)

	_, err = f.handshake.VerifyAccessToken(context.Background(), raw)
	assert.ErrorIs(t, err, apierrors.ErrInvalidToken)
}

func TestVerifyAccessTokenRejectsOtherTokenKinds(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	code, err := f.handshake.IssueCode(ctx, api.CodeRequest{OriginRef: originA, CodeChallenge: ChallengeFor(verifier)})
	require.NoError(t, err)

	noIssuer, err := f.codec.Sign(&token.AccessTokenClaims{OriginRef: originA}, testKeyRef)
	require.NoError(t, err)

	wrongAudience := token.NewAccessTokenClaims(start, time.Hour, originA, testKeyRef)
	wrongAudience.Audience = config.ClientTokenAudience
	foreignAud, err := f.codec.Sign(wrongAudience, testKeyRef)
	require.NoError(t, err)

	tests := []struct {
		name string
		raw  string
	}{
		{name: "authorization code", raw: code.AuthCode},
		{name: "no issuer or audience", raw: noIssuer},
		{name: "client audience", raw: foreignAud},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.handshake.VerifyAccessToken(ctx, tt.raw)
			assert.ErrorIs(t, err, apierrors.ErrInvalidToken)

			_, err = f.leases.Shutdown(ctx, tt.raw)
			assert.ErrorIs(t, err, apierrors.ErrInvalidToken)
		})
	}
}

func TestChallengeForMatchesPKCEVector(t *testing.T) {
	// RFC 7636 appendix B
	assert.Equal(t, "E9Melhoa2OwvFrEMTJguCHaoeK1t8URWbuGJSstw-cM", ChallengeFor(verifier))
	assert.True(t, VerifyChallenge("E9Melhoa2OwvFrEMTJguCHaoeK1t8URWbuGJSstw-cM", verifier))
	assert.False(t, VerifyChallenge("E9Melhoa2OwvFrEMTJguCHaoeK1t8URWbuGJSstw-cM", verifier+"x"))
	assert.False(t, VerifyChallenge("", verifier))
}
