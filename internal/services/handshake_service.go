package services

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	apierrors "fastdls/internal/errors"
	"fastdls/internal/infrastructure"
	"fastdls/internal/store"
	"fastdls/internal/token"
	api "fastdls/pkg/contracts/api/v1"
	"fastdls/pkg/contracts/events"
)

// HandshakeService registers origins and runs the PKCE-shaped exchange that
// ends in a bearer token. The authorization code is self-contained; nothing
// is stored between issuing and redeeming it.
type HandshakeService struct {
	origins  store.OriginStore
	codec    *token.Codec
	identity Identity
	opts     Options
	logger   *slog.Logger
}

// NewHandshakeService creates a handshake service.
func NewHandshakeService(origins store.OriginStore, codec *token.Codec, identity Identity, opts Options) *HandshakeService {
	opts = opts.withDefaults()
	return &HandshakeService{
		origins:  origins,
		codec:    codec,
		identity: identity,
		opts:     opts,
		logger:   infrastructure.WithComponent(opts.Logger, "handshake_service"),
	}
}

// RegisterOrigin creates or refreshes an origin. Repeating the call with the
// same body leaves exactly one row.
func (s *HandshakeService) RegisterOrigin(ctx context.Context, req api.OriginRequest) (resp *api.OriginResponse, err error) {
	ctx, span := s.opts.Tracer.Start(ctx, "handshake.register_origin",
		trace.WithAttributes(attribute.String("origin_ref", req.CandidateOriginRef)))
	defer func() { s.finish(ctx, span, "origin", err) }()

	origin, err := s.upsert(ctx, req.CandidateOriginRef, req.Environment)
	if err != nil {
		return nil, err
	}

	s.logger.InfoContext(ctx, "origin registered",
		slog.String("origin_ref", origin.OriginRef),
		slog.String("hostname", origin.Hostname),
		slog.String("guest_driver_version", origin.GuestDriverVersion))
	s.opts.Events.Publish(ctx, events.MessageTypeOriginRegistered, events.OriginEvent{
		OriginRef: origin.OriginRef,
		Hostname:  origin.Hostname,
	})

	return &api.OriginResponse{
		OriginRef:     origin.OriginRef,
		Environment:   req.Environment,
		SyncTimestamp: api.NewTimestamp(s.opts.Now()),
	}, nil
}

// UpdateOrigin refreshes the environment of an origin, creating it when the
// client skipped registration.
func (s *HandshakeService) UpdateOrigin(ctx context.Context, req api.OriginUpdateRequest) (resp *api.OriginUpdateResponse, err error) {
	ctx, span := s.opts.Tracer.Start(ctx, "handshake.update_origin",
		trace.WithAttributes(attribute.String("origin_ref", req.OriginRef)))
	defer func() { s.finish(ctx, span, "origin_update", err) }()

	origin, err := s.upsert(ctx, req.OriginRef, req.Environment)
	if err != nil {
		return nil, err
	}
	s.logger.InfoContext(ctx, "origin updated", slog.String("origin_ref", origin.OriginRef))

	return &api.OriginUpdateResponse{
		Environment:   req.Environment,
		SyncTimestamp: api.NewTimestamp(s.opts.Now()),
	}, nil
}

func (s *HandshakeService) upsert(ctx context.Context, originRef string, raw []byte) (store.Origin, error) {
	env, err := api.ParseEnvironment(raw)
	if err != nil {
		return store.Origin{}, apierrors.InvalidRequestWithError(err)
	}
	origin := store.Origin{
		OriginRef:          originRef,
		Hostname:           env.Hostname,
		GuestDriverVersion: env.GuestDriverVersion,
		OSPlatform:         env.OSPlatform,
		OSVersion:          env.OSVersion,
	}
	if err := s.origins.UpsertOrigin(ctx, origin); err != nil {
		return store.Origin{}, fmt.Errorf("register origin %s: %w", originRef, err)
	}
	return origin, nil
}

// IssueCode signs an authorization code binding the origin to the client's
// code challenge. The code expires after config.AuthCodeExpire.
func (s *HandshakeService) IssueCode(ctx context.Context, req api.CodeRequest) (resp *api.CodeResponse, err error) {
	ctx, span := s.opts.Tracer.Start(ctx, "handshake.issue_code",
		trace.WithAttributes(attribute.String("origin_ref", req.OriginRef)))
	defer func() { s.finish(ctx, span, "code", err) }()

	now := s.opts.Now()
	claims := token.NewAuthCodeClaims(now, req.OriginRef, req.CodeChallenge, s.identity.KeyRef)
	code, err := s.codec.Sign(claims, s.identity.KeyRef)
	if err != nil {
		return nil, err
	}

	s.logger.InfoContext(ctx, "auth code issued", slog.String("origin_ref", req.OriginRef))
	return &api.CodeResponse{
		AuthCode:      code,
		SyncTimestamp: api.NewTimestamp(now),
	}, nil
}

// ExchangeCode redeems an authorization code. A code that fails
// verification yields ErrInvalidAuthCode; a verifier that does not hash to
// the code's challenge yields ErrChallengeMismatch.
func (s *HandshakeService) ExchangeCode(ctx context.Context, req api.TokenRequest) (resp *api.TokenResponse, err error) {
	ctx, span := s.opts.Tracer.Start(ctx, "handshake.exchange_code")
	defer func() { s.finish(ctx, span, "token", err) }()

	var code token.AuthCodeClaims
	if err := s.codec.Parse(req.AuthCode, &code); err != nil {
		return nil, fmt.Errorf("%w: %v", apierrors.ErrInvalidAuthCode, err)
	}
	span.SetAttributes(attribute.String("origin_ref", code.OriginRef))

	if !VerifyChallenge(code.Challenge, req.CodeVerifier) {
		s.logger.WarnContext(ctx, "code verifier rejected", slog.String("origin_ref", code.OriginRef))
		return nil, apierrors.ErrChallengeMismatch
	}

	now := s.opts.Now()
	ttl := s.identity.Instance.TokenExpire
	bearer, err := s.codec.Sign(token.NewAccessTokenClaims(now, ttl, code.OriginRef, s.identity.KeyRef), s.identity.KeyRef)
	if err != nil {
		return nil, err
	}

	s.logger.InfoContext(ctx, "bearer token issued",
		slog.String("origin_ref", code.OriginRef),
		slog.Duration("ttl", ttl))
	return &api.TokenResponse{
		AuthToken:     bearer,
		Expires:       api.NewTimestamp(now.Add(ttl)),
		SyncTimestamp: api.NewTimestamp(now),
	}, nil
}

// VerifyAccessToken validates a bearer token and returns the origin it was
// issued to.
func (s *HandshakeService) VerifyAccessToken(ctx context.Context, raw string) (string, error) {
	return verifyAccessToken(s.codec, raw)
}

func verifyAccessToken(codec *token.Codec, raw string) (string, error) {
	if raw == "" {
		return "", apierrors.ErrMissingToken
	}
	claims, err := codec.ParseAccess(raw)
	if err != nil {
		return "", err
	}
	if claims.OriginRef == "" {
		return "", fmt.Errorf("%w: origin_ref claim missing", apierrors.ErrInvalidToken)
	}
	return claims.OriginRef, nil
}

// VerifyChallenge reports whether base64url_nopad(sha256(verifier)) equals
// challenge, in constant time.
func VerifyChallenge(challenge, verifier string) bool {
	return subtle.ConstantTimeCompare([]byte(challenge), []byte(ChallengeFor(verifier))) == 1
}

// ChallengeFor computes the S256 code challenge of a verifier.
func ChallengeFor(verifier string) string {
	sum := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

func (s *HandshakeService) finish(ctx context.Context, span trace.Span, step string, err error) {
	if err != nil {
		infrastructure.RecordError(ctx, err)
	}
	s.opts.Metrics.RecordHandshake(ctx, step, err)
	span.End()
}
