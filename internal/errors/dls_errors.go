package errors

import "errors"

// Domain sentinel errors. Services wrap these with context; the HTTP layer
// maps them to status codes in ErrorHandler.ErrorToProblem.
var (
	// Bearer and body token failures.
	ErrMissingToken = errors.New("missing bearer token")
	ErrInvalidToken = errors.New("token is not valid")
	ErrExpiredToken = errors.New("token has expired")

	// Handshake failures.
	ErrInvalidAuthCode   = errors.New("invalid token")
	ErrChallengeMismatch = errors.New("expected challenge did not match verifier")

	// Lease and origin lookups. Foreign-owned records report as absent.
	ErrLeaseNotFound  = errors.New("requested lease not available")
	ErrOriginNotFound = errors.New("requested origin not available")

	// Product lookup failure inside a borrow batch; never surfaces as a
	// request failure.
	ErrUnknownProduct = errors.New("unknown product")
)

// Problem types for the domain errors above.
const (
	TypeInvalidToken      = "/errors/auth/invalid-token"
	TypeExpiredToken      = "/errors/auth/expired-token"
	TypeInvalidAuthCode   = "/errors/auth/invalid-code"
	TypeChallengeMismatch = "/errors/auth/challenge-mismatch"
	TypeLeaseNotFound     = "/errors/lease/not-found"
	TypeOriginNotFound    = "/errors/origin/not-found"
)
