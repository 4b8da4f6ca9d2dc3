// Package http implements the HTTP surface of the delegated license
// service. Handlers are a thin layer between the wire protocol spoken by
// licensed clients and the services package.
//
// # Routes
//
//	/auth/v1/*        origin registration and the code/token handshake
//	/leasing/v1/*     bearer-authenticated lease operations
//	/-/*              management endpoints, optionally behind X-API-Key
//	/metrics          Prometheus scrape endpoint
//
// # Responses
//
// Protocol responses are plain JSON objects. Responses of lease-mutating
// calls (borrow, renew, return, release-all and shutdown) are serialized
// compactly with a trailing newline and carry a hex RSA PKCS#1 v1.5
// SHA-256 signature of the exact body bytes in the X-NLS-Signature header.
//
// # Error Handling
//
// Every failure is rendered as RFC 7807 Problem Details by
// errors.ErrorHandler, which is the only place domain errors are mapped to
// status codes:
//
//	{
//	    "type": "/errors/auth/challenge-mismatch",
//	    "title": "Unauthorized",
//	    "status": 401,
//	    "detail": "expected challenge did not match verifier",
//	    "instance": "/auth/v1/token"
//	}
//
// # Testing
//
// Handlers are tested end to end through NewRouter with httptest and an
// in-memory store.
package http
