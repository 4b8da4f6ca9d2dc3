// Package services implements the delegated license service: the origin
// handshake, the lease lifecycle and the management operations.
//
// Services take their collaborators by injection and hold no mutable state
// of their own; every lease mutation is a single conditional store
// operation scoped by the origin_ref of the verified caller. Services
// return wire contracts from pkg/contracts/api/v1 and domain sentinel
// errors from internal/errors; mapping errors to HTTP status codes is left
// to the transport layer.
//
// # Clock
//
// Every service reads time through Options.Now so tests can drive token and
// lease expiry deterministically.
package services
