// Package shared holds helpers used by more than one package of the
// license service.
//
// The testutil subpackage provides:
//
//   - a shared 2048-bit RSA key and fresh keys for rotation tests
//   - a settable Clock that services and the token codec accept as their
//     time source
//   - a buffered slog handler for asserting on log output
//
// Nothing here may import a domain package.
package shared
