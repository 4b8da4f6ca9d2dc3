// Package pki holds the key material of the service instance.
//
// # Keys
//
// The instance signing key is an RSA key of at least 2048 bits stored as a
// PEM pair. It signs every token the service issues and the detached
// response signatures sent with lease mutations.
//
// # Certificate Chain
//
// EnsureChain maintains a three level chain on disk:
//
//	root_ca.crt          self-signed, CertSign|CRLSign
//	intermediate_ca.crt  signed by root, path length 0
//	si_certificate.crt   signed by intermediate, CN=instance_ref,
//	                     bound to the instance public key
//
// The chain is regenerated as a unit whenever a file is missing or the
// leaf no longer matches the instance key.
package pki
