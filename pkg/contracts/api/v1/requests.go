// Package api contains the wire contracts of the delegated license service.
// Version v1 mirrors the /auth/v1 and /leasing/v1 protocol spoken by
// licensed clients.
package api

import (
	"encoding/json"
	"fmt"
)

// Auth API Requests

// OriginRequest registers (or re-registers) a licensed client.
type OriginRequest struct {
	CandidateOriginRef string `json:"candidate_origin_ref" validate:"required,max=64"`
	// Environment is echoed back verbatim, so it is kept raw.
	Environment json.RawMessage `json:"environment"`
}

// OriginUpdateRequest refreshes the environment of a known origin.
type OriginUpdateRequest struct {
	OriginRef   string          `json:"origin_ref" validate:"required,max=64"`
	Environment json.RawMessage `json:"environment"`
}

// Environment is the subset of the client environment that is persisted.
// Everything else the client reports (fingerprints, address lists) is only
// echoed.
type Environment struct {
	Hostname           string `json:"hostname"`
	GuestDriverVersion string `json:"guest_driver_version"`
	OSPlatform         string `json:"os_platform"`
	OSVersion          string `json:"os_version"`
}

// ParseEnvironment extracts the persisted fields from a raw environment. A
// missing or null environment yields the zero value.
func ParseEnvironment(raw json.RawMessage) (Environment, error) {
	var env Environment
	if len(raw) == 0 || string(raw) == "null" {
		return env, nil
	}
	if err := json.Unmarshal(raw, &env); err != nil {
		return env, fmt.Errorf("environment: %w", err)
	}
	return env, nil
}

// CodeRequest asks for an authorization code bound to a PKCE challenge.
type CodeRequest struct {
	OriginRef     string `json:"origin_ref" validate:"required,max=64"`
	CodeChallenge string `json:"code_challenge" validate:"required"`
}

// TokenRequest exchanges an authorization code and its verifier for a
// bearer token.
type TokenRequest struct {
	AuthCode     string `json:"auth_code" validate:"required"`
	CodeVerifier string `json:"code_verifier" validate:"required"`
}

// Leasing API Requests

// ProductRef names a licensed product. A missing or unknown name fails only
// its own proposal.
type ProductRef struct {
	Name string `json:"name"`
}

// LicenseTypeQualifiers narrows the requested license.
type LicenseTypeQualifiers struct {
	Count int `json:"count" validate:"gte=0"`
}

// LeaseProposal is one entry of a borrow batch.
type LeaseProposal struct {
	LicenseTypeQualifiers LicenseTypeQualifiers `json:"license_type_qualifiers"`
	Product               ProductRef            `json:"product"`
}

// BorrowRequest creates one lease per proposal. Older clients send
// scope_ref_list instead of lease_proposal_list.
type BorrowRequest struct {
	ClientChallenge   string          `json:"client_challenge"`
	LeaseProposalList []LeaseProposal `json:"lease_proposal_list" validate:"omitempty,dive"`
	ScopeRefList      []string        `json:"scope_ref_list" validate:"omitempty,dive,required"`
}

// ClientChallengeRequest is the optional body of renew, return and
// release-all calls.
type ClientChallengeRequest struct {
	ClientChallenge string `json:"client_challenge"`
}

// ShutdownRequest carries the bearer token in the body instead of the
// Authorization header.
type ShutdownRequest struct {
	Token string `json:"token" validate:"required"`
}

// ConfigTokenRequest asks for the certificate chain and signed
// configuration of a service instance.
type ConfigTokenRequest struct {
	ServiceInstanceRef string `json:"service_instance_ref" validate:"required"`
}
