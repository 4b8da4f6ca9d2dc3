package api

import "encoding/json"

// Responses that are signed with X-NLS-Signature list their fields in
// alphabetical order so the serialized body has a stable key order.

// Auth API Responses

// OriginResponse acknowledges a registration.
type OriginResponse struct {
	OriginRef      string          `json:"origin_ref"`
	Environment    json.RawMessage `json:"environment"`
	SvcPortSetList []interface{}   `json:"svc_port_set_list"`
	NodeURLList    []interface{}   `json:"node_url_list"`
	NodeQueryOrder []interface{}   `json:"node_query_order"`
	Prompts        []string        `json:"prompts"`
	SyncTimestamp  Timestamp       `json:"sync_timestamp"`
}

// OriginUpdateResponse acknowledges an environment update.
type OriginUpdateResponse struct {
	Environment   json.RawMessage `json:"environment"`
	Prompts       []string        `json:"prompts"`
	SyncTimestamp Timestamp       `json:"sync_timestamp"`
}

// CodeResponse carries the signed authorization code.
type CodeResponse struct {
	AuthCode      string    `json:"auth_code"`
	Prompts       []string  `json:"prompts"`
	SyncTimestamp Timestamp `json:"sync_timestamp"`
}

// TokenResponse carries the bearer token.
type TokenResponse struct {
	AuthToken     string    `json:"auth_token"`
	Expires       Timestamp `json:"expires"`
	SyncTimestamp Timestamp `json:"sync_timestamp"`
}

// Leasing API Responses

// Lease describes one granted lease.
type Lease struct {
	Created                 Timestamp   `json:"created"`
	Expires                 Timestamp   `json:"expires"`
	FeatureName             string      `json:"feature_name"`
	LicenseType             string      `json:"license_type"`
	Metadata                interface{} `json:"metadata"`
	OfflineLease            bool        `json:"offline_lease"`
	ProductName             string      `json:"product_name"`
	RecommendedLeaseRenewal float64     `json:"recommended_lease_renewal"`
	Ref                     string      `json:"ref"`
}

// LeaseError explains why a proposal was not granted.
type LeaseError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Lease error codes.
const (
	LeaseErrorUnknownProduct = "UNKNOWN_PRODUCT"
	LeaseErrorInternal       = "INTERNAL_ERROR"
)

// LeaseResult is the outcome of one proposal. Exactly one of Lease and
// Error is set.
type LeaseResult struct {
	Error   *LeaseError `json:"error"`
	Lease   *Lease      `json:"lease"`
	Ordinal int         `json:"ordinal"`
}

// Result codes of a borrow call.
const (
	ResultCodeSuccess = "SUCCESS"
	ResultCodePartial = "PARTIAL_SUCCESS"
	ResultCodeFailure = "FAILURE"
)

// BorrowResponse answers POST /leasing/v1/lessor.
type BorrowResponse struct {
	ClientChallenge string        `json:"client_challenge"`
	LeaseResultList []LeaseResult `json:"lease_result_list"`
	Prompts         []string      `json:"prompts"`
	ResultCode      string        `json:"result_code"`
	SyncTimestamp   Timestamp     `json:"sync_timestamp"`
}

// ActiveLeasesResponse answers GET /leasing/v1/lessor/leases.
type ActiveLeasesResponse struct {
	ActiveLeaseList []string  `json:"active_lease_list"`
	Prompts         []string  `json:"prompts"`
	SyncTimestamp   Timestamp `json:"sync_timestamp"`
}

// RenewResponse answers PUT /leasing/v1/lease/{lease_ref}.
type RenewResponse struct {
	ClientChallenge         string      `json:"client_challenge"`
	Expires                 Timestamp   `json:"expires"`
	FeatureExpired          bool        `json:"feature_expired"`
	LeaseRef                string      `json:"lease_ref"`
	Metadata                interface{} `json:"metadata"`
	OfflineLease            bool        `json:"offline_lease"`
	Prompts                 []string    `json:"prompts"`
	RecommendedLeaseRenewal float64     `json:"recommended_lease_renewal"`
	SyncTimestamp           Timestamp   `json:"sync_timestamp"`
}

// ReturnResponse answers DELETE /leasing/v1/lease/{lease_ref}.
type ReturnResponse struct {
	ClientChallenge string    `json:"client_challenge"`
	LeaseRef        string    `json:"lease_ref"`
	Prompts         []string  `json:"prompts"`
	SyncTimestamp   Timestamp `json:"sync_timestamp"`
}

// ReleaseResponse answers release-all and shutdown.
type ReleaseResponse struct {
	ClientChallenge    string    `json:"client_challenge"`
	Prompts            []string  `json:"prompts"`
	ReleaseFailureList []string  `json:"release_failure_list"`
	ReleasedLeaseList  []string  `json:"released_lease_list"`
	SyncTimestamp      Timestamp `json:"sync_timestamp"`
}

// PublicKey is an RSA public key as exponent and hex modulus.
type PublicKey struct {
	Exp int      `json:"exp"`
	Mod []string `json:"mod"`
}

// CertificateConfiguration is the PEM chain of the service instance.
type CertificateConfiguration struct {
	CAChain    []string  `json:"caChain"`
	PublicCert string    `json:"publicCert"`
	PublicKey  PublicKey `json:"publicKey"`
}

// ConfigTokenResponse answers POST /leasing/v1/config-token.
type ConfigTokenResponse struct {
	CertificateConfiguration CertificateConfiguration `json:"certificateConfiguration"`
	ConfigToken              string                   `json:"configToken"`
}

// Admin API Responses

// OriginView is an origin as shown by the management endpoints.
type OriginView struct {
	OriginRef          string      `json:"origin_ref"`
	Hostname           string      `json:"hostname"`
	GuestDriverVersion string      `json:"guest_driver_version"`
	OSPlatform         string      `json:"os_platform"`
	OSVersion          string      `json:"os_version"`
	Leases             []LeaseView `json:"leases,omitempty"`
}

// LeaseView is a lease as shown by the management endpoints.
type LeaseView struct {
	LeaseRef     string      `json:"lease_ref"`
	OriginRef    string      `json:"origin_ref"`
	LeaseCreated Timestamp   `json:"lease_created"`
	LeaseExpires Timestamp   `json:"lease_expires"`
	LeaseUpdated Timestamp   `json:"lease_updated"`
	LeaseRenewal Timestamp   `json:"lease_renewal"`
	Origin       *OriginView `json:"origin,omitempty"`
}

// SweepResponse reports the leases removed by an expiry sweep.
type SweepResponse struct {
	Removed   int       `json:"removed"`
	LeaseRefs []string  `json:"lease_refs"`
	SweptAt   Timestamp `json:"swept_at"`
}

// HealthResponse answers GET /-/health.
type HealthResponse struct {
	Status    string            `json:"status"`
	Version   string            `json:"version"`
	Uptime    string            `json:"uptime"`
	Checks    map[string]string `json:"checks"`
	Timestamp Timestamp         `json:"timestamp"`
}

// ConfigView answers GET /-/config. Keys follow the environment variable
// names operators configure.
type ConfigView struct {
	URL                string   `json:"DLS_URL"`
	Port               int      `json:"DLS_PORT"`
	SiteKeyXID         string   `json:"SITE_KEY_XID"`
	InstanceRef        string   `json:"INSTANCE_REF"`
	AllotmentRef       string   `json:"ALLOTMENT_REF"`
	TokenExpireDelta   string   `json:"TOKEN_EXPIRE_DELTA"`
	LeaseExpireDelta   string   `json:"LEASE_EXPIRE_DELTA"`
	LeaseRenewalPeriod float64  `json:"LEASE_RENEWAL_PERIOD"`
	LeaseRenewalDelta  string   `json:"LEASE_RENEWAL_DELTA"`
	CORSOrigins        []string `json:"CORS_ORIGINS"`
	Database           string   `json:"DATABASE"`
	SweepInterval      string   `json:"SWEEP_INTERVAL"`
}
