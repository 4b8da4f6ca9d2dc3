package config

import "time"

const (
	AppName    = "fastdls"
	AppVersion = "1.0.0"

	// Issuer and audience of access tokens handed to licensed clients.
	AccessTokenIssuer   = "https://cls.nvidia.org"
	AccessTokenAudience = "https://cls.nvidia.org"

	// Client configuration token identity.
	ClientTokenIssuer   = "NLS Service Instance"
	ClientTokenAudience = "NLS Licensed Client"

	LicenseType     = "CONCURRENT_COUNTED_SINGLE"
	ProtocolVersion = "2.0"
	ServiceName     = "DLS"

	AuthCodeExpire = 15 * time.Minute

	DefaultDatabaseURL        = "sqlite:///db.sqlite"
	DefaultSiteKeyXID         = "00000000-0000-0000-0000-000000000000"
	DefaultInstanceRef        = "10000000-0000-0000-0000-000000000001"
	DefaultAllotmentRef       = "20000000-0000-0000-0000-000000000001"
	DefaultTokenExpire        = 24 * time.Hour
	DefaultLeaseExpire        = 90 * 24 * time.Hour
	DefaultLeaseRenewalPeriod = 0.15
	DefaultClientTokenYears   = 12

	DefaultRateLimitRPS   = 50
	DefaultRateLimitBurst = 100

	// Name of the response header carrying the hex signature of the body.
	SignatureHeader = "X-NLS-Signature"
)
