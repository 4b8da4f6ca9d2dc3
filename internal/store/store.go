package store

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// Origin is a licensed client instance, identified by a UUID it generates
// itself. Environment fields are informational only.
type Origin struct {
	OriginRef          string `json:"origin_ref"`
	Hostname           string `json:"hostname,omitempty"`
	GuestDriverVersion string `json:"guest_driver_version,omitempty"`
	OSPlatform         string `json:"os_platform,omitempty"`
	OSVersion          string `json:"os_version,omitempty"`
}

// Lease entitles an origin to a feature until Expires.
type Lease struct {
	LeaseRef  string    `json:"lease_ref"`
	OriginRef string    `json:"origin_ref"`
	Created   time.Time `json:"lease_created"`
	Expires   time.Time `json:"lease_expires"`
	Updated   time.Time `json:"lease_updated"`
}

// RenewalAt is the advisory instant at which the client should renew.
func (l Lease) RenewalAt(window time.Duration) time.Time {
	return l.Updated.Add(window)
}

// Expired reports whether the lease has lapsed at now.
func (l Lease) Expired(now time.Time) bool {
	return !l.Expires.After(now)
}

// OriginStore persists origins.
type OriginStore interface {
	// UpsertOrigin inserts the origin or replaces its environment fields.
	UpsertOrigin(ctx context.Context, o Origin) error
	// EnsureOrigin inserts a bare origin row when none exists.
	EnsureOrigin(ctx context.Context, originRef string) error
	GetOrigin(ctx context.Context, originRef string) (*Origin, error)
	ListOrigins(ctx context.Context) ([]Origin, error)
	// DeleteOrigin removes the origin and all its leases.
	DeleteOrigin(ctx context.Context, originRef string) error
	DeleteAllOrigins(ctx context.Context) (int, error)
}

// LeaseStore persists leases. Every per-origin operation matches on both
// lease_ref and origin_ref, so a lease owned by another origin behaves as
// if it did not exist.
type LeaseStore interface {
	CreateLease(ctx context.Context, l Lease) error
	GetLease(ctx context.Context, originRef, leaseRef string) (*Lease, error)
	ListLeases(ctx context.Context, originRef string) ([]Lease, error)
	ListAllLeases(ctx context.Context) ([]Lease, error)
	// RenewLease sets updated and expires in one conditional write.
	RenewLease(ctx context.Context, originRef, leaseRef string, updated, expires time.Time) (*Lease, error)
	DeleteLease(ctx context.Context, originRef, leaseRef string) error
	// DeleteLeaseByRef removes a lease regardless of owner.
	DeleteLeaseByRef(ctx context.Context, leaseRef string) error
	// DeleteLeasesByOrigin removes every lease of the origin and returns
	// the removed refs.
	DeleteLeasesByOrigin(ctx context.Context, originRef string) ([]string, error)
	// DeleteExpired removes every lease with expires <= now.
	DeleteExpired(ctx context.Context, now time.Time) ([]string, error)
}

// Store is the complete persistence layer.
type Store interface {
	OriginStore
	LeaseStore
	Ping(ctx context.Context) error
	Close() error
}

// Open selects a backend from a database URL:
//
//	sqlite:///relative.db  sqlite:////abs/path.db  sqlite://:memory:
//	postgres://...  postgresql://...
//	memory://
func Open(ctx context.Context, url string, maxOpenConns int, logger *slog.Logger) (Store, error) {
	switch {
	case strings.HasPrefix(url, "sqlite://"):
		path := strings.TrimPrefix(url, "sqlite://")
		// sqlite:///db.sqlite is relative, sqlite:////abs is absolute
		path = strings.TrimPrefix(path, "/")
		if path == "" {
			return nil, fmt.Errorf("sqlite url %q has no path", url)
		}
		return OpenSQLite(ctx, path, logger)
	case strings.HasPrefix(url, "postgres://"), strings.HasPrefix(url, "postgresql://"):
		return OpenPostgres(ctx, url, maxOpenConns, logger)
	case url == "memory://" || url == "memory":
		return NewMemoryStore(logger)
	default:
		return nil, fmt.Errorf("unsupported database url %q", url)
	}
}

func utc(t time.Time) time.Time {
	return t.UTC().Truncate(time.Microsecond)
}
