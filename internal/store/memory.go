package store

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/hashicorp/go-memdb"

	apierrors "fastdls/internal/errors"
)

const (
	originTable = "origin"
	leaseTable  = "lease"

	idIndex     = "id"
	originIndex = "origin"
)

func memorySchema() *memdb.DBSchema {
	return &memdb.DBSchema{
		Tables: map[string]*memdb.TableSchema{
			originTable: {
				Name: originTable,
				Indexes: map[string]*memdb.IndexSchema{
					idIndex: {
						Name:    idIndex,
						Unique:  true,
						Indexer: &memdb.StringFieldIndex{Field: "OriginRef"},
					},
				},
			},
			leaseTable: {
				Name: leaseTable,
				Indexes: map[string]*memdb.IndexSchema{
					idIndex: {
						Name:    idIndex,
						Unique:  true,
						Indexer: &memdb.StringFieldIndex{Field: "LeaseRef"},
					},
					originIndex: {
						Name:    originIndex,
						Indexer: &memdb.StringFieldIndex{Field: "OriginRef"},
					},
				},
			},
		},
	}
}

// MemoryStore implements Store on go-memdb. Nothing survives a restart;
// it backs tests and throwaway deployments. Stored objects are never
// mutated in place, updates insert a copy.
type MemoryStore struct {
	db     *memdb.MemDB
	logger *slog.Logger
}

// NewMemoryStore creates an empty store.
func NewMemoryStore(logger *slog.Logger) (*MemoryStore, error) {
	db, err := memdb.NewMemDB(memorySchema())
	if err != nil {
		return nil, fmt.Errorf("create memdb: %w", err)
	}
	return &MemoryStore{
		db:     db,
		logger: logger.With(slog.String("component", "store"), slog.String("dialect", "memory")),
	}, nil
}

func (m *MemoryStore) Ping(context.Context) error { return nil }
func (m *MemoryStore) Close() error               { return nil }

func (m *MemoryStore) UpsertOrigin(_ context.Context, o Origin) error {
	txn := m.db.Txn(true)
	defer txn.Abort()

	if err := txn.Insert(originTable, &o); err != nil {
		return fmt.Errorf("upsert origin: %w", err)
	}
	txn.Commit()
	return nil
}

func (m *MemoryStore) EnsureOrigin(_ context.Context, originRef string) error {
	txn := m.db.Txn(true)
	defer txn.Abort()

	existing, err := txn.First(originTable, idIndex, originRef)
	if err != nil {
		return fmt.Errorf("ensure origin: %w", err)
	}
	if existing != nil {
		return nil
	}
	if err := txn.Insert(originTable, &Origin{OriginRef: originRef}); err != nil {
		return fmt.Errorf("ensure origin: %w", err)
	}
	txn.Commit()
	return nil
}

func (m *MemoryStore) GetOrigin(_ context.Context, originRef string) (*Origin, error) {
	txn := m.db.Txn(false)
	raw, err := txn.First(originTable, idIndex, originRef)
	if err != nil {
		return nil, fmt.Errorf("get origin: %w", err)
	}
	if raw == nil {
		return nil, apierrors.ErrOriginNotFound
	}
	o := *raw.(*Origin)
	return &o, nil
}

func (m *MemoryStore) ListOrigins(_ context.Context) ([]Origin, error) {
	txn := m.db.Txn(false)
	it, err := txn.Get(originTable, idIndex)
	if err != nil {
		return nil, fmt.Errorf("list origins: %w", err)
	}

	origins := []Origin{}
	for raw := it.Next(); raw != nil; raw = it.Next() {
		origins = append(origins, *raw.(*Origin))
	}
	return origins, nil
}

func (m *MemoryStore) DeleteOrigin(_ context.Context, originRef string) error {
	txn := m.db.Txn(true)
	defer txn.Abort()

	raw, err := txn.First(originTable, idIndex, originRef)
	if err != nil {
		return fmt.Errorf("delete origin: %w", err)
	}
	if raw == nil {
		return apierrors.ErrOriginNotFound
	}
	if _, err := txn.DeleteAll(leaseTable, originIndex, originRef); err != nil {
		return fmt.Errorf("delete origin leases: %w", err)
	}
	if err := txn.Delete(originTable, raw); err != nil {
		return fmt.Errorf("delete origin: %w", err)
	}
	txn.Commit()
	return nil
}

func (m *MemoryStore) DeleteAllOrigins(_ context.Context) (int, error) {
	txn := m.db.Txn(true)
	defer txn.Abort()

	if _, err := txn.DeleteAll(leaseTable, idIndex); err != nil {
		return 0, fmt.Errorf("delete leases: %w", err)
	}
	n, err := txn.DeleteAll(originTable, idIndex)
	if err != nil {
		return 0, fmt.Errorf("delete origins: %w", err)
	}
	txn.Commit()
	return n, nil
}

func (m *MemoryStore) CreateLease(_ context.Context, l Lease) error {
	txn := m.db.Txn(true)
	defer txn.Abort()

	// mirror the foreign key of the sql schema
	origin, err := txn.First(originTable, idIndex, l.OriginRef)
	if err != nil {
		return fmt.Errorf("create lease: %w", err)
	}
	if origin == nil {
		return fmt.Errorf("create lease: %w", apierrors.ErrOriginNotFound)
	}
	existing, err := txn.First(leaseTable, idIndex, l.LeaseRef)
	if err != nil {
		return fmt.Errorf("create lease: %w", err)
	}
	if existing != nil {
		return fmt.Errorf("create lease: duplicate lease_ref %s", l.LeaseRef)
	}

	l.Created, l.Expires, l.Updated = utc(l.Created), utc(l.Expires), utc(l.Updated)
	if err := txn.Insert(leaseTable, &l); err != nil {
		return fmt.Errorf("create lease: %w", err)
	}
	txn.Commit()
	return nil
}

func (m *MemoryStore) GetLease(_ context.Context, originRef, leaseRef string) (*Lease, error) {
	txn := m.db.Txn(false)
	l, err := ownedLease(txn, originRef, leaseRef)
	if err != nil {
		return nil, err
	}
	out := *l
	return &out, nil
}

func (m *MemoryStore) ListLeases(_ context.Context, originRef string) ([]Lease, error) {
	txn := m.db.Txn(false)
	it, err := txn.Get(leaseTable, originIndex, originRef)
	if err != nil {
		return nil, fmt.Errorf("list leases: %w", err)
	}
	return collectLeases(it), nil
}

func (m *MemoryStore) ListAllLeases(_ context.Context) ([]Lease, error) {
	txn := m.db.Txn(false)
	it, err := txn.Get(leaseTable, idIndex)
	if err != nil {
		return nil, fmt.Errorf("list leases: %w", err)
	}
	return collectLeases(it), nil
}

func (m *MemoryStore) RenewLease(_ context.Context, originRef, leaseRef string, updated, expires time.Time) (*Lease, error) {
	txn := m.db.Txn(true)
	defer txn.Abort()

	current, err := ownedLease(txn, originRef, leaseRef)
	if err != nil {
		return nil, err
	}
	renewed := *current
	renewed.Updated = utc(updated)
	renewed.Expires = utc(expires)
	if err := txn.Insert(leaseTable, &renewed); err != nil {
		return nil, fmt.Errorf("renew lease: %w", err)
	}
	txn.Commit()

	out := renewed
	return &out, nil
}

func (m *MemoryStore) DeleteLease(_ context.Context, originRef, leaseRef string) error {
	txn := m.db.Txn(true)
	defer txn.Abort()

	l, err := ownedLease(txn, originRef, leaseRef)
	if err != nil {
		return err
	}
	if err := txn.Delete(leaseTable, l); err != nil {
		return fmt.Errorf("delete lease: %w", err)
	}
	txn.Commit()
	return nil
}

func (m *MemoryStore) DeleteLeaseByRef(_ context.Context, leaseRef string) error {
	txn := m.db.Txn(true)
	defer txn.Abort()

	raw, err := txn.First(leaseTable, idIndex, leaseRef)
	if err != nil {
		return fmt.Errorf("delete lease: %w", err)
	}
	if raw == nil {
		return apierrors.ErrLeaseNotFound
	}
	if err := txn.Delete(leaseTable, raw); err != nil {
		return fmt.Errorf("delete lease: %w", err)
	}
	txn.Commit()
	return nil
}

func (m *MemoryStore) DeleteLeasesByOrigin(_ context.Context, originRef string) ([]string, error) {
	txn := m.db.Txn(true)
	defer txn.Abort()

	it, err := txn.Get(leaseTable, originIndex, originRef)
	if err != nil {
		return nil, fmt.Errorf("delete leases: %w", err)
	}
	leases := collectLeases(it)

	refs := make([]string, 0, len(leases))
	for i := range leases {
		if err := txn.Delete(leaseTable, &leases[i]); err != nil {
			return nil, fmt.Errorf("delete lease: %w", err)
		}
		refs = append(refs, leases[i].LeaseRef)
	}
	txn.Commit()
	return refs, nil
}

func (m *MemoryStore) DeleteExpired(_ context.Context, now time.Time) ([]string, error) {
	txn := m.db.Txn(true)
	defer txn.Abort()

	it, err := txn.Get(leaseTable, idIndex)
	if err != nil {
		return nil, fmt.Errorf("sweep leases: %w", err)
	}

	refs := []string{}
	for _, l := range collectLeases(it) {
		if !l.Expired(now) {
			continue
		}
		l := l
		if err := txn.Delete(leaseTable, &l); err != nil {
			return nil, fmt.Errorf("sweep lease %s: %w", l.LeaseRef, err)
		}
		refs = append(refs, l.LeaseRef)
	}
	txn.Commit()
	return refs, nil
}

func ownedLease(txn *memdb.Txn, originRef, leaseRef string) (*Lease, error) {
	raw, err := txn.First(leaseTable, idIndex, leaseRef)
	if err != nil {
		return nil, fmt.Errorf("get lease: %w", err)
	}
	if raw == nil {
		return nil, apierrors.ErrLeaseNotFound
	}
	l := raw.(*Lease)
	if l.OriginRef != originRef {
		return nil, apierrors.ErrLeaseNotFound
	}
	return l, nil
}

// collectLeases drains it into a slice ordered like the sql backends.
func collectLeases(it memdb.ResultIterator) []Lease {
	leases := []Lease{}
	for raw := it.Next(); raw != nil; raw = it.Next() {
		leases = append(leases, *raw.(*Lease))
	}
	sort.Slice(leases, func(i, j int) bool {
		if !leases[i].Created.Equal(leases[j].Created) {
			return leases[i].Created.Before(leases[j].Created)
		}
		return leases[i].LeaseRef < leases[j].LeaseRef
	})
	return leases
}
