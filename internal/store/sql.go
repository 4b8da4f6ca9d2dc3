package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/mattn/go-sqlite3"

	apierrors "fastdls/internal/errors"
)

// dialect holds the statements that differ between backends. Queries use
// $N placeholders in ascending order, which both drivers bind positionally.
type dialect struct {
	name      string
	driver    string
	timestamp string
}

var (
	sqliteDialect   = dialect{name: "sqlite", driver: "sqlite3", timestamp: "TIMESTAMP"}
	postgresDialect = dialect{name: "postgres", driver: "pgx", timestamp: "TIMESTAMPTZ"}
)

func (d dialect) schema() []string {
	return []string{
		`CREATE TABLE IF NOT EXISTS origin (
			origin_ref CHAR(36) PRIMARY KEY,
			hostname VARCHAR(256),
			guest_driver_version VARCHAR(64),
			os_platform VARCHAR(256),
			os_version VARCHAR(256)
		)`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS lease (
			lease_ref CHAR(36) PRIMARY KEY,
			origin_ref CHAR(36) NOT NULL REFERENCES origin(origin_ref) ON DELETE CASCADE,
			lease_created %[1]s NOT NULL,
			lease_expires %[1]s NOT NULL,
			lease_updated %[1]s NOT NULL
		)`, d.timestamp),
		`CREATE INDEX IF NOT EXISTS ix_lease_origin_ref ON lease (origin_ref)`,
		`CREATE INDEX IF NOT EXISTS ix_lease_expires ON lease (lease_expires)`,
	}
}

// SQLStore implements Store on database/sql.
type SQLStore struct {
	db      *sql.DB
	dialect dialect
	logger  *slog.Logger
}

// OpenSQLite opens (and creates) a sqlite database file. ":memory:" keeps
// the database in a single pinned connection.
func OpenSQLite(ctx context.Context, path string, logger *slog.Logger) (*SQLStore, error) {
	dsn := path + "?_foreign_keys=on&_busy_timeout=5000"
	if path != ":memory:" {
		dsn += "&_journal_mode=WAL"
	}

	db, err := sql.Open(sqliteDialect.driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// sqlite allows a single writer; one connection also keeps :memory: alive
	db.SetMaxOpenConns(1)

	return newSQLStore(ctx, db, sqliteDialect, logger)
}

// OpenPostgres connects through the pgx stdlib driver.
func OpenPostgres(ctx context.Context, url string, maxOpenConns int, logger *slog.Logger) (*SQLStore, error) {
	db, err := sql.Open(postgresDialect.driver, url)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if maxOpenConns > 0 {
		db.SetMaxOpenConns(maxOpenConns)
	}
	db.SetConnMaxIdleTime(5 * time.Minute)

	return newSQLStore(ctx, db, postgresDialect, logger)
}

func newSQLStore(ctx context.Context, db *sql.DB, d dialect, logger *slog.Logger) (*SQLStore, error) {
	s := &SQLStore{
		db:      db,
		dialect: d,
		logger:  logger.With(slog.String("component", "store"), slog.String("dialect", d.name)),
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("%s unreachable: %w", d.name, err)
	}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLStore) migrate(ctx context.Context) error {
	for _, stmt := range s.dialect.schema() {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate schema: %w", err)
		}
	}
	s.logger.Debug("schema ready")
	return nil
}

// Ping checks the connection.
func (s *SQLStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close releases the pool.
func (s *SQLStore) Close() error {
	return s.db.Close()
}

func (s *SQLStore) UpsertOrigin(ctx context.Context, o Origin) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO origin (origin_ref, hostname, guest_driver_version, os_platform, os_version)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (origin_ref) DO UPDATE SET
			hostname = excluded.hostname,
			guest_driver_version = excluded.guest_driver_version,
			os_platform = excluded.os_platform,
			os_version = excluded.os_version`,
		o.OriginRef, nullString(o.Hostname), nullString(o.GuestDriverVersion),
		nullString(o.OSPlatform), nullString(o.OSVersion))
	if err != nil {
		return fmt.Errorf("upsert origin: %w", err)
	}
	return nil
}

func (s *SQLStore) EnsureOrigin(ctx context.Context, originRef string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO origin (origin_ref) VALUES ($1) ON CONFLICT (origin_ref) DO NOTHING`, originRef)
	if err != nil {
		return fmt.Errorf("ensure origin: %w", err)
	}
	return nil
}

func (s *SQLStore) GetOrigin(ctx context.Context, originRef string) (*Origin, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT origin_ref, hostname, guest_driver_version, os_platform, os_version
		FROM origin WHERE origin_ref = $1`, originRef)
	o, err := scanOrigin(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apierrors.ErrOriginNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get origin: %w", err)
	}
	return o, nil
}

func (s *SQLStore) ListOrigins(ctx context.Context) ([]Origin, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT origin_ref, hostname, guest_driver_version, os_platform, os_version
		FROM origin ORDER BY origin_ref`)
	if err != nil {
		return nil, fmt.Errorf("list origins: %w", err)
	}
	defer rows.Close()

	origins := []Origin{}
	for rows.Next() {
		o, err := scanOrigin(rows)
		if err != nil {
			return nil, fmt.Errorf("scan origin: %w", err)
		}
		origins = append(origins, *o)
	}
	return origins, rows.Err()
}

func (s *SQLStore) DeleteOrigin(ctx context.Context, originRef string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM origin WHERE origin_ref = $1`, originRef)
	if err != nil {
		return fmt.Errorf("delete origin: %w", err)
	}
	return requireAffected(res, apierrors.ErrOriginNotFound)
}

func (s *SQLStore) DeleteAllOrigins(ctx context.Context) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM lease`); err != nil {
		return 0, fmt.Errorf("delete leases: %w", err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM origin`)
	if err != nil {
		return 0, fmt.Errorf("delete origins: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), tx.Commit()
}

func (s *SQLStore) CreateLease(ctx context.Context, l Lease) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO lease (lease_ref, origin_ref, lease_created, lease_expires, lease_updated)
		VALUES ($1, $2, $3, $4, $5)`,
		l.LeaseRef, l.OriginRef, utc(l.Created), utc(l.Expires), utc(l.Updated))
	if err != nil {
		return fmt.Errorf("create lease: %w", err)
	}
	return nil
}

func (s *SQLStore) GetLease(ctx context.Context, originRef, leaseRef string) (*Lease, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT lease_ref, origin_ref, lease_created, lease_expires, lease_updated
		FROM lease WHERE origin_ref = $1 AND lease_ref = $2`, originRef, leaseRef)
	l, err := scanLease(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apierrors.ErrLeaseNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get lease: %w", err)
	}
	return l, nil
}

func (s *SQLStore) ListLeases(ctx context.Context, originRef string) ([]Lease, error) {
	return s.queryLeases(ctx, `
		SELECT lease_ref, origin_ref, lease_created, lease_expires, lease_updated
		FROM lease WHERE origin_ref = $1 ORDER BY lease_created, lease_ref`, originRef)
}

func (s *SQLStore) ListAllLeases(ctx context.Context) ([]Lease, error) {
	return s.queryLeases(ctx, `
		SELECT lease_ref, origin_ref, lease_created, lease_expires, lease_updated
		FROM lease ORDER BY lease_created, lease_ref`)
}

func (s *SQLStore) RenewLease(ctx context.Context, originRef, leaseRef string, updated, expires time.Time) (*Lease, error) {
	row := s.db.QueryRowContext(ctx, `
		UPDATE lease SET lease_updated = $1, lease_expires = $2
		WHERE origin_ref = $3 AND lease_ref = $4
		RETURNING lease_ref, origin_ref, lease_created, lease_expires, lease_updated`,
		utc(updated), utc(expires), originRef, leaseRef)
	l, err := scanLease(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apierrors.ErrLeaseNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("renew lease: %w", err)
	}
	return l, nil
}

func (s *SQLStore) DeleteLease(ctx context.Context, originRef, leaseRef string) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM lease WHERE origin_ref = $1 AND lease_ref = $2`, originRef, leaseRef)
	if err != nil {
		return fmt.Errorf("delete lease: %w", err)
	}
	return requireAffected(res, apierrors.ErrLeaseNotFound)
}

func (s *SQLStore) DeleteLeaseByRef(ctx context.Context, leaseRef string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM lease WHERE lease_ref = $1`, leaseRef)
	if err != nil {
		return fmt.Errorf("delete lease: %w", err)
	}
	return requireAffected(res, apierrors.ErrLeaseNotFound)
}

func (s *SQLStore) DeleteLeasesByOrigin(ctx context.Context, originRef string) ([]string, error) {
	return s.deleteReturning(ctx, `DELETE FROM lease WHERE origin_ref = $1 RETURNING lease_ref`, originRef)
}

func (s *SQLStore) DeleteExpired(ctx context.Context, now time.Time) ([]string, error) {
	return s.deleteReturning(ctx, `DELETE FROM lease WHERE lease_expires <= $1 RETURNING lease_ref`, utc(now))
}

func (s *SQLStore) deleteReturning(ctx context.Context, query string, args ...interface{}) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("delete leases: %w", err)
	}
	defer rows.Close()

	refs := []string{}
	for rows.Next() {
		var ref string
		if err := rows.Scan(&ref); err != nil {
			return nil, fmt.Errorf("scan lease ref: %w", err)
		}
		refs = append(refs, strings.TrimSpace(ref))
	}
	return refs, rows.Err()
}

func (s *SQLStore) queryLeases(ctx context.Context, query string, args ...interface{}) ([]Lease, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list leases: %w", err)
	}
	defer rows.Close()

	leases := []Lease{}
	for rows.Next() {
		l, err := scanLease(rows)
		if err != nil {
			return nil, fmt.Errorf("scan lease: %w", err)
		}
		leases = append(leases, *l)
	}
	return leases, rows.Err()
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanOrigin(row scanner) (*Origin, error) {
	var o Origin
	var hostname, driver, platform, osVersion sql.NullString
	if err := row.Scan(&o.OriginRef, &hostname, &driver, &platform, &osVersion); err != nil {
		return nil, err
	}
	o.OriginRef = strings.TrimSpace(o.OriginRef)
	o.Hostname = hostname.String
	o.GuestDriverVersion = driver.String
	o.OSPlatform = platform.String
	o.OSVersion = osVersion.String
	return &o, nil
}

func scanLease(row scanner) (*Lease, error) {
	var l Lease
	var created, expires, updated dbTime
	if err := row.Scan(&l.LeaseRef, &l.OriginRef, &created, &expires, &updated); err != nil {
		return nil, err
	}
	// postgres pads CHAR columns
	l.LeaseRef = strings.TrimSpace(l.LeaseRef)
	l.OriginRef = strings.TrimSpace(l.OriginRef)
	l.Created = created.Time
	l.Expires = expires.Time
	l.Updated = updated.Time
	return &l, nil
}

func requireAffected(res sql.Result, notFound error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return notFound
	}
	return nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// dbTime scans timestamps from either driver. sqlite hands back text when
// it cannot see the declared column type, as with RETURNING.
type dbTime struct {
	time.Time
}

var sqliteTimeLayouts = []string{
	"2006-01-02 15:04:05.999999999-07:00",
	"2006-01-02T15:04:05.999999999-07:00",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05",
	time.RFC3339Nano,
}

func (t *dbTime) Scan(src interface{}) error {
	switch v := src.(type) {
	case time.Time:
		t.Time = v.UTC()
		return nil
	case string:
		return t.parse(v)
	case []byte:
		return t.parse(string(v))
	case nil:
		return errors.New("unexpected NULL timestamp")
	default:
		return fmt.Errorf("unsupported timestamp type %T", src)
	}
}

func (t *dbTime) parse(s string) error {
	s = strings.TrimSuffix(s, "Z")
	for _, layout := range sqliteTimeLayouts {
		if parsed, err := time.Parse(layout, s); err == nil {
			t.Time = parsed.UTC()
			return nil
		}
	}
	return fmt.Errorf("unparseable timestamp %q", s)
}
