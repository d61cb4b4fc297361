package storage

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/xtgz/chai/internal/config"
	"github.com/xtgz/chai/internal/ingestion"
)

// ErrRegistryStoreFailed wraps every non-connection failure of the registry store.
var ErrRegistryStoreFailed = errors.New("registry store operation failed")

type (
	// RegistryStore is the PostgreSQL implementation of ingestion.Store.
	//
	// Every insert is a single INSERT ... SELECT FROM UNNEST(...) statement with
	// ON CONFLICT DO NOTHING, executed in its own transaction: a batch either
	// commits completely or not at all, and rows that already exist are skipped
	// without error. Lookups bind the whole key set as one array parameter.
	RegistryStore struct {
		conn   *Connection
		logger *slog.Logger
	}

	// RegistryStoreOption configures a RegistryStore.
	RegistryStoreOption func(*RegistryStore)
)

var _ ingestion.Store = (*RegistryStore)(nil)

// WithLogger sets the logger used by the store.
func WithLogger(logger *slog.Logger) RegistryStoreOption {
	return func(s *RegistryStore) {
		s.logger = logger
	}
}

// NewRegistryStore creates a store on top of an open connection. The
// connection is owned by the caller.
func NewRegistryStore(conn *Connection, opts ...RegistryStoreOption) (*RegistryStore, error) {
	if conn == nil || conn.DB == nil {
		return nil, ErrNoDatabaseConnection
	}

	s := &RegistryStore{
		conn:   conn,
		logger: config.NewLogger(),
	}

	for _, opt := range opts {
		opt(s)
	}

	return s, nil
}

// HealthCheck verifies the database is reachable.
func (s *RegistryStore) HealthCheck(ctx context.Context) error {
	if err := s.conn.HealthCheck(ctx); err != nil {
		return s.classify("health check", err)
	}

	return nil
}

// EnsureSource implements ingestion.Store.
func (s *RegistryStore) EnsureSource(ctx context.Context, name string) (uuid.UUID, error) {
	return s.ensure(ctx, "sources", "type", name)
}

// EnsurePackageManager implements ingestion.Store.
func (s *RegistryStore) EnsurePackageManager(ctx context.Context, sourceID uuid.UUID) (uuid.UUID, error) {
	return s.ensure(ctx, "package_managers", "source_id", sourceID.String())
}

// EnsureURLType implements ingestion.Store.
func (s *RegistryStore) EnsureURLType(ctx context.Context, name string) (uuid.UUID, error) {
	return s.ensure(ctx, "url_types", "name", name)
}

// EnsureDependencyType implements ingestion.Store.
func (s *RegistryStore) EnsureDependencyType(ctx context.Context, name string) (uuid.UUID, error) {
	return s.ensure(ctx, "depends_on_types", "name", name)
}

// ensure returns the id of the row whose unique column equals value,
// inserting it first when absent. table and column are never user input.
func (s *RegistryStore) ensure(ctx context.Context, table, column, value string) (uuid.UUID, error) {
	query := fmt.Sprintf(`
		WITH inserted AS (
			INSERT INTO %[1]s (%[2]s) VALUES ($1)
			ON CONFLICT (%[2]s) DO NOTHING
			RETURNING id
		)
		SELECT id FROM inserted
		UNION ALL
		SELECT id FROM %[1]s WHERE %[2]s = $1
		LIMIT 1`, table, column)

	var id uuid.UUID
	if err := s.conn.QueryRowContext(ctx, query, value).Scan(&id); err != nil {
		return uuid.Nil, s.classify("ensure "+table, err)
	}

	return id, nil
}

// PackageIDs implements ingestion.Store.
func (s *RegistryStore) PackageIDs(
	ctx context.Context,
	packageManagerID uuid.UUID,
	importIDs []string,
) (map[string]uuid.UUID, error) {
	const query = `
		SELECT import_id, id
		FROM packages
		WHERE package_manager_id = $1 AND import_id = ANY($2)`

	return s.lookup(ctx, "package ids", importIDs, query, packageManagerID, pq.Array(importIDs))
}

// VersionIDs implements ingestion.Store. Version import ids are resolved
// through the package manager of the owning package.
func (s *RegistryStore) VersionIDs(
	ctx context.Context,
	packageManagerID uuid.UUID,
	importIDs []string,
) (map[string]uuid.UUID, error) {
	const query = `
		SELECT v.import_id, v.id
		FROM versions v
		JOIN packages p ON p.id = v.package_id
		WHERE p.package_manager_id = $1 AND v.import_id = ANY($2)`

	return s.lookup(ctx, "version ids", importIDs, query, packageManagerID, pq.Array(importIDs))
}

// UserIDs implements ingestion.Store.
func (s *RegistryStore) UserIDs(
	ctx context.Context,
	sourceID uuid.UUID,
	importIDs []string,
) (map[string]uuid.UUID, error) {
	const query = `
		SELECT import_id, id
		FROM users
		WHERE source_id = $1 AND import_id = ANY($2)`

	return s.lookup(ctx, "user ids", importIDs, query, sourceID, pq.Array(importIDs))
}

// LicenseIDs implements ingestion.Store.
func (s *RegistryStore) LicenseIDs(ctx context.Context, names []string) (map[string]uuid.UUID, error) {
	const query = `SELECT name, id FROM licenses WHERE name = ANY($1)`

	return s.lookup(ctx, "license ids", names, query, pq.Array(names))
}

// URLIDs implements ingestion.Store.
func (s *RegistryStore) URLIDs(ctx context.Context, keys []ingestion.URLKey) (map[ingestion.URLKey]uuid.UUID, error) {
	if len(keys) == 0 {
		return map[ingestion.URLKey]uuid.UUID{}, nil
	}

	const query = `
		SELECT u.url_type_id, u.url, u.id
		FROM urls u
		JOIN UNNEST($1::uuid[], $2::text[]) AS k(url_type_id, url)
			ON u.url_type_id = k.url_type_id AND u.url = k.url`

	typeIDs := make([]string, len(keys))
	urls := make([]string, len(keys))

	for i, k := range keys {
		typeIDs[i] = k.TypeID.String()
		urls[i] = k.URL
	}

	rows, err := s.conn.QueryContext(ctx, query, pq.Array(typeIDs), pq.Array(urls))
	if err != nil {
		return nil, s.classify("url ids", err)
	}

	defer func() {
		_ = rows.Close()
	}()

	found := make(map[ingestion.URLKey]uuid.UUID, len(keys))

	for rows.Next() {
		var (
			key ingestion.URLKey
			id  uuid.UUID
		)

		if err := rows.Scan(&key.TypeID, &key.URL, &id); err != nil {
			return nil, s.classify("scan url ids", err)
		}

		found[key] = id
	}

	if err := rows.Err(); err != nil {
		return nil, s.classify("url ids", err)
	}

	return found, nil
}

func (s *RegistryStore) lookup(
	ctx context.Context,
	op string,
	keys []string,
	query string,
	args ...any,
) (map[string]uuid.UUID, error) {
	if len(keys) == 0 {
		return map[string]uuid.UUID{}, nil
	}

	rows, err := s.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, s.classify(op, err)
	}

	defer func() {
		_ = rows.Close()
	}()

	found := make(map[string]uuid.UUID, len(keys))

	for rows.Next() {
		var (
			key string
			id  uuid.UUID
		)

		if err := rows.Scan(&key, &id); err != nil {
			return nil, s.classify("scan "+op, err)
		}

		found[key] = id
	}

	if err := rows.Err(); err != nil {
		return nil, s.classify(op, err)
	}

	return found, nil
}

// InsertPackages implements ingestion.Store.
func (s *RegistryStore) InsertPackages(ctx context.Context, rows []ingestion.PackageRow) (int64, error) {
	const query = `
		INSERT INTO packages (derived_id, name, package_manager_id, import_id, readme)
		SELECT * FROM UNNEST($1::text[], $2::text[], $3::uuid[], $4::text[], $5::text[])
		ON CONFLICT DO NOTHING`

	derivedIDs := make([]string, len(rows))
	names := make([]string, len(rows))
	pmIDs := make([]string, len(rows))
	importIDs := make([]string, len(rows))
	readmes := make([]sql.NullString, len(rows))

	for i, r := range rows {
		derivedIDs[i] = r.DerivedID
		names[i] = r.Name
		pmIDs[i] = r.PackageManagerID.String()
		importIDs[i] = r.ImportID
		readmes[i] = nullString(r.Readme)
	}

	return s.insert(ctx, "packages", len(rows), query,
		pq.Array(derivedIDs), pq.Array(names), pq.Array(pmIDs), pq.Array(importIDs), pq.Array(readmes))
}

// InsertLicenses implements ingestion.Store.
func (s *RegistryStore) InsertLicenses(ctx context.Context, names []string) (int64, error) {
	const query = `
		INSERT INTO licenses (name)
		SELECT * FROM UNNEST($1::text[])
		ON CONFLICT DO NOTHING`

	return s.insert(ctx, "licenses", len(names), query, pq.Array(names))
}

// InsertURLs implements ingestion.Store.
func (s *RegistryStore) InsertURLs(ctx context.Context, rows []ingestion.URLRow) (int64, error) {
	const query = `
		INSERT INTO urls (url, url_type_id)
		SELECT * FROM UNNEST($1::text[], $2::uuid[])
		ON CONFLICT DO NOTHING`

	urls := make([]string, len(rows))
	typeIDs := make([]string, len(rows))

	for i, r := range rows {
		urls[i] = r.URL
		typeIDs[i] = r.URLTypeID.String()
	}

	return s.insert(ctx, "urls", len(rows), query, pq.Array(urls), pq.Array(typeIDs))
}

// InsertPackageURLs implements ingestion.Store.
func (s *RegistryStore) InsertPackageURLs(ctx context.Context, rows []ingestion.PackageURLRow) (int64, error) {
	const query = `
		INSERT INTO package_urls (package_id, url_id)
		SELECT * FROM UNNEST($1::uuid[], $2::uuid[])
		ON CONFLICT DO NOTHING`

	left, right := pairs(rows, func(r ingestion.PackageURLRow) (uuid.UUID, uuid.UUID) { return r.PackageID, r.URLID })

	return s.insert(ctx, "package_urls", len(rows), query, pq.Array(left), pq.Array(right))
}

// InsertVersions implements ingestion.Store.
func (s *RegistryStore) InsertVersions(ctx context.Context, rows []ingestion.VersionRow) (int64, error) {
	const query = `
		INSERT INTO versions (package_id, version, import_id, size, published_at, license_id, downloads, checksum)
		SELECT * FROM UNNEST(
			$1::uuid[], $2::text[], $3::text[], $4::bigint[],
			$5::timestamptz[], $6::uuid[], $7::bigint[], $8::text[]
		)
		ON CONFLICT DO NOTHING`

	var (
		packageIDs  = make([]string, len(rows))
		versions    = make([]string, len(rows))
		importIDs   = make([]string, len(rows))
		sizes       = make([]sql.NullInt64, len(rows))
		publishedAt = make([]sql.NullString, len(rows))
		licenseIDs  = make([]sql.NullString, len(rows))
		downloads   = make([]sql.NullInt64, len(rows))
		checksums   = make([]sql.NullString, len(rows))
	)

	for i, r := range rows {
		packageIDs[i] = r.PackageID.String()
		versions[i] = r.Version
		importIDs[i] = r.ImportID
		sizes[i] = nullInt64(r.Size)
		publishedAt[i] = nullTime(r.PublishedAt)
		licenseIDs[i] = nullUUID(r.LicenseID)
		downloads[i] = nullInt64(r.Downloads)
		checksums[i] = nullString(r.Checksum)
	}

	return s.insert(ctx, "versions", len(rows), query,
		pq.Array(packageIDs), pq.Array(versions), pq.Array(importIDs), pq.Array(sizes),
		pq.Array(publishedAt), pq.Array(licenseIDs), pq.Array(downloads), pq.Array(checksums))
}

// InsertUsers implements ingestion.Store.
func (s *RegistryStore) InsertUsers(ctx context.Context, rows []ingestion.UserRow) (int64, error) {
	const query = `
		INSERT INTO users (username, import_id, source_id)
		SELECT * FROM UNNEST($1::text[], $2::text[], $3::uuid[])
		ON CONFLICT DO NOTHING`

	usernames := make([]string, len(rows))
	importIDs := make([]string, len(rows))
	sourceIDs := make([]string, len(rows))

	for i, r := range rows {
		usernames[i] = r.Username
		importIDs[i] = r.ImportID
		sourceIDs[i] = r.SourceID.String()
	}

	return s.insert(ctx, "users", len(rows), query, pq.Array(usernames), pq.Array(importIDs), pq.Array(sourceIDs))
}

// InsertUserPackages implements ingestion.Store.
func (s *RegistryStore) InsertUserPackages(ctx context.Context, rows []ingestion.UserPackageRow) (int64, error) {
	const query = `
		INSERT INTO user_packages (user_id, package_id)
		SELECT * FROM UNNEST($1::uuid[], $2::uuid[])
		ON CONFLICT DO NOTHING`

	left, right := pairs(rows, func(r ingestion.UserPackageRow) (uuid.UUID, uuid.UUID) { return r.UserID, r.PackageID })

	return s.insert(ctx, "user_packages", len(rows), query, pq.Array(left), pq.Array(right))
}

// InsertUserVersions implements ingestion.Store.
func (s *RegistryStore) InsertUserVersions(ctx context.Context, rows []ingestion.UserVersionRow) (int64, error) {
	const query = `
		INSERT INTO user_versions (user_id, version_id)
		SELECT * FROM UNNEST($1::uuid[], $2::uuid[])
		ON CONFLICT DO NOTHING`

	left, right := pairs(rows, func(r ingestion.UserVersionRow) (uuid.UUID, uuid.UUID) { return r.UserID, r.VersionID })

	return s.insert(ctx, "user_versions", len(rows), query, pq.Array(left), pq.Array(right))
}

// InsertDependencies implements ingestion.Store. The unique key treats a
// NULL dependency type as a value, so untyped edges are deduplicated too.
func (s *RegistryStore) InsertDependencies(ctx context.Context, rows []ingestion.DependencyRow) (int64, error) {
	const query = `
		INSERT INTO dependencies (version_id, dependency_id, dependency_type_id, semver_range)
		SELECT * FROM UNNEST($1::uuid[], $2::uuid[], $3::uuid[], $4::text[])
		ON CONFLICT DO NOTHING`

	versionIDs := make([]string, len(rows))
	dependencyIDs := make([]string, len(rows))
	typeIDs := make([]sql.NullString, len(rows))
	ranges := make([]sql.NullString, len(rows))

	for i, r := range rows {
		versionIDs[i] = r.VersionID.String()
		dependencyIDs[i] = r.DependencyID.String()
		typeIDs[i] = nullUUID(r.DependencyTypeID)
		ranges[i] = nullString(r.SemverRange)
	}

	return s.insert(ctx, "dependencies", len(rows), query,
		pq.Array(versionIDs), pq.Array(dependencyIDs), pq.Array(typeIDs), pq.Array(ranges))
}

// InsertLoadHistory implements ingestion.Store.
func (s *RegistryStore) InsertLoadHistory(ctx context.Context, packageManagerID uuid.UUID) (uuid.UUID, error) {
	const query = `INSERT INTO load_history (package_manager_id) VALUES ($1) RETURNING id`

	var id uuid.UUID
	if err := s.conn.QueryRowContext(ctx, query, packageManagerID).Scan(&id); err != nil {
		return uuid.Nil, s.classify("insert load history", err)
	}

	return id, nil
}

// LastLoad returns the time of the most recent completed load of the named
// package manager. ok is false when it has never been loaded.
func (s *RegistryStore) LastLoad(ctx context.Context, packageManager string) (time.Time, bool, error) {
	const query = `
		SELECT MAX(lh.created_at)
		FROM load_history lh
		JOIN package_managers pm ON pm.id = lh.package_manager_id
		JOIN sources src ON src.id = pm.source_id
		WHERE src.type = $1`

	var last sql.NullTime
	if err := s.conn.QueryRowContext(ctx, query, packageManager).Scan(&last); err != nil {
		return time.Time{}, false, s.classify("last load", err)
	}

	return last.Time, last.Valid, nil
}

// insert runs one UNNEST insert statement in its own transaction and returns
// the number of rows written.
func (s *RegistryStore) insert(ctx context.Context, table string, candidates int, query string, args ...any) (int64, error) {
	if candidates == 0 {
		return 0, nil
	}

	start := time.Now()

	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return 0, s.classify("begin "+table, err)
	}

	defer func() {
		_ = tx.Rollback()
	}()

	res, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, s.classify("insert "+table, err)
	}

	written, err := res.RowsAffected()
	if err != nil {
		return 0, s.classify("insert "+table, err)
	}

	if err := tx.Commit(); err != nil {
		return 0, s.classify("commit "+table, err)
	}

	s.logger.Debug("Batch inserted",
		slog.String("table", table),
		slog.Int("candidates", candidates),
		slog.Int64("written", written),
		slog.Duration("duration", time.Since(start)),
	)

	return written, nil
}

// classify maps a database error onto the sentinel the loader understands.
func (s *RegistryStore) classify(op string, err error) error {
	if isDatabaseConnectionError(err) {
		return fmt.Errorf("%w: %s: %w", ingestion.ErrStorageUnavailable, op, err)
	}

	return fmt.Errorf("%w: %s: %w", ErrRegistryStoreFailed, op, err)
}

// isDatabaseConnectionError reports whether err means the database could not
// be reached. PostgreSQL class 08 is connection_exception; 57P01..57P03 are
// returned while the server shuts down or starts up.
func isDatabaseConnectionError(err error) bool {
	if err == nil {
		return false
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		code := string(pqErr.Code)

		return strings.HasPrefix(code, "08") || code == "57P01" || code == "57P02" || code == "57P03"
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	return errors.Is(err, sql.ErrConnDone) ||
		errors.Is(err, driver.ErrBadConn) ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF)
}

func pairs[R any](rows []R, split func(R) (uuid.UUID, uuid.UUID)) ([]string, []string) {
	left := make([]string, len(rows))
	right := make([]string, len(rows))

	for i, r := range rows {
		l, rr := split(r)
		left[i] = l.String()
		right[i] = rr.String()
	}

	return left, right
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}

	return sql.NullString{String: *s, Valid: true}
}

func nullInt64(n *int64) sql.NullInt64 {
	if n == nil {
		return sql.NullInt64{}
	}

	return sql.NullInt64{Int64: *n, Valid: true}
}

// nullTime renders timestamps as text; pq.Array has no timestamptz element encoder.
func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}

	return sql.NullString{String: t.UTC().Format(time.RFC3339Nano), Valid: true}
}

func nullUUID(id *uuid.UUID) sql.NullString {
	if id == nil {
		return sql.NullString{}
	}

	return sql.NullString{String: id.String(), Valid: true}
}
