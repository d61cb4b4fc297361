package ingestion

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"sync"

	"github.com/google/uuid"
)

// memStore is an in-memory Store that enforces the same uniqueness rules as
// the PostgreSQL schema, so loader properties can be checked without a
// database.
type memStore struct {
	mu sync.Mutex

	sources  map[string]uuid.UUID
	pms      map[uuid.UUID]uuid.UUID // source id -> package manager id
	urlTypes map[string]uuid.UUID
	depTypes map[string]uuid.UUID

	packages    map[string]uuid.UUID // pm id / import id
	derivedIDs  map[string]struct{}
	packagePM   map[uuid.UUID]uuid.UUID
	licenses    map[string]uuid.UUID
	versions    map[string]uuid.UUID // pm id / import id
	versionKeys map[string]struct{}  // package id / version
	versionRows map[uuid.UUID]VersionRow
	users       map[string]uuid.UUID // source id / import id
	usernames   map[string]struct{}
	urls        map[URLKey]uuid.UUID

	packageURLs  map[[2]uuid.UUID]struct{}
	userPackages map[[2]uuid.UUID]struct{}
	userVersions map[[2]uuid.UUID]struct{}
	dependencies map[string]struct{}

	history []uuid.UUID

	packageLookups [][]string
	versionLookups [][]string

	// failOn names a method that returns ErrStorageUnavailable.
	failOn string
	// onInsert runs before every insert with the method name.
	onInsert func(method string)
}

func newMemStore() *memStore {
	return &memStore{
		sources:      make(map[string]uuid.UUID),
		pms:          make(map[uuid.UUID]uuid.UUID),
		urlTypes:     make(map[string]uuid.UUID),
		depTypes:     make(map[string]uuid.UUID),
		packages:     make(map[string]uuid.UUID),
		derivedIDs:   make(map[string]struct{}),
		packagePM:    make(map[uuid.UUID]uuid.UUID),
		licenses:     make(map[string]uuid.UUID),
		versions:     make(map[string]uuid.UUID),
		versionKeys:  make(map[string]struct{}),
		versionRows:  make(map[uuid.UUID]VersionRow),
		users:        make(map[string]uuid.UUID),
		usernames:    make(map[string]struct{}),
		urls:         make(map[URLKey]uuid.UUID),
		packageURLs:  make(map[[2]uuid.UUID]struct{}),
		userPackages: make(map[[2]uuid.UUID]struct{}),
		userVersions: make(map[[2]uuid.UUID]struct{}),
		dependencies: make(map[string]struct{}),
	}
}

func (m *memStore) check(ctx context.Context, method string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if m.failOn == method {
		return fmt.Errorf("%w: %s: connection refused", ErrStorageUnavailable, method)
	}

	return nil
}

func (m *memStore) beforeInsert(ctx context.Context, method string) error {
	if m.onInsert != nil {
		m.onInsert(method)
	}

	return m.check(ctx, method)
}

func ensure(table map[string]uuid.UUID, name string) uuid.UUID {
	if id, ok := table[name]; ok {
		return id
	}

	id := uuid.New()
	table[name] = id

	return id
}

func scoped(scope uuid.UUID, key string) string {
	return scope.String() + "/" + key
}

func lookup(table map[string]uuid.UUID, scope uuid.UUID, keys []string) map[string]uuid.UUID {
	found := make(map[string]uuid.UUID)

	for _, k := range keys {
		if id, ok := table[scoped(scope, k)]; ok {
			found[k] = id
		}
	}

	return found
}

func (m *memStore) EnsureSource(ctx context.Context, name string) (uuid.UUID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.check(ctx, "EnsureSource"); err != nil {
		return uuid.Nil, err
	}

	return ensure(m.sources, name), nil
}

func (m *memStore) EnsurePackageManager(ctx context.Context, sourceID uuid.UUID) (uuid.UUID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.check(ctx, "EnsurePackageManager"); err != nil {
		return uuid.Nil, err
	}

	if id, ok := m.pms[sourceID]; ok {
		return id, nil
	}

	id := uuid.New()
	m.pms[sourceID] = id

	return id, nil
}

func (m *memStore) EnsureURLType(ctx context.Context, name string) (uuid.UUID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.check(ctx, "EnsureURLType"); err != nil {
		return uuid.Nil, err
	}

	return ensure(m.urlTypes, name), nil
}

func (m *memStore) EnsureDependencyType(ctx context.Context, name string) (uuid.UUID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.check(ctx, "EnsureDependencyType"); err != nil {
		return uuid.Nil, err
	}

	return ensure(m.depTypes, name), nil
}

func (m *memStore) PackageIDs(ctx context.Context, pmID uuid.UUID, importIDs []string) (map[string]uuid.UUID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.check(ctx, "PackageIDs"); err != nil {
		return nil, err
	}

	m.packageLookups = append(m.packageLookups, append([]string(nil), importIDs...))

	return lookup(m.packages, pmID, importIDs), nil
}

func (m *memStore) VersionIDs(ctx context.Context, pmID uuid.UUID, importIDs []string) (map[string]uuid.UUID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.check(ctx, "VersionIDs"); err != nil {
		return nil, err
	}

	m.versionLookups = append(m.versionLookups, append([]string(nil), importIDs...))

	return lookup(m.versions, pmID, importIDs), nil
}

func (m *memStore) UserIDs(ctx context.Context, sourceID uuid.UUID, importIDs []string) (map[string]uuid.UUID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.check(ctx, "UserIDs"); err != nil {
		return nil, err
	}

	return lookup(m.users, sourceID, importIDs), nil
}

func (m *memStore) LicenseIDs(ctx context.Context, names []string) (map[string]uuid.UUID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.check(ctx, "LicenseIDs"); err != nil {
		return nil, err
	}

	found := make(map[string]uuid.UUID)

	for _, n := range names {
		if id, ok := m.licenses[n]; ok {
			found[n] = id
		}
	}

	return found, nil
}

func (m *memStore) URLIDs(ctx context.Context, keys []URLKey) (map[URLKey]uuid.UUID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.check(ctx, "URLIDs"); err != nil {
		return nil, err
	}

	found := make(map[URLKey]uuid.UUID)

	for _, k := range keys {
		if id, ok := m.urls[k]; ok {
			found[k] = id
		}
	}

	return found, nil
}

func (m *memStore) InsertPackages(ctx context.Context, rows []PackageRow) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.beforeInsert(ctx, "InsertPackages"); err != nil {
		return 0, err
	}

	var n int64

	for _, r := range rows {
		key := scoped(r.PackageManagerID, r.ImportID)
		if _, dup := m.packages[key]; dup {
			continue
		}

		if _, dup := m.derivedIDs[r.DerivedID]; dup {
			continue
		}

		id := uuid.New()
		m.packages[key] = id
		m.derivedIDs[r.DerivedID] = struct{}{}
		m.packagePM[id] = r.PackageManagerID
		n++
	}

	return n, nil
}

func (m *memStore) InsertLicenses(ctx context.Context, names []string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.beforeInsert(ctx, "InsertLicenses"); err != nil {
		return 0, err
	}

	var n int64

	for _, name := range names {
		if _, dup := m.licenses[name]; dup {
			continue
		}

		m.licenses[name] = uuid.New()
		n++
	}

	return n, nil
}

func (m *memStore) InsertURLs(ctx context.Context, rows []URLRow) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.beforeInsert(ctx, "InsertURLs"); err != nil {
		return 0, err
	}

	var n int64

	for _, r := range rows {
		key := URLKey{TypeID: r.URLTypeID, URL: r.URL}
		if _, dup := m.urls[key]; dup {
			continue
		}

		m.urls[key] = uuid.New()
		n++
	}

	return n, nil
}

func insertPairs(table map[[2]uuid.UUID]struct{}, pairs [][2]uuid.UUID) int64 {
	var n int64

	for _, p := range pairs {
		if _, dup := table[p]; dup {
			continue
		}

		table[p] = struct{}{}
		n++
	}

	return n
}

func (m *memStore) InsertPackageURLs(ctx context.Context, rows []PackageURLRow) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.beforeInsert(ctx, "InsertPackageURLs"); err != nil {
		return 0, err
	}

	pairs := make([][2]uuid.UUID, 0, len(rows))
	for _, r := range rows {
		pairs = append(pairs, [2]uuid.UUID{r.PackageID, r.URLID})
	}

	return insertPairs(m.packageURLs, pairs), nil
}

func (m *memStore) InsertVersions(ctx context.Context, rows []VersionRow) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.beforeInsert(ctx, "InsertVersions"); err != nil {
		return 0, err
	}

	var n int64

	for _, r := range rows {
		pmID := m.packagePM[r.PackageID]
		key := scoped(pmID, r.ImportID)
		natural := scoped(r.PackageID, r.Version)

		if _, dup := m.versions[key]; dup {
			continue
		}

		if _, dup := m.versionKeys[natural]; dup {
			continue
		}

		id := uuid.New()
		m.versions[key] = id
		m.versionKeys[natural] = struct{}{}
		m.versionRows[id] = r
		n++
	}

	return n, nil
}

func (m *memStore) InsertUsers(ctx context.Context, rows []UserRow) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.beforeInsert(ctx, "InsertUsers"); err != nil {
		return 0, err
	}

	var n int64

	for _, r := range rows {
		key := scoped(r.SourceID, r.ImportID)
		name := scoped(r.SourceID, r.Username)

		if _, dup := m.users[key]; dup {
			continue
		}

		if _, dup := m.usernames[name]; dup {
			continue
		}

		m.users[key] = uuid.New()
		m.usernames[name] = struct{}{}
		n++
	}

	return n, nil
}

func (m *memStore) InsertUserPackages(ctx context.Context, rows []UserPackageRow) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.beforeInsert(ctx, "InsertUserPackages"); err != nil {
		return 0, err
	}

	pairs := make([][2]uuid.UUID, 0, len(rows))
	for _, r := range rows {
		pairs = append(pairs, [2]uuid.UUID{r.UserID, r.PackageID})
	}

	return insertPairs(m.userPackages, pairs), nil
}

func (m *memStore) InsertUserVersions(ctx context.Context, rows []UserVersionRow) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.beforeInsert(ctx, "InsertUserVersions"); err != nil {
		return 0, err
	}

	pairs := make([][2]uuid.UUID, 0, len(rows))
	for _, r := range rows {
		pairs = append(pairs, [2]uuid.UUID{r.UserID, r.VersionID})
	}

	return insertPairs(m.userVersions, pairs), nil
}

func (m *memStore) InsertDependencies(ctx context.Context, rows []DependencyRow) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.beforeInsert(ctx, "InsertDependencies"); err != nil {
		return 0, err
	}

	var n int64

	for _, r := range rows {
		kind := "null"
		if r.DependencyTypeID != nil {
			kind = r.DependencyTypeID.String()
		}

		key := r.VersionID.String() + "/" + r.DependencyID.String() + "/" + kind
		if _, dup := m.dependencies[key]; dup {
			continue
		}

		m.dependencies[key] = struct{}{}
		n++
	}

	return n, nil
}

func (m *memStore) InsertLoadHistory(ctx context.Context, pmID uuid.UUID) (uuid.UUID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.check(ctx, "InsertLoadHistory"); err != nil {
		return uuid.Nil, err
	}

	id := uuid.New()
	m.history = append(m.history, id)

	return id, nil
}

func (m *memStore) HealthCheck(ctx context.Context) error {
	return m.check(ctx, "HealthCheck")
}

// counts returns the number of rows per table.
func (m *memStore) counts() map[string]int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return map[string]int{
		"packages":      len(m.packages),
		"licenses":      len(m.licenses),
		"versions":      len(m.versions),
		"users":         len(m.users),
		"urls":          len(m.urls),
		"package_urls":  len(m.packageURLs),
		"user_packages": len(m.userPackages),
		"user_versions": len(m.userVersions),
		"dependencies":  len(m.dependencies),
	}
}

// memSource is a Source over in-memory records. Records reference the
// lookup tables through the environment passed to newMemSource.
type memSource struct {
	env          Environment
	packages     []RawPackage
	urls         []RawURL
	packageURLs  []RawPackageURL
	versions     []RawVersion
	users        []RawUser
	userPackages []RawUserPackage
	userVersions []RawUserVersion
	dependencies []RawDependency

	// missing makes the named entity kind fail to open.
	missing EntityKind
	// onYield is called before each package record is yielded.
	onYield func(i int)
}

var errFileMissing = errors.New("source file missing")

func seqOf[T any](records []T, hook func(int)) iter.Seq2[T, error] {
	return func(yield func(T, error) bool) {
		for i, r := range records {
			if hook != nil {
				hook(i)
			}

			if !yield(r, nil) {
				return
			}
		}
	}
}

func openSeq[T any](s *memSource, kind EntityKind, records []T) (iter.Seq2[T, error], error) {
	if s.missing == kind {
		return nil, fmt.Errorf("%w: %s", errFileMissing, kind)
	}

	return seqOf(records, nil), nil
}

func (s *memSource) UserSourceID() uuid.UUID { return s.env.UserSources.GitHub }

func (s *memSource) Packages() (iter.Seq2[RawPackage, error], error) {
	if s.missing == EntityPackage {
		return nil, fmt.Errorf("%w: %s", errFileMissing, EntityPackage)
	}

	return seqOf(s.packages, s.onYield), nil
}

func (s *memSource) URLs() (iter.Seq2[RawURL, error], error) {
	return openSeq(s, EntityURL, s.urls)
}

func (s *memSource) PackageURLs() (iter.Seq2[RawPackageURL, error], error) {
	return openSeq(s, EntityPackageURL, s.packageURLs)
}

func (s *memSource) Versions() (iter.Seq2[RawVersion, error], error) {
	return openSeq(s, EntityVersion, s.versions)
}

func (s *memSource) Users() (iter.Seq2[RawUser, error], error) {
	return openSeq(s, EntityUser, s.users)
}

func (s *memSource) UserPackages() (iter.Seq2[RawUserPackage, error], error) {
	return openSeq(s, EntityUserPackage, s.userPackages)
}

func (s *memSource) UserVersions() (iter.Seq2[RawUserVersion, error], error) {
	return openSeq(s, EntityUserVersion, s.userVersions)
}

func (s *memSource) Dependencies() (iter.Seq2[RawDependency, error], error) {
	return openSeq(s, EntityDependency, s.dependencies)
}
