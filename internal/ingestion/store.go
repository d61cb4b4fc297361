package ingestion

import (
	"context"
	"errors"
	"iter"

	"github.com/google/uuid"
)

// ErrStorageUnavailable is returned (wrapped) by Store implementations when
// the backing store cannot be reached. It always aborts the run.
var ErrStorageUnavailable = errors.New("storage unavailable")

// Store defines what the loader needs from the relational store.
//
// The domain package defines this interface to specify what it needs, without
// depending on a concrete implementation. The PostgreSQL implementation lives
// in internal/storage.
//
// Insert methods implement conflict-free insertion: each call writes its rows
// in a single atomic operation, silently skipping any row that would violate
// a uniqueness constraint, and returns the number of rows actually inserted.
// A conflict is never an error. Any returned error is fatal for the run.
//
// Lookup methods issue one bounded query for the whole key set and return
// only the keys that exist; absent keys are simply missing from the map.
type Store interface {
	// EnsureSource returns the id of the named source, creating it if absent.
	EnsureSource(ctx context.Context, name string) (uuid.UUID, error)
	// EnsurePackageManager returns the id of the package manager owned by
	// the source, creating it if absent.
	EnsurePackageManager(ctx context.Context, sourceID uuid.UUID) (uuid.UUID, error)
	// EnsureURLType returns the id of the named URL type, creating it if absent.
	EnsureURLType(ctx context.Context, name string) (uuid.UUID, error)
	// EnsureDependencyType returns the id of the named dependency type,
	// creating it if absent.
	EnsureDependencyType(ctx context.Context, name string) (uuid.UUID, error)

	PackageIDs(ctx context.Context, packageManagerID uuid.UUID, importIDs []string) (map[string]uuid.UUID, error)
	VersionIDs(ctx context.Context, packageManagerID uuid.UUID, importIDs []string) (map[string]uuid.UUID, error)
	UserIDs(ctx context.Context, sourceID uuid.UUID, importIDs []string) (map[string]uuid.UUID, error)
	LicenseIDs(ctx context.Context, names []string) (map[string]uuid.UUID, error)
	URLIDs(ctx context.Context, keys []URLKey) (map[URLKey]uuid.UUID, error)

	InsertPackages(ctx context.Context, rows []PackageRow) (int64, error)
	InsertLicenses(ctx context.Context, names []string) (int64, error)
	InsertURLs(ctx context.Context, rows []URLRow) (int64, error)
	InsertPackageURLs(ctx context.Context, rows []PackageURLRow) (int64, error)
	InsertVersions(ctx context.Context, rows []VersionRow) (int64, error)
	InsertUsers(ctx context.Context, rows []UserRow) (int64, error)
	InsertUserPackages(ctx context.Context, rows []UserPackageRow) (int64, error)
	InsertUserVersions(ctx context.Context, rows []UserVersionRow) (int64, error)
	InsertDependencies(ctx context.Context, rows []DependencyRow) (int64, error)

	// InsertLoadHistory appends the completed-load marker for a package
	// manager and returns its id.
	InsertLoadHistory(ctx context.Context, packageManagerID uuid.UUID) (uuid.UUID, error)

	// HealthCheck verifies the store is reachable.
	HealthCheck(ctx context.Context) error
}

// Source is a per-source adapter exposing one lazy record sequence per
// entity kind. Each method fails eagerly when the backing file is absent.
// Ranging over a returned sequence twice reproduces the same records.
type Source interface {
	// UserSourceID is the source user import ids are scoped to.
	UserSourceID() uuid.UUID

	Packages() (iter.Seq2[RawPackage, error], error)
	URLs() (iter.Seq2[RawURL, error], error)
	PackageURLs() (iter.Seq2[RawPackageURL, error], error)
	Versions() (iter.Seq2[RawVersion, error], error)
	Users() (iter.Seq2[RawUser, error], error)
	UserPackages() (iter.Seq2[RawUserPackage, error], error)
	UserVersions() (iter.Seq2[RawUserVersion, error], error)
	Dependencies() (iter.Seq2[RawDependency, error], error)
}

// SourceFactory builds the adapter for one run once the lookup tables have
// been resolved.
type SourceFactory func(env Environment) (Source, error)

// Notifier is told about every successfully committed run.
type Notifier interface {
	LoadCompleted(ctx context.Context, report *RunReport) error
}
