// Package ingestion provides the package-registry domain models and the
// transform-resolve-load engine that turns snapshot records into rows.
package ingestion

import (
	"time"

	"github.com/google/uuid"
)

// EntityKind names one kind of record the engine loads.
type EntityKind string

// Entity kinds, in the order the loader processes them.
const (
	EntityPackage     EntityKind = "package"
	EntityURL         EntityKind = "url"
	EntityPackageURL  EntityKind = "package_url"
	EntityVersion     EntityKind = "version"
	EntityUser        EntityKind = "user"
	EntityUserPackage EntityKind = "user_package"
	EntityUserVersion EntityKind = "user_version"
	EntityDependency  EntityKind = "dependency"
	EntityLicense     EntityKind = "license"
)

// URL type names seeded before every run.
const (
	URLTypeHomepage      = "homepage"
	URLTypeRepository    = "repository"
	URLTypeDocumentation = "documentation"
	URLTypeSource        = "source"
)

// Dependency type names seeded before every run.
const (
	DependencyTypeBuild       = "build"
	DependencyTypeDevelopment = "development"
	DependencyTypeRuntime     = "runtime"
	DependencyTypeTest        = "test"
	DependencyTypeOptional    = "optional"
	DependencyTypeRecommended = "recommended"
)

// SourceGitHub is the source users identified by their GitHub login belong to.
const SourceGitHub = "github"

type (
	// URLTypes holds the surrogate ids of the seeded URL types.
	URLTypes struct {
		Homepage      uuid.UUID
		Repository    uuid.UUID
		Documentation uuid.UUID
		Source        uuid.UUID
	}

	// DependencyTypes holds the surrogate ids of the seeded dependency types.
	DependencyTypes struct {
		Build       uuid.UUID
		Development uuid.UUID
		Runtime     uuid.UUID
		Test        uuid.UUID
		Optional    uuid.UUID
		Recommended uuid.UUID
	}

	// UserSources holds the surrogate ids of the sources users can belong to:
	// the registry's own source and GitHub.
	UserSources struct {
		Registry uuid.UUID
		GitHub   uuid.UUID
	}

	// Environment is everything a source adapter and the row builders need
	// to know about the lookup tables of the target store. It is resolved once
	// per run, before any entity kind is loaded.
	Environment struct {
		PackageManager   string
		PackageManagerID uuid.UUID
		URLTypes         URLTypes
		DependencyTypes  DependencyTypes
		UserSources      UserSources
	}
)

// Raw records are the typed shapes a source adapter yields. Fields holding
// numbers or timestamps are kept as source text; the row builders parse them.
type (
	// RawPackage is one package as read from the source.
	RawPackage struct {
		ImportID string
		Name     string
		Readme   string
	}

	// RawURL is one URL string tagged with its URL type.
	RawURL struct {
		URL       string
		URLTypeID uuid.UUID
	}

	// RawPackageURL links a package (by import id) to a URL.
	RawPackageURL struct {
		PackageImportID string
		URL             string
		URLTypeID       uuid.UUID
	}

	// RawVersion is one published version of a package.
	RawVersion struct {
		ImportID        string
		PackageImportID string
		Version         string
		Size            string
		PublishedAt     string
		License         string
		Downloads       string
		Checksum        string
	}

	// RawUser is one publishing user.
	RawUser struct {
		ImportID string
		Username string
		SourceID uuid.UUID
	}

	// RawUserPackage links a user (by import id) to a package they own.
	RawUserPackage struct {
		UserImportID    string
		PackageImportID string
	}

	// RawUserVersion links a user (by import id) to a version they published.
	RawUserVersion struct {
		UserImportID    string
		VersionImportID string
	}

	// RawDependency is an edge from a version to the package it depends on.
	// DependencyTypeID is uuid.Nil when the source kind is unknown.
	RawDependency struct {
		VersionImportID    string
		DependencyImportID string
		SemverRange        string
		DependencyTypeID   uuid.UUID
	}
)

// Candidate rows are what the idempotent writer persists. Every foreign key
// in a candidate row has been resolved against the identifier caches.
type (
	// PackageRow is a candidate packages row.
	PackageRow struct {
		DerivedID        string
		Name             string
		PackageManagerID uuid.UUID
		ImportID         string
		Readme           *string
	}

	// URLRow is a candidate urls row.
	URLRow struct {
		URL       string
		URLTypeID uuid.UUID
	}

	// PackageURLRow is a candidate package_urls row.
	PackageURLRow struct {
		PackageID uuid.UUID
		URLID     uuid.UUID
	}

	// VersionRow is a candidate versions row.
	VersionRow struct {
		PackageID   uuid.UUID
		Version     string
		ImportID    string
		Size        *int64
		PublishedAt *time.Time
		LicenseID   *uuid.UUID
		Downloads   *int64
		Checksum    *string
	}

	// UserRow is a candidate users row.
	UserRow struct {
		Username string
		ImportID string
		SourceID uuid.UUID
	}

	// UserPackageRow is a candidate user_packages row.
	UserPackageRow struct {
		UserID    uuid.UUID
		PackageID uuid.UUID
	}

	// UserVersionRow is a candidate user_versions row.
	UserVersionRow struct {
		UserID    uuid.UUID
		VersionID uuid.UUID
	}

	// DependencyRow is a candidate dependencies row.
	DependencyRow struct {
		VersionID        uuid.UUID
		DependencyID     uuid.UUID
		DependencyTypeID *uuid.UUID
		SemverRange      *string
	}
)

// URLKey is the natural key of a URL: its type plus the URL string.
type URLKey struct {
	TypeID uuid.UUID
	URL    string
}

// DerivedID returns the globally unique package identifier
// "<package-manager>/<package-name>".
func DerivedID(packageManager, name string) string {
	return packageManager + "/" + name
}
