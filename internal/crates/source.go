// Package crates adapts crates.io database dumps to the ingestion engine.
//
// A dump is a tarball of PostgreSQL COPY exports. The files read here are
// crates.csv, versions.csv, dependencies.csv, users.csv and crate_owners.csv.
package crates

import (
	"iter"
	"log/slog"
	"strconv"

	"github.com/google/uuid"

	"github.com/xtgz/chai/internal/ingestion"
	"github.com/xtgz/chai/internal/snapshot"
)

const (
	// PackageManager is the name crates.io is registered under.
	PackageManager = "crates"

	// DefaultSourceURL is the nightly dump published by crates.io.
	DefaultSourceURL = "https://static.crates.io/db-dump.tar.gz"
)

const (
	fileCrates       = "crates.csv"
	fileVersions     = "versions.csv"
	fileDependencies = "dependencies.csv"
	fileUsers        = "users.csv"
	fileCrateOwners  = "crate_owners.csv"
)

// crates.io dependency kinds.
const (
	kindNormal = 0
	kindBuild  = 1
	kindDev    = 2
)

// ownerKindTeam marks a crate owner that is a team rather than a user.
const ownerKindTeam = "1"

// Source reads one crates.io snapshot.
type Source struct {
	snap   *snapshot.Snapshot
	env    ingestion.Environment
	logger *slog.Logger
}

// New returns the adapter for snap. env supplies the lookup-table ids the
// records are tagged with.
func New(snap *snapshot.Snapshot, env ingestion.Environment, logger *slog.Logger) *Source {
	return &Source{snap: snap, env: env, logger: logger}
}

// Factory binds a snapshot to the loader's source factory.
func Factory(snap *snapshot.Snapshot, logger *slog.Logger) ingestion.SourceFactory {
	return func(env ingestion.Environment) (ingestion.Source, error) {
		return New(snap, env, logger), nil
	}
}

// UserSourceID reports that crates.io users are identified by GitHub login.
func (s *Source) UserSourceID() uuid.UUID {
	return s.env.UserSources.GitHub
}

// transform maps every record of file through emit. emit may yield any
// number of values per record and returns false once the consumer stops.
func transform[T any](
	snap *snapshot.Snapshot,
	file string,
	emit func(rec snapshot.Record, yield func(T, error) bool) bool,
) (iter.Seq2[T, error], error) {
	records, err := snap.Records(file)
	if err != nil {
		return nil, err
	}

	return func(yield func(T, error) bool) {
		for rec, err := range records {
			if err != nil {
				var zero T

				yield(zero, err)

				return
			}

			if !emit(rec, yield) {
				return
			}
		}
	}, nil
}

func (s *Source) Packages() (iter.Seq2[ingestion.RawPackage, error], error) {
	return transform(s.snap, fileCrates, func(rec snapshot.Record, yield func(ingestion.RawPackage, error) bool) bool {
		return yield(ingestion.RawPackage{
			ImportID: rec.Get("id"),
			Name:     rec.Get("name"),
			Readme:   rec.Get("readme"),
		}, nil)
	})
}

// urlColumns lists the crates.csv URL columns with their URL type, in the
// order they are emitted.
func (s *Source) urlColumns() []struct {
	column string
	typeID uuid.UUID
} {
	return []struct {
		column string
		typeID uuid.UUID
	}{
		{"homepage", s.env.URLTypes.Homepage},
		{"repository", s.env.URLTypes.Repository},
		{"documentation", s.env.URLTypes.Documentation},
	}
}

// URLs yields one record per non-empty URL column. Duplicates across crates
// are left to the writer's conflict handling.
func (s *Source) URLs() (iter.Seq2[ingestion.RawURL, error], error) {
	columns := s.urlColumns()

	return transform(s.snap, fileCrates, func(rec snapshot.Record, yield func(ingestion.RawURL, error) bool) bool {
		for _, c := range columns {
			u := rec.Get(c.column)
			if u == "" {
				continue
			}

			if !yield(ingestion.RawURL{URL: u, URLTypeID: c.typeID}, nil) {
				return false
			}
		}

		return true
	})
}

func (s *Source) PackageURLs() (iter.Seq2[ingestion.RawPackageURL, error], error) {
	columns := s.urlColumns()

	return transform(s.snap, fileCrates, func(rec snapshot.Record, yield func(ingestion.RawPackageURL, error) bool) bool {
		for _, c := range columns {
			u := rec.Get(c.column)
			if u == "" {
				continue
			}

			link := ingestion.RawPackageURL{PackageImportID: rec.Get("id"), URL: u, URLTypeID: c.typeID}
			if !yield(link, nil) {
				return false
			}
		}

		return true
	})
}

func (s *Source) Versions() (iter.Seq2[ingestion.RawVersion, error], error) {
	return transform(s.snap, fileVersions, func(rec snapshot.Record, yield func(ingestion.RawVersion, error) bool) bool {
		return yield(ingestion.RawVersion{
			ImportID:        rec.Get("id"),
			PackageImportID: rec.Get("crate_id"),
			Version:         rec.Get("num"),
			Size:            rec.Get("crate_size"),
			PublishedAt:     rec.Get("created_at"),
			License:         rec.Get("license"),
			Downloads:       rec.Get("downloads"),
			Checksum:        rec.Get("checksum"),
		}, nil)
	})
}

// Users yields crates.io users under the GitHub source. gh_login must be
// unique within a source, so later rows reusing a login are skipped.
func (s *Source) Users() (iter.Seq2[ingestion.RawUser, error], error) {
	records, err := transform(s.snap, fileUsers, func(rec snapshot.Record, yield func(ingestion.RawUser, error) bool) bool {
		return yield(ingestion.RawUser{
			ImportID: rec.Get("id"),
			Username: rec.Get("gh_login"),
			SourceID: s.env.UserSources.GitHub,
		}, nil)
	})
	if err != nil {
		return nil, err
	}

	return func(yield func(ingestion.RawUser, error) bool) {
		seen := make(map[string]struct{})

		for u, err := range records {
			if err != nil {
				yield(u, err)

				return
			}

			if _, dup := seen[u.Username]; dup {
				s.logger.Warn("duplicate username skipped",
					slog.String("import_id", u.ImportID),
					slog.String("username", u.Username))

				continue
			}

			seen[u.Username] = struct{}{}

			if !yield(u, nil) {
				return
			}
		}
	}, nil
}

// UserPackages yields crate ownership for user owners; team owners are skipped.
func (s *Source) UserPackages() (iter.Seq2[ingestion.RawUserPackage, error], error) {
	return transform(s.snap, fileCrateOwners, func(rec snapshot.Record, yield func(ingestion.RawUserPackage, error) bool) bool {
		if rec.Get("owner_kind") == ownerKindTeam {
			return true
		}

		return yield(ingestion.RawUserPackage{
			UserImportID:    rec.Get("owner_id"),
			PackageImportID: rec.Get("crate_id"),
		}, nil)
	})
}

// UserVersions yields the publisher of each version that has one.
func (s *Source) UserVersions() (iter.Seq2[ingestion.RawUserVersion, error], error) {
	return transform(s.snap, fileVersions, func(rec snapshot.Record, yield func(ingestion.RawUserVersion, error) bool) bool {
		publisher := rec.Get("published_by")
		if publisher == "" {
			return true
		}

		return yield(ingestion.RawUserVersion{
			UserImportID:    publisher,
			VersionImportID: rec.Get("id"),
		}, nil)
	})
}

func (s *Source) Dependencies() (iter.Seq2[ingestion.RawDependency, error], error) {
	return transform(s.snap, fileDependencies, func(rec snapshot.Record, yield func(ingestion.RawDependency, error) bool) bool {
		return yield(ingestion.RawDependency{
			VersionImportID:    rec.Get("version_id"),
			DependencyImportID: rec.Get("crate_id"),
			SemverRange:        rec.Get("req"),
			DependencyTypeID:   s.dependencyType(rec.Get("kind")),
		}, nil)
	})
}

// dependencyType maps a crates.io kind to a dependency type id. Unknown
// kinds map to uuid.Nil, which stores the edge without a type.
func (s *Source) dependencyType(kind string) uuid.UUID {
	k, err := strconv.Atoi(kind)
	if err != nil {
		return uuid.Nil
	}

	switch k {
	case kindNormal:
		return s.env.DependencyTypes.Runtime
	case kindBuild:
		return s.env.DependencyTypes.Build
	case kindDev:
		return s.env.DependencyTypes.Development
	default:
		return uuid.Nil
	}
}
