package ingestion

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// DropReason is the machine-readable code carried by every diagnostic.
type DropReason string

// Diagnostic reasons. All of them are row-level and never abort a run.
const (
	MissingParentPackage  DropReason = "missing_parent_package"
	MissingParentVersion  DropReason = "missing_parent_version"
	MissingParentUser     DropReason = "missing_parent_user"
	MissingParentURL      DropReason = "missing_parent_url"
	MissingRequiredField  DropReason = "missing_required_field"
	MalformedNumericField DropReason = "malformed_numeric_field"
)

// Drops reports whether a diagnostic with this reason discards the record.
// A malformed numeric field only blanks the field.
func (r DropReason) Drops() bool {
	return r != MalformedNumericField
}

// Diagnostic describes one record the row builder could not fully convert.
type Diagnostic struct {
	Entity EntityKind
	Reason DropReason
	// Key is the offending external key: the unresolved reference for a
	// missing parent, otherwise the record's own import id.
	Key   string
	Field string
	Value string
}

func (d Diagnostic) String() string {
	if d.Value != "" {
		return fmt.Sprintf("%s %s: %s=%q (key %s)", d.Entity, d.Reason, d.Field, d.Value, d.Key)
	}

	return fmt.Sprintf("%s %s: %s (key %s)", d.Entity, d.Reason, d.Field, d.Key)
}

// timestampLayouts are the layouts accepted for published-at values. Dumps
// written by PostgreSQL's COPY use a space separator and an optional zone.
var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999Z07",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02",
}

func drop(entity EntityKind, reason DropReason, field, key string) []Diagnostic {
	return []Diagnostic{{Entity: entity, Reason: reason, Key: key, Field: field}}
}

func optionalString(s string) *string {
	if s == "" {
		return nil
	}

	return &s
}

func parseInt(entity EntityKind, key, field, raw string, diags *[]Diagnostic) *int64 {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}

	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		*diags = append(*diags, Diagnostic{
			Entity: entity, Reason: MalformedNumericField, Key: key, Field: field, Value: raw,
		})

		return nil
	}

	return &n
}

func parseTimestamp(entity EntityKind, key, field, raw string, diags *[]Diagnostic) *time.Time {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}

	for _, layout := range timestampLayouts {
		if ts, err := time.Parse(layout, raw); err == nil {
			ts = ts.UTC()

			return &ts
		}
	}

	*diags = append(*diags, Diagnostic{
		Entity: entity, Reason: MalformedNumericField, Key: key, Field: field, Value: raw,
	})

	return nil
}

// BuildPackage converts a raw package into a candidate row.
func BuildPackage(env Environment, raw RawPackage) (PackageRow, []Diagnostic, bool) {
	if raw.ImportID == "" {
		return PackageRow{}, drop(EntityPackage, MissingRequiredField, "import_id", raw.Name), false
	}

	if raw.Name == "" {
		return PackageRow{}, drop(EntityPackage, MissingRequiredField, "name", raw.ImportID), false
	}

	return PackageRow{
		DerivedID:        DerivedID(env.PackageManager, raw.Name),
		Name:             raw.Name,
		PackageManagerID: env.PackageManagerID,
		ImportID:         raw.ImportID,
		Readme:           optionalString(raw.Readme),
	}, nil, true
}

// BuildURL converts a raw URL into a candidate row.
func BuildURL(raw RawURL) (URLRow, []Diagnostic, bool) {
	if raw.URL == "" {
		return URLRow{}, drop(EntityURL, MissingRequiredField, "url", ""), false
	}

	if raw.URLTypeID == uuid.Nil {
		return URLRow{}, drop(EntityURL, MissingRequiredField, "url_type_id", raw.URL), false
	}

	return URLRow{URL: raw.URL, URLTypeID: raw.URLTypeID}, nil, true
}

// BuildPackageURL resolves both ends of a package to URL link.
func BuildPackageURL(c *Caches, raw RawPackageURL) (PackageURLRow, []Diagnostic, bool) {
	pkgID, ok := c.Packages.Lookup(raw.PackageImportID)
	if !ok {
		return PackageURLRow{}, drop(EntityPackageURL, MissingParentPackage, "package_import_id", raw.PackageImportID), false
	}

	urlID, ok := c.URLs.Lookup(URLKey{TypeID: raw.URLTypeID, URL: raw.URL})
	if !ok {
		return PackageURLRow{}, drop(EntityPackageURL, MissingParentURL, "url", raw.URL), false
	}

	return PackageURLRow{PackageID: pkgID, URLID: urlID}, nil, true
}

// BuildVersion resolves a version's package and license and parses its
// numeric and timestamp fields. Unparsable fields are left absent.
func BuildVersion(c *Caches, raw RawVersion) (VersionRow, []Diagnostic, bool) {
	pkgID, ok := c.Packages.Lookup(raw.PackageImportID)
	if !ok {
		return VersionRow{}, drop(EntityVersion, MissingParentPackage, "package_import_id", raw.PackageImportID), false
	}

	if raw.Version == "" {
		return VersionRow{}, drop(EntityVersion, MissingRequiredField, "version", raw.ImportID), false
	}

	if raw.ImportID == "" {
		return VersionRow{}, drop(EntityVersion, MissingRequiredField, "import_id", raw.Version), false
	}

	var diags []Diagnostic

	row := VersionRow{
		PackageID:   pkgID,
		Version:     raw.Version,
		ImportID:    raw.ImportID,
		Size:        parseInt(EntityVersion, raw.ImportID, "size", raw.Size, &diags),
		PublishedAt: parseTimestamp(EntityVersion, raw.ImportID, "published_at", raw.PublishedAt, &diags),
		Downloads:   parseInt(EntityVersion, raw.ImportID, "downloads", raw.Downloads, &diags),
		Checksum:    optionalString(raw.Checksum),
	}

	if raw.License != "" {
		if id, found := c.Licenses.Lookup(raw.License); found {
			row.LicenseID = &id
		}
	}

	return row, diags, true
}

// BuildUser converts a raw user into a candidate row.
func BuildUser(raw RawUser) (UserRow, []Diagnostic, bool) {
	if raw.ImportID == "" {
		return UserRow{}, drop(EntityUser, MissingRequiredField, "import_id", raw.Username), false
	}

	if raw.Username == "" {
		return UserRow{}, drop(EntityUser, MissingRequiredField, "username", raw.ImportID), false
	}

	return UserRow{Username: raw.Username, ImportID: raw.ImportID, SourceID: raw.SourceID}, nil, true
}

// BuildUserPackage resolves an ownership link.
func BuildUserPackage(c *Caches, raw RawUserPackage) (UserPackageRow, []Diagnostic, bool) {
	userID, ok := c.Users.Lookup(raw.UserImportID)
	if !ok {
		return UserPackageRow{}, drop(EntityUserPackage, MissingParentUser, "user_import_id", raw.UserImportID), false
	}

	pkgID, ok := c.Packages.Lookup(raw.PackageImportID)
	if !ok {
		return UserPackageRow{}, drop(EntityUserPackage, MissingParentPackage, "package_import_id", raw.PackageImportID), false
	}

	return UserPackageRow{UserID: userID, PackageID: pkgID}, nil, true
}

// BuildUserVersion resolves a publisher link.
func BuildUserVersion(c *Caches, raw RawUserVersion) (UserVersionRow, []Diagnostic, bool) {
	userID, ok := c.Users.Lookup(raw.UserImportID)
	if !ok {
		return UserVersionRow{}, drop(EntityUserVersion, MissingParentUser, "user_import_id", raw.UserImportID), false
	}

	versionID, ok := c.Versions.Lookup(raw.VersionImportID)
	if !ok {
		return UserVersionRow{}, drop(EntityUserVersion, MissingParentVersion, "version_import_id", raw.VersionImportID), false
	}

	return UserVersionRow{UserID: userID, VersionID: versionID}, nil, true
}

// BuildDependency resolves both ends of a dependency edge. An unknown
// dependency kind leaves the type absent rather than dropping the edge.
func BuildDependency(c *Caches, raw RawDependency) (DependencyRow, []Diagnostic, bool) {
	versionID, ok := c.Versions.Lookup(raw.VersionImportID)
	if !ok {
		return DependencyRow{}, drop(EntityDependency, MissingParentVersion, "version_import_id", raw.VersionImportID), false
	}

	depID, ok := c.Packages.Lookup(raw.DependencyImportID)
	if !ok {
		return DependencyRow{}, drop(EntityDependency, MissingParentPackage, "dependency_import_id", raw.DependencyImportID), false
	}

	row := DependencyRow{
		VersionID:    versionID,
		DependencyID: depID,
		SemverRange:  optionalString(raw.SemverRange),
	}

	if raw.DependencyTypeID != uuid.Nil {
		typeID := raw.DependencyTypeID
		row.DependencyTypeID = &typeID
	}

	return row, nil, true
}
