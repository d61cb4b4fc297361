package registry

import (
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xtgz/chai/internal/crates"
	"github.com/xtgz/chai/internal/ingestion"
	"github.com/xtgz/chai/internal/snapshot"
)

func discard() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

func TestDefault(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	reg := Default()
	assert.Equal(t, []string{crates.PackageManager}, reg.Names())

	e, err := reg.Lookup(crates.PackageManager)
	require.NoError(t, err)
	assert.Equal(t, crates.DefaultSourceURL, e.SourceURL)
	require.NotNil(t, e.Adapter)
	assert.NotNil(t, e.Adapter(snapshot.New(t.TempDir()), discard()))

	_, err = reg.Lookup("pypi")
	require.ErrorIs(t, err, ErrUnknownPackageManager)
	assert.Contains(t, err.Error(), "crates")
}

func TestWithOverrides(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	noop := func(*snapshot.Snapshot, *slog.Logger) ingestion.SourceFactory { return nil }

	base := New(
		Entry{Name: "crates", SourceURL: "https://static.crates.io/db-dump.tar.gz", Adapter: noop},
		Entry{Name: "homebrew", SourceURL: "https://formulae.brew.sh/api/formula.json", Adapter: noop},
	)

	overridden := base.WithOverrides(&Config{Sources: map[string]SourceConfig{
		"crates":   {URL: "s3://mirror/crates.tar.gz"},
		"homebrew": {URL: ""},
		"pypi":     {URL: "https://example.test/pypi.tar.gz"},
	}}, discard())

	e, err := overridden.Lookup("crates")
	require.NoError(t, err)
	assert.Equal(t, "s3://mirror/crates.tar.gz", e.SourceURL)
	assert.NotNil(t, e.Adapter, "adapters survive overrides")

	e, err = overridden.Lookup("homebrew")
	require.NoError(t, err)
	assert.Equal(t, "https://formulae.brew.sh/api/formula.json", e.SourceURL, "empty url keeps the built-in")

	_, err = overridden.Lookup("pypi")
	assert.ErrorIs(t, err, ErrUnknownPackageManager, "overrides never add package managers")

	e, err = base.Lookup("crates")
	require.NoError(t, err)
	assert.Equal(t, "https://static.crates.io/db-dump.tar.gz", e.SourceURL, "the base registry is not mutated")

	assert.Equal(t, base.Names(), base.WithOverrides(nil, discard()).Names())
}

func TestNew_LaterEntriesWin(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	reg := New(Entry{Name: "crates", SourceURL: "a"}, Entry{Name: "crates", SourceURL: "b"})

	e, err := reg.Lookup("crates")
	require.NoError(t, err)
	assert.Equal(t, "b", e.SourceURL)
}
