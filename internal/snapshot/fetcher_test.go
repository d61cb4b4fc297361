package snapshot

import (
	"archive/tar"
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func buildArchive(t *testing.T, files map[string]string) []byte {
	t.Helper()

	var buf bytes.Buffer

	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)

	for name, content := range files {
		require.NoError(t, tw.WriteHeader(&tar.Header{
			Name:     name,
			Mode:     0o644,
			Size:     int64(len(content)),
			Typeflag: tar.TypeReg,
		}))

		_, err := tw.Write([]byte(content))
		require.NoError(t, err)
	}

	require.NoError(t, tw.Close())
	require.NoError(t, gz.Close())

	return buf.Bytes()
}

func newTestFetcher(root string) *Fetcher {
	f := NewFetcher(Layout{Root: root}, slog.New(slog.NewTextHandler(io.Discard, nil)), nil)
	f.now = func() time.Time { return time.Date(2024, 5, 1, 3, 0, 0, 0, time.UTC) }

	return f
}

func TestFetcher_Fetch(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	archive := buildArchive(t, map[string]string{
		"2024-05-01-020012/data/crates.csv":   "id,name\n1,serde\n",
		"2024-05-01-020012/data/versions.csv": "id,crate_id,num\n10,1,1.0.0\n",
		"2024-05-01-020012/README.md":         "dump",
	})

	var hits atomic.Int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		// The first request fails with a transient error.
		if hits.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)

			return
		}

		_, _ = w.Write(archive)
	}))
	t.Cleanup(srv.Close)

	root := t.TempDir()
	f := newTestFetcher(root)
	f.openers["http"].(*HTTPOpener).Backoff = time.Millisecond

	s, err := f.Fetch(context.Background(), "crates", srv.URL+"/db-dump.tar.gz")
	require.NoError(t, err)
	assert.Equal(t, int32(2), hits.Load())
	assert.Equal(t, filepath.Join(root, "crates", "2024-05-01"), s.Root())

	latest, err := Layout{Root: root}.Latest("crates")
	require.NoError(t, err)

	recs := collect(t, latest, "versions.csv")
	require.Len(t, recs, 1)
	assert.Equal(t, "1.0.0", recs[0]["num"])

	_, err = os.Stat(s.Root() + ".partial")
	assert.True(t, os.IsNotExist(err), "partial directory is moved into place")
}

func TestFetcher_FailureKeepsPreviousSnapshot(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	t.Cleanup(srv.Close)

	root := t.TempDir()
	layout := Layout{Root: root}
	previous := filepath.Join(root, "crates", "2024-04-01")
	writeSnapshotFile(t, filepath.Join(previous, "crates.csv"), "id\n1\n")
	require.NoError(t, layout.PointLatest("crates", previous))

	_, err := newTestFetcher(root).Fetch(context.Background(), "crates", srv.URL)
	require.ErrorIs(t, err, ErrFetchFailed)

	s, err := layout.Latest("crates")
	require.NoError(t, err)
	assert.Equal(t, "2024-04-01", filepath.Base(s.Root()))
}

func TestFetcher_FileSourceAndUnsafePaths(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	dir := t.TempDir()
	good := filepath.Join(dir, "good.tar.gz")
	bad := filepath.Join(dir, "bad.tar.gz")

	require.NoError(t, os.WriteFile(good, buildArchive(t, map[string]string{"data/users.csv": "id,gh_login\n1,alice\n"}), 0o600))
	require.NoError(t, os.WriteFile(bad, buildArchive(t, map[string]string{"../../escape.csv": "x"}), 0o600))

	root := t.TempDir()
	f := newTestFetcher(root)

	s, err := f.Fetch(context.Background(), "crates", (&url.URL{Scheme: "file", Path: good}).String())
	require.NoError(t, err)
	assert.Len(t, collect(t, s, "users.csv"), 1)

	_, err = f.Fetch(context.Background(), "crates", (&url.URL{Scheme: "file", Path: bad}).String())
	require.ErrorIs(t, err, ErrUnsafeArchivePath)

	_, err = f.Fetch(context.Background(), "crates", "ftp://example.com/dump.tar.gz")
	require.ErrorIs(t, err, ErrUnsupportedSource)
}

func TestParseS3URL(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	u, _ := url.Parse("s3://chai-mirror/crates/db-dump.tar.gz")
	bucket, key, err := parseS3URL(u)
	require.NoError(t, err)
	assert.Equal(t, "chai-mirror", bucket)
	assert.Equal(t, "crates/db-dump.tar.gz", key)

	u, _ = url.Parse("s3://chai-mirror")
	_, _, err = parseS3URL(u)
	require.ErrorIs(t, err, ErrUnsupportedSource)
}
