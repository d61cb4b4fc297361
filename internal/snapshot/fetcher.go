package snapshot

import (
	"archive/tar"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/klauspost/compress/gzip"
	"github.com/sethvargo/go-retry"
)

var (
	// ErrFetchFailed indicates the archive could not be downloaded.
	ErrFetchFailed = errors.New("snapshot fetch failed")

	// ErrUnsupportedSource indicates a source URL scheme no opener handles.
	ErrUnsupportedSource = errors.New("unsupported snapshot source")

	// ErrUnsafeArchivePath indicates an archive entry that would be written
	// outside the snapshot directory.
	ErrUnsafeArchivePath = errors.New("archive entry escapes snapshot directory")
)

// Opener streams the archive named by a source URL.
type Opener interface {
	Open(ctx context.Context, source *url.URL) (io.ReadCloser, error)
}

// HTTPOpener downloads archives over HTTP(S), retrying transient failures.
type HTTPOpener struct {
	Client     *http.Client
	MaxRetries uint64
	Backoff    time.Duration
}

// NewHTTPOpener returns an opener with a client that has no overall timeout;
// dumps are several gigabytes. Cancellation comes from the context.
func NewHTTPOpener() *HTTPOpener {
	return &HTTPOpener{
		Client:     &http.Client{},
		MaxRetries: 3,
		Backoff:    2 * time.Second,
	}
}

// Open issues the GET request and returns the response body once a 200 has
// been received. 5xx responses and transport errors are retried.
func (o *HTTPOpener) Open(ctx context.Context, source *url.URL) (io.ReadCloser, error) {
	var body io.ReadCloser

	backoff := retry.WithMaxRetries(o.MaxRetries, retry.NewExponential(o.Backoff))

	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, source.String(), nil)
		if err != nil {
			return err
		}

		resp, err := o.Client.Do(req)
		if err != nil {
			return retry.RetryableError(err)
		}

		switch {
		case resp.StatusCode == http.StatusOK:
			body = resp.Body

			return nil
		case resp.StatusCode >= http.StatusInternalServerError:
			_ = resp.Body.Close()

			return retry.RetryableError(fmt.Errorf("%s: %s", source.Redacted(), resp.Status))
		default:
			_ = resp.Body.Close()

			return fmt.Errorf("%s: %s", source.Redacted(), resp.Status)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrFetchFailed, err)
	}

	return body, nil
}

// FileOpener reads archives from the local filesystem (file:// URLs), for
// mirrors and air-gapped hosts.
type FileOpener struct{}

// Open opens the archive at source.Path.
func (FileOpener) Open(_ context.Context, source *url.URL) (io.ReadCloser, error) {
	f, err := os.Open(source.Path)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrFetchFailed, err)
	}

	return f, nil
}

// Fetcher downloads a package manager's .tar.gz dump, unpacks it into a
// dated snapshot directory and repoints the latest pointer at it.
type Fetcher struct {
	layout  Layout
	openers map[string]Opener
	logger  *slog.Logger
	now     func() time.Time
}

// NewFetcher creates a Fetcher writing under layout. openers maps URL
// schemes to openers; http, https and file are registered by default.
func NewFetcher(layout Layout, logger *slog.Logger, openers map[string]Opener) *Fetcher {
	httpOpener := NewHTTPOpener()

	f := &Fetcher{
		layout: layout,
		openers: map[string]Opener{
			"http":  httpOpener,
			"https": httpOpener,
			"file":  FileOpener{},
		},
		logger: logger,
		now:    time.Now,
	}

	for scheme, o := range openers {
		f.openers[scheme] = o
	}

	return f
}

// Fetch downloads source and returns the new snapshot. The archive is
// streamed straight from the network into the snapshot directory without
// being held in memory. A failed fetch leaves the previous latest snapshot
// in place.
func (f *Fetcher) Fetch(ctx context.Context, packageManager, source string) (*Snapshot, error) {
	u, err := url.Parse(source)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnsupportedSource, err)
	}

	opener, ok := f.openers[strings.ToLower(u.Scheme)]
	if !ok {
		return nil, fmt.Errorf("%w: scheme %q", ErrUnsupportedSource, u.Scheme)
	}

	started := time.Now()

	f.logger.Info("fetching snapshot",
		slog.String("package_manager", packageManager),
		slog.String("source", u.Redacted()))

	body, err := opener.Open(ctx, u)
	if err != nil {
		return nil, err
	}
	defer body.Close()

	dir := f.layout.DatedDir(packageManager, f.now())
	partial := dir + ".partial"

	if err := os.RemoveAll(partial); err != nil {
		return nil, fmt.Errorf("clear %s: %w", partial, err)
	}

	counter := &countingReader{r: body}

	files, err := extract(counter, partial)
	if err != nil {
		_ = os.RemoveAll(partial)

		return nil, err
	}

	if err := os.RemoveAll(dir); err != nil {
		return nil, fmt.Errorf("replace %s: %w", dir, err)
	}

	if err := os.Rename(partial, dir); err != nil {
		return nil, fmt.Errorf("move snapshot into place: %w", err)
	}

	if err := f.layout.PointLatest(packageManager, dir); err != nil {
		return nil, err
	}

	f.logger.Info("snapshot fetched",
		slog.String("package_manager", packageManager),
		slog.String("dir", dir),
		slog.Int("files", files),
		slog.String("downloaded", humanize.Bytes(counter.n)),
		slog.Duration("duration", time.Since(started)))

	return New(dir), nil
}

// extract unpacks a gzip-compressed tar stream into dir and returns the
// number of regular files written.
func extract(r io.Reader, dir string) (int, error) {
	gz, err := gzip.NewReader(r)
	if err != nil {
		return 0, fmt.Errorf("%w: gzip: %w", ErrFetchFailed, err)
	}
	defer gz.Close()

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return 0, fmt.Errorf("create %s: %w", dir, err)
	}

	tr := tar.NewReader(gz)
	files := 0

	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return files, nil
		}

		if err != nil {
			return files, fmt.Errorf("%w: tar: %w", ErrFetchFailed, err)
		}

		if hdr.Typeflag != tar.TypeReg {
			continue
		}

		target, err := safeJoin(dir, hdr.Name)
		if err != nil {
			return files, err
		}

		if err := writeFile(target, tr); err != nil {
			return files, err
		}

		files++
	}
}

func safeJoin(dir, name string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(name))
	if filepath.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s", ErrUnsafeArchivePath, name)
	}

	return filepath.Join(dir, clean), nil
}

func writeFile(path string, r io.Reader) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create %s: %w", filepath.Dir(path), err)
	}

	out, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}

	if _, err := io.Copy(out, r); err != nil {
		_ = out.Close()

		return fmt.Errorf("%w: write %s: %w", ErrFetchFailed, path, err)
	}

	return out.Close()
}

type countingReader struct {
	r io.Reader
	n uint64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += uint64(n)

	return n, err
}
