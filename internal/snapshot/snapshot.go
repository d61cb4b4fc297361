// Package snapshot exposes the flat files of one package-manager dump as lazy
// record streams, and maintains the on-disk layout of dated snapshots.
package snapshot

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"iter"
	"os"
	"path/filepath"
)

var (
	// ErrSourceFileMissing indicates the snapshot lacks a file the load needs.
	// It is fatal for a run.
	ErrSourceFileMissing = errors.New("source file missing")

	// ErrMalformedFile indicates a file whose header or rows cannot be read.
	ErrMalformedFile = errors.New("malformed snapshot file")
)

// Record is one source row keyed by column name.
type Record map[string]string

// Get returns the named field, or "" when the column is absent.
func (r Record) Get(field string) string {
	return r[field]
}

// Snapshot is a directory holding one fetch of a package manager's dump.
// Dumps nest their files under dated folders, so files are located by name
// anywhere below the root.
type Snapshot struct {
	root string
}

// New returns the snapshot rooted at dir.
func New(dir string) *Snapshot {
	return &Snapshot{root: dir}
}

// Root returns the snapshot directory.
func (s *Snapshot) Root() string {
	return s.root
}

// Path locates a file by base name. The shallowest match wins.
func (s *Snapshot) Path(name string) (string, error) {
	var found string

	err := filepath.WalkDir(s.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}

		if !d.IsDir() && d.Name() == name {
			found = path

			return fs.SkipAll
		}

		return nil
	})
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", fmt.Errorf("%w: %s (snapshot %s does not exist)", ErrSourceFileMissing, name, s.root)
		}

		return "", fmt.Errorf("search %s for %s: %w", s.root, name, err)
	}

	if found == "" {
		return "", fmt.Errorf("%w: %s not found under %s", ErrSourceFileMissing, name, s.root)
	}

	return found, nil
}

// Records returns a lazy sequence over the rows of a CSV file with a header
// line. The file must exist when Records is called; it is opened when
// iteration begins and closed when iteration ends, so ranging over the
// sequence again re-reads the file from the start. Only one row is held in
// memory at a time.
func (s *Snapshot) Records(name string) (iter.Seq2[Record, error], error) {
	path, err := s.Path(name)
	if err != nil {
		return nil, err
	}

	return func(yield func(Record, error) bool) {
		f, err := os.Open(path)
		if err != nil {
			yield(nil, fmt.Errorf("%w: %w", ErrSourceFileMissing, err))

			return
		}
		defer f.Close()

		r := csv.NewReader(f)
		r.ReuseRecord = true

		header, err := r.Read()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return
			}

			yield(nil, fmt.Errorf("%w: %s header: %w", ErrMalformedFile, name, err))

			return
		}

		columns := append([]string(nil), header...)

		for {
			row, err := r.Read()
			if errors.Is(err, io.EOF) {
				return
			}

			if err != nil {
				yield(nil, fmt.Errorf("%w: %s: %w", ErrMalformedFile, name, err))

				return
			}

			rec := make(Record, len(columns))
			for i, col := range columns {
				rec[col] = row[i]
			}

			if !yield(rec, nil) {
				return
			}
		}
	}, nil
}
