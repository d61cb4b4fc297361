// Package migrations embeds the chai schema migrations and checks that the
// embedded set is well formed before anything is applied.
package migrations

import (
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"regexp"
	"sort"
	"strconv"
)

// FS holds every NNN_name.(up|down).sql file of this directory.
//
//go:embed *.sql
var FS embed.FS

var (
	// ErrNoMigrations is returned when the set contains no migration file.
	ErrNoMigrations = errors.New("no migration files found")

	// ErrInvalidFilename is returned for a .sql file not named NNN_name.(up|down).sql.
	ErrInvalidFilename = errors.New("invalid migration filename")

	// ErrUnpaired is returned when an up migration has no down, or the reverse.
	ErrUnpaired = errors.New("unpaired migration")

	// ErrSequenceGap is returned when sequence numbers do not run 001, 002, ... without gaps.
	ErrSequenceGap = errors.New("gap in migration sequence")
)

var filenamePattern = regexp.MustCompile(`^(\d{3})_([a-zA-Z0-9_]+)\.(up|down)\.sql$`)

// Migration is one parsed migration file.
type Migration struct {
	Sequence  int
	Name      string
	Direction string
	Filename  string
}

// Parse parses a migration filename.
func Parse(filename string) (Migration, error) {
	m := filenamePattern.FindStringSubmatch(filename)
	if m == nil {
		return Migration{}, fmt.Errorf("%w: %s (expected 001_name.up.sql or 001_name.down.sql)",
			ErrInvalidFilename, filename)
	}

	seq, _ := strconv.Atoi(m[1])

	return Migration{Sequence: seq, Name: m[2], Direction: m[3], Filename: filename}, nil
}

// List parses every .sql file at the root of fsys, ordered by filename.
func List(fsys fs.FS) ([]Migration, error) {
	names, err := fs.Glob(fsys, "*.sql")
	if err != nil {
		return nil, fmt.Errorf("failed to list migrations: %w", err)
	}

	sort.Strings(names)

	out := make([]Migration, 0, len(names))

	for _, name := range names {
		m, err := Parse(name)
		if err != nil {
			return nil, err
		}

		out = append(out, m)
	}

	return out, nil
}

// Validate checks that fsys holds at least one migration, that every up has
// a down and that sequence numbers start at 001 without gaps.
func Validate(fsys fs.FS) error {
	list, err := List(fsys)
	if err != nil {
		return err
	}

	if len(list) == 0 {
		return ErrNoMigrations
	}

	directions := make(map[string]map[string]bool)
	sequences := make(map[int]bool)

	for _, m := range list {
		key := fmt.Sprintf("%03d_%s", m.Sequence, m.Name)
		if directions[key] == nil {
			directions[key] = make(map[string]bool)
		}

		directions[key][m.Direction] = true
		sequences[m.Sequence] = true
	}

	for key, dirs := range directions {
		if !dirs["up"] {
			return fmt.Errorf("%w: missing up migration for %s", ErrUnpaired, key)
		}

		if !dirs["down"] {
			return fmt.Errorf("%w: missing down migration for %s", ErrUnpaired, key)
		}
	}

	for seq := 1; seq <= len(sequences); seq++ {
		if !sequences[seq] {
			return fmt.Errorf("%w: expected %03d", ErrSequenceGap, seq)
		}
	}

	return nil
}

// Latest returns the highest sequence number in fsys, 0 when there is none.
func Latest(fsys fs.FS) int {
	list, err := List(fsys)
	if err != nil {
		return 0
	}

	latest := 0

	for _, m := range list {
		latest = max(latest, m.Sequence)
	}

	return latest
}
