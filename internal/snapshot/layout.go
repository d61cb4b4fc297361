package snapshot

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"
)

// LatestLink is the name of the pointer to the newest snapshot.
const LatestLink = "latest"

// ErrNoSnapshot indicates that no snapshot has been fetched yet.
var ErrNoSnapshot = errors.New("no snapshot available")

// Layout describes where snapshots live on disk:
//
//	<root>/<package-manager>/<YYYY-MM-DD>/...
//	<root>/<package-manager>/latest -> <YYYY-MM-DD>
type Layout struct {
	Root string
}

// Dir returns the directory holding every snapshot of a package manager.
func (l Layout) Dir(packageManager string) string {
	return filepath.Join(l.Root, packageManager)
}

// DatedDir returns the directory a snapshot fetched at t is written to.
func (l Layout) DatedDir(packageManager string, t time.Time) string {
	return filepath.Join(l.Dir(packageManager), t.Format(time.DateOnly))
}

// Latest opens the snapshot the latest pointer refers to.
func (l Layout) Latest(packageManager string) (*Snapshot, error) {
	link := filepath.Join(l.Dir(packageManager), LatestLink)

	target, err := filepath.EvalSymlinks(link)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNoSnapshot, link)
		}

		return nil, fmt.Errorf("resolve %s: %w", link, err)
	}

	return New(target), nil
}

// PointLatest atomically repoints the latest pointer at dir, which must be a
// child of the package manager's directory. The link is relative so the data
// directory can be moved as a whole.
func (l Layout) PointLatest(packageManager, dir string) error {
	parent := l.Dir(packageManager)
	link := filepath.Join(parent, LatestLink)
	tmp := link + ".tmp"

	target, err := filepath.Rel(parent, dir)
	if err != nil {
		return fmt.Errorf("relative snapshot path: %w", err)
	}

	if err := os.Remove(tmp); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove stale %s: %w", tmp, err)
	}

	if err := os.Symlink(target, tmp); err != nil {
		return fmt.Errorf("create %s: %w", tmp, err)
	}

	if err := os.Rename(tmp, link); err != nil {
		return fmt.Errorf("replace %s: %w", link, err)
	}

	return nil
}
