package registry

import (
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"

	"github.com/xtgz/chai/internal/crates"
	"github.com/xtgz/chai/internal/ingestion"
	"github.com/xtgz/chai/internal/snapshot"
)

// ErrUnknownPackageManager is returned for a package manager with no entry.
var ErrUnknownPackageManager = errors.New("unknown package manager")

type (
	// Adapter binds a fetched snapshot to the loader's source factory.
	Adapter func(snap *snapshot.Snapshot, logger *slog.Logger) ingestion.SourceFactory

	// Entry describes how one package manager is loaded.
	Entry struct {
		Name      string
		SourceURL string
		Adapter   Adapter
	}

	// Registry is an immutable set of entries keyed by package-manager name.
	// Safe for concurrent use.
	Registry struct {
		entries map[string]Entry
	}
)

// New builds a registry from entries. Later entries replace earlier ones
// with the same name.
func New(entries ...Entry) *Registry {
	r := &Registry{entries: make(map[string]Entry, len(entries))}

	for _, e := range entries {
		r.entries[e.Name] = e
	}

	return r
}

// Default returns the built-in package managers.
func Default() *Registry {
	return New(Entry{
		Name:      crates.PackageManager,
		SourceURL: crates.DefaultSourceURL,
		Adapter:   crates.Factory,
	})
}

// WithOverrides returns a copy of r with the source URLs of cfg applied.
// Overrides for package managers r does not know are logged and ignored:
// an adapter cannot be configured from YAML.
func (r *Registry) WithOverrides(cfg *Config, logger *slog.Logger) *Registry {
	out := &Registry{entries: maps.Clone(r.entries)}

	if cfg == nil {
		return out
	}

	for name, src := range cfg.Sources {
		e, ok := out.entries[name]
		if !ok {
			logger.Warn("Ignoring sources override for unknown package manager",
				slog.String("package_manager", name))

			continue
		}

		if src.URL == "" {
			continue
		}

		e.SourceURL = src.URL
		out.entries[name] = e

		logger.Info("Source overridden",
			slog.String("package_manager", name),
			slog.String("url", src.URL))
	}

	return out
}

// Lookup returns the entry for a package manager.
func (r *Registry) Lookup(name string) (Entry, error) {
	e, ok := r.entries[name]
	if !ok {
		return Entry{}, fmt.Errorf("%w: %q (known: %v)", ErrUnknownPackageManager, name, r.Names())
	}

	return e, nil
}

// Names lists the registered package managers in sorted order.
func (r *Registry) Names() []string {
	return slices.Sorted(maps.Keys(r.entries))
}
