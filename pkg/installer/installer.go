// Package installer implements the lock reconciliation engine.
//
// For every requested dependency the installer decides between two paths:
// reuse the existing lock entry when its recorded version still satisfies
// the requested range (installing from the recorded URL and digest without
// touching the registry), or resolve fresh against the registry and
// overwrite the entry. Either way the artifact is downloaded, verified
// against its integrity digest, extracted into the nested node_modules
// tree, and the package's own dependencies are reconciled recursively
// beneath it. Every transitive dependency gets a private copy; nothing is
// hoisted or shared.
package installer

import (
	"context"
	"io"
	"maps"
	"path/filepath"
	"sort"
	"sync/atomic"

	"github.com/charmbracelet/log"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/minipm/minipm/pkg/archive"
	"github.com/minipm/minipm/pkg/integrity"
	"github.com/minipm/minipm/pkg/lockfile"
	"github.com/minipm/minipm/pkg/registry"
	"github.com/minipm/minipm/pkg/resolve"
)

// NodeModulesDir is the directory each package's own dependencies are
// nested under.
const NodeModulesDir = "node_modules"

// Registry is the metadata and artifact source the installer consumes.
// *registry.Client implements it; tests substitute fakes.
type Registry interface {
	GetVersions(ctx context.Context, pkg string, refresh bool) (map[string]registry.VersionRecord, error)
	GetTarball(ctx context.Context, url string) ([]byte, error)
}

// Options controls installer behavior.
type Options struct {
	// Workers bounds how many sibling dependencies are fetched
	// concurrently. 1 (the default) processes each dependency to
	// completion before the next sibling begins.
	Workers int

	// Refresh bypasses the registry metadata cache.
	Refresh bool

	// Logger receives progress and diagnostics. Nil means silent.
	Logger *log.Logger
}

// WithDefaults normalizes zero values.
func (o Options) WithDefaults() Options {
	if o.Workers < 1 {
		o.Workers = 1
	}
	if o.Logger == nil {
		o.Logger = log.New(io.Discard)
	}
	return o
}

// Installer reconciles dependency requests against a lock store and an
// on-disk installation tree.
type Installer struct {
	reg  Registry
	lock *lockfile.Store
	opts Options

	flight    singleflight.Group
	installed atomic.Int64
}

// New creates an Installer writing resolution receipts into lock.
func New(reg Registry, lock *lockfile.Store, opts Options) *Installer {
	return &Installer{reg: reg, lock: lock, opts: opts.WithDefaults()}
}

// Installed returns how many package artifacts were fetched and extracted
// during this run.
func (in *Installer) Installed() int { return int(in.installed.Load()) }

// Install reconciles the given name->range requests into the tree rooted
// at root (packages land in root/<name>, their dependencies in
// root/<name>/node_modules/...). The first failing branch aborts the run;
// lock entries already written for completed branches are kept so the
// caller can still persist partial progress.
func (in *Installer) Install(ctx context.Context, deps map[string]string, root string) error {
	return in.installLevel(ctx, deps, root, nil)
}

// trail is the set of name@version pairs on the active resolution path,
// used to break registry-declared dependency cycles. A repeat means an
// ancestor copy is already in scope for this branch, so the repeat is
// skipped rather than recursed into forever.
func (in *Installer) installLevel(ctx context.Context, deps map[string]string, root string, trail map[string]bool) error {
	if len(deps) == 0 {
		return nil
	}

	names := make([]string, 0, len(deps))
	for name := range deps {
		names = append(names, name)
	}
	sort.Strings(names)

	if in.opts.Workers <= 1 {
		for _, name := range names {
			if err := in.installOne(ctx, name, deps[name], root, trail); err != nil {
				return err
			}
		}
		return nil
	}

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(in.opts.Workers)
	for _, name := range names {
		name := name // per-iteration copy; go.mod targets Go 1.21 loop semantics
		g.Go(func() error {
			return in.installOne(ctx, name, deps[name], root, trail)
		})
	}
	return g.Wait()
}

func (in *Installer) installOne(ctx context.Context, name, rng, root string, trail map[string]bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if entry, ok := in.lock.Get(name); ok {
		satisfied, err := resolve.Satisfies(rng, entry.Version)
		if err != nil {
			return err
		}
		if satisfied {
			in.opts.Logger.Debug("lock hit", "package", name, "version", entry.Version, "range", rng)
			return in.install(ctx, name, entry.Version, entry.ResolvedURL, entry.Integrity, entry.Dependencies, root, trail, false)
		}
		in.opts.Logger.Debug("lock entry stale", "package", name, "locked", entry.Version, "range", rng)
	}

	versions, err := in.reg.GetVersions(ctx, name, in.opts.Refresh)
	if err != nil {
		return err
	}
	available := make([]string, 0, len(versions))
	for v := range versions {
		available = append(available, v)
	}

	version, err := resolve.Resolve(rng, available)
	if err != nil {
		return err
	}
	rec := versions[version]

	in.opts.Logger.Debug("resolved", "package", name, "range", rng, "version", version)
	return in.install(ctx, name, version, rec.Dist.Tarball, rec.Dist.Integrity, rec.Dependencies, root, trail, true)
}

// install fetches, verifies, and extracts one package into root/name,
// reconciles its dependencies beneath it, and finally records the lock
// entry when this was a fresh resolution. The receipt is only written
// after the whole subtree succeeded, so a failed verification or a broken
// transitive branch never becomes something a later run would trust.
func (in *Installer) install(ctx context.Context, name, version, url, digest string, deps map[string]string, root string, trail map[string]bool, fresh bool) error {
	key := name + "@" + version
	if trail[key] {
		in.opts.Logger.Debug("dependency cycle, already on path", "package", key)
		return nil
	}

	target := filepath.Join(root, name)
	if err := in.fetchAndExtract(ctx, name, version, url, digest, target); err != nil {
		return err
	}

	childTrail := maps.Clone(trail)
	if childTrail == nil {
		childTrail = make(map[string]bool, 1)
	}
	childTrail[key] = true

	if err := in.installLevel(ctx, deps, filepath.Join(target, NodeModulesDir), childTrail); err != nil {
		return err
	}

	if fresh {
		in.lock.Put(name, lockfile.Entry{
			Version:      version,
			ResolvedURL:  url,
			Integrity:    digest,
			Dependencies: deps,
		})
	}
	return nil
}

// fetchAndExtract downloads the tarball, checks its digest, and unpacks it
// into target. Concurrent branches that reach the same name@version for
// the same target share one download and extraction.
func (in *Installer) fetchAndExtract(ctx context.Context, name, version, url, digest, target string) error {
	_, err, _ := in.flight.Do(name+"@"+version+" => "+target, func() (any, error) {
		content, err := in.reg.GetTarball(ctx, url)
		if err != nil {
			return nil, err
		}

		if digest == "" {
			in.opts.Logger.Warn("no integrity digest, skipping verification", "package", name, "version", version)
		} else if err := integrity.Verify(digest, content); err != nil {
			return nil, err
		}

		if err := archive.Extract(content, target); err != nil {
			return nil, err
		}

		in.installed.Add(1)
		in.opts.Logger.Info("installed", "package", name, "version", version, "dir", target)
		return nil, nil
	})
	return err
}
