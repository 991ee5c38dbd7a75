package installer

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/minipm/minipm/pkg/errors"
	"github.com/minipm/minipm/pkg/integrity"
	"github.com/minipm/minipm/pkg/lockfile"
	"github.com/minipm/minipm/pkg/registry"
)

// fakeRegistry serves packuments and tarballs from memory and counts
// metadata lookups, so tests can assert the lock-reuse path never touches
// the registry.
type fakeRegistry struct {
	mu        sync.Mutex
	versions  map[string]map[string]registry.VersionRecord
	tarballs  map[string][]byte
	metaCalls map[string]int
}

func newFakeRegistry() *fakeRegistry {
	return &fakeRegistry{
		versions:  make(map[string]map[string]registry.VersionRecord),
		tarballs:  make(map[string][]byte),
		metaCalls: make(map[string]int),
	}
}

// publish adds one version of a package with a freshly built tarball and
// a correct integrity digest, and returns the record for adjustments.
func (f *fakeRegistry) publish(t *testing.T, name, version string, deps map[string]string) registry.VersionRecord {
	t.Helper()

	content := makeTarball(t, map[string]string{
		"package.json": fmt.Sprintf(`{"name":%q,"version":%q}`, name, version),
	})
	url := "https://registry.test/" + name + "/-/" + name + "-" + version + ".tgz"

	rec := registry.VersionRecord{
		Version:      version,
		Dist:         registry.Dist{Tarball: url, Integrity: integrity.Digest(content)},
		Dependencies: deps,
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.versions[name] == nil {
		f.versions[name] = make(map[string]registry.VersionRecord)
	}
	f.versions[name][version] = rec
	f.tarballs[url] = content
	return rec
}

func (f *fakeRegistry) setIntegrity(name, version, digest string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec := f.versions[name][version]
	rec.Dist.Integrity = digest
	f.versions[name][version] = rec
}

func (f *fakeRegistry) metaCallCount(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.metaCalls[name]
}

func (f *fakeRegistry) GetVersions(ctx context.Context, pkg string, refresh bool) (map[string]registry.VersionRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.metaCalls[pkg]++
	vs, ok := f.versions[pkg]
	if !ok {
		return nil, errors.New(errors.ErrCodePackageNotFound, "package %s not in registry", pkg)
	}
	out := make(map[string]registry.VersionRecord, len(vs))
	for k, v := range vs {
		out[k] = v
	}
	return out, nil
}

func (f *fakeRegistry) GetTarball(ctx context.Context, url string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	content, ok := f.tarballs[url]
	if !ok {
		return nil, errors.New(errors.ErrCodeNetwork, "no tarball at %s", url)
	}
	return content, nil
}

func makeTarball(t *testing.T, files map[string]string) []byte {
	t.Helper()

	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	for name, content := range files {
		hdr := &tar.Header{Name: "package/" + name, Mode: 0o644, Size: int64(len(content))}
		if err := tw.WriteHeader(hdr); err != nil {
			t.Fatal(err)
		}
		if _, err := tw.Write([]byte(content)); err != nil {
			t.Fatal(err)
		}
	}
	tw.Close()
	gz.Close()
	return buf.Bytes()
}

func newTestInstaller(t *testing.T, reg Registry, opts Options) (*Installer, *lockfile.Store, string) {
	t.Helper()
	dir := t.TempDir()
	lock, err := lockfile.Load(filepath.Join(dir, lockfile.Path))
	if err != nil {
		t.Fatal(err)
	}
	return New(reg, lock, opts), lock, filepath.Join(dir, NodeModulesDir)
}

func TestInstallNestedPlacement(t *testing.T) {
	reg := newFakeRegistry()
	reg.publish(t, "aaa", "1.0.0", map[string]string{"bbb": "^1.0.0"})
	reg.publish(t, "bbb", "1.2.0", nil)

	inst, lock, root := newTestInstaller(t, reg, Options{})
	if err := inst.Install(context.Background(), map[string]string{"aaa": "^1.0.0"}, root); err != nil {
		t.Fatalf("Install() error: %v", err)
	}

	// bbb lives under aaa's private node_modules, not at the top level.
	if _, err := os.Stat(filepath.Join(root, "aaa", "node_modules", "bbb", "package.json")); err != nil {
		t.Errorf("transitive dependency not nested under parent: %v", err)
	}
	if _, err := os.Stat(filepath.Join(root, "bbb")); err == nil {
		t.Error("transitive dependency installed at top level, want nested only")
	}

	for _, name := range []string{"aaa", "bbb"} {
		if _, ok := lock.Get(name); !ok {
			t.Errorf("lock entry for %s missing", name)
		}
	}
	if got := inst.Installed(); got != 2 {
		t.Errorf("Installed() = %d, want 2", got)
	}
}

func TestInstallPicksHighestSatisfying(t *testing.T) {
	reg := newFakeRegistry()
	for _, v := range []string{"1.0.0", "1.2.0", "1.9.0", "2.0.0"} {
		reg.publish(t, "pkg", v, nil)
	}

	inst, lock, root := newTestInstaller(t, reg, Options{})
	if err := inst.Install(context.Background(), map[string]string{"pkg": "^1.0.0"}, root); err != nil {
		t.Fatalf("Install() error: %v", err)
	}

	e, _ := lock.Get("pkg")
	if e.Version != "1.9.0" {
		t.Errorf("locked version = %q, want %q", e.Version, "1.9.0")
	}
}

func TestInstallLockReuseSkipsRegistry(t *testing.T) {
	reg := newFakeRegistry()
	rec := reg.publish(t, "pkg", "1.2.0", nil)

	inst, lock, root := newTestInstaller(t, reg, Options{})
	lock.Put("pkg", lockfile.Entry{
		Version:     "1.2.0",
		ResolvedURL: rec.Dist.Tarball,
		Integrity:   rec.Dist.Integrity,
	})

	if err := inst.Install(context.Background(), map[string]string{"pkg": "^1.0.0"}, root); err != nil {
		t.Fatalf("Install() error: %v", err)
	}
	if calls := reg.metaCallCount("pkg"); calls != 0 {
		t.Errorf("registry metadata calls = %d, want 0 on lock hit", calls)
	}
	if _, err := os.Stat(filepath.Join(root, "pkg", "package.json")); err != nil {
		t.Errorf("package not installed from lock entry: %v", err)
	}

	e, _ := lock.Get("pkg")
	if e.Version != "1.2.0" {
		t.Errorf("lock entry rewritten on reuse: version = %q", e.Version)
	}
}

func TestInstallLockReuseRecursesIntoEntryDeps(t *testing.T) {
	reg := newFakeRegistry()
	recA := reg.publish(t, "aaa", "1.0.0", map[string]string{"bbb": "^1.0.0"})
	reg.publish(t, "bbb", "1.1.0", nil)

	inst, lock, root := newTestInstaller(t, reg, Options{})
	lock.Put("aaa", lockfile.Entry{
		Version:      "1.0.0",
		ResolvedURL:  recA.Dist.Tarball,
		Integrity:    recA.Dist.Integrity,
		Dependencies: map[string]string{"bbb": "^1.0.0"},
	})

	if err := inst.Install(context.Background(), map[string]string{"aaa": "^1.0.0"}, root); err != nil {
		t.Fatalf("Install() error: %v", err)
	}
	if calls := reg.metaCallCount("aaa"); calls != 0 {
		t.Errorf("metadata calls for aaa = %d, want 0", calls)
	}
	// bbb had no lock entry, so it is resolved fresh beneath aaa.
	if calls := reg.metaCallCount("bbb"); calls != 1 {
		t.Errorf("metadata calls for bbb = %d, want 1", calls)
	}
	if _, err := os.Stat(filepath.Join(root, "aaa", "node_modules", "bbb", "package.json")); err != nil {
		t.Errorf("nested dependency from lock entry not installed: %v", err)
	}
}

func TestInstallStaleLockEntryIsOverwritten(t *testing.T) {
	reg := newFakeRegistry()
	reg.publish(t, "pkg", "2.1.0", nil)

	inst, lock, root := newTestInstaller(t, reg, Options{})
	lock.Put("pkg", lockfile.Entry{
		Version:     "1.0.0",
		ResolvedURL: "https://registry.test/pkg/-/pkg-1.0.0.tgz",
		Integrity:   "sha512-stale",
	})

	if err := inst.Install(context.Background(), map[string]string{"pkg": "^2.0.0"}, root); err != nil {
		t.Fatalf("Install() error: %v", err)
	}
	if calls := reg.metaCallCount("pkg"); calls != 1 {
		t.Errorf("metadata calls = %d, want 1 for stale entry", calls)
	}

	e, _ := lock.Get("pkg")
	if e.Version != "2.1.0" {
		t.Errorf("lock version = %q, want fresh resolution %q", e.Version, "2.1.0")
	}
	if e.Integrity == "sha512-stale" {
		t.Error("lock integrity not updated")
	}
}

func TestInstallSecondRunIsIdempotent(t *testing.T) {
	reg := newFakeRegistry()
	reg.publish(t, "aaa", "1.0.0", map[string]string{"bbb": "^1.0.0"})
	reg.publish(t, "bbb", "1.2.0", nil)

	dir := t.TempDir()
	lockPath := filepath.Join(dir, lockfile.Path)
	root := filepath.Join(dir, NodeModulesDir)
	deps := map[string]string{"aaa": "^1.0.0"}

	lock, _ := lockfile.Load(lockPath)
	if err := New(reg, lock, Options{}).Install(context.Background(), deps, root); err != nil {
		t.Fatalf("first Install() error: %v", err)
	}
	if err := lock.Save(); err != nil {
		t.Fatal(err)
	}
	first, _ := os.ReadFile(lockPath)

	lock2, _ := lockfile.Load(lockPath)
	if err := New(reg, lock2, Options{}).Install(context.Background(), deps, root); err != nil {
		t.Fatalf("second Install() error: %v", err)
	}
	if err := lock2.Save(); err != nil {
		t.Fatal(err)
	}
	second, _ := os.ReadFile(lockPath)

	if !bytes.Equal(first, second) {
		t.Error("lock file changed on a re-run with an unchanged manifest")
	}
	for name, want := range map[string]int{"aaa": 1, "bbb": 1} {
		if calls := reg.metaCallCount(name); calls != want {
			t.Errorf("metadata calls for %s = %d, want %d (no registry calls on warm run)", name, calls, want)
		}
	}
}

func TestInstallIntegrityMismatchLeavesNoReceipt(t *testing.T) {
	reg := newFakeRegistry()
	reg.publish(t, "pkg", "1.0.0", nil)
	reg.setIntegrity("pkg", "1.0.0", integrity.Digest([]byte("something else")))

	inst, lock, root := newTestInstaller(t, reg, Options{})
	err := inst.Install(context.Background(), map[string]string{"pkg": "^1.0.0"}, root)
	if !errors.Is(err, errors.ErrCodeIntegrityMismatch) {
		t.Fatalf("got error %v, want code %s", err, errors.ErrCodeIntegrityMismatch)
	}
	if _, ok := lock.Get("pkg"); ok {
		t.Error("lock entry written for a failed verification")
	}
}

func TestInstallUnsupportedAlgorithmFailsHard(t *testing.T) {
	reg := newFakeRegistry()
	reg.publish(t, "pkg", "1.0.0", nil)
	reg.setIntegrity("pkg", "1.0.0", "md5-abc123")

	inst, lock, root := newTestInstaller(t, reg, Options{})
	err := inst.Install(context.Background(), map[string]string{"pkg": "^1.0.0"}, root)
	if !errors.Is(err, errors.ErrCodeUnsupportedAlgorithm) {
		t.Fatalf("got error %v, want code %s", err, errors.ErrCodeUnsupportedAlgorithm)
	}
	if _, ok := lock.Get("pkg"); ok {
		t.Error("lock entry written despite unsupported digest algorithm")
	}
}

func TestInstallMissingDigestSkipsVerification(t *testing.T) {
	reg := newFakeRegistry()
	reg.publish(t, "pkg", "1.0.0", nil)
	reg.setIntegrity("pkg", "1.0.0", "")

	inst, _, root := newTestInstaller(t, reg, Options{})
	if err := inst.Install(context.Background(), map[string]string{"pkg": "^1.0.0"}, root); err != nil {
		t.Fatalf("Install() error: %v", err)
	}
	if _, err := os.Stat(filepath.Join(root, "pkg", "package.json")); err != nil {
		t.Errorf("package not installed: %v", err)
	}
}

func TestInstallMalformedRangeIsFatal(t *testing.T) {
	reg := newFakeRegistry()
	reg.publish(t, "pkg", "1.0.0", nil)

	inst, _, root := newTestInstaller(t, reg, Options{})
	err := inst.Install(context.Background(), map[string]string{"pkg": "not-a-range"}, root)
	if !errors.Is(err, errors.ErrCodeInvalidRange) {
		t.Errorf("got error %v, want code %s", err, errors.ErrCodeInvalidRange)
	}
}

func TestInstallNoMatchingVersion(t *testing.T) {
	reg := newFakeRegistry()
	reg.publish(t, "pkg", "1.0.0", nil)

	inst, _, root := newTestInstaller(t, reg, Options{})
	err := inst.Install(context.Background(), map[string]string{"pkg": "^2.0.0"}, root)
	if !errors.Is(err, errors.ErrCodeNoMatchingVersion) {
		t.Errorf("got error %v, want code %s", err, errors.ErrCodeNoMatchingVersion)
	}
}

func TestInstallToleratesDependencyCycles(t *testing.T) {
	reg := newFakeRegistry()
	reg.publish(t, "aaa", "1.0.0", map[string]string{"bbb": "^1.0.0"})
	reg.publish(t, "bbb", "1.0.0", map[string]string{"aaa": "^1.0.0"})

	inst, lock, root := newTestInstaller(t, reg, Options{})
	if err := inst.Install(context.Background(), map[string]string{"aaa": "^1.0.0"}, root); err != nil {
		t.Fatalf("Install() error on cyclic graph: %v", err)
	}

	// The cycle back-edge is skipped; both packages still get receipts.
	for _, name := range []string{"aaa", "bbb"} {
		if _, ok := lock.Get(name); !ok {
			t.Errorf("lock entry for %s missing", name)
		}
	}
	if _, err := os.Stat(filepath.Join(root, "aaa", "node_modules", "bbb", "node_modules", "aaa")); err == nil {
		t.Error("cycle back-edge was installed, want it skipped")
	}
}

func TestInstallParallelWorkers(t *testing.T) {
	reg := newFakeRegistry()
	deps := make(map[string]string)
	for i := 0; i < 8; i++ {
		name := fmt.Sprintf("pkg%d", i)
		reg.publish(t, name, "1.0.0", nil)
		deps[name] = "^1.0.0"
	}

	inst, lock, root := newTestInstaller(t, reg, Options{Workers: 4})
	if err := inst.Install(context.Background(), deps, root); err != nil {
		t.Fatalf("Install() error: %v", err)
	}
	if lock.Len() != 8 {
		t.Errorf("lock entries = %d, want 8", lock.Len())
	}
	for name := range deps {
		if _, err := os.Stat(filepath.Join(root, name, "package.json")); err != nil {
			t.Errorf("%s not installed: %v", name, err)
		}
	}
}

func TestInstallEmptyDependencySet(t *testing.T) {
	inst, lock, root := newTestInstaller(t, newFakeRegistry(), Options{})
	if err := inst.Install(context.Background(), nil, root); err != nil {
		t.Fatalf("Install() error for empty set: %v", err)
	}
	if lock.Len() != 0 {
		t.Errorf("lock entries = %d, want 0", lock.Len())
	}
	if inst.Installed() != 0 {
		t.Errorf("Installed() = %d, want 0", inst.Installed())
	}
}
