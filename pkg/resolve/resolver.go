// Package resolve picks concrete package versions from semver ranges.
//
// Given a requested range (an exact version, a comparator, or a compound
// expression like "^1.2.0") and the set of versions a registry publishes,
// the resolver selects the highest published version satisfying the range.
// The same satisfaction check is used to decide whether an existing lock
// entry still covers a requested range.
package resolve

import (
	"sort"

	semver "github.com/Masterminds/semver/v3"

	"github.com/minipm/minipm/pkg/errors"
)

// Resolve returns the version from available that best satisfies rng.
//
// If rng is literally one of the available version strings, that version is
// returned as-is without range parsing. This fast path keeps pinned
// versions working even when the pin would not parse as a range expression.
//
// Otherwise rng is parsed as a semver constraint; available versions that
// do not parse as exact semver are skipped (registries carry legacy
// non-conformant versions), the rest are filtered by the constraint, and
// the highest match wins.
//
// Errors carry ErrCodeInvalidRange (rng unparseable) or
// ErrCodeNoMatchingVersion (nothing satisfies rng).
func Resolve(rng string, available []string) (string, error) {
	for _, v := range available {
		if v == rng {
			return v, nil
		}
	}

	con, err := semver.NewConstraint(rng)
	if err != nil {
		return "", errors.Wrap(errors.ErrCodeInvalidRange, err, "cannot parse version range %q", rng)
	}

	var matching []*semver.Version
	for _, raw := range available {
		v, err := semver.NewVersion(raw)
		if err != nil {
			continue
		}
		if con.Check(v) {
			matching = append(matching, v)
		}
	}
	if len(matching) == 0 {
		return "", errors.New(errors.ErrCodeNoMatchingVersion, "no published version satisfies %q", rng)
	}

	sort.Sort(semver.Collection(matching))
	return matching[len(matching)-1].Original(), nil
}

// Satisfies reports whether the exact version satisfies rng. It is the
// single-version form of [Resolve], used for lock reconciliation: a lock
// entry whose version satisfies the requested range is reused without
// consulting the registry.
//
// An exact string match short-circuits, mirroring the [Resolve] fast path.
// Errors carry ErrCodeInvalidRange when either string fails to parse.
func Satisfies(rng, version string) (bool, error) {
	if rng == version {
		return true, nil
	}

	con, err := semver.NewConstraint(rng)
	if err != nil {
		return false, errors.Wrap(errors.ErrCodeInvalidRange, err, "cannot parse version range %q", rng)
	}
	v, err := semver.NewVersion(version)
	if err != nil {
		return false, errors.Wrap(errors.ErrCodeInvalidRange, err, "cannot parse locked version %q", version)
	}
	return con.Check(v), nil
}
