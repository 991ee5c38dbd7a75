// Package integrity verifies artifact content against subresource
// integrity digests of the form "sha512-<base64>".
package integrity

import (
	"crypto/sha512"
	"crypto/subtle"
	"encoding/base64"
	"strings"

	"github.com/minipm/minipm/pkg/errors"
)

// Algorithm is the only digest algorithm the verifier accepts.
const Algorithm = "sha512"

// Digest computes the sha512 integrity string for content, in the same
// format [Verify] expects.
func Digest(content []byte) string {
	sum := sha512.Sum512(content)
	return Algorithm + "-" + base64.StdEncoding.EncodeToString(sum[:])
}

// Verify checks content against the expected digest string.
//
// The digest must split on the first "-" into an algorithm tag and a
// base64-encoded hash. Any algorithm other than sha512 fails with
// ErrCodeUnsupportedAlgorithm; an unknown tag must never silently pass. A
// content hash that differs from the expected value fails with
// ErrCodeIntegrityMismatch.
//
// Callers that have no expected digest must skip Verify deliberately
// rather than pass an empty string; the empty string is an unsupported
// algorithm, not a wildcard.
func Verify(expected string, content []byte) error {
	algo, want, ok := strings.Cut(expected, "-")
	if !ok || algo != Algorithm {
		return errors.New(errors.ErrCodeUnsupportedAlgorithm, "unsupported hash algorithm in digest %q", expected)
	}

	sum := sha512.Sum512(content)
	got := base64.StdEncoding.EncodeToString(sum[:])
	if subtle.ConstantTimeCompare([]byte(want), []byte(got)) != 1 {
		return errors.New(errors.ErrCodeIntegrityMismatch, "integrity check failed: expected %s, got %s", want, got)
	}
	return nil
}
