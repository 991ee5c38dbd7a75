// Package archive extracts gzip-compressed tarballs into a directory.
package archive

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	pkgerrors "github.com/minipm/minipm/pkg/errors"
)

// npm tarballs wrap the package content in a single top-level directory,
// conventionally "package/". That prefix is stripped so files land
// directly under the destination.
const tarballPrefix = "package/"

// Extract unpacks the gzip+tar stream in content into dest, creating dest
// and any parent directories. Pre-existing files at the same paths are
// overwritten. Entry paths are validated so an archive can never write
// outside dest.
//
// Failures return an error with ErrCodeExtract; partially written files
// are not cleaned up.
func Extract(content []byte, dest string) error {
	gz, err := gzip.NewReader(bytes.NewReader(content))
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.ErrCodeExtract, err, "archive is not valid gzip")
	}
	defer gz.Close()

	if err := os.MkdirAll(dest, 0o755); err != nil {
		return pkgerrors.Wrap(pkgerrors.ErrCodeExtract, err, "cannot create %s", dest)
	}

	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return pkgerrors.Wrap(pkgerrors.ErrCodeExtract, err, "corrupt tar stream")
		}

		name := strings.TrimPrefix(hdr.Name, tarballPrefix)
		if name == "" || name == "." || name == tarballPrefix {
			continue
		}
		target, err := safeJoin(dest, name)
		if err != nil {
			return pkgerrors.Wrap(pkgerrors.ErrCodeExtract, err, "rejecting archive entry %q", hdr.Name)
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o755); err != nil {
				return pkgerrors.Wrap(pkgerrors.ErrCodeExtract, err, "cannot create directory %s", target)
			}
		case tar.TypeReg:
			if err := writeFile(target, tr, hdr); err != nil {
				return pkgerrors.Wrap(pkgerrors.ErrCodeExtract, err, "cannot write %s", target)
			}
		default:
			// Symlinks and special files are skipped; published npm
			// tarballs contain only regular files and directories.
		}
	}
	return nil
}

func writeFile(target string, tr *tar.Reader, hdr *tar.Header) error {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return err
	}
	mode := os.FileMode(hdr.Mode).Perm()
	if mode == 0 {
		mode = 0o644
	}
	out, err := os.OpenFile(target, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, mode)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, tr); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// safeJoin joins name under base, rejecting absolute paths and any path
// that escapes base via "..".
func safeJoin(base, name string) (string, error) {
	clean := filepath.Clean(strings.TrimSpace(name))
	if clean == "." || clean == "" {
		return "", fmt.Errorf("empty archive path")
	}
	if filepath.IsAbs(clean) {
		return "", fmt.Errorf("absolute archive path: %s", name)
	}
	target := filepath.Join(base, clean)
	rel, err := filepath.Rel(base, target)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", errors.New("archive path escapes destination: " + name)
	}
	return target, nil
}
