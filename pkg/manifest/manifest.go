// Package manifest reads the project manifest (package.json).
package manifest

import (
	"encoding/json"
	"os"

	"github.com/minipm/minipm/pkg/errors"
)

// Path is the manifest filename expected in the project root.
const Path = "package.json"

// Manifest is the subset of package.json the installer consumes.
// A missing dependencies section means there is nothing to install.
type Manifest struct {
	Name         string            `json:"name,omitempty"`
	Version      string            `json:"version,omitempty"`
	Dependencies map[string]string `json:"dependencies,omitempty"`
}

// Load reads and parses the manifest at path.
// Errors carry ErrCodeInvalidManifest for both missing and unparseable
// files: without a manifest there is no work to define.
func Load(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeInvalidManifest, err, "cannot read manifest %s", path)
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, errors.Wrap(errors.ErrCodeInvalidManifest, err, "cannot parse manifest %s", path)
	}
	return &m, nil
}
