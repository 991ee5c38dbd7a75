// Package registry implements the npm registry client.
//
// The client fetches packuments (the per-package document listing every
// published version with its tarball URL, integrity digest, and declared
// dependencies) and downloads artifact tarballs. Packument responses are
// cached on disk with a TTL; tarballs are never cached, they are verified
// and extracted instead. Transient failures (transport errors, 5xx) are
// retried with exponential backoff.
package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	pkgerrors "github.com/minipm/minipm/pkg/errors"
	"github.com/minipm/minipm/pkg/httputil"
)

// DefaultBaseURL is the public npm registry.
const DefaultBaseURL = "https://registry.npmjs.org"

const httpTimeout = 30 * time.Second

var (
	// ErrNotFound is returned when a package doesn't exist in the registry.
	ErrNotFound = errors.New("package not found")

	// ErrNetwork is returned for HTTP failures (timeouts, connection
	// errors, 5xx responses).
	ErrNetwork = errors.New("network error")
)

// VersionRecord is one published version of a package as the registry
// describes it: the exact version, where its tarball lives, the integrity
// digest the artifact must hash to, and the dependency ranges it declares.
type VersionRecord struct {
	Version      string            `json:"version"`
	Dist         Dist              `json:"dist"`
	Dependencies map[string]string `json:"dependencies,omitempty"`
}

// Dist holds the artifact location and integrity digest.
type Dist struct {
	Tarball   string `json:"tarball"`
	Integrity string `json:"integrity"`
}

type packument struct {
	Name     string                   `json:"name"`
	Versions map[string]VersionRecord `json:"versions"`
}

// Client talks to an npm-compatible registry.
type Client struct {
	http    *http.Client
	cache   *httputil.Cache
	baseURL string
}

// NewClient creates a Client for the registry at baseURL (DefaultBaseURL
// if empty), caching packument responses in cache. Pass a nil cache to
// disable metadata caching.
func NewClient(baseURL string, cache *httputil.Cache) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Client{
		http:    &http.Client{Timeout: httpTimeout},
		cache:   cache,
		baseURL: strings.TrimSuffix(baseURL, "/"),
	}
}

// GetVersions returns every published version of pkg, keyed by version
// string. If refresh is true the metadata cache is bypassed.
//
// Errors wrap ErrNotFound (unknown package) or ErrNetwork and carry
// ErrCodePackageNotFound / ErrCodeNetwork.
func (c *Client) GetVersions(ctx context.Context, pkg string, refresh bool) (map[string]VersionRecord, error) {
	pkg = strings.TrimSpace(pkg)
	key := "packument:" + c.baseURL + ":" + pkg

	var doc packument
	if c.cache != nil && !refresh {
		if ok, _ := c.cache.Get(key, &doc); ok {
			return doc.Versions, nil
		}
	}

	err := httputil.RetryWithBackoff(ctx, func() error {
		return c.getJSON(ctx, c.packumentURL(pkg), &doc)
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, pkgerrors.Wrap(pkgerrors.ErrCodePackageNotFound, err, "package %s not in registry", pkg)
		}
		return nil, pkgerrors.Wrap(pkgerrors.ErrCodeNetwork, err, "cannot fetch metadata for %s", pkg)
	}
	if c.cache != nil {
		_ = c.cache.Set(key, &doc)
	}
	return doc.Versions, nil
}

// GetTarball downloads the artifact at rawURL and returns its bytes.
// The download is retried on transient failure but never cached; the
// caller is expected to verify and extract the content.
func (c *Client) GetTarball(ctx context.Context, rawURL string) ([]byte, error) {
	var content []byte
	err := httputil.RetryWithBackoff(ctx, func() error {
		body, err := c.doRequest(ctx, rawURL)
		if err != nil {
			return err
		}
		defer body.Close()
		content, err = io.ReadAll(body)
		return err
	})
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.ErrCodeNetwork, err, "cannot download %s", rawURL)
	}
	return content, nil
}

// packumentURL escapes the package name the npm way: the "/" in a scoped
// name like @scope/pkg becomes %2F, everything else stays literal.
func (c *Client) packumentURL(pkg string) string {
	escaped := url.PathEscape(pkg)
	escaped = strings.ReplaceAll(escaped, "%40", "@")
	return c.baseURL + "/" + escaped
}

func (c *Client) getJSON(ctx context.Context, url string, v any) error {
	body, err := c.doRequest(ctx, url)
	if err != nil {
		return err
	}
	defer body.Close()
	return json.NewDecoder(body).Decode(v)
}

func (c *Client) doRequest(ctx context.Context, url string) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &httputil.RetryableError{Err: fmt.Errorf("%w: %v", ErrNetwork, err)}
	}

	if err := checkStatus(resp.StatusCode); err != nil {
		resp.Body.Close()
		return nil, err
	}
	return resp.Body, nil
}

func checkStatus(code int) error {
	switch {
	case code == http.StatusOK:
		return nil
	case code == http.StatusNotFound:
		return ErrNotFound
	case code >= 500:
		return &httputil.RetryableError{Err: fmt.Errorf("%w: status %d", ErrNetwork, code)}
	default:
		return fmt.Errorf("%w: status %d", ErrNetwork, code)
	}
}
