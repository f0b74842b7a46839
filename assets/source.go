package assets

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"

	"github.com/nvr-ai/derm-screen/errs"
)

// UnknownSize is returned by Probe when the source cannot tell the payload
// size without downloading it.
const UnknownSize int64 = -1

// Source is a location that can report the model size and deliver its bytes.
type Source interface {
	// Probe returns the declared payload size, or UnknownSize.
	Probe(ctx context.Context) (int64, error)
	// Fetch downloads the whole payload.
	Fetch(ctx context.Context) ([]byte, error)
	// String names the location for logs and errors.
	String() string
}

// NewSource picks a Source implementation from the location's scheme.
//
// Arguments:
//   - location: An http(s) URL, a file:// URL, or a plain filesystem path.
//   - client: The HTTP client for remote locations; nil uses http.DefaultClient.
//
// Returns:
//   - Source: The matching source.
//   - error: If the location is empty or uses an unsupported scheme.
func NewSource(location string, client *http.Client) (Source, error) {
	if strings.TrimSpace(location) == "" {
		return nil, errs.Errorf(errs.AssetUnreachable, "assets.source", "model location is empty")
	}
	u, err := url.Parse(location)
	if err != nil || u.Scheme == "" || len(u.Scheme) == 1 {
		// Plain paths, including Windows drive letters.
		return &FileSource{Path: location}, nil
	}
	switch u.Scheme {
	case "http", "https":
		if client == nil {
			client = http.DefaultClient
		}
		return &HTTPSource{URL: location, Client: client}, nil
	case "file":
		p := u.Path
		if u.Host != "" && u.Host != "localhost" {
			p = "//" + u.Host + p
		}
		return &FileSource{Path: filepath.FromSlash(p)}, nil
	default:
		return nil, errs.Errorf(errs.AssetUnreachable, "assets.source", "unsupported scheme %q in %s", u.Scheme, location)
	}
}

// HTTPSource fetches the model from a static HTTP location.
type HTTPSource struct {
	URL    string
	Client *http.Client
}

func (s *HTTPSource) String() string { return s.URL }

// Probe issues a HEAD request. Servers that refuse HEAD or omit
// Content-Length yield UnknownSize rather than an error.
func (s *HTTPSource) Probe(ctx context.Context) (int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, s.URL, nil)
	if err != nil {
		return UnknownSize, errs.E(errs.AssetUnreachable, "assets.probe", errors.Wrap(err, "building probe request"))
	}
	resp, err := s.Client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return UnknownSize, errs.FromContext("assets.probe", ctx.Err())
		}
		return UnknownSize, errs.E(errs.AssetUnreachable, "assets.probe", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusMethodNotAllowed || resp.StatusCode == http.StatusNotImplemented:
		return UnknownSize, nil
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return UnknownSize, errs.Errorf(errs.AssetUnreachable, "assets.probe", "%s returned status %d", s.URL, resp.StatusCode)
	}
	if resp.ContentLength < 0 {
		return UnknownSize, nil
	}
	return resp.ContentLength, nil
}

// Fetch downloads the payload with a GET request.
func (s *HTTPSource) Fetch(ctx context.Context) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.URL, nil)
	if err != nil {
		return nil, errs.E(errs.AssetUnreachable, "assets.download", errors.Wrap(err, "building download request"))
	}
	resp, err := s.Client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, errs.FromContext("assets.download", ctx.Err())
		}
		return nil, errs.E(errs.AssetUnreachable, "assets.download", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, errs.Errorf(errs.AssetUnreachable, "assets.download", "%s returned status %d", s.URL, resp.StatusCode)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errs.E(errs.AssetUnreachable, "assets.download", errors.Wrap(err, "reading response body"))
	}
	return data, nil
}

// FileSource reads the model from the local filesystem.
type FileSource struct {
	Path string
}

func (s *FileSource) String() string { return "file://" + filepath.ToSlash(s.Path) }

// Probe stats the file.
func (s *FileSource) Probe(ctx context.Context) (int64, error) {
	if err := ctx.Err(); err != nil {
		return UnknownSize, errs.FromContext("assets.probe", err)
	}
	info, err := os.Stat(s.Path)
	if err != nil {
		return UnknownSize, errs.E(errs.AssetUnreachable, "assets.probe", err)
	}
	if info.IsDir() {
		return UnknownSize, errs.E(errs.AssetUnreachable, "assets.probe", fmt.Errorf("%s is a directory", s.Path))
	}
	return info.Size(), nil
}

// Fetch reads the whole file.
func (s *FileSource) Fetch(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, errs.FromContext("assets.download", err)
	}
	data, err := os.ReadFile(s.Path)
	if err != nil {
		return nil, errs.E(errs.AssetUnreachable, "assets.download", err)
	}
	return data, nil
}
