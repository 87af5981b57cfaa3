package remote

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"
)

// Source provides access to the packed objects hosted on the update server.
type Source interface {
	// Stat reports whether the object at url exists and the size the remote
	// advertises for it. A size of 0 means the remote cannot report one.
	Stat(ctx context.Context, url string) (exists bool, size int64, err error)

	// Fetch downloads the object at url into destPath. When expectedSize is
	// definite (> 0) the transfer is capped slightly above it; whether the
	// delivered bytes are actually correct is the caller's signature check.
	Fetch(ctx context.Context, url, destPath string, expectedSize int64) error
}

// HTTPSource implements Source over HTTP(S).
type HTTPSource struct {
	client    *http.Client
	userAgent string
}

// NewHTTPSource creates an HTTP-backed source. A non-positive timeout selects
// a conservative default sized for large object transfers.
func NewHTTPSource(timeout time.Duration) *HTTPSource {
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	return &HTTPSource{
		client:    &http.Client{Timeout: timeout},
		userAgent: "patchup",
	}
}

// Stat issues a HEAD request for the object.
func (s *HTTPSource) Stat(ctx context.Context, url string) (bool, int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
	if err != nil {
		return false, 0, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("User-Agent", s.userAgent)

	resp, err := s.client.Do(req)
	if err != nil {
		return false, 0, fmt.Errorf("HEAD %s: %w", url, err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	switch {
	case resp.StatusCode == http.StatusOK:
		size := resp.ContentLength
		if size < 0 {
			// Remote cannot report a size; callers treat 0 as unknown.
			size = 0
		}
		return true, size, nil
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
		return false, 0, nil
	default:
		return false, 0, fmt.Errorf("HEAD %s: unexpected status %s", url, resp.Status)
	}
}

// Fetch issues a GET request and streams the body to destPath. The body is
// staged in a temp file and renamed into place, so a partial transfer never
// becomes visible under the final name.
func (s *HTTPSource) Fetch(ctx context.Context, url, destPath string, expectedSize int64) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("User-Agent", s.userAgent)

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("GET %s: %w", url, err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("GET %s: unexpected status %s", url, resp.Status)
	}

	var body io.Reader = resp.Body
	if expectedSize > 0 {
		// One byte beyond the expected size is enough for the signature
		// check to flag an over-long body.
		body = io.LimitReader(resp.Body, expectedSize+1)
	}

	tmp, err := os.CreateTemp(filepath.Dir(destPath), ".patchup-tmp-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	defer func() {
		_ = os.Remove(tmpPath)
	}()

	if _, err := io.Copy(tmp, body); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("GET %s: %w", url, err)
	}
	if err := tmp.Close(); err != nil {
		return err
	}

	return os.Rename(tmpPath, destPath)
}
