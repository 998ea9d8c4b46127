package platform

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/caedis/bundle-sync/internal/logging"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"golang.org/x/time/rate"
)

// ErrNoStorage is returned by storage operations on platforms without a
// writable root.
var ErrNoStorage = errors.New("platform has no persistent storage")

// Fetcher retrieves CDN content. Relative URLs are joined onto the CDN base.
type Fetcher interface {
	// Fetch returns the body of rel without persisting it.
	Fetch(ctx context.Context, rel string) ([]byte, error)
	// Download saves rel under the same relative path in local storage and
	// returns the full local path.
	Download(ctx context.Context, rel string) (string, error)
}

// HTTPFetcher fetches from a CDN over HTTP and saves into a LocalFS.
type HTTPFetcher struct {
	BaseURL string
	Client  *http.Client
	FS      *LocalFS
	// Limiter, when set, bounds the request rate against the CDN.
	Limiter *rate.Limiter
}

// NewHTTPFetcher builds a fetcher. requestsPerSecond <= 0 disables rate limiting.
func NewHTTPFetcher(baseURL string, fsys *LocalFS, requestsPerSecond float64) *HTTPFetcher {
	f := &HTTPFetcher{
		BaseURL: baseURL,
		Client:  http.DefaultClient,
		FS:      fsys,
	}
	if requestsPerSecond > 0 {
		burst := int(requestsPerSecond)
		if burst < 1 {
			burst = 1
		}
		f.Limiter = rate.NewLimiter(rate.Limit(requestsPerSecond), burst)
	}
	return f
}

// URL joins rel onto the CDN base URL.
func (f *HTTPFetcher) URL(rel string) string {
	return JoinURL(f.BaseURL, rel)
}

// JoinURL joins a relative path onto a base URL with exactly one slash.
func JoinURL(base, rel string) string {
	if base == "" {
		return rel
	}
	return strings.TrimRight(base, "/") + "/" + strings.TrimLeft(rel, "/")
}

func (f *HTTPFetcher) Fetch(ctx context.Context, rel string) ([]byte, error) {
	body, err := f.open(ctx, rel)
	if err != nil {
		return nil, err
	}
	defer body.Close()

	data, err := io.ReadAll(body)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", rel, err)
	}
	return data, nil
}

func (f *HTTPFetcher) Download(ctx context.Context, rel string) (string, error) {
	if f.FS == nil || f.FS.Root() == "" {
		return "", ErrNoStorage
	}
	logging.Debugf("Verbose: download start url=%s", f.URL(rel))

	body, err := f.open(ctx, rel)
	if err != nil {
		return "", err
	}
	defer body.Close()

	destPath := f.FS.FullPath(stripQuery(rel))
	if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
		return "", fmt.Errorf("creating directory for %s: %w", rel, err)
	}
	tmpPath := destPath + ".tmp"

	out, err := os.Create(tmpPath)
	if err != nil {
		return "", fmt.Errorf("creating %s: %w", rel, err)
	}

	_, err = io.Copy(out, body)
	closeErr := out.Close()
	if err != nil {
		os.Remove(tmpPath)
		return "", fmt.Errorf("writing %s: %w", rel, err)
	}
	if closeErr != nil {
		os.Remove(tmpPath)
		return "", fmt.Errorf("closing %s: %w", rel, closeErr)
	}

	if err := os.Rename(tmpPath, destPath); err != nil {
		os.Remove(tmpPath)
		return "", fmt.Errorf("finalizing %s: %w", rel, err)
	}
	logging.Debugf("Verbose: download complete file=%s", rel)
	return destPath, nil
}

func (f *HTTPFetcher) open(ctx context.Context, rel string) (io.ReadCloser, error) {
	if f.Limiter != nil {
		if err := f.Limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.URL(rel), nil)
	if err != nil {
		return nil, fmt.Errorf("creating request for %s: %w", rel, err)
	}
	req.Header.Set("Accept-Encoding", "zstd, gzip")

	client := f.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("downloading %s: %w", rel, err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("downloading %s: HTTP %d", rel, resp.StatusCode)
	}

	return decodeBody(resp)
}

// decodeBody unwraps zstd or gzip content encoding. Setting Accept-Encoding
// ourselves disables net/http's transparent gzip handling.
func decodeBody(resp *http.Response) (io.ReadCloser, error) {
	switch strings.ToLower(resp.Header.Get("Content-Encoding")) {
	case "zstd":
		dec, err := zstd.NewReader(resp.Body)
		if err != nil {
			resp.Body.Close()
			return nil, fmt.Errorf("zstd reader: %w", err)
		}
		return &decodedBody{Reader: dec, close: func() error {
			dec.Close()
			return resp.Body.Close()
		}}, nil
	case "gzip":
		gz, err := gzip.NewReader(resp.Body)
		if err != nil {
			resp.Body.Close()
			return nil, fmt.Errorf("gzip reader: %w", err)
		}
		return &decodedBody{Reader: gz, close: func() error {
			gz.Close()
			return resp.Body.Close()
		}}, nil
	default:
		return resp.Body, nil
	}
}

type decodedBody struct {
	io.Reader
	close func() error
}

func (d *decodedBody) Close() error { return d.close() }

func stripQuery(rel string) string {
	if i := strings.IndexByte(rel, '?'); i >= 0 {
		return rel[:i]
	}
	return rel
}
