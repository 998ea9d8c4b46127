// Package platformtest provides a fake CDN and storage helpers for tests.
package platformtest

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
)

// CDN serves an in-memory file set over HTTP and counts requests per path.
// Paths are slash-separated without a leading slash; query strings are ignored.
type CDN struct {
	*httptest.Server

	mu       sync.Mutex
	files    map[string][]byte
	hits     map[string]int
	failures map[string]int
}

func NewCDN(t testing.TB) *CDN {
	t.Helper()
	c := &CDN{
		files:    make(map[string][]byte),
		hits:     make(map[string]int),
		failures: make(map[string]int),
	}
	c.Server = httptest.NewServer(http.HandlerFunc(c.serve))
	t.Cleanup(c.Close)
	return c
}

func (c *CDN) serve(w http.ResponseWriter, r *http.Request) {
	rel := strings.TrimPrefix(r.URL.Path, "/")

	c.mu.Lock()
	if r.Method == http.MethodGet {
		c.hits[rel]++
	}
	if c.failures[rel] > 0 {
		c.failures[rel]--
		c.mu.Unlock()
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
		return
	}
	data, ok := c.files[rel]
	c.mu.Unlock()

	if r.Method == http.MethodHead {
		w.WriteHeader(http.StatusOK)
		return
	}
	if !ok {
		http.NotFound(w, r)
		return
	}
	w.Write(data)
}

func (c *CDN) Put(rel string, data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.files[rel] = data
}

func (c *CDN) PutJSON(t testing.TB, rel string, v any) {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal %s: %v", rel, err)
	}
	c.Put(rel, data)
}

// FailNext makes the next n requests for rel answer 503.
func (c *CDN) FailNext(rel string, n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failures[rel] = n
}

// Hits returns how many GET requests reached rel.
func (c *CDN) Hits(rel string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hits[rel]
}

// WriteFile creates rel under root with data, making parent directories.
func WriteFile(t testing.TB, root, rel string, data []byte) {
	t.Helper()
	p := filepath.Join(root, filepath.FromSlash(rel))
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		t.Fatalf("MkdirAll failed: %v", err)
	}
	if err := os.WriteFile(p, data, 0o644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
}

// Exists reports whether rel exists under root.
func Exists(root, rel string) bool {
	_, err := os.Stat(filepath.Join(root, filepath.FromSlash(rel)))
	return err == nil
}
