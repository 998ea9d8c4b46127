package platform

import (
	"context"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/caedis/bundle-sync/internal/logging"
)

// Network reports connectivity. Connected returns the last checked state;
// Refresh checks again and updates it.
type Network interface {
	Connected() bool
	Refresh(ctx context.Context)
}

// HTTPNetwork treats the CDN answering a HEAD request as "connected".
type HTTPNetwork struct {
	URL     string
	Client  *http.Client
	Timeout time.Duration

	disconnected atomic.Bool
}

func NewHTTPNetwork(url string) *HTTPNetwork {
	return &HTTPNetwork{URL: url, Client: http.DefaultClient, Timeout: 3 * time.Second}
}

func (p *HTTPNetwork) Connected() bool {
	return !p.disconnected.Load()
}

func (p *HTTPNetwork) Refresh(ctx context.Context) {
	timeout := p.Timeout
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, p.URL, nil)
	if err != nil {
		p.disconnected.Store(true)
		return
	}
	client := p.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		logging.Debugf("Verbose: network check failed url=%s: %v", p.URL, err)
		p.disconnected.Store(true)
		return
	}
	resp.Body.Close()
	p.disconnected.Store(false)
}

// StaticNetwork is a Network whose state is set directly.
type StaticNetwork struct {
	down      atomic.Bool
	refreshes atomic.Int64
}

func (n *StaticNetwork) Connected() bool { return !n.down.Load() }

func (n *StaticNetwork) Refresh(context.Context) { n.refreshes.Add(1) }

// SetConnected changes the reported state.
func (n *StaticNetwork) SetConnected(connected bool) { n.down.Store(!connected) }

// Refreshes counts Refresh calls.
func (n *StaticNetwork) Refreshes() int64 { return n.refreshes.Load() }
