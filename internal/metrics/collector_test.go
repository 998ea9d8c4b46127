package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestCollectorCounts(t *testing.T) {
	c := NewCollector("bundle_sync")

	c.RecordDownload(true)
	c.RecordDownload(true)
	c.RecordDownload(false)
	c.RecordGroupComplete()
	c.RecordBundleFiles("discard", 3)
	c.RecordBundleFiles("discard", 0)
	c.RecordTask("ExternalAssetSync", "success")
	c.SetQueueDepth(2, 7)

	if got := testutil.ToFloat64(c.downloadsTotal.WithLabelValues("success")); got != 2 {
		t.Fatalf("success downloads=%v want=2", got)
	}
	if got := testutil.ToFloat64(c.downloadsTotal.WithLabelValues("fail")); got != 1 {
		t.Fatalf("failed downloads=%v want=1", got)
	}
	if got := testutil.ToFloat64(c.bundleFiles.WithLabelValues("discard")); got != 3 {
		t.Fatalf("discarded files=%v want=3", got)
	}
	if got := testutil.ToFloat64(c.downloadsQueued); got != 7 {
		t.Fatalf("pending gauge=%v want=7", got)
	}
}

func TestNilCollectorIsNoop(t *testing.T) {
	var c *Collector
	c.RecordDownload(true)
	c.RecordGroupComplete()
	c.RecordNetworkPause()
	c.RecordBundleInited()
	c.RecordTask("x", "fail")
	c.SetQueueDepth(1, 1)
	if c.Registry() != nil {
		t.Fatalf("nil collector should have no registry")
	}
}

func TestHandlerServesMetrics(t *testing.T) {
	c := NewCollector("bundle_sync")
	c.RecordBundleInited()

	srv := httptest.NewServer(c.Handler())
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL)
	if err != nil {
		t.Fatalf("GET failed: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), "bundle_sync_bundles_inited_total 1") {
		t.Fatalf("metrics output missing counter:\n%s", body)
	}
}
