package cmd

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/caedis/bundle-sync/internal/profile"
	"github.com/spf13/cobra"
)

func TestUsageArgsWrapsValidationErrors(t *testing.T) {
	wrapped := usageArgs(cobra.ExactArgs(1))
	cmd := &cobra.Command{Use: "test"}

	if err := wrapped(cmd, []string{"ok"}); err != nil {
		t.Fatalf("usageArgs returned unexpected error for valid args: %v", err)
	}

	err := wrapped(cmd, nil)
	if err == nil {
		t.Fatalf("usageArgs should return an error for invalid args")
	}
	if !isUsageError(err) {
		t.Fatalf("usageArgs error should be marked as usage error: %v", err)
	}
}

func TestIsUsageError(t *testing.T) {
	if !isUsageError(wrapUsageError(errors.New("bad args"))) {
		t.Fatalf("wrapped usage error not detected")
	}
	if !isUsageError(errors.New(`unknown command "foo" for "bundle-sync"`)) {
		t.Fatalf("unknown command error should be treated as usage error")
	}
	if isUsageError(errors.New("runtime failure")) {
		t.Fatalf("runtime failure should not be treated as usage error")
	}
}

func TestApplyProfileKeepsExplicitFlags(t *testing.T) {
	oldCDN, oldRoot, oldConns := cdnURL, rootDir, maxConnections
	t.Cleanup(func() { cdnURL, rootDir, maxConnections = oldCDN, oldRoot, oldConns })

	cmd := &cobra.Command{Use: "test"}
	cmd.Flags().StringVar(&cdnURL, "cdn", "", "")
	cmd.Flags().StringVar(&rootDir, "root", ".", "")
	cmd.Flags().IntVar(&maxConnections, "max-connections", 2, "")
	if err := cmd.ParseFlags([]string{"--cdn", "https://explicit"}); err != nil {
		t.Fatalf("ParseFlags failed: %v", err)
	}

	profCDN, profRoot, profConns := "https://profile", "/srv/assets", 4
	applyProfile(cmd.Flags(), &profile.Profile{CDN: &profCDN, Root: &profRoot, MaxConnections: &profConns})

	if cdnURL != "https://explicit" {
		t.Fatalf("cdn=%q want explicit flag value", cdnURL)
	}
	if rootDir != profRoot || maxConnections != profConns {
		t.Fatalf("root=%q conns=%d want profile values", rootDir, maxConnections)
	}
}

func TestProfileFromFlagsOnlyCapturesChanged(t *testing.T) {
	oldCDN, oldWeb := cdnURL, web
	t.Cleanup(func() { cdnURL, web = oldCDN, oldWeb })

	cmd := &cobra.Command{Use: "test"}
	cmd.Flags().StringVar(&cdnURL, "cdn", "", "")
	cmd.Flags().BoolVar(&web, "web", false, "")
	if err := cmd.ParseFlags([]string{"--web"}); err != nil {
		t.Fatalf("ParseFlags failed: %v", err)
	}

	p := profileFromFlags(cmd.Flags())
	if p.Web == nil || !*p.Web {
		t.Fatalf("web not captured: %+v", p)
	}
	if p.CDN != nil || p.Root != nil {
		t.Fatalf("unset flags captured: %+v", p)
	}
}

func TestBundlePathPrintsBarePath(t *testing.T) {
	oldCDN, oldRoot, oldWeb, oldConns := cdnURL, rootDir, web, maxConnections
	t.Cleanup(func() { cdnURL, rootDir, web, maxConnections = oldCDN, oldRoot, oldWeb, oldConns })

	rootDir = t.TempDir()
	cdnURL = "https://cdn.example/assets/"
	web = false
	maxConnections = 2
	if err := os.MkdirAll(filepath.Join(rootDir, "asset-bundle"), 0o755); err != nil {
		t.Fatalf("MkdirAll failed: %v", err)
	}

	var out bytes.Buffer
	cmd := &cobra.Command{Use: "path"}
	cmd.SetOut(&out)
	if err := bundlePathCmd.RunE(cmd, []string{"ui", "logo.png"}); err != nil {
		t.Fatalf("bundle path failed: %v", err)
	}

	want := "https://cdn.example/assets/asset-bundle/ui/logo.png\n"
	if out.String() != want {
		t.Fatalf("output=%q want=%q", out.String(), want)
	}
}
