package store

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLoadMissingStoreIsEmpty(t *testing.T) {
	t.Parallel()

	s, err := Load(t.TempDir())
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if got := s.Get(LastSyncVersion); got != "" {
		t.Fatalf("Get=%q want empty", got)
	}
}

func TestSetPersistsAcrossLoads(t *testing.T) {
	t.Parallel()

	tmp := t.TempDir()
	s, err := Load(tmp)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if err := s.Set(LastSyncVersion, "1.2.0.45"); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	loaded, err := Load(tmp)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if got := loaded.Get(LastSyncVersion); got != "1.2.0.45" {
		t.Fatalf("Get=%q want=1.2.0.45", got)
	}
}

func TestLoadCorruptStore(t *testing.T) {
	t.Parallel()

	tmp := t.TempDir()
	if err := os.WriteFile(filepath.Join(tmp, StateFile), []byte("{not json"), 0o644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
	_, err := Load(tmp)
	if err == nil || !strings.Contains(err.Error(), "parsing store") {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestInMemoryStoreWithoutRoot(t *testing.T) {
	t.Parallel()

	s, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if err := s.Set("k", "v"); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	if s.Get("k") != "v" {
		t.Fatalf("in-memory value lost")
	}
}
