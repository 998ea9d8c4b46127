package profile

import (
	"slices"
	"testing"
)

func TestSaveLoadListDelete(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())

	cdn := "https://cdn.example/game"
	conns := 4
	if err := Save("prod", &Profile{CDN: &cdn, MaxConnections: &conns}); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	p, err := Load("prod")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if p.CDN == nil || *p.CDN != cdn {
		t.Fatalf("cdn=%v want=%q", p.CDN, cdn)
	}
	if p.MaxConnections == nil || *p.MaxConnections != conns {
		t.Fatalf("max-connections=%v want=%d", p.MaxConnections, conns)
	}
	if p.Root != nil || p.Web != nil {
		t.Fatalf("unset fields should stay nil: %+v", p)
	}

	names, err := List()
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if !slices.Equal(names, []string{"prod"}) {
		t.Fatalf("names=%v want=[prod]", names)
	}

	if err := Delete("prod"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, err := Load("prod"); err == nil {
		t.Fatalf("Load after Delete should fail")
	}
}

func TestListWithoutDirectory(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	names, err := List()
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(names) != 0 {
		t.Fatalf("names=%v want none", names)
	}
}
