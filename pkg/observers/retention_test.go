package observers

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestPurgeArtifactsRemovesOnlyOldArtifacts(t *testing.T) {
	dir := t.TempDir()
	old := time.Now().Add(-48 * time.Hour)
	write := func(name string) string {
		path := filepath.Join(dir, name)
		if err := os.WriteFile(path, []byte("x"), 0o644); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
		return path
	}
	oldTimeline := write("call-12.jsonl")
	oldCost := write("call-12.cost.json")
	foreign := write("notes.txt")
	fresh := write("call-99.jsonl")
	for _, p := range []string{oldTimeline, oldCost, foreign} {
		if err := os.Chtimes(p, old, old); err != nil {
			t.Fatalf("chtimes: %v", err)
		}
	}

	removed, err := PurgeArtifacts(dir, 24*time.Hour)
	if err != nil {
		t.Fatalf("purge: %v", err)
	}
	if removed != 2 {
		t.Fatalf("removed = %d", removed)
	}
	if _, err := os.Stat(foreign); err != nil {
		t.Fatal("foreign file should survive")
	}
	if _, err := os.Stat(fresh); err != nil {
		t.Fatal("fresh artifact should survive")
	}
	if _, err := os.Stat(oldTimeline); !os.IsNotExist(err) {
		t.Fatal("old timeline should be gone")
	}
}

func TestPurgeArtifactsMissingDir(t *testing.T) {
	removed, err := PurgeArtifacts(filepath.Join(t.TempDir(), "absent"), time.Hour)
	if err != nil || removed != 0 {
		t.Fatalf("removed = %d err = %v", removed, err)
	}
}
