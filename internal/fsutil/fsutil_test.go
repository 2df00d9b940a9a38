package fsutil

import (
	"os"
	"path/filepath"
	"testing"
)

func TestIsFrameFile(t *testing.T) {
	cases := map[string]bool{
		"light_001.fits":   true,
		"LIGHT.FIT":        true,
		"m31.xisf":         true,
		"preview.jpg":      true,
		"frame.stars.json": false,
		"notes.txt":        false,
		"noext":            false,
	}
	for name, want := range cases {
		if got := IsFrameFile(name); got != want {
			t.Fatalf("IsFrameFile(%q) = %v, want %v", name, got, want)
		}
	}
}

func TestFirstExisting(t *testing.T) {
	dir := t.TempDir()
	present := filepath.Join(dir, "b.fits")
	if err := os.WriteFile(present, []byte("x"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if got := FirstExisting(filepath.Join(dir, "a.fits"), present); got != present {
		t.Fatalf("expected %s, got %q", present, got)
	}
	if got := FirstExisting(filepath.Join(dir, "missing")); got != "" {
		t.Fatalf("expected empty result, got %q", got)
	}
}

func TestWriteFileAtomicReplaces(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "manifest.yaml")
	if err := WriteFileAtomic(path, []byte("one"), 0o644); err != nil {
		t.Fatalf("first write: %v", err)
	}
	if err := WriteFileAtomic(path, []byte("two"), 0o600); err != nil {
		t.Fatalf("second write: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil || string(data) != "two" {
		t.Fatalf("unexpected content %q (%v)", data, err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Fatalf("expected mode 0600, got %v", info.Mode().Perm())
	}
	entries, _ := os.ReadDir(dir)
	if len(entries) != 1 {
		t.Fatalf("temporary files left behind: %v", entries)
	}
}
