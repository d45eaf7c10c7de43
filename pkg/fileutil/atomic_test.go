package fileutil

import (
	"os"
	"path/filepath"
	"testing"
)

func TestAtomicWriteFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "doc.json")

	if err := AtomicWriteFile(path, []byte("v1"), 0640); err != nil {
		t.Fatalf("write: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read back: %v", err)
	}
	if string(data) != "v1" {
		t.Fatalf("content mismatch: %q", data)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if info.Mode().Perm() != 0640 {
		t.Fatalf("permission bits not applied: %v", info.Mode())
	}

	// overwrite keeps working and leaves no temporary files behind
	if err := AtomicWriteFile(path, []byte("v2"), 0640); err != nil {
		t.Fatalf("rewrite: %v", err)
	}
	data, _ = os.ReadFile(path)
	if string(data) != "v2" {
		t.Fatalf("rewrite content mismatch: %q", data)
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("read dir: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("temporary files left behind: %v", entries)
	}
}

func TestAtomicWriteFileMissingDir(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nope", "doc.json")
	if err := AtomicWriteFile(path, []byte("x"), 0644); err == nil {
		t.Fatalf("expected error for missing parent directory")
	}
}

func TestEnsureParentDir(t *testing.T) {
	path := filepath.Join(t.TempDir(), "a", "b", "doc.json")
	if err := EnsureParentDir(path, 0755); err != nil {
		t.Fatalf("ensure parent: %v", err)
	}
	info, err := os.Stat(filepath.Dir(path))
	if err != nil || !info.IsDir() {
		t.Fatalf("parent not created: %v", err)
	}
}
