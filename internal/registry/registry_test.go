//go:build linux
// +build linux

package registry

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"appcage/pkg/errdefs"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	return NewStore(filepath.Join(t.TempDir(), "registry.json"))
}

func TestAddAndGet(t *testing.T) {
	store := newTestStore(t)

	added, err := store.Add("alpha", "deb", "/sandboxes/alpha")
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	if added.State != StateRegistered {
		t.Fatalf("expected state registered, got %s", added.State)
	}

	got, err := store.Get("alpha")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Kind != "deb" || got.SandboxPath != "/sandboxes/alpha" {
		t.Fatalf("unexpected instance: %+v", got)
	}
	if got.CreatedAt.IsZero() {
		t.Fatalf("created_at not set")
	}
}

func TestAddDuplicate(t *testing.T) {
	store := newTestStore(t)

	if _, err := store.Add("alpha", "deb", "/sandboxes/alpha"); err != nil {
		t.Fatalf("first add: %v", err)
	}

	if _, err := store.Add("alpha", "raw", "/sandboxes/alpha"); !errors.Is(err, errdefs.ErrDuplicateInstance) {
		t.Fatalf("expected ErrDuplicateInstance, got %v", err)
	}

	// 重复注册不得改变注册表内容
	instances, err := store.List()
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(instances) != 1 {
		t.Fatalf("expected 1 instance, got %d", len(instances))
	}
	if instances[0].Kind != "deb" {
		t.Fatalf("duplicate add modified existing entry: %+v", instances[0])
	}
}

func TestGetNotFound(t *testing.T) {
	store := newTestStore(t)

	if _, err := store.Get("missing"); !errors.Is(err, errdefs.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestRemoveIdempotent(t *testing.T) {
	store := newTestStore(t)

	if _, err := store.Add("alpha", "deb", "/sandboxes/alpha"); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := store.Remove("alpha"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if err := store.Remove("alpha"); err != nil {
		t.Fatalf("second remove should be idempotent: %v", err)
	}
	if _, err := store.Get("alpha"); !errors.Is(err, errdefs.ErrNotFound) {
		t.Fatalf("expected ErrNotFound after remove, got %v", err)
	}
}

func TestUpdateState(t *testing.T) {
	store := newTestStore(t)

	if _, err := store.Add("alpha", "deb", "/sandboxes/alpha"); err != nil {
		t.Fatalf("add: %v", err)
	}

	if err := store.Update("alpha", func(i *Instance) error {
		i.State = StateReady
		return nil
	}); err != nil {
		t.Fatalf("update: %v", err)
	}

	got, err := store.Get("alpha")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.State != StateReady {
		t.Fatalf("expected state ready, got %s", got.State)
	}

	if err := store.Update("missing", func(i *Instance) error { return nil }); !errors.Is(err, errdefs.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestListSorted(t *testing.T) {
	store := newTestStore(t)

	for _, name := range []string{"charlie", "alpha", "bravo"} {
		if _, err := store.Add(name, "deb", "/sandboxes/"+name); err != nil {
			t.Fatalf("add %s: %v", name, err)
		}
	}

	instances, err := store.List()
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	want := []string{"alpha", "bravo", "charlie"}
	for i, name := range want {
		if instances[i].Name != name {
			t.Fatalf("expected %v, got %s at %d", want, instances[i].Name, i)
		}
	}
}

// 未知字段必须在重写时原样保留——文档级和实例级都要
func TestUnknownFieldsPreserved(t *testing.T) {
	path := filepath.Join(t.TempDir(), "registry.json")
	seed := `{
  "schema_version": 3,
  "instances": {
    "alpha": {
      "package_kind": "deb",
      "state": "ready",
      "created_at": "2025-06-01T12:00:00Z",
      "sandbox_path": "/sandboxes/alpha",
      "future_field": {"nested": true}
    }
  }
}`
	if err := os.WriteFile(path, []byte(seed), 0644); err != nil {
		t.Fatalf("seed registry: %v", err)
	}

	store := NewStore(path)

	// 触发一次完整的读-改-写
	if _, err := store.Add("bravo", "raw", "/sandboxes/bravo"); err != nil {
		t.Fatalf("add: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read back: %v", err)
	}

	var top map[string]json.RawMessage
	if err := json.Unmarshal(data, &top); err != nil {
		t.Fatalf("parse rewritten registry: %v", err)
	}
	if _, ok := top["schema_version"]; !ok {
		t.Fatalf("document-level unknown field dropped, got keys %v", keys(top))
	}

	var instances map[string]map[string]json.RawMessage
	if err := json.Unmarshal(top["instances"], &instances); err != nil {
		t.Fatalf("parse instances: %v", err)
	}
	if _, ok := instances["alpha"]["future_field"]; !ok {
		t.Fatalf("instance-level unknown field dropped, got keys %v", keys(instances["alpha"]))
	}
	if string(instances["alpha"]["package_kind"]) != `"deb"` {
		t.Fatalf("known field corrupted: %s", instances["alpha"]["package_kind"])
	}
}

func keys[V any](m map[string]V) []string {
	var out []string
	for k := range m {
		out = append(out, k)
	}
	return out
}
