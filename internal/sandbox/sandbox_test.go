//go:build linux
// +build linux

package sandbox

import (
	"bytes"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"appcage/internal/nsprobe"
	"appcage/pkg/errdefs"
)

func TestValidateName(t *testing.T) {
	for _, name := range []string{"work", "a", "team-2", "v1.2_x", "A.B-c"} {
		if err := ValidateName(name); err != nil {
			t.Fatalf("valid name %q rejected: %v", name, err)
		}
	}
	for _, name := range []string{"", ".hidden", "-flag", "a/b", "a b", "../up"} {
		if err := ValidateName(name); err == nil {
			t.Fatalf("invalid name %q accepted", name)
		}
	}
}

func TestCreateAndDestroy(t *testing.T) {
	m := NewManager(t.TempDir(), "")

	if err := m.Create("work"); err != nil {
		t.Fatalf("create: %v", err)
	}
	if !m.Exists("work") {
		t.Fatalf("sandbox root missing after create")
	}
	for _, dir := range []string{"Downloads", ".config", ".local/share"} {
		info, err := os.Stat(filepath.Join(m.Root("work"), dir))
		if err != nil || !info.IsDir() {
			t.Fatalf("skeleton directory %s missing: %v", dir, err)
		}
	}

	if err := m.Create("work"); !errors.Is(err, errdefs.ErrAlreadyExists) {
		t.Fatalf("expected ErrAlreadyExists, got %v", err)
	}

	if err := m.Destroy("work"); err != nil {
		t.Fatalf("destroy: %v", err)
	}
	if m.Exists("work") {
		t.Fatalf("sandbox root survived destroy")
	}
	if err := m.Destroy("work"); err != nil {
		t.Fatalf("second destroy should be idempotent: %v", err)
	}
}

func TestRunMissingSandbox(t *testing.T) {
	m := NewManager(t.TempDir(), "")
	if _, err := m.Run("ghost", RunSpec{Argv: []string{"true"}}); err == nil {
		t.Fatalf("expected error for missing sandbox root")
	}
}

func TestRunEmptyArgv(t *testing.T) {
	m := NewManager(t.TempDir(), "")
	if _, err := m.Run("work", RunSpec{}); err == nil {
		t.Fatalf("expected error for empty argv")
	}
}

// requireIsolation 跳过无法实际执行 bwrap 的环境
func requireIsolation(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("bwrap"); err != nil {
		t.Skip("bwrap not installed")
	}
	if !nsprobe.Check() {
		t.Skip("user namespaces unavailable")
	}
}

func TestRunHomeIsolation(t *testing.T) {
	requireIsolation(t)
	m := NewManager(t.TempDir(), "")
	if err := m.Create("work"); err != nil {
		t.Fatalf("create: %v", err)
	}

	// 沙箱内写 $HOME，退出后宿主端沙箱根立即可见
	code, err := m.Run("work", RunSpec{
		Argv:   []string{"sh", "-c", `echo isolated > "$HOME/probe.txt"`},
		Stdout: new(bytes.Buffer),
		Stderr: new(bytes.Buffer),
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if code != 0 {
		t.Fatalf("exit code %d", code)
	}

	data, err := os.ReadFile(filepath.Join(m.Root("work"), "probe.txt"))
	if err != nil {
		t.Fatalf("write did not land in sandbox root: %v", err)
	}
	if strings.TrimSpace(string(data)) != "isolated" {
		t.Fatalf("unexpected content: %q", data)
	}
}

// 基目录在真实主目录之外时，兄弟实例的根在沙箱内必须不可达
func TestRunSiblingRootHidden(t *testing.T) {
	requireIsolation(t)
	m := NewManager(t.TempDir(), "")
	for _, name := range []string{"work", "other"} {
		if err := m.Create(name); err != nil {
			t.Fatalf("create %s: %v", name, err)
		}
	}
	secret := filepath.Join(m.Root("other"), "secret.txt")
	if err := os.WriteFile(secret, []byte("x"), 0644); err != nil {
		t.Fatalf("write sibling file: %v", err)
	}

	code, err := m.Run("work", RunSpec{
		Argv:   []string{"test", "-e", secret},
		Stdout: new(bytes.Buffer),
		Stderr: new(bytes.Buffer),
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if code == 0 {
		t.Fatalf("sibling sandbox root visible inside the sandbox")
	}
}

// Hide 列出的宿主路径（工具状态根）在沙箱内必须不可达
func TestRunHiddenPaths(t *testing.T) {
	requireIsolation(t)

	state := t.TempDir()
	marker := filepath.Join(state, "registry.json")
	if err := os.WriteFile(marker, []byte("{}"), 0644); err != nil {
		t.Fatalf("write marker: %v", err)
	}

	m := NewManager(t.TempDir(), "", state)
	if err := m.Create("work"); err != nil {
		t.Fatalf("create: %v", err)
	}

	code, err := m.Run("work", RunSpec{
		Argv:   []string{"test", "-e", marker},
		Stdout: new(bytes.Buffer),
		Stderr: new(bytes.Buffer),
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if code == 0 {
		t.Fatalf("hidden host path %s visible inside the sandbox", marker)
	}
}

func TestRunExitCodePassthrough(t *testing.T) {
	requireIsolation(t)
	m := NewManager(t.TempDir(), "")
	if err := m.Create("work"); err != nil {
		t.Fatalf("create: %v", err)
	}

	code, err := m.Run("work", RunSpec{
		Argv:   []string{"sh", "-c", "exit 7"},
		Stdout: new(bytes.Buffer),
		Stderr: new(bytes.Buffer),
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if code != 7 {
		t.Fatalf("exit code %d, want 7", code)
	}
}

func TestBwrapArgs(t *testing.T) {
	m := NewManager("/base", "bwrap", "/state")
	args := m.bwrapArgs("work", "/base/work", "/home/user", []string{"sh", "-c", "true"})

	joined := strings.Join(args, " ")
	for _, want := range []string{
		"--unshare-user", "--unshare-ipc", "--unshare-pid", "--unshare-uts",
		"--hostname appcage-work",
		"--tmpfs /base",
		"--tmpfs /state",
		"--bind /base/work /home/user",
		"--chdir /home/user",
		"--setenv HOME /home/user",
	} {
		if !strings.Contains(joined, want) {
			t.Fatalf("missing %q in %s", want, joined)
		}
	}

	// 遮蔽必须先于主目录 bind，否则基目录在主目录外时兄弟根仍可达
	if strings.Index(joined, "--tmpfs /base") > strings.Index(joined, "--bind") {
		t.Fatalf("mask mounted after home bind: %s", joined)
	}

	// 命令部分必须在 -- 之后，防止参数注入
	sep := -1
	for i, a := range args {
		if a == "--" {
			sep = i
			break
		}
	}
	if sep == -1 || args[sep+1] != "sh" {
		t.Fatalf("argv not after separator: %v", args)
	}
}

func TestMaskPaths(t *testing.T) {
	m := NewManager("/base", "bwrap", "/state", "/state", "", "/", "/home/user")
	masks := m.maskPaths("/home/user")

	if len(masks) != 2 || masks[0] != "/base" || masks[1] != "/state" {
		t.Fatalf("unexpected masks: %v", masks)
	}
}
