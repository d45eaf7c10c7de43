//go:build integration && linux
// +build integration,linux

package integration

import (
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
)

// 测试环境要求：
// - Linux 内核
// - 沙箱执行相关的测试额外需要 bwrap 和可用的非特权 user namespace，
//   缺失时跳过

var appcageBin string

func TestMain(m *testing.M) {
	// 非 Linux 环境直接跳过全部测试
	if runtime.GOOS != "linux" {
		os.Exit(0)
	}

	projectRoot := findProjectRoot()

	// 始终构建一个新的二进制文件，避免误用旧产物导致测试“假通过”。
	tmpDir, err := os.MkdirTemp("", "appcage-test-*")
	if err != nil {
		panic("failed to create temp dir: " + err.Error())
	}
	appcageBin = filepath.Join(tmpDir, "appcage")

	buildCmd := exec.Command("go", "build", "-o", appcageBin, "./cmd/appcage")
	buildCmd.Dir = projectRoot
	if out, err := buildCmd.CombinedOutput(); err != nil {
		_ = os.RemoveAll(tmpDir)
		panic("failed to build appcage: " + err.Error() + "\n" + string(out))
	}

	code := m.Run()
	_ = os.RemoveAll(tmpDir)
	os.Exit(code)
}

func findProjectRoot() string {
	// 向上遍历目录树以查找 go.mod
	dir, _ := os.Getwd()
	for {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			// 到达根目录，放弃
			return "."
		}
		dir = parent
	}
}

// appcage 以独立的 home 运行一次命令
func appcage(t *testing.T, home string, args ...string) (string, error) {
	t.Helper()
	cmd := exec.Command(appcageBin, append([]string{"--home", home}, args...)...)
	out, err := cmd.CombinedOutput()
	return string(out), err
}

func canSandbox(t *testing.T) bool {
	t.Helper()
	if _, err := exec.LookPath("bwrap"); err != nil {
		return false
	}
	probe := exec.Command("unshare", "-Ur", "true")
	return probe.Run() == nil
}

// TestCreateListRemove 覆盖基本生命周期：create → ls → rm
func TestCreateListRemove(t *testing.T) {
	home := t.TempDir()

	if out, err := appcage(t, home, "create", "work"); err != nil {
		t.Fatalf("create failed: %v\nOutput: %s", err, out)
	}

	// 沙箱根和骨架目录已建立
	root := filepath.Join(home, "sandboxes", "work")
	for _, dir := range []string{"Downloads", ".config", ".local/share"} {
		if _, err := os.Stat(filepath.Join(root, dir)); err != nil {
			t.Fatalf("skeleton %s missing: %v", dir, err)
		}
	}

	out, err := appcage(t, home, "ls")
	if err != nil {
		t.Fatalf("ls failed: %v\nOutput: %s", err, out)
	}
	if !strings.Contains(out, "work") || !strings.Contains(out, "registered") {
		t.Fatalf("ls does not show the new instance:\n%s", out)
	}

	if out, err := appcage(t, home, "rm", "work"); err != nil {
		t.Fatalf("rm failed: %v\nOutput: %s", err, out)
	}
	if _, err := os.Stat(root); !os.IsNotExist(err) {
		t.Fatalf("sandbox root survived rm")
	}

	out, _ = appcage(t, home, "ls")
	if strings.Contains(out, "work") {
		t.Fatalf("removed instance still listed:\n%s", out)
	}
}

// TestCreateDuplicate 测试重名创建的失败路径
func TestCreateDuplicate(t *testing.T) {
	home := t.TempDir()

	if out, err := appcage(t, home, "create", "work"); err != nil {
		t.Fatalf("create failed: %v\nOutput: %s", err, out)
	}
	if _, err := appcage(t, home, "create", "work"); err == nil {
		t.Fatalf("duplicate create should fail")
	}
}

// TestRemoveUnknown 测试删除不存在实例时的非零退出
func TestRemoveUnknown(t *testing.T) {
	home := t.TempDir()
	if _, err := appcage(t, home, "rm", "ghost"); err == nil {
		t.Fatalf("rm of unknown instance should exit non-zero")
	}
}

// TestRunIsolation 验证沙箱执行的主目录隔离
func TestRunIsolation(t *testing.T) {
	if !canSandbox(t) {
		t.Skip("bwrap or user namespaces unavailable")
	}
	home := t.TempDir()

	if out, err := appcage(t, home, "create", "work"); err != nil {
		t.Fatalf("create failed: %v\nOutput: %s", err, out)
	}

	// 沙箱内写 $HOME，宿主端必须落在沙箱根里
	if out, err := appcage(t, home, "run", "work", "--", "sh", "-c", `echo isolated > "$HOME/probe.txt"`); err != nil {
		t.Fatalf("run failed: %v\nOutput: %s", err, out)
	}

	data, err := os.ReadFile(filepath.Join(home, "sandboxes", "work", "probe.txt"))
	if err != nil {
		t.Fatalf("file not visible in sandbox root: %v", err)
	}
	if strings.TrimSpace(string(data)) != "isolated" {
		t.Fatalf("unexpected content: %q", data)
	}

	// 真实主目录里的文件在沙箱内不可见
	marker := filepath.Join(home, "registry.json")
	if _, err := appcage(t, home, "run", "work", "--", "test", "-e", marker); err == nil {
		t.Fatalf("host path %s visible inside sandbox", marker)
	}
}

// TestRunExitCode 验证退出码透传
func TestRunExitCode(t *testing.T) {
	if !canSandbox(t) {
		t.Skip("bwrap or user namespaces unavailable")
	}
	home := t.TempDir()

	if out, err := appcage(t, home, "create", "work"); err != nil {
		t.Fatalf("create failed: %v\nOutput: %s", err, out)
	}

	_, err := appcage(t, home, "run", "work", "--", "sh", "-c", "exit 7")
	exitErr, ok := err.(*exec.ExitError)
	if !ok {
		t.Fatalf("expected exit error, got %v", err)
	}
	if exitErr.ExitCode() != 7 {
		t.Fatalf("exit code %d, want 7", exitErr.ExitCode())
	}
}

// TestDoctor 对新实例运行诊断探针
func TestDoctor(t *testing.T) {
	if !canSandbox(t) {
		t.Skip("bwrap or user namespaces unavailable")
	}
	home := t.TempDir()

	if out, err := appcage(t, home, "create", "work"); err != nil {
		t.Fatalf("create failed: %v\nOutput: %s", err, out)
	}

	out, err := appcage(t, home, "doctor", "work")
	if err != nil {
		t.Fatalf("doctor failed: %v\nOutput: %s", err, out)
	}
	if strings.Contains(out, "FAIL") {
		t.Fatalf("doctor reported failing probes:\n%s", out)
	}

	// 写回环探针的工件必须被清理掉
	entries, err := os.ReadDir(filepath.Join(home, "sandboxes", "work"))
	if err != nil {
		t.Fatalf("read sandbox root: %v", err)
	}
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), ".diagnose-") {
			t.Fatalf("diagnostic artifact %s left behind", e.Name())
		}
	}
}

// TestSetupCheck 验证只读探测模式不修改系统状态
func TestSetupCheck(t *testing.T) {
	home := t.TempDir()
	// 退出码依赖宿主内核配置，这里只要求命令本身可执行
	out, _ := appcage(t, home, "setup", "--check")
	if strings.TrimSpace(out) == "" {
		t.Fatalf("setup --check produced no output")
	}
}

// TestApplyRequiresRoot 验证特权 apply 的身份检查
func TestApplyRequiresRoot(t *testing.T) {
	if os.Geteuid() == 0 {
		t.Skip("running as root")
	}
	home := t.TempDir()
	if out, err := appcage(t, home, "apply"); err == nil {
		t.Fatalf("apply as non-root should fail\nOutput: %s", out)
	}
}
