//go:build linux
// +build linux

package sandbox

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sort"

	"appcage/internal/nsprobe"
	"appcage/pkg/errdefs"

	"github.com/charmbracelet/log"
	"github.com/creack/pty"
	"golang.org/x/term"
)

// RunSpec 描述一次沙箱内执行
type RunSpec struct {
	// Argv 是要执行的命令及参数（必需，至少一个元素）
	Argv []string

	// Env 追加到沙箱进程环境的变量（KEY=VALUE）
	Env []string

	// TTY 为 true 时分配伪终端并透传当前终端
	TTY bool

	// Stdin/Stdout/Stderr 为 nil 时继承当前进程的标准流。
	// TTY 模式下忽略这三个字段。
	Stdin          io.Reader
	Stdout, Stderr io.Writer
}

// Run 在实例的私有根中受限执行命令，阻塞到子进程退出。
// 返回子进程退出码。命名空间能力不可用时返回
// errdefs.ErrNamespaceUnavailable，绝不回退为无隔离执行。
func (m *Manager) Run(name string, spec RunSpec) (int, error) {
	if len(spec.Argv) == 0 {
		return -1, fmt.Errorf("empty command for sandbox %s", name)
	}
	if err := ValidateName(name); err != nil {
		return -1, err
	}

	root := m.Root(name)
	if _, err := os.Stat(root); err != nil {
		return -1, fmt.Errorf("sandbox root %s: %w", root, err)
	}

	if !nsprobe.Check() {
		return -1, fmt.Errorf("cannot confine %v for instance %s, run `appcage setup` as root: %w",
			spec.Argv, name, errdefs.ErrNamespaceUnavailable)
	}

	bwrap, err := exec.LookPath(m.Bwrap)
	if err != nil {
		return -1, fmt.Errorf("namespace-sandboxing executor %q not found in PATH: %w", m.Bwrap, err)
	}

	realHome, err := os.UserHomeDir()
	if err != nil {
		return -1, fmt.Errorf("resolve host home directory: %w", err)
	}

	args := m.bwrapArgs(name, root, realHome, spec.Argv)
	cmd := exec.Command(bwrap, args...)
	cmd.Env = append(os.Environ(), spec.Env...)
	cmd.Env = append(cmd.Env, "HOME="+realHome)

	log.Debug("sandboxed exec", "instance", name, "argv", spec.Argv)

	if spec.TTY {
		return runWithPTY(cmd)
	}

	cmd.Stdin = spec.Stdin
	cmd.Stdout = spec.Stdout
	cmd.Stderr = spec.Stderr
	if cmd.Stdin == nil {
		cmd.Stdin = os.Stdin
	}
	if cmd.Stdout == nil {
		cmd.Stdout = os.Stdout
	}
	if cmd.Stderr == nil {
		cmd.Stderr = os.Stderr
	}

	if err := cmd.Run(); err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			return exitErr.ExitCode(), nil
		}
		return -1, fmt.Errorf("run %s %v: %w", bwrap, args, err)
	}
	return 0, nil
}

// bwrapArgs 构造 bwrap 调用参数。
//
// 隔离面：user/ipc/pid/uts namespace；文件系统视图为宿主根之上先用
// tmpfs 遮蔽沙箱基目录与 Hide 中的路径，再把实例根 bind 到真实
// $HOME。遮蔽必须独立于主目录 bind：基目录和工具状态根可以配置在
// 真实主目录之外，不遮蔽则兄弟实例的根和注册表在沙箱内可达。
// bwrap 从宿主侧解析 bind 源路径，基目录被 tmpfs 盖住不影响之后
// bind 它下面的实例根。工作目录默认为（沙箱内的）$HOME。
func (m *Manager) bwrapArgs(name, root, realHome string, argv []string) []string {
	args := []string{
		"--die-with-parent",
		"--unshare-user",
		"--unshare-ipc",
		"--unshare-pid",
		"--unshare-uts",
		"--hostname", "appcage-" + name,
		"--dev-bind", "/", "/",
	}
	for _, p := range m.maskPaths(realHome) {
		args = append(args, "--tmpfs", p)
	}
	args = append(args,
		"--bind", root, realHome,
		"--chdir", realHome,
		"--setenv", "HOME", realHome,
		"--",
	)
	return append(args, argv...)
}

// maskPaths 返回要用 tmpfs 遮蔽的宿主路径：沙箱基目录加 Hide，去重。
// 真实主目录本身不需要遮蔽——实例根随后 bind 在它之上。
func (m *Manager) maskPaths(realHome string) []string {
	candidates := append([]string{m.Base}, m.Hide...)

	var masks []string
	seen := map[string]bool{}
	for _, p := range candidates {
		if p == "" {
			continue
		}
		p = filepath.Clean(p)
		if p == "/" || p == realHome || seen[p] {
			continue
		}
		seen[p] = true
		masks = append(masks, p)
	}
	sort.Strings(masks)
	return masks
}

// runWithPTY 在伪终端中运行命令并透传当前终端。
// 当前终端切换到 raw 模式，退出时恢复。
func runWithPTY(cmd *exec.Cmd) (int, error) {
	ptmx, err := pty.Start(cmd)
	if err != nil {
		return -1, fmt.Errorf("start with pty: %w", err)
	}
	defer ptmx.Close()

	// 跟随外层终端的尺寸
	if err := pty.InheritSize(os.Stdin, ptmx); err != nil {
		log.Debug("inherit pty size", "err", err)
	}

	oldState, err := term.MakeRaw(int(os.Stdin.Fd()))
	if err == nil {
		defer term.Restore(int(os.Stdin.Fd()), oldState)
	}

	go func() {
		_, _ = io.Copy(ptmx, os.Stdin)
	}()
	_, _ = io.Copy(os.Stdout, ptmx)

	if err := cmd.Wait(); err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			return exitErr.ExitCode(), nil
		}
		return -1, err
	}
	return 0, nil
}
