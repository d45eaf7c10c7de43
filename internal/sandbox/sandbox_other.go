//go:build !linux
// +build !linux

package sandbox

import (
	"fmt"
	"io"
	"runtime"
)

// Manager 管理一个基目录下的全部沙箱根。（仅支持 Linux）
type Manager struct {
	Base  string
	Bwrap string
	Hide  []string
}

// RunSpec 描述一次沙箱内执行
type RunSpec struct {
	Argv           []string
	Env            []string
	TTY            bool
	Stdin          io.Reader
	Stdout, Stderr io.Writer
}

// NewManager 创建沙箱管理器
func NewManager(base, bwrap string, hide ...string) *Manager {
	return &Manager{Base: base, Bwrap: bwrap, Hide: hide}
}

func errUnsupported() error {
	return fmt.Errorf("sandboxing is only supported on Linux (current OS: %s)", runtime.GOOS)
}

// ValidateName 检查实例名是否可以安全用作目录名
func ValidateName(name string) error { return nil }

// Root 返回实例的沙箱根路径
func (m *Manager) Root(name string) string { return "" }

// Exists 检查实例的沙箱根是否存在
func (m *Manager) Exists(name string) bool { return false }

// Create 为实例分配私有文件系统根。（仅支持 Linux）
func (m *Manager) Create(name string) error { return errUnsupported() }

// Destroy 删除实例的沙箱根。（仅支持 Linux）
func (m *Manager) Destroy(name string) error { return errUnsupported() }

// Run 在实例的私有根中受限执行命令。（仅支持 Linux）
func (m *Manager) Run(name string, spec RunSpec) (int, error) { return -1, errUnsupported() }
