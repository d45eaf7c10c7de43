//go:build linux
// +build linux

// Package sandbox 管理每实例的私有文件系统根，并在其中受限地执行命令。
//
// 隔离通过外部的命名空间沙箱执行器 bwrap(1) 实现：实例根目录被
// bind mount 覆盖到真实的 $HOME 上，因此沙箱内进程：
//  1. 看不到真实主目录下的任何路径；
//  2. 看不到其他实例的沙箱根（它们都在真实主目录之下）；
//  3. 在沙箱内写入路径 P 的文件，进程退出后立即在宿主对应路径可见
//     （bind mount 是同一文件系统，没有延迟同步）。
package sandbox

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"

	"appcage/pkg/errdefs"
	"appcage/pkg/fileutil"
)

// 沙箱根目录下的规范子目录骨架
var skeletonDirs = []string{
	"Downloads",
	".config",
	filepath.Join(".local", "share"),
}

// 实例名约束：避免路径分隔符和隐藏目录前缀进入沙箱基目录
var namePattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_.-]*$`)

// Manager 管理一个基目录下的全部沙箱根
type Manager struct {
	// Base 是沙箱根的基目录，每个实例占用 <Base>/<name>
	Base string

	// Bwrap 是命名空间沙箱执行器的可执行文件名（默认 bwrap）
	Bwrap string

	// Hide 是除 Base 外还要在沙箱内遮蔽的宿主路径（工具状态根等）。
	// Base 与真实主目录可以在任意位置，单靠主目录 bind 遮不住它们。
	Hide []string
}

// NewManager 创建沙箱管理器。
// hide 列出额外要在沙箱内遮蔽的宿主路径。
func NewManager(base, bwrap string, hide ...string) *Manager {
	if bwrap == "" {
		bwrap = "bwrap"
	}
	return &Manager{Base: base, Bwrap: bwrap, Hide: hide}
}

// ValidateName 检查实例名是否可以安全用作目录名
func ValidateName(name string) error {
	if !namePattern.MatchString(name) {
		return fmt.Errorf("invalid instance name %q: must match %s", name, namePattern)
	}
	return nil
}

// Root 返回实例的沙箱根路径
func (m *Manager) Root(name string) string {
	return filepath.Join(m.Base, name)
}

// Exists 检查实例的沙箱根是否存在
func (m *Manager) Exists(name string) bool {
	_, err := os.Stat(m.Root(name))
	return err == nil
}

// Create 为实例分配私有文件系统根并建立规范子目录。
// 根已存在时返回 errdefs.ErrAlreadyExists。
func (m *Manager) Create(name string) error {
	if err := ValidateName(name); err != nil {
		return err
	}

	root := m.Root(name)
	if _, err := os.Stat(root); err == nil {
		return fmt.Errorf("sandbox root %s: %w", root, errdefs.ErrAlreadyExists)
	}

	if err := os.MkdirAll(root, 0755); err != nil {
		return fmt.Errorf("create sandbox root %s: %w", root, err)
	}

	for _, dir := range skeletonDirs {
		if err := fileutil.EnsureDir(filepath.Join(root, dir), 0755); err != nil {
			// 骨架创建失败时回收刚建的根，避免留下半成品
			_ = os.RemoveAll(root)
			return err
		}
	}

	return nil
}

// Destroy 删除实例的沙箱根。
// 幂等操作：根不存在时返回 nil。
func (m *Manager) Destroy(name string) error {
	if err := ValidateName(name); err != nil {
		return err
	}

	root := m.Root(name)
	if _, err := os.Stat(root); os.IsNotExist(err) {
		return nil
	}

	if err := os.RemoveAll(root); err != nil {
		return fmt.Errorf("remove sandbox root %s: %w", root, err)
	}

	return nil
}
