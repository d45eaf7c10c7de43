//go:build linux
// +build linux

// Package nsprobe 探测并启用非特权用户命名空间能力。
//
// 沙箱执行依赖内核允许普通用户创建 user namespace。不同发行版
// 通过不同的 sysctl 开关控制这一能力：
//   - Debian 系：kernel.unprivileged_userns_clone（0 禁用 / 1 启用）
//   - Ubuntu 24.04+：kernel.apparmor_restrict_unprivileged_userns（1 限制 / 0 放开）
//
// 两个开关都不存在时退回实际探测（unshare -Ur true）。
package nsprobe

import (
	"fmt"
	"os"
	"os/exec"
	"strings"

	"appcage/pkg/errdefs"

	"github.com/charmbracelet/log"
)

// sysctl 开关对应的 /proc 路径
const (
	usernsCloneProc    = "/proc/sys/kernel/unprivileged_userns_clone"
	apparmorUsernsProc = "/proc/sys/kernel/apparmor_restrict_unprivileged_userns"
)

// sysctl.d 持久化配置文件
const sysctlDropIn = "/etc/sysctl.d/99-appcage-userns.conf"

// Check 报告当前用户能否创建命名空间隔离的进程。
// 只读探测，不修改任何系统状态。
func Check() bool {
	// Debian 系开关：0 表示明确禁用
	if v, ok := readProcValue(usernsCloneProc); ok {
		if v == "0" {
			return false
		}
	}

	// Ubuntu 24.04+ 的 AppArmor 限制：1 表示非特权 userns 被限制，
	// bwrap 这类依赖完整能力的沙箱会失败
	if v, ok := readProcValue(apparmorUsernsProc); ok {
		if v == "1" {
			return false
		}
		return true
	}

	// 到这里：没有开关明确禁用。若 clone 开关存在且为 1，视为可用。
	if v, ok := readProcValue(usernsCloneProc); ok {
		return v == "1"
	}

	// 两个开关都不存在：实际试一次
	return probeUnshare()
}

// RequestEnable 持久化开启非特权命名空间创建。
// 需要以 root 运行；配置写入 sysctl.d 并立即生效，效果在进程退出后保持。
// 已启用时幂等返回 nil。
func RequestEnable() error {
	if Check() {
		log.Info("unprivileged user namespaces already enabled")
		return nil
	}

	if os.Geteuid() != 0 {
		return fmt.Errorf("enabling unprivileged user namespaces requires root, re-run with sudo: %w",
			errdefs.ErrPermissionDenied)
	}

	// 优先处理存在的那个开关
	if _, ok := readProcValue(usernsCloneProc); ok {
		return enableSysctl(usernsCloneProc, "kernel.unprivileged_userns_clone", "1")
	}
	if _, ok := readProcValue(apparmorUsernsProc); ok {
		return enableSysctl(apparmorUsernsProc, "kernel.apparmor_restrict_unprivileged_userns", "0")
	}

	return fmt.Errorf("no kernel switch for unprivileged user namespaces on this host: %w",
		errdefs.ErrUnsupportedPlatform)
}

// enableSysctl 写入持久化配置并立即应用
func enableSysctl(procPath, key, value string) error {
	line := fmt.Sprintf("%s=%s\n", key, value)
	if err := os.WriteFile(sysctlDropIn, []byte(line), 0644); err != nil {
		return fmt.Errorf("persist sysctl drop-in %s: %w", sysctlDropIn, err)
	}

	// 立即生效：直接写 /proc，不依赖 sysctl(8) 是否安装
	if err := os.WriteFile(procPath, []byte(value), 0644); err != nil {
		return fmt.Errorf("apply sysctl %s=%s: %w", key, value, err)
	}

	log.Info("enabled unprivileged user namespaces", "sysctl", key, "persisted", sysctlDropIn)
	return nil
}

// readProcValue 读取并修剪一个 /proc/sys 值。
// 第二个返回值表示该开关是否存在。
func readProcValue(path string) (string, bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", false
	}
	return strings.TrimSpace(string(data)), true
}

// probeUnshare 通过短命子进程实际验证 userns 创建。
// 不能在本进程内直接 unshare(CLONE_NEWUSER)：Go 运行时早已多线程。
func probeUnshare() bool {
	unshare, err := exec.LookPath("unshare")
	if err != nil {
		// 退而求其次：userns 文件存在说明内核编译了该特性
		_, statErr := os.Stat("/proc/self/ns/user")
		return statErr == nil
	}
	return exec.Command(unshare, "-Ur", "true").Run() == nil
}
