//go:build !linux
// +build !linux

package nsprobe

import (
	"fmt"
	"runtime"

	"appcage/pkg/errdefs"
)

// Check 报告当前用户能否创建命名空间隔离的进程。（仅支持 Linux）
func Check() bool { return false }

// RequestEnable 持久化开启非特权命名空间创建。（仅支持 Linux）
func RequestEnable() error {
	return fmt.Errorf("user namespaces are only supported on Linux (current OS: %s): %w",
		runtime.GOOS, errdefs.ErrUnsupportedPlatform)
}
