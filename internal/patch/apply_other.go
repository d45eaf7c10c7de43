//go:build !linux
// +build !linux

package patch

import (
	"context"
	"fmt"
	"runtime"
)

// ApplyOptions 配置一次特权 apply 扫描
type ApplyOptions struct {
	StageDirs     []string
	WatchRoot     string
	DoneDir       string
	SystemTargets []string
	Confirm       func(dest string) bool
}

func errUnsupported() error {
	return fmt.Errorf("patch apply is only supported on Linux (current OS: %s)", runtime.GOOS)
}

// Apply 把补丁产物送达目标路径。（仅支持 Linux）
func (e *Engine) Apply(instance, source, patched, dest string) (*Job, error) {
	return nil, errUnsupported()
}

// ApplyStaged 以特权身份消费暂存队列。（仅支持 Linux）
func ApplyStaged(opts ApplyOptions) (int, error) { return 0, errUnsupported() }

// WatchStaged 监听暂存目录并处理新任务。（仅支持 Linux）
func WatchStaged(ctx context.Context, opts ApplyOptions) error { return errUnsupported() }
