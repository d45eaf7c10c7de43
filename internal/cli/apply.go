package cli

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"appcage/internal/config"
	"appcage/internal/patch"
	"appcage/pkg/errdefs"

	"github.com/spf13/cobra"
)

var (
	applyWatch bool
	applyYes   bool
)

var applyCmd = &cobra.Command{
	Use:   "apply",
	Short: "以特权身份应用暂存的补丁任务",
	Long: `消费暂存队列，把补丁产物写到系统所有的目标路径。

这是延迟应用工作流的第二阶段：install 在目标不可写时只暂存
PatchJob，从不以提升的权限隐式重试。本命令必须以 root 单独
执行，一次扫描处理所有用户暂存的任务。

对每条任务：校验目标仍是此前解包过的资源 → 首次且仅首次创建
.original 备份 → 覆盖目标并保留原属主与权限位 → 任务归档。
没有目标提示的任务会探测已知的系统安装位置，写入前逐个交互
确认（--yes 跳过确认）。

示例:
  sudo appcage apply
  sudo appcage apply --watch`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if os.Geteuid() != 0 {
			return fmt.Errorf("applying staged patches writes system-owned paths, re-run with sudo: %w",
				errdefs.ErrPermissionDenied)
		}

		cfg, err := config.Load(homeDir)
		if err != nil {
			return err
		}

		// 一次扫描覆盖所有用户的暂存目录
		stageDirs, err := filepath.Glob(filepath.Join(os.TempDir(), "appcage-*", "pending"))
		if err != nil {
			return fmt.Errorf("enumerate stage directories: %w", err)
		}
		if len(stageDirs) == 0 && !applyWatch {
			fmt.Println("no staged patch jobs")
			return nil
		}

		opts := patch.ApplyOptions{
			StageDirs:     stageDirs,
			SystemTargets: cfg.SystemTargets(),
			Confirm:       confirmDest,
		}
		if applyYes {
			opts.Confirm = nil
		}

		if applyWatch {
			// watch 模式自己发现暂存目录，启动后出现的用户也被接住
			return patch.WatchStaged(cmd.Context(), opts)
		}

		applied, err := patch.ApplyStaged(opts)
		if err != nil {
			return err
		}
		fmt.Printf("applied %d patch job(s)\n", applied)
		return nil
	},
}

// confirmDest 在把补丁写到探测出的位置前询问操作者
func confirmDest(dest string) bool {
	fmt.Printf("apply staged patch to %s? [y/N] ", dest)
	reader := bufio.NewReader(os.Stdin)
	line, err := reader.ReadString('\n')
	if err != nil {
		return false
	}
	answer := strings.ToLower(strings.TrimSpace(line))
	return answer == "y" || answer == "yes"
}

func init() {
	applyCmd.Flags().BoolVar(&applyWatch, "watch", false, "监听暂存目录，新任务落盘即应用")
	applyCmd.Flags().BoolVar(&applyYes, "yes", false, "跳过对探测出的目标的交互确认")
}
