package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rmCmd = &cobra.Command{
	Use:   "rm NAME [NAME...]",
	Short: "删除实例",
	Long: `删除一个或多个实例。

先尽力而为地在沙箱内执行卸载步骤，然后无条件清理：丢弃该实例
的暂存补丁、删除注册表项、销毁沙箱根。卸载步骤的失败不会阻塞
清理。

示例:
  appcage rm work
  appcage rm work personal`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		manager, err := newManager()
		if err != nil {
			return err
		}

		hasError := false
		for _, name := range args {
			if err := manager.Remove(name); err != nil {
				fmt.Fprintf(os.Stderr, "Error removing %s: %v\n", name, err)
				hasError = true
			} else {
				fmt.Println(name)
			}
		}

		if hasError {
			os.Exit(1)
		}
		return nil
	},
}
