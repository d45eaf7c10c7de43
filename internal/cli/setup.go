package cli

import (
	"fmt"

	"appcage/internal/nsprobe"

	"github.com/spf13/cobra"
)

var setupCheck bool

var setupCmd = &cobra.Command{
	Use:   "setup",
	Short: "启用非特权命名空间创建（需要 root）",
	Long: `持久化开启非特权用户命名空间创建。

沙箱执行依赖这一内核能力。配置写入 /etc/sysctl.d 并立即生效，
重启后保持。已启用时本命令幂等成功。

本工具从不自提权：没有 root 时报错并提示用 sudo 重新执行。

示例:
  appcage setup --check   # 只探测，不修改
  sudo appcage setup`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if setupCheck {
			if nsprobe.Check() {
				fmt.Println("unprivileged user namespaces: enabled")
				return nil
			}
			fmt.Println("unprivileged user namespaces: disabled (run `sudo appcage setup`)")
			return nil
		}

		if err := nsprobe.RequestEnable(); err != nil {
			return err
		}
		fmt.Println("unprivileged user namespaces enabled")
		return nil
	},
}

func init() {
	setupCmd.Flags().BoolVar(&setupCheck, "check", false, "只探测当前能力，不做修改")
}
