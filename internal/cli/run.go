package cli

import (
	"os"

	"appcage/internal/sandbox"

	"github.com/spf13/cobra"
)

var runTTY bool

var runCmd = &cobra.Command{
	Use:   "run NAME -- COMMAND [ARG...]",
	Short: "在实例的沙箱内执行命令",
	Long: `在实例的私有文件系统根内受限执行命令。

命令的文件系统视图被限制在实例的沙箱根：实例根被绑定为命令
看到的 $HOME，工作目录默认为该根。命名空间能力不可用时拒绝
执行，绝不回退为无隔离执行。

退出码透传子进程。

示例:
  appcage run work -- sh -c 'ls ~'
  appcage run work -t -- bash`,
	Args: cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		manager, err := newManager()
		if err != nil {
			return err
		}

		code, err := manager.Sandbox.Run(args[0], sandbox.RunSpec{
			Argv: args[1:],
			TTY:  runTTY,
		})
		if err != nil {
			return err
		}
		if code != 0 {
			os.Exit(code)
		}
		return nil
	},
}

func init() {
	runCmd.Flags().BoolVarP(&runTTY, "tty", "t", false, "分配伪终端")
}
