package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

var createCmd = &cobra.Command{
	Use:   "create NAME",
	Short: "创建一个新实例",
	Long: `创建一个新实例：分配私有沙箱根并登记进注册表。

注册失败时刚建的沙箱根会被回滚，不留孤儿目录。

示例:
  appcage create work
  appcage create personal`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		manager, err := newManager()
		if err != nil {
			return err
		}

		inst, err := manager.Create(args[0])
		if err != nil {
			return err
		}

		fmt.Printf("%s\t%s\n", inst.Name, inst.SandboxPath)
		return nil
	},
}
