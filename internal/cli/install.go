package cli

import (
	"fmt"

	"appcage/internal/extract"
	"appcage/internal/lifecycle"

	"github.com/spf13/cobra"
)

var (
	installKind string
	installURL  string
)

var installCmd = &cobra.Command{
	Use:   "install NAME",
	Short: "下载、补丁并部署应用到实例",
	Long: `运行 下载 → 提取 → 补丁 → 部署 流水线。

安装器从配置的地址（或 --url）下载，逐层解开外层容器与内层
供应商包，对入口文件前置行为覆盖块后重新打包，部署进实例的
沙箱根。失败的安装把实例置为 broken，重跑本命令即重试。

示例:
  appcage install work
  appcage install work --kind raw --url https://example.com/bundle.tar.gz`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		kind, err := extract.ParseKind(installKind)
		if err != nil {
			return err
		}

		manager, err := newManager()
		if err != nil {
			return err
		}

		if err := manager.Install(cmd.Context(), args[0], lifecycle.InstallOptions{
			Kind: kind,
			URL:  installURL,
		}); err != nil {
			return err
		}

		fmt.Println(args[0])
		return nil
	},
}

func init() {
	installCmd.Flags().StringVar(&installKind, "kind", "deb", "包形态（deb 或 raw）")
	installCmd.Flags().StringVar(&installURL, "url", "", "覆盖配置中的安装器下载地址")
}
