package cli

import (
	"fmt"
	"os"

	"appcage/internal/config"
	"appcage/internal/lifecycle"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"
)

var (
	// 版本信息
	Version = "0.1.0"

	// 全局标志
	// homeDir 是工具状态根目录
	// 默认值：$APPCAGE_HOME 环境变量，或 ~/.appcage
	homeDir string

	// verbose 打开调试日志
	verbose bool
)

var rootCmd = &cobra.Command{
	Use:   "appcage",
	Short: "管理同一桌面应用的多个沙箱实例",
	Long: `appcage 在一台主机上管理同一个桌面应用的多个相互隔离的安装实例。

每个实例拥有：
  - 一个私有文件系统根，通过命名空间沙箱 (bwrap) 绑定为实例的 $HOME
  - 一份打过补丁的应用包，窗口标题携带实例名
  - 注册表中的一条持久化记录

典型流程：
  appcage create work
  appcage install work --kind deb
  appcage run work -- vantage-desktop
  appcage doctor work`,
	SilenceUsage:  true,
	SilenceErrors: true,
	Version:       Version,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if verbose {
			log.SetLevel(log.DebugLevel)
		}
	},
}

// Execute 运行根命令
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.AddCommand(createCmd)
	rootCmd.AddCommand(installCmd)
	rootCmd.AddCommand(lsCmd)
	rootCmd.AddCommand(rmCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(doctorCmd)
	rootCmd.AddCommand(setupCmd)
	rootCmd.AddCommand(applyCmd)

	rootCmd.PersistentFlags().StringVar(&homeDir, "home", "",
		"工具状态根目录（默认: $APPCAGE_HOME 或 ~/.appcage）")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false,
		"输出调试日志")
}

// newManager 加载配置并组装生命周期管理器
func newManager() (*lifecycle.Manager, error) {
	cfg, err := config.Load(homeDir)
	if err != nil {
		return nil, fmt.Errorf("load configuration: %w", err)
	}
	return lifecycle.NewManager(cfg), nil
}
