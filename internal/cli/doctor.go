package cli

import (
	"fmt"
	"os"

	"appcage/internal/diagnose"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"
)

var doctorCmd = &cobra.Command{
	Use:   "doctor NAME",
	Short: "在沙箱内运行隔离验证探针",
	Long: `对一个实例执行固定的隔离验证探针序列：

  - 命名空间创建能力
  - 真实宿主主目录在沙箱内不可达
  - 其他实例的沙箱根在沙箱内不可达
  - 写回环：沙箱内写入的文件在宿主对应路径立即可见

任一探针失败时退出码为 1。`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		manager, err := newManager()
		if err != nil {
			return err
		}

		collector := &diagnose.Collector{
			Sandbox:      manager.Sandbox,
			Registry:     manager.Registry,
			RegistryPath: manager.Config.RegistryPath(),
		}

		report, err := collector.Run(args[0])
		if err != nil {
			return err
		}

		// 写回环探针的工件由调用方清理
		if report.Artifact != "" {
			defer func() {
				if err := os.Remove(report.Artifact); err != nil {
					log.Warn("remove diagnostic artifact", "path", report.Artifact, "err", err)
				}
			}()
		}

		for _, probe := range report.Probes {
			status := "PASS"
			if !probe.Passed {
				status = "FAIL"
			}
			if probe.Detail != "" {
				fmt.Printf("%-4s %-22s %s\n", status, probe.Name, probe.Detail)
			} else {
				fmt.Printf("%-4s %s\n", status, probe.Name)
			}
		}

		if !report.AllPassed() {
			os.Exit(1)
		}
		return nil
	},
}
