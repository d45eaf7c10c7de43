// Package diagnose 在沙箱内执行固定的隔离验证探针序列。
//
// 除了写回环探针留下的工件（路径随报告返回，由调用方清理），
// 探针不改变任何状态。
package diagnose

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"appcage/internal/nsprobe"
	"appcage/internal/registry"
	"appcage/internal/sandbox"

	"github.com/google/uuid"
)

// Probe 是单个探针的结果
type Probe struct {
	// Name 标识探针
	Name string

	Passed bool

	// Detail 是失败时捕获的错误文本，或补充说明
	Detail string
}

// Report 是一次诊断运行的结果
type Report struct {
	Instance string
	Probes   []Probe

	// Artifact 是写回环探针在宿主侧留下的文件路径，调用方负责删除
	Artifact string
}

// AllPassed 报告是否全部探针通过
func (r *Report) AllPassed() bool {
	for _, p := range r.Probes {
		if !p.Passed {
			return false
		}
	}
	return true
}

// Collector 执行诊断探针
type Collector struct {
	Sandbox  *sandbox.Manager
	Registry *registry.Store

	// RegistryPath 是注册表文档的宿主路径，用作"真实主目录可达性"
	// 探针的已知存在文件
	RegistryPath string
}

// Run 对一个实例执行完整探针序列：
//  1. 命名空间创建能力
//  2. 真实宿主主目录不可达
//  3. 其他实例的沙箱根不可达
//  4. 写回环：沙箱内写入的文件在宿主对应路径立即可见
func (c *Collector) Run(name string) (*Report, error) {
	if _, err := c.Registry.Get(name); err != nil {
		return nil, err
	}

	report := &Report{Instance: name}

	report.Probes = append(report.Probes, c.probeNamespace())
	report.Probes = append(report.Probes, c.probeHostHomeHidden(name))

	siblings, err := c.probeSiblingsHidden(name)
	if err != nil {
		return nil, err
	}
	report.Probes = append(report.Probes, siblings)

	roundTrip, artifact := c.probeWriteRoundTrip(name)
	report.Probes = append(report.Probes, roundTrip)
	report.Artifact = artifact

	return report, nil
}

// probeNamespace 检查非特权命名空间创建能力
func (c *Collector) probeNamespace() Probe {
	if nsprobe.Check() {
		return Probe{Name: "namespace-capability", Passed: true}
	}
	return Probe{
		Name:   "namespace-capability",
		Passed: false,
		Detail: "unprivileged user namespace creation is disabled, run `appcage setup` as root",
	}
}

// probeHostHomeHidden 在沙箱内探测一个已知存在于真实主目录下的
// 文件（注册表文档）；探测必须失败。
func (c *Collector) probeHostHomeHidden(name string) Probe {
	probe := Probe{Name: "host-home-hidden"}

	code, _, err := c.runInSandbox(name, "test", "-e", c.RegistryPath)
	if err != nil {
		probe.Detail = err.Error()
		return probe
	}
	if code == 0 {
		probe.Detail = fmt.Sprintf("host path %s is visible inside the sandbox", c.RegistryPath)
		return probe
	}

	probe.Passed = true
	return probe
}

// probeSiblingsHidden 逐个探测其他已注册实例的沙箱根；全部不可达才通过
func (c *Collector) probeSiblingsHidden(name string) (Probe, error) {
	probe := Probe{Name: "sibling-roots-hidden", Passed: true}

	instances, err := c.Registry.List()
	if err != nil {
		return probe, err
	}

	var reachable []string
	for _, inst := range instances {
		if inst.Name == name || inst.SandboxPath == "" {
			continue
		}
		code, _, err := c.runInSandbox(name, "test", "-e", inst.SandboxPath)
		if err != nil {
			probe.Passed = false
			probe.Detail = err.Error()
			return probe, nil
		}
		if code == 0 {
			reachable = append(reachable, inst.SandboxPath)
		}
	}

	if len(reachable) > 0 {
		probe.Passed = false
		probe.Detail = "sibling sandbox roots visible inside the sandbox: " + strings.Join(reachable, ", ")
	} else if len(instances) == 1 {
		probe.Detail = "no sibling instances registered"
	}
	return probe, nil
}

// probeWriteRoundTrip 在沙箱内写一个文件，写进程退出后立即在宿主
// 对应路径检查可见性。工件路径随报告返回，由调用方清理。
func (c *Collector) probeWriteRoundTrip(name string) (Probe, string) {
	probe := Probe{Name: "write-round-trip"}

	artifact := ".diagnose-" + uuid.NewString()[:8]
	hostPath := filepath.Join(c.Sandbox.Root(name), artifact)

	code, detail, err := c.runInSandbox(name, "sh", "-c", `echo ok > "$HOME/`+artifact+`"`)
	if err != nil {
		probe.Detail = err.Error()
		return probe, ""
	}
	if code != 0 {
		probe.Detail = fmt.Sprintf("in-sandbox write exited %d: %s", code, detail)
		return probe, ""
	}

	// 写进程已退出，宿主侧必须立即可见——bind mount 没有延迟同步
	if _, err := os.Stat(hostPath); err != nil {
		probe.Detail = fmt.Sprintf("file written in sandbox not visible at %s: %v", hostPath, err)
		return probe, ""
	}

	probe.Passed = true
	return probe, hostPath
}

// runInSandbox 执行探针命令并捕获 stderr 文本
func (c *Collector) runInSandbox(name string, argv ...string) (int, string, error) {
	var stderr bytes.Buffer
	code, err := c.Sandbox.Run(name, sandbox.RunSpec{
		Argv:   argv,
		Stdout: io.Discard,
		Stderr: &stderr,
	})
	return code, strings.TrimSpace(stderr.String()), err
}
