// Package lifecycle 编排实例的 create / install / remove，维持沙箱、
// 注册表与补丁产物三者的一致性。
//
// 部分失败策略：沙箱创建之后的任何一步失败都把实例留在注册表里
// （state=broken）供操作者检查与重试，绝不悄悄删除；唯一的例外是
// create 里注册失败时回滚刚建的沙箱根，避免孤儿目录。
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"appcage/internal/config"
	"appcage/internal/extract"
	"appcage/internal/fetch"
	"appcage/internal/patch"
	"appcage/internal/registry"
	"appcage/internal/sandbox"
	"appcage/pkg/errdefs"
	"appcage/pkg/fileutil"

	"github.com/charmbracelet/log"
)

// Manager 编排实例生命周期
type Manager struct {
	Config   *config.Config
	Registry *registry.Store
	Sandbox  *sandbox.Manager
}

// NewManager 从工具配置组装生命周期管理器。
// 工具状态根（注册表所在处）被列入沙箱的遮蔽路径。
func NewManager(cfg *config.Config) *Manager {
	return &Manager{
		Config:   cfg,
		Registry: registry.NewStore(cfg.RegistryPath()),
		Sandbox:  sandbox.NewManager(cfg.Paths.SandboxBase, cfg.Tools.Bwrap, cfg.Home),
	}
}

// Create 建立一个新实例：先分配沙箱根，再登记进注册表。
// 登记失败时销毁刚建的根——不留孤儿沙箱。
// 根已存在时返回 errdefs.ErrAlreadyExists，由调用方决定是清理还是接管。
func (m *Manager) Create(name string) (*registry.Instance, error) {
	if err := sandbox.ValidateName(name); err != nil {
		return nil, err
	}

	if err := m.Sandbox.Create(name); err != nil {
		return nil, err
	}

	inst, err := m.Registry.Add(name, "", m.Sandbox.Root(name))
	if err != nil {
		// 回滚：注册失败时不能留下无主的沙箱根
		if destroyErr := m.Sandbox.Destroy(name); destroyErr != nil {
			log.Error("rollback of sandbox root failed", "instance", name, "err", destroyErr)
		}
		return nil, err
	}

	log.Info("instance created", "instance", name, "root", inst.SandboxPath)
	return inst, nil
}

// InstallOptions 配置一次安装
type InstallOptions struct {
	// Kind 是包形态（deb / raw）
	Kind extract.PackageKind

	// URL 覆盖配置中的下载地址
	URL string
}

// Install 运行 下载 → 提取 → 补丁 → 部署 流水线，把打好补丁的
// 应用包放进实例的沙箱根，并推进实例状态。
//
// 沙箱创建之后的失败把实例置为 broken 并包装成
// errdefs.ErrPartialFailure，中间产物留在工作区供检查；
// 对 broken 实例重跑 Install 即重试。
func (m *Manager) Install(ctx context.Context, name string, opts InstallOptions) error {
	inst, err := m.Registry.Get(name)
	if err != nil {
		return err
	}

	url := opts.URL
	if url == "" {
		url = m.Config.App.DownloadURL
	}
	if url == "" {
		return fmt.Errorf("no download URL: set app.download_url in %s or pass --url",
			filepath.Join(m.Config.Home, config.ConfigFile))
	}

	if err := m.Registry.Update(name, func(i *registry.Instance) error {
		i.State = registry.StateInstalling
		i.Kind = string(opts.Kind)
		return nil
	}); err != nil {
		return err
	}

	workDir := filepath.Join(m.Config.WorkDir(), name)
	result, err := m.runInstall(ctx, inst, workDir, url, opts.Kind)
	if err != nil {
		// 实例保持可见但非就绪，供操作者检查与重试
		if updateErr := m.Registry.Update(name, func(i *registry.Instance) error {
			i.State = registry.StateBroken
			return nil
		}); updateErr != nil {
			log.Error("mark instance broken", "instance", name, "err", updateErr)
		}
		// 双重包装：内层哨兵（下载失败、入口缺失、暂存转特权）
		// 对调用方保持 errors.Is 可匹配
		return fmt.Errorf("install %s: %w: %w", name, err, errdefs.ErrPartialFailure)
	}

	if err := m.Registry.Update(name, func(i *registry.Instance) error {
		now := time.Now().UTC()
		i.State = registry.StateReady
		i.InstallerDigest = result.installerDigest
		i.InstalledAt = &now
		return nil
	}); err != nil {
		return err
	}

	// 成功消费的暂存空间才清理；失败时整个工作区留在原地
	if err := os.RemoveAll(workDir); err != nil {
		log.Warn("clean install workspace", "dir", workDir, "err", err)
	}

	log.Info("instance installed", "instance", name, "kind", opts.Kind)
	return nil
}

type installResult struct {
	installerDigest string
}

// runInstall 执行流水线本体。
// 每一步的错误都带上步骤名与具体路径，直接向上冒泡。
func (m *Manager) runInstall(ctx context.Context, inst *registry.Instance, workDir, url string, kind extract.PackageKind) (*installResult, error) {
	// 工作区按安装尝试划分：重试前清掉上一次的残留
	if err := os.RemoveAll(workDir); err != nil {
		return nil, fmt.Errorf("clear workspace %s: %w", workDir, err)
	}

	downloaded, err := fetch.Download(ctx, url, filepath.Join(workDir, "download"))
	if err != nil {
		return nil, fmt.Errorf("fetch installer: %w", err)
	}

	pipeline := &extract.Pipeline{
		Work:     workDir,
		SevenZip: m.Config.Tools.SevenZip,
		DpkgDeb:  m.Config.Tools.DpkgDeb,
	}

	inner, err := pipeline.ExtractOuter(downloaded.Path)
	if err != nil {
		return nil, fmt.Errorf("extract outer container: %w", err)
	}

	bundle, err := pipeline.ExtractInner(inner, kind)
	if err != nil {
		return nil, fmt.Errorf("extract vendor package: %w", err)
	}

	engine := &patch.Engine{
		Work:        workDir,
		Asar:        m.Config.Tools.Asar,
		EntryPoints: m.Config.App.EntryPoints,
		StageDir:    m.Config.StageDir(),
	}

	tree, err := engine.Unpack(bundle.Asar)
	if err != nil {
		return nil, fmt.Errorf("unpack resource: %w", err)
	}

	entries, err := engine.LocateEntryPoints(tree)
	if err != nil {
		return nil, err
	}
	for _, entry := range entries {
		if err := engine.Patch(entry, inst.Name); err != nil {
			return nil, fmt.Errorf("patch %s: %w", entry, err)
		}
	}

	if err := engine.UpdateManifest(tree, inst.Name); err != nil {
		return nil, err
	}

	patched, err := engine.Repack(tree)
	if err != nil {
		return nil, err
	}

	// 部署进沙箱根；目标归用户所有，Apply 会原地替换。
	// 若目标意外地需要特权（例如被 root 占据过），Apply 会转为暂存任务。
	destDir := filepath.Join(inst.SandboxPath, ".local", "share", m.Config.App.Name, "resources")
	dest := filepath.Join(destDir, "app.asar")
	if err := os.MkdirAll(destDir, 0755); err != nil {
		return nil, fmt.Errorf("create deploy directory %s: %w", destDir, err)
	}

	if bundle.Unpacked != "" {
		if err := copyUnpacked(bundle.Unpacked, dest+".unpacked"); err != nil {
			return nil, err
		}
	}

	job, err := engine.Apply(inst.Name, bundle.Asar, patched, dest)
	if err != nil {
		return nil, fmt.Errorf("deploy resource to %s: %w", dest, err)
	}
	if job != nil {
		return nil, fmt.Errorf("deploy target %s is not writable, patch staged as job %s; run `sudo appcage apply`: %w",
			dest, job.ID, errdefs.ErrPermissionDenied)
	}

	return &installResult{installerDigest: downloaded.Digest.String()}, nil
}

// Remove 删除实例：尽力而为的沙箱内卸载，然后无条件清理
// 暂存补丁、注册表项和沙箱根。软失败绝不阻塞破坏性清理。
func (m *Manager) Remove(name string) error {
	inst, err := m.Registry.Get(name)
	if err != nil {
		return err
	}

	m.bestEffortUninstall(inst)

	engine := &patch.Engine{StageDir: m.Config.StageDir()}
	if err := engine.DiscardFor(name); err != nil {
		log.Warn("discard staged patches", "instance", name, "err", err)
	}

	var errs []error
	if err := m.Registry.Remove(name); err != nil {
		errs = append(errs, fmt.Errorf("remove registry entry: %w", err))
	}
	if err := m.Sandbox.Destroy(name); err != nil {
		errs = append(errs, fmt.Errorf("destroy sandbox root: %w", err))
	}
	if len(errs) > 0 {
		return fmt.Errorf("remove %s: %w", name, errors.Join(errs...))
	}

	log.Info("instance removed", "instance", name)
	return nil
}

// bestEffortUninstall 在沙箱内执行卸载步骤。
// 任何失败只记日志：清理不被软失败阻塞。
func (m *Manager) bestEffortUninstall(inst *registry.Instance) {
	if !m.Sandbox.Exists(inst.Name) {
		return
	}

	appDir := filepath.Join(".local", "share", m.Config.App.Name)
	code, err := m.Sandbox.Run(inst.Name, sandbox.RunSpec{
		Argv:   []string{"sh", "-c", fmt.Sprintf(`rm -rf "$HOME/%s"`, appDir)},
		Stdout: os.Stderr,
		Stderr: os.Stderr,
	})
	if err != nil || code != 0 {
		log.Warn("in-sandbox uninstall failed, continuing with cleanup",
			"instance", inst.Name, "exit", code, "err", err)
	}
}

// List 返回全部实例
func (m *Manager) List() ([]*registry.Instance, error) {
	return m.Registry.List()
}

// copyUnpacked 把解包伴随目录部署到目标旁
func copyUnpacked(src, dest string) error {
	if err := os.RemoveAll(dest); err != nil {
		return fmt.Errorf("clear unpacked companion %s: %w", dest, err)
	}
	if err := fileutil.CopyDir(src, dest); err != nil {
		return fmt.Errorf("deploy unpacked companion: %w", err)
	}
	return nil
}
