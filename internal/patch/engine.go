// Package patch 对提取出的应用资源做幂等的二进制补丁。
//
// 工作流：解包 asar → 定位入口文件 → 前置行为覆盖块 → 改写清单 →
// 重新打包。目标路径归系统所有时不直接写入，而是暂存 PatchJob
// 交给单独的特权 apply 步骤（见 apply.go）。
//
// 幂等性不靠重新解析注入文本，而是在旁车元数据文件里记录
// 补丁版本与产物指纹：指纹和当前内容一致即视为已打补丁。
package patch

import (
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"appcage/internal/extract"
	"appcage/pkg/errdefs"
	"appcage/pkg/fileutil"

	"github.com/charmbracelet/log"
	"github.com/opencontainers/go-digest"
)

// PatchVersion 是行为覆盖块的当前版本。
// 覆盖块内容变化时递增，旧版本的补丁会被重新应用。
const PatchVersion = 1

// sidecarSuffix 是旁车元数据文件的后缀
const sidecarSuffix = ".patch.json"

// backupSuffix 是入口文件原始备份的后缀
const backupSuffix = ".orig"

// Engine 执行资源解包、补丁与重打包
type Engine struct {
	// Work 是补丁工作区
	Work string

	// Asar 是打包资源 pack/unpack 外部工具的可执行文件名
	Asar string

	// EntryPoints 是入口文件的规范名集合
	EntryPoints []string

	// StageDir 是延迟应用任务的暂存目录；归档目录由特权 apply
	// 一侧按暂存目录的兄弟 done 推导（见 apply.go）
	StageDir string
}

// sidecar 是记录在入口文件旁的补丁元数据
type sidecar struct {
	Version  int           `json:"version"`
	Instance string        `json:"instance"`
	Digest   digest.Digest `json:"digest"`
}

// Unpack 解开打包资源文件，返回工作树路径
func (e *Engine) Unpack(asar string) (string, error) {
	tree := filepath.Join(e.Work, "tree")
	if err := os.RemoveAll(tree); err != nil {
		return "", fmt.Errorf("clear working tree: %w", err)
	}
	if err := e.runAsar("extract", asar, tree); err != nil {
		return "", fmt.Errorf("unpack resource %s: %w", asar, err)
	}
	return tree, nil
}

// Repack 把工作树重新打包为资源文件，返回产物路径
func (e *Engine) Repack(tree string) (string, error) {
	out := filepath.Join(e.Work, "patched", "app.asar")
	if err := fileutil.EnsureParentDir(out, 0755); err != nil {
		return "", err
	}
	if err := e.runAsar("pack", tree, out); err != nil {
		return "", fmt.Errorf("repack resource tree %s: %w", tree, err)
	}
	return out, nil
}

// LocateEntryPoints 返回工作树中基名命中规范集合的候选入口文件。
// 一个都没有时返回 errdefs.ErrNoEntryPoint。
func (e *Engine) LocateEntryPoints(tree string) ([]string, error) {
	names := make(map[string]bool, len(e.EntryPoints))
	for _, n := range e.EntryPoints {
		names[n] = true
	}

	var entries []string
	err := filepath.Walk(tree, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.Mode().IsRegular() {
			return nil
		}
		if names[filepath.Base(path)] {
			entries = append(entries, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk resource tree: %w", err)
	}

	if len(entries) == 0 {
		return nil, fmt.Errorf("no candidate among %v under %s: %w",
			e.EntryPoints, tree, errdefs.ErrNoEntryPoint)
	}
	return entries, nil
}

// Patch 在入口文件前置自包含的行为覆盖块。
//
// 幂等：旁车指纹与当前内容一致时不做任何事，第二次调用后的
// 文件与第一次调用后逐字节相同。首次修改前把原始内容备份为
// <entry>.orig，备份只做一次。
func (e *Engine) Patch(entry, instance string) error {
	content, err := os.ReadFile(entry)
	if err != nil {
		return fmt.Errorf("read entry point: %w", err)
	}

	if sc, err := loadSidecar(entry); err == nil &&
		sc.Version == PatchVersion &&
		sc.Digest == digest.FromBytes(content) {
		log.Debug("entry point already patched", "entry", entry, "instance", instance)
		return nil
	}

	backup := entry + backupSuffix
	if _, err := os.Stat(backup); os.IsNotExist(err) {
		if err := fileutil.CopyFile(entry, backup); err != nil {
			return fmt.Errorf("back up entry point: %w", err)
		}
	}

	patched := append([]byte(overrideBlock(instance)), content...)
	if err := fileutil.AtomicWriteFile(entry, patched, 0644); err != nil {
		return fmt.Errorf("write patched entry point: %w", err)
	}

	sc := sidecar{Version: PatchVersion, Instance: instance, Digest: digest.FromBytes(patched)}
	if err := saveSidecar(entry, sc); err != nil {
		return err
	}

	log.Info("patched entry point", "entry", entry, "instance", instance)
	return nil
}

// UpdateManifest 把实例名写进清单描述符的 name/productName 字段。
// 清单不存在不算失败：有些版本的供应商包不带顶层 package.json。
// 其余字段原样保留。
func (e *Engine) UpdateManifest(tree, instance string) error {
	manifest := filepath.Join(tree, "package.json")
	data, err := os.ReadFile(manifest)
	if err != nil {
		if os.IsNotExist(err) {
			log.Debug("no manifest descriptor in resource tree", "tree", tree)
			return nil
		}
		return fmt.Errorf("read manifest: %w", err)
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return fmt.Errorf("parse manifest %s: %w", manifest, err)
	}

	rewrite := func(key string) {
		var current string
		if raw, ok := fields[key]; ok {
			_ = json.Unmarshal(raw, &current)
		}
		suffix := "-" + instance
		if current == "" {
			current = "app"
		}
		if !strings.HasSuffix(current, suffix) {
			current += suffix
		}
		encoded, _ := json.Marshal(current)
		fields[key] = encoded
	}
	rewrite("name")
	rewrite("productName")

	out, err := json.MarshalIndent(fields, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal manifest: %w", err)
	}
	if err := fileutil.AtomicWriteFile(manifest, out, 0644); err != nil {
		return fmt.Errorf("save manifest: %w", err)
	}
	return nil
}

// runAsar 执行外部 pack/unpack 工具，失败时把输出带进错误
func (e *Engine) runAsar(args ...string) error {
	tool := e.Asar
	if tool == "" {
		tool = "asar"
	}
	bin, err := exec.LookPath(tool)
	if err != nil {
		return fmt.Errorf("resource pack tool %q not found in PATH: %w", tool, err)
	}
	out, err := exec.Command(bin, args...).CombinedOutput()
	if err != nil {
		return fmt.Errorf("%s %s: %v: %s", tool, strings.Join(args, " "), err, strings.TrimSpace(string(out)))
	}
	return nil
}

// overrideBlock 生成前置到入口文件的行为覆盖块。
// 自包含，不依赖入口文件原有内容：
//   - 抬高事件监听器上限，避免多实例下的泄漏误报
//   - 包装窗口构造，让每个窗口标题携带实例名后缀
func overrideBlock(instance string) string {
	name, _ := json.Marshal(instance)
	return fmt.Sprintf(`/* appcage:managed v%d */
(() => {
  const INSTANCE = %s;
  try {
    const events = require("events");
    events.EventEmitter.defaultMaxListeners = 100;
    if (typeof process.setMaxListeners === "function") {
      process.setMaxListeners(100);
    }
  } catch (err) {}
  try {
    const electron = require("electron");
    const RealBrowserWindow = electron.BrowserWindow;
    if (RealBrowserWindow && !RealBrowserWindow.__appcageWrapped) {
      const suffix = " [" + INSTANCE + "]";
      const Wrapped = new Proxy(RealBrowserWindow, {
        construct(target, args) {
          const win = new target(...args);
          const retitle = () => {
            const title = win.getTitle() || "";
            if (!title.endsWith(suffix)) {
              win.setTitle(title + suffix);
            }
          };
          win.on("page-title-updated", (event) => {
            event.preventDefault();
            retitle();
          });
          win.once("ready-to-show", retitle);
          retitle();
          return win;
        },
      });
      Wrapped.__appcageWrapped = true;
      Object.defineProperty(electron, "BrowserWindow", {
        get: () => Wrapped,
        configurable: true,
      });
    }
  } catch (err) {}
})();
`, PatchVersion, name)
}

// loadSidecar 读取入口文件旁的补丁元数据
func loadSidecar(entry string) (*sidecar, error) {
	data, err := os.ReadFile(entry + sidecarSuffix)
	if err != nil {
		return nil, err
	}
	var sc sidecar
	if err := json.Unmarshal(data, &sc); err != nil {
		return nil, fmt.Errorf("parse sidecar for %s: %w", entry, err)
	}
	return &sc, nil
}

// saveSidecar 写入补丁元数据
func saveSidecar(entry string, sc sidecar) error {
	data, err := json.MarshalIndent(sc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal sidecar: %w", err)
	}
	if err := fileutil.AtomicWriteFile(entry+sidecarSuffix, data, 0644); err != nil {
		return fmt.Errorf("save sidecar for %s: %w", entry, err)
	}
	return nil
}

// VerifyPackedResource 检查路径是否仍像一个此前解包过的打包资源。
// 特权 apply 在覆盖系统路径前调用，防止把补丁写到无关文件上。
func VerifyPackedResource(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	header := make([]byte, 64)
	n, _ := f.Read(header)
	if !extract.IsAsar(header[:n]) {
		return fmt.Errorf("%s does not look like a packed resource file", path)
	}
	return nil
}
