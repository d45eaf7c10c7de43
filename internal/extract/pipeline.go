package extract

import (
	"archive/tar"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"appcage/pkg/fileutil"

	"github.com/charmbracelet/log"
	"github.com/klauspost/compress/gzip"
)

// PackageKind 是安装包的分发形态
type PackageKind string

const (
	// KindDeb 表示嵌套的 Debian 包
	KindDeb PackageKind = "deb"
	// KindRaw 表示原始 tar.gz 应用包
	KindRaw PackageKind = "raw"
)

// ParseKind 解析包形态字符串
func ParseKind(s string) (PackageKind, error) {
	switch PackageKind(s) {
	case KindDeb, KindRaw:
		return PackageKind(s), nil
	default:
		return "", fmt.Errorf("unknown package kind %q (expected deb or raw)", s)
	}
}

// Bundle 是提取出的规范应用资源
type Bundle struct {
	// Asar 是打包资源文件在工具自有区域内的路径
	Asar string

	// Unpacked 是可选的解包伴随目录（app.asar.unpacked），不存在时为空
	Unpacked string
}

// Pipeline 执行 安装器 → 内层包 → 应用资源 的提取
type Pipeline struct {
	// Work 是本次提取的工作区，中间产物留在这里供失败后检查
	Work string

	// SevenZip / DpkgDeb 是外部提取工具的可执行文件名
	SevenZip string
	DpkgDeb  string
}

// ExtractOuter 解开自解压的外层安装器，定位内层供应商包。
// 安装器本身已经是内层包形态时直接返回原路径。
func (p *Pipeline) ExtractOuter(installer string) (string, error) {
	// 下载产物可能直接就是 deb（供应商的 Linux 渠道），无需外层解包
	if header, err := readHeader(installer, 64); err == nil && (IsDeb(header) || IsGzip(header)) {
		return installer, nil
	}

	outDir := filepath.Join(p.Work, "outer")
	if err := fileutil.EnsureDir(outDir, 0755); err != nil {
		return "", err
	}

	// 外层是自解压容器，交给 7z 处理；非零退出视为失败
	if err := runTool(p.SevenZip, "x", "-y", "-o"+outDir, installer); err != nil {
		return "", fmt.Errorf("extract outer installer %s: %w", installer, err)
	}

	// 先按扩展名找内层包，供应商改布局时退回逐文件内容探测
	inner, err := Locate(outDir, "inner package", []Locator{
		ByExtension(".deb"),
		ByMagic("debian archive", IsDeb),
		ByMagic("gzip stream", IsGzip),
	})
	if err != nil {
		return "", err
	}

	log.Debug("located inner package", "path", inner)
	return inner, nil
}

// ExtractInner 解开内层供应商包，暴露规范的打包资源文件。
// asar（以及可选的 app.asar.unpacked 伴随目录）被复制到工具自有位置。
func (p *Pipeline) ExtractInner(pkg string, kind PackageKind) (*Bundle, error) {
	treeDir := filepath.Join(p.Work, "inner")
	if err := fileutil.EnsureDir(treeDir, 0755); err != nil {
		return nil, err
	}

	switch kind {
	case KindDeb:
		// 字节级解析交给外部工具；非零退出视为失败
		if err := runTool(p.DpkgDeb, "-x", pkg, treeDir); err != nil {
			return nil, fmt.Errorf("unpack vendor package %s: %w", pkg, err)
		}
	case KindRaw:
		if err := untarGz(pkg, treeDir); err != nil {
			return nil, fmt.Errorf("unpack raw bundle %s: %w", pkg, err)
		}
	default:
		return nil, fmt.Errorf("unknown package kind %q", kind)
	}

	asar, err := Locate(treeDir, "packed resource", []Locator{
		ByBasename("app.asar"),
		ByMagic("asar header", IsAsar),
	})
	if err != nil {
		return nil, err
	}

	// 复制进稳定的工具自有位置，后续补丁不触碰提取树
	destDir := filepath.Join(p.Work, "resource")
	destAsar := filepath.Join(destDir, "app.asar")
	if err := fileutil.CopyFile(asar, destAsar); err != nil {
		return nil, fmt.Errorf("stage packed resource: %w", err)
	}

	bundle := &Bundle{Asar: destAsar}

	// 可选的解包伴随目录：原生模块等不进 asar 的文件
	unpacked := asar + ".unpacked"
	if info, err := os.Stat(unpacked); err == nil && info.IsDir() {
		destUnpacked := destAsar + ".unpacked"
		if err := fileutil.CopyDir(unpacked, destUnpacked); err != nil {
			return nil, fmt.Errorf("stage unpacked companion: %w", err)
		}
		bundle.Unpacked = destUnpacked
	}

	log.Debug("staged application resource", "asar", bundle.Asar, "unpacked", bundle.Unpacked)
	return bundle, nil
}

// runTool 执行外部提取工具，失败时把输出带进错误
func runTool(tool string, args ...string) error {
	bin, err := exec.LookPath(tool)
	if err != nil {
		return fmt.Errorf("external tool %q not found in PATH: %w", tool, err)
	}
	out, err := exec.Command(bin, args...).CombinedOutput()
	if err != nil {
		return fmt.Errorf("%s %s: %v: %s", tool, strings.Join(args, " "), err, strings.TrimSpace(string(out)))
	}
	return nil
}

// untarGz 解开 gzip 压缩的 tar 包。
// 拒绝逃逸出目标目录的条目。
func untarGz(src, dest string) error {
	f, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open %s: %w", src, err)
	}
	defer f.Close()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return fmt.Errorf("create gzip reader: %w", err)
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	for {
		header, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("read tar: %w", err)
		}

		name := filepath.Clean(header.Name)
		if name == ".." || strings.HasPrefix(name, ".."+string(os.PathSeparator)) || filepath.IsAbs(name) {
			return fmt.Errorf("tar entry escapes destination: %s", header.Name)
		}
		target := filepath.Join(dest, name)

		switch header.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, os.FileMode(header.Mode).Perm()); err != nil {
				return fmt.Errorf("create directory %s: %w", target, err)
			}
		case tar.TypeReg:
			if err := fileutil.EnsureParentDir(target, 0755); err != nil {
				return err
			}
			out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, os.FileMode(header.Mode).Perm())
			if err != nil {
				return fmt.Errorf("create %s: %w", target, err)
			}
			if _, err := io.Copy(out, tr); err != nil {
				out.Close()
				return fmt.Errorf("write %s: %w", target, err)
			}
			if err := out.Close(); err != nil {
				return fmt.Errorf("close %s: %w", target, err)
			}
		case tar.TypeSymlink:
			_ = os.Remove(target)
			if err := os.Symlink(header.Linkname, target); err != nil {
				return fmt.Errorf("symlink %s: %w", target, err)
			}
		}
	}
	return nil
}
