// Package config 负责 appcage 的工具配置。
//
// 配置来源优先级：命令行 --home > APPCAGE_HOME 环境变量 > ~/.appcage。
// home 目录下可放置可选的 config.toml，缺失时使用内置默认值。
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// 环境变量名
const (
	// HomeEnvVar 覆盖工具状态根目录
	HomeEnvVar = "APPCAGE_HOME"

	// SandboxBaseEnvVar 覆盖沙箱根目录的基目录
	SandboxBaseEnvVar = "APPCAGE_SANDBOX_BASE"
)

// ConfigFile 是 home 目录下的配置文件名
const ConfigFile = "config.toml"

// Config 是解析后的工具配置。
// 所有路径均为绝对路径。
type Config struct {
	App   AppConfig   `toml:"app"`
	Tools ToolsConfig `toml:"tools"`
	Paths PathsConfig `toml:"paths"`

	// Home 是工具状态根目录（registry.json、work/ 等所在处）。
	// 不从配置文件读取，由 Load 填充。
	Home string `toml:"-"`
}

// AppConfig 描述被管理的桌面应用
type AppConfig struct {
	// Name 是应用的包名（deb 包名、安装目录名）
	Name string `toml:"name"`

	// ProductName 是应用的显示名称
	ProductName string `toml:"product_name"`

	// DownloadURL 是安装器下载地址
	DownloadURL string `toml:"download_url"`

	// EntryPoints 是入口文件的规范名集合。
	// 留空时使用内置默认值。
	EntryPoints []string `toml:"entry_points"`
}

// ToolsConfig 指定外部协作工具的可执行文件名。
// 留空时使用 PATH 中的默认名字。
type ToolsConfig struct {
	Bwrap    string `toml:"bwrap"`
	SevenZip string `toml:"sevenzip"`
	DpkgDeb  string `toml:"dpkg_deb"`
	Asar     string `toml:"asar"`
}

// PathsConfig 指定可覆盖的路径
type PathsConfig struct {
	// SandboxBase 是沙箱根目录的基目录（默认 <home>/sandboxes）
	SandboxBase string `toml:"sandbox_base"`

	// SystemTargets 追加到内置的系统安装位置列表
	SystemTargets []string `toml:"system_targets"`
}

// DefaultEntryPoints 是入口文件的内置规范名集合。
// 供应商在不同版本间调整过打包布局，因此按名字集合匹配而不是固定单个路径。
var DefaultEntryPoints = []string{"main.js", "index.js", "app.js"}

// DefaultHome 返回默认的工具状态根目录
func DefaultHome() string {
	home, err := os.UserHomeDir()
	if err != nil {
		// 无法确定用户主目录时退回当前目录（与 os.UserHomeDir 失败场景一致，极少发生）
		return ".appcage"
	}
	return filepath.Join(home, ".appcage")
}

// Load 解析配置。
// homeDir 为空时按优先级使用 APPCAGE_HOME 环境变量或 ~/.appcage。
// home 目录不存在时会被创建。
func Load(homeDir string) (*Config, error) {
	if homeDir == "" {
		homeDir = os.Getenv(HomeEnvVar)
	}
	if homeDir == "" {
		homeDir = DefaultHome()
	}

	abs, err := filepath.Abs(homeDir)
	if err != nil {
		return nil, fmt.Errorf("resolve home directory: %w", err)
	}
	homeDir = abs

	if err := os.MkdirAll(homeDir, 0755); err != nil {
		return nil, fmt.Errorf("create home directory %s: %w", homeDir, err)
	}

	cfg := &Config{Home: homeDir}

	configPath := filepath.Join(homeDir, ConfigFile)
	if _, err := os.Stat(configPath); err == nil {
		// 未知键被忽略，保证旧版本二进制能读新配置
		if _, err := toml.DecodeFile(configPath, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", configPath, err)
		}
	}

	cfg.applyDefaults()
	return cfg, nil
}

// applyDefaults 填充未设置的字段
func (c *Config) applyDefaults() {
	if c.App.Name == "" {
		c.App.Name = "vantage-desktop"
	}
	if c.App.ProductName == "" {
		c.App.ProductName = "Vantage"
	}
	if len(c.App.EntryPoints) == 0 {
		c.App.EntryPoints = append([]string(nil), DefaultEntryPoints...)
	}
	if c.Tools.Bwrap == "" {
		c.Tools.Bwrap = "bwrap"
	}
	if c.Tools.SevenZip == "" {
		c.Tools.SevenZip = "7z"
	}
	if c.Tools.DpkgDeb == "" {
		c.Tools.DpkgDeb = "dpkg-deb"
	}
	if c.Tools.Asar == "" {
		c.Tools.Asar = "asar"
	}
	if c.Paths.SandboxBase == "" {
		c.Paths.SandboxBase = os.Getenv(SandboxBaseEnvVar)
	}
	if c.Paths.SandboxBase == "" {
		c.Paths.SandboxBase = filepath.Join(c.Home, "sandboxes")
	}
}

// RegistryPath 返回实例注册表文档的路径
func (c *Config) RegistryPath() string {
	return filepath.Join(c.Home, "registry.json")
}

// WorkDir 返回提取/补丁流水线的临时工作区
func (c *Config) WorkDir() string {
	return filepath.Join(c.Home, "work")
}

// StageDir 返回待应用补丁任务的暂存目录。
// 放在系统临时区的每用户子目录下，特权 apply 进程以 root 身份也能读到。
func (c *Config) StageDir() string {
	return filepath.Join(os.TempDir(), fmt.Sprintf("appcage-%d", os.Getuid()), "pending")
}

// SystemTargets 返回已知的系统级安装位置（用于无目标提示的补丁任务探测）。
// 内置列表在前，配置追加的在后。
func (c *Config) SystemTargets() []string {
	builtin := []string{
		filepath.Join("/usr/lib", c.App.Name, "resources", "app.asar"),
		filepath.Join("/usr/lib64", c.App.Name, "resources", "app.asar"),
		filepath.Join("/usr/local/lib", c.App.Name, "resources", "app.asar"),
		filepath.Join("/opt", c.App.ProductName, "resources", "app.asar"),
	}
	return append(builtin, c.Paths.SystemTargets...)
}
