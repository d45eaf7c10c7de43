package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	home := filepath.Join(t.TempDir(), "state")

	cfg, err := Load(home)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.Home != home {
		t.Fatalf("home = %s, want %s", cfg.Home, home)
	}
	if _, err := os.Stat(home); err != nil {
		t.Fatalf("home directory not created: %v", err)
	}
	if cfg.App.Name != "vantage-desktop" || cfg.App.ProductName != "Vantage" {
		t.Fatalf("default app identity wrong: %+v", cfg.App)
	}
	if len(cfg.App.EntryPoints) != len(DefaultEntryPoints) {
		t.Fatalf("default entry points wrong: %v", cfg.App.EntryPoints)
	}
	if cfg.Tools.Bwrap != "bwrap" || cfg.Tools.SevenZip != "7z" || cfg.Tools.DpkgDeb != "dpkg-deb" || cfg.Tools.Asar != "asar" {
		t.Fatalf("default tools wrong: %+v", cfg.Tools)
	}
	if cfg.Paths.SandboxBase != filepath.Join(home, "sandboxes") {
		t.Fatalf("sandbox base = %s", cfg.Paths.SandboxBase)
	}
	if cfg.RegistryPath() != filepath.Join(home, "registry.json") {
		t.Fatalf("registry path = %s", cfg.RegistryPath())
	}
}

func TestLoadHomeEnv(t *testing.T) {
	home := filepath.Join(t.TempDir(), "env-home")
	t.Setenv(HomeEnvVar, home)

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Home != home {
		t.Fatalf("home = %s, want %s", cfg.Home, home)
	}
}

func TestLoadSandboxBaseEnv(t *testing.T) {
	base := filepath.Join(t.TempDir(), "boxes")
	t.Setenv(SandboxBaseEnvVar, base)

	cfg, err := Load(filepath.Join(t.TempDir(), "state"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Paths.SandboxBase != base {
		t.Fatalf("sandbox base = %s, want %s", cfg.Paths.SandboxBase, base)
	}
}

func TestLoadConfigFile(t *testing.T) {
	home := filepath.Join(t.TempDir(), "state")
	if err := os.MkdirAll(home, 0755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	content := `
[app]
name = "other-app"
entry_points = ["boot.js"]

[tools]
sevenzip = "7zz"

[paths]
system_targets = ["/srv/other-app/resources/app.asar"]

[future]
ignored = true
`
	if err := os.WriteFile(filepath.Join(home, ConfigFile), []byte(content), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(home)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.App.Name != "other-app" {
		t.Fatalf("app name = %s", cfg.App.Name)
	}
	if len(cfg.App.EntryPoints) != 1 || cfg.App.EntryPoints[0] != "boot.js" {
		t.Fatalf("entry points = %v", cfg.App.EntryPoints)
	}
	if cfg.Tools.SevenZip != "7zz" {
		t.Fatalf("sevenzip = %s", cfg.Tools.SevenZip)
	}
	// 未设置的字段仍取默认值
	if cfg.App.ProductName != "Vantage" || cfg.Tools.Bwrap != "bwrap" {
		t.Fatalf("defaults not applied alongside config file")
	}

	targets := cfg.SystemTargets()
	if targets[len(targets)-1] != "/srv/other-app/resources/app.asar" {
		t.Fatalf("configured system target not appended: %v", targets)
	}
	// 内置位置要反映配置的应用名
	found := false
	for _, target := range targets {
		if target == "/usr/lib/other-app/resources/app.asar" {
			found = true
		}
	}
	if !found {
		t.Fatalf("builtin targets do not use configured app name: %v", targets)
	}
}
