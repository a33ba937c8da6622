package main

import (
	"fmt"
	"path/filepath"
	"strings"
	"testing"
)

func TestParseCLIFlagsPriority(t *testing.T) {
	t.Setenv("CATALOG_CACHE_CONFIG", "/tmp/env.toml")

	opts, err := parseCLIFlags([]string{})
	if err != nil {
		t.Fatalf("解析失败: %v", err)
	}
	if opts.configPath != "/tmp/env.toml" {
		t.Fatalf("应优先使用环境变量，得到 %s", opts.configPath)
	}

	opts, err = parseCLIFlags([]string{"--config", "/tmp/flag.toml"})
	if err != nil {
		t.Fatalf("解析失败: %v", err)
	}
	if opts.configPath != "/tmp/flag.toml" {
		t.Fatalf("flag 应高于环境变量，得到 %s", opts.configPath)
	}
}

func TestRunCheckConfigSuccess(t *testing.T) {
	useBufferWriters(t)
	code := run(cliOptions{configPath: configFixture(t, "valid.toml"), checkOnly: true})
	if code != 0 {
		t.Fatalf("期望退出码 0，得到 %d", code)
	}
}

func TestRunCheckConfigFailure(t *testing.T) {
	useBufferWriters(t)
	code := run(cliOptions{configPath: configFixture(t, "missing.toml"), checkOnly: true})
	if code == 0 {
		t.Fatalf("无效配置应返回非零退出码")
	}
}

func TestRunVersionOutput(t *testing.T) {
	output := useBufferWriters(t)
	code := run(cliOptions{showVersion: true})
	if code != 0 {
		t.Fatalf("version 模式应成功退出，得到 %d", code)
	}
	if !strings.Contains(output.out.String(), "catalog-cache") {
		t.Fatalf("version 输出应包含 catalog-cache 标识")
	}
}

func TestParseCLIFlagsStats(t *testing.T) {
	t.Setenv("CATALOG_CACHE_CONFIG", "")

	opts, err := parseCLIFlags([]string{"-stats"})
	if err != nil {
		t.Fatalf("解析失败: %v", err)
	}
	if !opts.showStats || opts.configPath != "config.toml" {
		t.Fatalf("unexpected options: %+v", opts)
	}
	if _, err := parseCLIFlags([]string{"-unknown"}); err == nil {
		t.Fatalf("未知参数应返回错误")
	}
}

func TestRunStatsPrintsSnapshot(t *testing.T) {
	dir := t.TempDir()
	configPath := writeConfigFile(t, fmt.Sprintf(`
LogLevel = "error"
StoragePath = "%s"
`, filepath.Join(dir, "storage")))

	output := useBufferWriters(t)
	code := run(cliOptions{configPath: configPath, showStats: true})
	if code != 0 {
		t.Fatalf("stats 模式应成功退出，得到 %d (stderr=%s)", code, output.err.String())
	}
	out := output.out.String()
	for _, want := range []string{"hits: 0", "sectionCount: 0", "backend: badger"} {
		if !strings.Contains(out, want) {
			t.Fatalf("stats 输出缺少 %q: %s", want, out)
		}
	}
}
