package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/hylde/hylde/internal/config"
	"github.com/hylde/hylde/internal/logging"
)

func TestParseCLIFlagsPriority(t *testing.T) {
	t.Setenv("HYLDE_CONFIG", "/tmp/env.toml")

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
	captureOutput(t)
	code := run(cliOptions{configPath: configFixture("valid.toml"), checkOnly: true})
	if code != 0 {
		t.Fatalf("期望退出码 0，得到 %d", code)
	}
}

func TestRunCheckConfigFailure(t *testing.T) {
	output := captureOutput(t)
	code := run(cliOptions{configPath: configFixture("missing.toml"), checkOnly: true})
	if code == 0 {
		t.Fatalf("无效配置应返回非零退出码")
	}
	if !strings.Contains(output.err.String(), "Type") {
		t.Fatalf("错误输出应指出缺失字段，得到 %s", output.err.String())
	}
}

func TestRunVersionOutput(t *testing.T) {
	output := captureOutput(t)
	code := run(cliOptions{showVersion: true})
	if code != 0 {
		t.Fatalf("version 模式应成功退出，得到 %d", code)
	}
	if !strings.Contains(output.out.String(), "hylde") {
		t.Fatalf("version 输出应包含 hylde 标识")
	}
}

func TestParseCLIFlagsRejectsUnknownFlag(t *testing.T) {
	if _, err := parseCLIFlags([]string{"--nope"}); err == nil {
		t.Fatalf("未知参数应返回错误")
	}
}

func TestServiceWiresDiagnosticsAndFileRoute(t *testing.T) {
	dir := t.TempDir()
	cfg, err := config.Load(writeConfigFile(t, fmt.Sprintf(`
StoragePath = "%s"

[[Backend]]
Name = "web"
Type = "direct"

[[Route]]
Pattern = '^https://allowed\.example/'
Backend = "web"
`, filepath.Join(dir, "storage"))))
	if err != nil {
		t.Fatalf("加载配置失败: %v", err)
	}

	svc, err := newService(cfg, logging.Discard())
	if err != nil {
		t.Fatalf("初始化服务失败: %v", err)
	}
	t.Cleanup(func() { _ = svc.shutdown(context.Background()) })

	resp, err := svc.app.Test(httptest.NewRequest("GET", "/-/status", nil))
	if err != nil {
		t.Fatalf("status 请求失败: %v", err)
	}
	var payload map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		t.Fatalf("解析 status 失败: %v", err)
	}
	if backends, _ := payload["backends"].([]any); len(backends) != 1 || backends[0] != "web:direct" {
		t.Fatalf("status 应列出后端，得到 %v", payload["backends"])
	}

	resp, err = svc.app.Test(httptest.NewRequest("GET", "/file?url=https://other.example/x", nil))
	if err != nil {
		t.Fatalf("file 请求失败: %v", err)
	}
	if resp.StatusCode != 422 {
		body, _ := io.ReadAll(resp.Body)
		t.Fatalf("未匹配路由应返回 422，得到 %d (%s)", resp.StatusCode, body)
	}

	resp, err = svc.app.Test(httptest.NewRequest("GET", "/unknown", nil))
	if err != nil {
		t.Fatalf("请求失败: %v", err)
	}
	if resp.StatusCode != 404 {
		t.Fatalf("未知路径应返回 404，得到 %d", resp.StatusCode)
	}
}
