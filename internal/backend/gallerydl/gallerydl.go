// Package gallerydl 调用外部 gallery-dl 命令抓取图集/视频等多文件资源。
package gallerydl

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/hylde/hylde/internal/backend"
	"github.com/hylde/hylde/internal/config"
	"github.com/hylde/hylde/internal/logging"
)

// Type 是配置中使用的后端类型名。
const Type = "gallerydl"

// stderr 只保留尾部，避免长任务撑爆日志。
const stderrLimit = 4 << 10

func init() {
	backend.MustRegister(backend.Factory{Type: Type, New: New})
}

// Runner 以 `<Command> <Args...> -D <dir> <url>` 的形式执行 gallery-dl。
type Runner struct {
	command  string
	args     []string
	timeout  time.Duration
	workPath string
	logger   *logrus.Entry
}

// New 按配置构造 gallerydl 后端。
func New(cfg config.BackendConfig, deps backend.Deps) (backend.Backend, error) {
	if deps.WorkPath == "" {
		return nil, errors.New("gallerydl: work path required")
	}
	command := strings.TrimSpace(cfg.Command)
	if command == "" {
		command = "gallery-dl"
	}
	return &Runner{
		command:  command,
		args:     append([]string(nil), cfg.Args...),
		timeout:  cfg.Timeout.DurationValue(),
		workPath: filepath.Join(deps.WorkPath, Type),
		logger:   logging.Component(deps.Logger, "backend").WithField("backend", cfg.Name),
	}, nil
}

// Fetch 运行一次 gallery-dl 并收集输出目录中已完成的文件，退出码不影响结果。
// 超时或只留下未完成文件时清空目录并返回 Empty；目录为空视为永久失败。
func (r *Runner) Fetch(ctx context.Context, url, key string) (backend.Result, error) {
	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	dir := filepath.Join(r.workPath, key)
	if err := os.RemoveAll(dir); err != nil {
		return backend.Result{}, fmt.Errorf("reset work dir: %w", err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return backend.Result{}, fmt.Errorf("create work dir: %w", err)
	}

	args := append(append([]string(nil), r.args...), "-D", dir, url)
	cmd := exec.CommandContext(ctx, r.command, args...)
	cmd.WaitDelay = 5 * time.Second
	stderr := &tailBuffer{limit: stderrLimit}
	cmd.Stderr = stderr

	log := r.logger.WithFields(logrus.Fields{"key": key, "url": url})
	runErr := cmd.Run()

	if runErr != nil && cmd.ProcessState == nil {
		// 进程未能启动，通常是 Command 配置错误。
		_ = os.RemoveAll(dir)
		return backend.Result{}, fmt.Errorf("gallerydl: %w", runErr)
	}

	files, err := collectFiles(dir)
	if err != nil {
		return backend.Result{}, err
	}

	switch {
	case ctx.Err() != nil:
		log.WithField("stderr", stderr.String()).Warn("gallerydl_timeout")
		_ = os.RemoveAll(dir)
		return backend.Empty(), nil
	case len(files) > 0:
		// 图集中个别条目失败时 gallery-dl 以非零码退出，已完成的文件照常交出。
		if runErr != nil {
			log.WithError(runErr).WithFields(logrus.Fields{
				"files":  len(files),
				"stderr": stderr.String(),
			}).Warn("gallerydl_incomplete")
		}
		log.WithField("files", len(files)).Debug("gallerydl_completed")
		return backend.Files(files...), nil
	}

	leftovers, err := hasEntries(dir)
	if err != nil {
		return backend.Result{}, err
	}
	_ = os.RemoveAll(dir)
	if leftovers {
		log.WithError(runErr).WithField("stderr", stderr.String()).Warn("gallerydl_unfinished")
		return backend.Empty(), nil
	}
	log.WithError(runErr).WithField("stderr", stderr.String()).Warn("gallerydl_no_files")
	return backend.Failure(), nil
}

// hasEntries 报告目录中是否残留任何内容（如 .part 文件）。
func hasEntries(dir string) (bool, error) {
	items, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("scan %s: %w", dir, err)
	}
	return len(items) > 0, nil
}

// Cleanup 删除 key 的输出目录。
func (r *Runner) Cleanup(key string) error {
	if key == "" || strings.ContainsAny(key, `/\`) {
		return fmt.Errorf("gallerydl: invalid key %q", key)
	}
	return os.RemoveAll(filepath.Join(r.workPath, key))
}

// collectFiles 返回目录中按遍历顺序排列的常规文件；隐藏文件与 .part 文件视为未完成。
func collectFiles(dir string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !d.Type().IsRegular() {
			return nil
		}
		name := d.Name()
		if strings.HasPrefix(name, ".") || strings.HasSuffix(name, ".part") {
			return nil
		}
		files = append(files, path)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan %s: %w", dir, err)
	}
	return files, nil
}

type tailBuffer struct {
	buf   bytes.Buffer
	limit int
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	n := len(p)
	t.buf.Write(p)
	if extra := t.buf.Len() - t.limit; extra > 0 {
		t.buf.Next(extra)
	}
	return n, nil
}

func (t *tailBuffer) String() string {
	return strings.TrimSpace(t.buf.String())
}
