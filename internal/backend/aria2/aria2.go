// Package aria2 把下载委托给外部 aria2 守护进程，通过 JSON-RPC 提交并轮询状态。
package aria2

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/hylde/hylde/internal/backend"
	"github.com/hylde/hylde/internal/config"
	"github.com/hylde/hylde/internal/logging"
)

// Type 是配置中使用的后端类型名。
const Type = "aria2"

func init() {
	backend.MustRegister(backend.Factory{Type: Type, New: New})
}

// Client 提交 URL 后按 PollInterval 轮询，最多 MaxPolls 次。
type Client struct {
	rpc          *rpcClient
	outputDir    string
	timeout      time.Duration
	pollInterval time.Duration
	maxPolls     int
	startRetries int
	retryDelay   time.Duration
	logger       *logrus.Entry
}

// New 按配置构造 aria2 后端。OutputDir 必须是本进程与 aria2 都能访问的同一路径。
func New(cfg config.BackendConfig, deps backend.Deps) (backend.Backend, error) {
	if cfg.Endpoint == "" {
		return nil, errors.New("aria2: endpoint required")
	}
	if cfg.OutputDir == "" {
		return nil, errors.New("aria2: output dir required")
	}
	outputDir, err := filepath.Abs(cfg.OutputDir)
	if err != nil {
		return nil, fmt.Errorf("aria2: resolve output dir: %w", err)
	}

	httpClient := deps.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}

	c := &Client{
		rpc:          &rpcClient{endpoint: cfg.Endpoint, secret: cfg.Secret, http: httpClient},
		outputDir:    outputDir,
		timeout:      cfg.Timeout.DurationValue(),
		pollInterval: cfg.PollInterval.DurationValue(),
		maxPolls:     cfg.MaxPolls,
		startRetries: cfg.StartRetries,
		retryDelay:   time.Second,
		logger:       logging.Component(deps.Logger, "backend").WithField("backend", cfg.Name),
	}
	if c.pollInterval <= 0 {
		c.pollInterval = 10 * time.Second
	}
	if c.maxPolls <= 0 {
		c.maxPolls = 100
	}
	if c.startRetries <= 0 {
		c.startRetries = 3
	}
	return c, nil
}

// Fetch 提交下载并等待终态：complete 返回文件，error/removed 为永久失败，
// 轮询次数耗尽或超时则撤销任务并返回 Empty。
func (c *Client) Fetch(ctx context.Context, url, key string) (backend.Result, error) {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}
	log := c.logger.WithFields(logrus.Fields{"key": key, "url": url})

	dir := filepath.Join(c.outputDir, key)
	if err := os.RemoveAll(dir); err != nil {
		return backend.Result{}, fmt.Errorf("reset output dir: %w", err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return backend.Result{}, fmt.Errorf("create output dir: %w", err)
	}

	gid, err := c.submit(ctx, url, dir)
	if err != nil {
		log.WithError(err).Warn("aria2_submit_failed")
		return backend.Empty(), nil
	}
	log = log.WithField("gid", gid)
	log.Debug("aria2_submitted")

	for poll := 1; poll <= c.maxPolls; poll++ {
		if !sleep(ctx, c.pollInterval) {
			break
		}

		st, err := c.rpc.tellStatus(ctx, gid)
		if err != nil {
			log.WithError(err).WithField("poll", poll).Debug("aria2_status_failed")
			continue
		}

		switch st.Status {
		case "complete":
			c.forget(gid, log)
			files := completedFiles(st)
			if len(files) == 0 {
				log.Warn("aria2_complete_without_files")
				return backend.Failure(), nil
			}
			log.WithField("files", len(files)).Debug("aria2_completed")
			return backend.Files(files...), nil
		case "error", "removed":
			c.forget(gid, log)
			log.WithFields(logrus.Fields{
				"status":     st.Status,
				"error_code": st.ErrorCode,
				"error":      st.ErrorMessage,
			}).Warn("aria2_failed")
			_ = os.RemoveAll(dir)
			return backend.Failure(), nil
		default:
			log.WithFields(logrus.Fields{"status": st.Status, "poll": poll}).Debug("aria2_waiting")
		}
	}

	c.abort(gid, log)
	_ = os.RemoveAll(dir)
	log.Warn("aria2_poll_exhausted")
	return backend.Empty(), nil
}

// Cleanup 删除 key 在 OutputDir 下的目录。
func (c *Client) Cleanup(key string) error {
	if key == "" || strings.ContainsAny(key, `/\`) {
		return fmt.Errorf("aria2: invalid key %q", key)
	}
	return os.RemoveAll(filepath.Join(c.outputDir, key))
}

func (c *Client) submit(ctx context.Context, url, dir string) (string, error) {
	var lastErr error
	for attempt := 1; attempt <= c.startRetries; attempt++ {
		gid, err := c.rpc.addURI(ctx, url, dir)
		if err == nil {
			return gid, nil
		}
		lastErr = err
		if attempt < c.startRetries && !sleep(ctx, c.retryDelay) {
			break
		}
	}
	return "", fmt.Errorf("aria2.addUri after %d attempts: %w", c.startRetries, lastErr)
}

// abort 撤销超时的任务，使用独立 context，原 context 可能已经过期。
func (c *Client) abort(gid string, log *logrus.Entry) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := c.rpc.forceRemove(ctx, gid); err != nil {
		log.WithError(err).Debug("aria2_remove_failed")
	}
	if err := c.rpc.removeDownloadResult(ctx, gid); err != nil {
		log.WithError(err).Debug("aria2_forget_failed")
	}
}

func (c *Client) forget(gid string, log *logrus.Entry) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := c.rpc.removeDownloadResult(ctx, gid); err != nil {
		log.WithError(err).Debug("aria2_forget_failed")
	}
}

func completedFiles(st status) []string {
	var files []string
	for _, f := range st.Files {
		if f.Path == "" || !filepath.IsAbs(f.Path) {
			continue
		}
		if info, err := os.Stat(f.Path); err != nil || !info.Mode().IsRegular() {
			continue
		}
		files = append(files, f.Path)
	}
	return files
}

func sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
