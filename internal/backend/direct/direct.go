// Package direct 通过普通 HTTP GET 下载单个文件，适合直链资源。
package direct

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/cavaliercoder/grab"
	"github.com/sirupsen/logrus"

	"github.com/hylde/hylde/internal/backend"
	"github.com/hylde/hylde/internal/config"
	"github.com/hylde/hylde/internal/logging"
	"github.com/hylde/hylde/internal/version"
)

// Type 是配置中使用的后端类型名。
const Type = "direct"

func init() {
	backend.MustRegister(backend.Factory{Type: Type, New: New})
}

// Downloader 使用 grab 把响应体写入 <WorkPath>/direct/<key>/。
type Downloader struct {
	name     string
	client   *grab.Client
	timeout  config.Duration
	workPath string
	logger   *logrus.Entry
}

// New 按配置构造 direct 后端。
func New(cfg config.BackendConfig, deps backend.Deps) (backend.Backend, error) {
	if deps.WorkPath == "" {
		return nil, errors.New("direct: work path required")
	}
	client := grab.NewClient()
	if deps.HTTPClient != nil {
		client.HTTPClient = deps.HTTPClient
	}
	client.UserAgent = version.UserAgent()

	return &Downloader{
		name:     cfg.Name,
		client:   client,
		timeout:  cfg.Timeout,
		workPath: filepath.Join(deps.WorkPath, Type),
		logger:   logging.Component(deps.Logger, "backend").WithField("backend", cfg.Name),
	}, nil
}

// Fetch 下载 url。4xx（408/429 除外）视为永久失败，其余错误都可以稍后重试。
func (d *Downloader) Fetch(ctx context.Context, url, key string) (backend.Result, error) {
	if timeout := d.timeout.DurationValue(); timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	dir := filepath.Join(d.workPath, key)
	// 不做断点续传，每次都从干净目录开始。
	if err := os.RemoveAll(dir); err != nil {
		return backend.Result{}, fmt.Errorf("reset work dir: %w", err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return backend.Result{}, fmt.Errorf("create work dir: %w", err)
	}

	filename, err := d.download(ctx, dir, url)
	if errors.Is(err, grab.ErrNoFilename) {
		// 既无 Content-Disposition 也无 URL 文件名时，以 key 命名。
		filename, err = d.download(ctx, filepath.Join(dir, key), url)
	}
	if err != nil {
		_ = os.RemoveAll(dir)
		return d.classify(url, err), nil
	}

	d.logger.WithFields(logrus.Fields{
		"action": "direct_download",
		"key":    key,
		"file":   filename,
	}).Debug("direct_completed")
	return backend.Files(filename), nil
}

// Cleanup 删除 key 的工作目录。
func (d *Downloader) Cleanup(key string) error {
	if key == "" || strings.ContainsAny(key, `/\`) {
		return fmt.Errorf("direct: invalid key %q", key)
	}
	return os.RemoveAll(filepath.Join(d.workPath, key))
}

func (d *Downloader) download(ctx context.Context, dst, url string) (string, error) {
	req, err := grab.NewRequest(dst, url)
	if err != nil {
		return "", err
	}
	req.NoResume = true
	req = req.WithContext(ctx)

	resp := d.client.Do(req)
	if err := resp.Err(); err != nil {
		return "", err
	}
	return resp.Filename, nil
}

func (d *Downloader) classify(url string, err error) backend.Result {
	log := d.logger.WithFields(logrus.Fields{"url": url}).WithError(err)

	var status grab.StatusCodeError
	if errors.As(err, &status) {
		code := int(status)
		if code >= 400 && code < 500 && code != http.StatusRequestTimeout && code != http.StatusTooManyRequests {
			log.WithField("status", code).Warn("direct_rejected")
			return backend.Failure()
		}
		log.WithField("status", code).Warn("direct_retryable_status")
		return backend.Empty()
	}

	var netErr net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.As(err, &netErr):
		log.Warn("direct_network_error")
		return backend.Empty()
	case errors.Is(err, grab.ErrBadLength), errors.Is(err, grab.ErrBadChecksum):
		log.Warn("direct_corrupt_transfer")
		return backend.Empty()
	default:
		// URL 无法构造请求等情况重试也不会成功。
		log.Warn("direct_failed")
		return backend.Failure()
	}
}
