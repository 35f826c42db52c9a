// Package normalize 把后端的 Result 转换成缓存条目：单文件移动到 key 目录，
// 多文件合并为 <key>.zip。产物总是先写入隐藏临时文件再 rename，
// 因此 key 目录中不会出现半成品。
package normalize

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/klauspost/compress/zip"
	"github.com/sirupsen/logrus"

	"github.com/hylde/hylde/internal/backend"
	"github.com/hylde/hylde/internal/cache"
	"github.com/hylde/hylde/internal/logging"
)

var (
	// ErrUnsafeAncestor 表示多文件结果的公共祖先是文件系统根目录，或包含相对路径。
	ErrUnsafeAncestor = errors.New("unsafe common ancestor")
	// ErrUnknownResult 表示后端返回了无法识别的 Result（例如零值）。
	ErrUnknownResult = errors.New("unknown backend result")
)

// zip 条目统一使用的修改时间，保证同样的输入得到同样的归档。
var archiveEpoch = time.Date(1980, 1, 1, 0, 0, 0, 0, time.UTC)

// Normalizer 负责把文件落到缓存根目录。
type Normalizer struct {
	root   string
	logger *logrus.Entry
}

// New 创建 Normalizer，root 通常是 Store.Root()。
func New(root string, logger *logrus.Logger) *Normalizer {
	return &Normalizer{root: root, logger: logging.Component(logger, "normalize")}
}

// Normalize 返回需要写入 Store 的条目；Empty 结果返回 nil, nil。
// 返回 error 时不产生条目，原始文件保持不动。
func (n *Normalizer) Normalize(key, url string, res backend.Result) (*cache.Entry, error) {
	switch {
	case res.Kind == backend.KindFailure:
		return &cache.Entry{Key: key, State: cache.StateFailed, URL: url}, nil
	case res.Kind == backend.KindEmpty:
		return nil, nil
	case res.Kind != backend.KindFiles:
		return nil, fmt.Errorf("%w: kind %s", ErrUnknownResult, res.Kind)
	case len(res.Files) == 0:
		return nil, nil
	case len(res.Files) == 1:
		rel, err := n.moveFile(key, res.Files[0])
		if err != nil {
			return nil, err
		}
		return &cache.Entry{Key: key, State: cache.StateReady, Path: rel, URL: url}, nil
	default:
		rel, err := n.archiveFiles(key, res.Files)
		if err != nil {
			return nil, err
		}
		return &cache.Entry{Key: key, State: cache.StateReady, Path: rel, URL: url}, nil
	}
}

func (n *Normalizer) keyDir(key string) (string, error) {
	if key == "" || strings.ContainsAny(key, `/\`) || key == "." || key == ".." {
		return "", fmt.Errorf("invalid request key %q", key)
	}
	dir := filepath.Join(n.root, key)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create key directory: %w", err)
	}
	return dir, nil
}

func (n *Normalizer) moveFile(key, src string) (string, error) {
	dir, err := n.keyDir(key)
	if err != nil {
		return "", err
	}
	name := filepath.Base(src)
	dst := filepath.Join(dir, name)

	if err := os.Rename(src, dst); err != nil {
		if !isCrossDevice(err) {
			return "", fmt.Errorf("move %s: %w", src, err)
		}
		if err := copyAcross(src, dst); err != nil {
			return "", err
		}
	}

	n.logger.WithFields(logrus.Fields{
		"action": "normalize_move",
		"key":    key,
		"src":    src,
		"dst":    dst,
	}).Debug("artifact_moved")
	return path.Join(key, name), nil
}

// copyAcross 在跨设备时复制到同目录的临时文件再 rename，成功后删除源文件。
func copyAcross(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open %s: %w", src, err)
	}
	defer in.Close()

	tmp, err := os.CreateTemp(filepath.Dir(dst), ".move-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := io.Copy(tmp, in); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("copy %s: %w", src, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, dst); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("commit %s: %w", dst, err)
	}
	return os.Remove(src)
}

func isCrossDevice(err error) bool {
	var linkErr *os.LinkError
	if errors.As(err, &linkErr) {
		return errors.Is(linkErr.Err, syscall.EXDEV)
	}
	return false
}

func (n *Normalizer) archiveFiles(key string, files []string) (string, error) {
	ancestor, err := commonAncestor(files)
	if err != nil {
		return "", err
	}
	base := filepath.Dir(ancestor)

	dir, err := n.keyDir(key)
	if err != nil {
		return "", err
	}
	name := key + ".zip"
	dst := filepath.Join(dir, name)

	tmp, err := os.CreateTemp(dir, ".archive-*")
	if err != nil {
		return "", fmt.Errorf("create temp archive: %w", err)
	}
	tmpName := tmp.Name()
	if err := writeArchive(tmp, base, files); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return "", err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return "", err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return "", err
	}
	if err := os.Rename(tmpName, dst); err != nil {
		os.Remove(tmpName)
		return "", fmt.Errorf("commit archive: %w", err)
	}

	for _, file := range files {
		if err := os.Remove(file); err != nil && !errors.Is(err, os.ErrNotExist) {
			n.logger.WithFields(logrus.Fields{
				"action": "normalize_cleanup",
				"key":    key,
				"file":   file,
			}).Warnf("remove original failed: %v", err)
		}
	}

	n.logger.WithFields(logrus.Fields{
		"action":   "normalize_archive",
		"key":      key,
		"files":    len(files),
		"ancestor": ancestor,
	}).Debug("artifact_archived")
	return path.Join(key, name), nil
}

func writeArchive(w io.Writer, base string, files []string) error {
	zw := zip.NewWriter(w)
	for _, file := range files {
		rel, err := filepath.Rel(base, file)
		if err != nil {
			return fmt.Errorf("relative name for %s: %w", file, err)
		}
		if err := addFile(zw, file, filepath.ToSlash(rel)); err != nil {
			return err
		}
	}
	if err := zw.Close(); err != nil {
		return fmt.Errorf("finish archive: %w", err)
	}
	return nil
}

func addFile(zw *zip.Writer, file, name string) error {
	in, err := os.Open(file)
	if err != nil {
		return fmt.Errorf("open %s: %w", file, err)
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return err
	}
	if !info.Mode().IsRegular() {
		return fmt.Errorf("%s is not a regular file", file)
	}

	header := &zip.FileHeader{
		Name:     name,
		Method:   zip.Deflate,
		Modified: archiveEpoch,
	}
	header.SetMode(0o644)

	out, err := zw.CreateHeader(header)
	if err != nil {
		return fmt.Errorf("add %s: %w", name, err)
	}
	if _, err := io.Copy(out, in); err != nil {
		return fmt.Errorf("compress %s: %w", name, err)
	}
	return nil
}

// commonAncestor 返回所有路径按目录分量计算的最长公共前缀。
func commonAncestor(files []string) (string, error) {
	var common []string
	for i, file := range files {
		if !filepath.IsAbs(file) {
			return "", fmt.Errorf("%w: %s is not absolute", ErrUnsafeAncestor, file)
		}
		parts := strings.Split(filepath.Clean(file), string(filepath.Separator))
		if i == 0 {
			common = parts
			continue
		}
		limit := len(common)
		if len(parts) < limit {
			limit = len(parts)
		}
		j := 0
		for j < limit && common[j] == parts[j] {
			j++
		}
		common = common[:j]
	}

	ancestor := strings.Join(common, string(filepath.Separator))
	if ancestor == "" || filepath.Dir(ancestor) == ancestor {
		return "", fmt.Errorf("%w: files share only the filesystem root", ErrUnsafeAncestor)
	}
	return ancestor, nil
}
