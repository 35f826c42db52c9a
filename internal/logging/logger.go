// Package logging 构建 hylde 的 logrus 实例：JSON 输出，可选 lumberjack 滚动文件。
package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/hylde/hylde/internal/config"
)

// rotatedMaxAgeDays 是滚动日志的保留天数。
const rotatedMaxAgeDays = 7

// InitLogger 按全局配置创建 logger，并同步到 logrus 的全局实例（gorm/goose 桥接依赖它）。
// 日志文件不可用时退回 stdout，并以一条 warn 记录原因。
func InitLogger(cfg config.GlobalConfig) (*logrus.Logger, error) {
	level, err := parseLevel(cfg.LogLevel)
	if err != nil {
		return nil, err
	}

	logger := logrus.New()
	logger.SetLevel(level)
	logger.SetFormatter(&logrus.JSONFormatter{TimestampFormat: time.RFC3339Nano})

	out, fallback := openOutput(cfg)
	logger.SetOutput(out)
	if fallback != nil {
		fmt.Fprintf(os.Stderr, "logger_fallback: %v\n", fallback)
		logger.WithFields(logrus.Fields{
			"action": "logger_fallback",
			"path":   cfg.LogFilePath,
		}).Warn(fallback.Error())
	}

	logrus.SetFormatter(logger.Formatter)
	logrus.SetOutput(logger.Out)
	logrus.SetLevel(level)
	return logger, nil
}

// Discard 返回丢弃所有输出的 logger。
func Discard() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

// Component 给子系统日志附加 component 字段；logger 为空时静默。
func Component(logger *logrus.Logger, name string) *logrus.Entry {
	if logger == nil {
		logger = Discard()
	}
	return logger.WithField("component", name)
}

func parseLevel(name string) (logrus.Level, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return logrus.InfoLevel, nil
	}
	level, err := logrus.ParseLevel(name)
	if err != nil {
		return 0, fmt.Errorf("无法解析日志级别 %q: %w", name, err)
	}
	return level, nil
}

func openOutput(cfg config.GlobalConfig) (io.Writer, error) {
	if cfg.LogFilePath == "" {
		return os.Stdout, nil
	}
	if err := os.MkdirAll(filepath.Dir(cfg.LogFilePath), 0o755); err != nil {
		return os.Stdout, fmt.Errorf("创建日志目录失败: %w", err)
	}
	return &lumberjack.Logger{
		Filename:   cfg.LogFilePath,
		MaxSize:    cfg.LogMaxSize,
		MaxBackups: cfg.LogMaxBackups,
		MaxAge:     rotatedMaxAgeDays,
		Compress:   cfg.LogCompress,
		LocalTime:  true,
	}, nil
}
