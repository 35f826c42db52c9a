package config

import (
	"fmt"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

// Load 读取并解析 TOML 配置文件，同时注入默认值与校验逻辑。
func Load(path string) (*Config, error) {
	if path == "" {
		path = "config.toml"
	}

	v := viper.New()
	v.SetConfigFile(path)
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("读取配置失败: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(durationDecodeHook())); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	applyGlobalDefaults(&cfg.Global)
	for i := range cfg.Backends {
		applyBackendDefaults(&cfg.Backends[i])
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if err := absolutizePaths(&cfg.Global); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("ListenPort", 5000)
	v.SetDefault("LogLevel", "info")
	v.SetDefault("LogFilePath", "")
	v.SetDefault("LogMaxSize", 1)
	v.SetDefault("LogMaxBackups", 7)
	v.SetDefault("LogCompress", true)
	v.SetDefault("StoragePath", "./cache")
	v.SetDefault("IndexPath", "")
	v.SetDefault("WorkPath", "")
	v.SetDefault("RetryAfter", "10s")
	v.SetDefault("BackendTimeout", "30s")
}

func applyGlobalDefaults(g *GlobalConfig) {
	if g.ListenPort == 0 {
		g.ListenPort = 5000
	}
	if strings.TrimSpace(g.IndexPath) == "" && g.StoragePath != "" {
		g.IndexPath = filepath.Join(g.StoragePath, "index.sqlite")
	}
	if strings.TrimSpace(g.WorkPath) == "" && g.StoragePath != "" {
		g.WorkPath = filepath.Join(g.StoragePath, ".work")
	}
	if g.RetryAfter.DurationValue() == 0 {
		g.RetryAfter = Duration(10 * time.Second)
	}
	if g.BackendTimeout.DurationValue() == 0 {
		g.BackendTimeout = Duration(30 * time.Second)
	}
}

func applyBackendDefaults(b *BackendConfig) {
	b.Type = strings.ToLower(strings.TrimSpace(b.Type))
	if b.Timeout.DurationValue() <= 0 {
		b.Timeout = Duration(30 * time.Minute)
	}
	switch b.Type {
	case "gallerydl":
		if strings.TrimSpace(b.Command) == "" {
			b.Command = "gallery-dl"
		}
	case "aria2":
		if b.PollInterval.DurationValue() <= 0 {
			b.PollInterval = Duration(10 * time.Second)
		}
		if b.MaxPolls <= 0 {
			b.MaxPolls = 100
		}
		if b.StartRetries <= 0 {
			b.StartRetries = 3
		}
	}
}

// absolutizePaths 把所有磁盘路径转换为绝对路径，避免工作目录变化带来的歧义。
func absolutizePaths(g *GlobalConfig) error {
	for _, item := range []struct {
		name  string
		value *string
	}{
		{"StoragePath", &g.StoragePath},
		{"IndexPath", &g.IndexPath},
		{"WorkPath", &g.WorkPath},
	} {
		abs, err := filepath.Abs(*item.value)
		if err != nil {
			return fmt.Errorf("无法解析 %s: %w", item.name, err)
		}
		*item.value = abs
	}
	return nil
}

func durationDecodeHook() mapstructure.DecodeHookFunc {
	targetType := reflect.TypeOf(Duration(0))

	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != targetType {
			return data, nil
		}

		switch v := data.(type) {
		case string:
			if v == "" {
				return Duration(0), nil
			}
			if parsed, err := time.ParseDuration(v); err == nil {
				return Duration(parsed), nil
			}
			if seconds, err := strconv.ParseFloat(v, 64); err == nil {
				return Duration(time.Duration(seconds * float64(time.Second))), nil
			}
			return nil, fmt.Errorf("无法解析 Duration 字段: %s", v)
		case int:
			return Duration(time.Duration(v) * time.Second), nil
		case int64:
			return Duration(time.Duration(v) * time.Second), nil
		case float64:
			return Duration(time.Duration(v * float64(time.Second))), nil
		case time.Duration:
			return Duration(v), nil
		case Duration:
			return v, nil
		default:
			return nil, fmt.Errorf("不支持的 Duration 类型: %T", v)
		}
	}
}
