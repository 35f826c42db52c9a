package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Duration 提供更灵活的反序列化能力，同时兼容纯秒整数与 Go Duration 字符串。
type Duration time.Duration

// UnmarshalText 使 Viper 可以识别诸如 "30s"、"5m" 或纯数字秒值等配置写法。
func (d *Duration) UnmarshalText(text []byte) error {
	raw := strings.TrimSpace(string(text))
	if raw == "" {
		*d = Duration(0)
		return nil
	}

	if parsed, err := time.ParseDuration(raw); err == nil {
		*d = Duration(parsed)
		return nil
	}

	if intVal, err := parseInt(raw); err == nil {
		*d = Duration(time.Duration(intVal) * time.Second)
		return nil
	}

	return fmt.Errorf("invalid duration value: %s", raw)
}

// DurationValue 返回真实的 time.Duration，便于调用方计算。
func (d Duration) DurationValue() time.Duration {
	return time.Duration(d)
}

// parseInt 支持十进制或 0x 前缀的十六进制字符串解析。
func parseInt(value string) (int64, error) {
	if strings.HasPrefix(value, "0x") || strings.HasPrefix(value, "0X") {
		return strconv.ParseInt(value, 0, 64)
	}
	return strconv.ParseInt(value, 10, 64)
}

// GlobalConfig 描述全局运行时行为，所有后端共享同一份参数。
type GlobalConfig struct {
	ListenPort     int      `mapstructure:"ListenPort"`
	LogLevel       string   `mapstructure:"LogLevel"`
	LogFilePath    string   `mapstructure:"LogFilePath"`
	LogMaxSize     int      `mapstructure:"LogMaxSize"`
	LogMaxBackups  int      `mapstructure:"LogMaxBackups"`
	LogCompress    bool     `mapstructure:"LogCompress"`
	StoragePath    string   `mapstructure:"StoragePath"`
	IndexPath      string   `mapstructure:"IndexPath"`
	WorkPath       string   `mapstructure:"WorkPath"`
	RetryAfter     Duration `mapstructure:"RetryAfter"`
	BackendTimeout Duration `mapstructure:"BackendTimeout"`
}

// BackendConfig 声明一个下载后端实例；不同 Type 只读取与自身相关的字段。
type BackendConfig struct {
	Name string `mapstructure:"Name"`
	Type string `mapstructure:"Type"`
	// Timeout 是单次下载的上限，后端必须在此时间内给出结果。
	Timeout Duration `mapstructure:"Timeout"`

	// gallerydl
	Command string   `mapstructure:"Command"`
	Args    []string `mapstructure:"Args"`

	// aria2
	Endpoint     string   `mapstructure:"Endpoint"`
	Secret       string   `mapstructure:"Secret"`
	OutputDir    string   `mapstructure:"OutputDir"`
	PollInterval Duration `mapstructure:"PollInterval"`
	MaxPolls     int      `mapstructure:"MaxPolls"`
	StartRetries int      `mapstructure:"StartRetries"`
}

// RouteConfig 将 URL 正则映射到后端名称，按声明顺序匹配，先到先得。
type RouteConfig struct {
	Pattern string `mapstructure:"Pattern"`
	Backend string `mapstructure:"Backend"`
}

// Config 是 TOML 文件映射的整体结构。
type Config struct {
	Global   GlobalConfig    `mapstructure:",squash"`
	Backends []BackendConfig `mapstructure:"Backend"`
	Routes   []RouteConfig   `mapstructure:"Route"`
}

// Backend 按名称查找后端配置。
func (c *Config) Backend(name string) (BackendConfig, bool) {
	if c == nil {
		return BackendConfig{}, false
	}
	for _, b := range c.Backends {
		if b.Name == name {
			return b, true
		}
	}
	return BackendConfig{}, false
}

// BackendSummary 返回 name:type 列表，供启动日志使用。
func BackendSummary(backends []BackendConfig) []string {
	if len(backends) == 0 {
		return nil
	}
	result := make([]string, len(backends))
	for i, b := range backends {
		result[i] = fmt.Sprintf("%s:%s", b.Name, b.Type)
	}
	return result
}
