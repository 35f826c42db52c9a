package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/grafana/regexp"
)

var supportedBackendTypes = map[string]struct{}{
	"direct":    {},
	"gallerydl": {},
	"aria2":     {},
}

const supportedBackendTypeList = "direct|gallerydl|aria2"

// Validate 针对语义级别做进一步校验，防止非法配置启动服务。
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("配置为空")
	}

	g := c.Global
	if g.ListenPort <= 0 || g.ListenPort > 65535 {
		return newFieldError("Global.ListenPort", "必须在 1-65535")
	}
	if g.StoragePath == "" {
		return newFieldError("Global.StoragePath", "不能为空")
	}
	if g.IndexPath == "" {
		return newFieldError("Global.IndexPath", "不能为空")
	}
	if g.RetryAfter.DurationValue() <= 0 {
		return newFieldError("Global.RetryAfter", "必须大于 0")
	}
	if g.BackendTimeout.DurationValue() <= 0 {
		return newFieldError("Global.BackendTimeout", "必须大于 0")
	}

	if len(c.Backends) == 0 {
		return errors.New("至少需要配置一个 Backend")
	}

	seenNames := map[string]struct{}{}
	for i := range c.Backends {
		b := &c.Backends[i]
		if b.Name == "" {
			return newFieldError("Backend[].Name", "不能为空")
		}
		if _, exists := seenNames[b.Name]; exists {
			return newFieldError(backendField(b.Name, "Name"), "重复")
		}
		seenNames[b.Name] = struct{}{}

		normalizedType := strings.ToLower(strings.TrimSpace(b.Type))
		if normalizedType == "" {
			return newFieldError(backendField(b.Name, "Type"), "不能为空")
		}
		if _, ok := supportedBackendTypes[normalizedType]; !ok {
			return newFieldError(backendField(b.Name, "Type"), "仅支持 "+supportedBackendTypeList)
		}
		b.Type = normalizedType

		if b.Timeout.DurationValue() < 0 {
			return newFieldError(backendField(b.Name, "Timeout"), "不能为负数")
		}

		if normalizedType == "aria2" {
			if err := validateEndpoint(b.Endpoint); err != nil {
				return fmt.Errorf("%s: %w", backendField(b.Name, "Endpoint"), err)
			}
			if strings.TrimSpace(b.OutputDir) == "" {
				return newFieldError(backendField(b.Name, "OutputDir"), "不能为空")
			}
			if b.MaxPolls < 0 || b.StartRetries < 0 {
				return newFieldError(backendField(b.Name, "MaxPolls/StartRetries"), "不能为负数")
			}
		}
	}

	if len(c.Routes) == 0 {
		return errors.New("至少需要配置一个 Route")
	}
	for i, route := range c.Routes {
		if strings.TrimSpace(route.Pattern) == "" {
			return newFieldError(routeField(i, "Pattern"), "不能为空")
		}
		if _, err := regexp.Compile(route.Pattern); err != nil {
			return newFieldError(routeField(i, "Pattern"), fmt.Sprintf("正则无效: %v", err))
		}
		if _, ok := seenNames[route.Backend]; !ok {
			return newFieldError(routeField(i, "Backend"), fmt.Sprintf("未声明的后端: %s", route.Backend))
		}
	}

	return nil
}

func validateEndpoint(raw string) error {
	if raw == "" {
		return errors.New("缺少 RPC 地址")
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("仅支持 http/https: %s", raw)
	}
	if parsed.Host == "" {
		return fmt.Errorf("缺少 Host: %s", raw)
	}
	return nil
}
