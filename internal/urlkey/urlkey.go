// Package urlkey turns client supplied URLs into the canonical form used for
// cache identity and derives the fixed-length Request Key from it.
package urlkey

import (
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
)

// ErrInvalidURL 表示请求中的 url 参数无法作为下载地址使用。
var ErrInvalidURL = errors.New("invalid url")

var defaultPorts = map[string]string{
	"http":  "80",
	"https": "443",
}

// Normalize 规整 URL：去掉首尾空白与 fragment，scheme/host 转小写并移除默认端口，
// path 与 query 保持原样（不同 query 视为不同文件）。
func Normalize(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidURL)
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return "", fmt.Errorf("%w: scheme and host required", ErrInvalidURL)
	}

	parsed.Scheme = strings.ToLower(parsed.Scheme)
	host := strings.ToLower(parsed.Host)
	if h, port, err := net.SplitHostPort(host); err == nil && defaultPorts[parsed.Scheme] == port {
		host = h
		if strings.Contains(host, ":") {
			host = "[" + host + "]"
		}
	}
	parsed.Host = host
	parsed.Fragment = ""
	parsed.RawFragment = ""

	return parsed.String(), nil
}

// Key 返回规整后 URL 的 md5 十六进制摘要，作为缓存与 in-flight 的唯一标识。
func Key(normalized string) string {
	sum := md5.Sum([]byte(normalized))
	return hex.EncodeToString(sum[:])
}

// Parse 一次性完成规整与取 key。
func Parse(raw string) (normalized string, key string, err error) {
	normalized, err = Normalize(raw)
	if err != nil {
		return "", "", err
	}
	return normalized, Key(normalized), nil
}
