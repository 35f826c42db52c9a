package server

import (
	"net"
	"net/http"
	"time"

	"github.com/hylde/hylde/internal/config"
)

// Shared HTTP transport tunings，复用长连接并集中配置超时。
var defaultTransport = &http.Transport{
	Proxy:                 http.ProxyFromEnvironment,
	MaxIdleConns:          100,
	MaxIdleConnsPerHost:   16,
	IdleConnTimeout:       90 * time.Second,
	TLSHandshakeTimeout:   10 * time.Second,
	ExpectContinueTimeout: 1 * time.Second,
	ResponseHeaderTimeout: 60 * time.Second,
	ForceAttemptHTTP2:     true,
	DialContext: (&net.Dialer{
		Timeout:   30 * time.Second,
		KeepAlive: 30 * time.Second,
	}).DialContext,
}

// NewBackendClient 返回后端共享的 http.Client。BackendTimeout 限制等待响应头的时间，
// 整体下载时长由各后端的 Timeout 控制。
func NewBackendClient(cfg *config.Config) *http.Client {
	transport := defaultTransport.Clone()
	if cfg != nil && cfg.Global.BackendTimeout.DurationValue() > 0 {
		transport.ResponseHeaderTimeout = cfg.Global.BackendTimeout.DurationValue()
	}
	return &http.Client{Transport: transport}
}
