package transport

import (
	"net"
	"net/http"
	"time"
)

// DefaultConnectTimeout 为未配置时的建连超时。
const DefaultConnectTimeout = 15 * time.Second

// NewHTTPClient 返回共享长连接的 http.Client。
// 只限制建连与 TLS 握手时间，不设置整体 Timeout，否则大文件下载会被截断。
func NewHTTPClient(connectTimeout time.Duration) *http.Client {
	if connectTimeout <= 0 {
		connectTimeout = DefaultConnectTimeout
	}

	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   connectTimeout,
		ExpectContinueTimeout: 1 * time.Second,
		ForceAttemptHTTP2:     true,
		DialContext: (&net.Dialer{
			Timeout:   connectTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
	}

	return &http.Client{Transport: transport}
}
