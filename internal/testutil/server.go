package testutil

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"SpeakMateClient/internal/testserver"
)

// TestServer 测试服务器包装器
type TestServer struct {
	*testserver.Server
	http *httptest.Server
	t    *testing.T
}

// NewTestServer 创建并启动测试服务器，测试结束自动关闭
func NewTestServer(t *testing.T) *TestServer {
	return NewTestServerWithConfig(t, nil)
}

// NewTestServerWithConfig 使用自定义配置创建测试服务器
func NewTestServerWithConfig(t *testing.T, customizer func(*testserver.ServerConfig)) *TestServer {
	t.Helper()

	serverConfig := testserver.DefaultServerConfig("127.0.0.1:0")
	serverConfig.CloseDelay = 10 * time.Millisecond
	if customizer != nil {
		customizer(serverConfig)
	}

	server := testserver.New(serverConfig)
	ts := &TestServer{
		Server: server,
		http:   httptest.NewServer(server.Handler()),
		t:      t,
	}

	t.Cleanup(ts.Stop)
	return ts
}

// Stop 停止测试服务器
func (ts *TestServer) Stop() {
	ts.Server.DropAll()
	ts.http.Close()
}

// GetHTTPURL 获取HTTP URL
func (ts *TestServer) GetHTTPURL() string {
	return ts.http.URL
}

// GetWebSocketURL 获取WebSocket基础URL
func (ts *TestServer) GetWebSocketURL() string {
	return "ws" + strings.TrimPrefix(ts.http.URL, "http")
}
