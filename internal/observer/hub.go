package observer

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"SpeakMateClient/internal/logger"
	"SpeakMateClient/internal/session"
)

const writeWait = time.Second

// Hub 将会话快照广播给本地界面的WebSocket客户端
type Hub struct {
	clients    map[*websocket.Conn]bool
	broadcast  chan session.Snapshot
	register   chan *websocket.Conn
	unregister chan *websocket.Conn
	done       chan struct{}
	count      atomic.Int32

	mu     sync.RWMutex
	latest *session.Snapshot

	// 允许订阅的浏览器来源，anyOrigin 对应配置中的 "*"
	origins   map[string]bool
	anyOrigin bool

	upgrader websocket.Upgrader
	log      zerolog.Logger
}

// NewHub 创建快照广播器
func NewHub() *Hub {
	h := &Hub{
		clients:    make(map[*websocket.Conn]bool),
		broadcast:  make(chan session.Snapshot, 256),
		register:   make(chan *websocket.Conn),
		unregister: make(chan *websocket.Conn),
		done:       make(chan struct{}),
		origins:    make(map[string]bool),
		log:        logger.WithComponent("observer"),
	}
	// 浏览器不会对 WebSocket 升级做 CORS 预检，来源只能在这里校验
	h.upgrader = websocket.Upgrader{CheckOrigin: h.checkOrigin}
	return h
}

// SetAllowedOrigins 设置允许订阅快照的来源，需在服务启动前调用
// "*" 表示不限制；同源请求和不带 Origin 的本地工具始终放行
func (h *Hub) SetAllowedOrigins(origins []string) {
	h.origins = make(map[string]bool, len(origins))
	h.anyOrigin = false
	for _, origin := range origins {
		if origin == "*" {
			h.anyOrigin = true
			continue
		}
		h.origins[strings.ToLower(strings.TrimRight(origin, "/"))] = true
	}
}

// checkOrigin 校验升级请求的 Origin 头
func (h *Hub) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || h.anyOrigin || h.origins[strings.ToLower(origin)] {
		return true
	}

	u, err := url.Parse(origin)
	if err == nil && strings.EqualFold(u.Host, r.Host) {
		return true
	}

	h.log.Warn().Str("origin", origin).Msg("Observer connection from disallowed origin rejected")
	return false
}

// Run 启动广播循环，ctx 结束时关闭所有客户端
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	defer h.count.Store(0)

	for {
		select {
		case <-ctx.Done():
			for client := range h.clients {
				client.Close()
				delete(h.clients, client)
			}
			return

		case client := <-h.register:
			h.clients[client] = true
			h.count.Store(int32(len(h.clients)))
			h.log.Debug().Int("clients", len(h.clients)).Msg("Observer client connected")
			if snap, ok := h.Latest(); ok {
				h.send(client, snap)
			}

		case client := <-h.unregister:
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				client.Close()
				h.count.Store(int32(len(h.clients)))
				h.log.Debug().Int("clients", len(h.clients)).Msg("Observer client disconnected")
			}

		case snap := <-h.broadcast:
			for client := range h.clients {
				h.send(client, snap)
			}
		}
	}
}

// send 写入一个快照，失败的客户端直接移除
func (h *Hub) send(client *websocket.Conn, snap session.Snapshot) {
	client.SetWriteDeadline(time.Now().Add(writeWait))
	if err := client.WriteJSON(snap); err != nil {
		h.log.Debug().Err(err).Msg("Dropping observer client")
		delete(h.clients, client)
		client.Close()
		h.count.Store(int32(len(h.clients)))
	}
}

// Observe 作为状态机观察者使用
func (h *Hub) Observe(snap session.Snapshot) {
	h.mu.Lock()
	h.latest = &snap
	h.mu.Unlock()

	select {
	case h.broadcast <- snap:
	default:
		// 界面跟不上时丢弃中间快照，新连接仍能拿到最新值
		h.log.Warn().Msg("Observer broadcast buffer full, snapshot dropped")
	}
}

// Latest 最近一次快照
func (h *Hub) Latest() (session.Snapshot, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.latest == nil {
		return session.Snapshot{}, false
	}
	return *h.latest, true
}

// ClientCount 当前连接数
func (h *Hub) ClientCount() int {
	return int(h.count.Load())
}

// HandleWebSocket 处理观察者连接；只读，客户端发来的消息被忽略
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn().Err(err).Msg("Observer upgrade failed")
		return
	}

	select {
	case h.register <- conn:
	case <-h.done:
		conn.Close()
		return
	}

	go func() {
		defer func() {
			select {
			case h.unregister <- conn:
			case <-h.done:
			}
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}
