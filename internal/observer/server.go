package observer

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"github.com/rs/zerolog"

	"SpeakMateClient/internal/logger"
)

// ServerConfig 观察者HTTP服务配置
type ServerConfig struct {
	Addr           string
	AllowedOrigins []string
	MetricsEnabled bool
}

// Server 本地观察者HTTP服务：/ws 快照推送、/snapshot、/metrics、/health
type Server struct {
	hub      *Hub
	router   *mux.Router
	server   *http.Server
	listener net.Listener
	started  time.Time
	log      zerolog.Logger
}

// NewServer 创建观察者服务
func NewServer(config ServerConfig, hub *Hub) *Server {
	s := &Server{
		hub:     hub,
		router:  mux.NewRouter(),
		started: time.Now(),
		log:     logger.WithComponent("observer"),
	}
	s.setupRoutes(config.MetricsEnabled)
	hub.SetAllowedOrigins(config.AllowedOrigins)

	origins := config.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	c := cors.New(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodOptions},
		AllowedHeaders: []string{"*"},
	})

	s.server = &http.Server{
		Addr:         config.Addr,
		Handler:      c.Handler(s.router),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// setupRoutes 设置路由
func (s *Server) setupRoutes(withMetrics bool) {
	s.router.Use(s.loggingMiddleware)

	s.router.HandleFunc("/ws", s.hub.HandleWebSocket)
	s.router.HandleFunc("/snapshot", s.snapshotHandler).Methods(http.MethodGet)
	s.router.HandleFunc("/health", s.healthCheckHandler).Methods(http.MethodGet)
	if withMetrics {
		s.router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	}
}

// Handler 返回带 CORS 的处理器，便于 httptest 挂载
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.log.Debug().Str("method", r.Method).Str("path", r.URL.Path).Dur("took", time.Since(start)).Msg("Observer request")
	})
}

func (s *Server) snapshotHandler(w http.ResponseWriter, r *http.Request) {
	snap, ok := s.hub.Latest()
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"detail": "no session yet"})
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) healthCheckHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "healthy",
		"clients": s.hub.ClientCount(),
		"uptime":  time.Since(s.started).String(),
	})
}

// Start 监听并在后台提供服务
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.server.Addr)
	if err != nil {
		return err
	}
	s.listener = ln

	go func() {
		if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.log.Error().Err(err).Msg("Observer server stopped")
		}
	}()

	s.log.Info().Str("addr", ln.Addr().String()).Msg("Observer server listening")
	return nil
}

// Addr 实际监听地址
func (s *Server) Addr() string {
	if s.listener == nil {
		return s.server.Addr
	}
	return s.listener.Addr().String()
}

// Shutdown 优雅关闭
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
