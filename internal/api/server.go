package api

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog/log"

	"github.com/meshnode/device-runtime/internal/link"
)

// Backend 本地 API 使用的运行时能力
type Backend interface {
	// Status 当前状态，与 state 主题发布的内容相同
	Status() map[string]any
	// Settings 导出的非默认设置
	Settings() []json.RawMessage
	// ApplySettings 应用一个设置对象
	ApplySettings(data []byte) error
	// Command 执行命令，handled 为 false 表示未知命令
	Command(name string, payload json.RawMessage) (handled bool, err error)
	// Scan 扫描无线网络
	Scan(ctx context.Context) ([]link.Network, error)
}

// Server 节点本地 HTTP 服务
type Server struct {
	backend Backend
	router  chi.Router
	server  *http.Server
	hub     *hub
}

// NewServer creates the local API server
func NewServer(backend Backend) *Server {
	s := &Server{
		backend: backend,
		router:  chi.NewRouter(),
	}
	s.hub = newHub(backend)

	s.setupRoutes()

	s.server = &http.Server{
		Handler:     s.router,
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	return s
}

// setupRoutes configures all routes
func (s *Server) setupRoutes() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(middleware.Recoverer)

	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	s.router.Route("/api/v1", func(r chi.Router) {
		s.setupAPIRoutes(r)
	})
}

// Handler 完整的路由，可挂到 AP 配置模式的 web 服务
func (s *Server) Handler() http.Handler {
	return s.router
}

// Handle 注册额外的 URL 处理函数 (如应用的配置页面)
func (s *Server) Handle(pattern string, handler http.HandlerFunc) {
	s.router.HandleFunc(pattern, handler)
}

// Broadcast 把发布的消息推送给所有 websocket 客户端
func (s *Server) Broadcast(topic string, payload []byte) {
	s.hub.broadcast(topic, payload)
}

// ListenAndServe starts the server
func (s *Server) ListenAndServe(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(ln)
}

// Serve 在已有的监听上提供服务
func (s *Server) Serve(ln net.Listener) error {
	log.Info().Str("addr", ln.Addr().String()).Msg("Starting local API server")
	return s.server.Serve(ln)
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.hub.close()
	return s.server.Shutdown(ctx)
}
