package metrics

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/fachebot/meeting-scribe/internal/logger"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Server 暴露 /metrics 与 /health
type Server struct {
	listener net.Listener
	server   *http.Server
}

// Listen 绑定地址，Serve 之前即可通过 Addr 获取实际端口
func Listen(addr string, gatherer prometheus.Gatherer) (*Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	return &Server{
		listener: ln,
		server: &http.Server{
			Handler:      mux,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
	}, nil
}

func (s *Server) Addr() string {
	return s.listener.Addr().String()
}

// Serve 阻塞直到 Shutdown
func (s *Server) Serve() {
	logger.Infof("[Metrics] 指标服务已启动, addr: %s", s.Addr())
	if err := s.server.Serve(s.listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Errorf("[Metrics] 指标服务异常退出, %v", err)
	}
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}
