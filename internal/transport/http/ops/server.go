package opshttp

import (
	"context"
	"errors"
	"net/http"
	"time"

	"tradecore/internal/logger"

	"github.com/gin-gonic/gin"
)

// Server 提供运维 HTTP 接口（interlock 控制、账户状态、审计查询、metrics）。
type Server struct {
	addr   string
	router *gin.Engine
}

// ServerConfig 描述 ops HTTP 服务依赖。
type ServerConfig struct {
	Addr      string
	Interlock Controls
	Desk      Desk
	Audit     AuditLog
	Features  FeatureResetter
	// Metrics is mounted at /metrics when set.
	Metrics http.Handler
}

// NewServer 构建 ops HTTP server。
func NewServer(cfg ServerConfig) (*Server, error) {
	if cfg.Interlock == nil || cfg.Desk == nil {
		return nil, errors.New("ops http server requires interlock and desk")
	}
	if cfg.Addr == "" {
		cfg.Addr = ":9991"
	}
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery(), requestLogger())

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	if cfg.Metrics != nil {
		router.GET("/metrics", gin.WrapH(cfg.Metrics))
	}
	NewRouter(cfg.Interlock, cfg.Desk, cfg.Audit, cfg.Features).Register(router.Group("/api/ops"))

	return &Server{addr: cfg.Addr, router: router}, nil
}

// Handler exposes the router for in-process use.
func (s *Server) Handler() http.Handler { return s.router }

// requestLogger 记录人工操作，便于追踪调用。
func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		method := c.Request.Method
		path := c.Request.URL.Path
		if q := c.Request.URL.RawQuery; q != "" {
			path += "?" + q
		}
		c.Next()
		logger.Debugf("HTTP %s %s status=%d ip=%s dur=%s", method, path, c.Writer.Status(), c.ClientIP(), time.Since(start))
	}
}

// Addr 返回监听地址。
func (s *Server) Addr() string {
	if s == nil {
		return ""
	}
	return s.addr
}

// Start 启动 HTTP 服务，直到 ctx 取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	if s == nil {
		return nil
	}
	srv := &http.Server{Addr: s.addr, Handler: s.router, ReadHeaderTimeout: 5 * time.Second}
	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	logger.Infof("[ops] http listening on %s", s.addr)

	select {
	case <-ctx.Done():
		shCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shCtx)
		return nil
	case err := <-errCh:
		return err
	}
}
