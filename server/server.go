package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"spacearena/protocol"
)

// Server 专用服务端：TCP 接入 → 注册表分配席位 → 游戏循环推进并广播
type Server struct {
	cfg      Config
	log      LogSink
	metrics  *Metrics
	promReg  *prometheus.Registry
	loop     *Loop
	registry *Registry

	ln    net.Listener
	admin *http.Server
	ctx   context.Context

	ready chan struct{}
}

// Option 定制游戏循环的协作者（主要用于测试）
type Option func(*LoopDeps)

// New 按配置组装服务端各组件
func New(cfg Config, log LogSink, opts ...Option) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if log == nil {
		log = nopSink{}
	}
	reg := prometheus.NewRegistry()
	s := &Server{
		cfg:     cfg,
		log:     log,
		metrics: NewMetrics(reg),
		promReg: reg,
		ready:   make(chan struct{}),
	}
	deps := LoopDeps{Log: log, Metrics: s.metrics}
	for _, opt := range opts {
		opt(&deps)
	}
	if deps.OnWaitingTimeout == nil {
		deps.OnWaitingTimeout = func() { s.registry.DropAll() }
	}
	s.loop = NewLoop(cfg, deps)
	s.registry = NewRegistry(cfg, s.loop, log, s.metrics)
	return s, nil
}

// Addr 实际监听地址（Run 开始监听后可用）
func (s *Server) Addr() net.Addr {
	<-s.ready
	return s.ln.Addr()
}

// Loop 游戏循环
func (s *Server) Loop() *Loop { return s.loop }

// Registry 席位注册表
func (s *Server) Registry() *Registry { return s.registry }

// Run 监听并阻塞运行，直到 ctx 取消
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.cfg.Addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve 在给定监听器上运行
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	s.ln = ln
	s.ctx = ctx
	close(s.ready)

	s.log.Logf(LevelLow, "listening on %s (max players %d, %d ticks/s)", ln.Addr(), protocol.MaxSlots, s.cfg.TickRate)

	var wg sync.WaitGroup
	loopErr := make(chan error, 1)
	wg.Add(1)
	go func() {
		defer wg.Done()
		loopErr <- s.loop.Run(ctx)
	}()

	if s.cfg.AdminAddr != "" {
		s.admin = &http.Server{Addr: s.cfg.AdminAddr, Handler: s.AdminHandler(), ReadHeaderTimeout: 5 * time.Second}
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.log.Logf(LevelLow, "admin listening on %s", s.cfg.AdminAddr)
			if err := s.admin.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				s.log.Logf(LevelSilent, "admin listen: %v", err)
			}
		}()
	}

	// 关闭监听器是唯一的取消方式：Accept 会随之返回
	go func() {
		<-ctx.Done()
		_ = ln.Close()
		if s.admin != nil {
			shutdownCtx, done := context.WithTimeout(context.Background(), 2*time.Second)
			_ = s.admin.Shutdown(shutdownCtx)
			done()
		}
	}()

	err := s.acceptLoop(ctx, ln)
	cancel()
	s.registry.Close()
	wg.Wait()

	if lerr := <-loopErr; err == nil && lerr != nil && !errors.Is(lerr, context.Canceled) {
		err = lerr
	}
	s.log.Logf(LevelLow, "server shutdown complete")
	return err
}

func (s *Server) acceptLoop(ctx context.Context, ln net.Listener) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			return fmt.Errorf("accept: %w", err)
		}
		go s.handleConn(ctx, conn)
	}
}

// handleConn 在独立协程中完成握手，避免慢客户端阻塞 Accept
func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	reply, err := s.registry.Accept(ctx, conn)
	if err != nil {
		s.log.Logf(LevelLow, "%v", err)
		return
	}
	if _, ok := reply.(protocol.JoinAccepted); ok {
		s.log.Logf(LevelLow, "%d/%d players connected", len(s.registry.Occupied()), protocol.MaxSlots)
	}
}
