package server

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// AdminHandler 管理与监控接口
//
//	GET /healthz        存活检查
//	GET /metrics        Prometheus 指标
//	GET /admin/status   游戏循环与席位状态
//	GET {WSPath}        WebSocket 接入
func (s *Server) AdminHandler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.HandlerFor(s.promReg, promhttp.HandlerOpts{}))
	r.Get("/admin/status", s.handleStatus)
	if s.cfg.WSPath != "" {
		r.Get(s.cfg.WSPath, s.handleWS)
	}
	return r
}

// handleStatus 输出游戏循环最近一次发布的状态与席位详情
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	payload := map[string]any{
		"loop":  s.loop.Status(),
		"slots": s.registry.Slots(),
		"config": map[string]any{
			"tick_rate":   s.cfg.TickRate,
			"min_players": s.cfg.MinPlayers,
			"verbosity":   s.cfg.Verbosity,
		},
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(payload)
}
