package server

import (
	"context"
	"net/http"

	"spacearena/transport"
)

// handleWS WebSocket 接入：浏览器客户端与 TCP 客户端走同一个注册表
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := transport.Upgrade(w, r)
	if err != nil {
		s.log.Logf(LevelLow, "upgrade error: %v", err)
		return
	}
	ctx := s.ctx
	if ctx == nil {
		ctx = context.Background()
	}
	go s.handleConn(ctx, conn)
}
