package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"

	"spacearena/protocol"
)

var (
	// ErrJoinTimeout 连接在时限内没有发送 JoinRequest
	ErrJoinTimeout = errors.New("server: join timeout")
	// ErrUnexpectedMessage 第一条消息不是 JoinRequest
	ErrUnexpectedMessage = errors.New("server: expected join request")
	// ErrRegistryClosed 注册表已关闭，不再接受加入
	ErrRegistryClosed = errors.New("server: registry closed")
)

// SlotListener 接收席位变化通知（游戏循环实现）
type SlotListener interface {
	PlayerJoined(slot int, p Peer)
	PlayerLeft(slot int, p Peer)
}

// SlotInfo 管理接口展示的席位信息
type SlotInfo struct {
	Slot      int    `json:"slot"`
	SessionID string `json:"session_id"`
	Remote    string `json:"remote"`
}

// Registry 管理两个玩家席位：EMPTY → OCCUPIED（加入成功）→ EMPTY（断开）
//
// 注册表从不直接修改世界，只通知游戏循环。
type Registry struct {
	cfg     Config
	loop    SlotListener
	log     LogSink
	metrics *Metrics

	mu     sync.Mutex
	slots  [protocol.MaxSlots]*Session
	closed bool
	wg     sync.WaitGroup // 每个已绑定会话的 watch 协程
}

// NewRegistry 创建席位注册表
func NewRegistry(cfg Config, loop SlotListener, log LogSink, metrics *Metrics) *Registry {
	if log == nil {
		log = nopSink{}
	}
	return &Registry{cfg: cfg, loop: loop, log: log, metrics: metrics}
}

// Accept 为新连接建立会话并完成加入握手。
// 返回已发送给对端的 JoinAccepted 或 JoinRejected；握手失败返回错误且连接已关闭。
func (r *Registry) Accept(ctx context.Context, conn net.Conn) (protocol.Message, error) {
	s := NewSession(conn, r.cfg.SessionConfig(), r.log, r.metrics)
	s.Start()

	jctx, cancel := context.WithTimeout(ctx, r.cfg.JoinTimeout)
	msg, err := s.Receive(jctx)
	cancel()
	if err != nil {
		s.Close()
		r.metrics.IncJoin("failed")
		if errors.Is(err, context.DeadlineExceeded) {
			err = ErrJoinTimeout
		}
		return nil, fmt.Errorf("join from %s: %w", s.RemoteAddr(), err)
	}
	if _, ok := msg.(protocol.JoinRequest); !ok {
		r.metrics.IncJoin("failed")
		s.sendFinal(protocol.Error{Code: protocol.ErrCodeUnexpected, Text: "expected join request, got " + msg.Type().String()})
		return nil, fmt.Errorf("join from %s: %w (got %s)", s.RemoteAddr(), ErrUnexpectedMessage, msg.Type())
	}

	slot, err := r.reserve(s)
	if err != nil {
		s.Close()
		r.metrics.IncJoin("failed")
		return nil, fmt.Errorf("join from %s: %w", s.RemoteAddr(), err)
	}
	if slot < 0 {
		// 满员直接拒绝，不排队，不创建任何状态
		rej := protocol.JoinRejected{Reason: protocol.RejectServerFull}
		s.sendFinal(rej)
		r.metrics.IncJoin("rejected")
		r.log.Logf(LevelLow, "connection rejected from %s - server full (%d/%d players)", s.RemoteAddr(), protocol.MaxSlots, protocol.MaxSlots)
		return rej, nil
	}

	acc := protocol.JoinAccepted{Slot: uint8(slot)}
	if err := s.Send(acc); err != nil {
		r.release(slot, s)
		r.wg.Done()
		return nil, fmt.Errorf("join from %s: %w", s.RemoteAddr(), err)
	}
	r.metrics.IncJoin("accepted")
	r.log.Logf(LevelLow, "player %d connected from %s (session %s)", slot+1, s.RemoteAddr(), s.ID)

	// JoinAccepted 已先入队，之后的快照不会抢在它前面
	r.loop.PlayerJoined(slot, s)
	go r.watch(slot, s)
	return acc, nil
}

// reserve 原子地占用第一个空席位，满员返回 -1；成功时为 watch 协程登记 wg
func (r *Registry) reserve(s *Session) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return -1, ErrRegistryClosed
	}
	for slot, cur := range r.slots {
		if cur == nil {
			r.slots[slot] = s
			s.bind(slot)
			r.wg.Add(1)
			r.metrics.SetActiveSessions(r.countLocked())
			return slot, nil
		}
	}
	return -1, nil
}

func (r *Registry) release(slot int, s *Session) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.slots[slot] != s {
		return false
	}
	r.slots[slot] = nil
	r.metrics.SetActiveSessions(r.countLocked())
	return true
}

// watch 等待会话断开：释放席位 → 通知循环移除玩家 → 告知其余会话
func (r *Registry) watch(slot int, s *Session) {
	defer r.wg.Done()
	<-s.Done()
	if !r.release(slot, s) {
		return
	}
	r.metrics.IncDisconnect()
	r.log.Logf(LevelLow, "player %d disconnected: %v", slot+1, s.Err())
	r.loop.PlayerLeft(slot, s)

	left := protocol.PlayerLeft{Slot: uint8(slot)}
	for _, other := range r.sessions() {
		if err := other.Send(left); err != nil {
			r.log.Logf(LevelMedium, "player %d: player-left notice not delivered: %v", other.Slot()+1, err)
		}
	}
}

func (r *Registry) sessions() []*Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Session, 0, protocol.MaxSlots)
	for _, s := range r.slots {
		if s != nil {
			out = append(out, s)
		}
	}
	return out
}

func (r *Registry) countLocked() int {
	n := 0
	for _, s := range r.slots {
		if s != nil {
			n++
		}
	}
	return n
}

// Occupied 当前被占用的席位
func (r *Registry) Occupied() []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []int
	for slot, s := range r.slots {
		if s != nil {
			out = append(out, slot)
		}
	}
	return out
}

// Slots 席位详情，供管理接口使用
func (r *Registry) Slots() []SlotInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []SlotInfo
	for slot, s := range r.slots {
		if s != nil {
			out = append(out, SlotInfo{Slot: slot, SessionID: s.ID, Remote: s.RemoteAddr()})
		}
	}
	return out
}

// DropAll 关闭所有在线会话；断开流程照常释放席位
func (r *Registry) DropAll() {
	for _, s := range r.sessions() {
		s.Close()
	}
}

// Close 拒绝后续加入，关闭所有会话并等待断开处理完成
func (r *Registry) Close() {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	r.DropAll()
	r.wg.Wait()
}
