// Package client 是客户端的网络层：连接服务端、加入席位，并把收到的快照镜像到本地视图。
// 它不做任何模拟或预测，渲染与输入层每帧读取 View 即可。
package client

import (
	"errors"
	"fmt"
	"sync"

	"spacearena/protocol"
)

var (
	// ErrStaleSnapshot 快照 Tick 不新于已应用的 Tick，被丢弃（非致命）
	ErrStaleSnapshot = errors.New("client: stale snapshot")
	// ErrJoinRejected 服务端拒绝加入
	ErrJoinRejected = errors.New("client: join rejected")
)

// RemoteError 服务端发来的 Error 消息；持有连接的一方据此断开
type RemoteError struct {
	Code uint16
	Text string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("server error %d: %s", e.Code, e.Text)
}

// View 本地世界镜像，每次接受快照时整体替换
type View struct {
	Slot         int // 本机席位，未加入为 -1
	Applied      bool
	Tick         uint32
	Phase        protocol.Phase
	LevelIndex   uint16
	LevelTimerMs uint32
	Players      []protocol.PlayerState
	Enemies      []protocol.EnemyState
	Bullets      []protocol.BulletState
}

// Local 本机玩家；不在快照中返回 false
func (v View) Local() (protocol.PlayerState, bool) {
	for _, p := range v.Players {
		if int(p.Slot) == v.Slot {
			return p, true
		}
	}
	return protocol.PlayerState{}, false
}

// Applier 把服务端消息应用到本地视图；可被网络协程写、渲染协程读
type Applier struct {
	mu   sync.RWMutex
	view View
}

// NewApplier 创建空视图
func NewApplier() *Applier {
	return &Applier{view: View{Slot: -1}}
}

// Apply 应用一条服务端消息。
// 过期快照返回 ErrStaleSnapshot；Error 消息返回 *RemoteError；拒绝加入返回 ErrJoinRejected。
func (a *Applier) Apply(m protocol.Message) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	switch msg := m.(type) {
	case protocol.WorldSnapshot:
		if a.view.Applied && msg.Tick <= a.view.Tick {
			return fmt.Errorf("%w: tick %d <= %d", ErrStaleSnapshot, msg.Tick, a.view.Tick)
		}
		a.view.Applied = true
		a.view.Tick = msg.Tick
		a.view.Phase = msg.Phase
		a.view.LevelIndex = msg.LevelIndex
		a.view.LevelTimerMs = msg.LevelTimerMs
		a.view.Players = append([]protocol.PlayerState(nil), msg.Players...)
		a.view.Enemies = append([]protocol.EnemyState(nil), msg.Enemies...)
		a.view.Bullets = append([]protocol.BulletState(nil), msg.Bullets...)
	case protocol.PlayerLeft:
		// 与快照先后无关，立即移除
		kept := a.view.Players[:0:0]
		for _, p := range a.view.Players {
			if p.Slot != msg.Slot {
				kept = append(kept, p)
			}
		}
		a.view.Players = kept
	case protocol.JoinAccepted:
		a.view.Slot = int(msg.Slot)
	case protocol.JoinRejected:
		return fmt.Errorf("%w: %s", ErrJoinRejected, msg.Reason)
	case protocol.Error:
		return &RemoteError{Code: msg.Code, Text: msg.Text}
	case nil:
		return fmt.Errorf("client: nil message")
	default:
		return fmt.Errorf("client: unexpected %s from server", m.Type())
	}
	return nil
}

// View 返回视图的深拷贝
func (a *Applier) View() View {
	a.mu.RLock()
	defer a.mu.RUnlock()
	v := a.view
	v.Players = append([]protocol.PlayerState(nil), a.view.Players...)
	v.Enemies = append([]protocol.EnemyState(nil), a.view.Enemies...)
	v.Bullets = append([]protocol.BulletState(nil), a.view.Bullets...)
	return v
}

// Tick 最近一次应用的快照 Tick
func (a *Applier) Tick() (uint32, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.view.Tick, a.view.Applied
}
