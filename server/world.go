package server

import (
	"time"

	"spacearena/protocol"
)

// 场地与实体尺寸（像素）
const (
	FieldWidth  = 1024
	FieldHeight = 768

	playerWidth   = 50
	playerHeight  = 60
	playerHealth  = 100
	playerSpeed   = 6 * baseFPS  // 像素/秒
	bulletSpeed   = 10 * baseFPS // 像素/秒，向上
	bulletWidth   = 6
	bulletHeight  = 14
	bulletDamage  = 25
	contactDamage = 30
	spawnY        = -50
)

var fireCooldown = frames(10)

// Player 席位上的玩家实体（服务端权威状态）
type Player struct {
	Slot      int
	ID        uint32
	X         float64
	Y         float64
	Health    int
	MaxHealth int
	Score     int
	Coins     int

	intent   protocol.InputCommand // 最近一次被采纳的输入，持续生效直到被替换
	cooldown time.Duration
}

func (p *Player) Bounds() Rect { return Rect{CX: p.X, CY: p.Y, W: playerWidth, H: playerHeight} }

// Enemy 敌人实体
type Enemy struct {
	ID     uint32
	Spec   EnemySpec
	X      float64
	Y      float64
	Health int

	baseX float64
	age   time.Duration
	dir   float64
}

func (e *Enemy) Bounds() Rect { return Rect{CX: e.X, CY: e.Y, W: e.Spec.Width, H: e.Spec.Height} }

// Bullet 子弹实体
type Bullet struct {
	ID     uint32
	Owner  int
	X      float64
	Y      float64
	VY     float64
	Damage int
}

func (b *Bullet) Bounds() Rect { return Rect{CX: b.X, CY: b.Y, W: bulletWidth, H: bulletHeight} }

// World 唯一可变的世界状态；只允许 Tick 协程读写
type World struct {
	Players    [protocol.MaxSlots]*Player
	Enemies    []*Enemy  // 按 ID 递增
	Bullets    []*Bullet // 按 ID 递增
	LevelIndex int
	Level      LevelConfig
	Remaining  time.Duration

	spawned    int
	spawnTimer time.Duration
}

// NewWorld 创建空世界，关卡从 1 开始
func NewWorld() *World {
	return &World{LevelIndex: 1}
}

func spawnPoint(slot int) (float64, float64) {
	return float64(FieldWidth) * float64(slot+1) / 3, FieldHeight - 100
}

// AddPlayer 在席位出生点创建玩家；已存在则原样返回
func (w *World) AddPlayer(slot int, id uint32) *Player {
	if p := w.Players[slot]; p != nil {
		return p
	}
	x, y := spawnPoint(slot)
	p := &Player{Slot: slot, ID: id, X: x, Y: y, Health: playerHealth, MaxHealth: playerHealth}
	w.Players[slot] = p
	return p
}

// RemovePlayer 移除席位上的玩家及其子弹
func (w *World) RemovePlayer(slot int) {
	w.Players[slot] = nil
	kept := w.Bullets[:0]
	for _, b := range w.Bullets {
		if b.Owner != slot {
			kept = append(kept, b)
		}
	}
	w.Bullets = kept
}

// ResetLevel 进入新关卡：清空敌人与子弹，玩家回到出生点并回满血（分数、金币保留）
func (w *World) ResetLevel(lc LevelConfig, duration time.Duration) {
	w.LevelIndex = lc.Index
	w.Level = lc
	if duration <= 0 {
		duration = lc.TimeLimit
	}
	w.Remaining = duration
	w.Enemies = nil
	w.Bullets = nil
	w.spawned = 0
	w.spawnTimer = 0
	for _, p := range w.Players {
		if p == nil {
			continue
		}
		p.X, p.Y = spawnPoint(p.Slot)
		p.Health = p.MaxHealth
		p.intent = protocol.InputCommand{Slot: uint8(p.Slot)}
		p.cooldown = 0
	}
}

// PlayerCount 在场玩家数
func (w *World) PlayerCount() int {
	n := 0
	for _, p := range w.Players {
		if p != nil {
			n++
		}
	}
	return n
}

// Snapshot 生成当前世界的完整快照（新切片，不与世界共享内存）
func (w *World) Snapshot(tick uint32, phase protocol.Phase) protocol.WorldSnapshot {
	remaining := w.Remaining
	if remaining < 0 {
		remaining = 0
	}
	s := protocol.WorldSnapshot{
		Tick:         tick,
		Phase:        phase,
		LevelIndex:   uint16(w.LevelIndex),
		LevelTimerMs: uint32(remaining.Milliseconds()),
	}
	for _, p := range w.Players {
		if p == nil {
			continue
		}
		s.Players = append(s.Players, protocol.PlayerState{
			Slot:      uint8(p.Slot),
			ID:        p.ID,
			X:         float32(p.X),
			Y:         float32(p.Y),
			Health:    int32(p.Health),
			MaxHealth: int32(p.MaxHealth),
			Score:     uint32(p.Score),
			Coins:     uint32(p.Coins),
		})
	}
	if len(w.Enemies) > 0 {
		s.Enemies = make([]protocol.EnemyState, 0, len(w.Enemies))
		for _, e := range w.Enemies {
			s.Enemies = append(s.Enemies, protocol.EnemyState{
				ID:     e.ID,
				Kind:   uint8(e.Spec.Kind),
				X:      float32(e.X),
				Y:      float32(e.Y),
				Health: int32(e.Health),
			})
		}
	}
	if len(w.Bullets) > 0 {
		s.Bullets = make([]protocol.BulletState, 0, len(w.Bullets))
		for _, b := range w.Bullets {
			s.Bullets = append(s.Bullets, protocol.BulletState{
				ID:     b.ID,
				Owner:  uint8(b.Owner),
				X:      float32(b.X),
				Y:      float32(b.Y),
				Damage: int32(b.Damage),
			})
		}
	}
	return s
}
