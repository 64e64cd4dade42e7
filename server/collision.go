package server

// CollisionKind 碰撞事件类型
type CollisionKind uint8

const (
	BulletHitEnemy CollisionKind = iota + 1
	EnemyHitPlayer
)

// CollisionEvent 一次碰撞；由 Tick 线程统一结算伤害与得分
type CollisionEvent struct {
	Kind     CollisionKind
	BulletID uint32
	EnemyID  uint32
	Slot     int
}

// CollisionResolver 碰撞检测协作者：只读世界，返回事件
type CollisionResolver interface {
	Resolve(w *World) []CollisionEvent
}

// AABBResolver 轴对齐包围盒检测
type AABBResolver struct{}

func (AABBResolver) Resolve(w *World) []CollisionEvent {
	var events []CollisionEvent
	for _, b := range w.Bullets {
		bb := b.Bounds()
		for _, e := range w.Enemies {
			if bb.Overlaps(e.Bounds()) {
				events = append(events, CollisionEvent{Kind: BulletHitEnemy, BulletID: b.ID, EnemyID: e.ID})
			}
		}
	}
	for _, p := range w.Players {
		if p == nil || p.Health <= 0 {
			continue
		}
		pb := p.Bounds()
		for _, e := range w.Enemies {
			if pb.Overlaps(e.Bounds()) {
				events = append(events, CollisionEvent{Kind: EnemyHitPlayer, EnemyID: e.ID, Slot: p.Slot})
			}
		}
	}
	return events
}

// Rect 以中心点表示的矩形
type Rect struct {
	CX, CY float64
	W, H   float64
}

func (r Rect) Overlaps(o Rect) bool {
	return abs(r.CX-o.CX)*2 < r.W+o.W && abs(r.CY-o.CY)*2 < r.H+o.H
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
