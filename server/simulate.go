package server

import (
	"math"
	"math/rand"
	"time"
)

// advancePlayers 按当前意图移动玩家并处理开火
func (w *World) advancePlayers(dt time.Duration, ids IDAllocator) (fired int) {
	sec := dt.Seconds()
	for _, p := range w.Players {
		if p == nil || p.Health <= 0 {
			continue
		}
		p.X = clamp(p.X+float64(p.intent.MoveX)*playerSpeed*sec, playerWidth/2, FieldWidth-playerWidth/2)
		p.Y = clamp(p.Y+float64(p.intent.MoveY)*playerSpeed*sec, playerHeight/2, FieldHeight-playerHeight/2)

		if p.cooldown > 0 {
			p.cooldown -= dt
		}
		if p.intent.Fire && p.cooldown <= 0 {
			w.Bullets = append(w.Bullets, &Bullet{
				ID:     ids.Next(),
				Owner:  p.Slot,
				X:      p.X,
				Y:      p.Y - playerHeight/2,
				VY:     -bulletSpeed,
				Damage: bulletDamage,
			})
			p.cooldown = fireCooldown
			fired++
		}
	}
	return fired
}

// spawnEnemies 推进刷怪计时器，到点从场地上方刷出一个敌人
func (w *World) spawnEnemies(dt time.Duration, ids IDAllocator, rng *rand.Rand) *Enemy {
	if w.spawned >= w.Level.EnemiesToSpawn {
		return nil
	}
	w.spawnTimer += dt
	if w.spawnTimer < w.Level.SpawnDelay {
		return nil
	}
	w.spawnTimer = 0
	w.spawned++

	spec := enemyCatalogue[w.Level.pickKind(rng)].Scaled(w.LevelIndex)
	x := 50 + rng.Float64()*(FieldWidth-100)
	e := &Enemy{ID: ids.Next(), Spec: spec, X: x, Y: spawnY, Health: spec.Health, baseX: x, dir: 1}
	w.Enemies = append(w.Enemies, e)
	return e
}

// advanceEnemies 按移动模式推进敌人；越过底边的敌人移除
func (w *World) advanceEnemies(dt time.Duration) {
	sec := dt.Seconds()
	kept := w.Enemies[:0]
	for _, e := range w.Enemies {
		e.age += dt
		e.Y += e.Spec.Speed * sec
		switch e.Spec.Movement {
		case MoveZigzag:
			// 每半秒换向
			if int(e.age/(500*time.Millisecond))%2 == 1 {
				e.dir = -1
			} else {
				e.dir = 1
			}
			e.X = clamp(e.X+e.dir*e.Spec.Speed*sec, e.Spec.Width/2, FieldWidth-e.Spec.Width/2)
		case MoveSine:
			e.X = clamp(e.baseX+60*math.Sin(e.age.Seconds()*3), e.Spec.Width/2, FieldWidth-e.Spec.Width/2)
		}
		if e.Y-e.Spec.Height/2 > FieldHeight {
			continue
		}
		kept = append(kept, e)
	}
	w.Enemies = kept
}

// advanceBullets 移动子弹；飞出场地的移除
func (w *World) advanceBullets(dt time.Duration) {
	sec := dt.Seconds()
	kept := w.Bullets[:0]
	for _, b := range w.Bullets {
		b.Y += b.VY * sec
		if b.Y+bulletHeight/2 < 0 || b.Y-bulletHeight/2 > FieldHeight {
			continue
		}
		kept = append(kept, b)
	}
	w.Bullets = kept
}

// applyCollisions 结算碰撞：子弹命中扣血，击杀记分给子弹所属玩家；敌人撞到玩家则自毁并造成伤害
func (w *World) applyCollisions(events []CollisionEvent) (kills int) {
	enemies := make(map[uint32]*Enemy, len(w.Enemies))
	for _, e := range w.Enemies {
		enemies[e.ID] = e
	}
	bullets := make(map[uint32]*Bullet, len(w.Bullets))
	for _, b := range w.Bullets {
		bullets[b.ID] = b
	}
	spentBullets := make(map[uint32]bool)
	deadEnemies := make(map[uint32]bool)

	for _, ev := range events {
		if ev.Kind != BulletHitEnemy {
			continue
		}
		b, e := bullets[ev.BulletID], enemies[ev.EnemyID]
		if b == nil || e == nil || deadEnemies[e.ID] {
			continue
		}
		spentBullets[b.ID] = true
		e.Health -= b.Damage
		if e.Health <= 0 {
			deadEnemies[e.ID] = true
			kills++
			if p := w.Players[b.Owner]; p != nil {
				p.Score += e.Spec.ScoreValue
				p.Coins += e.Spec.CoinValue
			}
		}
	}
	for _, ev := range events {
		if ev.Kind != EnemyHitPlayer {
			continue
		}
		e := enemies[ev.EnemyID]
		if e == nil || deadEnemies[e.ID] || ev.Slot < 0 || ev.Slot >= len(w.Players) {
			continue
		}
		p := w.Players[ev.Slot]
		if p == nil {
			continue
		}
		deadEnemies[e.ID] = true
		p.Health -= contactDamage
	}

	if len(deadEnemies) > 0 {
		kept := w.Enemies[:0]
		for _, e := range w.Enemies {
			if !deadEnemies[e.ID] {
				kept = append(kept, e)
			}
		}
		w.Enemies = kept
	}
	if len(spentBullets) > 0 {
		kept := w.Bullets[:0]
		for _, b := range w.Bullets {
			if !spentBullets[b.ID] {
				kept = append(kept, b)
			}
		}
		w.Bullets = kept
	}
	return kills
}

// anyPlayerDown 是否有玩家血量归零
func (w *World) anyPlayerDown() bool {
	for _, p := range w.Players {
		if p != nil && p.Health <= 0 {
			return true
		}
	}
	return false
}

// cleared 本关敌人已全部刷出且全部消灭
func (w *World) cleared() bool {
	return w.Level.EnemiesToSpawn > 0 && w.spawned >= w.Level.EnemiesToSpawn && len(w.Enemies) == 0
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
