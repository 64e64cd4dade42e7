package server

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"spacearena/protocol"
)

// runLevel 固定周期推进，直到关卡结束；Ticker 以单调时钟计时，执行抖动不会累积漂移
func (l *Loop) runLevel(ctx context.Context) error {
	ticker := time.NewTicker(l.cfg.TickInterval())
	defer ticker.Stop()
	for l.phase == protocol.PhaseRunning {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			l.step(ctx)
		}
	}
	return nil
}

// step 核心循环：处理席位变化 → 处理输入 → 更新世界 → 广播结果
func (l *Loop) step(ctx context.Context) {
	start := time.Now()
	_, span := l.tracer.Start(ctx, "tick")
	defer span.End()

	l.advanceTick()
	l.ticks++
	dt := l.cfg.TickInterval()

	l.drainEvents()
	l.applyInputs()

	w := l.world
	w.advancePlayers(dt, l.deps.IDs)
	if e := w.spawnEnemies(dt, l.deps.IDs, l.deps.Rand); e != nil {
		l.deps.Log.Logf(LevelHigh, "enemy %d spawned: %s (total %d)", e.ID, e.Spec.Kind, len(w.Enemies))
	}
	w.advanceEnemies(dt)
	w.advanceBullets(dt)
	if kills := w.applyCollisions(l.deps.Collisions.Resolve(w)); kills > 0 {
		l.deps.Log.Logf(LevelMedium, "tick %d: %d enemy(ies) destroyed", l.tick, kills)
	}
	w.Remaining -= dt

	switch {
	case w.PlayerCount() == 0:
		l.deps.Log.Logf(LevelLow, "all players gone, game over")
		l.phase = protocol.PhaseGameOver
	case w.anyPlayerDown():
		l.deps.Log.Logf(LevelLow, "a player died, game over")
		l.phase = protocol.PhaseGameOver
	case w.Remaining <= 0:
		l.deps.Log.Logf(LevelLow, "level %d timer expired", w.LevelIndex)
		l.phase = protocol.PhaseLevelComplete
	case w.cleared():
		l.deps.Log.Logf(LevelLow, "level %d cleared", w.LevelIndex)
		l.phase = protocol.PhaseLevelComplete
	}

	l.broadcast()

	if l.ticks%600 == 0 {
		l.deps.Log.Logf(LevelMedium, "game loop: %d ticks, %d/%d clients, %d bullets, %d enemies, L%d",
			l.ticks, l.occupied(), protocol.MaxSlots, len(w.Bullets), len(w.Enemies), w.LevelIndex)
	}
	span.SetAttributes(
		attribute.Int64("tick", int64(l.tick)),
		attribute.String("phase", l.phase.String()),
		attribute.Int("enemies", len(w.Enemies)),
		attribute.Int("bullets", len(w.Bullets)),
	)
	l.deps.Metrics.AddTick(time.Since(start))
}

// advanceTick 取下一个快照编号：首帧为 StartTick，之后严格递增且不复用
func (l *Loop) advanceTick() {
	if l.emitted {
		l.tick++
	}
	l.emitted = true
}
