package server

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"spacearena/protocol"
)

// Peer Tick 线程眼中的一个在线席位：只能投递消息、取走输入
type Peer interface {
	Send(protocol.Message) error
	DrainInputs() []protocol.InputCommand
}

// slotEvent 席位占用变化，由注册表发出、Tick 线程处理
type slotEvent struct {
	slot int
	peer Peer
	join bool
}

// LoopDeps 游戏循环的外部协作者；零值字段使用默认实现
type LoopDeps struct {
	Collisions CollisionResolver
	IDs        IDAllocator
	Levels     LevelProvider
	Log        LogSink
	Metrics    *Metrics
	Rand       *rand.Rand

	// OnWaitingTimeout 等待阶段人数不足超时时调用（通常清空大厅）
	OnWaitingTimeout func()
}

// LoopStatus 供管理接口读取的只读状态
type LoopStatus struct {
	Phase    string `json:"phase"`
	Tick     uint32 `json:"tick"`
	Level    int    `json:"level"`
	Players  int    `json:"players"`
	Enemies  int    `json:"enemies"`
	Bullets  int    `json:"bullets"`
	TimerMs  uint32 `json:"timer_ms"`
	Occupied []int  `json:"occupied"`
}

// Loop 权威游戏循环：唯一持有并修改 World 的协程
type Loop struct {
	cfg  Config
	deps LoopDeps

	events  chan slotEvent
	stopped chan struct{}

	// 以下字段只在 Run 所在协程中访问
	world   *World
	peers   [protocol.MaxSlots]Peer
	cursors [protocol.MaxSlots]inputCursor
	phase   protocol.Phase
	tick    uint32
	emitted bool // tick 是否已用于某个快照
	ticks   int  // 本关已推进的 Tick 数

	tracer trace.Tracer

	statusMu sync.RWMutex
	status   LoopStatus
}

// NewLoop 创建游戏循环，Run 之前不推进
func NewLoop(cfg Config, deps LoopDeps) *Loop {
	if deps.Collisions == nil {
		deps.Collisions = AABBResolver{}
	}
	if deps.IDs == nil {
		deps.IDs = &SequentialIDs{}
	}
	if deps.Levels == nil {
		deps.Levels = DefaultLevels{}
	}
	if deps.Log == nil {
		deps.Log = nopSink{}
	}
	if deps.Rand == nil {
		deps.Rand = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	l := &Loop{
		cfg:     cfg,
		deps:    deps,
		events:  make(chan slotEvent, 16),
		stopped: make(chan struct{}),
		world:   NewWorld(),
		phase:   protocol.PhaseWaiting,
		tick:    cfg.StartTick,
		tracer:  otel.Tracer("spacearena/server"),
	}
	l.publishStatus()
	return l
}

// PlayerJoined 通知席位被占用；循环已退出时直接返回
func (l *Loop) PlayerJoined(slot int, p Peer) {
	l.signal(slotEvent{slot: slot, peer: p, join: true})
}

// PlayerLeft 通知席位释放；只对仍绑定该 peer 的席位生效
func (l *Loop) PlayerLeft(slot int, p Peer) {
	l.signal(slotEvent{slot: slot, peer: p})
}

func (l *Loop) signal(ev slotEvent) {
	select {
	case l.events <- ev:
	case <-l.stopped:
	}
}

// Status 最近一次发布的状态副本
func (l *Loop) Status() LoopStatus {
	l.statusMu.RLock()
	defer l.statusMu.RUnlock()
	st := l.status
	st.Occupied = append([]int(nil), l.status.Occupied...)
	return st
}

// Run 阻塞运行直到 ctx 取消：等待玩家 → 运行关卡 → 结算 → 再次等待
func (l *Loop) Run(ctx context.Context) error {
	defer close(l.stopped)
	notBefore := time.Time{}
	for {
		if err := l.waitForPlayers(ctx, notBefore); err != nil {
			return err
		}
		l.startLevel(ctx)
		if err := l.runLevel(ctx); err != nil {
			return err
		}
		l.finishLevel()
		notBefore = time.Now().Add(l.cfg.Intermission)
	}
}

// waitForPlayers 不推进 Tick，只处理席位变化，直到人数达标
func (l *Loop) waitForPlayers(ctx context.Context, notBefore time.Time) error {
	l.phase = protocol.PhaseWaiting
	l.publishStatus()
	l.deps.Log.Logf(LevelLow, "waiting for %d player(s), %d connected", l.cfg.MinPlayers, l.occupied())

	var timeout <-chan time.Time
	var timer *time.Timer
	if l.cfg.WaitingTimeout > 0 {
		timer = time.NewTimer(l.cfg.WaitingTimeout)
		defer timer.Stop()
		timeout = timer.C
	}
	var delay <-chan time.Time
	if d := time.Until(notBefore); d > 0 {
		t := time.NewTimer(d)
		defer t.Stop()
		delay = t.C
	}

	for {
		if delay == nil && l.occupied() >= l.cfg.MinPlayers {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev := <-l.events:
			l.handleEvent(ev)
			l.publishStatus()
		case <-delay:
			delay = nil
		case <-timeout:
			if n := l.occupied(); n > 0 && n < l.cfg.MinPlayers {
				l.deps.Log.Logf(LevelLow, "waiting timeout with %d/%d players, resetting lobby", n, l.cfg.MinPlayers)
				if l.deps.OnWaitingTimeout != nil {
					l.deps.OnWaitingTimeout()
				}
			}
			timer.Reset(l.cfg.WaitingTimeout)
		}
	}
}

// startLevel 重置关卡与计时器，进入 RUNNING 并广播首帧
func (l *Loop) startLevel(ctx context.Context) {
	lc := l.deps.Levels.Level(l.world.LevelIndex)
	for slot, p := range l.peers {
		if p != nil {
			l.world.AddPlayer(slot, l.deps.IDs.Next())
		}
	}
	l.world.ResetLevel(lc, l.cfg.LevelDuration)
	l.phase = protocol.PhaseRunning
	l.ticks = 0
	l.advanceTick()
	l.deps.Log.Logf(LevelLow, "level %d started with %d player(s), %s on the clock", lc.Index, l.world.PlayerCount(), l.world.Remaining)

	_, span := l.tracer.Start(ctx, "level.start", trace.WithAttributes(
		attribute.Int("level", lc.Index),
		attribute.Int64("tick", int64(l.tick)),
	))
	l.broadcast()
	span.End()
}

// finishLevel 过关进入下一关（保留分数），失败则回到第 1 关并重建玩家
func (l *Loop) finishLevel() {
	switch l.phase {
	case protocol.PhaseLevelComplete:
		l.world.LevelIndex++
	case protocol.PhaseGameOver:
		l.world = NewWorld()
	}
}

// drainEvents 非阻塞处理 Tick 边界前到达的全部席位变化
func (l *Loop) drainEvents() {
	for {
		select {
		case ev := <-l.events:
			l.handleEvent(ev)
		default:
			return
		}
	}
}

func (l *Loop) handleEvent(ev slotEvent) {
	if ev.slot < 0 || ev.slot >= protocol.MaxSlots {
		return
	}
	if ev.join {
		if l.peers[ev.slot] != nil {
			l.world.RemovePlayer(ev.slot)
		}
		l.peers[ev.slot] = ev.peer
		l.cursors[ev.slot] = inputCursor{}
		if l.phase == protocol.PhaseRunning {
			l.world.AddPlayer(ev.slot, l.deps.IDs.Next())
		}
		l.deps.Log.Logf(LevelLow, "player %d joined, %d/%d connected", ev.slot+1, l.occupied(), protocol.MaxSlots)
		return
	}
	if l.peers[ev.slot] != ev.peer {
		return // 席位已被新会话接管
	}
	l.peers[ev.slot] = nil
	l.cursors[ev.slot] = inputCursor{}
	l.world.RemovePlayer(ev.slot)
	l.deps.Log.Logf(LevelLow, "player %d left, %d/%d connected", ev.slot+1, l.occupied(), protocol.MaxSlots)
}

// applyInputs 每个席位最多采纳一条最新输入，非法输入只丢弃自身
func (l *Loop) applyInputs() {
	for slot, peer := range l.peers {
		if peer == nil {
			continue
		}
		cmds := peer.DrainInputs()
		if len(cmds) == 0 {
			continue
		}
		in, ok := selectInput(slot, l.cursors[slot], cmds, func(bad protocol.InputCommand, err error) {
			l.deps.Metrics.IncDiscarded(discardReason(err))
			if err != nil {
				l.deps.Log.Logf(LevelMedium, "slot %d: input tick %d discarded: %v", slot, bad.Tick, err)
			}
		})
		if !ok {
			continue
		}
		l.cursors[slot] = inputCursor{last: in.Tick, seen: true}
		if p := l.world.Players[slot]; p != nil {
			p.intent = in
		}
		l.deps.Metrics.IncAccepted()
	}
}

// broadcast 以当前 Tick 生成快照并同步投递到每个在线会话的发送队列
func (l *Loop) broadcast() {
	snap := l.world.Snapshot(l.tick, l.phase)
	sent := 0
	for slot, p := range l.peers {
		if p == nil {
			continue
		}
		if err := p.Send(snap); err != nil {
			// 断开在下一个 Tick 边界经由注册表处理
			l.deps.Log.Logf(LevelMedium, "slot %d: snapshot %d not delivered: %v", slot, snap.Tick, err)
			continue
		}
		sent++
	}
	l.deps.Metrics.AddSnapshots(sent)
	l.publishStatus()
}

func (l *Loop) occupied() int {
	n := 0
	for _, p := range l.peers {
		if p != nil {
			n++
		}
	}
	return n
}

func (l *Loop) publishStatus() {
	st := LoopStatus{
		Phase:   l.phase.String(),
		Tick:    l.tick,
		Level:   l.world.LevelIndex,
		Players: l.world.PlayerCount(),
		Enemies: len(l.world.Enemies),
		Bullets: len(l.world.Bullets),
	}
	if l.world.Remaining > 0 {
		st.TimerMs = uint32(l.world.Remaining.Milliseconds())
	}
	for slot, p := range l.peers {
		if p != nil {
			st.Occupied = append(st.Occupied, slot)
		}
	}
	l.statusMu.Lock()
	l.status = st
	l.statusMu.Unlock()
}
