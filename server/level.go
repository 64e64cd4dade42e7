package server

import (
	"math/rand"
	"sync/atomic"
	"time"
)

// baseFPS 帧计数类参数（刷怪间隔、射击冷却）以 60 帧/秒为基准换算成时长
const baseFPS = 60

func frames(n int) time.Duration {
	return time.Duration(n) * time.Second / baseFPS
}

// EnemyKind 敌人类型，随快照下发（EnemyState.Kind）
type EnemyKind uint8

const (
	EnemyBasic EnemyKind = iota
	EnemyFast
	EnemyTank
	EnemyWeaver
	EnemyBoss
)

func (k EnemyKind) String() string {
	switch k {
	case EnemyBasic:
		return "basic"
	case EnemyFast:
		return "fast"
	case EnemyTank:
		return "tank"
	case EnemyWeaver:
		return "weaver"
	case EnemyBoss:
		return "boss"
	default:
		return "unknown"
	}
}

// Movement 敌人移动模式
type Movement uint8

const (
	MoveStraight Movement = iota
	MoveZigzag
	MoveSine
)

// EnemySpec 敌人基础属性（第 0 关数值，按关卡缩放）
type EnemySpec struct {
	Kind       EnemyKind
	Width      float64
	Height     float64
	Health     int
	Speed      float64 // 像素/秒
	Movement   Movement
	CoinValue  int
	ScoreValue int
}

var enemyCatalogue = map[EnemyKind]EnemySpec{
	EnemyBasic:  {Kind: EnemyBasic, Width: 40, Height: 40, Health: 30, Speed: 2.0 * baseFPS, Movement: MoveStraight, CoinValue: 10, ScoreValue: 100},
	EnemyFast:   {Kind: EnemyFast, Width: 35, Height: 35, Health: 20, Speed: 4.0 * baseFPS, Movement: MoveZigzag, CoinValue: 15, ScoreValue: 150},
	EnemyTank:   {Kind: EnemyTank, Width: 60, Height: 60, Health: 80, Speed: 1.0 * baseFPS, Movement: MoveStraight, CoinValue: 30, ScoreValue: 300},
	EnemyWeaver: {Kind: EnemyWeaver, Width: 45, Height: 45, Health: 40, Speed: 2.5 * baseFPS, Movement: MoveSine, CoinValue: 20, ScoreValue: 200},
	EnemyBoss:   {Kind: EnemyBoss, Width: 80, Height: 80, Health: 200, Speed: 1.5 * baseFPS, Movement: MoveSine, CoinValue: 100, ScoreValue: 1000},
}

// Scaled 按关卡放大：血量 +20%/关，速度 +5%/关，奖励 +10%/关
func (s EnemySpec) Scaled(level int) EnemySpec {
	l := float64(level)
	s.Health = int(float64(s.Health) * (1 + l*0.2))
	s.Speed = s.Speed * (1 + l*0.05)
	s.CoinValue = int(float64(s.CoinValue) * (1 + l*0.1))
	s.ScoreValue = int(float64(s.ScoreValue) * (1 + l*0.1))
	return s
}

// LevelConfig 单个关卡的刷怪表与时长
type LevelConfig struct {
	Index          int
	EnemiesToSpawn int
	SpawnDelay     time.Duration
	TimeLimit      time.Duration
	Kinds          []EnemyKind // 随机抽取，重复项提高权重
}

// LevelProvider 关卡配置来源
type LevelProvider interface {
	Level(index int) LevelConfig
}

// DefaultLevels 默认关卡曲线：敌人 10+5n，刷怪间隔 max(40,80-3n) 帧，时限 120+10n 秒
type DefaultLevels struct{}

func (DefaultLevels) Level(index int) LevelConfig {
	if index < 1 {
		index = 1
	}
	delay := 80 - index*3
	if delay < 40 {
		delay = 40
	}
	var kinds []EnemyKind
	switch {
	case index <= 2:
		kinds = []EnemyKind{EnemyBasic}
	case index <= 5:
		kinds = []EnemyKind{EnemyBasic, EnemyBasic, EnemyFast}
	case index <= 10:
		kinds = []EnemyKind{EnemyBasic, EnemyFast, EnemyWeaver, EnemyTank}
	default:
		kinds = []EnemyKind{EnemyBasic, EnemyFast, EnemyTank, EnemyWeaver, EnemyBoss}
	}
	return LevelConfig{
		Index:          index,
		EnemiesToSpawn: 10 + index*5,
		SpawnDelay:     frames(delay),
		TimeLimit:      time.Duration(120+index*10) * time.Second,
		Kinds:          kinds,
	}
}

func (c LevelConfig) pickKind(rng *rand.Rand) EnemyKind {
	if len(c.Kinds) == 0 {
		return EnemyBasic
	}
	return c.Kinds[rng.Intn(len(c.Kinds))]
}

// IDAllocator 为新实体分配跨 Tick 稳定的 ID
type IDAllocator interface {
	Next() uint32
}

// SequentialIDs 自增 ID，从 1 开始
type SequentialIDs struct {
	n atomic.Uint32
}

func (s *SequentialIDs) Next() uint32 { return s.n.Add(1) }
