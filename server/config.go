package server

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"

	"spacearena/protocol"
)

// 环境变量前缀，如 SPACEARENA_ADDR
const envPrefix = "SPACEARENA_"

// Config 服务端运行配置
type Config struct {
	Addr      string // TCP 监听地址
	AdminAddr string // 管理与监控 HTTP 地址，空则不启动
	WSPath    string // WebSocket 接入路径（挂在管理 HTTP 上）

	TickRate       int           // 每秒 Tick 数
	MinPlayers     int           // 开局所需人数：2，或降级为 1
	StartTick      uint32        // 第一帧快照的 Tick 编号
	LevelDuration  time.Duration // 关卡时长；0 表示由关卡配置决定
	WaitingTimeout time.Duration // 等待阶段人数不足时重置大厅；0 表示不超时
	Intermission   time.Duration // 关卡结束后到下一关开始的最短间隔

	MaxFrameSize      int
	InputQueueSize    int
	OutboundQueueSize int
	IdleTimeout       time.Duration // 读空闲超时，超时即断开
	KeepAlive         time.Duration // 写空闲时发送空帧保活
	JoinTimeout       time.Duration // 等待 JoinRequest 的时限
	WriteTimeout      time.Duration

	LogFile   string
	Verbosity int
}

// DefaultConfig 默认配置
func DefaultConfig() Config {
	return Config{
		Addr:              "127.0.0.1:35555",
		AdminAddr:         "",
		WSPath:            "/ws",
		TickRate:          30,
		MinPlayers:        protocol.MaxSlots,
		StartTick:         0,
		LevelDuration:     0,
		WaitingTimeout:    30 * time.Second,
		Intermission:      2 * time.Second,
		MaxFrameSize:      protocol.DefaultMaxFrameSize,
		InputQueueSize:    16,
		OutboundQueueSize: 64,
		IdleTimeout:       15 * time.Second,
		KeepAlive:         5 * time.Second,
		JoinTimeout:       5 * time.Second,
		WriteTimeout:      5 * time.Second,
		LogFile:           "spacearena.log",
		Verbosity:         LevelLow,
	}
}

// TickInterval 由 TickRate 推出的固定 Tick 周期
func (c Config) TickInterval() time.Duration {
	return time.Second / time.Duration(c.TickRate)
}

// Validate 校验配置是否可用
func (c Config) Validate() error {
	switch {
	case c.Addr == "":
		return errors.New("config: empty listen address")
	case c.TickRate <= 0 || c.TickRate > 1000:
		return fmt.Errorf("config: tick rate %d out of range", c.TickRate)
	case c.MinPlayers < 1 || c.MinPlayers > protocol.MaxSlots:
		return fmt.Errorf("config: min players %d out of range", c.MinPlayers)
	case c.MaxFrameSize <= 0:
		return fmt.Errorf("config: max frame size %d", c.MaxFrameSize)
	case c.InputQueueSize <= 0 || c.OutboundQueueSize <= 0:
		return errors.New("config: queue sizes must be > 0")
	case c.IdleTimeout <= 0 || c.JoinTimeout <= 0 || c.WriteTimeout <= 0:
		return errors.New("config: timeouts must be > 0")
	case c.KeepAlive <= 0 || c.KeepAlive >= c.IdleTimeout:
		return fmt.Errorf("config: keep-alive %s must be in (0, idle timeout %s)", c.KeepAlive, c.IdleTimeout)
	case c.Verbosity < LevelSilent || c.Verbosity > LevelHigh:
		return fmt.Errorf("config: verbosity %d out of range 0..3", c.Verbosity)
	}
	return nil
}

// LoadConfig 默认值 <- .env 文件（可选）<- SPACEARENA_* 环境变量
func LoadConfig(envFile string) (Config, error) {
	cfg := DefaultConfig()
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return cfg, fmt.Errorf("config: load %s: %w", envFile, err)
		}
	}

	var err error
	str := func(key string, dst *string) {
		if v, ok := os.LookupEnv(envPrefix + key); ok {
			*dst = v
		}
	}
	num := func(key string, dst *int) {
		if v, ok := os.LookupEnv(envPrefix + key); ok && err == nil {
			n, perr := strconv.Atoi(v)
			if perr != nil {
				err = fmt.Errorf("config: %s%s: %w", envPrefix, key, perr)
				return
			}
			*dst = n
		}
	}
	dur := func(key string, dst *time.Duration) {
		if v, ok := os.LookupEnv(envPrefix + key); ok && err == nil {
			d, perr := time.ParseDuration(v)
			if perr != nil {
				err = fmt.Errorf("config: %s%s: %w", envPrefix, key, perr)
				return
			}
			*dst = d
		}
	}

	str("ADDR", &cfg.Addr)
	str("ADMIN_ADDR", &cfg.AdminAddr)
	str("WS_PATH", &cfg.WSPath)
	str("LOG_FILE", &cfg.LogFile)
	num("TICK_RATE", &cfg.TickRate)
	num("MIN_PLAYERS", &cfg.MinPlayers)
	num("MAX_FRAME_SIZE", &cfg.MaxFrameSize)
	num("INPUT_QUEUE", &cfg.InputQueueSize)
	num("OUTBOUND_QUEUE", &cfg.OutboundQueueSize)
	num("VERBOSITY", &cfg.Verbosity)
	dur("LEVEL_DURATION", &cfg.LevelDuration)
	dur("WAITING_TIMEOUT", &cfg.WaitingTimeout)
	dur("INTERMISSION", &cfg.Intermission)
	dur("IDLE_TIMEOUT", &cfg.IdleTimeout)
	dur("KEEPALIVE", &cfg.KeepAlive)
	dur("JOIN_TIMEOUT", &cfg.JoinTimeout)
	dur("WRITE_TIMEOUT", &cfg.WriteTimeout)

	var start int
	num("START_TICK", &start)
	if start < 0 {
		return cfg, fmt.Errorf("config: start tick %d", start)
	}
	if start > 0 {
		cfg.StartTick = uint32(start)
	}
	if err != nil {
		return cfg, err
	}
	return cfg, nil
}
