package server

import (
	"fmt"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Log 是全局可用的 SugaredLogger，默认丢弃输出，InitLogger 后写入文件
var Log = zap.NewNop().Sugar()

// InitLogger 初始化 zap 日志到本地文件（支持滚动），stderr 为 true 时同时输出到终端
// filePath: 日志文件路径，如 "spacearena.log"
func InitLogger(filePath string, stderr bool) error {
	// 文件滚动策略：10MB 每文件，保留3个备份
	lj := &lumberjack.Logger{
		Filename:   filePath,
		MaxSize:    10, // MB
		MaxBackups: 3,
		MaxAge:     7, // days
		Compress:   false,
	}

	encCfg := zapcore.EncoderConfig{
		TimeKey:       "ts",
		LevelKey:      "level",
		NameKey:       "logger",
		CallerKey:     "caller",
		MessageKey:    "msg",
		StacktraceKey: "stack",
		LineEnding:    zapcore.DefaultLineEnding,
		EncodeLevel:   zapcore.CapitalLevelEncoder,
		EncodeTime:    zapcore.ISO8601TimeEncoder,
		EncodeCaller:  zapcore.ShortCallerEncoder,
	}
	encoder := zapcore.NewConsoleEncoder(encCfg)
	core := zapcore.NewCore(encoder, zapcore.AddSync(lj), zapcore.DebugLevel)
	if stderr {
		core = zapcore.NewTee(core, zapcore.NewCore(encoder, zapcore.Lock(os.Stderr), zapcore.DebugLevel))
	}

	logger := zap.New(core, zap.AddCaller())
	Log = logger.Sugar()
	return nil
}

// SyncLogger 清理和同步缓冲
func SyncLogger() {
	if Log != nil {
		_ = Log.Sync()
	}
}

// 日志详细级别（与 -v 参数一致）
const (
	LevelSilent = 0 // 仅错误
	LevelLow    = 1 // 连接、关键事件
	LevelMedium = 2 // 敌人、子弹等细节
	LevelHigh   = 3 // 全部调试信息
)

// LogSink 分级日志出口：核心逻辑只发出带级别的事件，不决定详细程度
type LogSink interface {
	Logf(level int, format string, args ...any)
}

// VerboseSink 按详细级别过滤后写入 zap
type VerboseSink struct {
	log       *zap.SugaredLogger
	verbosity int
}

// NewVerboseSink 创建分级日志出口；verbosity 为 0..3
func NewVerboseSink(log *zap.SugaredLogger, verbosity int) *VerboseSink {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &VerboseSink{log: log, verbosity: verbosity}
}

// Logf 级别 0 总是以 Error 输出；其余级别高于 verbosity 时丢弃
func (s *VerboseSink) Logf(level int, format string, args ...any) {
	if level > s.verbosity && level != LevelSilent {
		return
	}
	msg := fmt.Sprintf(format, args...)
	switch level {
	case LevelSilent:
		s.log.Error(msg)
	case LevelLow:
		s.log.Info(msg)
	default:
		s.log.Debug(msg)
	}
}

// nopSink 测试与未配置时使用
type nopSink struct{}

func (nopSink) Logf(int, string, ...any) {}
