package main

import (
	"context"
	"errors"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"spacearena/server"
)

func serveCmd() *cobra.Command {
	var (
		envFile  string
		stderr   bool
		degraded bool
	)

	cmd := &cobra.Command{
		Use:   "serve [port]",
		Short: "Run the dedicated server",
		Long: `Run the dedicated server. Configuration is read from defaults, then an
optional .env file, then SPACEARENA_* environment variables, then flags.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := server.LoadConfig(envFile)
			if err != nil {
				return err
			}
			if err := applyServeFlags(cmd, &cfg, args, degraded); err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			// 使用第三方 zap 日志库写入日志文件（带滚动）
			if err := server.InitLogger(cfg.LogFile, stderr); err != nil {
				return err
			}
			defer server.SyncLogger()
			sink := server.NewVerboseSink(server.Log, cfg.Verbosity)

			srv, err := server.New(cfg, sink)
			if err != nil {
				return err
			}

			// 优雅退出（Ctrl+C）
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			if err := srv.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				server.Log.Errorf("server: %v", err)
				return err
			}
			return nil
		},
	}

	d := server.DefaultConfig()
	f := cmd.Flags()
	f.StringVar(&envFile, "env", ".env", "optional .env file with SPACEARENA_* variables")
	f.String("addr", d.Addr, "TCP listen address")
	f.String("admin", d.AdminAddr, "admin/metrics/websocket HTTP address, empty to disable")
	f.Int("tick-rate", d.TickRate, "simulation ticks per second")
	f.Uint32("start-tick", d.StartTick, "tick number of the first snapshot")
	f.Duration("level-duration", d.LevelDuration, "level length, 0 uses the level table")
	f.Duration("waiting-timeout", d.WaitingTimeout, "reset a partial lobby after this long, 0 disables")
	f.Duration("idle-timeout", d.IdleTimeout, "disconnect peers silent for this long")
	f.String("log-file", d.LogFile, "rolling log file")
	f.IntP("verbose", "v", d.Verbosity, "verbosity level (0=silent, 1=low, 2=medium, 3=high)")
	f.BoolVar(&degraded, "degraded", false, "start a level with a single player")
	f.BoolVar(&stderr, "stderr", true, "also log to stderr")
	return cmd
}

// applyServeFlags 只覆盖命令行上显式给出的参数
func applyServeFlags(cmd *cobra.Command, cfg *server.Config, args []string, degraded bool) error {
	f := cmd.Flags()
	var err error
	set := func(name string, apply func()) {
		if err == nil && f.Changed(name) {
			apply()
		}
	}
	set("addr", func() { cfg.Addr, err = f.GetString("addr") })
	set("admin", func() { cfg.AdminAddr, err = f.GetString("admin") })
	set("tick-rate", func() { cfg.TickRate, err = f.GetInt("tick-rate") })
	set("start-tick", func() { cfg.StartTick, err = f.GetUint32("start-tick") })
	set("level-duration", func() { cfg.LevelDuration, err = f.GetDuration("level-duration") })
	set("waiting-timeout", func() { cfg.WaitingTimeout, err = f.GetDuration("waiting-timeout") })
	set("idle-timeout", func() {
		var d time.Duration
		d, err = f.GetDuration("idle-timeout")
		cfg.IdleTimeout = d
		if cfg.KeepAlive >= d {
			cfg.KeepAlive = d / 3
		}
	})
	set("log-file", func() { cfg.LogFile, err = f.GetString("log-file") })
	set("verbose", func() { cfg.Verbosity, err = f.GetInt("verbose") })
	if err != nil {
		return err
	}
	// 兼容旧用法：spacearena serve 35555
	if len(args) == 1 {
		cfg.Addr = "127.0.0.1:" + args[0]
	}
	if degraded {
		cfg.MinPlayers = 1
	}
	return nil
}
