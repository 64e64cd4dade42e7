package main

import (
	"context"
	"errors"
	"math"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"spacearena/client"
	"spacearena/server"
)

// botCmd 无界面客户端：加入后按固定节奏左右移动并开火，用于联调与压测
func botCmd() *cobra.Command {
	var (
		addr     string
		rate     int
		duration time.Duration
		report   time.Duration
		logFile  string
	)

	cmd := &cobra.Command{
		Use:   "bot",
		Short: "Run a headless client that joins and plays",
		RunE: func(cmd *cobra.Command, args []string) error {
			if rate <= 0 || report <= 0 {
				return errors.New("bot: --rate and --report must be > 0")
			}
			if err := server.InitLogger(logFile, true); err != nil {
				return err
			}
			defer server.SyncLogger()
			log := server.Log

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			if duration > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, duration)
				defer cancel()
			}

			var (
				c   *client.Client
				err error
			)
			if strings.HasPrefix(addr, "ws://") || strings.HasPrefix(addr, "wss://") {
				c, err = client.DialWS(ctx, addr)
			} else {
				c, err = client.Dial(ctx, addr)
			}
			if err != nil {
				return err
			}
			defer c.Close()

			joinCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			slot, err := c.Join(joinCtx)
			cancel()
			if err != nil {
				return err
			}
			log.Infof("bot: joined %s as slot %d", addr, slot)

			errCh := make(chan error, 1)
			go func() { errCh <- c.Run(ctx) }()

			input := time.NewTicker(time.Second / time.Duration(rate))
			defer input.Stop()
			status := time.NewTicker(report)
			defer status.Stop()
			start := time.Now()
			for {
				select {
				case err := <-errCh:
					if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
						return nil
					}
					return err
				case <-input.C:
					// 左右往返，持续开火
					mx := float32(math.Sin(time.Since(start).Seconds()))
					if err := c.SendInput(mx, 0, true); err != nil {
						log.Warnf("bot: send input: %v", err)
					}
				case <-status.C:
					v := c.View()
					me, ok := v.Local()
					log.Infof("bot: tick=%d phase=%s level=%d enemies=%d bullets=%d me=%v hp=%d score=%d",
						v.Tick, v.Phase, v.LevelIndex, len(v.Enemies), len(v.Bullets), ok, me.Health, me.Score)
				}
			}
		},
	}

	f := cmd.Flags()
	f.StringVar(&addr, "addr", server.DefaultConfig().Addr, "server TCP address, or ws:// URL")
	f.IntVar(&rate, "rate", 30, "inputs per second")
	f.DurationVar(&duration, "duration", 0, "stop after this long, 0 runs until interrupted")
	f.DurationVar(&report, "report", 2*time.Second, "view log interval")
	f.StringVar(&logFile, "log-file", "spacearena-bot.log", "rolling log file")
	return cmd
}
