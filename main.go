package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// 构建时注入的版本信息
var (
	version = "dev"
	commit  = "none"
)

// spacearena 入口：专用服务端与无界面测试客户端
func main() {
	rootCmd := &cobra.Command{
		Use:   "spacearena",
		Short: "Authoritative two-player Space Defender server",
		Long: `spacearena runs the authoritative multiplayer simulation for Space Defender.

Up to two players connect over TCP (or WebSocket via the admin port), the
server advances one shared world at a fixed tick rate and streams a full
world snapshot to every player each tick.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(
		serveCmd(),
		botCmd(),
		versionCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %s\n", err)
		os.Exit(1)
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("spacearena %s (%s)\n", version, commit)
		},
	}
}
