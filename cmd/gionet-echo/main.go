// gionet-echo 是基于 gionet 的帧回显服务端与压测客户端。
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

var (
	version = "dev"
	commit  = "none"
)

type globalFlags struct {
	configPath string
	logLevel   string
	logJSON    bool
}

func main() {
	var gf globalFlags

	rootCmd := &cobra.Command{
		Use:           "gionet-echo",
		Short:         "Frame echo server and load client built on gionet",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVarP(&gf.configPath, "config", "c", "", "YAML config file")
	rootCmd.PersistentFlags().StringVar(&gf.logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().BoolVar(&gf.logJSON, "log-json", false, "emit JSON logs")

	rootCmd.AddCommand(
		serveCmd(&gf),
		connectCmd(&gf),
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
			fmt.Fprintf(cmd.OutOrStdout(), "gionet-echo %s (%s)\n", version, commit)
		},
	}
}

func newLogger(gf *globalFlags) (*slog.Logger, slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(gf.logLevel)); err != nil {
		return nil, 0, fmt.Errorf("invalid log level %q: %w", gf.logLevel, err)
	}
	opts := &slog.HandlerOptions{Level: level}
	var h slog.Handler = slog.NewTextHandler(os.Stderr, opts)
	if gf.logJSON {
		h = slog.NewJSONHandler(os.Stderr, opts)
	}
	return slog.New(h), level, nil
}
