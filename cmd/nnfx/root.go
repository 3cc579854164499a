package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/gogpu/nnfx"
)

func newRootCmd() *cobra.Command {
	var logLevel string

	root := &cobra.Command{
		Use:           "nnfx",
		Short:         "GPU-resident neural frame filters",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return setLogLevel(logLevel)
		},
	}
	root.PersistentFlags().StringVar(&logLevel, "log-level", "off", "Log level: debug|info|warn|error|off")

	root.AddCommand(newRunCmd(), newInspectCmd(), newTopologiesCmd())
	return root
}

func setLogLevel(s string) error {
	var level slog.Level
	switch strings.ToLower(s) {
	case "off", "":
		nnfx.SetLogger(nil)
		return nil
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		return fmt.Errorf("unknown log level %q", s)
	}
	nnfx.SetLogger(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
	return nil
}
