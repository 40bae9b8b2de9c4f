package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	cliconfig "github.com/octerm/clauntty/internal/cli/config"
)

type rootOptions struct {
	configPath string
	hostName   string
	timeout    time.Duration
	logLevel   string
	verbose    bool

	logger *slog.Logger
}

func main() {
	opts := &rootOptions{}
	rootCmd := &cobra.Command{
		Use:           "clauntty",
		Short:         "Developer harness for the clauntty remote-session core",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVar(&opts.configPath, "config", cliconfig.DefaultConfigPath(), "path to host profile file (default $HOME/.clauntty/config)")
	rootCmd.PersistentFlags().StringVarP(&opts.hostName, "host", "H", "", "host profile name or user@address (overrides currentHost)")
	rootCmd.PersistentFlags().DurationVar(&opts.timeout, "timeout", 0, "connect timeout; defaults to the profile or 30s")
	rootCmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "info", "log level: debug|info|warn|error")
	rootCmd.PersistentFlags().BoolVar(&opts.verbose, "verbose", false, "enable verbose debug logging (same as --log-level=debug)")
	rootCmd.PersistentPreRunE = func(*cobra.Command, []string) error {
		opts.logger = newLogger(opts.logLevel, opts.verbose)
		return nil
	}

	rootCmd.AddCommand(newConnectCmd(opts))
	rootCmd.AddCommand(newExecCmd(opts))
	rootCmd.AddCommand(newSessionsCmd(opts))
	rootCmd.AddCommand(newForwardCmd(opts))
	rootCmd.AddCommand(newDeployCmd(opts))
	rootCmd.AddCommand(newMoshCmd(opts))

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		log.Fatal(err)
	}
}

func newLogger(logLevel string, verbose bool) *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	} else {
		switch l := strings.ToLower(strings.TrimSpace(logLevel)); l {
		case "debug":
			level = slog.LevelDebug
		case "info", "":
			level = slog.LevelInfo
		case "warn", "warning":
			level = slog.LevelWarn
		case "error":
			level = slog.LevelError
		default:
			fmt.Fprintf(os.Stderr, "unknown --log-level=%q (expected debug|info|warn|error); defaulting to info\n", logLevel)
		}
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}
