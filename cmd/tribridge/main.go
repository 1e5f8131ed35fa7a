// Copyright 2024-2026 Aiku AI

// Command tribridge relays chat between Discord channels, IRC channels and
// XMPP multi-user chat rooms, with per-user puppets on each side.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/aiku/tribridge/pkg/config"
	"github.com/aiku/tribridge/pkg/supervisor"
)

// These are filled at build time with -ldflags.
var (
	Tag       = "unknown"
	Commit    = "unknown"
	BuildTime = "unknown"
)

const defaultConfigPath = "config.yaml"

func newRootCommand(out io.Writer) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "tribridge",
		Short:         "Discord, IRC and XMPP chat bridge",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.SetOut(out)
	cmd.AddCommand(
		newRunCommand(),
		newExampleConfigCommand(),
		newVersionCommand(),
	)
	return cmd
}

func newRunCommand() *cobra.Command {
	var (
		path   string
		debug  bool
		pretty bool
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start the bridge",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			env, err := config.LoadEnv()
			if err != nil {
				return err
			}
			log, err := newLogger(cmd.ErrOrStderr(), env.LogLevel, debug, pretty)
			if err != nil {
				return err
			}
			log.Info().Str("tag", Tag).Str("commit", Commit).Str("config", path).Msg("Starting tribridge")

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			s, err := supervisor.New(env, path, log)
			if err != nil {
				return fmt.Errorf("start bridge: %w", err)
			}
			return s.Run(ctx)
		},
	}
	cmd.Flags().StringVarP(&path, "config", "c", defaultConfigPath, "Path to the mapping file")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging")
	cmd.Flags().BoolVar(&pretty, "pretty", false, "Human-readable console logs instead of JSON")
	return cmd
}

func newExampleConfigCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "example-config",
		Short: "Print an example mapping file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, err := io.WriteString(cmd.OutOrStdout(), config.ExampleConfig)
			return err
		},
	}
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "tribridge %s (commit %s, built %s)\n", Tag, Commit, BuildTime)
		},
	}
}

// newLogger builds the root logger. --debug wins over LOG_LEVEL.
func newLogger(w io.Writer, level string, debug, pretty bool) (zerolog.Logger, error) {
	lvl := zerolog.InfoLevel
	if level != "" {
		parsed, err := zerolog.ParseLevel(level)
		if err != nil {
			return zerolog.Nop(), fmt.Errorf("invalid LOG_LEVEL %q: %w", level, err)
		}
		lvl = parsed
	}
	if debug {
		lvl = zerolog.DebugLevel
	}
	if pretty {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.DateTime}
	}
	return zerolog.New(w).Level(lvl).With().Timestamp().Logger(), nil
}

func main() {
	if err := newRootCommand(os.Stdout).ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
