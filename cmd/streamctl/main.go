package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/cexll/streamsdk-go/pkg/config"
)

// ioStreams wires stdin/stdout/stderr for commands and becomes injectable in tests.
type ioStreams struct {
	in  io.Reader
	out io.Writer
	err io.Writer
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	streams := ioStreams{in: os.Stdin, out: os.Stdout, err: os.Stderr}
	if err := runCLI(ctx, os.Args[1:], streams); err != nil {
		if !errors.Is(err, context.Canceled) {
			fmt.Fprintln(streams.err, err)
		}
		os.Exit(1)
	}
}

func runCLI(ctx context.Context, argv []string, streams ioStreams) error {
	global := flag.NewFlagSet("streamctl", flag.ContinueOnError)
	global.SetOutput(streams.err)
	configPath := defaultConfigPath()
	global.StringVar(&configPath, "config", configPath, "Path to settings file (defaults to ~/.streamsdk/config.yaml).")
	global.Usage = func() {
		fmt.Fprintln(streams.err, "streamctl - assemble event streams and drive background operations")
		fmt.Fprintln(streams.err, "\nUsage:")
		fmt.Fprintln(streams.err, "  streamctl [global flags] <command> [args]")
		fmt.Fprintln(streams.err, "\nCommands:")
		fmt.Fprintln(streams.err, "  assemble  Merge a recorded event stream into a snapshot")
		fmt.Fprintln(streams.err, "  wait      Poll an operation until it stops")
		fmt.Fprintln(streams.err, "  cancel    Cancel an operation and wait for it to settle")
		fmt.Fprintln(streams.err, "  config    Manage local configuration")
		fmt.Fprintln(streams.err, "\nGlobal Flags:")
		global.PrintDefaults()
		fmt.Fprintln(streams.err, "\nRun 'streamctl <command> -h' for command-specific usage.")
	}
	if err := global.Parse(argv); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return nil
		}
		return err
	}
	args := global.Args()
	if len(args) == 0 {
		global.Usage()
		return fmt.Errorf("missing command")
	}
	sub := args[0]
	rest := args[1:]
	switch sub {
	case "assemble":
		return assembleCommand(ctx, rest, configPath, streams)
	case "wait":
		return waitCommand(ctx, rest, configPath, streams)
	case "cancel":
		return cancelCommand(ctx, rest, configPath, streams)
	case "config":
		return configCommand(rest, configPath, streams)
	case "help", "-h", "--help":
		global.Usage()
		return nil
	default:
		global.Usage()
		return fmt.Errorf("unknown command %q", sub)
	}
}

// loadSettings reads the settings file with environment overrides applied.
func loadSettings(path string) (*config.Settings, error) {
	loader, err := openLoader(path)
	if err != nil {
		return nil, err
	}
	return loader.Load()
}

func openLoader(path string) (*config.Loader, error) {
	resolved, err := expandConfigPath(path)
	if err != nil {
		return nil, err
	}
	return config.NewLoader(resolved)
}

func newLogger(cfg config.Logging, w io.Writer) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}
