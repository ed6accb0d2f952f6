package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cexll/streamsdk-go/pkg/client"
	"github.com/cexll/streamsdk-go/pkg/config"
	"github.com/cexll/streamsdk-go/pkg/lifecycle"
	"github.com/cexll/streamsdk-go/pkg/run"
	"github.com/cexll/streamsdk-go/pkg/telemetry"
)

var version = "dev"

type targetFlags struct {
	thread   *string
	interval *time.Duration
	timeout  *time.Duration
	maxPolls *int
	json     *bool
	config   *string
}

func newTargetFlagSet(name, cfgPath string, streams ioStreams) (*flag.FlagSet, *targetFlags) {
	set := flag.NewFlagSet(name, flag.ContinueOnError)
	set.SetOutput(streams.err)
	f := &targetFlags{
		thread:   set.String("thread", "", "Thread ID. When set the target is a run, otherwise a response."),
		interval: set.Duration("interval", 0, "Poll interval (defaults to poll.interval)."),
		timeout:  set.Duration("timeout", 0, "Overall wait timeout (defaults to poll.timeout)."),
		maxPolls: set.Int("max-polls", 0, "Maximum number of polls (defaults to poll.max_polls)."),
		json:     set.Bool("json", false, "Print the snapshot as JSON instead of markdown."),
		config:   set.String("config", cfgPath, "Path to settings file."),
	}
	set.Usage = func() {
		fmt.Fprintf(streams.err, "Usage: streamctl %s [flags] <id>\n", name)
		fmt.Fprintln(streams.err, "\nFlags:")
		set.PrintDefaults()
	}
	return set, f
}

func (f *targetFlags) target(set *flag.FlagSet) (client.Target, error) {
	if set.NArg() != 1 {
		set.Usage()
		return client.Target{}, errors.New("exactly one id is required")
	}
	if *f.thread != "" {
		return client.Run(*f.thread, set.Arg(0)), nil
	}
	return client.Response(set.Arg(0)), nil
}

// apply folds explicit flags over the loaded poll settings.
func (f *targetFlags) apply(cfg *config.Settings) {
	if *f.interval > 0 {
		cfg.Poll.Interval = *f.interval
	}
	if *f.timeout > 0 {
		cfg.Poll.Timeout = *f.timeout
	}
	if *f.maxPolls > 0 {
		cfg.Poll.MaxPolls = *f.maxPolls
	}
}

func waitCommand(ctx context.Context, argv []string, cfgPath string, streams ioStreams) error {
	set, flags := newTargetFlagSet("wait", cfgPath, streams)
	watch := set.Bool("watch", false, "Reload poll interval and timeout when the settings file changes.")
	if err := set.Parse(argv); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return nil
		}
		return err
	}
	target, err := flags.target(set)
	if err != nil {
		return err
	}
	env, err := newCommandEnv(*flags.config, flags, streams)
	if err != nil {
		return err
	}
	defer env.close()

	opts := env.pollOptions()
	if *watch {
		schedule, stop := env.watchPoll(ctx, flags)
		defer stop()
		// The schedule owns the timeout so reloads can move it.
		opts = append(opts, lifecycle.WithTimeout(0), lifecycle.WithSchedule(schedule.current))
	}
	snap, err := lifecycle.WaitForTerminal(ctx, env.client.Fetcher(target), opts...)
	if err != nil {
		return fmt.Errorf("wait %s: %w", target, err)
	}
	if *flags.json {
		return writeJSON(streams.out, snap)
	}
	writeMarkdownSnapshot(streams.out, "wait", snap, nil)
	return nil
}

func cancelCommand(ctx context.Context, argv []string, cfgPath string, streams ioStreams) error {
	set, flags := newTargetFlagSet("cancel", cfgPath, streams)
	if err := set.Parse(argv); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return nil
		}
		return err
	}
	target, err := flags.target(set)
	if err != nil {
		return err
	}
	env, err := newCommandEnv(*flags.config, flags, streams)
	if err != nil {
		return err
	}
	defer env.close()

	runner := run.New(env.client, nil,
		run.WithConfig(env.cfg),
		run.WithLogger(env.logger),
		run.WithTelemetry(env.telemetry),
	)
	snap, err := runner.Cancel(ctx, target)
	if err != nil {
		return fmt.Errorf("cancel %s: %w", target, err)
	}
	if *flags.json {
		return writeJSON(streams.out, snap)
	}
	writeMarkdownSnapshot(streams.out, "cancel", snap, nil)
	return nil
}

// commandEnv bundles what the network commands share.
type commandEnv struct {
	loader    *config.Loader
	cfg       *config.Settings
	client    *client.Client
	logger    *slog.Logger
	telemetry *telemetry.Manager
	shutdown  func()
}

func newCommandEnv(cfgPath string, flags *targetFlags, streams ioStreams) (*commandEnv, error) {
	loader, err := openLoader(cfgPath)
	if err != nil {
		return nil, err
	}
	cfg, err := loader.Load()
	if err != nil {
		return nil, err
	}
	flags.apply(cfg)
	if err := config.NewDefaultValidator(true).Validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid settings: %w", err)
	}
	logger := newLogger(cfg.Logging, streams.err)
	tm, shutdown, err := setupTelemetry(cfg)
	if err != nil {
		return nil, err
	}
	c, err := client.NewFromConfig(cfg, client.WithLogger(logger), client.WithTelemetry(tm))
	if err != nil {
		shutdown()
		return nil, err
	}
	return &commandEnv{loader: loader, cfg: cfg, client: c, logger: logger, telemetry: tm, shutdown: shutdown}, nil
}

func (e *commandEnv) pollOptions() []lifecycle.Option {
	opts := []lifecycle.Option{
		lifecycle.WithInterval(e.cfg.Poll.Interval),
		lifecycle.WithLogger(e.logger),
		lifecycle.WithTelemetry(e.telemetry),
	}
	if e.cfg.Poll.Timeout > 0 {
		opts = append(opts, lifecycle.WithTimeout(e.cfg.Poll.Timeout))
	}
	if e.cfg.Poll.MaxPolls > 0 {
		opts = append(opts, lifecycle.WithMaxPolls(e.cfg.Poll.MaxPolls))
	}
	return opts
}

func (e *commandEnv) close() { e.shutdown() }

// pollSchedule holds the poll interval and timeout a settings reload may
// replace while a wait runs.
type pollSchedule struct {
	mu       sync.Mutex
	interval time.Duration
	timeout  time.Duration
}

func (p *pollSchedule) current() (time.Duration, time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.interval, p.timeout
}

func (p *pollSchedule) set(poll config.Poll) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.interval, p.timeout = poll.Interval, poll.Timeout
}

// watchPoll follows the settings file until stop is called. Explicit flags
// keep precedence over reloaded values.
func (e *commandEnv) watchPoll(ctx context.Context, flags *targetFlags) (*pollSchedule, func()) {
	schedule := &pollSchedule{}
	schedule.set(e.cfg.Poll)

	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		err := e.loader.Watch(ctx, func(cfg *config.Settings, err error) {
			if err != nil {
				return
			}
			next := *cfg
			flags.apply(&next)
			schedule.set(next.Poll)
			e.logger.Info("poll settings reloaded", "interval", next.Poll.Interval, "timeout", next.Poll.Timeout)
		})
		if err != nil {
			e.logger.Warn("settings watch unavailable", "error", err)
		}
	}()
	return schedule, func() {
		cancel()
		<-done
	}
}

// setupTelemetry builds a Manager when telemetry is enabled. The returned
// shutdown func is always safe to call.
func setupTelemetry(cfg *config.Settings) (*telemetry.Manager, func(), error) {
	noop := func() {}
	if cfg == nil || !cfg.Telemetry.Enabled {
		return nil, noop, nil
	}
	tm, err := telemetry.NewManager(telemetry.Config{
		ServiceName:    cfg.Telemetry.ServiceName,
		ServiceVersion: version,
		Environment:    cfg.Telemetry.Environment,
		OTLPEndpoint:   cfg.Telemetry.OTLPEndpoint,
		OTLPInsecure:   cfg.Telemetry.OTLPInsecure,
		Filter:         telemetry.FilterConfig{Patterns: cfg.Telemetry.MaskPatterns},
	})
	if err != nil {
		return nil, noop, err
	}
	return tm, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = tm.Shutdown(ctx)
	}, nil
}
