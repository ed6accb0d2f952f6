package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/cexll/streamsdk-go/pkg/config"
)

const (
	configDirName  = ".streamsdk"
	configFileName = "config.yaml"
)

type settingField struct {
	get func(*config.Settings) string
	set func(*config.Settings, string) error
}

var settingFields = map[string]settingField{
	"base_url": {
		get: func(s *config.Settings) string { return s.BaseURL },
		set: func(s *config.Settings, v string) error { s.BaseURL = v; return nil },
	},
	"rate_limit.requests_per_second": {
		get: func(s *config.Settings) string { return strconv.FormatFloat(s.RateLimit.RequestsPerSecond, 'f', -1, 64) },
		set: func(s *config.Settings, v string) error { return parseFloat(v, &s.RateLimit.RequestsPerSecond) },
	},
	"rate_limit.burst": {
		get: func(s *config.Settings) string { return strconv.Itoa(s.RateLimit.Burst) },
		set: func(s *config.Settings, v string) error { return parseInt(v, &s.RateLimit.Burst) },
	},
	"poll.interval": {
		get: func(s *config.Settings) string { return s.Poll.Interval.String() },
		set: func(s *config.Settings, v string) error { return parseDuration(v, &s.Poll.Interval) },
	},
	"poll.timeout": {
		get: func(s *config.Settings) string { return s.Poll.Timeout.String() },
		set: func(s *config.Settings, v string) error { return parseDuration(v, &s.Poll.Timeout) },
	},
	"poll.max_polls": {
		get: func(s *config.Settings) string { return strconv.Itoa(s.Poll.MaxPolls) },
		set: func(s *config.Settings, v string) error { return parseInt(v, &s.Poll.MaxPolls) },
	},
	"tools.concurrency": {
		get: func(s *config.Settings) string { return strconv.Itoa(s.Tools.Concurrency) },
		set: func(s *config.Settings, v string) error { return parseInt(v, &s.Tools.Concurrency) },
	},
	"tools.max_rounds": {
		get: func(s *config.Settings) string { return strconv.Itoa(s.Tools.MaxRounds) },
		set: func(s *config.Settings, v string) error { return parseInt(v, &s.Tools.MaxRounds) },
	},
	"logging.level": {
		get: func(s *config.Settings) string { return s.Logging.Level },
		set: func(s *config.Settings, v string) error { s.Logging.Level = v; return nil },
	},
	"logging.format": {
		get: func(s *config.Settings) string { return s.Logging.Format },
		set: func(s *config.Settings, v string) error { s.Logging.Format = v; return nil },
	},
	"telemetry.otlp_endpoint": {
		get: func(s *config.Settings) string { return s.Telemetry.OTLPEndpoint },
		set: func(s *config.Settings, v string) error { s.Telemetry.OTLPEndpoint = v; return nil },
	},
}

func configCommand(argv []string, cfgPath string, streams ioStreams) error {
	set := flag.NewFlagSet("config", flag.ContinueOnError)
	set.SetOutput(streams.err)
	configFlag := set.String("config", cfgPath, "Path to settings file.")
	set.Usage = func() {
		fmt.Fprintln(streams.err, "Usage: streamctl config [flags] <init|set|get|list> ...")
		fmt.Fprintln(streams.err, "\nCommands:")
		fmt.Fprintln(streams.err, "  init             Create a new settings file with defaults")
		fmt.Fprintln(streams.err, "  set key value    Update a single key")
		fmt.Fprintln(streams.err, "  get key          Print the value of a key")
		fmt.Fprintln(streams.err, "  list             Show all settings")
		fmt.Fprintln(streams.err, "\nFlags:")
		set.PrintDefaults()
	}
	if err := set.Parse(argv); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return nil
		}
		return err
	}
	cfgPath = *configFlag
	args := set.Args()
	if len(args) == 0 {
		set.Usage()
		return errors.New("config expects a subcommand")
	}
	sub := args[0]
	switch sub {
	case "init":
		return configInit(cfgPath, streams.out)
	case "set":
		return configSet(cfgPath, args[1:], streams.out)
	case "get":
		return configGet(cfgPath, args[1:], streams.out)
	case "list":
		return configList(cfgPath, streams.out)
	default:
		return fmt.Errorf("unknown config subcommand %q", sub)
	}
}

func configInit(path string, out io.Writer) error {
	resolved, err := expandConfigPath(path)
	if err != nil {
		return err
	}
	if _, err := os.Stat(resolved); err == nil {
		return fmt.Errorf("config already exists at %s", resolved)
	} else if !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("check config: %w", err)
	}
	if err := saveSettingsFile(resolved, config.Default()); err != nil {
		return err
	}
	if out != nil {
		fmt.Fprintf(out, "created %s\n", resolved)
	}
	return nil
}

func configSet(path string, args []string, out io.Writer) error {
	if len(args) < 2 {
		return errors.New("config set requires <key> <value>")
	}
	key := strings.ToLower(strings.TrimSpace(args[0]))
	value := strings.TrimSpace(strings.Join(args[1:], " "))
	field, ok := settingFields[key]
	if !ok {
		return fmt.Errorf("unknown config key %q", key)
	}
	resolved, err := expandConfigPath(path)
	if err != nil {
		return err
	}
	cfg, err := readSettingsFile(resolved)
	if err != nil {
		return err
	}
	if err := field.set(cfg, value); err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	cfg.Normalize()
	if err := config.NewDefaultValidator(false).Validate(cfg); err != nil {
		return err
	}
	if err := saveSettingsFile(resolved, cfg); err != nil {
		return err
	}
	if out != nil {
		fmt.Fprintf(out, "%s updated\n", key)
	}
	return nil
}

func configGet(path string, args []string, out io.Writer) error {
	if len(args) != 1 {
		return errors.New("config get requires a key")
	}
	key := strings.ToLower(strings.TrimSpace(args[0]))
	field, ok := settingFields[key]
	if !ok {
		return fmt.Errorf("unknown config key %q", key)
	}
	resolved, err := expandConfigPath(path)
	if err != nil {
		return err
	}
	cfg, err := readSettingsFile(resolved)
	if err != nil {
		return err
	}
	if out != nil {
		fmt.Fprintln(out, field.get(cfg))
	}
	return nil
}

func configList(path string, out io.Writer) error {
	resolved, err := expandConfigPath(path)
	if err != nil {
		return err
	}
	cfg, err := readSettingsFile(resolved)
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	keys := make([]string, 0, len(settingFields))
	for k := range settingFields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(out, "%s=%s\n", k, settingFields[k].get(cfg))
	}
	return nil
}

// readSettingsFile parses the file without environment overrides so that
// set/get operate on what is stored.
func readSettingsFile(path string) (*config.Settings, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return config.Default(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if strings.TrimSpace(string(data)) == "" {
		return config.Default(), nil
	}
	cfg, err := config.ParseSettings(data)
	if err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}

func saveSettingsFile(path string, cfg *config.Settings) error {
	if err := ensureConfigDir(path); err != nil {
		return err
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	return os.WriteFile(path, data, 0o600)
}

func ensureConfigDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "" || dir == "." {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}

func defaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", configFileName)
	}
	return filepath.Join(home, configDirName, configFileName)
}

func expandConfigPath(path string) (string, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		trimmed = defaultConfigPath()
	}
	if strings.HasPrefix(trimmed, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home: %w", err)
		}
		trimmed = filepath.Join(home, strings.TrimPrefix(trimmed, "~/"))
	}
	return filepath.Abs(filepath.Clean(trimmed))
}

func parseInt(v string, dst *int) error {
	n, err := strconv.Atoi(v)
	if err != nil {
		return err
	}
	*dst = n
	return nil
}

func parseFloat(v string, dst *float64) error {
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return err
	}
	*dst = f
	return nil
}

func parseDuration(v string, dst *time.Duration) error {
	d, err := time.ParseDuration(v)
	if err != nil {
		return err
	}
	*dst = d
	return nil
}
