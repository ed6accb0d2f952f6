package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/cexll/streamsdk-go/pkg/merge"
	"github.com/cexll/streamsdk-go/pkg/snapshot"
	"github.com/cexll/streamsdk-go/pkg/sse"
	"github.com/cexll/streamsdk-go/pkg/sse/anthropic"
	"github.com/cexll/streamsdk-go/pkg/stream"
)

func assembleCommand(ctx context.Context, argv []string, cfgPath string, streams ioStreams) error {
	set := flag.NewFlagSet("assemble", flag.ContinueOnError)
	set.SetOutput(streams.err)
	var (
		dialectFlag = set.String("dialect", "responses", "Event dialect: responses, chat, runs or anthropic.")
		jsonFlag    = set.Bool("json", false, "Print the snapshot as JSON instead of markdown.")
		configFlag  = set.String("config", cfgPath, "Path to settings file.")
	)
	set.Usage = func() {
		fmt.Fprintln(streams.err, "Usage: streamctl assemble [flags] [file]")
		fmt.Fprintln(streams.err, "\nReads a recorded text/event-stream body from file or stdin.")
		fmt.Fprintln(streams.err, "\nFlags:")
		set.PrintDefaults()
	}
	if err := set.Parse(argv); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return nil
		}
		return err
	}
	cfg, err := loadSettings(*configFlag)
	if err != nil {
		return err
	}
	logger := newLogger(cfg.Logging, streams.err)
	tm, shutdown, err := setupTelemetry(cfg)
	if err != nil {
		return err
	}
	defer shutdown()

	dialect, err := dialectByName(*dialectFlag)
	if err != nil {
		return err
	}
	in := streams.in
	if set.NArg() > 0 {
		f, err := os.Open(set.Arg(0))
		if err != nil {
			return fmt.Errorf("open stream: %w", err)
		}
		defer f.Close()
		in = f
	}
	if in == nil {
		return errors.New("assemble needs a file or stdin")
	}

	s := stream.New(sse.FromReader(in, dialect, sse.WithLogger(logger)), stream.WithLogger(logger), stream.WithTelemetry(tm))
	for {
		if _, err := s.Next(ctx); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return fmt.Errorf("assemble: %w", err)
		}
	}
	snap := s.Snapshot()
	if *jsonFlag {
		return writeJSON(streams.out, snap)
	}
	writeMarkdownSnapshot(streams.out, "assemble", snap, s.Warnings())
	return nil
}

func dialectByName(name string) (sse.Dialect, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "responses", "":
		return sse.Responses{}, nil
	case "chat":
		return sse.NewChat(), nil
	case "runs":
		return sse.NewRuns(), nil
	case "anthropic":
		return anthropic.NewDialect(), nil
	default:
		return nil, fmt.Errorf("unknown dialect %q", name)
	}
}

func writeJSON(out io.Writer, snap *snapshot.Response) error {
	if out == nil {
		return nil
	}
	enc := json.NewEncoder(out)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	return enc.Encode(snap)
}

func writeMarkdownSnapshot(out io.Writer, title string, snap *snapshot.Response, warnings []merge.Warning) {
	if out == nil || snap == nil {
		return
	}
	fmt.Fprintf(out, "# streamctl %s\n", title)
	fmt.Fprintf(out, "- ID: `%s`\n", labelOrNA(snap.ID))
	fmt.Fprintf(out, "- Status: `%s`\n", labelOrNA(string(snap.Status)))
	if snap.Model != "" {
		fmt.Fprintf(out, "- Model: `%s`\n", snap.Model)
	}
	if snap.IncompleteDetails != nil {
		fmt.Fprintf(out, "- Incomplete: `%s`\n", snap.IncompleteDetails.Reason)
	}
	if snap.LastError != nil {
		fmt.Fprintf(out, "- Error: %s\n", snap.LastError.Error())
	}
	if text := snap.OutputText(); text != "" {
		fmt.Fprintln(out, "\n## Output")
		fmt.Fprintf(out, "```\n%s\n```\n", text)
	}
	if snap.Usage != nil {
		fmt.Fprintln(out, "\n## Usage")
		fmt.Fprintf(out, "- Input tokens: %d\n", snap.Usage.InputTokens)
		fmt.Fprintf(out, "- Output tokens: %d\n", snap.Usage.OutputTokens)
		fmt.Fprintf(out, "- Total tokens: %d\n", snap.Usage.TotalTokens)
	}
	if calls := snap.PendingCalls(); len(calls) > 0 {
		fmt.Fprintln(out, "\n## Tool Calls")
		for _, call := range calls {
			fmt.Fprintf(out, "- `%s` %s: `%s`\n", call.Function.Name, call.ID, call.Function.Arguments)
		}
	}
	if len(warnings) > 0 {
		fmt.Fprintln(out, "\n## Warnings")
		for _, w := range warnings {
			fmt.Fprintf(out, "- %s\n", w.String())
		}
	}
}

func labelOrNA(value string) string {
	if strings.TrimSpace(value) == "" {
		return "n/a"
	}
	return value
}
