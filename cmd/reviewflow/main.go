package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/rs/zerolog"

	"github.com/reviewflow/reviewflow/internal/bus"
	"github.com/reviewflow/reviewflow/internal/config"
	"github.com/reviewflow/reviewflow/internal/core"
	"github.com/reviewflow/reviewflow/internal/host"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "run":
		runCmd(os.Args[2:])
	case "serve":
		serveCmd(os.Args[2:])
	case "validate":
		validateCmd(os.Args[2:])
	default:
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage:")
	fmt.Fprintln(os.Stderr, "  reviewflow run --config <workflow.yaml> [--event <name>] [--checks a,b] [--pr <info.json>|-] [--tags t1,t2] [--include-internal] [--verbose]")
	fmt.Fprintln(os.Stderr, "  reviewflow serve --config <workflow.yaml> [--addr :8713] [--verbose]")
	fmt.Fprintln(os.Stderr, "  reviewflow validate --config <workflow.yaml>")
}

func runCmd(args []string) {
	var configPath string
	var event = "manual"
	var checksCSV string
	var prPath string
	var tagsCSV string
	var includeInternal bool
	var verbose bool

	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--config":
			configPath = flagValue(args, &i, "--config")
		case "--event":
			event = flagValue(args, &i, "--event")
		case "--checks":
			checksCSV = flagValue(args, &i, "--checks")
		case "--pr":
			prPath = flagValue(args, &i, "--pr")
		case "--tags":
			tagsCSV = flagValue(args, &i, "--tags")
		case "--include-internal":
			includeInternal = true
		case "--verbose":
			verbose = true
		default:
			fmt.Fprintf(os.Stderr, "unknown arg: %s\n", args[i])
			os.Exit(1)
		}
	}
	if configPath == "" {
		usage()
		os.Exit(1)
	}

	logger := newLogger(verbose)

	wf, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load workflow: %v\n", err)
		os.Exit(1)
	}
	pr, err := loadPR(prPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load pr info: %v\n", err)
		os.Exit(1)
	}

	b := bus.New()
	defer b.Close()

	h, err := host.New(host.Options{
		Workflow:    wf,
		ProjectRoot: filepath.Dir(configPath),
		Bus:         b,
		Logger:      logger,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "host: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	res, runErr := h.ExecuteChecks(ctx, host.ExecuteOptions{
		PR:              pr,
		Event:           event,
		Checks:          splitCSV(checksCSV),
		Tags:            splitCSV(tagsCSV),
		IncludeInternal: includeInternal,
	})
	if res != nil {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(res); err != nil {
			fmt.Fprintf(os.Stderr, "encode results: %v\n", err)
			os.Exit(1)
		}
	}
	if runErr != nil {
		fmt.Fprintf(os.Stderr, "run: %v\n", runErr)
		os.Exit(1)
	}
	if res != nil && hasBlockingOutcome(res) {
		os.Exit(2)
	}
}

func validateCmd(args []string) {
	var configPath string
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--config":
			configPath = flagValue(args, &i, "--config")
		default:
			fmt.Fprintf(os.Stderr, "unknown arg: %s\n", args[i])
			os.Exit(1)
		}
	}
	if configPath == "" {
		usage()
		os.Exit(1)
	}
	wf, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("ok: %d checks\n", len(wf.Checks))
}

func flagValue(args []string, i *int, name string) string {
	*i++
	if *i >= len(args) {
		fmt.Fprintf(os.Stderr, "%s requires a value\n", name)
		os.Exit(1)
	}
	return args[*i]
}

func newLogger(verbose bool) zerolog.Logger {
	level := zerolog.WarnLevel
	if verbose {
		level = zerolog.DebugLevel
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).Level(level).With().Timestamp().Logger()
}

// loadPR reads PR info JSON from a file, or stdin when path is "-". Empty
// path means no PR context (manual workflow runs).
func loadPR(path string) (*core.PRInfo, error) {
	if path == "" {
		return nil, nil
	}
	var r io.Reader
	if path == "-" {
		r = os.Stdin
	} else {
		f, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		r = f
	}
	var pr core.PRInfo
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&pr); err != nil {
		return nil, err
	}
	return &pr, nil
}

func splitCSV(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// hasBlockingOutcome mirrors CI semantics: failed or errored checks flip the
// exit code even when the process itself ran fine.
func hasBlockingOutcome(res *host.Result) bool {
	for _, o := range res.Outcomes {
		if o == core.OutcomeFailed || o == core.OutcomeErrored {
			return true
		}
	}
	return false
}
