package main

import (
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/reviewflow/reviewflow/internal/bus"
	"github.com/reviewflow/reviewflow/internal/config"
	"github.com/reviewflow/reviewflow/internal/host"
	"github.com/reviewflow/reviewflow/internal/server"
)

func serveCmd(args []string) {
	var configPath string
	var addr = ":8713"
	var verbose bool

	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--config":
			configPath = flagValue(args, &i, "--config")
		case "--addr":
			addr = flagValue(args, &i, "--addr")
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

	s := server.New(h, b, logger)
	defer s.Close()

	httpServer := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	logger.Info().Str("addr", addr).Msg("listening")
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		fmt.Fprintf(os.Stderr, "serve: %v\n", err)
		os.Exit(1)
	}
}
