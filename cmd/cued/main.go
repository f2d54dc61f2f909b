package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/loqalabs/loqa-cue/internal/config"
	"github.com/loqalabs/loqa-cue/internal/protocol"
	"github.com/loqalabs/loqa-cue/internal/runtime"
)

var version = "0.1.0-dev"

func main() {
	var (
		configPath  string
		company     string
		position    string
		idle        bool
		showVersion bool
	)

	flag.StringVar(&configPath, "config", "", "Path to configuration file (defaults plus CUE_* environment when empty)")
	flag.StringVar(&company, "company", "", "Company the interview is with")
	flag.StringVar(&position, "position", "", "Position being interviewed for")
	flag.BoolVar(&idle, "idle", false, "Wait for a start request on the bus instead of starting a session")
	flag.BoolVar(&showVersion, "version", false, "Print version and exit")
	flag.Parse()

	if showVersion {
		fmt.Println(version)
		return
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.ToLower(cfg.Telemetry.LogLevel))); err != nil {
		level = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))

	if idle && !cfg.Bus.Enabled {
		logger.Error("-idle requires bus.enabled")
		os.Exit(2)
	}

	var session *protocol.SessionContext
	if !idle {
		session = &protocol.SessionContext{Company: company, Position: position}
	}

	rt := runtime.New(cfg, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rt.Run(ctx, session); err != nil {
		logger.Error("runtime exited with error", slog.String("error", err.Error()))
		os.Exit(1)
	}

	logger.Info("shutdown complete")
}
