package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/codefionn/coderoom/internal/config"
	"github.com/codefionn/coderoom/internal/crdt"
	"github.com/codefionn/coderoom/internal/logger"
	"github.com/codefionn/coderoom/internal/registry"
	"github.com/codefionn/coderoom/internal/sandbox"
	"github.com/codefionn/coderoom/internal/sink"
	"github.com/codefionn/coderoom/internal/tree"
	"github.com/codefionn/coderoom/internal/web"
)

const snapshotCacheTTL = 2 * time.Second

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath = flag.String("config", "", "path to config file")
		listenAddr = flag.String("listen", "", "listen address (overrides config)")
		logLevel   = flag.String("log-level", "", "log level: debug, info, warn, error, none")
		logPath    = flag.String("log-file", "", "log file path (default stderr)")
		debug      = flag.Bool("debug", false, "log all WebSocket traffic")
	)
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	if *listenAddr != "" {
		cfg.ListenAddr = *listenAddr
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}
	if *logPath != "" {
		cfg.LogPath = *logPath
	}

	if err := logger.Init(logger.ParseLevel(cfg.LogLevel), cfg.LogPath); err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer logger.Global().Close()

	trees, err := tree.NewManager(cfg.WorkspacesDir, snapshotCacheTTL)
	if err != nil {
		return err
	}
	defer trees.Close()

	var durable sink.Sink
	if cfg.SinkPath != "" {
		store, err := sink.NewStore(cfg.SinkPath)
		if err != nil {
			// The sink is best-effort; the server runs without it.
			logger.Error("Durable sink unavailable, mirroring disabled: %v", err)
			durable = sink.Discard{}
		} else {
			durable = store
		}
	} else {
		durable = sink.Discard{}
	}
	defer durable.Close()

	runner := sandbox.NewRunner(
		trees,
		cfg.Interpreter,
		time.Duration(cfg.ExecTimeoutMS)*time.Millisecond,
		cfg.MaxOutputBytes,
	)

	reg := registry.New(trees, runner, crdt.NewEngine(), durable)
	srv := web.NewServer(cfg.ListenAddr, reg, *debug)

	if err := srv.Start(); err != nil {
		return err
	}

	logger.Info("coderoom serving on %s (workspaces in %s)", cfg.ListenAddr, trees.BaseDir())

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutdown requested")
	return srv.Stop()
}
