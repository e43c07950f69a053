package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/portdaddy/portdaddy/daemon"
	"github.com/portdaddy/portdaddy/internal/logging"
)

func runDaemon(args []string) error {
	fs := flag.NewFlagSet("daemon", flag.ExitOnError)
	addr := fs.String("addr", "", "TCP listen address (overrides config)")
	dataDir := fs.String("data-dir", "", "data directory (overrides config)")
	configPath := fs.String("config", "", "config file path")
	logLevel := fs.String("log-level", "info", "log level: debug, info, warn, error")
	showVersion := fs.Bool("version", false, "print version and exit")
	_ = fs.Parse(args)

	if *showVersion {
		fmt.Println(version)
		return nil
	}

	if lvl, err := logging.ParseLevel(*logLevel); err == nil {
		logging.SetLevel(lvl)
	} else {
		slog.Warn("unknown log level, keeping info", "value", *logLevel)
	}

	server, err := daemon.NewServer(daemon.ServerConfig{
		ConfigPath: *configPath,
		Addr:       *addr,
		DataDir:    *dataDir,
		Version:    version,
		CodeHash:   codeHash,
	})
	if err != nil {
		return err
	}

	cfg := server.Config()
	logging.PrintBanner(version, cfg.Addr, server.SocketPath())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return server.Serve(ctx)
}
