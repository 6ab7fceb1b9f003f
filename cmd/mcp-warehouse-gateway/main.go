// Package main provides the entry point for the mcp-warehouse-gateway
// server.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/txn2/mcp-warehouse-gateway/internal/server"
)

// Version is set at build time.
var Version = "dev"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

type serverOptions struct {
	configPath  string
	transport   string
	address     string
	showVersion bool
}

func parseFlags() serverOptions {
	opts := serverOptions{}
	flag.StringVar(&opts.configPath, "config", "", "Path to configuration file")
	flag.StringVar(&opts.transport, "transport", "", "Transport type: stdio, http (overrides config)")
	flag.StringVar(&opts.address, "address", "", "Server address for HTTP transport (overrides config)")
	flag.BoolVar(&opts.showVersion, "version", false, "Show version and exit")
	flag.Parse()
	return opts
}

func setupSignalHandler() context.Context {
	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()
	return ctx
}

func loadConfig(opts serverOptions) (*server.Config, error) {
	var cfg *server.Config
	if opts.configPath != "" {
		loaded, err := server.LoadConfig(opts.configPath)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	} else {
		cfg = server.DefaultConfig()
	}

	if opts.transport != "" {
		cfg.Server.Transport = opts.transport
	}
	if opts.address != "" {
		cfg.Server.Address = opts.address
	}
	if cfg.Server.Version == "" || cfg.Server.Version == "1.0.0" {
		cfg.Server.Version = Version
	}
	return cfg, nil
}

func run() error {
	opts := parseFlags()

	if opts.showVersion {
		fmt.Printf("mcp-warehouse-gateway version %s\n", Version)
		return nil
	}

	cfg, err := loadConfig(opts)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	// Stdout carries the MCP protocol under stdio, so logs go to stderr.
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	slog.SetDefault(logger)

	s, err := server.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("creating server: %w", err)
	}

	return s.Run(setupSignalHandler())
}
