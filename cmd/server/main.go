package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/NicolasHaas/chatline/pkg/datastore"
	"github.com/NicolasHaas/chatline/pkg/logging"
	"github.com/NicolasHaas/chatline/pkg/server"
	"github.com/NicolasHaas/chatline/pkg/version"
)

const (
	exitOK      = 0
	exitRuntime = 1
	exitConfig  = 2
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("server", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.Usage = func() {
		fmt.Fprintln(stderr, "usage: server [flags] <port> [db_path]")
		fs.PrintDefaults()
	}

	def := server.DefaultConfig()
	configPath := fs.String("config", "", "YAML config file")
	backend := fs.String("backend", def.Backend, "Storage backend: sqlite or badger")
	dbPath := fs.String("db", def.DBPath, "Database file (sqlite) or directory (badger)")
	wsAddr := fs.String("websocket", "", "HTTP bind address for the WebSocket bridge (empty to disable)")
	metricsAddr := fs.String("metrics", "", "HTTP bind address for /metrics and /healthz (empty to disable)")
	shutdownTimeout := fs.Duration("shutdown-timeout", def.ShutdownTimeout, "Time to wait for connection workers on shutdown")
	logLevel := fs.String("log-level", def.LogLevel, "Log level: "+logging.LevelNames())
	logFormat := fs.String("log-format", def.LogFormat, "Log format: text or json")
	showVersion := fs.Bool("version", false, "Print version and exit")
	exportPair := fs.String("export-history", "", "Export the history of a pair as YAML and exit (alice,bob)")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return exitOK
		}
		return exitConfig
	}
	if *showVersion {
		fmt.Fprintln(stdout, "server", version.Full())
		return exitOK
	}

	cfg := server.DefaultConfig()
	if *configPath != "" {
		if err := cfg.LoadFile(*configPath); err != nil {
			fmt.Fprintln(stderr, err)
			return exitConfig
		}
	}
	if err := cfg.ApplyEnv(); err != nil {
		fmt.Fprintln(stderr, err)
		return exitConfig
	}

	// Flags override file and environment only when given explicitly.
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "backend":
			cfg.Backend = *backend
		case "db":
			cfg.DBPath = *dbPath
		case "websocket":
			cfg.WebSocketAddr = *wsAddr
		case "metrics":
			cfg.MetricsAddr = *metricsAddr
		case "shutdown-timeout":
			cfg.ShutdownTimeout = *shutdownTimeout
		case "log-level":
			cfg.LogLevel = *logLevel
		case "log-format":
			cfg.LogFormat = *logFormat
		}
	})

	pos := fs.Args()
	exporting := *exportPair != ""
	switch {
	case len(pos) > 2:
		fs.Usage()
		return exitConfig
	case len(pos) == 0 && !exporting:
		fmt.Fprintln(stderr, "missing <port>")
		fs.Usage()
		return exitConfig
	}
	if len(pos) > 0 {
		if err := cfg.SetPort(pos[0]); err != nil {
			fmt.Fprintln(stderr, err)
			return exitConfig
		}
	}
	if len(pos) > 1 {
		cfg.DBPath = pos[1]
	}

	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(stderr, err)
		return exitConfig
	}

	logger, err := logging.Setup(logging.Options{
		Level:  cfg.LogLevel,
		Format: cfg.LogFormat,
		Output: stderr,
	})
	if err != nil {
		fmt.Fprintf(stderr, "invalid logging config: %v\n", err)
		return exitConfig
	}

	if exporting {
		a, b, ok := strings.Cut(*exportPair, ",")
		if !ok || a == "" || b == "" {
			fmt.Fprintln(stderr, "-export-history expects two usernames separated by a comma")
			return exitConfig
		}
		return exportHistory(cfg, a, b, stdout, logger)
	}

	gw, err := datastore.Open(cfg.Backend, cfg.DBPath)
	if err != nil {
		logger.Error("open database", "backend", cfg.Backend, "path", cfg.DBPath, "err", err)
		return exitRuntime
	}

	srv := server.New(cfg, server.Dependencies{Gateway: gw, Logger: logger})
	if err := srv.Run(); err != nil {
		logger.Error("server error", "err", err)
		return exitRuntime
	}
	return exitOK
}

func exportHistory(cfg server.Config, a, b string, stdout io.Writer, logger *slog.Logger) int {
	gw, err := datastore.Open(cfg.Backend, cfg.DBPath)
	if err != nil {
		logger.Error("open database", "backend", cfg.Backend, "path", cfg.DBPath, "err", err)
		return exitRuntime
	}
	defer gw.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	data, err := server.ExportConversationYAML(ctx, gw, a, b)
	if err != nil {
		logger.Error("export history", "err", err)
		return exitRuntime
	}
	if _, err := stdout.Write(data); err != nil {
		logger.Error("write export", "err", err)
		return exitRuntime
	}
	return exitOK
}
