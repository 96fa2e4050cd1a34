package main

import (
	"flag"
	"log/slog"
	"os"
	"strings"

	"github.com/manhpham90vn/tunnel/internal/server"
)

// parseLogLevel converts TUNNEL_LOG_LEVEL's value to a slog.Level, defaulting
// to info for an unset or unrecognised value (spec.md §6).
func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func main() {
	configPath := flag.String("config", "configs/relay.yaml", "path to relay configuration file")
	flag.Parse()

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: parseLogLevel(os.Getenv("TUNNEL_LOG_LEVEL")),
	})))

	cfg, err := server.LoadConfig(*configPath)
	if err != nil {
		slog.Error("failed to load config", "err", err)
		os.Exit(1)
	}

	srv := server.NewServer(cfg)
	if err := srv.Run(); err != nil {
		slog.Error("relay server exited with error", "err", err)
		os.Exit(1)
	}
}
