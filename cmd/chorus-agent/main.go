// ABOUTME: Entry point for the chorus agent, which connects to the control
// ABOUTME: server, maintains a local media library, and plays media on demand.

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/2389/chorus-control/internal/agentclient"
)

const version = "1.0.0"

func defaultDataDir() string {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return ".chorus-agent"
		}
		dataDir = filepath.Join(homeDir, ".local", "share")
	}
	return filepath.Join(dataDir, "chorus-agent")
}

func main() {
	serverURL := flag.String("server", "http://localhost:7777", "Control server URL")
	dataDir := flag.String("data-dir", defaultDataDir(), "Directory for agent state and media")
	playerCmd := flag.String("player", "ffplay", "Player binary used for playback")
	playerArgs := flag.String("player-args", "-nodisp -autoexit -loglevel quiet", "Extra arguments passed to the player")
	logLevel := flag.String("log-level", "info", "Log level (debug, info, warn, error)")
	showVersion := flag.Bool("version", false, "Show version")
	flag.Parse()

	if *showVersion {
		fmt.Printf("chorus-agent v%s\n", version)
		os.Exit(0)
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(*logLevel)); err != nil {
		level = slog.LevelInfo
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level}))

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	player := &agentclient.ExecPlayer{Command: *playerCmd}
	if args := strings.TrimSpace(*playerArgs); args != "" {
		player.Args = strings.Fields(args)
	}

	client, err := agentclient.New(ctx, agentclient.Options{
		ServerURL: strings.TrimRight(*serverURL, "/"),
		DataDir:   *dataDir,
		Player:    player,
		Logger:    logger,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	logger.Info("chorus-agent starting", "version", version, "server", *serverURL, "client_id", client.ID())

	if err := client.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
