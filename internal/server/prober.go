// ABOUTME: Media duration probing through an external tool so the server
// ABOUTME: never links an audio decoder itself.

package server

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

// Prober resolves the playback duration of a media file.
type Prober interface {
	Duration(ctx context.Context, path string) (time.Duration, error)
}

// CommandProber shells out to a probe binary, ffprobe by default, and reads
// the duration in seconds from stdout.
type CommandProber struct {
	command string
	logger  *slog.Logger
}

// NewCommandProber builds a prober around the given binary.
func NewCommandProber(command string, logger *slog.Logger) *CommandProber {
	return &CommandProber{
		command: command,
		logger:  logger.With("component", "prober"),
	}
}

// Duration runs the probe command against the file. The invocation matches
// ffprobe's noformat/nokey output mode, which prints a bare decimal number
// of seconds.
func (p *CommandProber) Duration(ctx context.Context, path string) (time.Duration, error) {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	cmd := exec.CommandContext(ctx, p.command,
		"-v", "error",
		"-show_entries", "format=duration",
		"-of", "default=noprint_wrappers=1:nokey=1",
		path,
	)
	out, err := cmd.Output()
	if err != nil {
		return 0, fmt.Errorf("running %s: %w", p.command, err)
	}

	seconds, err := strconv.ParseFloat(strings.TrimSpace(string(out)), 64)
	if err != nil {
		return 0, fmt.Errorf("parsing %s output %q: %w", p.command, out, err)
	}

	d := time.Duration(seconds * float64(time.Second))
	p.logger.Debug("probed media duration", "path", path, "duration", d)
	return d, nil
}
