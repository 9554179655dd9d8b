// ABOUTME: Media directory layout and upload plumbing. Files are stored
// ABOUTME: under the media dir named by their registry id.

package server

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

func (s *Server) mediaPath(id uint16) string {
	return filepath.Join(s.config.Media.Dir, strconv.FormatUint(uint64(id), 10))
}

func (s *Server) writeMediaFile(path string, body io.Reader) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating media directory: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating media file: %w", err)
	}
	defer f.Close()

	if _, err := io.Copy(f, body); err != nil {
		return fmt.Errorf("writing media file: %w", err)
	}
	return f.Sync()
}

// probeDuration asks the prober for the media's length in milliseconds.
// A failed or absent probe yields zero, which keeps the media unplayable
// until a duration is known.
func (s *Server) probeDuration(ctx context.Context, path string) uint64 {
	if s.prober == nil {
		return 0
	}
	length, err := s.prober.Duration(ctx, path)
	if err != nil {
		s.logger.Warn("duration probe failed, media stays unplayable", "path", path, "error", err)
		return 0
	}
	return uint64(length / time.Millisecond)
}

func modTime(f *os.File) time.Time {
	info, err := f.Stat()
	if err != nil {
		return time.Time{}
	}
	return info.ModTime()
}
