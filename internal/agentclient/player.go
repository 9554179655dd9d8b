// ABOUTME: Audio playback behind a small interface; the default backend
// ABOUTME: shells out to an external player binary.

package agentclient

import (
	"fmt"
	"os/exec"
)

// Handle is one running playback.
type Handle interface {
	// Stop ends playback. Safe to call after the playback already ended.
	Stop() error
	// Done is closed when playback ends, whether stopped or finished.
	Done() <-chan struct{}
}

// Player starts playback of a local media file.
type Player interface {
	Play(path string) (Handle, error)
}

// ExecPlayer plays media by running an external player process, one per
// playback. Stopping kills the process.
type ExecPlayer struct {
	// Command is the player binary. Args are appended before the file path.
	Command string
	Args    []string
}

type execHandle struct {
	cmd  *exec.Cmd
	done chan struct{}
}

func (h *execHandle) Stop() error {
	if h.cmd.Process == nil {
		return nil
	}
	// Wait is reaped by the goroutine started in Play.
	return h.cmd.Process.Kill()
}

func (h *execHandle) Done() <-chan struct{} {
	return h.done
}

// Play starts the player process on the given file.
func (p *ExecPlayer) Play(path string) (Handle, error) {
	args := append(append([]string{}, p.Args...), path)
	cmd := exec.Command(p.Command, args...)
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting player %s: %w", p.Command, err)
	}

	h := &execHandle{cmd: cmd, done: make(chan struct{})}
	go func() {
		_ = cmd.Wait()
		close(h.done)
	}()
	return h, nil
}
