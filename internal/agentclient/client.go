// ABOUTME: Agent runtime: registration, the reconnecting event stream, and
// ABOUTME: command dispatch (downloads, playback, deletion).

package agentclient

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/user"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/2389/chorus-control/internal/protocol"
)

// errTerminate signals the run loop to exit instead of reconnecting.
var errTerminate = errors.New("agent terminated")

// Options configures an agent client.
type Options struct {
	// ServerURL is the control server base URL, no trailing slash.
	ServerURL string
	// DataDir holds the state file and the downloaded media library.
	DataDir string
	Player  Player
	Logger  *slog.Logger

	// ReconnectDelay between stream attempts. Defaults to 5 seconds.
	ReconnectDelay time.Duration
	// HTTPClient overrides the default client, used by tests.
	HTTPClient *http.Client
}

// Client is the agent-side runtime.
type Client struct {
	serverURL      string
	dataDir        string
	player         Player
	logger         *slog.Logger
	http           *http.Client
	reconnectDelay time.Duration

	mu      sync.Mutex
	data    *Data
	current *playback
}

type playback struct {
	mediaID uint16
	handle  Handle
}

// New builds an agent client. The agent registers with the server on first
// run and reuses its stored id afterwards.
func New(ctx context.Context, opts Options) (*Client, error) {
	if opts.ServerURL == "" {
		return nil, fmt.Errorf("agentclient: server URL is required")
	}
	if opts.DataDir == "" {
		return nil, fmt.Errorf("agentclient: data dir is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	delay := opts.ReconnectDelay
	if delay <= 0 {
		delay = 5 * time.Second
	}

	c := &Client{
		serverURL:      opts.ServerURL,
		dataDir:        opts.DataDir,
		player:         opts.Player,
		logger:         logger.With("component", "agent"),
		http:           httpClient,
		reconnectDelay: delay,
	}

	data, err := LoadData(opts.DataDir)
	if errors.Is(err, os.ErrNotExist) {
		data, err = c.register(ctx)
	}
	if err != nil {
		return nil, err
	}
	c.data = data

	c.logger.Info("agent initialized", "client_id", data.ID, "library", len(data.Library))
	return c, nil
}

// ID returns the server-assigned agent id.
func (c *Client) ID() uint16 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.data.ID
}

// register creates a server-side record and stores the assigned id.
func (c *Client) register(ctx context.Context) (*Data, error) {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}
	username := "unknown"
	if u, err := user.Current(); err == nil {
		username = u.Username
	}

	body := fmt.Sprintf(`{"hostname":%q,"username":%q}`, hostname, username)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.serverURL+"/api/client", strings.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("registering agent: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("registering agent: unexpected status %d", resp.StatusCode)
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading registration response: %w", err)
	}
	id, err := strconv.ParseUint(string(raw), 10, 16)
	if err != nil {
		return nil, fmt.Errorf("parsing assigned id %q: %w", raw, err)
	}

	data := &Data{ID: uint16(id)}
	if err := data.Save(c.dataDir); err != nil {
		return nil, err
	}
	c.logger.Info("agent registered", "client_id", id)
	return data, nil
}

// Run connects to the event stream and dispatches commands until the
// context is canceled or the server terminates the agent. Transport
// failures reconnect after a fixed delay.
func (c *Client) Run(ctx context.Context) error {
	for {
		err := c.runStream(ctx)
		switch {
		case errors.Is(err, errTerminate):
			return nil
		case ctx.Err() != nil:
			return ctx.Err()
		}
		if err != nil {
			c.logger.Warn("stream failed, reconnecting", "delay", c.reconnectDelay, "error", err)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.reconnectDelay):
		}
	}
}

// runStream opens one stream connection and consumes it to the end.
func (c *Client) runStream(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.serverURL+"/api/stream", nil)
	if err != nil {
		return err
	}
	req.Header.Set("X-Client-Id", strconv.FormatUint(uint64(c.ID()), 10))

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("connecting stream: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("connecting stream: unexpected status %d", resp.StatusCode)
	}

	dec := protocol.NewStreamDecoder(resp.Body)
	for {
		res, err := dec.Next()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		if res.Err != nil {
			// Malformed frame; the stream itself is still aligned.
			c.logger.Warn("skipping malformed frame", "error", res.Err)
			continue
		}
		if err := c.dispatch(ctx, res.Event); err != nil {
			return err
		}
	}
}

// dispatch handles one decoded command.
func (c *Client) dispatch(ctx context.Context, ev protocol.Event) error {
	switch ev.Type {
	case protocol.TypeReady:
		pending, err := ev.Bool()
		if err != nil {
			c.logger.Warn("malformed ready frame", "error", err)
			return nil
		}
		c.logger.Info("stream ready", "pending_deletion", pending)
		if pending {
			return c.selfDestruct(ctx)
		}
		return nil

	case protocol.TypePing:
		return nil

	case protocol.TypeDownloadMedia:
		id, err := ev.MediaID()
		if err != nil {
			return nil
		}
		if err := c.download(ctx, id); err != nil {
			c.logger.Error("download failed", "media_id", id, "error", err)
		}
		return nil

	case protocol.TypeDeleteMedia:
		id, err := ev.MediaID()
		if err != nil {
			return nil
		}
		c.deleteMedia(id)
		return nil

	case protocol.TypePlayMedia:
		id, err := ev.MediaID()
		if err != nil {
			return nil
		}
		if err := c.play(ctx, id); err != nil {
			c.logger.Error("playback failed", "media_id", id, "error", err)
		}
		return nil

	case protocol.TypeStopMedia:
		c.stop(ctx)
		return nil

	case protocol.TypeShutdown:
		c.logger.Info("shutdown requested")
		c.stop(ctx)
		return errTerminate

	case protocol.TypeSelfDestruct:
		return c.selfDestruct(ctx)

	default:
		c.logger.Warn("unknown command", "type", ev.Type)
		return nil
	}
}

// selfDestruct confirms deletion to the server, wipes local state, and
// terminates the run loop.
func (c *Client) selfDestruct(ctx context.Context) error {
	c.stop(ctx)
	if err := c.callback(ctx, "/api/client/destroyed"); err != nil {
		// The pending flag is sticky server-side: the next handshake will
		// retry the whole sequence.
		return fmt.Errorf("destroyed callback: %w", err)
	}
	if err := os.RemoveAll(c.dataDir); err != nil {
		c.logger.Error("failed to wipe data dir", "error", err)
	}
	c.logger.Info("agent self-destructed")
	return errTerminate
}

func (c *Client) mediaPath(id uint16) string {
	return filepath.Join(c.dataDir, "media", strconv.FormatUint(uint64(id), 10))
}

// download fetches a media file into the local library.
func (c *Client) download(ctx context.Context, id uint16) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		fmt.Sprintf("%s/api/media/%d", c.serverURL, id), nil)
	if err != nil {
		return err
	}
	req.Header.Set("X-Client-Id", strconv.FormatUint(uint64(c.ID()), 10))

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("fetching media %d: %w", id, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("fetching media %d: unexpected status %d", id, resp.StatusCode)
	}

	path := c.mediaPath(id)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	if _, err := io.Copy(f, resp.Body); err != nil {
		return fmt.Errorf("saving media %d: %w", id, err)
	}

	c.mu.Lock()
	c.data.AddMedia(id)
	err = c.data.Save(c.dataDir)
	c.mu.Unlock()
	if err != nil {
		return err
	}

	c.logger.Info("media downloaded", "media_id", id)
	return nil
}

// deleteMedia removes the local copy.
func (c *Client) deleteMedia(id uint16) {
	if err := os.Remove(c.mediaPath(id)); err != nil && !os.IsNotExist(err) {
		c.logger.Error("failed to remove media file", "media_id", id, "error", err)
	}

	c.mu.Lock()
	removed := c.data.RemoveMedia(id)
	var err error
	if removed {
		err = c.data.Save(c.dataDir)
	}
	c.mu.Unlock()
	if err != nil {
		c.logger.Error("failed to save agent state", "error", err)
	}
	if removed {
		c.logger.Info("media deleted", "media_id", id)
	}
}

// play starts playback of a local media file and reports it. A playback
// already running is stopped first.
func (c *Client) play(ctx context.Context, id uint16) error {
	if c.player == nil {
		return fmt.Errorf("no player configured")
	}
	path := c.mediaPath(id)
	if _, err := os.Stat(path); err != nil {
		return fmt.Errorf("media %d not in local library: %w", id, err)
	}

	c.stop(ctx)

	handle, err := c.player.Play(path)
	if err != nil {
		return err
	}

	c.mu.Lock()
	session := &playback{mediaID: id, handle: handle}
	c.current = session
	c.mu.Unlock()

	if err := c.callback(ctx, fmt.Sprintf("/api/media/%d/started", id)); err != nil {
		c.logger.Error("started callback failed", "media_id", id, "error", err)
	}
	c.logger.Info("playback started", "media_id", id)

	go c.watchPlayback(ctx, session)
	return nil
}

// watchPlayback reports the natural end of a playback. A session stopped by
// command clears itself first, so the watcher stays silent for it.
func (c *Client) watchPlayback(ctx context.Context, session *playback) {
	select {
	case <-ctx.Done():
		return
	case <-session.handle.Done():
	}

	c.mu.Lock()
	mine := c.current == session
	if mine {
		c.current = nil
	}
	c.mu.Unlock()
	if !mine {
		return
	}

	if err := c.callback(ctx, "/api/media/stopped"); err != nil {
		c.logger.Error("stopped callback failed", "error", err)
	}
	c.logger.Info("playback finished", "media_id", session.mediaID)
}

// stop ends the current playback, if any, and reports it.
func (c *Client) stop(ctx context.Context) {
	c.mu.Lock()
	session := c.current
	c.current = nil
	c.mu.Unlock()
	if session == nil {
		return
	}

	if err := session.handle.Stop(); err != nil {
		c.logger.Error("failed to stop playback", "error", err)
	}
	if err := c.callback(ctx, "/api/media/stopped"); err != nil {
		c.logger.Error("stopped callback failed", "error", err)
	}
	c.logger.Info("playback stopped", "media_id", session.mediaID)
}

// callback POSTs an empty identified request to the server.
func (c *Client) callback(ctx context.Context, path string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.serverURL+path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("X-Client-Id", strconv.FormatUint(uint64(c.ID()), 10))

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return nil
}
