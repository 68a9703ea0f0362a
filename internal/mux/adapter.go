package mux

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/creack/pty"
	"go.uber.org/zap"

	"github.com/hltdev8642/tabzmux/internal/config"
	"github.com/hltdev8642/tabzmux/internal/models"
)

var (
	// ErrNotFound means the backing session does not exist.
	ErrNotFound = errors.New("backing session not found")
	// ErrSpawnFailed means tmux could not create the backing session.
	ErrSpawnFailed = errors.New("spawn backing session failed")
)

// Sink receives output read from an attached backing session.
type Sink interface {
	Output(backingName string, data []byte)
}

// SpawnConfig describes a new backing session.
type SpawnConfig struct {
	BackingName string
	WorkingDir  string
	Command     string
	Cols        int
	Rows        int
}

// HandleInfo is the adapter's externally visible view of a backing session.
// The live handle never leaves the adapter.
type HandleInfo struct {
	BackingName string
	PID         int
}

type handle struct {
	backing string
	pid     int

	mu        sync.Mutex
	ptmx      *os.File // nil while detached
	attachCmd *exec.Cmd
	lastDims  models.Dimensions
}

type ptyStartFunc func(cmd *exec.Cmd, ws *pty.Winsize) (*os.File, error)

// Adapter owns the binding between backing tmux sessions and their attach
// PTYs. All tmux state lives on a dedicated socket so user sessions are
// never touched.
type Adapter struct {
	cfg      config.TmuxConfig
	sink     Sink
	log      *zap.Logger
	run      Runner
	startPTY ptyStartFunc

	mu      sync.RWMutex
	handles map[string]*handle
}

// New creates an adapter that shells out to the real tmux binary.
func New(cfg config.TmuxConfig, sink Sink, log *zap.Logger) *Adapter {
	return NewWithDeps(cfg, sink, log, execRunner{}, pty.StartWithSize)
}

// NewWithDeps creates an adapter with injected command and PTY layers.
func NewWithDeps(cfg config.TmuxConfig, sink Sink, log *zap.Logger, run Runner, start ptyStartFunc) *Adapter {
	return &Adapter{
		cfg:      cfg,
		sink:     sink,
		log:      log,
		run:      run,
		startPTY: start,
		handles:  make(map[string]*handle),
	}
}

// SocketPath returns the dedicated tmux socket path.
func (a *Adapter) SocketPath() string {
	if a.cfg.SocketPath != "" {
		return a.cfg.SocketPath
	}
	if dir := os.Getenv("XDG_RUNTIME_DIR"); dir != "" {
		return filepath.Join(dir, "tabzmux-tmux.sock")
	}
	return filepath.Join(os.TempDir(), fmt.Sprintf("tabzmux-tmux-%d.sock", os.Getuid()))
}

func (a *Adapter) socketArgs() []string {
	return []string{"-S", a.SocketPath()}
}

// Spawn creates a new detached backing session and attaches its output
// stream. On failure nothing is registered.
func (a *Adapter) Spawn(ctx context.Context, sc SpawnConfig) (HandleInfo, error) {
	if sc.Cols <= 0 {
		sc.Cols = a.cfg.DefaultCols
	}
	if sc.Rows <= 0 {
		sc.Rows = a.cfg.DefaultRows
	}

	args := append(a.socketArgs(),
		"new-session", "-d", "-s", sc.BackingName,
		"-x", strconv.Itoa(sc.Cols), "-y", strconv.Itoa(sc.Rows))
	if sc.WorkingDir != "" {
		args = append(args, "-c", sc.WorkingDir)
	}
	if sc.Command != "" {
		args = append(args, sc.Command)
	} else if a.cfg.DefaultShell != "" {
		args = append(args, a.cfg.DefaultShell)
	}

	if out, err := a.run.Run(ctx, "tmux", args...); err != nil {
		return HandleInfo{}, fmt.Errorf("%w: %v: %s", ErrSpawnFailed, err, strings.TrimSpace(string(out)))
	}

	// tmux returns before the session is addressable; poll briefly.
	for range 50 {
		if a.sessionExists(ctx, sc.BackingName) {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	h := &handle{
		backing:  sc.BackingName,
		pid:      a.panePID(ctx, sc.BackingName),
		lastDims: models.Dimensions{Cols: sc.Cols, Rows: sc.Rows},
	}
	if err := a.attachPTY(h); err != nil {
		a.run.Run(ctx, "tmux", append(a.socketArgs(), "kill-session", "-t", sc.BackingName)...)
		return HandleInfo{}, fmt.Errorf("%w: %v", ErrSpawnFailed, err)
	}

	a.mu.Lock()
	a.handles[sc.BackingName] = h
	a.mu.Unlock()

	a.log.Info("spawned backing session",
		zap.String("backing", sc.BackingName), zap.Int("pid", h.pid))
	return HandleInfo{BackingName: sc.BackingName, PID: h.pid}, nil
}

// Attach binds to an existing backing session, reusing the live attach if
// one is already open. Identity is keyed by the session name, so attach
// works for sessions that outlived a previous adapter instance.
func (a *Adapter) Attach(ctx context.Context, backingName string) (HandleInfo, error) {
	a.mu.RLock()
	h := a.handles[backingName]
	a.mu.RUnlock()

	if h == nil {
		if !a.sessionExists(ctx, backingName) {
			return HandleInfo{}, ErrNotFound
		}
		h = &handle{
			backing:  backingName,
			pid:      a.panePID(ctx, backingName),
			lastDims: models.Dimensions{Cols: a.cfg.DefaultCols, Rows: a.cfg.DefaultRows},
		}
		a.mu.Lock()
		if existing, ok := a.handles[backingName]; ok {
			h = existing
		} else {
			a.handles[backingName] = h
		}
		a.mu.Unlock()
	}

	h.mu.Lock()
	attached := h.ptmx != nil
	h.mu.Unlock()
	if !attached {
		if !a.sessionExists(ctx, backingName) {
			a.mu.Lock()
			delete(a.handles, backingName)
			a.mu.Unlock()
			return HandleInfo{}, ErrNotFound
		}
		if err := a.attachPTY(h); err != nil {
			return HandleInfo{}, fmt.Errorf("attach %s: %w", backingName, err)
		}
	}
	return HandleInfo{BackingName: backingName, PID: h.pid}, nil
}

// attachPTY starts a tmux attach client on a fresh PTY and begins streaming
// its output to the sink.
func (a *Adapter) attachPTY(h *handle) error {
	cmd := exec.Command("tmux", append(a.socketArgs(), "attach-session", "-t", h.backing)...)
	cmd.Env = append(os.Environ(), "TERM=xterm-256color")

	h.mu.Lock()
	dims := h.lastDims
	h.mu.Unlock()

	ptmx, err := a.startPTY(cmd, &pty.Winsize{
		Cols: uint16(dims.Cols),
		Rows: uint16(dims.Rows),
	})
	if err != nil {
		return fmt.Errorf("start attach pty: %w", err)
	}

	h.mu.Lock()
	h.ptmx = ptmx
	h.attachCmd = cmd
	h.mu.Unlock()

	go a.readOutput(h, ptmx)
	return nil
}

// readOutput streams attach PTY output until the client exits or is
// detached.
func (a *Adapter) readOutput(h *handle, ptmx *os.File) {
	buf := make([]byte, 32*1024)
	for {
		n, err := ptmx.Read(buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			a.sink.Output(h.backing, data)
		}
		if err != nil {
			break
		}
	}

	h.mu.Lock()
	if h.ptmx == ptmx {
		h.ptmx = nil
		h.attachCmd = nil
	}
	h.mu.Unlock()
	ptmx.Close()
}

// Input writes bytes to the backing session's attach PTY.
func (a *Adapter) Input(backingName string, data []byte) error {
	a.mu.RLock()
	h := a.handles[backingName]
	a.mu.RUnlock()
	if h == nil {
		return ErrNotFound
	}

	h.mu.Lock()
	ptmx := h.ptmx
	h.mu.Unlock()
	if ptmx == nil {
		return fmt.Errorf("input to %s: not attached", backingName)
	}
	_, err := ptmx.Write(data)
	return err
}

// Resize applies new dimensions to the backing session. Re-applying the
// current dimensions is a no-op, never a second redraw.
func (a *Adapter) Resize(ctx context.Context, backingName string, cols, rows int) error {
	a.mu.RLock()
	h := a.handles[backingName]
	a.mu.RUnlock()
	if h == nil {
		return ErrNotFound
	}

	h.mu.Lock()
	if h.lastDims.Cols == cols && h.lastDims.Rows == rows {
		h.mu.Unlock()
		return nil
	}
	ptmx := h.ptmx
	h.lastDims = models.Dimensions{Cols: cols, Rows: rows}
	h.mu.Unlock()

	if ptmx != nil {
		if err := pty.Setsize(ptmx, &pty.Winsize{Cols: uint16(cols), Rows: uint16(rows)}); err != nil {
			a.log.Warn("setsize attach pty", zap.String("backing", backingName), zap.Error(err))
		}
	}
	// resize-window, not resize-pane: single-pane windows ignore the latter.
	out, err := a.run.Run(ctx, "tmux", append(a.socketArgs(),
		"resize-window", "-t", backingName,
		"-x", strconv.Itoa(cols), "-y", strconv.Itoa(rows))...)
	if err != nil {
		return fmt.Errorf("resize %s: %v: %s", backingName, err, strings.TrimSpace(string(out)))
	}
	return nil
}

// Dimensions reports the last dimensions applied to the backing session.
func (a *Adapter) Dimensions(backingName string) (models.Dimensions, bool) {
	a.mu.RLock()
	h := a.handles[backingName]
	a.mu.RUnlock()
	if h == nil {
		return models.Dimensions{}, false
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.lastDims, true
}

// Detach closes the attach PTY and leaves the backing session running.
// This is the common path for "viewer went away, work continues".
func (a *Adapter) Detach(backingName string) error {
	a.mu.RLock()
	h := a.handles[backingName]
	a.mu.RUnlock()
	if h == nil {
		return ErrNotFound
	}

	h.mu.Lock()
	ptmx := h.ptmx
	h.ptmx = nil
	h.attachCmd = nil
	h.mu.Unlock()

	if ptmx != nil {
		ptmx.Close()
	}
	a.log.Info("detached backing session", zap.String("backing", backingName))
	return nil
}

// Kill destroys the backing session. Failures are swallowed: the caller's
// intent is that the session not exist, and an already-dead session
// satisfies it.
func (a *Adapter) Kill(ctx context.Context, backingName string) error {
	a.mu.Lock()
	h := a.handles[backingName]
	delete(a.handles, backingName)
	a.mu.Unlock()

	if h != nil {
		h.mu.Lock()
		ptmx := h.ptmx
		h.ptmx = nil
		h.mu.Unlock()
		if ptmx != nil {
			ptmx.Close()
		}
	}

	if out, err := a.run.Run(ctx, "tmux", append(a.socketArgs(), "kill-session", "-t", backingName)...); err != nil {
		a.log.Debug("kill-session",
			zap.String("backing", backingName),
			zap.String("output", strings.TrimSpace(string(out))),
			zap.Error(err))
	}
	a.log.Info("killed backing session", zap.String("backing", backingName))
	return nil
}

// Exists reports whether the backing session is alive in tmux.
func (a *Adapter) Exists(ctx context.Context, backingName string) bool {
	return a.sessionExists(ctx, backingName)
}

// ListBacking returns the names of all live backing sessions on our socket.
func (a *Adapter) ListBacking(ctx context.Context) ([]string, error) {
	out, err := a.run.Run(ctx, "tmux", append(a.socketArgs(),
		"list-sessions", "-F", "#{session_name}")...)
	if err != nil {
		// No server running on the socket means no sessions.
		return nil, nil
	}
	var names []string
	for _, line := range strings.Split(strings.TrimSpace(string(out)), "\n") {
		if line != "" {
			names = append(names, line)
		}
	}
	return names, nil
}

// DetachAll closes every attach PTY without touching the backing sessions.
// Called on shutdown so in-progress work persists.
func (a *Adapter) DetachAll() {
	a.mu.Lock()
	handles := make([]*handle, 0, len(a.handles))
	for _, h := range a.handles {
		handles = append(handles, h)
	}
	a.mu.Unlock()

	for _, h := range handles {
		h.mu.Lock()
		ptmx := h.ptmx
		h.ptmx = nil
		h.mu.Unlock()
		if ptmx != nil {
			ptmx.Close()
		}
	}
}

func (a *Adapter) sessionExists(ctx context.Context, backingName string) bool {
	_, err := a.run.Run(ctx, "tmux", append(a.socketArgs(), "has-session", "-t", backingName)...)
	return err == nil
}

func (a *Adapter) panePID(ctx context.Context, backingName string) int {
	out, err := a.run.Run(ctx, "tmux", append(a.socketArgs(),
		"display-message", "-p", "-t", backingName, "#{pane_pid}")...)
	if err != nil {
		return 0
	}
	pid, _ := strconv.Atoi(strings.TrimSpace(string(out)))
	return pid
}
