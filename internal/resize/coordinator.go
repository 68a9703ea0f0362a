package resize

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/hltdev8642/tabzmux/internal/config"
	"github.com/hltdev8642/tabzmux/internal/models"
)

// Applier carries a dimension change to the backing process.
type Applier interface {
	ApplyResize(terminalID string, cols, rows int) error
	Dimensions(terminalID string) (models.Dimensions, bool)
}

// Suppressor discards a terminal's output for a window. The shrink half of
// a corrective nudge produces a redraw that must never reach viewers.
type Suppressor interface {
	Suppress(terminalID string, window time.Duration)
}

// termState tracks the per-terminal resize pipeline. Exactly one timer may
// be live per terminal: every schedule cancels and replaces the previous
// one, and the generation counter invalidates callbacks from cancelled
// timers that already fired.
type termState struct {
	mu sync.Mutex

	lastOutput  time.Time
	lastApplied models.Dimensions
	hasApplied  bool

	pending   *models.Dimensions
	deferrals int
	aborted   bool

	nudgePending   bool
	nudgeDeferrals int
	restoreDims    *models.Dimensions // set between the shrink and restore steps

	timer *time.Timer
	gen   uint64
}

func (t *termState) cancelTimerLocked() {
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
	t.gen++
}

// Coordinator decides when it is safe to apply a dimension change. Applying
// a resize while the backing process is mid-output corrupts the visible
// screen, so requests inside the quiet period are deferred, and requests
// that stay hot past the deferral bound are dropped rather than forced.
type Coordinator struct {
	cfg   config.ResizeConfig
	apply Applier
	sup   Suppressor
	log   *zap.Logger

	mu    sync.RWMutex
	terms map[string]*termState
}

func New(cfg config.ResizeConfig, apply Applier, sup Suppressor, log *zap.Logger) *Coordinator {
	return &Coordinator{
		cfg:   cfg,
		apply: apply,
		sup:   sup,
		log:   log,
		terms: make(map[string]*termState),
	}
}

func (c *Coordinator) state(id string) *termState {
	c.mu.RLock()
	t, ok := c.terms[id]
	c.mu.RUnlock()
	if ok {
		return t
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if t, ok = c.terms[id]; !ok {
		t = &termState{}
		c.terms[id] = t
	}
	return t
}

// NoteOutput records that the terminal produced output now. Called from the
// adapter's read path; must stay cheap.
func (c *Coordinator) NoteOutput(id string) {
	t := c.state(id)
	t.mu.Lock()
	t.lastOutput = time.Now()
	t.mu.Unlock()
}

// Seed records dimensions already applied at spawn/attach time so an
// immediate identical request debounces instead of re-applying.
func (c *Coordinator) Seed(id string, dims models.Dimensions) {
	t := c.state(id)
	t.mu.Lock()
	t.lastApplied = dims
	t.hasApplied = true
	t.mu.Unlock()
}

// Forget drops all coordinator state for a closed terminal, cancelling any
// pending timer.
func (c *Coordinator) Forget(id string) {
	c.mu.Lock()
	t, ok := c.terms[id]
	delete(c.terms, id)
	c.mu.Unlock()
	if ok {
		t.mu.Lock()
		t.cancelTimerLocked()
		t.mu.Unlock()
	}
}

func (c *Coordinator) quietLocked(t *termState) bool {
	return time.Since(t.lastOutput) >= c.cfg.QuietPeriod
}

// scheduleLocked replaces the terminal's single timer. fn runs only if no
// newer schedule superseded it.
func (c *Coordinator) scheduleLocked(t *termState, d time.Duration, fn func(t *termState)) {
	t.cancelTimerLocked()
	gen := t.gen
	t.timer = time.AfterFunc(d, func() {
		t.mu.Lock()
		if t.gen != gen {
			t.mu.Unlock()
			return
		}
		t.timer = nil
		fn(t)
		t.mu.Unlock()
	})
}

// Request asks for new dimensions. Always accepted; application may be
// deferred or, under sustained output, dropped entirely. Skipping a resize
// is safer than applying one mid-stream.
func (c *Coordinator) Request(id string, cols, rows int) {
	t := c.state(id)
	dims := models.Dimensions{Cols: cols, Rows: rows}

	t.mu.Lock()
	defer t.mu.Unlock()

	// A request arriving between the nudge's shrink and restore steps
	// supersedes the restore: applying the new dimensions restores a sane
	// size, and the half-done nudge must not fire its own restore later.
	if t.restoreDims != nil {
		t.restoreDims = nil
		t.nudgePending = false
		t.cancelTimerLocked()
		c.applyLocked(t, id, dims)
		return
	}

	// A real resize makes a pending nudge redundant: the applied change
	// forces the redraw the nudge exists to provoke.
	if t.nudgePending {
		t.nudgePending = false
		t.cancelTimerLocked()
	}

	if t.aborted {
		if !c.quietLocked(t) {
			// Still hot. Remember the newest request; the quiet watch
			// applies it once output stops.
			t.pending = &dims
			if t.timer == nil {
				c.scheduleLocked(t, c.cfg.QuietPeriod, func(t *termState) {
					c.quietWatchLocked(t, id)
				})
			}
			return
		}
		t.aborted = false
		t.deferrals = 0
	}

	if t.pending != nil && *t.pending == dims {
		return // already scheduled
	}
	if t.pending == nil && t.hasApplied && t.lastApplied == dims {
		return // identical to what the backing process already has
	}

	t.pending = &dims
	t.deferrals = 0
	c.tryApplyLocked(t, id)
}

func (c *Coordinator) tryApplyLocked(t *termState, id string) {
	if c.quietLocked(t) {
		dims := *t.pending
		t.pending = nil
		c.applyLocked(t, id, dims)
		return
	}
	c.scheduleLocked(t, c.cfg.QuietPeriod, func(t *termState) {
		c.retryPendingLocked(t, id)
	})
}

func (c *Coordinator) retryPendingLocked(t *termState, id string) {
	if t.pending == nil {
		return
	}
	if c.quietLocked(t) {
		dims := *t.pending
		t.pending = nil
		t.deferrals = 0
		c.applyLocked(t, id, dims)
		return
	}

	t.deferrals++
	if t.deferrals >= c.cfg.MaxDeferrals {
		// Forcing a resize into continuous output compounds corruption
		// instead of fixing it. Drop the request and wait for quiet.
		c.log.Warn("resize aborted until output quiets",
			zap.String("terminal", id), zap.Int("deferrals", t.deferrals))
		t.pending = nil
		t.deferrals = 0
		t.aborted = true
		c.scheduleLocked(t, c.cfg.QuietPeriod, func(t *termState) {
			c.quietWatchLocked(t, id)
		})
		return
	}
	c.scheduleLocked(t, c.cfg.QuietPeriod, func(t *termState) {
		c.retryPendingLocked(t, id)
	})
}

// quietWatchLocked clears the aborted state once output genuinely quiets,
// applying any request that arrived in the meantime.
func (c *Coordinator) quietWatchLocked(t *termState, id string) {
	if !c.quietLocked(t) {
		c.scheduleLocked(t, c.cfg.QuietPeriod, func(t *termState) {
			c.quietWatchLocked(t, id)
		})
		return
	}
	t.aborted = false
	t.deferrals = 0
	if t.pending != nil {
		dims := *t.pending
		t.pending = nil
		c.applyLocked(t, id, dims)
	}
}

func (c *Coordinator) applyLocked(t *termState, id string, dims models.Dimensions) {
	if err := c.apply.ApplyResize(id, dims.Cols, dims.Rows); err != nil {
		c.log.Warn("apply resize failed",
			zap.String("terminal", id),
			zap.Int("cols", dims.Cols), zap.Int("rows", dims.Rows),
			zap.Error(err))
		return
	}
	t.lastApplied = dims
	t.hasApplied = true
}

// RequestNudge schedules exactly one corrective nudge: a one-column shrink
// immediately restored, forcing the backing multiplexer to re-wrap and
// redraw. Used after a viewer (re)attaches, where tmux may be left showing
// stale wrapping or stuck in copy mode. At most one nudge is in flight per
// terminal.
func (c *Coordinator) RequestNudge(id string) {
	t := c.state(id)
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.nudgePending || t.restoreDims != nil {
		return
	}
	t.nudgePending = true
	t.nudgeDeferrals = 0
	c.scheduleLocked(t, c.cfg.Debounce, func(t *termState) {
		c.nudgeFireLocked(t, id)
	})
}

func (c *Coordinator) nudgeFireLocked(t *termState, id string) {
	if !t.nudgePending {
		return
	}
	if t.pending != nil || t.aborted {
		// A real resize is in flight. Hand the timer back to it; the
		// nudge firing consumed the only scheduled callback.
		t.nudgePending = false
		if t.aborted {
			c.scheduleLocked(t, c.cfg.QuietPeriod, func(t *termState) {
				c.quietWatchLocked(t, id)
			})
		} else {
			c.scheduleLocked(t, c.cfg.QuietPeriod, func(t *termState) {
				c.retryPendingLocked(t, id)
			})
		}
		return
	}
	if !c.quietLocked(t) {
		t.nudgeDeferrals++
		if t.nudgeDeferrals >= c.cfg.MaxDeferrals {
			t.nudgePending = false
			return
		}
		c.scheduleLocked(t, c.cfg.QuietPeriod, func(t *termState) {
			c.nudgeFireLocked(t, id)
		})
		return
	}

	dims, ok := c.apply.Dimensions(id)
	if !ok || dims.Cols <= 1 {
		t.nudgePending = false
		return
	}

	// The shrink redraw is disposable: viewers only see the restore.
	c.sup.Suppress(id, c.cfg.NudgeHold)
	if err := c.apply.ApplyResize(id, dims.Cols-1, dims.Rows); err != nil {
		c.log.Warn("nudge shrink failed", zap.String("terminal", id), zap.Error(err))
		t.nudgePending = false
		return
	}
	t.restoreDims = &dims
	c.scheduleLocked(t, c.cfg.NudgeHold, func(t *termState) {
		c.nudgeRestoreLocked(t, id)
	})
}

func (c *Coordinator) nudgeRestoreLocked(t *termState, id string) {
	if t.restoreDims == nil {
		return
	}
	dims := *t.restoreDims
	t.restoreDims = nil
	t.nudgePending = false
	c.applyLocked(t, id, dims)
	c.log.Debug("corrective nudge complete", zap.String("terminal", id),
		zap.Int("cols", dims.Cols), zap.Int("rows", dims.Rows))
}
