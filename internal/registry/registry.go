package registry

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hltdev8642/tabzmux/internal/config"
	"github.com/hltdev8642/tabzmux/internal/models"
	"github.com/hltdev8642/tabzmux/internal/mux"
)

// ErrNotFound means no terminal with that identity exists. Closed counts
// as nonexistent: closed is terminal and the entry is gone.
var ErrNotFound = errors.New("terminal not found")

// ProcessAdapter is the registry's view of the tmux adapter.
type ProcessAdapter interface {
	Spawn(ctx context.Context, sc mux.SpawnConfig) (mux.HandleInfo, error)
	Attach(ctx context.Context, backingName string) (mux.HandleInfo, error)
	Input(backingName string, data []byte) error
	Resize(ctx context.Context, backingName string, cols, rows int) error
	Detach(backingName string) error
	Kill(ctx context.Context, backingName string) error
	Exists(ctx context.Context, backingName string) bool
	ListBacking(ctx context.Context) ([]string, error)
}

// Store persists terminal metadata across server restarts.
type Store interface {
	SaveTerminal(t models.Terminal) error
	DeleteTerminal(id string) error
	ListTerminals() ([]models.Terminal, error)
}

// SpawnRequest describes a terminal to create.
type SpawnRequest struct {
	Name       string
	WorkingDir string
	Command    string
	Cols       int
	Rows       int
}

type entry struct {
	mu     sync.Mutex
	term   models.Terminal
	claims map[string]struct{} // channels that already processed an attach
}

// Registry is the source of truth for logical terminal state. Lifecycle per
// terminal: spawning -> running <-> detached -> closed. Closed entries are
// removed; there is no transition out of closed.
type Registry struct {
	cfg     config.TmuxConfig
	adapter ProcessAdapter
	store   Store
	log     *zap.Logger

	onClosed func(terminalID string)

	mu        sync.RWMutex
	terms     map[string]*entry
	byBacking map[string]string

	// Per-identity locks so spawn/attach races on the same terminal
	// serialize while unrelated terminals never contend.
	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

func New(cfg config.TmuxConfig, adapter ProcessAdapter, store Store, log *zap.Logger) *Registry {
	return &Registry{
		cfg:       cfg,
		adapter:   adapter,
		store:     store,
		log:       log,
		terms:     make(map[string]*entry),
		byBacking: make(map[string]string),
		locks:     make(map[string]*sync.Mutex),
	}
}

// SetOnClosed registers the hook invoked after a terminal is closed, used
// to drop its owner set.
func (r *Registry) SetOnClosed(fn func(terminalID string)) {
	r.onClosed = fn
}

func (r *Registry) lockFor(key string) func() {
	r.locksMu.Lock()
	m, ok := r.locks[key]
	if !ok {
		m = &sync.Mutex{}
		r.locks[key] = m
	}
	r.locksMu.Unlock()
	m.Lock()
	return m.Unlock
}

func sanitizeName(name string) string {
	var b strings.Builder
	for _, c := range name {
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '-', c == '_':
			b.WriteRune(c)
		default:
			b.WriteRune('-')
		}
	}
	return b.String()
}

// Spawn creates a new terminal, or returns the existing one when the name
// already maps to a live backing session (idempotent by identity).
func (r *Registry) Spawn(ctx context.Context, req SpawnRequest) (models.Terminal, error) {
	id := uuid.New().String()[:8]
	name := sanitizeName(req.Name)
	if name == "" {
		name = id
	}
	backing := r.cfg.SessionPrefix + name

	unlock := r.lockFor(backing)
	defer unlock()

	r.mu.RLock()
	existingID, ok := r.byBacking[backing]
	r.mu.RUnlock()
	if ok {
		if t, found := r.Get(existingID); found {
			return t, nil
		}
	}

	if req.Cols <= 0 {
		req.Cols = r.cfg.DefaultCols
	}
	if req.Rows <= 0 {
		req.Rows = r.cfg.DefaultRows
	}

	e := &entry{
		term: models.Terminal{
			ID:          id,
			BackingName: backing,
			State:       models.LifecycleSpawning,
			Dimensions:  models.Dimensions{Cols: req.Cols, Rows: req.Rows},
			WorkingDir:  req.WorkingDir,
			Command:     req.Command,
			CreatedAt:   time.Now(),
		},
		claims: make(map[string]struct{}),
	}

	r.mu.Lock()
	r.terms[id] = e
	r.byBacking[backing] = id
	r.mu.Unlock()

	_, err := r.adapter.Spawn(ctx, mux.SpawnConfig{
		BackingName: backing,
		WorkingDir:  req.WorkingDir,
		Command:     req.Command,
		Cols:        req.Cols,
		Rows:        req.Rows,
	})
	if err != nil {
		r.mu.Lock()
		delete(r.terms, id)
		delete(r.byBacking, backing)
		r.mu.Unlock()
		return models.Terminal{}, err
	}

	e.mu.Lock()
	e.term.State = models.LifecycleRunning
	t := e.term
	e.mu.Unlock()

	r.persist(t)
	r.log.Info("terminal spawned",
		zap.String("terminal", id), zap.String("backing", backing))
	return t, nil
}

// Attach binds to a backing session by name. A detached terminal
// transitions back to running and keeps its id and dimensions; a backing
// session unknown to the registry (left over from a previous server run)
// is adopted under a fresh id.
func (r *Registry) Attach(ctx context.Context, backingName string) (models.Terminal, error) {
	unlock := r.lockFor(backingName)
	defer unlock()

	r.mu.RLock()
	id, known := r.byBacking[backingName]
	r.mu.RUnlock()

	if known {
		r.mu.RLock()
		e := r.terms[id]
		r.mu.RUnlock()
		if e == nil {
			return models.Terminal{}, ErrNotFound
		}
		if _, err := r.adapter.Attach(ctx, backingName); err != nil {
			if errors.Is(err, mux.ErrNotFound) {
				return models.Terminal{}, ErrNotFound
			}
			return models.Terminal{}, err
		}
		e.mu.Lock()
		e.term.State = models.LifecycleRunning
		t := e.term
		e.mu.Unlock()
		r.persist(t)
		return t, nil
	}

	if !r.adapter.Exists(ctx, backingName) {
		return models.Terminal{}, ErrNotFound
	}
	if _, err := r.adapter.Attach(ctx, backingName); err != nil {
		if errors.Is(err, mux.ErrNotFound) {
			return models.Terminal{}, ErrNotFound
		}
		return models.Terminal{}, err
	}

	id = uuid.New().String()[:8]
	e := &entry{
		term: models.Terminal{
			ID:          id,
			BackingName: backingName,
			State:       models.LifecycleRunning,
			Dimensions:  models.Dimensions{Cols: r.cfg.DefaultCols, Rows: r.cfg.DefaultRows},
			CreatedAt:   time.Now(),
		},
		claims: make(map[string]struct{}),
	}
	r.mu.Lock()
	r.terms[id] = e
	r.byBacking[backingName] = id
	r.mu.Unlock()

	r.persist(e.term)
	r.log.Info("adopted backing session",
		zap.String("terminal", id), zap.String("backing", backingName))
	return e.term, nil
}

// Get returns a snapshot of the terminal.
func (r *Registry) Get(id string) (models.Terminal, bool) {
	r.mu.RLock()
	e := r.terms[id]
	r.mu.RUnlock()
	if e == nil {
		return models.Terminal{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.term, true
}

// List returns snapshots of all known terminals.
func (r *Registry) List() []models.Terminal {
	r.mu.RLock()
	entries := make([]*entry, 0, len(r.terms))
	for _, e := range r.terms {
		entries = append(entries, e)
	}
	r.mu.RUnlock()

	out := make([]models.Terminal, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		out = append(out, e.term)
		e.mu.Unlock()
	}
	return out
}

// Count returns the number of known terminals.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.terms)
}

// Input forwards bytes to the backing process. Input to a terminal that is
// not running is dropped, logged, and never surfaced.
func (r *Registry) Input(id string, data []byte) error {
	t, ok := r.Get(id)
	if !ok {
		r.log.Debug("input for unknown terminal", zap.String("terminal", id))
		return nil
	}
	if t.State != models.LifecycleRunning {
		r.log.Debug("input dropped, terminal not running",
			zap.String("terminal", id), zap.String("state", string(t.State)))
		return nil
	}
	return r.adapter.Input(t.BackingName, data)
}

// Detach transitions running -> detached, leaving the backing session
// alive. No-op when already detached. As part of the same transition the
// attach-claim set is cleared, so a later reattach is never mistaken for an
// already-processed one.
func (r *Registry) Detach(id string) error {
	r.mu.RLock()
	e := r.terms[id]
	r.mu.RUnlock()
	if e == nil {
		return ErrNotFound
	}

	unlock := r.lockFor(id)
	defer unlock()

	e.mu.Lock()
	if e.term.State == models.LifecycleDetached {
		e.mu.Unlock()
		return nil
	}
	e.term.State = models.LifecycleDetached
	e.claims = make(map[string]struct{})
	t := e.term
	e.mu.Unlock()

	if err := r.adapter.Detach(t.BackingName); err != nil && !errors.Is(err, mux.ErrNotFound) {
		r.log.Warn("adapter detach", zap.String("terminal", id), zap.Error(err))
	}
	r.persist(t)
	r.log.Info("terminal detached", zap.String("terminal", id))
	return nil
}

// Close kills the backing session and removes the terminal. Closing a
// terminal that no longer exists is success: the caller's intent is already
// satisfied.
func (r *Registry) Close(ctx context.Context, id string) error {
	r.mu.RLock()
	e := r.terms[id]
	r.mu.RUnlock()
	if e == nil {
		return nil
	}

	unlock := r.lockFor(id)
	defer unlock()

	e.mu.Lock()
	e.term.State = models.LifecycleClosed
	t := e.term
	e.mu.Unlock()

	r.adapter.Kill(ctx, t.BackingName)

	r.mu.Lock()
	delete(r.terms, id)
	delete(r.byBacking, t.BackingName)
	r.mu.Unlock()

	if r.store != nil {
		if err := r.store.DeleteTerminal(id); err != nil {
			r.log.Warn("delete terminal row", zap.String("terminal", id), zap.Error(err))
		}
	}
	if r.onClosed != nil {
		r.onClosed(id)
	}
	r.log.Info("terminal closed", zap.String("terminal", id))
	return nil
}

// Claim marks an attach confirmation as processed for the given channel.
// Returns false when this channel already claimed the terminal, so the
// gateway skips duplicate confirmations. Claims live on the registry entry
// and are cleared atomically by the running -> detached transition.
func (r *Registry) Claim(id, channelID string) bool {
	r.mu.RLock()
	e := r.terms[id]
	r.mu.RUnlock()
	if e == nil {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, dup := e.claims[channelID]; dup {
		return false
	}
	e.claims[channelID] = struct{}{}
	return true
}

// DropClaim releases a channel's claim on teardown.
func (r *Registry) DropClaim(id, channelID string) {
	r.mu.RLock()
	e := r.terms[id]
	r.mu.RUnlock()
	if e == nil {
		return
	}
	e.mu.Lock()
	delete(e.claims, channelID)
	e.mu.Unlock()
}

// ApplyResize carries an approved dimension change to the adapter and
// records it. Called by the resize coordinator only.
func (r *Registry) ApplyResize(id string, cols, rows int) error {
	r.mu.RLock()
	e := r.terms[id]
	r.mu.RUnlock()
	if e == nil {
		return ErrNotFound
	}

	e.mu.Lock()
	if e.term.State != models.LifecycleRunning {
		state := e.term.State
		e.mu.Unlock()
		return fmt.Errorf("resize %s: terminal is %s", id, state)
	}
	backing := e.term.BackingName
	e.mu.Unlock()

	if err := r.adapter.Resize(context.Background(), backing, cols, rows); err != nil {
		return err
	}

	e.mu.Lock()
	e.term.Dimensions = models.Dimensions{Cols: cols, Rows: rows}
	t := e.term
	e.mu.Unlock()
	r.persist(t)
	return nil
}

// Dimensions reports the last applied dimensions. Implements the resize
// coordinator's Applier.
func (r *Registry) Dimensions(id string) (models.Dimensions, bool) {
	t, ok := r.Get(id)
	if !ok {
		return models.Dimensions{}, false
	}
	return t.Dimensions, true
}

// TerminalByBacking resolves a backing session name to its terminal id.
func (r *Registry) TerminalByBacking(backingName string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byBacking[backingName]
	return id, ok
}

// Reconcile aligns persisted rows and live tmux sessions at boot. Rows
// whose backing session died are dropped; live sessions are re-adopted as
// detached. Live sessions with our prefix but no row (created before a
// crash that lost the store) are adopted under fresh ids.
func (r *Registry) Reconcile(ctx context.Context) error {
	live := make(map[string]struct{})
	names, err := r.adapter.ListBacking(ctx)
	if err != nil {
		return fmt.Errorf("list backing sessions: %w", err)
	}
	for _, n := range names {
		live[n] = struct{}{}
	}

	var rows []models.Terminal
	if r.store != nil {
		rows, err = r.store.ListTerminals()
		if err != nil {
			return fmt.Errorf("list terminal rows: %w", err)
		}
	}

	adopted := 0
	dropped := 0
	for _, t := range rows {
		if _, alive := live[t.BackingName]; !alive || t.State == models.LifecycleClosed {
			if r.store != nil {
				r.store.DeleteTerminal(t.ID)
			}
			dropped++
			continue
		}
		t.State = models.LifecycleDetached
		e := &entry{term: t, claims: make(map[string]struct{})}
		r.mu.Lock()
		r.terms[t.ID] = e
		r.byBacking[t.BackingName] = t.ID
		r.mu.Unlock()
		r.persist(t)
		adopted++
		delete(live, t.BackingName)
	}

	for backing := range live {
		if !strings.HasPrefix(backing, r.cfg.SessionPrefix) {
			continue
		}
		id := uuid.New().String()[:8]
		t := models.Terminal{
			ID:          id,
			BackingName: backing,
			State:       models.LifecycleDetached,
			Dimensions:  models.Dimensions{Cols: r.cfg.DefaultCols, Rows: r.cfg.DefaultRows},
			CreatedAt:   time.Now(),
		}
		r.mu.Lock()
		r.terms[id] = &entry{term: t, claims: make(map[string]struct{})}
		r.byBacking[backing] = id
		r.mu.Unlock()
		r.persist(t)
		adopted++
	}

	if adopted > 0 || dropped > 0 {
		r.log.Info("registry reconciled",
			zap.Int("adopted", adopted), zap.Int("dropped", dropped))
	}
	return nil
}

func (r *Registry) persist(t models.Terminal) {
	if r.store == nil {
		return
	}
	if err := r.store.SaveTerminal(t); err != nil {
		r.log.Warn("persist terminal", zap.String("terminal", t.ID), zap.Error(err))
	}
}
