package router

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Owner is a live client channel entitled to a terminal's output.
// Deliver must not block; it reports whether the bytes were accepted
// (slow owners may drop). Alive reports transport liveness.
type Owner interface {
	Deliver(data []byte) bool
	Alive() bool
}

type ownerSet struct {
	mu           sync.Mutex
	owners       map[Owner]struct{}
	discardUntil time.Time
}

// Router fans backing-session output out to the owners of each terminal,
// and only to them. There is deliberately no broadcast path: bytes for one
// terminal must never render in another terminal's viewport.
type Router struct {
	log *zap.Logger

	mu        sync.RWMutex
	terminals map[string]*ownerSet
}

func New(log *zap.Logger) *Router {
	return &Router{
		log:       log,
		terminals: make(map[string]*ownerSet),
	}
}

// Register adds a channel to the terminal's owner set, creating the set on
// first attach.
func (r *Router) Register(terminalID string, o Owner) {
	r.mu.Lock()
	set, ok := r.terminals[terminalID]
	if !ok {
		set = &ownerSet{owners: make(map[Owner]struct{})}
		r.terminals[terminalID] = set
	}
	r.mu.Unlock()

	set.mu.Lock()
	set.owners[o] = struct{}{}
	set.mu.Unlock()
}

// Unregister removes a channel from the terminal's owner set. It must be
// called on every channel teardown path; the set is garbage collected when
// it empties.
func (r *Router) Unregister(terminalID string, o Owner) {
	r.mu.Lock()
	set, ok := r.terminals[terminalID]
	r.mu.Unlock()
	if !ok {
		return
	}

	set.mu.Lock()
	delete(set.owners, o)
	empty := len(set.owners) == 0
	set.mu.Unlock()

	if empty {
		r.dropIfEmpty(terminalID)
	}
}

// DropTerminal removes the terminal's owner set entirely. Called when the
// terminal is closed.
func (r *Router) DropTerminal(terminalID string) {
	r.mu.Lock()
	delete(r.terminals, terminalID)
	r.mu.Unlock()
}

// OwnerCount reports the number of live owners for a terminal.
func (r *Router) OwnerCount(terminalID string) int {
	r.mu.RLock()
	set, ok := r.terminals[terminalID]
	r.mu.RUnlock()
	if !ok {
		return 0
	}
	set.mu.Lock()
	defer set.mu.Unlock()
	return len(set.owners)
}

// FanOut delivers bytes to exactly the owners of terminalID. Owners whose
// transport has died are removed; slow-but-alive owners merely drop this
// chunk. A dead or slow owner never stalls the others.
func (r *Router) FanOut(terminalID string, data []byte) {
	r.mu.RLock()
	set, ok := r.terminals[terminalID]
	r.mu.RUnlock()
	if !ok {
		return
	}

	set.mu.Lock()
	if time.Now().Before(set.discardUntil) {
		set.mu.Unlock()
		return
	}
	var dead []Owner
	for o := range set.owners {
		if !o.Deliver(data) && !o.Alive() {
			dead = append(dead, o)
		}
	}
	for _, o := range dead {
		delete(set.owners, o)
	}
	empty := len(set.owners) == 0
	set.mu.Unlock()

	if len(dead) > 0 {
		r.log.Debug("removed dead owners",
			zap.String("terminal", terminalID), zap.Int("count", len(dead)))
	}
	if empty {
		r.dropIfEmpty(terminalID)
	}
}

// Suppress discards all output for the terminal until the window elapses.
// Used by the resize coordinator so the shrink half of a corrective nudge
// is never delivered.
func (r *Router) Suppress(terminalID string, window time.Duration) {
	r.mu.RLock()
	set, ok := r.terminals[terminalID]
	r.mu.RUnlock()
	if !ok {
		return
	}
	set.mu.Lock()
	set.discardUntil = time.Now().Add(window)
	set.mu.Unlock()
}

// Sweep drops owners whose transport died without an explicit teardown.
// Transport-level disconnects are not always observable synchronously, so
// this runs periodically as a backstop.
func (r *Router) Sweep() {
	r.mu.RLock()
	ids := make([]string, 0, len(r.terminals))
	sets := make([]*ownerSet, 0, len(r.terminals))
	for id, set := range r.terminals {
		ids = append(ids, id)
		sets = append(sets, set)
	}
	r.mu.RUnlock()

	for i, set := range sets {
		set.mu.Lock()
		for o := range set.owners {
			if !o.Alive() {
				delete(set.owners, o)
			}
		}
		empty := len(set.owners) == 0
		set.mu.Unlock()
		if empty {
			r.dropIfEmpty(ids[i])
		}
	}
}

// StartSweeper runs Sweep on the given interval until ctx is cancelled.
func (r *Router) StartSweeper(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				r.Sweep()
			case <-ctx.Done():
				return
			}
		}
	}()
}

func (r *Router) dropIfEmpty(terminalID string) {
	r.mu.Lock()
	if set, ok := r.terminals[terminalID]; ok {
		set.mu.Lock()
		empty := len(set.owners) == 0
		set.mu.Unlock()
		if empty {
			delete(r.terminals, terminalID)
		}
	}
	r.mu.Unlock()
}
