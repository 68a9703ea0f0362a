package router

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeOwner struct {
	mu       sync.Mutex
	got      [][]byte
	capacity int
	alive    bool
}

func newFakeOwner(capacity int) *fakeOwner {
	return &fakeOwner{capacity: capacity, alive: true}
}

func (o *fakeOwner) Deliver(data []byte) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.alive || len(o.got) >= o.capacity {
		return false
	}
	o.got = append(o.got, data)
	return true
}

func (o *fakeOwner) Alive() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.alive
}

func (o *fakeOwner) kill() {
	o.mu.Lock()
	o.alive = false
	o.mu.Unlock()
}

func (o *fakeOwner) received() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.got)
}

func TestFanOutReachesOnlyOwners(t *testing.T) {
	r := New(zap.NewNop())

	a := newFakeOwner(10)
	b := newFakeOwner(10)
	other := newFakeOwner(10)
	r.Register("term-1", a)
	r.Register("term-1", b)
	r.Register("term-2", other)

	r.FanOut("term-1", []byte("hello"))

	assert.Equal(t, 1, a.received())
	assert.Equal(t, 1, b.received())
	assert.Equal(t, 0, other.received(), "bytes for one terminal must never reach another's owners")
}

func TestFanOutUnknownTerminalIsNoop(t *testing.T) {
	r := New(zap.NewNop())
	r.FanOut("nope", []byte("data")) // must not panic
	assert.Equal(t, 0, r.OwnerCount("nope"))
}

func TestSlowOwnerDropsChunkButStays(t *testing.T) {
	r := New(zap.NewNop())

	slow := newFakeOwner(1)
	fast := newFakeOwner(10)
	r.Register("t", slow)
	r.Register("t", fast)

	r.FanOut("t", []byte("one"))
	r.FanOut("t", []byte("two"))

	assert.Equal(t, 1, slow.received(), "slow owner drops the chunk")
	assert.Equal(t, 2, fast.received(), "slow owner never stalls the others")
	assert.Equal(t, 2, r.OwnerCount("t"), "slow but alive owners are kept")
}

func TestDeadOwnerRemovedOnFanOut(t *testing.T) {
	r := New(zap.NewNop())

	dead := newFakeOwner(10)
	live := newFakeOwner(10)
	r.Register("t", dead)
	r.Register("t", live)

	dead.kill()
	r.FanOut("t", []byte("data"))

	assert.Equal(t, 1, r.OwnerCount("t"))
	assert.Equal(t, 1, live.received())
}

func TestUnregisterLastOwnerDropsSet(t *testing.T) {
	r := New(zap.NewNop())

	o := newFakeOwner(10)
	r.Register("t", o)
	require.Equal(t, 1, r.OwnerCount("t"))

	r.Unregister("t", o)
	assert.Equal(t, 0, r.OwnerCount("t"))

	r.mu.RLock()
	_, ok := r.terminals["t"]
	r.mu.RUnlock()
	assert.False(t, ok, "empty owner set must be garbage collected")
}

func TestDropTerminal(t *testing.T) {
	r := New(zap.NewNop())

	o := newFakeOwner(10)
	r.Register("t", o)
	r.DropTerminal("t")

	r.FanOut("t", []byte("late"))
	assert.Equal(t, 0, o.received())
}

func TestSuppressDiscardsWindow(t *testing.T) {
	r := New(zap.NewNop())

	o := newFakeOwner(10)
	r.Register("t", o)

	r.Suppress("t", 50*time.Millisecond)
	r.FanOut("t", []byte("shrink redraw"))
	assert.Equal(t, 0, o.received(), "suppressed output must not be delivered")

	time.Sleep(60 * time.Millisecond)
	r.FanOut("t", []byte("restore redraw"))
	assert.Equal(t, 1, o.received())
}

func TestSweepRemovesDeadOwners(t *testing.T) {
	r := New(zap.NewNop())

	dead := newFakeOwner(10)
	live := newFakeOwner(10)
	r.Register("t", dead)
	r.Register("t", live)
	dead.kill()

	r.Sweep()
	assert.Equal(t, 1, r.OwnerCount("t"))

	live.kill()
	r.Sweep()
	assert.Equal(t, 0, r.OwnerCount("t"))
}
