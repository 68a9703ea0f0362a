package mux

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/creack/pty"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/hltdev8642/tabzmux/internal/config"
	"github.com/hltdev8642/tabzmux/internal/models"
)

// fakeRunner records every tmux invocation and answers from a canned
// session set.
type fakeRunner struct {
	mu       sync.Mutex
	commands [][]string
	sessions map[string]bool
}

func newFakeRunner(sessions ...string) *fakeRunner {
	f := &fakeRunner{sessions: make(map[string]bool)}
	for _, s := range sessions {
		f.sessions[s] = true
	}
	return f
}

func (f *fakeRunner) Run(_ context.Context, name string, args ...string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.commands = append(f.commands, append([]string{name}, args...))

	sub, target := subcommand(args)
	switch sub {
	case "new-session":
		f.sessions[target] = true
		return nil, nil
	case "has-session":
		if f.sessions[target] {
			return nil, nil
		}
		return []byte("no such session"), fmt.Errorf("exit status 1")
	case "kill-session":
		if !f.sessions[target] {
			return []byte("no such session"), fmt.Errorf("exit status 1")
		}
		delete(f.sessions, target)
		return nil, nil
	case "display-message":
		return []byte("4242\n"), nil
	case "list-sessions":
		var names []string
		for s := range f.sessions {
			names = append(names, s)
		}
		return []byte(strings.Join(names, "\n")), nil
	}
	return nil, nil
}

// subcommand pulls the tmux subcommand and its -s/-t target out of an
// argument list that starts with socket flags.
func subcommand(args []string) (string, string) {
	sub, target := "", ""
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "-S", "-F", "-x", "-y", "-c", "-p":
			if args[i] == "-p" {
				continue // flag without value
			}
			i++
		case "-s", "-t":
			i++
			target = args[i]
		case "-d":
		default:
			if sub == "" {
				sub = args[i]
			}
		}
	}
	return sub, target
}

func (f *fakeRunner) calls(sub string) [][]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out [][]string
	for _, c := range f.commands {
		if got, _ := subcommand(c[1:]); got == sub {
			out = append(out, c)
		}
	}
	return out
}

type recordingSink struct {
	mu     sync.Mutex
	chunks map[string][]byte
}

func newRecordingSink() *recordingSink {
	return &recordingSink{chunks: make(map[string][]byte)}
}

func (s *recordingSink) Output(backing string, data []byte) {
	s.mu.Lock()
	s.chunks[backing] = append(s.chunks[backing], data...)
	s.mu.Unlock()
}

func (s *recordingSink) bytesFor(backing string) []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]byte, len(s.chunks[backing]))
	copy(out, s.chunks[backing])
	return out
}

// fakePTY hands out the read side of a pipe; tests write to the other end
// to simulate tmux output.
type fakePTY struct {
	mu      sync.Mutex
	writers []*os.File
}

func (f *fakePTY) start(_ *exec.Cmd, _ *pty.Winsize) (*os.File, error) {
	r, w, err := os.Pipe()
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	f.writers = append(f.writers, w)
	f.mu.Unlock()
	return r, nil
}

func (f *fakePTY) lastWriter() *os.File {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.writers[len(f.writers)-1]
}

func testAdapter(run Runner, start ptyStartFunc) (*Adapter, *recordingSink) {
	sink := newRecordingSink()
	cfg := config.TmuxConfig{
		SocketPath:    "/tmp/tabzmux-test.sock",
		SessionPrefix: "tabz-",
		DefaultCols:   80,
		DefaultRows:   24,
	}
	return NewWithDeps(cfg, sink, zap.NewNop(), run, start), sink
}

func TestSpawnCreatesSessionWithDimensions(t *testing.T) {
	run := newFakeRunner()
	fp := &fakePTY{}
	a, _ := testAdapter(run, fp.start)

	info, err := a.Spawn(context.Background(), SpawnConfig{
		BackingName: "tabz-w1", WorkingDir: "/srv/app", Cols: 120, Rows: 40,
	})
	require.NoError(t, err)
	assert.Equal(t, "tabz-w1", info.BackingName)
	assert.Equal(t, 4242, info.PID)

	spawns := run.calls("new-session")
	require.Len(t, spawns, 1)
	joined := strings.Join(spawns[0], " ")
	assert.Contains(t, joined, "-x 120")
	assert.Contains(t, joined, "-y 40")
	assert.Contains(t, joined, "-c /srv/app")
	assert.Contains(t, joined, "-S /tmp/tabzmux-test.sock", "all tmux state lives on the dedicated socket")
}

func TestSpawnDefaultsDimensions(t *testing.T) {
	run := newFakeRunner()
	fp := &fakePTY{}
	a, _ := testAdapter(run, fp.start)

	_, err := a.Spawn(context.Background(), SpawnConfig{BackingName: "tabz-w2"})
	require.NoError(t, err)

	dims, ok := a.Dimensions("tabz-w2")
	require.True(t, ok)
	assert.Equal(t, models.Dimensions{Cols: 80, Rows: 24}, dims)
}

func TestOutputFlowsToSink(t *testing.T) {
	run := newFakeRunner()
	fp := &fakePTY{}
	a, sink := testAdapter(run, fp.start)

	_, err := a.Spawn(context.Background(), SpawnConfig{BackingName: "tabz-out"})
	require.NoError(t, err)

	_, err = fp.lastWriter().Write([]byte("$ echo hi\nhi\n"))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return len(sink.bytesFor("tabz-out")) > 0
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, []byte("$ echo hi\nhi\n"), sink.bytesFor("tabz-out"))
}

func TestAttachUnknownSessionFails(t *testing.T) {
	run := newFakeRunner()
	fp := &fakePTY{}
	a, _ := testAdapter(run, fp.start)

	_, err := a.Attach(context.Background(), "tabz-ghost")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestAttachAdoptsSurvivingSession(t *testing.T) {
	// The session exists in tmux but this adapter instance has never seen
	// it, as after a server restart.
	run := newFakeRunner("tabz-old")
	fp := &fakePTY{}
	a, _ := testAdapter(run, fp.start)

	info, err := a.Attach(context.Background(), "tabz-old")
	require.NoError(t, err)
	assert.Equal(t, "tabz-old", info.BackingName)

	dims, ok := a.Dimensions("tabz-old")
	require.True(t, ok)
	assert.Equal(t, models.Dimensions{Cols: 80, Rows: 24}, dims)
}

func TestResizeIdempotent(t *testing.T) {
	run := newFakeRunner()
	fp := &fakePTY{}
	a, _ := testAdapter(run, fp.start)

	_, err := a.Spawn(context.Background(), SpawnConfig{BackingName: "tabz-r", Cols: 80, Rows: 24})
	require.NoError(t, err)

	require.NoError(t, a.Resize(context.Background(), "tabz-r", 100, 50))
	require.NoError(t, a.Resize(context.Background(), "tabz-r", 100, 50))

	assert.Len(t, run.calls("resize-window"), 1, "re-applying current dimensions must not redraw")

	dims, _ := a.Dimensions("tabz-r")
	assert.Equal(t, models.Dimensions{Cols: 100, Rows: 50}, dims)
}

func TestDetachLeavesSessionAlive(t *testing.T) {
	run := newFakeRunner()
	fp := &fakePTY{}
	a, _ := testAdapter(run, fp.start)

	_, err := a.Spawn(context.Background(), SpawnConfig{BackingName: "tabz-d"})
	require.NoError(t, err)

	require.NoError(t, a.Detach("tabz-d"))
	assert.Empty(t, run.calls("kill-session"), "detach never kills")
	assert.True(t, a.Exists(context.Background(), "tabz-d"))

	// Reattach opens a fresh PTY against the same session.
	_, err = a.Attach(context.Background(), "tabz-d")
	require.NoError(t, err)
}

func TestKillSwallowsMissingSession(t *testing.T) {
	run := newFakeRunner()
	fp := &fakePTY{}
	a, _ := testAdapter(run, fp.start)

	require.NoError(t, a.Kill(context.Background(), "tabz-never-existed"))
}

func TestKillRemovesSession(t *testing.T) {
	run := newFakeRunner()
	fp := &fakePTY{}
	a, _ := testAdapter(run, fp.start)

	_, err := a.Spawn(context.Background(), SpawnConfig{BackingName: "tabz-k"})
	require.NoError(t, err)

	require.NoError(t, a.Kill(context.Background(), "tabz-k"))
	assert.False(t, a.Exists(context.Background(), "tabz-k"))
	assert.ErrorIs(t, a.Input("tabz-k", []byte("x")), ErrNotFound)
}

func TestListBacking(t *testing.T) {
	run := newFakeRunner("tabz-a", "tabz-b")
	fp := &fakePTY{}
	a, _ := testAdapter(run, fp.start)

	names, err := a.ListBacking(context.Background())
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"tabz-a", "tabz-b"}, names)
}
