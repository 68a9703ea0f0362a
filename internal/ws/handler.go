package ws

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/hltdev8642/tabzmux/internal/config"
	"github.com/hltdev8642/tabzmux/internal/models"
	"github.com/hltdev8642/tabzmux/internal/registry"
	"github.com/hltdev8642/tabzmux/internal/router"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Core is the registry surface the gateway drives.
type Core interface {
	Spawn(ctx context.Context, req registry.SpawnRequest) (models.Terminal, error)
	Attach(ctx context.Context, backingName string) (models.Terminal, error)
	Get(id string) (models.Terminal, bool)
	Input(id string, data []byte) error
	Detach(id string) error
	Close(ctx context.Context, id string) error
	Claim(id, channelID string) bool
	DropClaim(id, channelID string)
}

// Resizer is the coordinator surface the gateway drives. Raw resize frames
// never reach the backing process directly.
type Resizer interface {
	Seed(id string, dims models.Dimensions)
	Request(id string, cols, rows int)
	RequestNudge(id string)
}

// Broker routes terminal output to connected owners.
type Broker interface {
	Register(terminalID string, o router.Owner)
	Unregister(terminalID string, o router.Owner)
	OwnerCount(terminalID string) int
}

// Handler upgrades /ws/terminal connections and runs the message loop for
// each channel. A channel binds to at most one terminal at a time.
type Handler struct {
	core   Core
	resize Resizer
	broker Broker
	settle time.Duration
	log    *zap.Logger
}

func NewHandler(core Core, resize Resizer, broker Broker, cfg config.ResizeConfig, log *zap.Logger) *Handler {
	return &Handler{
		core:   core,
		resize: resize,
		broker: broker,
		settle: cfg.SettleWindow,
		log:    log,
	}
}

type frame struct {
	binary bool
	data   []byte
}

// client is one websocket channel. It implements router.Owner; Deliver is
// called concurrently by the fan-out and must never block.
type client struct {
	id   string
	conn *websocket.Conn
	log  *zap.Logger

	send   chan frame
	closed chan struct{}
	once   sync.Once

	mu       sync.Mutex
	bound    string // terminal id, "" when unbound
	settling bool
	held     []frame
}

func (c *client) shutdown() {
	c.once.Do(func() { close(c.closed) })
}

// Deliver hands an output chunk to the channel without blocking. During
// the settle window after a reattach the chunk is held so the replay burst
// reaches the client in one batch.
func (c *client) Deliver(data []byte) bool {
	buf := make([]byte, len(data))
	copy(buf, data)

	c.mu.Lock()
	if c.settling {
		c.held = append(c.held, frame{binary: true, data: buf})
		c.mu.Unlock()
		return true
	}
	c.mu.Unlock()

	return c.enqueue(frame{binary: true, data: buf})
}

func (c *client) Alive() bool {
	select {
	case <-c.closed:
		return false
	default:
		return true
	}
}

func (c *client) enqueue(f frame) bool {
	select {
	case c.send <- f:
		return true
	case <-c.closed:
		return false
	default:
		return false
	}
}

func (c *client) reply(msg ServerMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		c.log.Error("marshal server message", zap.Error(err))
		return
	}
	c.enqueue(frame{binary: false, data: data})
}

func (c *client) replyError(code, message string) {
	c.reply(ServerMessage{Kind: KindError, Code: code, Message: message})
}

// startSettle holds output for the settle window, then flushes it and runs
// after, if given.
func (c *client) startSettle(window time.Duration, after func()) {
	c.mu.Lock()
	c.settling = true
	c.mu.Unlock()

	time.AfterFunc(window, func() {
		c.mu.Lock()
		held := c.held
		c.held = nil
		c.settling = false
		c.mu.Unlock()

		for _, f := range held {
			if !c.enqueue(f) {
				break
			}
		}
		if after != nil {
			after()
		}
	})
}

func (c *client) writePump() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case f := <-c.send:
			msgType := websocket.TextMessage
			if f.binary {
				msgType = websocket.BinaryMessage
			}
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(msgType, f.data); err != nil {
				c.shutdown()
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.shutdown()
				return
			}
		case <-c.closed:
			return
		}
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade", zap.Error(err))
		return
	}

	c := &client{
		id:     uuid.New().String(),
		conn:   conn,
		log:    h.log,
		send:   make(chan frame, 256),
		closed: make(chan struct{}),
	}
	h.log.Info("channel connected", zap.String("channel", c.id))

	go c.writePump()
	h.readLoop(r.Context(), c)

	// Teardown. A dropped connection means the viewer went away, nothing
	// more: detach at most, never close.
	c.shutdown()
	h.unbind(c, true)
	conn.Close()
	h.log.Info("channel disconnected", zap.String("channel", c.id))
}

func (h *Handler) readLoop(ctx context.Context, c *client) {
	for {
		msgType, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		switch msgType {
		case websocket.BinaryMessage:
			h.handleInput(c, data)
		case websocket.TextMessage:
			var msg ClientMessage
			if err := json.Unmarshal(data, &msg); err != nil {
				c.replyError(CodeBadMessage, "malformed message")
				continue
			}
			h.dispatch(ctx, c, msg)
		}
	}
}

func (h *Handler) dispatch(ctx context.Context, c *client, msg ClientMessage) {
	switch msg.Kind {
	case KindSpawn:
		h.handleSpawn(ctx, c, msg)
	case KindAttach:
		h.handleAttach(ctx, c, msg)
	case KindInput:
		h.handleInput(c, []byte(msg.Data))
	case KindResize:
		h.handleResize(c, msg)
	case KindDetach:
		h.handleDetach(c)
	case KindClose:
		h.handleClose(ctx, c, msg)
	case KindPing:
		c.reply(ServerMessage{Kind: KindPong})
	default:
		c.replyError(CodeBadMessage, "unknown message kind: "+string(msg.Kind))
	}
}

func (h *Handler) handleSpawn(ctx context.Context, c *client, msg ClientMessage) {
	h.unbind(c, false)

	term, err := h.core.Spawn(ctx, registry.SpawnRequest{
		Name:       msg.Name,
		WorkingDir: msg.WorkingDir,
		Command:    msg.Command,
		Cols:       msg.Cols,
		Rows:       msg.Rows,
	})
	if err != nil {
		h.log.Warn("spawn failed", zap.String("channel", c.id), zap.Error(err))
		c.replyError(CodeSpawnFailed, err.Error())
		return
	}

	h.bind(c, term.ID)
	h.resize.Seed(term.ID, term.Dimensions)
	h.core.Claim(term.ID, c.id)
	c.reply(ServerMessage{Kind: KindSpawned, Terminal: &term})
}

func (h *Handler) handleAttach(ctx context.Context, c *client, msg ClientMessage) {
	backing := msg.Backing
	if backing == "" && msg.TerminalID != "" {
		if t, ok := h.core.Get(msg.TerminalID); ok {
			backing = t.BackingName
		}
	}
	if backing == "" {
		c.replyError(CodeBadMessage, "attach needs a terminal_id or backing name")
		return
	}

	h.unbind(c, false)

	term, err := h.core.Attach(ctx, backing)
	if err != nil {
		if errors.Is(err, registry.ErrNotFound) {
			c.replyError(CodeNotFound, "no such terminal: "+backing)
		} else {
			h.log.Warn("attach failed", zap.String("channel", c.id), zap.Error(err))
			c.replyError(CodeBadMessage, err.Error())
		}
		return
	}

	h.bind(c, term.ID)
	h.resize.Seed(term.ID, term.Dimensions)

	// Hold the replay burst briefly, then flush it and nudge the backing
	// process so full-screen programs repaint at the real dimensions.
	c.startSettle(h.settle, func() {
		h.resize.RequestNudge(term.ID)
	})

	// The attach confirmation carries terminal state a viewer must apply
	// exactly once per channel. Claims are per channel on the registry
	// entry and cleared by detach.
	if h.core.Claim(term.ID, c.id) {
		c.reply(ServerMessage{Kind: KindAttached, Terminal: &term})
	}
}

func (h *Handler) handleInput(c *client, data []byte) {
	c.mu.Lock()
	id := c.bound
	c.mu.Unlock()
	if id == "" {
		return
	}
	if err := h.core.Input(id, data); err != nil {
		h.log.Debug("input forward", zap.String("terminal", id), zap.Error(err))
	}
}

func (h *Handler) handleResize(c *client, msg ClientMessage) {
	c.mu.Lock()
	id := c.bound
	c.mu.Unlock()
	if id == "" {
		c.replyError(CodeNotAttached, "resize before attach")
		return
	}
	if msg.Cols <= 0 || msg.Rows <= 0 {
		c.replyError(CodeBadMessage, "resize needs positive cols and rows")
		return
	}
	h.resize.Request(id, msg.Cols, msg.Rows)
}

func (h *Handler) handleDetach(c *client) {
	id := h.unbind(c, true)
	if id == "" {
		c.reply(ServerMessage{Kind: KindDetached})
		return
	}
	c.reply(ServerMessage{Kind: KindDetached, Terminal: termRef(h.core, id)})
}

func (h *Handler) handleClose(ctx context.Context, c *client, msg ClientMessage) {
	c.mu.Lock()
	id := c.bound
	c.mu.Unlock()
	if msg.TerminalID != "" {
		id = msg.TerminalID
	}
	if id == "" {
		c.replyError(CodeBadMessage, "close needs a terminal_id")
		return
	}

	c.mu.Lock()
	if c.bound == id {
		c.bound = ""
	}
	c.mu.Unlock()
	h.broker.Unregister(id, c)
	h.core.DropClaim(id, c.id)

	if err := h.core.Close(ctx, id); err != nil {
		c.replyError(CodeBadMessage, err.Error())
		return
	}
	c.reply(ServerMessage{Kind: KindClosed})
}

func (h *Handler) bind(c *client, terminalID string) {
	c.mu.Lock()
	c.bound = terminalID
	c.mu.Unlock()
	h.broker.Register(terminalID, c)
}

// unbind releases the channel's terminal, if any, and returns its id. When
// detachIfLast is set and this was the last owner, the terminal transitions
// to detached.
func (h *Handler) unbind(c *client, detachIfLast bool) string {
	c.mu.Lock()
	id := c.bound
	c.bound = ""
	c.mu.Unlock()
	if id == "" {
		return ""
	}

	h.broker.Unregister(id, c)
	h.core.DropClaim(id, c.id)

	if detachIfLast && h.broker.OwnerCount(id) == 0 {
		if err := h.core.Detach(id); err != nil && !errors.Is(err, registry.ErrNotFound) {
			h.log.Warn("detach on unbind", zap.String("terminal", id), zap.Error(err))
		}
	}
	return id
}

func termRef(core Core, id string) *models.Terminal {
	if t, ok := core.Get(id); ok {
		return &t
	}
	return nil
}
