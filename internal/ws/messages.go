package ws

import "github.com/hltdev8642/tabzmux/internal/models"

// MsgKind is the tag on every text frame. The set is closed: a kind not
// listed here is rejected with an error reply, never ignored.
type MsgKind string

const (
	// client -> server
	KindSpawn  MsgKind = "spawn"
	KindAttach MsgKind = "attach"
	KindInput  MsgKind = "input"
	KindResize MsgKind = "resize"
	KindDetach MsgKind = "detach"
	KindClose  MsgKind = "close"
	KindPing   MsgKind = "ping"

	// server -> client
	KindSpawned  MsgKind = "spawned"
	KindAttached MsgKind = "attached"
	KindDetached MsgKind = "detached"
	KindClosed   MsgKind = "closed"
	KindError    MsgKind = "error"
	KindPong     MsgKind = "pong"
)

// Error codes carried on KindError replies.
const (
	CodeNotFound    = "not_found"
	CodeSpawnFailed = "spawn_failed"
	CodeBadMessage  = "bad_message"
	CodeNotAttached = "not_attached"
)

// ClientMessage is a text frame from the browser. Raw keystrokes normally
// arrive as binary frames; KindInput exists for clients that cannot send
// binary.
type ClientMessage struct {
	Kind       MsgKind `json:"kind"`
	TerminalID string  `json:"terminal_id,omitempty"`
	Backing    string  `json:"backing,omitempty"`
	Name       string  `json:"name,omitempty"`
	WorkingDir string  `json:"working_dir,omitempty"`
	Command    string  `json:"command,omitempty"`
	Cols       int     `json:"cols,omitempty"`
	Rows       int     `json:"rows,omitempty"`
	Data       string  `json:"data,omitempty"`
}

// ServerMessage is a text frame to the browser. Terminal output itself is
// sent as binary frames, not wrapped in JSON.
type ServerMessage struct {
	Kind     MsgKind          `json:"kind"`
	Terminal *models.Terminal `json:"terminal,omitempty"`
	Code     string           `json:"code,omitempty"`
	Message  string           `json:"message,omitempty"`
}
