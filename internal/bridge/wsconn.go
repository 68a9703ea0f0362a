package bridge

import (
	"io"
	"sync"

	"github.com/gorilla/websocket"
)

// wsConn adapts a gorilla/websocket.Conn to io.ReadWriteCloser so it can
// carry a yamux session.
type wsConn struct {
	conn *websocket.Conn
	mu   sync.Mutex // serializes writes
	buf  []byte     // leftover from partial reads
}

func newWSConn(conn *websocket.Conn) *wsConn {
	return &wsConn{conn: conn}
}

func (w *wsConn) Read(p []byte) (int, error) {
	if len(w.buf) > 0 {
		n := copy(p, w.buf)
		w.buf = w.buf[n:]
		return n, nil
	}
	_, msg, err := w.conn.ReadMessage()
	if err != nil {
		return 0, err
	}
	n := copy(p, msg)
	if n < len(msg) {
		w.buf = msg[n:]
	}
	return n, nil
}

func (w *wsConn) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.conn.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (w *wsConn) Close() error {
	return w.conn.Close()
}

var _ io.ReadWriteCloser = (*wsConn)(nil)
