package bridge

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/hashicorp/yamux"
	"go.uber.org/zap"

	"github.com/hltdev8642/tabzmux/internal/config"
)

// Bridge dials outbound to a public relay over websocket and multiplexes
// browser traffic back to the local server via yamux. It lets a browser
// reach terminals on a machine behind NAT without any inbound port.
type Bridge struct {
	cfg       config.BridgeConfig
	localAddr string
	log       *zap.Logger
}

func New(cfg config.BridgeConfig, localAddr string, log *zap.Logger) *Bridge {
	return &Bridge{cfg: cfg, localAddr: localAddr, log: log}
}

// Run connects to the relay and serves proxied streams, reconnecting with
// exponential backoff until ctx is cancelled.
func (b *Bridge) Run(ctx context.Context) {
	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		err := b.connect(ctx)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			b.log.Warn("relay connection failed",
				zap.Error(err), zap.Duration("retry_in", backoff))
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return
			}
			backoff = min(backoff*2, maxBackoff)
		} else {
			backoff = time.Second
		}
	}
}

func (b *Bridge) connect(ctx context.Context) error {
	dialer := websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
		// The relay defaults to a self-signed cert; the pre-shared
		// secret authenticates the connection.
		TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
	}

	header := http.Header{}
	header.Set("X-Bridge-Secret", b.cfg.Secret)

	conn, _, err := dialer.DialContext(ctx, b.cfg.GatewayURL, header)
	if err != nil {
		return fmt.Errorf("dial relay: %w", err)
	}
	defer conn.Close()

	b.log.Info("connected to relay", zap.String("url", b.cfg.GatewayURL))

	// This side is the yamux server: the relay opens a stream per browser
	// connection.
	session, err := yamux.Server(newWSConn(conn), yamux.DefaultConfig())
	if err != nil {
		return fmt.Errorf("yamux server: %w", err)
	}
	defer session.Close()

	go func() {
		<-ctx.Done()
		session.Close()
	}()

	for {
		stream, err := session.Accept()
		if err != nil {
			return fmt.Errorf("accept stream: %w", err)
		}
		go b.handleStream(stream)
	}
}

func (b *Bridge) handleStream(stream net.Conn) {
	defer stream.Close()

	local, err := net.Dial("tcp", b.localAddr)
	if err != nil {
		b.log.Warn("dial local server", zap.String("addr", b.localAddr), zap.Error(err))
		return
	}
	defer local.Close()

	done := make(chan struct{})
	go func() {
		io.Copy(local, stream)
		close(done)
	}()
	io.Copy(stream, local)
	<-done
}
