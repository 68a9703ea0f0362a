package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/hltdev8642/tabzmux/internal/bridge"
	"github.com/hltdev8642/tabzmux/internal/config"
	"github.com/hltdev8642/tabzmux/internal/logging"
	"github.com/hltdev8642/tabzmux/internal/mux"
	"github.com/hltdev8642/tabzmux/internal/preflight"
	"github.com/hltdev8642/tabzmux/internal/registry"
	"github.com/hltdev8642/tabzmux/internal/resize"
	"github.com/hltdev8642/tabzmux/internal/router"
	"github.com/hltdev8642/tabzmux/internal/server"
	"github.com/hltdev8642/tabzmux/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	port := flag.Int("port", cfg.Server.Port, "server port")
	host := flag.String("host", cfg.Server.Host, "bind address")
	flag.Parse()
	cfg.Server.Port = *port
	cfg.Server.Host = *host

	log, err := logging.New(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "init logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	fmt.Println("tabzmux - browser terminal multiplexer")
	fmt.Println("======================================")
	fmt.Println()

	tmuxVersion, ok := preflight.CheckTmux()
	if !ok {
		os.Exit(1)
	}
	fmt.Println()

	db, err := store.Open(cfg.Store.Path)
	if err != nil {
		log.Fatal("open database", zap.Error(err))
	}
	defer db.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// The sink closes the loop from tmux output back to the coordinator
	// and the fan-out; the registry and coordinator are bound after
	// construction because the adapter needs the sink first.
	sink := &outputSink{}
	adapter := mux.New(cfg.Tmux, sink, log)
	reg := registry.New(cfg.Tmux, adapter, db, log)
	fanout := router.New(log)
	coord := resize.New(cfg.Resize, reg, fanout, log)
	sink.bind(reg, fanout, coord)

	reg.SetOnClosed(func(terminalID string) {
		fanout.DropTerminal(terminalID)
		coord.Forget(terminalID)
	})

	if err := reg.Reconcile(ctx); err != nil {
		log.Warn("reconcile at boot", zap.Error(err))
	}

	fanout.StartSweeper(ctx, cfg.Resize.SweepInterval)

	srv := server.New(reg, coord, fanout, cfg.Resize, tmuxVersion, log)

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	httpSrv := &http.Server{
		Addr:    addr,
		Handler: loggingMiddleware(log, recoveryMiddleware(log, srv)),
	}

	if cfg.Bridge.GatewayURL != "" {
		go bridge.New(cfg.Bridge, addr, log).Run(ctx)
	}

	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		sig := <-sigCh
		fmt.Printf("\nReceived %s, shutting down...\n", sig)
		cancel()

		// Detach from every backing session but kill none of them. tmux
		// keeps the terminals alive for the next server run.
		adapter.DetachAll()

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		httpSrv.Shutdown(shutdownCtx)
	}()

	fmt.Printf("Server running at http://%s\n", addr)
	if err := httpSrv.ListenAndServe(); err != http.ErrServerClosed {
		log.Fatal("server failed", zap.Error(err))
	}
	fmt.Println("Server stopped.")
}

// outputSink receives raw tmux output keyed by backing session name and
// forwards it by terminal id. Chunks for sessions the registry does not
// know yet (spawn still in flight) are dropped; tmux will repaint.
type outputSink struct {
	reg    *registry.Registry
	fanout *router.Router
	coord  *resize.Coordinator
}

func (s *outputSink) bind(reg *registry.Registry, fanout *router.Router, coord *resize.Coordinator) {
	s.reg = reg
	s.fanout = fanout
	s.coord = coord
}

func (s *outputSink) Output(backingName string, data []byte) {
	id, ok := s.reg.TerminalByBacking(backingName)
	if !ok {
		return
	}
	s.coord.NoteOutput(id)
	s.fanout.FanOut(id, data)
}

func loggingMiddleware(log *zap.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, status: 200}
		next.ServeHTTP(rw, r)

		// Websocket upgrades hijack the connection; their lifetime is
		// logged by the gateway itself.
		if r.Header.Get("Upgrade") == "websocket" {
			return
		}

		log.Info("http",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", rw.status),
			zap.Duration("took", time.Since(start).Round(time.Millisecond)))
	})
}

func recoveryMiddleware(log *zap.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				log.Error("panic in handler",
					zap.String("method", r.Method),
					zap.String("path", r.URL.Path),
					zap.Any("panic", err))
				http.Error(w, "Internal Server Error", http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

// Implement http.Hijacker so websocket upgrades work through the middleware.
func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if hj, ok := rw.ResponseWriter.(http.Hijacker); ok {
		return hj.Hijack()
	}
	return nil, nil, fmt.Errorf("underlying ResponseWriter does not implement http.Hijacker")
}
