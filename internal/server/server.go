package server

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/hltdev8642/tabzmux/internal/api"
	"github.com/hltdev8642/tabzmux/internal/config"
	"github.com/hltdev8642/tabzmux/internal/models"
	"github.com/hltdev8642/tabzmux/internal/ws"
)

// Core is everything both the REST and websocket surfaces need.
type Core interface {
	api.Core
	ws.Core
}

// Resizer is the coordinator surface shared by both handler sets.
type Resizer interface {
	api.Resizer
	ws.Resizer
}

type Server struct {
	mux         *http.ServeMux
	core        Core
	tmuxVersion string
	log         *zap.Logger
}

func New(core Core, resize Resizer, broker ws.Broker, rcfg config.ResizeConfig, tmuxVersion string, log *zap.Logger) *Server {
	s := &Server{
		mux:         http.NewServeMux(),
		core:        core,
		tmuxVersion: tmuxVersion,
		log:         log,
	}
	s.routes(resize, broker, rcfg)
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) routes(resize Resizer, broker ws.Broker, rcfg config.ResizeConfig) {
	terminals := api.NewTerminalsHandler(s.core, resize, s.log)
	wsHandler := ws.NewHandler(s.core, resize, broker, rcfg, s.log)

	// Health
	s.mux.HandleFunc("GET /api/health", s.handleHealth)

	// Terminals
	s.mux.HandleFunc("GET /api/terminals", terminals.HandleList)
	s.mux.HandleFunc("POST /api/terminals", terminals.HandleCreate)
	s.mux.HandleFunc("GET /api/terminals/{id}", terminals.HandleGet)
	s.mux.HandleFunc("POST /api/terminals/{id}/attach", terminals.HandleAttach)
	s.mux.HandleFunc("POST /api/terminals/{id}/detach", terminals.HandleDetach)
	s.mux.HandleFunc("POST /api/terminals/{id}/resize", terminals.HandleResize)
	s.mux.HandleFunc("POST /api/terminals/{id}/input", terminals.HandleInput)
	s.mux.HandleFunc("DELETE /api/terminals/{id}", terminals.HandleDelete)

	// WebSocket
	s.mux.Handle("GET /ws/terminal", wsHandler)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	api.WriteJSON(w, http.StatusOK, models.HealthResponse{
		Status:      "ok",
		TmuxVersion: s.tmuxVersion,
		Terminals:   s.core.Count(),
	})
}
