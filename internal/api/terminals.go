package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/hltdev8642/tabzmux/internal/models"
	"github.com/hltdev8642/tabzmux/internal/registry"
)

// Core is the registry surface the REST handlers drive.
type Core interface {
	Spawn(ctx context.Context, req registry.SpawnRequest) (models.Terminal, error)
	Attach(ctx context.Context, backingName string) (models.Terminal, error)
	Get(id string) (models.Terminal, bool)
	List() []models.Terminal
	Input(id string, data []byte) error
	Detach(id string) error
	Close(ctx context.Context, id string) error
	Count() int
}

// Resizer routes REST resize requests through the coordinator, same as
// websocket ones.
type Resizer interface {
	Request(id string, cols, rows int)
}

type TerminalsHandler struct {
	core   Core
	resize Resizer
	log    *zap.Logger
}

func NewTerminalsHandler(core Core, resize Resizer, log *zap.Logger) *TerminalsHandler {
	return &TerminalsHandler{core: core, resize: resize, log: log}
}

func (h *TerminalsHandler) HandleList(w http.ResponseWriter, _ *http.Request) {
	terms := h.core.List()
	if terms == nil {
		terms = []models.Terminal{}
	}
	WriteJSON(w, http.StatusOK, terms)
}

func (h *TerminalsHandler) HandleCreate(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Name       string `json:"name"`
		WorkingDir string `json:"working_dir"`
		Command    string `json:"command"`
		Cols       int    `json:"cols"`
		Rows       int    `json:"rows"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid JSON")
		return
	}

	term, err := h.core.Spawn(r.Context(), registry.SpawnRequest{
		Name:       body.Name,
		WorkingDir: body.WorkingDir,
		Command:    body.Command,
		Cols:       body.Cols,
		Rows:       body.Rows,
	})
	if err != nil {
		h.log.Warn("spawn via api", zap.Error(err))
		WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}
	WriteJSON(w, http.StatusCreated, term)
}

func (h *TerminalsHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	term, ok := h.core.Get(r.PathValue("id"))
	if !ok {
		WriteError(w, http.StatusNotFound, "terminal not found")
		return
	}
	WriteJSON(w, http.StatusOK, term)
}

func (h *TerminalsHandler) HandleAttach(w http.ResponseWriter, r *http.Request) {
	term, ok := h.core.Get(r.PathValue("id"))
	if !ok {
		WriteError(w, http.StatusNotFound, "terminal not found")
		return
	}
	term, err := h.core.Attach(r.Context(), term.BackingName)
	if err != nil {
		if errors.Is(err, registry.ErrNotFound) {
			WriteError(w, http.StatusNotFound, "terminal not found")
			return
		}
		WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}
	WriteJSON(w, http.StatusOK, term)
}

func (h *TerminalsHandler) HandleDetach(w http.ResponseWriter, r *http.Request) {
	if err := h.core.Detach(r.PathValue("id")); err != nil {
		if errors.Is(err, registry.ErrNotFound) {
			WriteError(w, http.StatusNotFound, "terminal not found")
			return
		}
		WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *TerminalsHandler) HandleResize(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, ok := h.core.Get(id); !ok {
		WriteError(w, http.StatusNotFound, "terminal not found")
		return
	}

	var body struct {
		Cols int `json:"cols"`
		Rows int `json:"rows"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if body.Cols <= 0 || body.Rows <= 0 {
		WriteError(w, http.StatusBadRequest, "cols and rows must be positive")
		return
	}

	// Accepted, not necessarily applied yet: the coordinator defers while
	// the backing process is producing output.
	h.resize.Request(id, body.Cols, body.Rows)
	w.WriteHeader(http.StatusAccepted)
}

func (h *TerminalsHandler) HandleInput(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, ok := h.core.Get(id); !ok {
		WriteError(w, http.StatusNotFound, "terminal not found")
		return
	}

	var body struct {
		Data string `json:"data"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if err := h.core.Input(id, []byte(body.Data)); err != nil {
		WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *TerminalsHandler) HandleDelete(w http.ResponseWriter, r *http.Request) {
	// Closing an already-gone terminal succeeds.
	if err := h.core.Close(r.Context(), r.PathValue("id")); err != nil {
		WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
