// handlers.go - HTTP Handler des Runners
//
// Enthaelt:
// - health: Status fuer WaitUntilRunning
// - load, forwardBackward, optimizerStep, save: Protokoll-Operationen
package runner

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/mini-helper/lorakit/llm"
)

var errNotLoaded = errors.New("model not loaded, call /load first")

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("failed to encode response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func decode[T any](w http.ResponseWriter, r *http.Request) (T, bool) {
	var req T
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("bad request: %w", err))
		return req, false
	}
	return req, true
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, llm.ServerStatusResponse{Status: s.status.Load().(llm.ServerStatus)})
}

func (s *Server) load(w http.ResponseWriter, r *http.Request) {
	req, ok := decode[llm.LoadRequest](w, r)
	if !ok {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.status.Store(llm.ServerStatusLoadingModel)
	defer s.status.Store(llm.ServerStatusReady)

	resp, err := s.trainer.Load(r.Context(), req)
	if err != nil {
		slog.Error("load failed", "model", req.Model, "error", err)
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.loaded.Store(true)
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) forwardBackward(w http.ResponseWriter, r *http.Request) {
	req, ok := decode[llm.ForwardBackwardRequest](w, r)
	if !ok {
		return
	}
	if !s.loaded.Load() {
		writeError(w, http.StatusConflict, errNotLoaded)
		return
	}
	if err := validateBatch(req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	resp, err := s.trainer.ForwardBackward(r.Context(), req)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) optimizerStep(w http.ResponseWriter, r *http.Request) {
	req, ok := decode[llm.OptimizerStepRequest](w, r)
	if !ok {
		return
	}
	if !s.loaded.Load() {
		writeError(w, http.StatusConflict, errNotLoaded)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	resp, err := s.trainer.OptimizerStep(r.Context(), req)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) save(w http.ResponseWriter, r *http.Request) {
	req, ok := decode[llm.SaveRequest](w, r)
	if !ok {
		return
	}
	if req.Dir == "" {
		writeError(w, http.StatusBadRequest, errors.New("dir is required"))
		return
	}
	if !s.loaded.Load() {
		writeError(w, http.StatusConflict, errNotLoaded)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.trainer.Save(r.Context(), req); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"dir": req.Dir})
}

// validateBatch prueft, dass alle Zeilen gleich lang sind und die Maske passt
func validateBatch(req llm.ForwardBackwardRequest) error {
	if len(req.InputIDs) == 0 {
		return errors.New("empty batch")
	}
	if len(req.AttentionMask) != len(req.InputIDs) || len(req.Labels) != len(req.InputIDs) {
		return fmt.Errorf("batch size mismatch: input_ids %d, attention_mask %d, labels %d",
			len(req.InputIDs), len(req.AttentionMask), len(req.Labels))
	}

	width := len(req.InputIDs[0])
	for i := range req.InputIDs {
		if len(req.InputIDs[i]) != width || len(req.AttentionMask[i]) != width || len(req.Labels[i]) != width {
			return fmt.Errorf("row %d: sequences must be padded to %d tokens", i, width)
		}
	}
	return nil
}
