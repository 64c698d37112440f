package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/homerhq/homer/pkg/schedule"
)

type spawnRequest struct {
	Issue *int `json:"issue"`
}

type spawnResponse struct {
	OK    bool   `json:"ok"`
	ID    string `json:"id,omitempty"`
	Error string `json:"error,omitempty"`
}

type inputRequest struct {
	Data string `json:"data"`
}

type resizeRequest struct {
	Cols uint16 `json:"cols"`
	Rows uint16 `json:"rows"`
}

type toolRequest struct {
	ID string `json:"id"`
}

type resumeRequest struct {
	Resume bool `json:"resume"`
}

// decodeBody decodes a JSON request body into v. An empty body leaves v
// at its zero value.
func decodeBody(r *http.Request, v any) error {
	err := json.NewDecoder(r.Body).Decode(v)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, s.control.Snapshot())
}

// handleSpawn starts one agent: on a specific issue when given, on the
// next scheduled unit otherwise, or interactively when the schedule is
// empty.
func (s *Server) handleSpawn(w http.ResponseWriter, r *http.Request) {
	var req spawnRequest
	if err := decodeBody(r, &req); err != nil {
		respondJSON(w, http.StatusBadRequest, spawnResponse{OK: false, Error: "invalid JSON body"})
		return
	}

	var (
		id  string
		err error
	)
	if req.Issue != nil {
		id, err = s.control.SpawnIssue(*req.Issue)
	} else {
		id, err = s.control.SpawnNext()
		if errors.Is(err, schedule.ErrNoWork) {
			id, err = s.control.SpawnInteractive()
		}
	}
	if err != nil {
		respondJSON(w, http.StatusConflict, spawnResponse{OK: false, Error: err.Error()})
		return
	}
	respondJSON(w, http.StatusOK, spawnResponse{OK: true, ID: id})
}

func (s *Server) handleInput(w http.ResponseWriter, r *http.Request) {
	var req inputRequest
	if err := decodeBody(r, &req); err != nil {
		http.Error(w, "invalid JSON body", http.StatusBadRequest)
		return
	}
	if err := s.control.Input(chi.URLParam(r, "id"), []byte(req.Data)); err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	respondJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleResize(w http.ResponseWriter, r *http.Request) {
	var req resizeRequest
	if err := decodeBody(r, &req); err != nil {
		http.Error(w, "invalid JSON body", http.StatusBadRequest)
		return
	}
	if err := s.control.Resize(chi.URLParam(r, "id"), req.Cols, req.Rows); err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	respondJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleKill(w http.ResponseWriter, r *http.Request) {
	if err := s.control.Kill(chi.URLParam(r, "id")); err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	respondJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// handleOutput streams the agent's full buffer as raw bytes, ANSI
// sequences included; terminal emulators on the UI side replay it.
func (s *Server) handleOutput(w http.ResponseWriter, r *http.Request) {
	out, err := s.control.Output(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	_, _ = w.Write([]byte(out))
}

func (s *Server) handleTool(w http.ResponseWriter, r *http.Request) {
	var req toolRequest
	if err := decodeBody(r, &req); err != nil || req.ID == "" {
		http.Error(w, "expected JSON body {\"id\": ...}", http.StatusBadRequest)
		return
	}
	if err := s.control.SetTool(req.ID); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	respondJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleSessionResume(w http.ResponseWriter, r *http.Request) {
	var req resumeRequest
	if err := decodeBody(r, &req); err != nil {
		http.Error(w, "invalid JSON body", http.StatusBadRequest)
		return
	}
	if err := s.control.ResumeSession(req.Resume); err != nil {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	respondJSON(w, http.StatusOK, map[string]bool{"ok": true})
}
