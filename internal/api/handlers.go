package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/edge-ibn/ibnd/internal/core"
)

type submitRequest struct {
	Text string `json:"text"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	h, err := s.core.Health()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, h)
}

func (s *Server) handleListDevices(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.core.Catalog().Devices())
}

func (s *Server) handleListIntents(w http.ResponseWriter, r *http.Request) {
	intents, err := s.core.ListIntents()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, intents)
}

func (s *Server) handleSubmitIntent(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.Text == "" {
		writeError(w, http.StatusBadRequest, errors.New("text is required"))
		return
	}
	intent, err := s.core.Submit(r.Context(), req.Text, submitterOf(r))
	if err != nil {
		writeJSON(w, http.StatusAccepted, intent) // submission rejected or not completed; client inspects Status/Warning
		return
	}
	writeJSON(w, http.StatusCreated, intent)
}

func (s *Server) handleGetIntent(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	intent, err := s.core.GetIntent(id)
	if err != nil {
		if errors.Is(err, core.ErrIntentNotFound) {
			writeError(w, http.StatusNotFound, err)
			return
		}
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, intent)
}

func (s *Server) handleRevokeIntent(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := s.core.RevokeIntent(r.Context(), id); err != nil {
		if errors.Is(err, core.ErrIntentNotFound) {
			writeError(w, http.StatusNotFound, err)
			return
		}
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListPolicies(w http.ResponseWriter, r *http.Request) {
	policies, err := s.core.ListPolicies()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, policies)
}

func submitterOf(r *http.Request) string {
	if v := r.Header.Get("X-Submitter"); v != "" {
		return v
	}
	return "api"
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
