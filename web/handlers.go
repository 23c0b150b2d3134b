package web

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/mbocsi/camlink/transport"
)

func (w *WebClient) HandleHome(wr http.ResponseWriter, r *http.Request) {
	w.templates.RenderPage(wr, w.ctrl.Status())
}

func (w *WebClient) HandleStatus(wr http.ResponseWriter, r *http.Request) {
	writeJSON(wr, http.StatusOK, w.ctrl.Status())
}

type motionRequest struct {
	Enabled *bool `json:"enabled"`
}

func (w *WebClient) HandleMotion(wr http.ResponseWriter, r *http.Request) {
	var req motionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Enabled == nil {
		http.Error(wr, `body must be {"enabled": true|false}`, http.StatusBadRequest)
		return
	}
	if err := w.ctrl.ToggleMotionDetection(*req.Enabled); err != nil {
		w.handleError(wr, err)
		return
	}
	writeJSON(wr, http.StatusOK, w.ctrl.Status())
}

type connectionRequest struct {
	Type string `json:"type"`
}

func (w *WebClient) HandleConnection(wr http.ResponseWriter, r *http.Request) {
	var req connectionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(wr, "invalid request body", http.StatusBadRequest)
		return
	}
	t, err := transport.ParseType(req.Type)
	if err != nil {
		http.Error(wr, err.Error(), http.StatusBadRequest)
		return
	}
	if err := w.ctrl.SwitchConnection(r.Context(), t); err != nil {
		w.handleError(wr, err)
		return
	}
	writeJSON(wr, http.StatusOK, w.ctrl.Status())
}

// handleError maps domain errors onto HTTP status codes
func (w *WebClient) handleError(wr http.ResponseWriter, err error) {
	slog.Error("Request failed", "error", err)

	var cerr *transport.ConfigurationError
	switch {
	case errors.As(err, &cerr):
		http.Error(wr, err.Error(), http.StatusUnprocessableEntity)
	case errors.Is(err, transport.ErrUnavailable):
		http.Error(wr, err.Error(), http.StatusServiceUnavailable)
	default:
		http.Error(wr, "Internal server error", http.StatusInternalServerError)
	}
}

func writeJSON(wr http.ResponseWriter, status int, v any) {
	wr.Header().Set("Content-Type", "application/json")
	wr.WriteHeader(status)
	if err := json.NewEncoder(wr).Encode(v); err != nil {
		slog.Warn("Failed to write response", "error", err)
	}
}
