package deploy

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-logr/logr"
)

const maxReleaseBody = 1 << 20

type releaseResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// Handler accepts releases over HTTP and starts watching them
type Handler struct {
	manager *Manager
	log     logr.Logger
}

func NewHandler(manager *Manager, log logr.Logger) *Handler {
	return &Handler{manager: manager, log: log.WithName("release-intake")}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		writeJSON(w, http.StatusMethodNotAllowed, releaseResponse{Error: "method not allowed"})
		return
	}

	var release Release
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxReleaseBody))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&release); err != nil {
		writeJSON(w, http.StatusBadRequest, releaseResponse{Error: "invalid release: " + err.Error()})
		return
	}

	watcher, err := h.manager.Watch(release)
	switch {
	case errors.Is(err, ErrAlreadyWatching):
		writeJSON(w, http.StatusConflict, releaseResponse{ID: release.ID, Status: watcher.Status().String(), Error: err.Error()})
		return
	case errors.Is(err, ErrStopped):
		writeJSON(w, http.StatusServiceUnavailable, releaseResponse{ID: release.ID, Error: err.Error()})
		return
	case err != nil:
		writeJSON(w, http.StatusBadRequest, releaseResponse{ID: release.ID, Error: err.Error()})
		return
	}

	h.log.Info("Accepted release", "project", release.ProjectID, "release", release.ID, "docs", len(release.Docs))
	writeJSON(w, http.StatusAccepted, releaseResponse{ID: release.ID, Status: watcher.Status().String()})
}

func writeJSON(w http.ResponseWriter, code int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}
