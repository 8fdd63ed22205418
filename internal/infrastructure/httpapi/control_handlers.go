package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/DavidABSiepmann/image-socket-sub001/internal/domain"
	"github.com/DavidABSiepmann/image-socket-sub001/internal/usecase"
)

func (d *Deps) handleServerStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "use GET", nil)
		return
	}
	st, err := d.Bridge.Status(r.Context())
	if err != nil {
		writeBridgeError(w, err)
		return
	}
	writeJSON(w, map[string]any{"status": st, "sessions": d.Registry.Sessions()})
}

func (d *Deps) handleServerStart(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "use POST", nil)
		return
	}
	port, err := d.Bridge.Start(r.Context())
	if err != nil {
		writeBridgeError(w, err)
		return
	}
	writeJSON(w, map[string]any{"port": port})
}

func (d *Deps) handleServerStop(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "use POST", nil)
		return
	}
	if err := d.Bridge.Stop(r.Context()); err != nil {
		writeBridgeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (d *Deps) handleServerReset(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "use POST", nil)
		return
	}
	if err := d.Bridge.Reset(r.Context()); err != nil {
		writeBridgeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (d *Deps) handleFps(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		st, err := d.Bridge.Status(r.Context())
		if err != nil {
			writeBridgeError(w, err)
			return
		}
		writeJSON(w, map[string]any{"fps": st.ConfiguredFps})
	case http.MethodPost:
		var in struct {
			Fps *int `json:"fps"`
		}
		if err := json.NewDecoder(r.Body).Decode(&in); err != nil || in.Fps == nil {
			writeError(w, http.StatusBadRequest, "BAD_JSON", "expected {\"fps\": n}", nil)
			return
		}
		if *in.Fps < 0 {
			writeError(w, http.StatusBadRequest, "BAD_VALUE", "fps must not be negative", map[string]any{"fps": *in.Fps})
			return
		}
		if err := d.Bridge.SetConfiguredFps(r.Context(), *in.Fps); err != nil {
			writeBridgeError(w, err)
			return
		}
		writeJSON(w, map[string]any{"fps": *in.Fps})
	default:
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "use GET or POST", nil)
	}
}

func (d *Deps) handleQuality(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "use POST", nil)
		return
	}
	var in struct {
		Quality int `json:"quality"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeError(w, http.StatusBadRequest, "BAD_JSON", "invalid json", nil)
		return
	}
	if in.Quality < 1 || in.Quality > 100 {
		writeError(w, http.StatusBadRequest, "BAD_VALUE", "quality must be within 1..100", map[string]any{"quality": in.Quality})
		return
	}
	if err := d.Bridge.SetQuality(r.Context(), in.Quality); err != nil {
		writeBridgeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (d *Deps) handleActive(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		st, err := d.Bridge.Status(r.Context())
		if err != nil {
			writeBridgeError(w, err)
			return
		}
		writeJSON(w, map[string]any{"id": st.ActiveClient, "alias": st.ActiveAlias})
	case http.MethodPost:
		var in struct {
			ID int32 `json:"id"`
		}
		if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
			writeError(w, http.StatusBadRequest, "BAD_JSON", "invalid json", nil)
			return
		}
		if err := d.Bridge.SetActiveClient(r.Context(), domain.ClientID(in.ID)); err != nil {
			writeBridgeError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "use GET or POST", nil)
	}
}

func (d *Deps) handleActiveFrame(w http.ResponseWriter, r *http.Request) {
	f, ok, err := d.Bridge.LatestFrame(r.Context())
	if err != nil {
		writeBridgeError(w, err)
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "NO_FRAME", "no frame from the active client yet", nil)
		return
	}
	w.Header().Set("Content-Type", "image/"+f.Format)
	w.Header().Set("Content-Length", strconv.Itoa(len(f.Data)))
	w.Header().Set("X-Client-Id", strconv.Itoa(int(f.ClientID)))
	w.Header().Set("X-Frame-Width", strconv.Itoa(f.Width))
	w.Header().Set("X-Frame-Height", strconv.Itoa(f.Height))
	_, _ = w.Write(f.Data)
}

func (d *Deps) handleActivePause(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "use POST", nil)
		return
	}
	if err := d.Bridge.PauseActive(r.Context()); err != nil {
		writeBridgeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (d *Deps) handleActiveResume(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "use POST", nil)
		return
	}
	if err := d.Bridge.ResumeActive(r.Context()); err != nil {
		writeBridgeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (d *Deps) handleClients(w http.ResponseWriter, r *http.Request) {
	items, err := d.Bridge.Clients(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "CLIENTS_LIST_FAILED", err.Error(), nil)
		return
	}
	writeJSON(w, map[string]any{"items": items, "total": len(items)})
}

// writeBridgeError maps bridge and registry errors onto API errors.
func writeBridgeError(w http.ResponseWriter, err error) {
	var se *StartError
	switch {
	case errors.As(err, &se):
		writeError(w, http.StatusServiceUnavailable, "SERVER_START_FAILED", se.Reason, se.Details())
	case errors.Is(err, usecase.ErrInvalidTransition):
		writeError(w, http.StatusConflict, "INVALID_STATE", err.Error(), nil)
	case errors.Is(err, usecase.ErrNoActiveClient):
		writeError(w, http.StatusConflict, "NO_ACTIVE_CLIENT", err.Error(), nil)
	case errors.Is(err, usecase.ErrClientNotFound), errors.Is(err, ErrClientNotFound):
		writeError(w, http.StatusNotFound, "CLIENT_NOT_FOUND", err.Error(), nil)
	case errors.Is(err, usecase.ErrBridgeStopped):
		writeError(w, http.StatusServiceUnavailable, "BRIDGE_STOPPED", err.Error(), nil)
	default:
		writeError(w, http.StatusInternalServerError, "INTERNAL", err.Error(), nil)
	}
}
