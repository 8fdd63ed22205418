package httpapi

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/DavidABSiepmann/image-socket-sub001/internal/domain"
)

type postErrorDTO struct {
	Code     string            `json:"code"`
	Message  string            `json:"message"`
	Severity domain.Severity   `json:"severity"`
	Source   string            `json:"source"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// handleDiagnostics serves the visible diagnostics log.
// GET lists (limit, offset), POST posts an error, DELETE resets.
func (d *Deps) handleDiagnostics(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
		if limit <= 0 {
			limit = 100
		}
		offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
		items, total, err := d.Diags.VisibleLog(r.Context(), limit, offset)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "DIAGNOSTICS_LIST_FAILED", err.Error(), nil)
			return
		}
		stats, err := d.Diags.Stats(r.Context())
		if err != nil {
			writeError(w, http.StatusInternalServerError, "DIAGNOSTICS_STATS_FAILED", err.Error(), nil)
			return
		}
		writeJSON(w, map[string]any{"items": items, "total": total, "stats": stats})
	case http.MethodPost:
		var in postErrorDTO
		if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
			writeError(w, http.StatusBadRequest, "BAD_JSON", "invalid json", nil)
			return
		}
		if in.Code == "" {
			writeError(w, http.StatusBadRequest, "BAD_VALUE", "code is required", nil)
			return
		}
		if in.Source == "" {
			in.Source = "api"
		}
		d.Diags.PostError(in.Code, in.Message, in.Severity, in.Source, in.Metadata)
		w.WriteHeader(http.StatusAccepted)
	case http.MethodDelete:
		if err := d.Diags.Reset(r.Context()); err != nil {
			writeError(w, http.StatusInternalServerError, "DIAGNOSTICS_RESET_FAILED", err.Error(), nil)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "use GET, POST or DELETE", nil)
	}
}

// handleEventStream provides Server-Sent Events for every domain event.
// Optional ?type= filters by event type.
func (d *Deps) handleEventStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "STREAM_UNSUPPORTED", "stream unsupported", nil)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	want := domain.EventType(r.URL.Query().Get("type"))

	sub := d.Monitor.Subscribe()
	defer d.Monitor.Unsubscribe(sub)
	w.WriteHeader(http.StatusOK)
	flusher.Flush()
	for {
		select {
		case <-r.Context().Done():
			return
		case ev, ok := <-sub:
			if !ok {
				return
			}
			if want != "" && ev.Type != want {
				continue
			}
			if err := writeSSE(w, flusher, string(ev.Type), ev); err != nil {
				return
			}
		}
	}
}

func writeSSE(w http.ResponseWriter, flusher http.Flusher, event string, data any) error {
	b, err := json.Marshal(data)
	if err != nil {
		return err
	}
	if _, err := w.Write([]byte("event: " + event + "\ndata: ")); err != nil {
		return err
	}
	if _, err := w.Write(append(b, '\n', '\n')); err != nil {
		return err
	}
	flusher.Flush()
	return nil
}
