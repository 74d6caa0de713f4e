package adapthttp

import (
	"errors"
	"net/http"

	"weighsplit/internal/domain"
)

var errEmptyState = errors.New("new_state is required")

func (s *Server) handleSourceEvent(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	source := r.PathValue("source")

	var body struct {
		EntityID string `json:"entity_id"`
		OldState string `json:"old_state"`
		NewState string `json:"new_state"`
	}
	if err := parseJSON(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if body.NewState == "" {
		writeError(w, http.StatusBadRequest, errEmptyState)
		return
	}
	if body.EntityID != "" && body.EntityID != source {
		writeError(w, http.StatusBadRequest, errors.New("entity_id does not match the source in the path"))
		return
	}

	// Malformed values are accepted here; the dispatcher drops them.
	delivered := s.ingest.Deliver(r.Context(), domain.StateChange{
		SourceID: source,
		OldState: body.OldState,
		NewState: body.NewState,
	})
	writeJSON(w, http.StatusAccepted, map[string]any{"ok": true, "delivered": delivered})
}
