package httpapi

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"vetsync.org/internal/queue"
)

func (a *API) queueSync(w http.ResponseWriter, r *http.Request) {
	var req queue.Request
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if err := a.entityInScope(r.Context(), req.EntityType, req.EntityID); err != nil {
		handleError(w, r, err)
		return
	}
	item, err := a.Queue.QueueSync(r.Context(), req)
	if err != nil {
		handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, item)
}

func (a *API) rollbackSync(w http.ResponseWriter, r *http.Request) {
	syncID := chi.URLParam(r, "syncID")
	orig, err := a.Backend.DataSync().Get(r.Context(), syncID)
	if err != nil {
		handleError(w, r, err)
		return
	}
	if err := a.entityInScope(r.Context(), orig.EntityType, orig.EntityID); err != nil {
		handleError(w, r, err)
		return
	}
	item, err := a.Queue.RollbackSync(r.Context(), syncID)
	if err != nil {
		handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"id": item.ID, "status": item.Status})
}

func (a *API) syncStatus(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	entityType := strings.TrimSpace(q.Get("entity_type"))
	entityID := strings.TrimSpace(q.Get("entity_id"))
	if entityType == "" || entityID == "" {
		writeError(w, r, http.StatusBadRequest, "entity_type and entity_id are required")
		return
	}
	limit, err := parsePositiveInt(q.Get("limit"), 10, 1, 100)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if err := a.entityInScope(r.Context(), entityType, entityID); err != nil {
		handleError(w, r, err)
		return
	}
	items, err := a.Queue.GetSyncStatus(r.Context(), entityType, entityID, limit)
	if err != nil {
		handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (a *API) processQueue(w http.ResponseWriter, r *http.Request) {
	res, err := a.Queue.ProcessQueue(r.Context())
	if err != nil {
		handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}
