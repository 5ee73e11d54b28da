package httpapi

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"vetsync.org/internal/auth"
	"vetsync.org/internal/syncengine"
)

func (a *API) oauthStart(w http.ResponseWriter, r *http.Request) {
	target, err := a.CRM.InitiateOAuth(r.Context())
	if err != nil {
		handleError(w, r, err)
		return
	}
	http.Redirect(w, r, target, http.StatusFound)
}

func (a *API) oauthCallback(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if e := q.Get("error"); e != "" {
		writeError(w, r, http.StatusBadRequest, "authorization denied: "+e)
		return
	}
	cred, err := a.CRM.ExchangeCodeForToken(r.Context(), q.Get("code"), q.Get("state"))
	if err != nil {
		handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"connected":   true,
		"location_id": cred.LocationID,
		"company_id":  cred.CompanyID,
		"expires_at":  cred.ExpiresAt,
	})
}

func (a *API) crmConnection(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.CRM.TestConnection(r.Context()))
}

func (a *API) discoverSubAccounts(w http.ResponseWriter, r *http.Request) {
	subs, err := a.CRM.DiscoverSubAccounts(r.Context())
	if err != nil {
		handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sub_accounts": subs})
}

type createMappingRequest struct {
	SubAccountID string `json:"sub_account_id"`
}

func (a *API) createMapping(w http.ResponseWriter, r *http.Request) {
	clinicID := chi.URLParam(r, "clinicID")
	if _, err := a.clinicInScope(r.Context(), clinicID); err != nil {
		handleError(w, r, err)
		return
	}
	var req createMappingRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	userID, _ := auth.UserIDFromContext(r.Context())
	m, err := a.Engine.CreateMapping(r.Context(), clinicID, req.SubAccountID, userID)
	if err != nil {
		handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, m)
}

func (a *API) deleteMapping(w http.ResponseWriter, r *http.Request) {
	clinicID := chi.URLParam(r, "clinicID")
	if _, err := a.clinicInScope(r.Context(), clinicID); err != nil {
		handleError(w, r, err)
		return
	}
	if err := a.Engine.DeactivateMapping(r.Context(), clinicID); err != nil {
		handleError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) suggestMappings(w http.ResponseWriter, r *http.Request) {
	id, _ := auth.IdentityFromContext(r.Context())
	out, err := a.Engine.SuggestMappings(r.Context(), id.OrgID)
	if err != nil {
		handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"suggestions": out})
}

type syncRequest struct {
	Direction string `json:"direction"`
}

func (a *API) syncClinic(w http.ResponseWriter, r *http.Request) {
	clinicID := chi.URLParam(r, "clinicID")
	if _, err := a.clinicInScope(r.Context(), clinicID); err != nil {
		handleError(w, r, err)
		return
	}
	var req syncRequest
	if r.ContentLength != 0 {
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
	}
	dir, err := syncengine.ParseDirection(req.Direction)
	if err != nil {
		handleError(w, r, err)
		return
	}
	res, err := a.Engine.SyncClinicContacts(r.Context(), clinicID, dir)
	if err != nil {
		handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (a *API) syncLogs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, err := parsePositiveInt(q.Get("limit"), 50, 1, 200)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	var before time.Time
	if raw := q.Get("before"); raw != "" {
		before, err = time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, "before must be an RFC3339 timestamp")
			return
		}
	}
	m, err := a.mappingInScope(r.Context(), chi.URLParam(r, "mappingID"))
	if err != nil {
		handleError(w, r, err)
		return
	}
	logs, err := a.Engine.ListSyncLogs(r.Context(), m.ID, limit, before)
	if err != nil {
		handleError(w, r, err)
		return
	}
	resp := map[string]any{"logs": logs}
	if len(logs) == limit {
		resp["next_before"] = logs[len(logs)-1].CreatedAt.Format(time.RFC3339Nano)
	}
	writeJSON(w, http.StatusOK, resp)
}
