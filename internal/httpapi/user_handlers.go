package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"vetsync.org/internal/auth"
	"vetsync.org/internal/insights"
	"vetsync.org/internal/model"
)

// recognizeRequest carries only the email; the external auth id is the
// caller's token subject.
type recognizeRequest struct {
	Email string `json:"email"`
}

func (a *API) recognizeUser(w http.ResponseWriter, r *http.Request) {
	var req recognizeRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	id, _ := auth.IdentityFromContext(r.Context())
	orgID, known, err := a.Resolver.OwningOrganization(r.Context(), req.Email)
	if err != nil {
		handleError(w, r, err)
		return
	}
	if known && orgID != id.OrgID {
		handleError(w, r, model.ErrNotFound)
		return
	}
	uc, err := a.Resolver.RecognizeUser(r.Context(), req.Email, id.UserID)
	if err != nil {
		handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, uc)
}

func (a *API) userContext(w http.ResponseWriter, r *http.Request) {
	uc, err := a.Resolver.LoadUserContext(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		handleError(w, r, err)
		return
	}
	if id, _ := auth.IdentityFromContext(r.Context()); uc.Organization.ID != id.OrgID {
		handleError(w, r, model.ErrNotFound)
		return
	}
	writeJSON(w, http.StatusOK, uc)
}

func (a *API) generateInsight(w http.ResponseWriter, r *http.Request) {
	var req insights.Request
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if req.Topic == "" {
		writeError(w, r, http.StatusBadRequest, "topic is required")
		return
	}
	resp, err := a.Insights.Generate(r.Context(), req)
	if err != nil {
		handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}
