package httpapi

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/oauth2"

	"vetsync.org/internal/auth"
	"vetsync.org/internal/changefeed"
	"vetsync.org/internal/crm"
	"vetsync.org/internal/insights"
	"vetsync.org/internal/model"
	"vetsync.org/internal/obs"
	"vetsync.org/internal/queue"
	"vetsync.org/internal/resolver"
	"vetsync.org/internal/store"
	"vetsync.org/internal/syncengine"
)

// ReadyProbe: простая проверка готовности (например, ping БД).
type ReadyProbe struct {
	DB *sql.DB
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.DB == nil {
		return nil
	}
	return rp.DB.PingContext(ctx)
}

// CRM is the part of the CRM client exposed over HTTP.
type CRM interface {
	InitiateOAuth(ctx context.Context) (string, error)
	ExchangeCodeForToken(ctx context.Context, code, state string) (model.Credential, error)
	TestConnection(ctx context.Context) crm.ConnectionStatus
	DiscoverSubAccounts(ctx context.Context) ([]model.SubAccount, error)
}

// Deps wires the API to its collaborators.
type Deps struct {
	Backend  store.Backend
	CRM      CRM
	Engine   *syncengine.Engine
	Queue    *queue.Queue
	Resolver *resolver.Resolver
	Insights insights.Generator
	Changes  changefeed.Broker
	Signer   *auth.Signer
	Ready    ReadyProbe
	Version  string
}

// API: HTTP слой.
type API struct {
	Deps
	router     chi.Router
	rateBurst  int
	ratePerSec int
}

func New(deps Deps) *API {
	if deps.Insights == nil {
		deps.Insights = insights.Mock{}
	}
	a := &API{Deps: deps, rateBurst: 20, ratePerSec: 10}
	a.router = a.routes()
	return a
}

func (a *API) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(RequestID, middleware.Recoverer, LoggingJSON, SecurityHeaders, CORS)

	r.Get("/healthz", a.Healthz)
	r.Get("/readyz", a.Ready)
	r.Get("/v1/info", a.Info)
	r.Handle("/metrics", obs.Handler())
	// the CRM redirects the browser here without our bearer token; state guards it
	r.Get("/v1/crm/oauth/callback", a.oauthCallback)

	r.Group(func(p chi.Router) {
		p.Use(a.withAuth, func(next http.Handler) http.Handler {
			return RateLimit(next, a.rateBurst, a.ratePerSec)
		})

		p.Get("/v1/crm/connection", a.crmConnection)
		p.Group(func(admin chi.Router) {
			admin.Use(RequireRole(model.RoleAdmin))
			admin.Get("/v1/crm/oauth/start", a.oauthStart)
			admin.Post("/v1/crm/subaccounts/discover", a.discoverSubAccounts)
			admin.Post("/v1/clinics/{clinicID}/mapping", a.createMapping)
			admin.Delete("/v1/clinics/{clinicID}/mapping", a.deleteMapping)
			admin.Post("/v1/data-sync", a.queueSync)
			admin.Post("/v1/data-sync/process", a.processQueue)
			admin.Post("/v1/data-sync/{syncID}/rollback", a.rollbackSync)
		})
		p.Get("/v1/mappings/suggestions", a.suggestMappings)
		p.Get("/v1/mappings/{mappingID}/logs", a.syncLogs)
		p.Post("/v1/clinics/{clinicID}/sync", a.syncClinic)

		p.Get("/v1/data-sync/status", a.syncStatus)

		p.Post("/v1/users/recognize", a.recognizeUser)
		p.Get("/v1/users/{userID}/context", a.userContext)

		p.Post("/v1/insights", a.generateInsight)
		p.Get("/v1/changes", a.changes)
	})
	return r
}

// Handler returns the instrumented router.
func (a *API) Handler() http.Handler {
	return obs.Instrument(a.router)
}

// --- Handlers ---

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": "vetsync-api",
		"version": a.Version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	if err := a.Deps.Ready.Check(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
	})
}

func (a *API) Info(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":    "vetsync-api",
		"time":    time.Now().UTC().Format(time.RFC3339),
		"version": a.Version,
	})
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, code int, msg string) {
	payload := map[string]any{
		"error": msg,
	}
	if rid := RequestIDFromContext(r.Context()); rid != "" {
		payload["request_id"] = rid
	}
	writeJSON(w, code, payload)
}

// handleError maps domain errors onto HTTP statuses.
func handleError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		apiErr   *crm.APIError
		tokenErr *oauth2.RetrieveError
	)
	switch {
	case errors.Is(err, crm.ErrStateMismatch):
		writeError(w, r, http.StatusBadRequest, err.Error())
	case errors.Is(err, crm.ErrNotConfigured):
		writeError(w, r, http.StatusPreconditionFailed, err.Error())
	case errors.Is(err, syncengine.ErrNoMapping):
		writeError(w, r, http.StatusNotFound, err.Error())
	case errors.Is(err, model.ErrInvalidInput), errors.Is(err, queue.ErrInvalidPayload), errors.Is(err, queue.ErrUnknownEntityType):
		writeError(w, r, http.StatusBadRequest, err.Error())
	case errors.Is(err, model.ErrNotFound):
		writeError(w, r, http.StatusNotFound, "not found")
	case errors.Is(err, model.ErrConflict):
		writeError(w, r, http.StatusConflict, err.Error())
	case errors.As(err, &apiErr), errors.As(err, &tokenErr):
		writeError(w, r, http.StatusBadGateway, "crm request failed")
	default:
		obs.Logger().Errorw("request failed", "path", r.URL.Path, "request_id", RequestIDFromContext(r.Context()), "error", err)
		writeError(w, r, http.StatusInternalServerError, "internal error")
	}
}

func parsePositiveInt(raw string, def, min, max int) (int, error) {
	if strings.TrimSpace(raw) == "" {
		return def, nil
	}
	val, err := strconv.Atoi(raw)
	if err != nil {
		return 0, errors.New("limit must be an integer")
	}
	if val < min || val > max {
		return 0, errors.New("limit must be between " + strconv.Itoa(min) + " and " + strconv.Itoa(max))
	}
	return val, nil
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	reader := http.MaxBytesReader(w, r.Body, 1<<20)
	defer reader.Close()
	dec := json.NewDecoder(reader)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is required")
		}
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("unexpected data after JSON body")
		}
		return err
	}
	return nil
}

// clinicInScope loads the clinic and hides clinics of other organizations.
func (a *API) clinicInScope(ctx context.Context, clinicID string) (model.Clinic, error) {
	c, err := a.Backend.Clinics().Get(ctx, clinicID)
	if err != nil {
		return model.Clinic{}, err
	}
	id, _ := auth.IdentityFromContext(ctx)
	if c.OrganizationID != id.OrgID {
		return model.Clinic{}, model.ErrNotFound
	}
	return c, nil
}

// entityInScope hides entities owned by other organizations.
func (a *API) entityInScope(ctx context.Context, entityType, entityID string) error {
	orgID, err := a.Queue.EntityOrganization(ctx, entityType, entityID)
	if err != nil {
		return err
	}
	id, _ := auth.IdentityFromContext(ctx)
	if orgID != id.OrgID {
		return model.ErrNotFound
	}
	return nil
}

// mappingInScope loads the mapping and hides mappings of other organizations' clinics.
func (a *API) mappingInScope(ctx context.Context, mappingID string) (model.Mapping, error) {
	m, err := a.Backend.Mappings().Get(ctx, mappingID)
	if err != nil {
		return model.Mapping{}, err
	}
	if _, err := a.clinicInScope(ctx, m.ClinicID); err != nil {
		return model.Mapping{}, err
	}
	return m, nil
}
