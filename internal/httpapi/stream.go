package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"vetsync.org/internal/auth"
	"vetsync.org/internal/changefeed"
	"vetsync.org/internal/model"
	"vetsync.org/internal/obs"
	"vetsync.org/internal/store"
)

// streamScope says how a subscription to a table is confined to the caller.
type streamScope int

const (
	scopeOrganization streamScope = iota // organization_id, defaulting to the caller's
	scopeClinic                          // clinic_id of a clinic in the caller's organization
	scopeMapping                         // mapping_id of a mapping in scope
	scopeAdmin                           // shared CRM state, admins only
)

var streamTables = map[string]streamScope{
	store.TableCredentials:  scopeAdmin,
	store.TableSubAccounts:  scopeAdmin,
	store.TableMappings:     scopeClinic,
	store.TableClients:      scopeClinic,
	store.TableSyncLogs:     scopeMapping,
	store.TableClinics:      scopeOrganization,
	store.TableUsers:        scopeOrganization,
	store.TableGrants:       scopeOrganization,
	store.TableAppointments: scopeClinic,
}

var (
	errFilterRequired = errors.New("filter must scope the table to the caller's organization")
	errForbidden      = errors.New("forbidden")
)

// scopeFilter confines filter to rows the caller may see. It fails with
// errFilterRequired when the filter is missing or on the wrong column and
// with model.ErrNotFound when it names another organization's rows.
func (a *API) scopeFilter(ctx context.Context, scope streamScope, filter changefeed.Filter) (changefeed.Filter, error) {
	id, _ := auth.IdentityFromContext(ctx)
	switch scope {
	case scopeAdmin:
		if !auth.HasRole(ctx, model.RoleAdmin) {
			return changefeed.Filter{}, errForbidden
		}
		return filter, nil
	case scopeOrganization:
		if filter.Column == "" {
			return changefeed.Filter{Column: "organization_id", Value: id.OrgID}, nil
		}
		if filter.Column != "organization_id" {
			return changefeed.Filter{}, errFilterRequired
		}
		if filter.Value != id.OrgID {
			return changefeed.Filter{}, model.ErrNotFound
		}
		return filter, nil
	case scopeClinic:
		if filter.Column != "clinic_id" {
			return changefeed.Filter{}, errFilterRequired
		}
		_, err := a.clinicInScope(ctx, filter.Value)
		return filter, err
	case scopeMapping:
		if filter.Column != "mapping_id" {
			return changefeed.Filter{}, errFilterRequired
		}
		_, err := a.mappingInScope(ctx, filter.Value)
		return filter, err
	}
	return changefeed.Filter{}, errFilterRequired
}

// changes streams change notifications for one table over a websocket.
// Each message is a "re-fetch" signal, not an ordered delta.
func (a *API) changes(w http.ResponseWriter, r *http.Request) {
	if a.Changes == nil {
		writeError(w, r, http.StatusServiceUnavailable, "change stream disabled")
		return
	}
	table := strings.TrimSpace(r.URL.Query().Get("table"))
	scope, ok := streamTables[table]
	if !ok {
		writeError(w, r, http.StatusBadRequest, "unknown table")
		return
	}
	filter, err := changefeed.ParseFilter(r.URL.Query().Get("filter"))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	filter, err = a.scopeFilter(r.Context(), scope, filter)
	switch {
	case errors.Is(err, errFilterRequired):
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	case errors.Is(err, errForbidden):
		writeError(w, r, http.StatusForbidden, "forbidden")
		return
	case err != nil:
		handleError(w, r, err)
		return
	}
	sub, err := a.Changes.Subscribe(table, filter)
	if err != nil {
		writeError(w, r, http.StatusServiceUnavailable, err.Error())
		return
	}
	defer a.Changes.Unsubscribe(sub)

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"localhost:*", "127.0.0.1:*"},
	})
	if err != nil {
		return
	}
	defer conn.CloseNow()

	// CloseRead cancels ctx once the peer goes away.
	ctx := conn.CloseRead(r.Context())
	log := obs.Logger().With("table", table, "request_id", RequestIDFromContext(r.Context()))
	for {
		ev, ok := changefeed.Wait(ctx, sub)
		if !ok {
			conn.Close(websocket.StatusNormalClosure, "")
			return
		}
		wctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := wsjson.Write(wctx, conn, ev)
		cancel()
		if err != nil {
			log.Debugw("change stream closed", "error", err)
			return
		}
	}
}
