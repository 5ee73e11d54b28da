package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"vetsync.org/internal/auth"
	"vetsync.org/internal/changefeed"
	"vetsync.org/internal/crm"
	"vetsync.org/internal/insights"
	"vetsync.org/internal/model"
	"vetsync.org/internal/queue"
	"vetsync.org/internal/resolver"
	"vetsync.org/internal/store/memory"
	"vetsync.org/internal/syncengine"
)

type fakeCRM struct {
	mu          sync.Mutex
	contacts    []crm.Contact
	created     int
	networkHits int
	authURL     string
	authErr     error
	exchangeErr error
}

func (f *fakeCRM) InitiateOAuth(context.Context) (string, error) {
	return f.authURL, f.authErr
}

func (f *fakeCRM) ExchangeCodeForToken(_ context.Context, code, state string) (model.Credential, error) {
	if f.exchangeErr != nil {
		return model.Credential{}, f.exchangeErr
	}
	return model.Credential{LocationID: "loc-1"}, nil
}

func (f *fakeCRM) TestConnection(context.Context) crm.ConnectionStatus {
	return crm.ConnectionStatus{OK: true}
}

func (f *fakeCRM) DiscoverSubAccounts(context.Context) ([]model.SubAccount, error) {
	return []model.SubAccount{{ExternalLocationID: "loc-1", Name: "Downtown Vet Clinic"}}, nil
}

func (f *fakeCRM) GetLocationContacts(_ context.Context, _ string, limit int, startAfter string) ([]crm.Contact, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.networkHits++
	if startAfter != "" {
		return nil, nil
	}
	return f.contacts, nil
}

func (f *fakeCRM) CreateContact(_ context.Context, _ string, in crm.ContactInput) (crm.Contact, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.networkHits++
	f.created++
	return crm.Contact{ID: "remote-" + in.Email}, nil
}

func (f *fakeCRM) UpdateContact(_ context.Context, _, id string, _ crm.ContactInput) (crm.Contact, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.networkHits++
	return crm.Contact{ID: id}, nil
}

type testEnv struct {
	t      *testing.T
	srv    *httptest.Server
	st     *memory.Store
	hub    *changefeed.Hub
	crm    *fakeCRM
	signer *auth.Signer
	org    model.Organization
	clinic model.Clinic
	admin  string
	staff  string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	ctx := context.Background()
	hub := changefeed.NewHub(16)
	t.Cleanup(hub.Close)
	st := memory.New(memory.WithHub(hub))
	fake := &fakeCRM{authURL: "https://crm.example/authorize?state=s1"}
	signer, err := auth.NewSigner("test-secret", "")
	if err != nil {
		t.Fatal(err)
	}
	q, err := queue.New(st)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(q.Wait)

	api := New(Deps{
		Backend:  st,
		CRM:      fake,
		Engine:   syncengine.New(st, fake, syncengine.Options{Pause: -1}),
		Queue:    q,
		Resolver: resolver.New(st),
		Insights: insights.New("", ""),
		Changes:  hub,
		Signer:   signer,
		Version:  "test",
	})
	srv := httptest.NewServer(api.Handler())
	t.Cleanup(srv.Close)

	org, err := st.Organizations().Create(ctx, model.Organization{Name: "Acme", Domain: "acme.vet"})
	if err != nil {
		t.Fatal(err)
	}
	clinic, err := st.Clinics().Create(ctx, model.Clinic{OrganizationID: org.ID, Name: "Downtown Veterinary Clinic"})
	if err != nil {
		t.Fatal(err)
	}
	admin, _ := signer.GenerateToken("user-admin", org.ID, []string{model.RoleAdmin}, time.Hour)
	staff, _ := signer.GenerateToken("user-staff", org.ID, []string{model.RoleStaff}, time.Hour)
	return &testEnv{t: t, srv: srv, st: st, hub: hub, crm: fake, signer: signer, org: org, clinic: clinic, admin: admin, staff: staff}
}

func (e *testEnv) do(method, path, token string, body any) *http.Response {
	e.t.Helper()
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			e.t.Fatalf("marshal body: %v", err)
		}
	}
	req, err := http.NewRequest(method, e.srv.URL+path, bytes.NewReader(payload))
	if err != nil {
		e.t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	client := e.srv.Client()
	client.CheckRedirect = func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse }
	resp, err := client.Do(req)
	if err != nil {
		e.t.Fatalf("do request: %v", err)
	}
	e.t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decodeBody(t *testing.T, resp *http.Response, dst any) {
	t.Helper()
	if err := json.NewDecoder(resp.Body).Decode(dst); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

func expectStatus(t *testing.T, resp *http.Response, want int) {
	t.Helper()
	if resp.StatusCode != want {
		var body map[string]any
		_ = json.NewDecoder(resp.Body).Decode(&body)
		t.Fatalf("%s %s: expected %d, got %d (%v)", resp.Request.Method, resp.Request.URL.Path, want, resp.StatusCode, body)
	}
}

func (e *testEnv) mapClinic() model.Mapping {
	e.t.Helper()
	sa, err := e.st.SubAccounts().Upsert(context.Background(), model.SubAccount{ExternalLocationID: "loc-1", Name: "Downtown Vet Clinic", Active: true})
	if err != nil {
		e.t.Fatal(err)
	}
	resp := e.do(http.MethodPost, "/v1/clinics/"+e.clinic.ID+"/mapping", e.admin, map[string]string{"sub_account_id": sa.ID})
	expectStatus(e.t, resp, http.StatusCreated)
	var m model.Mapping
	decodeBody(e.t, resp, &m)
	return m
}

func TestHealthAndReadyArePublic(t *testing.T) {
	env := newTestEnv(t)
	expectStatus(t, env.do(http.MethodGet, "/healthz", "", nil), http.StatusOK)
	expectStatus(t, env.do(http.MethodGet, "/readyz", "", nil), http.StatusOK)
	expectStatus(t, env.do(http.MethodGet, "/metrics", "", nil), http.StatusOK)
	expectStatus(t, env.do(http.MethodGet, "/v1/crm/connection", "", nil), http.StatusUnauthorized)
}

func TestOAuthStartRedirectsAndRequiresAdmin(t *testing.T) {
	env := newTestEnv(t)
	resp := env.do(http.MethodGet, "/v1/crm/oauth/start", env.admin, nil)
	expectStatus(t, resp, http.StatusFound)
	if loc := resp.Header.Get("Location"); loc != env.crm.authURL {
		t.Fatalf("unexpected location %q", loc)
	}
	expectStatus(t, env.do(http.MethodGet, "/v1/crm/oauth/start", env.staff, nil), http.StatusForbidden)

	env.crm.authErr = crm.ErrNotConfigured
	expectStatus(t, env.do(http.MethodGet, "/v1/crm/oauth/start", env.admin, nil), http.StatusPreconditionFailed)
}

func TestOAuthCallbackStateMismatchIsBadRequest(t *testing.T) {
	env := newTestEnv(t)
	env.crm.exchangeErr = crm.ErrStateMismatch
	resp := env.do(http.MethodGet, "/v1/crm/oauth/callback?code=c&state=forged", "", nil)
	expectStatus(t, resp, http.StatusBadRequest)
	var body map[string]any
	decodeBody(t, resp, &body)
	if !strings.Contains(body["error"].(string), "CSRF") {
		t.Fatalf("expected CSRF message, got %v", body["error"])
	}
}

func TestSyncClinicEndToEnd(t *testing.T) {
	env := newTestEnv(t)

	resp := env.do(http.MethodPost, "/v1/clinics/"+env.clinic.ID+"/sync", env.staff, map[string]string{"direction": "both"})
	expectStatus(t, resp, http.StatusNotFound)
	var body map[string]any
	decodeBody(t, resp, &body)
	if body["error"] != "No GHL mapping found for this clinic" {
		t.Fatalf("unexpected error %v", body["error"])
	}
	if env.crm.networkHits != 0 {
		t.Fatalf("expected no CRM calls, got %d", env.crm.networkHits)
	}

	m := env.mapClinic()
	env.crm.contacts = []crm.Contact{
		{ID: "c1", FirstName: "Ann", Email: "ann@example.com"},
		{ID: "c2", FirstName: "Ben", Email: "ben@example.com"},
		{ID: "c3", FirstName: "Cat", Email: "cat@example.com"},
	}
	for _, email := range []string{"dan@example.com", "eve@example.com"} {
		if _, err := env.st.Clients().Create(context.Background(), model.Client{ClinicID: env.clinic.ID, Email: email}); err != nil {
			t.Fatal(err)
		}
	}

	resp = env.do(http.MethodPost, "/v1/clinics/"+env.clinic.ID+"/sync", env.staff, map[string]string{"direction": "both"})
	expectStatus(t, resp, http.StatusOK)
	var res syncengine.Result
	decodeBody(t, resp, &res)
	if res.Imported != 3 || res.Exported != 2 || res.Updated != 0 || len(res.Errors) != 0 {
		t.Fatalf("unexpected result %+v", res)
	}

	resp = env.do(http.MethodGet, "/v1/mappings/"+m.ID+"/logs?limit=5", env.staff, nil)
	expectStatus(t, resp, http.StatusOK)
	var logs struct {
		Logs []model.SyncLogEntry `json:"logs"`
	}
	decodeBody(t, resp, &logs)
	if len(logs.Logs) != 1 || logs.Logs[0].Status != model.StatusSuccess {
		t.Fatalf("unexpected logs %+v", logs.Logs)
	}

	expectStatus(t, env.do(http.MethodPost, "/v1/clinics/"+env.clinic.ID+"/sync", env.staff, map[string]string{"direction": "sideways"}), http.StatusBadRequest)
}

func TestClinicsOfOtherOrganizationsAreHidden(t *testing.T) {
	env := newTestEnv(t)
	other, err := env.signer.GenerateToken("intruder", "org-other", []string{model.RoleAdmin}, time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	expectStatus(t, env.do(http.MethodPost, "/v1/clinics/"+env.clinic.ID+"/sync", other, nil), http.StatusNotFound)
	expectStatus(t, env.do(http.MethodDelete, "/v1/clinics/"+env.clinic.ID+"/mapping", other, nil), http.StatusNotFound)
}

func TestMappingLifecycle(t *testing.T) {
	env := newTestEnv(t)
	env.mapClinic()
	expectStatus(t, env.do(http.MethodDelete, "/v1/clinics/"+env.clinic.ID+"/mapping", env.staff, nil), http.StatusForbidden)
	expectStatus(t, env.do(http.MethodDelete, "/v1/clinics/"+env.clinic.ID+"/mapping", env.admin, nil), http.StatusNoContent)
	expectStatus(t, env.do(http.MethodDelete, "/v1/clinics/"+env.clinic.ID+"/mapping", env.admin, nil), http.StatusNotFound)
	expectStatus(t, env.do(http.MethodPost, "/v1/clinics/"+env.clinic.ID+"/mapping", env.admin, map[string]string{"sub_account_id": "missing"}), http.StatusNotFound)

	resp := env.do(http.MethodGet, "/v1/mappings/suggestions", env.staff, nil)
	expectStatus(t, resp, http.StatusOK)
	var body struct {
		Suggestions []syncengine.Suggestion `json:"suggestions"`
	}
	decodeBody(t, resp, &body)
	if len(body.Suggestions) != 1 || body.Suggestions[0].ClinicID != env.clinic.ID {
		t.Fatalf("unexpected suggestions %+v", body.Suggestions)
	}
}

func TestDataSyncFlow(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	client, err := env.st.Clients().Create(ctx, model.Client{ClinicID: env.clinic.ID, FirstName: "Old", Email: "o@example.com"})
	if err != nil {
		t.Fatal(err)
	}

	resp := env.do(http.MethodPost, "/v1/data-sync", env.admin, map[string]any{
		"source_product": model.ProductClientPortal,
		"target_product": model.ProductAppointments,
		"entity_type":    "client",
		"entity_id":      client.ID,
		"sync_data":      map[string]string{"first_name": "New"},
	})
	expectStatus(t, resp, http.StatusAccepted)
	var item model.DataSyncItem
	decodeBody(t, resp, &item)

	deadline := time.Now().Add(2 * time.Second)
	for {
		got, err := env.st.DataSync().Get(ctx, item.ID)
		if err != nil {
			t.Fatal(err)
		}
		if got.Status.Terminal() {
			if got.Status != model.StatusSuccess {
				t.Fatalf("item failed: %s", got.ErrorMessage)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("item never processed")
		}
		resp := env.do(http.MethodPost, "/v1/data-sync/process", env.admin, nil)
		expectStatus(t, resp, http.StatusOK)
		time.Sleep(10 * time.Millisecond)
	}

	resp = env.do(http.MethodPost, "/v1/data-sync/"+item.ID+"/rollback", env.admin, nil)
	expectStatus(t, resp, http.StatusAccepted)
	expectStatus(t, env.do(http.MethodPost, "/v1/data-sync/missing/rollback", env.admin, nil), http.StatusNotFound)

	params := url.Values{"entity_type": {"client"}, "entity_id": {client.ID}}
	resp = env.do(http.MethodGet, "/v1/data-sync/status?"+params.Encode(), env.staff, nil)
	expectStatus(t, resp, http.StatusOK)
	var status struct {
		Items []model.DataSyncItem `json:"items"`
	}
	decodeBody(t, resp, &status)
	if len(status.Items) != 2 {
		t.Fatalf("expected 2 history items, got %d", len(status.Items))
	}
	expectStatus(t, env.do(http.MethodGet, "/v1/data-sync/status", env.staff, nil), http.StatusBadRequest)
	expectStatus(t, env.do(http.MethodPost, "/v1/data-sync", env.admin, map[string]any{
		"source_product": "Billing", "target_product": model.ProductAppointments, "entity_type": "client", "entity_id": client.ID,
	}), http.StatusBadRequest)
}

// rival seeds a second organization and returns an admin token for it.
func (e *testEnv) rival() (model.Organization, string) {
	e.t.Helper()
	org, err := e.st.Organizations().Create(context.Background(), model.Organization{Name: "Rival", Domain: "rival.vet"})
	if err != nil {
		e.t.Fatal(err)
	}
	token, err := e.signer.GenerateToken("rival-admin", org.ID, []string{model.RoleAdmin}, time.Hour)
	if err != nil {
		e.t.Fatal(err)
	}
	return org, token
}

func TestDataSyncIsConfinedToTheCallersOrganization(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	victim, err := env.st.Users().Create(ctx, model.User{Email: "jo@acme.vet", OrganizationID: env.org.ID, PrimaryRole: model.RoleStaff})
	if err != nil {
		t.Fatal(err)
	}
	_, rival := env.rival()
	patch := map[string]any{
		"source_product": model.ProductClientPortal,
		"target_product": model.ProductAppointments,
		"entity_type":    "user",
		"entity_id":      victim.ID,
		"sync_data":      map[string]string{"primary_role": model.RoleAdmin},
	}

	expectStatus(t, env.do(http.MethodPost, "/v1/data-sync", rival, patch), http.StatusNotFound)
	expectStatus(t, env.do(http.MethodPost, "/v1/data-sync", env.staff, patch), http.StatusForbidden)
	expectStatus(t, env.do(http.MethodPost, "/v1/data-sync/process", env.staff, nil), http.StatusForbidden)
	items, err := env.st.DataSync().ListByEntity(ctx, "user", victim.ID, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(items) != 0 {
		t.Fatalf("expected nothing queued, got %d items", len(items))
	}
	got, err := env.st.Users().Get(ctx, victim.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.PrimaryRole != model.RoleStaff {
		t.Fatalf("role changed to %q", got.PrimaryRole)
	}

	patch["sync_data"] = map[string]string{"primary_role": model.RoleStaff}
	resp := env.do(http.MethodPost, "/v1/data-sync", env.admin, patch)
	expectStatus(t, resp, http.StatusAccepted)
	var item model.DataSyncItem
	decodeBody(t, resp, &item)

	expectStatus(t, env.do(http.MethodPost, "/v1/data-sync/"+item.ID+"/rollback", env.staff, nil), http.StatusForbidden)
	expectStatus(t, env.do(http.MethodPost, "/v1/data-sync/"+item.ID+"/rollback", rival, nil), http.StatusNotFound)
	params := url.Values{"entity_type": {"user"}, "entity_id": {victim.ID}}
	expectStatus(t, env.do(http.MethodGet, "/v1/data-sync/status?"+params.Encode(), rival, nil), http.StatusNotFound)
	expectStatus(t, env.do(http.MethodGet, "/v1/data-sync/status?"+params.Encode(), env.staff, nil), http.StatusOK)
	params.Set("entity_type", "invoice")
	expectStatus(t, env.do(http.MethodGet, "/v1/data-sync/status?"+params.Encode(), env.staff, nil), http.StatusBadRequest)
}

func TestSyncLogsOfOtherOrganizationsAreHidden(t *testing.T) {
	env := newTestEnv(t)
	m := env.mapClinic()
	_, rival := env.rival()
	expectStatus(t, env.do(http.MethodGet, "/v1/mappings/"+m.ID+"/logs", rival, nil), http.StatusNotFound)
	expectStatus(t, env.do(http.MethodGet, "/v1/mappings/missing/logs", env.staff, nil), http.StatusNotFound)
	expectStatus(t, env.do(http.MethodGet, "/v1/mappings/"+m.ID+"/logs", env.staff, nil), http.StatusOK)
}

func TestRecognizeCannotReachAnotherOrganization(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	rivalOrg, rival := env.rival()
	victim, err := env.st.Users().Create(ctx, model.User{Email: "boss@rival.vet", OrganizationID: rivalOrg.ID, PrimaryRole: model.RoleAdmin, ExternalAuthID: "rival-admin"})
	if err != nil {
		t.Fatal(err)
	}

	// known user and unclaimed address of a domain another organization owns
	expectStatus(t, env.do(http.MethodPost, "/v1/users/recognize", env.staff, map[string]string{"email": "boss@rival.vet"}), http.StatusNotFound)
	expectStatus(t, env.do(http.MethodPost, "/v1/users/recognize", env.staff, map[string]string{"email": "newhire@rival.vet"}), http.StatusNotFound)
	got, err := env.st.Users().Get(ctx, victim.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.ExternalAuthID != "rival-admin" {
		t.Fatalf("link changed to %q", got.ExternalAuthID)
	}
	if _, err := env.st.Users().FindByEmail(ctx, "newhire@rival.vet"); err == nil {
		t.Fatal("user created in another organization")
	}

	// same organization, but the user is linked to someone else
	teammate, err := env.st.Users().Create(ctx, model.User{Email: "vet@rival.vet", OrganizationID: rivalOrg.ID, PrimaryRole: model.RoleStaff, ExternalAuthID: "vet-auth"})
	if err != nil {
		t.Fatal(err)
	}
	expectStatus(t, env.do(http.MethodPost, "/v1/users/recognize", rival, map[string]string{"email": teammate.Email}), http.StatusConflict)
	expectStatus(t, env.do(http.MethodPost, "/v1/users/recognize", rival, map[string]string{"email": victim.Email}), http.StatusOK)
}

func TestRecognizeAndLoadContext(t *testing.T) {
	env := newTestEnv(t)
	resp := env.do(http.MethodPost, "/v1/users/recognize", env.staff, map[string]string{"email": "new@acme.vet"})
	expectStatus(t, resp, http.StatusOK)
	var uc resolver.UserContext
	decodeBody(t, resp, &uc)
	if uc.Organization.ID != env.org.ID || uc.User.PrimaryRole != model.RoleStaff || !uc.HasRoomAccess {
		t.Fatalf("unexpected context %+v", uc)
	}
	if uc.User.ExternalAuthID != "user-staff" {
		t.Fatalf("expected link to the token subject, got %q", uc.User.ExternalAuthID)
	}
	expectStatus(t, env.do(http.MethodPost, "/v1/users/recognize", env.staff, map[string]string{"email": "new@acme.vet", "external_auth_id": "ext-1"}), http.StatusBadRequest)

	expectStatus(t, env.do(http.MethodGet, "/v1/users/"+uc.User.ID+"/context", env.staff, nil), http.StatusOK)
	other, _ := env.signer.GenerateToken("intruder", "org-other", nil, time.Hour)
	expectStatus(t, env.do(http.MethodGet, "/v1/users/"+uc.User.ID+"/context", other, nil), http.StatusNotFound)
	expectStatus(t, env.do(http.MethodPost, "/v1/users/recognize", env.staff, map[string]string{"email": "broken"}), http.StatusBadRequest)
}

func TestInsightsUsesMockByDefault(t *testing.T) {
	env := newTestEnv(t)
	resp := env.do(http.MethodPost, "/v1/insights", env.staff, map[string]any{"topic": "contact_sync", "metrics": map[string]float64{"imported": 3}})
	expectStatus(t, resp, http.StatusOK)
	var out map[string]any
	decodeBody(t, resp, &out)
	if out["source"] != "mock" {
		t.Fatalf("unexpected source %v", out["source"])
	}
	expectStatus(t, env.do(http.MethodPost, "/v1/insights", env.staff, map[string]any{}), http.StatusBadRequest)
}

func TestChangeStream(t *testing.T) {
	env := newTestEnv(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	expectStatus(t, env.do(http.MethodGet, "/v1/changes?table=nope", env.staff, nil), http.StatusBadRequest)

	wsURL := "ws" + strings.TrimPrefix(env.srv.URL, "http") + "/v1/changes?" + url.Values{
		"table":        {"clients"},
		"filter":       {"clinic_id=eq." + env.clinic.ID},
		"access_token": {env.staff},
	}.Encode()
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.CloseNow()

	// the subscription is registered before the upgrade completes
	created, err := env.st.Clients().Create(ctx, model.Client{ClinicID: env.clinic.ID, Email: "ws@example.com"})
	if err != nil {
		t.Fatal(err)
	}
	var ev changefeed.Event
	if err := wsjson.Read(ctx, conn, &ev); err != nil {
		t.Fatalf("read: %v", err)
	}
	if ev.Table != "clients" || ev.RowID != created.ID || ev.Op != changefeed.OpInsert {
		t.Fatalf("unexpected event %+v", ev)
	}
}

func TestChangeStreamIsConfinedToTheCallersOrganization(t *testing.T) {
	env := newTestEnv(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	rivalOrg, rival := env.rival()
	m := env.mapClinic()

	changes := func(token string, q url.Values) *http.Response {
		q.Set("access_token", token)
		return env.do(http.MethodGet, "/v1/changes?"+q.Encode(), "", nil)
	}
	expectStatus(t, changes(env.staff, url.Values{"table": {"clients"}}), http.StatusBadRequest)
	expectStatus(t, changes(env.staff, url.Values{"table": {"clients"}, "filter": {"email=a@b.c"}}), http.StatusBadRequest)
	expectStatus(t, changes(rival, url.Values{"table": {"clients"}, "filter": {"clinic_id=eq." + env.clinic.ID}}), http.StatusNotFound)
	expectStatus(t, changes(rival, url.Values{"table": {"ghl_sync_logs"}, "filter": {"mapping_id=" + m.ID}}), http.StatusNotFound)
	expectStatus(t, changes(rival, url.Values{"table": {"unified_users"}, "filter": {"organization_id=" + env.org.ID}}), http.StatusNotFound)
	expectStatus(t, changes(env.staff, url.Values{"table": {"unified_users"}, "filter": {"id=x"}}), http.StatusBadRequest)
	expectStatus(t, changes(env.staff, url.Values{"table": {"ghl_credentials"}}), http.StatusForbidden)
	expectStatus(t, changes(env.admin, url.Values{"table": {"organizations"}}), http.StatusBadRequest)
	expectStatus(t, changes(env.admin, url.Values{"table": {"data_sync_logs"}}), http.StatusBadRequest)

	// without a filter the users stream carries only the caller's organization
	wsURL := "ws" + strings.TrimPrefix(env.srv.URL, "http") + "/v1/changes?" + url.Values{
		"table":        {"unified_users"},
		"access_token": {env.staff},
	}.Encode()
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.CloseNow()

	if _, err := env.st.Users().Create(ctx, model.User{Email: "x@rival.vet", OrganizationID: rivalOrg.ID, PrimaryRole: model.RoleStaff}); err != nil {
		t.Fatal(err)
	}
	own, err := env.st.Users().Create(ctx, model.User{Email: "y@acme.vet", OrganizationID: env.org.ID, PrimaryRole: model.RoleStaff})
	if err != nil {
		t.Fatal(err)
	}
	var ev changefeed.Event
	if err := wsjson.Read(ctx, conn, &ev); err != nil {
		t.Fatalf("read: %v", err)
	}
	if ev.RowID != own.ID {
		t.Fatalf("expected only own organization's user, got %+v", ev)
	}
}
