package httpapi

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"vetsync.org/internal/auth"
)

func TestRequireRoleAllowsMatchingRole(t *testing.T) {
	handler := RequireRole("admin")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/internal", nil)
	req = req.WithContext(auth.ContextWithIdentity(req.Context(), auth.Identity{UserID: "user-1", OrgID: "org-1", Roles: []string{"admin"}}))

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
}

func TestRequireRoleRejectsMissingRole(t *testing.T) {
	handler := RequireRole("admin")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/internal", nil)
	req = req.WithContext(auth.ContextWithIdentity(req.Context(), auth.Identity{UserID: "user-1", OrgID: "org-1", Roles: []string{"staff"}}))

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rr.Code)
	}
	if got := rr.Header().Get("WWW-Authenticate"); got == "" {
		t.Fatalf("expected WWW-Authenticate header set")
	}
}

func TestRequireRoleRejectsMissingUser(t *testing.T) {
	handler := RequireRole("admin")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/internal", nil)
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rr.Code)
	}
	if got := rr.Header().Get("WWW-Authenticate"); got == "" {
		t.Fatalf("expected WWW-Authenticate header set")
	}
}

func TestWithAuth(t *testing.T) {
	signer, err := auth.NewSigner("test-secret", "")
	if err != nil {
		t.Fatal(err)
	}
	a := &API{Deps: Deps{Signer: signer}}
	var got auth.Identity
	handler := a.withAuth(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got, _ = auth.IdentityFromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	good, err := signer.GenerateToken("user-1", "org-1", []string{"Admin"}, time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	noOrg, err := signer.GenerateToken("user-1", "", nil, time.Hour)
	if err != nil {
		t.Fatal(err)
	}

	cases := []struct {
		name   string
		path   string
		header string
		want   int
	}{
		{"missing", "/v1/data-sync", "", http.StatusUnauthorized},
		{"scheme", "/v1/data-sync", "Basic abc", http.StatusUnauthorized},
		{"garbage", "/v1/data-sync", "Bearer nope", http.StatusUnauthorized},
		{"no org", "/v1/data-sync", "Bearer " + noOrg, http.StatusForbidden},
		{"valid", "/v1/data-sync", "Bearer " + good, http.StatusOK},
		{"query token on stream", "/v1/changes?access_token=" + good, "", http.StatusOK},
		{"query token elsewhere", "/v1/data-sync?access_token=" + good, "", http.StatusUnauthorized},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tc.path, nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			rr := httptest.NewRecorder()
			handler.ServeHTTP(rr, req)
			if rr.Code != tc.want {
				t.Fatalf("expected %d, got %d", tc.want, rr.Code)
			}
		})
	}
	if got.UserID != "user-1" || got.OrgID != "org-1" {
		t.Fatalf("identity = %+v", got)
	}
	if len(got.Roles) != 1 || got.Roles[0] != "admin" {
		t.Fatalf("roles = %v", got.Roles)
	}
}
