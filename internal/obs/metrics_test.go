package obs

import "testing"

func TestCanonicalPath(t *testing.T) {
	cases := map[string]string{
		"":                               "/",
		"/metrics":                       "/metrics",
		"/v1/clinics/01HX/sync":          "/v1/clinics/:id/sync",
		"/v1/clinics/01HX/mapping":       "/v1/clinics/:id/mapping",
		"/v1/mappings/suggestions":       "/v1/mappings/suggestions",
		"/v1/mappings/abc/logs?limit=10": "/v1/mappings/:id/logs",
		"/v1/data-sync/status":           "/v1/data-sync/status",
		"/v1/data-sync/01HY/rollback":    "/v1/data-sync/:id/rollback",
		"/v1/users/recognize":            "/v1/users/recognize",
		"/v1/users/u1/context":           "/v1/users/:id/context",
		"/v1/crm/subaccounts/discover":   "/v1/crm/subaccounts/discover",
	}
	for input, expected := range cases {
		if got := CanonicalPath(input); got != expected {
			t.Fatalf("CanonicalPath(%q)=%q, want %q", input, got, expected)
		}
	}
}
