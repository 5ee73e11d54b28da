package model

import (
	"testing"
	"time"
)

func TestEmailDomain(t *testing.T) {
	cases := map[string]string{
		"Alice@HappyPaws.com ": "happypaws.com",
		"bob@vet.example.org":  "vet.example.org",
		"no-at-sign":           "",
		"@missing-local.com":   "",
		"trailing@":            "",
	}
	for input, want := range cases {
		if got := EmailDomain(input); got != want {
			t.Fatalf("EmailDomain(%q)=%q, want %q", input, got, want)
		}
	}
}

func TestCredentialExpired(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	if !(Credential{ExpiresAt: now}).Expired(now) {
		t.Fatal("expected credential expiring at now to be expired")
	}
	if (Credential{ExpiresAt: now.Add(time.Second)}).Expired(now) {
		t.Fatal("expected future credential to be valid")
	}
}

func TestSyncStatusTerminal(t *testing.T) {
	if StatusPending.Terminal() || StatusInProgress.Terminal() {
		t.Fatal("pending/in_progress must not be terminal")
	}
	if !StatusSuccess.Terminal() || !StatusFailed.Terminal() {
		t.Fatal("success/failed must be terminal")
	}
}
