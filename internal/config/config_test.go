package config

import (
	"testing"
	"time"
)

func TestFromEnvDefaults(t *testing.T) {
	for _, name := range []string{"VETSYNC_HTTP_ADDR", "GHL_MAX_RETRIES", "GHL_REQUEST_DELAY", "VETSYNC_QUEUE_BATCH", "GHL_CLIENT_ID"} {
		t.Setenv(name, "")
	}
	cfg := FromEnv()
	if cfg.HTTPAddr != ":8080" {
		t.Fatalf("addr = %q", cfg.HTTPAddr)
	}
	if cfg.CRM.MaxRetries != 3 || cfg.CRM.RequestDelay != 100*time.Millisecond {
		t.Fatalf("crm defaults = %+v", cfg.CRM)
	}
	if cfg.QueueBatch != 10 {
		t.Fatalf("queue batch = %d", cfg.QueueBatch)
	}
	if cfg.CRM.ClientID != "" {
		t.Fatalf("unexpected client id %q", cfg.CRM.ClientID)
	}
}

func TestFromEnvOverrides(t *testing.T) {
	t.Setenv("VETSYNC_HTTP_ADDR", ":9090")
	t.Setenv("GHL_CLIENT_ID", "cid")
	t.Setenv("GHL_MAX_RETRIES", "5")
	t.Setenv("GHL_RATE_LIMIT_PAUSE", "2s")
	t.Setenv("VETSYNC_WORKER_INTERVAL", "1m")

	cfg := FromEnv()
	if cfg.HTTPAddr != ":9090" || cfg.CRM.ClientID != "cid" {
		t.Fatalf("cfg = %+v", cfg)
	}
	if cfg.CRM.MaxRetries != 5 || cfg.CRM.RateLimitPause != 2*time.Second {
		t.Fatalf("crm = %+v", cfg.CRM)
	}
	if cfg.WorkerInterval != time.Minute {
		t.Fatalf("interval = %s", cfg.WorkerInterval)
	}
}

func TestInvalidValuesFallBack(t *testing.T) {
	t.Setenv("GHL_MAX_RETRIES", "many")
	t.Setenv("GHL_REQUEST_DELAY", "soon")
	t.Setenv("VETSYNC_QUEUE_BATCH", "-4")

	cfg := FromEnv()
	if cfg.CRM.MaxRetries != 3 {
		t.Fatalf("retries = %d", cfg.CRM.MaxRetries)
	}
	if cfg.CRM.RequestDelay != 100*time.Millisecond {
		t.Fatalf("delay = %s", cfg.CRM.RequestDelay)
	}
	if cfg.QueueBatch != 10 {
		t.Fatalf("batch = %d", cfg.QueueBatch)
	}
}
