package pglisten

import (
	"testing"
	"time"

	"vetsync.org/internal/changefeed"
)

func TestDecodeTriggerPayload(t *testing.T) {
	raw := `{"table":"data_sync_logs","op":"INSERT","row_id":"01HZX","columns":{"status":"pending","entity_type":"client"},"at":"2026-10-15T12:00:00.123456+00:00"}`
	ev, err := Decode(raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if ev.Table != "data_sync_logs" || ev.Op != changefeed.OpInsert || ev.RowID != "01HZX" {
		t.Fatalf("event = %+v", ev)
	}
	if ev.Columns["status"] != "pending" {
		t.Fatalf("columns = %v", ev.Columns)
	}
	want := time.Date(2026, 10, 15, 12, 0, 0, 123456000, time.UTC)
	if !ev.At.Equal(want) {
		t.Fatalf("at = %s", ev.At)
	}
}

func TestDecodeRejectsMalformed(t *testing.T) {
	cases := map[string]string{
		"not json":   `{`,
		"no table":   `{"op":"INSERT","row_id":"1"}`,
		"no row":     `{"table":"clients","op":"INSERT"}`,
		"unknown op": `{"table":"clients","op":"TRUNCATE","row_id":"1"}`,
	}
	for name, raw := range cases {
		if _, err := Decode(raw); err == nil {
			t.Errorf("%s: expected error", name)
		}
	}
}

func TestDecodedEventReachesFilteredSubscriber(t *testing.T) {
	hub := changefeed.NewHub(1)
	defer hub.Close()
	sub, err := hub.Subscribe("clients", changefeed.Filter{Column: "clinic_id", Value: "c1"})
	if err != nil {
		t.Fatal(err)
	}
	ev, err := Decode(`{"table":"clients","op":"UPDATE","row_id":"r1","columns":{"clinic_id":"c1"}}`)
	if err != nil {
		t.Fatal(err)
	}
	hub.Publish(ev)
	select {
	case got := <-sub.C:
		if got.RowID != "r1" {
			t.Fatalf("got %+v", got)
		}
	default:
		t.Fatal("expected event")
	}
}
