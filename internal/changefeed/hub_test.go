package changefeed

import (
	"context"
	"testing"
	"time"
)

func TestParseFilter(t *testing.T) {
	cases := map[string]Filter{
		"":                     {},
		"clinic_id=abc":        {Column: "clinic_id", Value: "abc"},
		"clinic_id=eq.abc":     {Column: "clinic_id", Value: "abc"},
		" status = eq.pending": {Column: "status", Value: "pending"},
	}
	for input, want := range cases {
		got, err := ParseFilter(input)
		if err != nil {
			t.Fatalf("ParseFilter(%q): %v", input, err)
		}
		if got != want {
			t.Fatalf("ParseFilter(%q)=%+v, want %+v", input, got, want)
		}
	}
	if _, err := ParseFilter("=oops"); err == nil {
		t.Fatal("expected error for missing column")
	}
}

func TestHubDeliversMatchingEvents(t *testing.T) {
	hub := NewHub(4)
	defer hub.Close()

	clinicSub, err := hub.Subscribe("clients", Filter{Column: "clinic_id", Value: "c1"})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	allSub, err := hub.Subscribe("clients", Filter{})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	hub.Publish(Event{Table: "clients", Op: OpInsert, RowID: "r1", Columns: map[string]string{"clinic_id": "c2"}})
	hub.Publish(Event{Table: "clients", Op: OpUpdate, RowID: "r2", Columns: map[string]string{"clinic_id": "c1"}})
	hub.Publish(Event{Table: "unified_users", Op: OpUpdate, RowID: "u1"})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	e, ok := Wait(ctx, clinicSub)
	if !ok || e.RowID != "r2" {
		t.Fatalf("expected r2 for filtered subscriber, got %+v ok=%v", e, ok)
	}
	select {
	case extra := <-clinicSub.C:
		t.Fatalf("unexpected extra event %+v", extra)
	default:
	}

	first, _ := Wait(ctx, allSub)
	second, _ := Wait(ctx, allSub)
	if first.RowID != "r1" || second.RowID != "r2" {
		t.Fatalf("unexpected events for unfiltered subscriber: %v, %v", first.RowID, second.RowID)
	}
}

func TestHubUnsubscribeClosesChannel(t *testing.T) {
	hub := NewHub(1)
	sub, _ := hub.Subscribe("clients", Filter{})
	hub.Unsubscribe(sub)
	hub.Unsubscribe(sub)
	if _, ok := <-sub.C; ok {
		t.Fatal("expected closed channel")
	}
	hub.Close()
	if _, err := hub.Subscribe("clients", Filter{}); err != ErrClosed {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

func TestHubPublishDoesNotBlockSlowSubscriber(t *testing.T) {
	hub := NewHub(1)
	defer hub.Close()
	sub, _ := hub.Subscribe("clients", Filter{})
	for i := 0; i < 10; i++ {
		hub.Publish(Event{Table: "clients", RowID: "r"})
	}
	if len(sub.C) != 1 {
		t.Fatalf("expected one buffered signal, got %d", len(sub.C))
	}
}
