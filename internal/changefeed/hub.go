// Package changefeed delivers row-level change notifications by table and
// column filter. Events are "something changed, re-fetch" signals; they are
// not ordered deltas and may be dropped for slow subscribers.
package changefeed

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
)

// Op is the kind of row change.
type Op string

const (
	OpInsert Op = "INSERT"
	OpUpdate Op = "UPDATE"
	OpDelete Op = "DELETE"
)

// Event describes a changed row. Columns carries the filterable columns of the row.
type Event struct {
	Table   string            `json:"table"`
	Op      Op                `json:"op"`
	RowID   string            `json:"row_id"`
	Columns map[string]string `json:"columns,omitempty"`
	At      time.Time         `json:"at"`
}

// Filter restricts a subscription to rows whose Column equals Value.
// The zero Filter matches every row.
type Filter struct {
	Column string
	Value  string
}

// ParseFilter accepts "column=value" and "column=eq.value".
func ParseFilter(raw string) (Filter, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Filter{}, nil
	}
	col, val, ok := strings.Cut(raw, "=")
	col = strings.TrimSpace(col)
	if !ok || col == "" {
		return Filter{}, fmt.Errorf("invalid filter %q", raw)
	}
	val = strings.TrimPrefix(strings.TrimSpace(val), "eq.")
	return Filter{Column: col, Value: val}, nil
}

// Match reports whether the event passes the filter.
func (f Filter) Match(e Event) bool {
	if f.Column == "" {
		return true
	}
	if f.Column == "id" {
		return e.RowID == f.Value
	}
	return e.Columns[f.Column] == f.Value
}

// Broker is implemented by every change notification source.
type Broker interface {
	Subscribe(table string, filter Filter) (*Subscription, error)
	Unsubscribe(sub *Subscription)
}

// Subscription receives events on C until it is unsubscribed.
type Subscription struct {
	C <-chan Event

	id     int
	table  string
	filter Filter
	ch     chan Event
}

var ErrClosed = errors.New("changefeed: hub closed")

// Hub fans events out to in-process subscribers.
type Hub struct {
	mu     sync.RWMutex
	subs   map[int]*Subscription
	next   int
	buffer int
	closed bool
}

// NewHub creates a hub whose subscriber channels hold buffer events.
func NewHub(buffer int) *Hub {
	if buffer <= 0 {
		buffer = 16
	}
	return &Hub{subs: make(map[int]*Subscription), buffer: buffer}
}

func (h *Hub) Subscribe(table string, filter Filter) (*Subscription, error) {
	table = strings.TrimSpace(table)
	if table == "" {
		return nil, errors.New("changefeed: table is required")
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, ErrClosed
	}
	ch := make(chan Event, h.buffer)
	sub := &Subscription{C: ch, id: h.next, table: table, filter: filter, ch: ch}
	h.subs[sub.id] = sub
	h.next++
	return sub, nil
}

func (h *Hub) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.subs[sub.id]; !ok {
		return
	}
	delete(h.subs, sub.id)
	close(sub.ch)
}

// Publish delivers e to every matching subscriber without blocking.
func (h *Hub) Publish(e Event) {
	if e.At.IsZero() {
		e.At = time.Now().UTC()
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, sub := range h.subs {
		if sub.table != e.Table || !sub.filter.Match(e) {
			continue
		}
		select {
		case sub.ch <- e:
		default:
			// subscriber already has a pending signal
		}
	}
}

// Close unsubscribes everyone and rejects new subscriptions.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, sub := range h.subs {
		delete(h.subs, id)
		close(sub.ch)
	}
	h.closed = true
}

// Wait blocks until an event arrives on sub or ctx ends.
func Wait(ctx context.Context, sub *Subscription) (Event, bool) {
	select {
	case <-ctx.Done():
		return Event{}, false
	case e, ok := <-sub.C:
		return e, ok
	}
}
