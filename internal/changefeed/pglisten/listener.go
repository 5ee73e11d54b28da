// Package pglisten relays Postgres NOTIFY payloads emitted by the change
// triggers into a changefeed.Hub.
package pglisten

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lib/pq"

	"vetsync.org/internal/changefeed"
	"vetsync.org/internal/obs"
)

// Channel is the NOTIFY channel written by vetsync_notify_change().
const Channel = "vetsync_changes"

// Publisher receives decoded events.
type Publisher interface {
	Publish(e changefeed.Event)
}

// Listener owns a dedicated LISTEN connection.
type Listener struct {
	dsn      string
	pub      Publisher
	minRetry time.Duration
	maxRetry time.Duration
	ping     time.Duration
}

func New(dsn string, pub Publisher) *Listener {
	return &Listener{
		dsn:      dsn,
		pub:      pub,
		minRetry: time.Second,
		maxRetry: time.Minute,
		ping:     90 * time.Second,
	}
}

// Run listens until ctx is cancelled. Connection loss is retried by the
// underlying pq.Listener. Notifications sent while disconnected are lost.
func (l *Listener) Run(ctx context.Context) error {
	log := obs.Logger().With("channel", Channel)
	pl := pq.NewListener(l.dsn, l.minRetry, l.maxRetry, func(ev pq.ListenerEventType, err error) {
		switch ev {
		case pq.ListenerEventConnectionAttemptFailed, pq.ListenerEventDisconnected:
			log.Warnw("change listener connection problem", "event", int(ev), "error", err)
		case pq.ListenerEventReconnected:
			log.Infow("change listener reconnected")
		}
	})
	defer pl.Close()
	if err := pl.Listen(Channel); err != nil {
		return fmt.Errorf("listen %s: %w", Channel, err)
	}
	log.Infow("change listener started")

	ticker := time.NewTicker(l.ping)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case n := <-pl.Notify:
			if n == nil {
				log.Infow("change notifications may have been missed during reconnect")
				continue
			}
			ev, err := Decode(n.Extra)
			if err != nil {
				log.Warnw("dropping malformed change notification", "error", err)
				continue
			}
			l.pub.Publish(ev)
		case <-ticker.C:
			if err := pl.Ping(); err != nil {
				log.Warnw("change listener ping failed", "error", err)
			}
		}
	}
}

type payload struct {
	Table   string            `json:"table"`
	Op      string            `json:"op"`
	RowID   string            `json:"row_id"`
	Columns map[string]string `json:"columns"`
	At      time.Time         `json:"at"`
}

// Decode parses a trigger payload.
func Decode(raw string) (changefeed.Event, error) {
	var p payload
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return changefeed.Event{}, fmt.Errorf("decode change payload: %w", err)
	}
	if p.Table == "" || p.RowID == "" {
		return changefeed.Event{}, fmt.Errorf("decode change payload: missing table or row_id")
	}
	op := changefeed.Op(p.Op)
	switch op {
	case changefeed.OpInsert, changefeed.OpUpdate, changefeed.OpDelete:
	default:
		return changefeed.Event{}, fmt.Errorf("decode change payload: unknown op %q", p.Op)
	}
	if p.At.IsZero() {
		p.At = time.Now().UTC()
	}
	return changefeed.Event{Table: p.Table, Op: op, RowID: p.RowID, Columns: p.Columns, At: p.At}, nil
}
