// Package queue propagates partial record updates between suite products
// through the data_sync_logs table.
//
// Items move pending -> in_progress -> success|failed. Failed items are never
// retried automatically; RollbackSync queues the inverse direction instead.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"vetsync.org/internal/audit"
	"vetsync.org/internal/model"
	"vetsync.org/internal/obs"
	"vetsync.org/internal/store"
)

const (
	DefaultBatch       = 10
	defaultStatusLimit = 10
)

// Request describes one change to propagate.
type Request struct {
	SourceProduct string          `json:"source_product"`
	TargetProduct string          `json:"target_product"`
	EntityType    string          `json:"entity_type"`
	EntityID      string          `json:"entity_id"`
	SyncData      json.RawMessage `json:"sync_data"`
}

// DrainResult summarizes one ProcessQueue call.
type DrainResult struct {
	Skipped   bool `json:"skipped"`
	Claimed   int  `json:"claimed"`
	Succeeded int  `json:"succeeded"`
	Failed    int  `json:"failed"`
}

type Option func(*Queue)

func WithBatch(n int) Option {
	return func(q *Queue) {
		if n > 0 {
			q.batch = n
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(q *Queue) { q.now = now }
}

// Queue drains data sync items. A single Queue never runs two drains at
// once; the store claim keeps separate processes from sharing items.
type Queue struct {
	backend    store.Backend
	batch      int
	now        func() time.Time
	schemas    validators
	processing atomic.Bool
	background sync.WaitGroup
}

func New(backend store.Backend, opts ...Option) (*Queue, error) {
	schemas, err := compileSchemas()
	if err != nil {
		return nil, err
	}
	q := &Queue{backend: backend, batch: DefaultBatch, now: time.Now, schemas: schemas}
	for _, opt := range opts {
		opt(q)
	}
	return q, nil
}

// QueueSync records a pending item and starts a background drain. The
// caller does not wait for the item to be processed.
func (q *Queue) QueueSync(ctx context.Context, req Request) (model.DataSyncItem, error) {
	req.EntityType = strings.ToLower(strings.TrimSpace(req.EntityType))
	req.EntityID = strings.TrimSpace(req.EntityID)
	if req.EntityType == "" || req.EntityID == "" {
		return model.DataSyncItem{}, fmt.Errorf("%w: entity_type and entity_id are required", model.ErrInvalidInput)
	}
	if len(req.SyncData) == 0 {
		req.SyncData = json.RawMessage(`{}`)
	}
	if !json.Valid(req.SyncData) {
		return model.DataSyncItem{}, fmt.Errorf("%w: sync_data is not valid JSON", model.ErrInvalidInput)
	}
	source, err := q.productID(ctx, req.SourceProduct)
	if err != nil {
		return model.DataSyncItem{}, err
	}
	target, err := q.productID(ctx, req.TargetProduct)
	if err != nil {
		return model.DataSyncItem{}, err
	}
	item, err := q.backend.DataSync().Enqueue(ctx, model.DataSyncItem{
		SourceProductID: source,
		TargetProductID: target,
		EntityType:      req.EntityType,
		EntityID:        req.EntityID,
		SyncData:        req.SyncData,
		Status:          model.StatusPending,
	})
	if err != nil {
		return model.DataSyncItem{}, fmt.Errorf("enqueue sync: %w", err)
	}
	obs.Logger().Infow("sync queued", "sync_id", item.ID, "entity_type", item.EntityType, "entity_id", item.EntityID)
	_ = audit.LogEvent(ctx, "datasync.queued", map[string]any{
		"sync_id":     item.ID,
		"entity_type": item.EntityType,
		"entity_id":   item.EntityID,
		"source":      req.SourceProduct,
		"target":      req.TargetProduct,
	})
	q.kick(ctx)
	return item, nil
}

// EntityOrganization returns the id of the organization owning the entity.
// Unknown entity types fail with ErrUnknownEntityType.
func (q *Queue) EntityOrganization(ctx context.Context, entityType, entityID string) (string, error) {
	et, err := ParseEntityType(entityType)
	if err != nil {
		return "", err
	}
	orgID, err := et.organization(ctx, q.backend, strings.TrimSpace(entityID))
	if err != nil {
		return "", fmt.Errorf("resolve %s %s: %w", et, entityID, err)
	}
	return orgID, nil
}

func (q *Queue) productID(ctx context.Context, name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", fmt.Errorf("%w: product name is required", model.ErrInvalidInput)
	}
	p, err := q.backend.Products().FindByName(ctx, name)
	if errors.Is(err, model.ErrNotFound) {
		return "", fmt.Errorf("%w: unknown product %q", model.ErrInvalidInput, name)
	}
	if err != nil {
		return "", fmt.Errorf("resolve product %q: %w", name, err)
	}
	return p.ID, nil
}

func (q *Queue) kick(ctx context.Context) {
	q.background.Add(1)
	go func() {
		defer q.background.Done()
		if _, err := q.ProcessQueue(context.WithoutCancel(ctx)); err != nil {
			obs.Logger().Errorw("background drain failed", "error", err)
		}
	}()
}

// Wait blocks until drains started by QueueSync or RollbackSync return.
func (q *Queue) Wait() { q.background.Wait() }

// ProcessQueue claims one batch of pending items, oldest first, and
// processes them in order. It returns immediately with Skipped set when a
// drain is already running on this Queue.
func (q *Queue) ProcessQueue(ctx context.Context) (DrainResult, error) {
	if !q.processing.CompareAndSwap(false, true) {
		return DrainResult{Skipped: true}, nil
	}
	defer q.processing.Store(false)

	start := time.Now()
	defer func() { obs.QueueDrainDuration.Observe(time.Since(start).Seconds()) }()

	items, err := q.backend.DataSync().ClaimPending(ctx, q.batch)
	if err != nil {
		return DrainResult{}, fmt.Errorf("claim pending: %w", err)
	}
	res := DrainResult{Claimed: len(items)}
	for _, item := range items {
		status, msg := model.StatusSuccess, ""
		if err := q.processSyncItem(ctx, item); err != nil {
			status, msg = model.StatusFailed, err.Error()
			obs.Logger().Warnw("sync item failed", "sync_id", item.ID, "entity_type", item.EntityType, "error", err)
		}
		if err := q.backend.DataSync().Complete(ctx, item.ID, status, msg, q.now().UTC()); err != nil {
			obs.Logger().Errorw("complete sync item failed", "sync_id", item.ID, "error", err)
			continue
		}
		obs.QueueItems.WithLabelValues(metricEntityLabel(item.EntityType), string(status)).Inc()
		if status == model.StatusSuccess {
			res.Succeeded++
		} else {
			res.Failed++
		}
	}
	if res.Claimed > 0 {
		obs.Logger().Infow("queue drained", "claimed", res.Claimed, "succeeded", res.Succeeded, "failed", res.Failed)
	}
	return res, nil
}

func (q *Queue) processSyncItem(ctx context.Context, item model.DataSyncItem) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	et, err := ParseEntityType(item.EntityType)
	if err != nil {
		return err
	}
	if err := q.schemas.validate(et, item.SyncData); err != nil {
		return err
	}
	var patch store.Patch
	if err := json.Unmarshal(item.SyncData, &patch); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if err := et.apply(ctx, q.backend, item.EntityID, patch); err != nil {
		return fmt.Errorf("apply %s %s: %w", et, item.EntityID, err)
	}
	return nil
}

// RollbackSync queues the inverse of an earlier item: source and target are
// swapped and the payload is copied. It returns the new pending item.
func (q *Queue) RollbackSync(ctx context.Context, syncID string) (model.DataSyncItem, error) {
	orig, err := q.backend.DataSync().Get(ctx, syncID)
	if err != nil {
		return model.DataSyncItem{}, fmt.Errorf("load sync %s: %w", syncID, err)
	}
	item, err := q.backend.DataSync().Enqueue(ctx, model.DataSyncItem{
		SourceProductID: orig.TargetProductID,
		TargetProductID: orig.SourceProductID,
		EntityType:      orig.EntityType,
		EntityID:        orig.EntityID,
		SyncData:        orig.SyncData,
		Status:          model.StatusPending,
	})
	if err != nil {
		return model.DataSyncItem{}, fmt.Errorf("enqueue rollback: %w", err)
	}
	_ = audit.LogEvent(ctx, "datasync.rollback", map[string]any{"sync_id": syncID, "rollback_id": item.ID})
	q.kick(ctx)
	return item, nil
}

// GetSyncStatus returns the latest items for an entity, newest first.
func (q *Queue) GetSyncStatus(ctx context.Context, entityType, entityID string, limit int) ([]model.DataSyncItem, error) {
	if limit <= 0 {
		limit = defaultStatusLimit
	}
	return q.backend.DataSync().ListByEntity(ctx, strings.ToLower(strings.TrimSpace(entityType)), entityID, limit)
}

// metricEntityLabel keeps label cardinality bounded for unknown types.
func metricEntityLabel(raw string) string {
	if et, err := ParseEntityType(raw); err == nil {
		return et.String()
	}
	return "unknown"
}
