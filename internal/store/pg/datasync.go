package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"vetsync.org/internal/ids"
	"vetsync.org/internal/model"
)

type dataSync struct{ db *sql.DB }

const dataSyncColumns = `id, source_product_id, target_product_id, entity_type, entity_id, sync_data, status,
	error_message, created_at, processed_at`

func scanDataSync(row interface{ Scan(...any) error }) (model.DataSyncItem, error) {
	var (
		item                   model.DataSyncItem
		source, target, errMsg sql.NullString
		data                   []byte
		status                 string
		processed              sql.NullTime
	)
	if err := row.Scan(&item.ID, &source, &target, &item.EntityType, &item.EntityID, &data, &status,
		&errMsg, &item.CreatedAt, &processed); err != nil {
		return model.DataSyncItem{}, err
	}
	item.SourceProductID = source.String
	item.TargetProductID = target.String
	item.SyncData = json.RawMessage(data)
	item.Status = model.SyncStatus(status)
	item.ErrorMessage = errMsg.String
	item.ProcessedAt = timePtr(processed)
	return item, nil
}

func (d dataSync) Enqueue(ctx context.Context, item model.DataSyncItem) (model.DataSyncItem, error) {
	data := item.SyncData
	if len(data) == 0 {
		data = json.RawMessage(`{}`)
	}
	row := d.db.QueryRowContext(ctx, `
		insert into data_sync_logs (id, source_product_id, target_product_id, entity_type, entity_id, sync_data, status)
		values ($1, $2, $3, $4, $5, $6, 'pending')
		returning `+dataSyncColumns,
		ids.New(), nullIfEmpty(item.SourceProductID), nullIfEmpty(item.TargetProductID), item.EntityType,
		item.EntityID, []byte(data))
	out, err := scanDataSync(row)
	if err != nil {
		return model.DataSyncItem{}, mapError(err)
	}
	return out, nil
}

func (d dataSync) Get(ctx context.Context, id string) (model.DataSyncItem, error) {
	out, err := scanDataSync(d.db.QueryRowContext(ctx, `select `+dataSyncColumns+` from data_sync_logs where id = $1`, id))
	if err != nil {
		return model.DataSyncItem{}, mapError(err)
	}
	return out, nil
}

// ClaimPending uses skip locked so concurrent workers partition the backlog.
func (d dataSync) ClaimPending(ctx context.Context, limit int) ([]model.DataSyncItem, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := d.db.QueryContext(ctx, `
		update data_sync_logs
		set status = 'in_progress'
		where id in (
			select id from data_sync_logs
			where status = 'pending'
			order by created_at, id
			limit $1
			for update skip locked
		)
		returning `+dataSyncColumns, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.DataSyncItem
	for rows.Next() {
		item, err := scanDataSync(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, item)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (d dataSync) Complete(ctx context.Context, id string, status model.SyncStatus, errMsg string, at time.Time) error {
	if !status.Terminal() {
		return fmt.Errorf("%w: status %s is not terminal", model.ErrInvalidInput, status)
	}
	res, err := d.db.ExecContext(ctx, `
		update data_sync_logs
		set status = $2, error_message = $3, processed_at = $4
		where id = $1 and status in ('pending', 'in_progress')
	`, id, string(status), nullIfEmpty(errMsg), at.UTC())
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	var current string
	err = d.db.QueryRowContext(ctx, `select status from data_sync_logs where id = $1`, id).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return model.ErrNotFound
	}
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: sync item %s already %s", model.ErrConflict, id, current)
}

func (d dataSync) ListByEntity(ctx context.Context, entityType, entityID string, limit int) ([]model.DataSyncItem, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := d.db.QueryContext(ctx, `
		select `+dataSyncColumns+`
		from data_sync_logs
		where entity_type = $1 and entity_id = $2
		order by created_at desc, id desc
		limit $3
	`, entityType, entityID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.DataSyncItem
	for rows.Next() {
		item, err := scanDataSync(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, item)
	}
	return out, rows.Err()
}
