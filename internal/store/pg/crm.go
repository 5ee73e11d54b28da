package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"vetsync.org/internal/ids"
	"vetsync.org/internal/model"
	"vetsync.org/internal/store"
)

type credentials struct{ db *sql.DB }

func (c credentials) Get(ctx context.Context) (model.Credential, error) {
	var (
		cred                       model.Credential
		location, company, crmUser sql.NullString
	)
	err := c.db.QueryRowContext(ctx, `
		select access_token, refresh_token, token_type, scope, expires_at,
		       location_id, company_id, crm_user_id, updated_at
		from ghl_credentials
		where id = 'default'
	`).Scan(&cred.AccessToken, &cred.RefreshToken, &cred.TokenType, &cred.Scope, &cred.ExpiresAt,
		&location, &company, &crmUser, &cred.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Credential{}, model.ErrNotFound
	}
	if err != nil {
		return model.Credential{}, err
	}
	cred.LocationID = location.String
	cred.CompanyID = company.String
	cred.CRMUserID = crmUser.String
	return cred, nil
}

func (c credentials) Upsert(ctx context.Context, cred model.Credential) error {
	_, err := c.db.ExecContext(ctx, `
		insert into ghl_credentials (id, access_token, refresh_token, token_type, scope, expires_at,
		                             location_id, company_id, crm_user_id, updated_at)
		values ('default', $1, $2, $3, $4, $5, $6, $7, $8, now())
		on conflict (id) do update
		set access_token = excluded.access_token,
		    refresh_token = excluded.refresh_token,
		    token_type = excluded.token_type,
		    scope = excluded.scope,
		    expires_at = excluded.expires_at,
		    location_id = coalesce(excluded.location_id, ghl_credentials.location_id),
		    company_id = coalesce(excluded.company_id, ghl_credentials.company_id),
		    crm_user_id = coalesce(excluded.crm_user_id, ghl_credentials.crm_user_id),
		    updated_at = now()
	`, cred.AccessToken, cred.RefreshToken, cred.TokenType, cred.Scope, cred.ExpiresAt.UTC(),
		nullIfEmpty(cred.LocationID), nullIfEmpty(cred.CompanyID), nullIfEmpty(cred.CRMUserID))
	return err
}

// WithRefreshLock serializes refreshes across processes with a transaction
// scoped advisory lock.
func (c credentials) WithRefreshLock(ctx context.Context, fn func(ctx context.Context) error) error {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	if _, err := tx.ExecContext(ctx, `select pg_advisory_xact_lock($1)`, credentialLockKey); err != nil {
		return fmt.Errorf("acquire refresh lock: %w", err)
	}
	if err := fn(ctx); err != nil {
		return err
	}
	return tx.Commit()
}

type subAccounts struct{ db *sql.DB }

const subAccountColumns = `id, external_location_id, name, business_name, email, phone, address, city,
	state, postal_code, country, website, timezone, active, last_synced_at, created_at, updated_at`

func scanSubAccount(row interface{ Scan(...any) error }) (model.SubAccount, error) {
	var (
		sa                                           model.SubAccount
		business, email, phone, address, city, state sql.NullString
		postal, country, website, timezone           sql.NullString
		lastSynced                                   sql.NullTime
	)
	err := row.Scan(&sa.ID, &sa.ExternalLocationID, &sa.Name, &business, &email, &phone, &address, &city,
		&state, &postal, &country, &website, &timezone, &sa.Active, &lastSynced, &sa.CreatedAt, &sa.UpdatedAt)
	if err != nil {
		return model.SubAccount{}, err
	}
	sa.BusinessName = business.String
	sa.Email = email.String
	sa.Phone = phone.String
	sa.Address = address.String
	sa.City = city.String
	sa.State = state.String
	sa.PostalCode = postal.String
	sa.Country = country.String
	sa.Website = website.String
	sa.Timezone = timezone.String
	if lastSynced.Valid {
		sa.LastSyncedAt = lastSynced.Time.UTC()
	}
	return sa, nil
}

func (a subAccounts) Upsert(ctx context.Context, sa model.SubAccount) (model.SubAccount, error) {
	if strings.TrimSpace(sa.ExternalLocationID) == "" {
		return model.SubAccount{}, fmt.Errorf("%w: external_location_id is required", model.ErrInvalidInput)
	}
	row := a.db.QueryRowContext(ctx, `
		insert into ghl_sub_accounts (id, external_location_id, name, business_name, email, phone, address,
		                              city, state, postal_code, country, website, timezone, active, last_synced_at)
		values ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		on conflict (external_location_id) do update
		set name = excluded.name,
		    business_name = excluded.business_name,
		    email = excluded.email,
		    phone = excluded.phone,
		    address = excluded.address,
		    city = excluded.city,
		    state = excluded.state,
		    postal_code = excluded.postal_code,
		    country = excluded.country,
		    website = excluded.website,
		    timezone = excluded.timezone,
		    active = excluded.active,
		    last_synced_at = excluded.last_synced_at,
		    updated_at = now()
		returning `+subAccountColumns,
		ids.New(), sa.ExternalLocationID, sa.Name, nullIfEmpty(sa.BusinessName), nullIfEmpty(sa.Email),
		nullIfEmpty(sa.Phone), nullIfEmpty(sa.Address), nullIfEmpty(sa.City), nullIfEmpty(sa.State),
		nullIfEmpty(sa.PostalCode), nullIfEmpty(sa.Country), nullIfEmpty(sa.Website), nullIfEmpty(sa.Timezone),
		sa.Active, nullTime(sa.LastSyncedAt))
	out, err := scanSubAccount(row)
	if err != nil {
		return model.SubAccount{}, mapError(err)
	}
	return out, nil
}

func (a subAccounts) Get(ctx context.Context, id string) (model.SubAccount, error) {
	row := a.db.QueryRowContext(ctx, `select `+subAccountColumns+` from ghl_sub_accounts where id = $1`, id)
	sa, err := scanSubAccount(row)
	if err != nil {
		return model.SubAccount{}, mapError(err)
	}
	return sa, nil
}

func (a subAccounts) List(ctx context.Context) ([]model.SubAccount, error) {
	rows, err := a.db.QueryContext(ctx, `select `+subAccountColumns+` from ghl_sub_accounts order by name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.SubAccount
	for rows.Next() {
		sa, err := scanSubAccount(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sa)
	}
	return out, rows.Err()
}

type mappings struct{ db *sql.DB }

func (m mappings) Create(ctx context.Context, mp model.Mapping) (model.Mapping, error) {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return model.Mapping{}, err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		update clinic_ghl_mappings set active = false
		where clinic_id = $1 and active
	`, mp.ClinicID); err != nil {
		return model.Mapping{}, err
	}
	out := model.Mapping{ClinicID: mp.ClinicID, SubAccountID: mp.SubAccountID, MappedBy: mp.MappedBy}
	var mappedBy sql.NullString
	err = tx.QueryRowContext(ctx, `
		insert into clinic_ghl_mappings (id, clinic_id, ghl_sub_account_id, active, mapped_by)
		values ($1, $2, $3, true, $4)
		returning id, active, mapped_by, created_at,
		          (select external_location_id from ghl_sub_accounts where id = $3)
	`, ids.New(), mp.ClinicID, mp.SubAccountID, nullIfEmpty(mp.MappedBy)).
		Scan(&out.ID, &out.Active, &mappedBy, &out.CreatedAt, &out.ExternalLocationID)
	if err != nil {
		return model.Mapping{}, mapError(err)
	}
	out.MappedBy = mappedBy.String
	if err := tx.Commit(); err != nil {
		return model.Mapping{}, err
	}
	return out, nil
}

const mappingSelect = `
	select m.id, m.clinic_id, m.ghl_sub_account_id, m.active, m.mapped_by, m.created_at, s.external_location_id
	from clinic_ghl_mappings m
	join ghl_sub_accounts s on s.id = m.ghl_sub_account_id`

func scanMapping(row interface{ Scan(...any) error }) (model.Mapping, error) {
	var (
		mp       model.Mapping
		mappedBy sql.NullString
	)
	if err := row.Scan(&mp.ID, &mp.ClinicID, &mp.SubAccountID, &mp.Active, &mappedBy, &mp.CreatedAt, &mp.ExternalLocationID); err != nil {
		return model.Mapping{}, err
	}
	mp.MappedBy = mappedBy.String
	return mp, nil
}

func (m mappings) Get(ctx context.Context, id string) (model.Mapping, error) {
	mp, err := scanMapping(m.db.QueryRowContext(ctx, mappingSelect+` where m.id = $1`, id))
	if err != nil {
		return model.Mapping{}, mapError(err)
	}
	return mp, nil
}

func (m mappings) ActiveForClinic(ctx context.Context, clinicID string) (model.Mapping, error) {
	row := m.db.QueryRowContext(ctx, mappingSelect+` where m.clinic_id = $1 and m.active`, clinicID)
	mp, err := scanMapping(row)
	if err != nil {
		return model.Mapping{}, mapError(err)
	}
	return mp, nil
}

func (m mappings) Deactivate(ctx context.Context, clinicID string) error {
	res, err := m.db.ExecContext(ctx, `
		update clinic_ghl_mappings set active = false
		where clinic_id = $1 and active
	`, clinicID)
	if err != nil {
		return err
	}
	return expectOne(res)
}

func (m mappings) ListActive(ctx context.Context) ([]model.Mapping, error) {
	rows, err := m.db.QueryContext(ctx, mappingSelect+` where m.active order by m.created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.Mapping
	for rows.Next() {
		mp, err := scanMapping(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, mp)
	}
	return out, rows.Err()
}

type clients struct{ db *sql.DB }

const clientColumns = `id, clinic_id, first_name, last_name, email, phone, address, notes, ghl_contact_id, created_at, updated_at`

func scanClient(row interface{ Scan(...any) error }) (model.Client, error) {
	var (
		cl                                    model.Client
		email, phone, address, notes, contact sql.NullString
	)
	if err := row.Scan(&cl.ID, &cl.ClinicID, &cl.FirstName, &cl.LastName, &email, &phone, &address, &notes,
		&contact, &cl.CreatedAt, &cl.UpdatedAt); err != nil {
		return model.Client{}, err
	}
	cl.Email = email.String
	cl.Phone = phone.String
	cl.Address = address.String
	cl.Notes = notes.String
	cl.CRMContactID = contact.String
	return cl, nil
}

func (c clients) Get(ctx context.Context, id string) (model.Client, error) {
	cl, err := scanClient(c.db.QueryRowContext(ctx, `select `+clientColumns+` from clients where id = $1`, id))
	if err != nil {
		return model.Client{}, mapError(err)
	}
	return cl, nil
}

func (c clients) FindByCRMContactID(ctx context.Context, clinicID, contactID string) (model.Client, error) {
	if contactID == "" {
		return model.Client{}, model.ErrNotFound
	}
	row := c.db.QueryRowContext(ctx, `
		select `+clientColumns+`
		from clients
		where clinic_id = $1 and ghl_contact_id = $2
		order by created_at
		limit 1
	`, clinicID, contactID)
	cl, err := scanClient(row)
	if err != nil {
		return model.Client{}, mapError(err)
	}
	return cl, nil
}

func (c clients) FindByEmail(ctx context.Context, clinicID, email string) (model.Client, error) {
	email = model.NormalizeEmail(email)
	if email == "" {
		return model.Client{}, model.ErrNotFound
	}
	row := c.db.QueryRowContext(ctx, `
		select `+clientColumns+`
		from clients
		where clinic_id = $1 and lower(email) = $2
	`, clinicID, email)
	cl, err := scanClient(row)
	if err != nil {
		return model.Client{}, mapError(err)
	}
	return cl, nil
}

func (c clients) Create(ctx context.Context, cl model.Client) (model.Client, error) {
	if strings.TrimSpace(cl.ClinicID) == "" {
		return model.Client{}, fmt.Errorf("%w: clinic_id is required", model.ErrInvalidInput)
	}
	row := c.db.QueryRowContext(ctx, `
		insert into clients (id, clinic_id, first_name, last_name, email, phone, address, notes, ghl_contact_id)
		values ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		returning `+clientColumns,
		ids.New(), cl.ClinicID, cl.FirstName, cl.LastName, nullIfEmpty(cl.Email), nullIfEmpty(cl.Phone),
		nullIfEmpty(cl.Address), nullIfEmpty(cl.Notes), nullIfEmpty(cl.CRMContactID))
	out, err := scanClient(row)
	if err != nil {
		return model.Client{}, mapError(err)
	}
	return out, nil
}

func (c clients) Update(ctx context.Context, cl model.Client) error {
	res, err := c.db.ExecContext(ctx, `
		update clients
		set first_name = $2, last_name = $3, email = $4, phone = $5, address = $6, notes = $7,
		    ghl_contact_id = $8, updated_at = now()
		where id = $1
	`, cl.ID, cl.FirstName, cl.LastName, nullIfEmpty(cl.Email), nullIfEmpty(cl.Phone),
		nullIfEmpty(cl.Address), nullIfEmpty(cl.Notes), nullIfEmpty(cl.CRMContactID))
	if err != nil {
		return mapError(err)
	}
	return expectOne(res)
}

func (c clients) ListByClinic(ctx context.Context, clinicID string) ([]model.Client, error) {
	rows, err := c.db.QueryContext(ctx, `select `+clientColumns+` from clients where clinic_id = $1 order by id`, clinicID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.Client
	for rows.Next() {
		cl, err := scanClient(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, cl)
	}
	return out, rows.Err()
}

func (c clients) SetCRMContactID(ctx context.Context, clientID, contactID string) error {
	res, err := c.db.ExecContext(ctx, `
		update clients set ghl_contact_id = $2, updated_at = now() where id = $1
	`, clientID, nullIfEmpty(contactID))
	if err != nil {
		return mapError(err)
	}
	return expectOne(res)
}

func (c clients) ApplyPatch(ctx context.Context, id string, patch store.Patch) error {
	return applyPatch(ctx, c.db, store.TableClients, id, patch, store.ClientPatchColumns)
}

type syncLogs struct{ db *sql.DB }

func (l syncLogs) Append(ctx context.Context, entry model.SyncLogEntry) (model.SyncLogEntry, error) {
	if entry.Status == "" {
		entry.Status = model.StatusPending
	}
	data := entry.SyncData
	if len(data) == 0 {
		data = json.RawMessage(`{}`)
	}
	var (
		processedAt sql.NullTime
		now         = time.Now().UTC()
	)
	if entry.Status.Terminal() {
		processedAt = sql.NullTime{Time: now, Valid: true}
		if entry.ProcessedAt != nil {
			processedAt.Time = entry.ProcessedAt.UTC()
		}
	}
	entry.ID = ids.NewAt(now)
	err := l.db.QueryRowContext(ctx, `
		insert into ghl_sync_logs (id, mapping_id, sync_type, entity_type, status, sync_data, error_message, processed_at)
		values ($1, $2, $3, $4, $5, $6, $7, $8)
		returning created_at
	`, entry.ID, entry.MappingID, entry.SyncType, entry.EntityType, string(entry.Status), []byte(data),
		nullIfEmpty(entry.ErrorMessage), processedAt).Scan(&entry.CreatedAt)
	if err != nil {
		return model.SyncLogEntry{}, mapError(err)
	}
	entry.SyncData = data
	entry.ProcessedAt = timePtr(processedAt)
	return entry, nil
}

func (l syncLogs) ListByMapping(ctx context.Context, mappingID string, limit int, before time.Time) ([]model.SyncLogEntry, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	if before.IsZero() {
		before = time.Now().UTC().Add(time.Second)
	}
	rows, err := l.db.QueryContext(ctx, `
		select id, mapping_id, sync_type, entity_type, status, sync_data, error_message, created_at, processed_at
		from ghl_sync_logs
		where mapping_id = $1 and created_at < $2
		order by created_at desc, id desc
		limit $3
	`, mappingID, before.UTC(), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.SyncLogEntry
	for rows.Next() {
		var (
			e         model.SyncLogEntry
			status    string
			data      []byte
			errMsg    sql.NullString
			processed sql.NullTime
		)
		if err := rows.Scan(&e.ID, &e.MappingID, &e.SyncType, &e.EntityType, &status, &data, &errMsg,
			&e.CreatedAt, &processed); err != nil {
			return nil, err
		}
		e.Status = model.SyncStatus(status)
		e.SyncData = json.RawMessage(data)
		e.ErrorMessage = errMsg.String
		e.ProcessedAt = timePtr(processed)
		out = append(out, e)
	}
	return out, rows.Err()
}

func nullTime(t time.Time) sql.NullTime {
	if t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}
