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

type organizations struct{ db *sql.DB }

const orgColumns = `id, name, domain, settings, active, created_at, updated_at`

func scanOrganization(row interface{ Scan(...any) error }) (model.Organization, error) {
	var (
		org    model.Organization
		domain sql.NullString
		raw    []byte
	)
	if err := row.Scan(&org.ID, &org.Name, &domain, &raw, &org.Active, &org.CreatedAt, &org.UpdatedAt); err != nil {
		return model.Organization{}, err
	}
	org.Domain = domain.String
	org.Settings = map[string]any{}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &org.Settings); err != nil {
			return model.Organization{}, fmt.Errorf("decode settings: %w", err)
		}
	}
	return org, nil
}

func (o organizations) Create(ctx context.Context, org model.Organization) (model.Organization, error) {
	settings := []byte("{}")
	if len(org.Settings) > 0 {
		b, err := json.Marshal(org.Settings)
		if err != nil {
			return model.Organization{}, fmt.Errorf("marshal settings: %w", err)
		}
		settings = b
	}
	row := o.db.QueryRowContext(ctx, `
		insert into organizations (id, name, domain, settings, active)
		values ($1, $2, $3, $4, true)
		returning `+orgColumns,
		ids.New(), org.Name, nullIfEmpty(strings.ToLower(org.Domain)), settings)
	out, err := scanOrganization(row)
	if err != nil {
		return model.Organization{}, mapError(err)
	}
	return out, nil
}

func (o organizations) Get(ctx context.Context, id string) (model.Organization, error) {
	out, err := scanOrganization(o.db.QueryRowContext(ctx, `select `+orgColumns+` from organizations where id = $1`, id))
	if err != nil {
		return model.Organization{}, mapError(err)
	}
	return out, nil
}

func (o organizations) FindByDomain(ctx context.Context, domain string) (model.Organization, error) {
	row := o.db.QueryRowContext(ctx, `
		select `+orgColumns+`
		from organizations
		where domain = $1 and active
	`, strings.ToLower(strings.TrimSpace(domain)))
	out, err := scanOrganization(row)
	if err != nil {
		return model.Organization{}, mapError(err)
	}
	return out, nil
}

type clinics struct{ db *sql.DB }

const clinicColumns = `id, organization_id, name, address, phone, email, active, created_at, updated_at`

func scanClinic(row interface{ Scan(...any) error }) (model.Clinic, error) {
	var (
		cl                    model.Clinic
		address, phone, email sql.NullString
	)
	if err := row.Scan(&cl.ID, &cl.OrganizationID, &cl.Name, &address, &phone, &email, &cl.Active,
		&cl.CreatedAt, &cl.UpdatedAt); err != nil {
		return model.Clinic{}, err
	}
	cl.Address = address.String
	cl.Phone = phone.String
	cl.Email = email.String
	return cl, nil
}

func (c clinics) Create(ctx context.Context, cl model.Clinic) (model.Clinic, error) {
	row := c.db.QueryRowContext(ctx, `
		insert into unified_clinics (id, organization_id, name, address, phone, email, active)
		values ($1, $2, $3, $4, $5, $6, true)
		returning `+clinicColumns,
		ids.New(), cl.OrganizationID, cl.Name, nullIfEmpty(cl.Address), nullIfEmpty(cl.Phone), nullIfEmpty(cl.Email))
	out, err := scanClinic(row)
	if err != nil {
		return model.Clinic{}, mapError(err)
	}
	return out, nil
}

func (c clinics) Get(ctx context.Context, id string) (model.Clinic, error) {
	out, err := scanClinic(c.db.QueryRowContext(ctx, `select `+clinicColumns+` from unified_clinics where id = $1`, id))
	if err != nil {
		return model.Clinic{}, mapError(err)
	}
	return out, nil
}

func (c clinics) FindByName(ctx context.Context, organizationID, name string) (model.Clinic, error) {
	row := c.db.QueryRowContext(ctx, `
		select `+clinicColumns+`
		from unified_clinics
		where organization_id = $1 and lower(name) = lower($2)
		order by created_at
		limit 1
	`, organizationID, strings.TrimSpace(name))
	out, err := scanClinic(row)
	if err != nil {
		return model.Clinic{}, mapError(err)
	}
	return out, nil
}

func (c clinics) ListActiveByOrg(ctx context.Context, organizationID string) ([]model.Clinic, error) {
	rows, err := c.db.QueryContext(ctx, `
		select `+clinicColumns+`
		from unified_clinics
		where organization_id = $1 and active
		order by id
	`, organizationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.Clinic
	for rows.Next() {
		cl, err := scanClinic(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, cl)
	}
	return out, rows.Err()
}

func (c clinics) ApplyPatch(ctx context.Context, id string, patch store.Patch) error {
	return applyPatch(ctx, c.db, store.TableClinics, id, patch, store.ClinicPatchColumns)
}

type users struct{ db *sql.DB }

const userColumns = `id, external_auth_id, email, first_name, last_name, organization_id, primary_role,
	last_active_at, created_at, updated_at`

func scanUser(row interface{ Scan(...any) error }) (model.User, error) {
	var (
		u                          model.User
		authID, first, last, orgID sql.NullString
		lastActive                 sql.NullTime
	)
	if err := row.Scan(&u.ID, &authID, &u.Email, &first, &last, &orgID, &u.PrimaryRole,
		&lastActive, &u.CreatedAt, &u.UpdatedAt); err != nil {
		return model.User{}, err
	}
	u.ExternalAuthID = authID.String
	u.FirstName = first.String
	u.LastName = last.String
	u.OrganizationID = orgID.String
	u.LastActiveAt = timePtr(lastActive)
	return u, nil
}

func (u users) Create(ctx context.Context, usr model.User) (model.User, error) {
	email := model.NormalizeEmail(usr.Email)
	if email == "" {
		return model.User{}, fmt.Errorf("%w: email is required", model.ErrInvalidInput)
	}
	var lastActive sql.NullTime
	if usr.ExternalAuthID != "" {
		lastActive = sql.NullTime{Time: time.Now().UTC(), Valid: true}
	}
	row := u.db.QueryRowContext(ctx, `
		insert into unified_users (id, external_auth_id, email, first_name, last_name, organization_id,
		                           primary_role, last_active_at)
		values ($1, $2, $3, $4, $5, $6, $7, $8)
		returning `+userColumns,
		ids.New(), nullIfEmpty(usr.ExternalAuthID), email, nullIfEmpty(usr.FirstName), nullIfEmpty(usr.LastName),
		nullIfEmpty(usr.OrganizationID), usr.PrimaryRole, lastActive)
	out, err := scanUser(row)
	if err != nil {
		return model.User{}, mapError(err)
	}
	return out, nil
}

func (u users) Get(ctx context.Context, id string) (model.User, error) {
	out, err := scanUser(u.db.QueryRowContext(ctx, `select `+userColumns+` from unified_users where id = $1`, id))
	if err != nil {
		return model.User{}, mapError(err)
	}
	return out, nil
}

func (u users) FindByEmail(ctx context.Context, email string) (model.User, error) {
	row := u.db.QueryRowContext(ctx, `select `+userColumns+` from unified_users where email = $1`, model.NormalizeEmail(email))
	out, err := scanUser(row)
	if err != nil {
		return model.User{}, mapError(err)
	}
	return out, nil
}

func (u users) LinkExternalAuth(ctx context.Context, userID, authID string, at time.Time) (bool, error) {
	res, err := u.db.ExecContext(ctx, `
		update unified_users
		set external_auth_id = $2, last_active_at = $3, updated_at = now()
		where id = $1 and coalesce(external_auth_id, '') = ''
	`, userID, authID, at.UTC())
	if err != nil {
		return false, mapError(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n > 0 {
		return true, nil
	}
	var current sql.NullString
	err = u.db.QueryRowContext(ctx, `select external_auth_id from unified_users where id = $1`, userID).Scan(&current)
	if err != nil {
		return false, mapError(err)
	}
	if current.String != authID {
		return false, fmt.Errorf("%w: user %s is linked to another identity", model.ErrConflict, userID)
	}
	return false, nil
}

func (u users) ApplyPatch(ctx context.Context, id string, patch store.Patch) error {
	return applyPatch(ctx, u.db, store.TableUsers, id, patch, store.UserPatchColumns)
}

type products struct{ db *sql.DB }

func (p products) List(ctx context.Context) ([]model.Product, error) {
	rows, err := p.db.QueryContext(ctx, `select id, name, version, endpoint from products order by name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.Product
	for rows.Next() {
		var (
			prod     model.Product
			endpoint sql.NullString
		)
		if err := rows.Scan(&prod.ID, &prod.Name, &prod.Version, &endpoint); err != nil {
			return nil, err
		}
		prod.Endpoint = endpoint.String
		out = append(out, prod)
	}
	return out, rows.Err()
}

func (p products) FindByName(ctx context.Context, name string) (model.Product, error) {
	var (
		prod     model.Product
		endpoint sql.NullString
	)
	err := p.db.QueryRowContext(ctx, `
		select id, name, version, endpoint from products where lower(name) = lower($1)
	`, strings.TrimSpace(name)).Scan(&prod.ID, &prod.Name, &prod.Version, &endpoint)
	if err != nil {
		return model.Product{}, mapError(err)
	}
	prod.Endpoint = endpoint.String
	return prod, nil
}

type grants struct{ db *sql.DB }

func (g grants) Create(ctx context.Context, gr model.ProductAccessGrant) (model.ProductAccessGrant, error) {
	access, err := json.Marshal(gr.EntityAccess)
	if err != nil {
		return model.ProductAccessGrant{}, fmt.Errorf("marshal entity access: %w", err)
	}
	out := gr
	err = g.db.QueryRowContext(ctx, `
		insert into product_access_grants (id, user_id, product_id, organization_id, role, entity_access, active)
		values ($1, $2, $3, $4, $5, $6, true)
		returning id, active, created_at, (select name from products where id = $3)
	`, ids.New(), gr.UserID, gr.ProductID, gr.OrganizationID, gr.Role, access).
		Scan(&out.ID, &out.Active, &out.CreatedAt, &out.ProductName)
	if err != nil {
		return model.ProductAccessGrant{}, mapError(err)
	}
	return out, nil
}

func (g grants) ListActiveByUser(ctx context.Context, userID string) ([]model.ProductAccessGrant, error) {
	rows, err := g.db.QueryContext(ctx, `
		select g.id, g.user_id, g.product_id, p.name, g.organization_id, g.role, g.entity_access, g.active, g.created_at
		from product_access_grants g
		join products p on p.id = g.product_id
		where g.user_id = $1 and g.active
		order by g.created_at
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.ProductAccessGrant
	for rows.Next() {
		var (
			gr  model.ProductAccessGrant
			raw []byte
		)
		if err := rows.Scan(&gr.ID, &gr.UserID, &gr.ProductID, &gr.ProductName, &gr.OrganizationID, &gr.Role,
			&raw, &gr.Active, &gr.CreatedAt); err != nil {
			return nil, err
		}
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &gr.EntityAccess); err != nil {
				return nil, fmt.Errorf("decode entity access: %w", err)
			}
		}
		out = append(out, gr)
	}
	return out, rows.Err()
}

type appointments struct{ db *sql.DB }

func (a appointments) Get(ctx context.Context, id string) (model.Appointment, error) {
	var (
		ap            model.Appointment
		client, notes sql.NullString
	)
	err := a.db.QueryRowContext(ctx, `
		select id, clinic_id, client_id, starts_at, status, notes, updated_at
		from appointments where id = $1
	`, id).Scan(&ap.ID, &ap.ClinicID, &client, &ap.StartsAt, &ap.Status, &notes, &ap.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Appointment{}, model.ErrNotFound
	}
	if err != nil {
		return model.Appointment{}, err
	}
	ap.ClientID = client.String
	ap.Notes = notes.String
	return ap, nil
}

func (a appointments) ApplyPatch(ctx context.Context, id string, patch store.Patch) error {
	return applyPatch(ctx, a.db, store.TableAppointments, id, patch, store.AppointmentPatchColumns)
}
