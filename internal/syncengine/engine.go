// Package syncengine reconciles a clinic's client records with the contacts
// of its mapped CRM location.
package syncengine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"vetsync.org/internal/audit"
	"vetsync.org/internal/crm"
	"vetsync.org/internal/model"
	"vetsync.org/internal/obs"
	"vetsync.org/internal/store"
)

// ErrNoMapping is returned when the clinic has no active CRM mapping.
var ErrNoMapping = errors.New("No GHL mapping found for this clinic") //nolint:staticcheck // surfaced verbatim to users

// Direction selects which half of the sync runs.
type Direction string

const (
	DirectionImport Direction = "import"
	DirectionExport Direction = "export"
	DirectionBoth   Direction = "both"
)

// ParseDirection accepts import, export or both; empty means both.
func ParseDirection(raw string) (Direction, error) {
	switch d := Direction(strings.ToLower(strings.TrimSpace(raw))); d {
	case "":
		return DirectionBoth, nil
	case DirectionImport, DirectionExport, DirectionBoth:
		return d, nil
	default:
		return "", fmt.Errorf("%w: unknown sync direction %q", model.ErrInvalidInput, raw)
	}
}

func (d Direction) imports() bool { return d == DirectionImport || d == DirectionBoth }
func (d Direction) exports() bool { return d == DirectionExport || d == DirectionBoth }

// CRM is the subset of the CRM client the engine drives.
type CRM interface {
	GetLocationContacts(ctx context.Context, locationID string, limit int, startAfter string) ([]crm.Contact, error)
	CreateContact(ctx context.Context, locationID string, in crm.ContactInput) (crm.Contact, error)
	UpdateContact(ctx context.Context, locationID, contactID string, in crm.ContactInput) (crm.Contact, error)
}

// ItemError records one contact that could not be synced.
type ItemError struct {
	Identifier string `json:"identifier"`
	Error      string `json:"error"`
}

// Result summarizes one sync run. Imported counts new local clients,
// Exported counts new CRM contacts and Updated counts existing records
// refreshed on either side.
type Result struct {
	MappingID  string      `json:"mapping_id"`
	Direction  Direction   `json:"direction"`
	Imported   int         `json:"imported"`
	Exported   int         `json:"exported"`
	Updated    int         `json:"updated"`
	Errors     []ItemError `json:"errors"`
	StartedAt  time.Time   `json:"started_at"`
	FinishedAt time.Time   `json:"finished_at"`
}

func (r *Result) fail(identifier string, err error) {
	r.Errors = append(r.Errors, ItemError{Identifier: identifier, Error: err.Error()})
}

// Options tunes paging and pacing.
type Options struct {
	PageSize  int
	BatchSize int
	Pause     time.Duration
}

// Engine runs contact syncs.
type Engine struct {
	backend store.Backend
	crm     CRM
	opts    Options
	now     func() time.Time
	sleep   func(ctx context.Context, d time.Duration) error
}

// New returns an Engine. Zero options fall back to 100 contacts per page,
// batches of 10 and a one second pause.
func New(backend store.Backend, client CRM, opts Options) *Engine {
	if opts.PageSize <= 0 {
		opts.PageSize = 100
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 10
	}
	if opts.Pause < 0 {
		opts.Pause = 0
	} else if opts.Pause == 0 {
		opts.Pause = time.Second
	}
	return &Engine{backend: backend, crm: client, opts: opts, now: time.Now, sleep: sleepContext}
}

// SyncClinicContacts reconciles contacts for the clinic's active mapping.
// Import always finishes before export starts. Per-contact failures are
// collected in Result.Errors; the run is logged with status success unless
// paging itself failed.
func (e *Engine) SyncClinicContacts(ctx context.Context, clinicID string, direction Direction) (Result, error) {
	if !direction.imports() && !direction.exports() {
		return Result{}, fmt.Errorf("%w: unknown sync direction %q", model.ErrInvalidInput, direction)
	}
	mapping, err := e.backend.Mappings().ActiveForClinic(ctx, clinicID)
	if errors.Is(err, model.ErrNotFound) {
		return Result{}, ErrNoMapping
	}
	if err != nil {
		return Result{}, fmt.Errorf("load mapping: %w", err)
	}

	log := obs.Logger().With("clinic_id", clinicID, "mapping_id", mapping.ID, "direction", string(direction))
	log.Infow("contact sync started")
	res := Result{MappingID: mapping.ID, Direction: direction, Errors: []ItemError{}, StartedAt: e.now().UTC()}

	touched := map[string]bool{}
	var runErr error
	if direction.imports() {
		runErr = e.importContacts(ctx, mapping, &res, touched)
	}
	if runErr == nil && direction.exports() {
		runErr = e.exportContacts(ctx, mapping, &res, touched)
	}
	res.FinishedAt = e.now().UTC()

	status := model.StatusSuccess
	errMsg := ""
	if runErr != nil {
		status = model.StatusFailed
		errMsg = runErr.Error()
	}
	payload, err := json.Marshal(res)
	if err != nil {
		return res, fmt.Errorf("encode sync result: %w", err)
	}
	if _, err := e.backend.SyncLogs().Append(ctx, model.SyncLogEntry{
		MappingID:    mapping.ID,
		SyncType:     "contacts_" + string(direction),
		EntityType:   "contact",
		Status:       status,
		SyncData:     payload,
		ErrorMessage: errMsg,
	}); err != nil {
		log.Errorw("write sync log failed", "error", err)
		if runErr == nil {
			runErr = fmt.Errorf("write sync log: %w", err)
		}
	}
	_ = audit.LogEvent(ctx, "crm.contacts.synced", map[string]any{
		"clinic_id":  clinicID,
		"mapping_id": mapping.ID,
		"direction":  string(direction),
		"imported":   res.Imported,
		"exported":   res.Exported,
		"updated":    res.Updated,
		"errors":     len(res.Errors),
		"status":     string(status),
	})
	if runErr != nil {
		log.Errorw("contact sync failed", "error", runErr)
		return res, runErr
	}
	log.Infow("contact sync finished", "imported", res.Imported, "exported", res.Exported,
		"updated", res.Updated, "errors", len(res.Errors))
	return res, nil
}

func (e *Engine) importContacts(ctx context.Context, mapping model.Mapping, res *Result, touched map[string]bool) error {
	clients := e.backend.Clients()
	startAfter := ""
	for page := 0; ; page++ {
		if page > 0 {
			if err := e.sleep(ctx, e.opts.Pause); err != nil {
				return err
			}
		}
		contacts, err := e.crm.GetLocationContacts(ctx, mapping.ExternalLocationID, e.opts.PageSize, startAfter)
		if err != nil {
			return fmt.Errorf("list contacts after %q: %w", startAfter, err)
		}
		for _, c := range contacts {
			if err := ctx.Err(); err != nil {
				return err
			}
			id, created, err := e.importContact(ctx, clients, mapping.ClinicID, c)
			switch {
			case err != nil:
				res.fail(contactIdentifier(c), err)
				obs.ContactSyncItems.WithLabelValues("import", "error").Inc()
				obs.Logger().Warnw("contact import failed", "mapping_id", mapping.ID, "contact_id", c.ID, "error", err)
			case created:
				res.Imported++
				touched[id] = true
				obs.ContactSyncItems.WithLabelValues("import", "created").Inc()
			default:
				res.Updated++
				touched[id] = true
				obs.ContactSyncItems.WithLabelValues("import", "updated").Inc()
			}
		}
		if len(contacts) < e.opts.PageSize {
			return nil
		}
		startAfter = contacts[len(contacts)-1].ID
	}
}

func (e *Engine) importContact(ctx context.Context, clients store.ClientStore, clinicID string, c crm.Contact) (string, bool, error) {
	existing, err := clients.FindByEmail(ctx, clinicID, c.Email)
	if errors.Is(err, model.ErrNotFound) {
		// contacts without an email are recognized by the id stored on first import
		existing, err = clients.FindByCRMContactID(ctx, clinicID, c.ID)
	}
	switch {
	case err == nil:
		if c.Email != "" {
			existing.Email = c.Email
		}
		existing.FirstName = c.FirstName
		existing.LastName = c.LastName
		existing.Phone = c.Phone
		existing.Address = c.FormattedAddress()
		existing.CRMContactID = c.ID
		if err := clients.Update(ctx, existing); err != nil {
			return "", false, err
		}
		return existing.ID, false, nil
	case errors.Is(err, model.ErrNotFound):
		created, err := clients.Create(ctx, model.Client{
			ClinicID:     clinicID,
			FirstName:    c.FirstName,
			LastName:     c.LastName,
			Email:        c.Email,
			Phone:        c.Phone,
			Address:      c.FormattedAddress(),
			Notes:        "Imported from GoHighLevel on " + e.now().UTC().Format(time.RFC3339),
			CRMContactID: c.ID,
		})
		if err != nil {
			return "", false, err
		}
		return created.ID, true, nil
	default:
		return "", false, err
	}
}

func (e *Engine) exportContacts(ctx context.Context, mapping model.Mapping, res *Result, touched map[string]bool) error {
	all, err := e.backend.Clients().ListByClinic(ctx, mapping.ClinicID)
	if err != nil {
		return fmt.Errorf("list clients: %w", err)
	}
	pending := all[:0:0]
	for _, cl := range all {
		if !touched[cl.ID] {
			pending = append(pending, cl)
		}
	}
	for start := 0; start < len(pending); start += e.opts.BatchSize {
		if start > 0 {
			if err := e.sleep(ctx, e.opts.Pause); err != nil {
				return err
			}
		}
		end := min(start+e.opts.BatchSize, len(pending))
		for _, cl := range pending[start:end] {
			if err := ctx.Err(); err != nil {
				return err
			}
			created, err := e.exportClient(ctx, mapping.ExternalLocationID, cl)
			switch {
			case err != nil:
				res.fail(clientIdentifier(cl), err)
				obs.ContactSyncItems.WithLabelValues("export", "error").Inc()
				obs.Logger().Warnw("contact export failed", "mapping_id", mapping.ID, "client_id", cl.ID, "error", err)
			case created:
				res.Exported++
				obs.ContactSyncItems.WithLabelValues("export", "created").Inc()
			default:
				res.Updated++
				obs.ContactSyncItems.WithLabelValues("export", "updated").Inc()
			}
		}
	}
	return nil
}

func (e *Engine) exportClient(ctx context.Context, locationID string, cl model.Client) (bool, error) {
	in := crm.ContactFromClient(cl)
	if cl.CRMContactID != "" {
		_, err := e.crm.UpdateContact(ctx, locationID, cl.CRMContactID, in)
		return false, err
	}
	contact, err := e.crm.CreateContact(ctx, locationID, in)
	if err != nil {
		return false, err
	}
	// The stored contact id keeps a retried export from creating a duplicate.
	if err := e.backend.Clients().SetCRMContactID(ctx, cl.ID, contact.ID); err != nil {
		return false, fmt.Errorf("record crm contact %s: %w", contact.ID, err)
	}
	return true, nil
}

func contactIdentifier(c crm.Contact) string {
	if c.Email != "" {
		return c.Email
	}
	return c.ID
}

func clientIdentifier(cl model.Client) string {
	if cl.Email != "" {
		return cl.Email
	}
	return cl.ID
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
