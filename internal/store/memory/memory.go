// Package memory implements store.Backend in process memory. It is used by
// tests and single-process deployments; every method is safe for concurrent use.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"vetsync.org/internal/changefeed"
	"vetsync.org/internal/ids"
	"vetsync.org/internal/model"
	"vetsync.org/internal/store"
)

// Option configures Store.
type Option func(*Store)

// WithClock overrides the time source.
func WithClock(fn func() time.Time) Option {
	return func(s *Store) {
		if fn != nil {
			s.now = fn
		}
	}
}

// WithHub publishes row changes to hub.
func WithHub(hub *changefeed.Hub) Option {
	return func(s *Store) { s.hub = hub }
}

// WithProducts replaces the seeded product catalog.
func WithProducts(products []model.Product) Option {
	return func(s *Store) { s.catalog = products }
}

type Store struct {
	mu        sync.Mutex
	refreshMu sync.Mutex
	now       func() time.Time
	hub       *changefeed.Hub
	catalog   []model.Product

	cred         *model.Credential
	subAccounts  map[string]*model.SubAccount
	mappings     []*model.Mapping
	clients      map[string]*model.Client
	syncLogs     []model.SyncLogEntry
	orgs         map[string]*model.Organization
	clinics      map[string]*model.Clinic
	users        map[string]*model.User
	products     []model.Product
	grants       []*model.ProductAccessGrant
	appointments map[string]*model.Appointment
	dataSync     []*model.DataSyncItem
}

var _ store.Backend = (*Store)(nil)

// New creates an empty store seeded with the product catalog.
func New(opts ...Option) *Store {
	s := &Store{
		now:          time.Now,
		catalog:      model.DefaultCatalog(),
		subAccounts:  make(map[string]*model.SubAccount),
		clients:      make(map[string]*model.Client),
		orgs:         make(map[string]*model.Organization),
		clinics:      make(map[string]*model.Clinic),
		users:        make(map[string]*model.User),
		appointments: make(map[string]*model.Appointment),
	}
	for _, opt := range opts {
		opt(s)
	}
	for _, p := range s.catalog {
		if p.ID == "" {
			p.ID = ids.New()
		}
		s.products = append(s.products, p)
	}
	return s
}

func (s *Store) Credentials() store.CredentialStore     { return credentials{s} }
func (s *Store) SubAccounts() store.SubAccountStore     { return subAccounts{s} }
func (s *Store) Mappings() store.MappingStore           { return mappings{s} }
func (s *Store) Clients() store.ClientStore             { return clients{s} }
func (s *Store) SyncLogs() store.SyncLogStore           { return syncLogs{s} }
func (s *Store) Organizations() store.OrganizationStore { return organizations{s} }
func (s *Store) Clinics() store.ClinicStore             { return clinics{s} }
func (s *Store) Users() store.UserStore                 { return users{s} }
func (s *Store) Products() store.ProductStore           { return products{s} }
func (s *Store) Grants() store.GrantStore               { return grants{s} }
func (s *Store) Appointments() store.AppointmentStore   { return appointments{s} }
func (s *Store) DataSync() store.DataSyncStore          { return dataSync{s} }

// PutAppointment inserts or replaces an appointment row.
func (s *Store) PutAppointment(a model.Appointment) model.Appointment {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a.ID == "" {
		a.ID = ids.New()
	}
	a.UpdatedAt = s.clock()
	s.appointments[a.ID] = &a
	s.publish(store.TableAppointments, changefeed.OpInsert, a.ID, map[string]string{"clinic_id": a.ClinicID})
	return a
}

func (s *Store) clock() time.Time { return s.now().UTC() }

func (s *Store) publish(table string, op changefeed.Op, id string, cols map[string]string) {
	if s.hub == nil {
		return
	}
	s.hub.Publish(changefeed.Event{Table: table, Op: op, RowID: id, Columns: cols, At: s.clock()})
}

// --- credentials ---

type credentials struct{ s *Store }

func (c credentials) Get(ctx context.Context) (model.Credential, error) {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	if c.s.cred == nil {
		return model.Credential{}, model.ErrNotFound
	}
	return *c.s.cred, nil
}

func (c credentials) Upsert(ctx context.Context, cred model.Credential) error {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	op := changefeed.OpUpdate
	if c.s.cred == nil {
		op = changefeed.OpInsert
	}
	cred.UpdatedAt = c.s.clock()
	c.s.cred = &cred
	c.s.publish(store.TableCredentials, op, "default", nil)
	return nil
}

func (c credentials) WithRefreshLock(ctx context.Context, fn func(ctx context.Context) error) error {
	c.s.refreshMu.Lock()
	defer c.s.refreshMu.Unlock()
	return fn(ctx)
}

// --- sub-accounts ---

type subAccounts struct{ s *Store }

func (a subAccounts) Upsert(ctx context.Context, sa model.SubAccount) (model.SubAccount, error) {
	if strings.TrimSpace(sa.ExternalLocationID) == "" {
		return model.SubAccount{}, fmt.Errorf("%w: external_location_id is required", model.ErrInvalidInput)
	}
	a.s.mu.Lock()
	defer a.s.mu.Unlock()
	now := a.s.clock()
	for _, existing := range a.s.subAccounts {
		if existing.ExternalLocationID == sa.ExternalLocationID {
			sa.ID = existing.ID
			sa.CreatedAt = existing.CreatedAt
			sa.UpdatedAt = now
			*existing = sa
			a.s.publish(store.TableSubAccounts, changefeed.OpUpdate, sa.ID, nil)
			return sa, nil
		}
	}
	sa.ID = ids.NewAt(now)
	sa.CreatedAt = now
	sa.UpdatedAt = now
	copied := sa
	a.s.subAccounts[sa.ID] = &copied
	a.s.publish(store.TableSubAccounts, changefeed.OpInsert, sa.ID, nil)
	return sa, nil
}

func (a subAccounts) Get(ctx context.Context, id string) (model.SubAccount, error) {
	a.s.mu.Lock()
	defer a.s.mu.Unlock()
	sa, ok := a.s.subAccounts[id]
	if !ok {
		return model.SubAccount{}, model.ErrNotFound
	}
	return *sa, nil
}

func (a subAccounts) List(ctx context.Context) ([]model.SubAccount, error) {
	a.s.mu.Lock()
	defer a.s.mu.Unlock()
	out := make([]model.SubAccount, 0, len(a.s.subAccounts))
	for _, sa := range a.s.subAccounts {
		out = append(out, *sa)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// --- mappings ---

type mappings struct{ s *Store }

func (m mappings) Create(ctx context.Context, mp model.Mapping) (model.Mapping, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	if _, ok := m.s.clinics[mp.ClinicID]; !ok {
		return model.Mapping{}, fmt.Errorf("%w: clinic %s", model.ErrNotFound, mp.ClinicID)
	}
	sa, ok := m.s.subAccounts[mp.SubAccountID]
	if !ok {
		return model.Mapping{}, fmt.Errorf("%w: sub-account %s", model.ErrNotFound, mp.SubAccountID)
	}
	for _, existing := range m.s.mappings {
		if existing.ClinicID == mp.ClinicID && existing.Active {
			existing.Active = false
			m.s.publish(store.TableMappings, changefeed.OpUpdate, existing.ID, map[string]string{"clinic_id": existing.ClinicID})
		}
	}
	now := m.s.clock()
	mp.ID = ids.NewAt(now)
	mp.Active = true
	mp.CreatedAt = now
	mp.ExternalLocationID = sa.ExternalLocationID
	copied := mp
	m.s.mappings = append(m.s.mappings, &copied)
	m.s.publish(store.TableMappings, changefeed.OpInsert, mp.ID, map[string]string{"clinic_id": mp.ClinicID})
	return mp, nil
}

func (m mappings) Get(ctx context.Context, id string) (model.Mapping, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	for _, mp := range m.s.mappings {
		if mp.ID == id {
			out := *mp
			if sa, ok := m.s.subAccounts[mp.SubAccountID]; ok {
				out.ExternalLocationID = sa.ExternalLocationID
			}
			return out, nil
		}
	}
	return model.Mapping{}, model.ErrNotFound
}

func (m mappings) ActiveForClinic(ctx context.Context, clinicID string) (model.Mapping, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	for _, mp := range m.s.mappings {
		if mp.ClinicID == clinicID && mp.Active {
			out := *mp
			if sa, ok := m.s.subAccounts[mp.SubAccountID]; ok {
				out.ExternalLocationID = sa.ExternalLocationID
			}
			return out, nil
		}
	}
	return model.Mapping{}, model.ErrNotFound
}

func (m mappings) Deactivate(ctx context.Context, clinicID string) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	found := false
	for _, mp := range m.s.mappings {
		if mp.ClinicID == clinicID && mp.Active {
			mp.Active = false
			found = true
			m.s.publish(store.TableMappings, changefeed.OpUpdate, mp.ID, map[string]string{"clinic_id": clinicID})
		}
	}
	if !found {
		return model.ErrNotFound
	}
	return nil
}

func (m mappings) ListActive(ctx context.Context) ([]model.Mapping, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	var out []model.Mapping
	for _, mp := range m.s.mappings {
		if mp.Active {
			cp := *mp
			if sa, ok := m.s.subAccounts[mp.SubAccountID]; ok {
				cp.ExternalLocationID = sa.ExternalLocationID
			}
			out = append(out, cp)
		}
	}
	return out, nil
}

// --- clients ---

type clients struct{ s *Store }

func (c clients) Get(ctx context.Context, id string) (model.Client, error) {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	cl, ok := c.s.clients[id]
	if !ok {
		return model.Client{}, model.ErrNotFound
	}
	return *cl, nil
}

func (c clients) FindByCRMContactID(ctx context.Context, clinicID, contactID string) (model.Client, error) {
	if contactID == "" {
		return model.Client{}, model.ErrNotFound
	}
	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	for _, cl := range c.s.clients {
		if cl.ClinicID == clinicID && cl.CRMContactID == contactID {
			return *cl, nil
		}
	}
	return model.Client{}, model.ErrNotFound
}

func (c clients) FindByEmail(ctx context.Context, clinicID, email string) (model.Client, error) {
	email = model.NormalizeEmail(email)
	if email == "" {
		return model.Client{}, model.ErrNotFound
	}
	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	for _, cl := range c.s.clients {
		if cl.ClinicID == clinicID && model.NormalizeEmail(cl.Email) == email {
			return *cl, nil
		}
	}
	return model.Client{}, model.ErrNotFound
}

func (c clients) Create(ctx context.Context, cl model.Client) (model.Client, error) {
	if strings.TrimSpace(cl.ClinicID) == "" {
		return model.Client{}, fmt.Errorf("%w: clinic_id is required", model.ErrInvalidInput)
	}
	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	if err := c.s.uniqueClientEmailLocked(cl.ClinicID, cl.Email, ""); err != nil {
		return model.Client{}, err
	}
	now := c.s.clock()
	cl.ID = ids.NewAt(now)
	cl.CreatedAt = now
	cl.UpdatedAt = now
	copied := cl
	c.s.clients[cl.ID] = &copied
	c.s.publish(store.TableClients, changefeed.OpInsert, cl.ID, map[string]string{"clinic_id": cl.ClinicID})
	return cl, nil
}

func (c clients) Update(ctx context.Context, cl model.Client) error {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	existing, ok := c.s.clients[cl.ID]
	if !ok {
		return model.ErrNotFound
	}
	if err := c.s.uniqueClientEmailLocked(existing.ClinicID, cl.Email, cl.ID); err != nil {
		return err
	}
	cl.ClinicID = existing.ClinicID
	cl.CreatedAt = existing.CreatedAt
	cl.UpdatedAt = c.s.clock()
	*existing = cl
	c.s.publish(store.TableClients, changefeed.OpUpdate, cl.ID, map[string]string{"clinic_id": cl.ClinicID})
	return nil
}

func (c clients) ListByClinic(ctx context.Context, clinicID string) ([]model.Client, error) {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	var out []model.Client
	for _, cl := range c.s.clients {
		if cl.ClinicID == clinicID {
			out = append(out, *cl)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (c clients) SetCRMContactID(ctx context.Context, clientID, contactID string) error {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	cl, ok := c.s.clients[clientID]
	if !ok {
		return model.ErrNotFound
	}
	cl.CRMContactID = contactID
	cl.UpdatedAt = c.s.clock()
	c.s.publish(store.TableClients, changefeed.OpUpdate, cl.ID, map[string]string{"clinic_id": cl.ClinicID})
	return nil
}

func (c clients) ApplyPatch(ctx context.Context, id string, patch store.Patch) error {
	if err := store.ValidatePatch(patch, store.ClientPatchColumns); err != nil {
		return err
	}
	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	cl, ok := c.s.clients[id]
	if !ok {
		return model.ErrNotFound
	}
	updated := *cl
	for col, v := range patch {
		str, err := stringValue(col, v)
		if err != nil {
			return err
		}
		switch col {
		case "first_name":
			updated.FirstName = str
		case "last_name":
			updated.LastName = str
		case "email":
			updated.Email = str
		case "phone":
			updated.Phone = str
		case "address":
			updated.Address = str
		case "notes":
			updated.Notes = str
		}
	}
	if err := c.s.uniqueClientEmailLocked(updated.ClinicID, updated.Email, id); err != nil {
		return err
	}
	updated.UpdatedAt = c.s.clock()
	*cl = updated
	c.s.publish(store.TableClients, changefeed.OpUpdate, id, map[string]string{"clinic_id": cl.ClinicID})
	return nil
}

func (s *Store) uniqueClientEmailLocked(clinicID, email, selfID string) error {
	email = model.NormalizeEmail(email)
	if email == "" {
		return nil
	}
	for _, cl := range s.clients {
		if cl.ID != selfID && cl.ClinicID == clinicID && model.NormalizeEmail(cl.Email) == email {
			return fmt.Errorf("%w: client email %s already exists in clinic", model.ErrConflict, email)
		}
	}
	return nil
}

// --- sync logs ---

type syncLogs struct{ s *Store }

func (l syncLogs) Append(ctx context.Context, entry model.SyncLogEntry) (model.SyncLogEntry, error) {
	l.s.mu.Lock()
	defer l.s.mu.Unlock()
	now := l.s.clock()
	entry.ID = ids.NewAt(now)
	entry.CreatedAt = now
	if entry.Status == "" {
		entry.Status = model.StatusPending
	}
	if entry.Status.Terminal() && entry.ProcessedAt == nil {
		entry.ProcessedAt = &now
	}
	entry.SyncData = append(json.RawMessage(nil), entry.SyncData...)
	l.s.syncLogs = append(l.s.syncLogs, entry)
	l.s.publish(store.TableSyncLogs, changefeed.OpInsert, entry.ID, map[string]string{"mapping_id": entry.MappingID})
	return entry, nil
}

func (l syncLogs) ListByMapping(ctx context.Context, mappingID string, limit int, before time.Time) ([]model.SyncLogEntry, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	l.s.mu.Lock()
	defer l.s.mu.Unlock()
	var out []model.SyncLogEntry
	for i := len(l.s.syncLogs) - 1; i >= 0; i-- {
		e := l.s.syncLogs[i]
		if e.MappingID != mappingID {
			continue
		}
		if !before.IsZero() && !e.CreatedAt.Before(before) {
			continue
		}
		out = append(out, e)
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

// --- organizations ---

type organizations struct{ s *Store }

func (o organizations) Create(ctx context.Context, org model.Organization) (model.Organization, error) {
	o.s.mu.Lock()
	defer o.s.mu.Unlock()
	domain := strings.ToLower(strings.TrimSpace(org.Domain))
	if domain != "" {
		for _, existing := range o.s.orgs {
			if existing.Domain == domain {
				return model.Organization{}, fmt.Errorf("%w: organization domain %s", model.ErrConflict, domain)
			}
		}
	}
	now := o.s.clock()
	org.ID = ids.NewAt(now)
	org.Domain = domain
	org.Active = true
	org.Settings = cloneSettings(org.Settings)
	org.CreatedAt = now
	org.UpdatedAt = now
	copied := org
	o.s.orgs[org.ID] = &copied
	o.s.publish(store.TableOrgs, changefeed.OpInsert, org.ID, nil)
	return org, nil
}

func (o organizations) Get(ctx context.Context, id string) (model.Organization, error) {
	o.s.mu.Lock()
	defer o.s.mu.Unlock()
	org, ok := o.s.orgs[id]
	if !ok {
		return model.Organization{}, model.ErrNotFound
	}
	out := *org
	out.Settings = cloneSettings(org.Settings)
	return out, nil
}

func (o organizations) FindByDomain(ctx context.Context, domain string) (model.Organization, error) {
	domain = strings.ToLower(strings.TrimSpace(domain))
	o.s.mu.Lock()
	defer o.s.mu.Unlock()
	for _, org := range o.s.orgs {
		if org.Domain == domain && org.Active {
			out := *org
			out.Settings = cloneSettings(org.Settings)
			return out, nil
		}
	}
	return model.Organization{}, model.ErrNotFound
}

// --- clinics ---

type clinics struct{ s *Store }

func (c clinics) Create(ctx context.Context, cl model.Clinic) (model.Clinic, error) {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	if _, ok := c.s.orgs[cl.OrganizationID]; !ok {
		return model.Clinic{}, fmt.Errorf("%w: organization %s", model.ErrNotFound, cl.OrganizationID)
	}
	now := c.s.clock()
	cl.ID = ids.NewAt(now)
	cl.Active = true
	cl.CreatedAt = now
	cl.UpdatedAt = now
	copied := cl
	c.s.clinics[cl.ID] = &copied
	c.s.publish(store.TableClinics, changefeed.OpInsert, cl.ID, map[string]string{"organization_id": cl.OrganizationID})
	return cl, nil
}

func (c clinics) Get(ctx context.Context, id string) (model.Clinic, error) {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	cl, ok := c.s.clinics[id]
	if !ok {
		return model.Clinic{}, model.ErrNotFound
	}
	return *cl, nil
}

func (c clinics) FindByName(ctx context.Context, organizationID, name string) (model.Clinic, error) {
	name = strings.TrimSpace(name)
	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	for _, cl := range c.s.clinics {
		if cl.OrganizationID == organizationID && strings.EqualFold(cl.Name, name) {
			return *cl, nil
		}
	}
	return model.Clinic{}, model.ErrNotFound
}

func (c clinics) ListActiveByOrg(ctx context.Context, organizationID string) ([]model.Clinic, error) {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	var out []model.Clinic
	for _, cl := range c.s.clinics {
		if cl.OrganizationID == organizationID && cl.Active {
			out = append(out, *cl)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (c clinics) ApplyPatch(ctx context.Context, id string, patch store.Patch) error {
	if err := store.ValidatePatch(patch, store.ClinicPatchColumns); err != nil {
		return err
	}
	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	cl, ok := c.s.clinics[id]
	if !ok {
		return model.ErrNotFound
	}
	updated := *cl
	for col, v := range patch {
		if col == "active" {
			b, ok := v.(bool)
			if !ok {
				return fmt.Errorf("%w: active must be a boolean", model.ErrInvalidInput)
			}
			updated.Active = b
			continue
		}
		str, err := stringValue(col, v)
		if err != nil {
			return err
		}
		switch col {
		case "name":
			updated.Name = str
		case "address":
			updated.Address = str
		case "phone":
			updated.Phone = str
		case "email":
			updated.Email = str
		}
	}
	updated.UpdatedAt = c.s.clock()
	*cl = updated
	c.s.publish(store.TableClinics, changefeed.OpUpdate, id, map[string]string{"organization_id": cl.OrganizationID})
	return nil
}

// --- users ---

type users struct{ s *Store }

func (u users) Create(ctx context.Context, usr model.User) (model.User, error) {
	usr.Email = model.NormalizeEmail(usr.Email)
	if usr.Email == "" {
		return model.User{}, fmt.Errorf("%w: email is required", model.ErrInvalidInput)
	}
	u.s.mu.Lock()
	defer u.s.mu.Unlock()
	for _, existing := range u.s.users {
		if existing.Email == usr.Email {
			return model.User{}, fmt.Errorf("%w: user %s", model.ErrConflict, usr.Email)
		}
	}
	now := u.s.clock()
	usr.ID = ids.NewAt(now)
	usr.CreatedAt = now
	usr.UpdatedAt = now
	if usr.ExternalAuthID != "" {
		usr.LastActiveAt = &now
	}
	copied := usr
	u.s.users[usr.ID] = &copied
	u.s.publish(store.TableUsers, changefeed.OpInsert, usr.ID, map[string]string{"organization_id": usr.OrganizationID})
	return usr, nil
}

func (u users) Get(ctx context.Context, id string) (model.User, error) {
	u.s.mu.Lock()
	defer u.s.mu.Unlock()
	usr, ok := u.s.users[id]
	if !ok {
		return model.User{}, model.ErrNotFound
	}
	return *usr, nil
}

func (u users) FindByEmail(ctx context.Context, email string) (model.User, error) {
	email = model.NormalizeEmail(email)
	u.s.mu.Lock()
	defer u.s.mu.Unlock()
	for _, usr := range u.s.users {
		if usr.Email == email {
			return *usr, nil
		}
	}
	return model.User{}, model.ErrNotFound
}

func (u users) LinkExternalAuth(ctx context.Context, userID, authID string, at time.Time) (bool, error) {
	u.s.mu.Lock()
	defer u.s.mu.Unlock()
	usr, ok := u.s.users[userID]
	if !ok {
		return false, model.ErrNotFound
	}
	if usr.ExternalAuthID == authID {
		return false, nil
	}
	if usr.ExternalAuthID != "" {
		return false, fmt.Errorf("%w: user %s is linked to another identity", model.ErrConflict, userID)
	}
	at = at.UTC()
	usr.ExternalAuthID = authID
	usr.LastActiveAt = &at
	usr.UpdatedAt = u.s.clock()
	u.s.publish(store.TableUsers, changefeed.OpUpdate, usr.ID, map[string]string{"organization_id": usr.OrganizationID})
	return true, nil
}

func (u users) ApplyPatch(ctx context.Context, id string, patch store.Patch) error {
	if err := store.ValidatePatch(patch, store.UserPatchColumns); err != nil {
		return err
	}
	u.s.mu.Lock()
	defer u.s.mu.Unlock()
	usr, ok := u.s.users[id]
	if !ok {
		return model.ErrNotFound
	}
	updated := *usr
	for col, v := range patch {
		str, err := stringValue(col, v)
		if err != nil {
			return err
		}
		switch col {
		case "first_name":
			updated.FirstName = str
		case "last_name":
			updated.LastName = str
		case "primary_role":
			updated.PrimaryRole = str
		}
	}
	updated.UpdatedAt = u.s.clock()
	*usr = updated
	u.s.publish(store.TableUsers, changefeed.OpUpdate, id, map[string]string{"organization_id": usr.OrganizationID})
	return nil
}

// --- products ---

type products struct{ s *Store }

func (p products) List(ctx context.Context) ([]model.Product, error) {
	p.s.mu.Lock()
	defer p.s.mu.Unlock()
	return append([]model.Product(nil), p.s.products...), nil
}

func (p products) FindByName(ctx context.Context, name string) (model.Product, error) {
	p.s.mu.Lock()
	defer p.s.mu.Unlock()
	for _, prod := range p.s.products {
		if strings.EqualFold(prod.Name, strings.TrimSpace(name)) {
			return prod, nil
		}
	}
	return model.Product{}, model.ErrNotFound
}

// --- grants ---

type grants struct{ s *Store }

func (g grants) Create(ctx context.Context, gr model.ProductAccessGrant) (model.ProductAccessGrant, error) {
	g.s.mu.Lock()
	defer g.s.mu.Unlock()
	if _, ok := g.s.users[gr.UserID]; !ok {
		return model.ProductAccessGrant{}, fmt.Errorf("%w: user %s", model.ErrNotFound, gr.UserID)
	}
	prod, ok := g.s.productLocked(gr.ProductID)
	if !ok {
		return model.ProductAccessGrant{}, fmt.Errorf("%w: product %s", model.ErrNotFound, gr.ProductID)
	}
	for _, existing := range g.s.grants {
		if existing.UserID == gr.UserID && existing.ProductID == gr.ProductID && existing.Active {
			return model.ProductAccessGrant{}, fmt.Errorf("%w: grant for product %s", model.ErrConflict, prod.Name)
		}
	}
	now := g.s.clock()
	gr.ID = ids.NewAt(now)
	gr.Active = true
	gr.CreatedAt = now
	gr.ProductName = prod.Name
	gr.EntityAccess.ClinicIDs = append([]string(nil), gr.EntityAccess.ClinicIDs...)
	copied := gr
	g.s.grants = append(g.s.grants, &copied)
	g.s.publish(store.TableGrants, changefeed.OpInsert, gr.ID, map[string]string{"user_id": gr.UserID, "organization_id": gr.OrganizationID})
	return gr, nil
}

func (g grants) ListActiveByUser(ctx context.Context, userID string) ([]model.ProductAccessGrant, error) {
	g.s.mu.Lock()
	defer g.s.mu.Unlock()
	var out []model.ProductAccessGrant
	for _, gr := range g.s.grants {
		if gr.UserID != userID || !gr.Active {
			continue
		}
		cp := *gr
		cp.EntityAccess.ClinicIDs = append([]string(nil), gr.EntityAccess.ClinicIDs...)
		if prod, ok := g.s.productLocked(gr.ProductID); ok {
			cp.ProductName = prod.Name
		}
		out = append(out, cp)
	}
	return out, nil
}

func (s *Store) productLocked(id string) (model.Product, bool) {
	for _, p := range s.products {
		if p.ID == id {
			return p, true
		}
	}
	return model.Product{}, false
}

// --- appointments ---

type appointments struct{ s *Store }

func (a appointments) Get(ctx context.Context, id string) (model.Appointment, error) {
	a.s.mu.Lock()
	defer a.s.mu.Unlock()
	ap, ok := a.s.appointments[id]
	if !ok {
		return model.Appointment{}, model.ErrNotFound
	}
	return *ap, nil
}

func (a appointments) ApplyPatch(ctx context.Context, id string, patch store.Patch) error {
	if err := store.ValidatePatch(patch, store.AppointmentPatchColumns); err != nil {
		return err
	}
	a.s.mu.Lock()
	defer a.s.mu.Unlock()
	ap, ok := a.s.appointments[id]
	if !ok {
		return model.ErrNotFound
	}
	updated := *ap
	for col, v := range patch {
		str, err := stringValue(col, v)
		if err != nil {
			return err
		}
		switch col {
		case "starts_at":
			ts, err := time.Parse(time.RFC3339, str)
			if err != nil {
				return fmt.Errorf("%w: starts_at: %v", model.ErrInvalidInput, err)
			}
			updated.StartsAt = ts.UTC()
		case "status":
			updated.Status = str
		case "notes":
			updated.Notes = str
		}
	}
	updated.UpdatedAt = a.s.clock()
	*ap = updated
	a.s.publish(store.TableAppointments, changefeed.OpUpdate, id, map[string]string{"clinic_id": ap.ClinicID})
	return nil
}

// --- data sync queue ---

type dataSync struct{ s *Store }

func (d dataSync) Enqueue(ctx context.Context, item model.DataSyncItem) (model.DataSyncItem, error) {
	d.s.mu.Lock()
	defer d.s.mu.Unlock()
	now := d.s.clock()
	item.ID = ids.NewAt(now)
	item.Status = model.StatusPending
	item.CreatedAt = now
	item.ProcessedAt = nil
	item.ErrorMessage = ""
	item.SyncData = append(json.RawMessage(nil), item.SyncData...)
	copied := item
	d.s.dataSync = append(d.s.dataSync, &copied)
	d.s.publish(store.TableDataSync, changefeed.OpInsert, item.ID, map[string]string{"status": string(item.Status), "entity_type": item.EntityType})
	return item, nil
}

func (d dataSync) Get(ctx context.Context, id string) (model.DataSyncItem, error) {
	d.s.mu.Lock()
	defer d.s.mu.Unlock()
	for _, item := range d.s.dataSync {
		if item.ID == id {
			return *item, nil
		}
	}
	return model.DataSyncItem{}, model.ErrNotFound
}

func (d dataSync) ClaimPending(ctx context.Context, limit int) ([]model.DataSyncItem, error) {
	if limit <= 0 {
		limit = 10
	}
	d.s.mu.Lock()
	defer d.s.mu.Unlock()
	var out []model.DataSyncItem
	for _, item := range d.s.dataSync {
		if item.Status != model.StatusPending {
			continue
		}
		item.Status = model.StatusInProgress
		out = append(out, *item)
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (d dataSync) Complete(ctx context.Context, id string, status model.SyncStatus, errMsg string, at time.Time) error {
	if !status.Terminal() {
		return fmt.Errorf("%w: status %s is not terminal", model.ErrInvalidInput, status)
	}
	d.s.mu.Lock()
	defer d.s.mu.Unlock()
	for _, item := range d.s.dataSync {
		if item.ID != id {
			continue
		}
		if item.Status.Terminal() {
			return fmt.Errorf("%w: sync item %s already %s", model.ErrConflict, id, item.Status)
		}
		at = at.UTC()
		item.Status = status
		item.ErrorMessage = errMsg
		item.ProcessedAt = &at
		d.s.publish(store.TableDataSync, changefeed.OpUpdate, id, map[string]string{"status": string(status), "entity_type": item.EntityType})
		return nil
	}
	return model.ErrNotFound
}

func (d dataSync) ListByEntity(ctx context.Context, entityType, entityID string, limit int) ([]model.DataSyncItem, error) {
	if limit <= 0 {
		limit = 10
	}
	d.s.mu.Lock()
	defer d.s.mu.Unlock()
	var out []model.DataSyncItem
	for i := len(d.s.dataSync) - 1; i >= 0; i-- {
		item := d.s.dataSync[i]
		if item.EntityType != entityType || item.EntityID != entityID {
			continue
		}
		out = append(out, *item)
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

// --- helpers ---

func stringValue(col string, v any) (string, error) {
	switch val := v.(type) {
	case string:
		return val, nil
	case nil:
		return "", nil
	default:
		return "", fmt.Errorf("%w: %s must be a string", model.ErrInvalidInput, col)
	}
}

func cloneSettings(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
