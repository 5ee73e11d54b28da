// Package store describes the Storage Backend the sync subsystems depend on:
// table-style CRUD, column filters, and change notifications.
package store

import (
	"context"
	"time"

	"vetsync.org/internal/model"
)

// Backend groups the per-table stores.
type Backend interface {
	Credentials() CredentialStore
	SubAccounts() SubAccountStore
	Mappings() MappingStore
	Clients() ClientStore
	SyncLogs() SyncLogStore
	Organizations() OrganizationStore
	Clinics() ClinicStore
	Users() UserStore
	Products() ProductStore
	Grants() GrantStore
	Appointments() AppointmentStore
	DataSync() DataSyncStore
}

// Patch is a partial column update keyed by column name.
type Patch map[string]any

// CredentialStore holds the single CRM token set.
type CredentialStore interface {
	// Get returns model.ErrNotFound when no credential was ever stored.
	Get(ctx context.Context) (model.Credential, error)
	// Upsert replaces the stored credential; it never appends a second row.
	Upsert(ctx context.Context, cred model.Credential) error
	// WithRefreshLock runs fn while holding the credential refresh lock.
	WithRefreshLock(ctx context.Context, fn func(ctx context.Context) error) error
}

// SubAccountStore persists CRM locations keyed by external location id.
type SubAccountStore interface {
	Upsert(ctx context.Context, sa model.SubAccount) (model.SubAccount, error)
	Get(ctx context.Context, id string) (model.SubAccount, error)
	List(ctx context.Context) ([]model.SubAccount, error)
}

// MappingStore manages clinic to sub-account mappings.
type MappingStore interface {
	// Create deactivates any active mapping of the clinic and inserts the new one.
	Create(ctx context.Context, m model.Mapping) (model.Mapping, error)
	Get(ctx context.Context, id string) (model.Mapping, error)
	ActiveForClinic(ctx context.Context, clinicID string) (model.Mapping, error)
	Deactivate(ctx context.Context, clinicID string) error
	ListActive(ctx context.Context) ([]model.Mapping, error)
}

// ClientStore manages local client rows.
type ClientStore interface {
	Get(ctx context.Context, id string) (model.Client, error)
	FindByEmail(ctx context.Context, clinicID, email string) (model.Client, error)
	FindByCRMContactID(ctx context.Context, clinicID, contactID string) (model.Client, error)
	Create(ctx context.Context, c model.Client) (model.Client, error)
	Update(ctx context.Context, c model.Client) error
	ListByClinic(ctx context.Context, clinicID string) ([]model.Client, error)
	SetCRMContactID(ctx context.Context, clientID, contactID string) error
	ApplyPatch(ctx context.Context, id string, patch Patch) error
}

// SyncLogStore appends CRM sync audit entries.
type SyncLogStore interface {
	Append(ctx context.Context, entry model.SyncLogEntry) (model.SyncLogEntry, error)
	// ListByMapping returns entries created strictly before `before` (zero means now), newest first.
	ListByMapping(ctx context.Context, mappingID string, limit int, before time.Time) ([]model.SyncLogEntry, error)
}

type OrganizationStore interface {
	Create(ctx context.Context, org model.Organization) (model.Organization, error)
	Get(ctx context.Context, id string) (model.Organization, error)
	FindByDomain(ctx context.Context, domain string) (model.Organization, error)
}

type ClinicStore interface {
	Create(ctx context.Context, c model.Clinic) (model.Clinic, error)
	Get(ctx context.Context, id string) (model.Clinic, error)
	FindByName(ctx context.Context, organizationID, name string) (model.Clinic, error)
	ListActiveByOrg(ctx context.Context, organizationID string) ([]model.Clinic, error)
	ApplyPatch(ctx context.Context, id string, patch Patch) error
}

type UserStore interface {
	Create(ctx context.Context, u model.User) (model.User, error)
	Get(ctx context.Context, id string) (model.User, error)
	FindByEmail(ctx context.Context, email string) (model.User, error)
	// LinkExternalAuth attaches authID and bumps last_active. It reports false and
	// writes nothing when the user is already linked to the same id, and fails
	// with model.ErrConflict when the user is linked to a different id.
	LinkExternalAuth(ctx context.Context, userID, authID string, at time.Time) (bool, error)
	ApplyPatch(ctx context.Context, id string, patch Patch) error
}

type ProductStore interface {
	List(ctx context.Context) ([]model.Product, error)
	FindByName(ctx context.Context, name string) (model.Product, error)
}

type GrantStore interface {
	Create(ctx context.Context, g model.ProductAccessGrant) (model.ProductAccessGrant, error)
	// ListActiveByUser returns active grants with ProductName populated.
	ListActiveByUser(ctx context.Context, userID string) ([]model.ProductAccessGrant, error)
}

type AppointmentStore interface {
	Get(ctx context.Context, id string) (model.Appointment, error)
	ApplyPatch(ctx context.Context, id string, patch Patch) error
}

// DataSyncStore backs the generic cross-product queue.
type DataSyncStore interface {
	Enqueue(ctx context.Context, item model.DataSyncItem) (model.DataSyncItem, error)
	Get(ctx context.Context, id string) (model.DataSyncItem, error)
	// ClaimPending atomically moves up to limit pending items, oldest first, to
	// in_progress and returns them. Concurrent callers never receive the same item.
	ClaimPending(ctx context.Context, limit int) ([]model.DataSyncItem, error)
	// Complete moves a claimed item to a terminal status exactly once.
	Complete(ctx context.Context, id string, status model.SyncStatus, errMsg string, at time.Time) error
	ListByEntity(ctx context.Context, entityType, entityID string, limit int) ([]model.DataSyncItem, error)
}

// Tables names used for change notifications.
const (
	TableCredentials  = "ghl_credentials"
	TableSubAccounts  = "ghl_sub_accounts"
	TableMappings     = "clinic_ghl_mappings"
	TableClients      = "clients"
	TableSyncLogs     = "ghl_sync_logs"
	TableOrgs         = "organizations"
	TableClinics      = "unified_clinics"
	TableUsers        = "unified_users"
	TableGrants       = "product_access_grants"
	TableAppointments = "appointments"
	TableDataSync     = "data_sync_logs"
)

// Column whitelists for partial updates applied by the sync queue.
var (
	UserPatchColumns        = []string{"first_name", "last_name", "primary_role"}
	ClinicPatchColumns      = []string{"name", "address", "phone", "email", "active"}
	ClientPatchColumns      = []string{"first_name", "last_name", "email", "phone", "address", "notes"}
	AppointmentPatchColumns = []string{"starts_at", "status", "notes"}
)

// ValidatePatch rejects empty patches and columns outside allowed.
func ValidatePatch(patch Patch, allowed []string) error {
	if len(patch) == 0 {
		return model.ErrInvalidInput
	}
	for col := range patch {
		ok := false
		for _, a := range allowed {
			if a == col {
				ok = true
				break
			}
		}
		if !ok {
			return &PatchColumnError{Column: col}
		}
	}
	return nil
}

// PatchColumnError reports a column that may not be patched.
type PatchColumnError struct {
	Column string
}

func (e *PatchColumnError) Error() string {
	return "invalid input: column " + e.Column + " cannot be updated"
}

func (e *PatchColumnError) Is(target error) bool {
	return target == model.ErrInvalidInput
}
