package model

import (
	"encoding/json"
	"errors"
	"strings"
	"time"
)

var (
	ErrNotFound     = errors.New("not found")
	ErrConflict     = errors.New("resource conflict")
	ErrInvalidInput = errors.New("invalid input")
)

// Organization owns clinics and users. Organizations are deactivated, never deleted.
type Organization struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Domain    string         `json:"domain"`
	Settings  map[string]any `json:"settings,omitempty"`
	Active    bool           `json:"active"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// Clinic is a practice location in the unified registry.
type Clinic struct {
	ID             string    `json:"id"`
	OrganizationID string    `json:"organization_id"`
	Name           string    `json:"name"`
	Address        string    `json:"address,omitempty"`
	Phone          string    `json:"phone,omitempty"`
	Email          string    `json:"email,omitempty"`
	Active         bool      `json:"active"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

const (
	RoleAdmin = "admin"
	RoleStaff = "staff"
)

// User is a person in the unified registry. Email is unique across the registry;
// ExternalAuthID stays empty until the first authentication links it.
type User struct {
	ID             string     `json:"id"`
	ExternalAuthID string     `json:"external_auth_id,omitempty"`
	Email          string     `json:"email"`
	FirstName      string     `json:"first_name,omitempty"`
	LastName       string     `json:"last_name,omitempty"`
	OrganizationID string     `json:"organization_id"`
	PrimaryRole    string     `json:"primary_role"`
	LastActiveAt   *time.Time `json:"last_active_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// Product is a static catalog entry for a sibling product of the suite.
type Product struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Version  string `json:"version"`
	Endpoint string `json:"endpoint,omitempty"`
}

const (
	ProductRoomManagement = "Room Management System"
	ProductAppointments   = "Appointment Scheduling"
	ProductClientPortal   = "Client Portal"
)

// EntityAccess scopes a grant to a subset of the organization's entities.
// An empty ClinicIDs list means every clinic of the organization.
type EntityAccess struct {
	ClinicIDs []string `json:"clinic_ids,omitempty"`
}

// ProductAccessGrant gives a user access to one product.
type ProductAccessGrant struct {
	ID             string       `json:"id"`
	UserID         string       `json:"user_id"`
	ProductID      string       `json:"product_id"`
	ProductName    string       `json:"product_name,omitempty"`
	OrganizationID string       `json:"organization_id"`
	Role           string       `json:"role"`
	EntityAccess   EntityAccess `json:"entity_access"`
	Active         bool         `json:"active"`
	CreatedAt      time.Time    `json:"created_at"`
}

// Credential is the single CRM token set.
type Credential struct {
	AccessToken  string    `json:"-"`
	RefreshToken string    `json:"-"`
	TokenType    string    `json:"token_type"`
	Scope        string    `json:"scope"`
	ExpiresAt    time.Time `json:"expires_at"`
	LocationID   string    `json:"location_id,omitempty"`
	CompanyID    string    `json:"company_id,omitempty"`
	CRMUserID    string    `json:"crm_user_id,omitempty"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Expired reports whether the access token can no longer be used at now.
func (c Credential) Expired(now time.Time) bool {
	return !now.Before(c.ExpiresAt)
}

// SubAccount is a CRM location discovered through the API.
type SubAccount struct {
	ID                 string    `json:"id"`
	ExternalLocationID string    `json:"external_location_id"`
	Name               string    `json:"name"`
	BusinessName       string    `json:"business_name,omitempty"`
	Email              string    `json:"email,omitempty"`
	Phone              string    `json:"phone,omitempty"`
	Address            string    `json:"address,omitempty"`
	City               string    `json:"city,omitempty"`
	State              string    `json:"state,omitempty"`
	PostalCode         string    `json:"postal_code,omitempty"`
	Country            string    `json:"country,omitempty"`
	Website            string    `json:"website,omitempty"`
	Timezone           string    `json:"timezone,omitempty"`
	Active             bool      `json:"active"`
	LastSyncedAt       time.Time `json:"last_synced_at"`
	CreatedAt          time.Time `json:"created_at"`
	UpdatedAt          time.Time `json:"updated_at"`
}

// Mapping links a clinic to a CRM sub-account. At most one mapping per clinic is active.
type Mapping struct {
	ID           string    `json:"id"`
	ClinicID     string    `json:"clinic_id"`
	SubAccountID string    `json:"crm_sub_account_id"`
	Active       bool      `json:"active"`
	MappedBy     string    `json:"mapped_by,omitempty"`
	CreatedAt    time.Time `json:"created_at"`

	// ExternalLocationID is joined from the sub-account on reads.
	ExternalLocationID string `json:"external_location_id,omitempty"`
}

// SyncStatus is the lifecycle of an audit/queue entry.
type SyncStatus string

const (
	StatusPending    SyncStatus = "pending"
	StatusInProgress SyncStatus = "in_progress"
	StatusSuccess    SyncStatus = "success"
	StatusFailed     SyncStatus = "failed"
)

// Terminal reports whether no further transitions are allowed.
func (s SyncStatus) Terminal() bool {
	return s == StatusSuccess || s == StatusFailed
}

// SyncLogEntry is the append-only audit record of a CRM sync run.
type SyncLogEntry struct {
	ID           string          `json:"id"`
	MappingID    string          `json:"mapping_id"`
	SyncType     string          `json:"sync_type"`
	EntityType   string          `json:"entity_type"`
	Status       SyncStatus      `json:"status"`
	SyncData     json.RawMessage `json:"sync_data,omitempty"`
	ErrorMessage string          `json:"error_message,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	ProcessedAt  *time.Time      `json:"processed_at,omitempty"`
}

// DataSyncItem is one queued cross-product propagation.
type DataSyncItem struct {
	ID              string          `json:"id"`
	SourceProductID string          `json:"source_product_id"`
	TargetProductID string          `json:"target_product_id"`
	EntityType      string          `json:"entity_type"`
	EntityID        string          `json:"entity_id"`
	SyncData        json.RawMessage `json:"sync_data"`
	Status          SyncStatus      `json:"status"`
	ErrorMessage    string          `json:"error_message,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	ProcessedAt     *time.Time      `json:"processed_at,omitempty"`
}

// Client is a local client (pet owner) record, optionally exported to the CRM.
type Client struct {
	ID           string    `json:"id"`
	ClinicID     string    `json:"clinic_id"`
	FirstName    string    `json:"first_name"`
	LastName     string    `json:"last_name"`
	Email        string    `json:"email,omitempty"`
	Phone        string    `json:"phone,omitempty"`
	Address      string    `json:"address,omitempty"`
	Notes        string    `json:"notes,omitempty"`
	CRMContactID string    `json:"crm_contact_id,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Appointment is the unified appointment row touched by cross-product sync.
type Appointment struct {
	ID        string    `json:"id"`
	ClinicID  string    `json:"clinic_id"`
	ClientID  string    `json:"client_id,omitempty"`
	StartsAt  time.Time `json:"starts_at"`
	Status    string    `json:"status"`
	Notes     string    `json:"notes,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NormalizeEmail lower-cases and trims an email address for registry lookups.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// EmailDomain returns the domain part of an address, or "" when malformed.
func EmailDomain(email string) string {
	email = NormalizeEmail(email)
	at := strings.LastIndex(email, "@")
	if at <= 0 || at == len(email)-1 {
		return ""
	}
	return email[at+1:]
}
