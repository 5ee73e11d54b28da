package queue

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"vetsync.org/internal/store"
)

var (
	// ErrUnknownEntityType marks an item whose entity type has no handler.
	ErrUnknownEntityType = errors.New("unknown entity type")
	// ErrInvalidPayload marks sync data rejected by the entity schema.
	ErrInvalidPayload = errors.New("invalid sync payload")
)

// EntityType is the closed set of registry entities the queue can update.
// Implementations live in this package only.
type EntityType interface {
	String() string
	schema() string
	apply(ctx context.Context, b store.Backend, id string, patch store.Patch) error
	organization(ctx context.Context, b store.Backend, id string) (string, error)
}

type userEntity struct{}
type clinicEntity struct{}
type clientEntity struct{}
type appointmentEntity struct{}

var (
	User        EntityType = userEntity{}
	Clinic      EntityType = clinicEntity{}
	Client      EntityType = clientEntity{}
	Appointment EntityType = appointmentEntity{}
)

// EntityTypes lists every supported entity type.
var EntityTypes = []EntityType{User, Clinic, Client, Appointment}

// ParseEntityType maps a stored entity_type tag to its variant.
func ParseEntityType(raw string) (EntityType, error) {
	name := strings.ToLower(strings.TrimSpace(raw))
	for _, et := range EntityTypes {
		if et.String() == name {
			return et, nil
		}
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownEntityType, raw)
}

func (userEntity) String() string        { return "user" }
func (clinicEntity) String() string      { return "clinic" }
func (clientEntity) String() string      { return "client" }
func (appointmentEntity) String() string { return "appointment" }

func (userEntity) apply(ctx context.Context, b store.Backend, id string, p store.Patch) error {
	return b.Users().ApplyPatch(ctx, id, p)
}

func (clinicEntity) apply(ctx context.Context, b store.Backend, id string, p store.Patch) error {
	return b.Clinics().ApplyPatch(ctx, id, p)
}

func (clientEntity) apply(ctx context.Context, b store.Backend, id string, p store.Patch) error {
	return b.Clients().ApplyPatch(ctx, id, p)
}

func (appointmentEntity) apply(ctx context.Context, b store.Backend, id string, p store.Patch) error {
	return b.Appointments().ApplyPatch(ctx, id, p)
}

func (userEntity) organization(ctx context.Context, b store.Backend, id string) (string, error) {
	u, err := b.Users().Get(ctx, id)
	if err != nil {
		return "", err
	}
	return u.OrganizationID, nil
}

func (clinicEntity) organization(ctx context.Context, b store.Backend, id string) (string, error) {
	return clinicOrganization(ctx, b, id)
}

func (clientEntity) organization(ctx context.Context, b store.Backend, id string) (string, error) {
	cl, err := b.Clients().Get(ctx, id)
	if err != nil {
		return "", err
	}
	return clinicOrganization(ctx, b, cl.ClinicID)
}

func (appointmentEntity) organization(ctx context.Context, b store.Backend, id string) (string, error) {
	a, err := b.Appointments().Get(ctx, id)
	if err != nil {
		return "", err
	}
	return clinicOrganization(ctx, b, a.ClinicID)
}

func clinicOrganization(ctx context.Context, b store.Backend, clinicID string) (string, error) {
	c, err := b.Clinics().Get(ctx, clinicID)
	if err != nil {
		return "", err
	}
	return c.OrganizationID, nil
}

func (userEntity) schema() string {
	return `{
  "type": "object",
  "minProperties": 1,
  "additionalProperties": false,
  "properties": {
    "first_name": {"type": "string"},
    "last_name": {"type": "string"},
    "primary_role": {"enum": ["admin", "staff"]}
  }
}`
}

func (clinicEntity) schema() string {
	return `{
  "type": "object",
  "minProperties": 1,
  "additionalProperties": false,
  "properties": {
    "name": {"type": "string", "minLength": 1},
    "address": {"type": "string"},
    "phone": {"type": "string"},
    "email": {"type": "string"},
    "active": {"type": "boolean"}
  }
}`
}

func (clientEntity) schema() string {
	return `{
  "type": "object",
  "minProperties": 1,
  "additionalProperties": false,
  "properties": {
    "first_name": {"type": "string"},
    "last_name": {"type": "string"},
    "email": {"type": "string"},
    "phone": {"type": "string"},
    "address": {"type": "string"},
    "notes": {"type": "string"}
  }
}`
}

func (appointmentEntity) schema() string {
	return `{
  "type": "object",
  "minProperties": 1,
  "additionalProperties": false,
  "properties": {
    "starts_at": {"type": "string", "format": "date-time"},
    "status": {"enum": ["scheduled", "confirmed", "checked_in", "completed", "cancelled", "no_show"]},
    "notes": {"type": "string"}
  }
}`
}
