package resolver

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"vetsync.org/internal/audit"
	"vetsync.org/internal/match"
	"vetsync.org/internal/model"
)

// FindOrCreateClinic returns the organization's clinic named like c.Name:
// an exact (case-insensitive) match first, then the closest active clinic
// above match.Threshold, and otherwise a newly created clinic.
func (r *Resolver) FindOrCreateClinic(ctx context.Context, c model.Clinic) (model.Clinic, bool, error) {
	c.Name = strings.TrimSpace(c.Name)
	if c.OrganizationID == "" || c.Name == "" {
		return model.Clinic{}, false, fmt.Errorf("%w: organization and clinic name are required", model.ErrInvalidInput)
	}
	clinics := r.backend.Clinics()
	found, err := clinics.FindByName(ctx, c.OrganizationID, c.Name)
	if err == nil {
		return found, false, nil
	}
	if !errors.Is(err, model.ErrNotFound) {
		return model.Clinic{}, false, fmt.Errorf("find clinic: %w", err)
	}

	active, err := clinics.ListActiveByOrg(ctx, c.OrganizationID)
	if err != nil {
		return model.Clinic{}, false, fmt.Errorf("list clinics: %w", err)
	}
	if best, _, ok := match.FindBestMatch(c.Name, active, func(cl model.Clinic) string { return cl.Name }); ok {
		return best, false, nil
	}

	created, err := clinics.Create(ctx, c)
	if err != nil {
		return model.Clinic{}, false, fmt.Errorf("create clinic: %w", err)
	}
	_ = audit.LogEvent(ctx, "clinic.created", map[string]any{"clinic_id": created.ID, "organization_id": c.OrganizationID})
	return created, true, nil
}
