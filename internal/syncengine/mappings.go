package syncengine

import (
	"context"
	"fmt"
	"strings"
	"time"

	"vetsync.org/internal/audit"
	"vetsync.org/internal/match"
	"vetsync.org/internal/model"
)

// CreateMapping points the clinic at a sub-account, replacing any mapping
// that was active before.
func (e *Engine) CreateMapping(ctx context.Context, clinicID, subAccountID, mappedBy string) (model.Mapping, error) {
	clinicID = strings.TrimSpace(clinicID)
	subAccountID = strings.TrimSpace(subAccountID)
	if clinicID == "" || subAccountID == "" {
		return model.Mapping{}, fmt.Errorf("%w: clinic and sub-account are required", model.ErrInvalidInput)
	}
	m, err := e.backend.Mappings().Create(ctx, model.Mapping{
		ClinicID:     clinicID,
		SubAccountID: subAccountID,
		MappedBy:     mappedBy,
		Active:       true,
	})
	if err != nil {
		return model.Mapping{}, fmt.Errorf("create mapping: %w", err)
	}
	_ = audit.LogEvent(ctx, "crm.mapping.created", map[string]any{
		"clinic_id":      clinicID,
		"sub_account_id": subAccountID,
		"mapping_id":     m.ID,
	})
	return m, nil
}

// DeactivateMapping turns off the clinic's active mapping.
func (e *Engine) DeactivateMapping(ctx context.Context, clinicID string) error {
	if err := e.backend.Mappings().Deactivate(ctx, clinicID); err != nil {
		return fmt.Errorf("deactivate mapping: %w", err)
	}
	_ = audit.LogEvent(ctx, "crm.mapping.deactivated", map[string]any{"clinic_id": clinicID})
	return nil
}

// ListSyncLogs pages through a mapping's sync history, newest first.
func (e *Engine) ListSyncLogs(ctx context.Context, mappingID string, limit int, before time.Time) ([]model.SyncLogEntry, error) {
	return e.backend.SyncLogs().ListByMapping(ctx, mappingID, limit, before)
}

// Suggestion proposes a sub-account for an unmapped clinic.
type Suggestion struct {
	ClinicID       string  `json:"clinic_id"`
	ClinicName     string  `json:"clinic_name"`
	SubAccountID   string  `json:"sub_account_id"`
	SubAccountName string  `json:"sub_account_name"`
	Score          float64 `json:"score"`
}

// SuggestMappings pairs the organization's unmapped clinics with unclaimed
// sub-accounts whose names are similar enough.
func (e *Engine) SuggestMappings(ctx context.Context, organizationID string) ([]Suggestion, error) {
	clinics, err := e.backend.Clinics().ListActiveByOrg(ctx, organizationID)
	if err != nil {
		return nil, fmt.Errorf("list clinics: %w", err)
	}
	subs, err := e.backend.SubAccounts().List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list sub-accounts: %w", err)
	}
	active, err := e.backend.Mappings().ListActive(ctx)
	if err != nil {
		return nil, fmt.Errorf("list mappings: %w", err)
	}
	mappedClinics := make(map[string]bool, len(active))
	claimed := make(map[string]bool, len(active))
	for _, m := range active {
		mappedClinics[m.ClinicID] = true
		claimed[m.SubAccountID] = true
	}
	var free []model.SubAccount
	for _, sa := range subs {
		if sa.Active && !claimed[sa.ID] {
			free = append(free, sa)
		}
	}

	out := []Suggestion{}
	for _, c := range clinics {
		if mappedClinics[c.ID] {
			continue
		}
		best, score, ok := match.FindBestMatch(c.Name, free, subAccountName)
		if !ok {
			continue
		}
		out = append(out, Suggestion{
			ClinicID:       c.ID,
			ClinicName:     c.Name,
			SubAccountID:   best.ID,
			SubAccountName: subAccountName(best),
			Score:          score,
		})
	}
	return out, nil
}

func subAccountName(sa model.SubAccount) string {
	if sa.Name != "" {
		return sa.Name
	}
	return sa.BusinessName
}
