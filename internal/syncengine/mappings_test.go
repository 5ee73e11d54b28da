package syncengine

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vetsync.org/internal/model"
)

func TestCreateMappingReplacesActive(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t)
	e, _ := newTestEngine(fx.st, &fakeCRM{})
	other, err := fx.st.SubAccounts().Upsert(ctx, model.SubAccount{ExternalLocationID: "loc-2", Name: "Second", Active: true})
	require.NoError(t, err)

	m, err := e.CreateMapping(ctx, fx.clinicID, other.ID, "user-1")
	require.NoError(t, err)
	assert.Equal(t, "loc-2", m.ExternalLocationID)

	active, err := fx.st.Mappings().ListActive(ctx)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, m.ID, active[0].ID)

	require.NoError(t, e.DeactivateMapping(ctx, fx.clinicID))
	assert.ErrorIs(t, e.DeactivateMapping(ctx, fx.clinicID), model.ErrNotFound)
}

func TestCreateMappingValidatesInput(t *testing.T) {
	fx := newFixture(t)
	e, _ := newTestEngine(fx.st, &fakeCRM{})
	_, err := e.CreateMapping(context.Background(), fx.clinicID, " ", "")
	assert.ErrorIs(t, err, model.ErrInvalidInput)
}

func TestSuggestMappings(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t)
	e, _ := newTestEngine(fx.st, &fakeCRM{})
	clinic, err := fx.st.Clinics().Get(ctx, fx.clinicID)
	require.NoError(t, err)

	uptown, err := fx.st.Clinics().Create(ctx, model.Clinic{OrganizationID: clinic.OrganizationID, Name: "Uptown Pet Hospital"})
	require.NoError(t, err)
	_, err = fx.st.Clinics().Create(ctx, model.Clinic{OrganizationID: clinic.OrganizationID, Name: "Riverside Animal Care"})
	require.NoError(t, err)
	sa, err := fx.st.SubAccounts().Upsert(ctx, model.SubAccount{ExternalLocationID: "loc-9", Name: "Uptown Pet Hosp.", Active: true})
	require.NoError(t, err)

	got, err := e.SuggestMappings(ctx, clinic.OrganizationID)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, uptown.ID, got[0].ClinicID)
	assert.Equal(t, sa.ID, got[0].SubAccountID)
	assert.InDelta(t, 1.0, got[0].Score, 1e-9)
}
