// Package resolver places an authenticated person in the unified registry
// and assembles the context every product dashboard loads.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode"

	"vetsync.org/internal/audit"
	"vetsync.org/internal/model"
	"vetsync.org/internal/obs"
	"vetsync.org/internal/store"
)

// UserContext is the composed view of a user. Each Has*Access flag is true
// exactly when Grants holds an active grant for that product.
type UserContext struct {
	User                  model.User                 `json:"user"`
	Organization          model.Organization         `json:"organization"`
	Grants                []model.ProductAccessGrant `json:"grants"`
	Clinics               []model.Clinic             `json:"clinics"`
	HasRoomAccess         bool                       `json:"has_room_access"`
	HasAppointmentAccess  bool                       `json:"has_appointment_access"`
	HasClientPortalAccess bool                       `json:"has_client_portal_access"`
}

// HasProduct reports whether the context carries a grant for the product name.
func (c UserContext) HasProduct(name string) bool {
	for _, g := range c.Grants {
		if g.Active && g.ProductName == name {
			return true
		}
	}
	return false
}

// Products granted to newly created users, by role.
var (
	StaffProducts = []string{model.ProductRoomManagement, model.ProductAppointments}
	AdminProducts = []string{model.ProductRoomManagement, model.ProductAppointments, model.ProductClientPortal}
)

// Shared mailbox providers never identify an organization.
var publicDomains = map[string]bool{
	"gmail.com":      true,
	"googlemail.com": true,
	"outlook.com":    true,
	"hotmail.com":    true,
	"live.com":       true,
	"yahoo.com":      true,
	"icloud.com":     true,
	"me.com":         true,
	"aol.com":        true,
	"proton.me":      true,
	"protonmail.com": true,
}

type Resolver struct {
	backend store.Backend
	now     func() time.Time
}

func New(backend store.Backend) *Resolver {
	return &Resolver{backend: backend, now: time.Now}
}

// RecognizeUser links or creates the registry user for email. A known email
// is linked to externalAuthID. An unknown email joins the organization that
// owns its domain as staff, or founds a new organization as admin.
func (r *Resolver) RecognizeUser(ctx context.Context, email, externalAuthID string) (UserContext, error) {
	email = model.NormalizeEmail(email)
	domain := model.EmailDomain(email)
	if domain == "" {
		return UserContext{}, fmt.Errorf("%w: malformed email %q", model.ErrInvalidInput, email)
	}
	externalAuthID = strings.TrimSpace(externalAuthID)
	log := obs.Logger().With("email", email)

	// A concurrent first sign-in can win the user insert; the retry then
	// takes the existing-user path.
	for attempt := 0; attempt < 2; attempt++ {
		u, err := r.backend.Users().FindByEmail(ctx, email)
		switch {
		case err == nil:
			if err := r.link(ctx, u, externalAuthID); err != nil {
				return UserContext{}, err
			}
			return r.LoadUserContext(ctx, u.ID)
		case !errors.Is(err, model.ErrNotFound):
			return UserContext{}, fmt.Errorf("find user: %w", err)
		}

		u, err = r.createUser(ctx, email, domain, externalAuthID)
		if errors.Is(err, model.ErrConflict) {
			log.Infow("user created concurrently, retrying lookup")
			continue
		}
		if err != nil {
			return UserContext{}, err
		}
		return r.LoadUserContext(ctx, u.ID)
	}
	return UserContext{}, fmt.Errorf("recognize %s: %w", email, model.ErrConflict)
}

// OwningOrganization reports which organization email belongs to before any
// write: the organization of its registered user, or the one owning its
// domain. known is false when recognizing email would found a new organization.
func (r *Resolver) OwningOrganization(ctx context.Context, email string) (orgID string, known bool, err error) {
	email = model.NormalizeEmail(email)
	domain := model.EmailDomain(email)
	if domain == "" {
		return "", false, fmt.Errorf("%w: malformed email %q", model.ErrInvalidInput, email)
	}
	u, err := r.backend.Users().FindByEmail(ctx, email)
	if err == nil {
		return u.OrganizationID, true, nil
	}
	if !errors.Is(err, model.ErrNotFound) {
		return "", false, fmt.Errorf("find user: %w", err)
	}
	if publicDomains[domain] {
		return "", false, nil
	}
	org, err := r.backend.Organizations().FindByDomain(ctx, domain)
	switch {
	case err == nil:
		return org.ID, true, nil
	case errors.Is(err, model.ErrNotFound):
		return "", false, nil
	default:
		return "", false, fmt.Errorf("find organization: %w", err)
	}
}

func (r *Resolver) link(ctx context.Context, u model.User, externalAuthID string) error {
	if externalAuthID == "" {
		return nil
	}
	changed, err := r.backend.Users().LinkExternalAuth(ctx, u.ID, externalAuthID, r.now().UTC())
	if err != nil {
		return fmt.Errorf("link external auth: %w", err)
	}
	if changed {
		_ = audit.LogEvent(ctx, "user.linked", map[string]any{"user_id": u.ID, "organization_id": u.OrganizationID})
	}
	return nil
}

func (r *Resolver) createUser(ctx context.Context, email, domain, externalAuthID string) (model.User, error) {
	org, role, err := r.organizationFor(ctx, email, domain)
	if err != nil {
		return model.User{}, err
	}
	u, err := r.backend.Users().Create(ctx, model.User{
		Email:          email,
		ExternalAuthID: externalAuthID,
		OrganizationID: org.ID,
		PrimaryRole:    role,
	})
	if err != nil {
		return model.User{}, fmt.Errorf("create user: %w", err)
	}
	products := StaffProducts
	if role == model.RoleAdmin {
		products = AdminProducts
	}
	for _, name := range products {
		if err := r.grant(ctx, u, name, role); err != nil {
			return model.User{}, err
		}
	}
	obs.Logger().Infow("user created", "user_id", u.ID, "organization_id", org.ID, "role", role)
	_ = audit.LogEvent(ctx, "user.created", map[string]any{
		"user_id":         u.ID,
		"organization_id": org.ID,
		"role":            role,
	})
	return u, nil
}

// organizationFor returns the organization a new user joins and their role.
func (r *Resolver) organizationFor(ctx context.Context, email, domain string) (model.Organization, string, error) {
	if publicDomains[domain] {
		local, _, _ := strings.Cut(email, "@")
		org, err := r.backend.Organizations().Create(ctx, model.Organization{Name: titleWords(local)})
		if err != nil {
			return model.Organization{}, "", fmt.Errorf("create organization: %w", err)
		}
		return org, model.RoleAdmin, nil
	}
	org, err := r.backend.Organizations().FindByDomain(ctx, domain)
	if err == nil {
		return org, model.RoleStaff, nil
	}
	if !errors.Is(err, model.ErrNotFound) {
		return model.Organization{}, "", fmt.Errorf("find organization: %w", err)
	}
	org, err = r.backend.Organizations().Create(ctx, model.Organization{Name: OrganizationName(domain), Domain: domain})
	if errors.Is(err, model.ErrConflict) {
		// another sign-in from the same domain founded it first
		org, err = r.backend.Organizations().FindByDomain(ctx, domain)
		if err != nil {
			return model.Organization{}, "", fmt.Errorf("find organization: %w", err)
		}
		return org, model.RoleStaff, nil
	}
	if err != nil {
		return model.Organization{}, "", fmt.Errorf("create organization: %w", err)
	}
	_ = audit.LogEvent(ctx, "organization.created", map[string]any{"organization_id": org.ID, "domain": domain})
	return org, model.RoleAdmin, nil
}

func (r *Resolver) grant(ctx context.Context, u model.User, productName, role string) error {
	p, err := r.backend.Products().FindByName(ctx, productName)
	if errors.Is(err, model.ErrNotFound) {
		obs.Logger().Warnw("product missing from catalog, grant skipped", "product", productName)
		return nil
	}
	if err != nil {
		return fmt.Errorf("find product %q: %w", productName, err)
	}
	_, err = r.backend.Grants().Create(ctx, model.ProductAccessGrant{
		UserID:         u.ID,
		ProductID:      p.ID,
		OrganizationID: u.OrganizationID,
		Role:           role,
		Active:         true,
	})
	if err != nil && !errors.Is(err, model.ErrConflict) {
		return fmt.Errorf("grant %q: %w", productName, err)
	}
	return nil
}

// LoadUserContext reads the user, organization, active grants and active
// clinics and derives the access flags from the grants.
func (r *Resolver) LoadUserContext(ctx context.Context, userID string) (UserContext, error) {
	u, err := r.backend.Users().Get(ctx, userID)
	if err != nil {
		return UserContext{}, fmt.Errorf("load user %s: %w", userID, err)
	}
	org, err := r.backend.Organizations().Get(ctx, u.OrganizationID)
	if err != nil {
		return UserContext{}, fmt.Errorf("load organization %s: %w", u.OrganizationID, err)
	}
	grants, err := r.backend.Grants().ListActiveByUser(ctx, u.ID)
	if err != nil {
		return UserContext{}, fmt.Errorf("load grants: %w", err)
	}
	clinics, err := r.backend.Clinics().ListActiveByOrg(ctx, org.ID)
	if err != nil {
		return UserContext{}, fmt.Errorf("load clinics: %w", err)
	}
	if grants == nil {
		grants = []model.ProductAccessGrant{}
	}
	if clinics == nil {
		clinics = []model.Clinic{}
	}
	uc := UserContext{User: u, Organization: org, Grants: grants, Clinics: clinics}
	uc.HasRoomAccess = uc.HasProduct(model.ProductRoomManagement)
	uc.HasAppointmentAccess = uc.HasProduct(model.ProductAppointments)
	uc.HasClientPortalAccess = uc.HasProduct(model.ProductClientPortal)
	return uc, nil
}

// OrganizationName derives a display name from an email domain,
// e.g. "happy-paws.vet" -> "Happy Paws".
func OrganizationName(domain string) string {
	label, _, _ := strings.Cut(strings.ToLower(strings.TrimSpace(domain)), ".")
	if label == "" {
		return domain
	}
	return titleWords(label)
}

func titleWords(s string) string {
	words := strings.FieldsFunc(s, func(r rune) bool {
		return r == '-' || r == '_' || r == '.' || r == '+' || unicode.IsSpace(r)
	})
	for i, w := range words {
		rs := []rune(w)
		rs[0] = unicode.ToUpper(rs[0])
		words[i] = string(rs)
	}
	if len(words) == 0 {
		return s
	}
	return strings.Join(words, " ")
}
