package crm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"vetsync.org/internal/model"
	"vetsync.org/internal/obs"
)

// ContactSource tags contacts created by this service.
const ContactSource = "VetSync"

// ClientIDField is the custom field carrying the local client id.
const ClientIDField = "vetsync_client_id"

// Location is a CRM sub-account as returned by the API.
type Location struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	Email      string `json:"email,omitempty"`
	Phone      string `json:"phone,omitempty"`
	Address    string `json:"address,omitempty"`
	City       string `json:"city,omitempty"`
	State      string `json:"state,omitempty"`
	PostalCode string `json:"postalCode,omitempty"`
	Country    string `json:"country,omitempty"`
	Website    string `json:"website,omitempty"`
	Timezone   string `json:"timezone,omitempty"`
	Business   struct {
		Name string `json:"name,omitempty"`
	} `json:"business"`
}

// Contact is a CRM contact as returned by the API.
type Contact struct {
	ID         string   `json:"id"`
	LocationID string   `json:"locationId,omitempty"`
	FirstName  string   `json:"firstName,omitempty"`
	LastName   string   `json:"lastName,omitempty"`
	Email      string   `json:"email,omitempty"`
	Phone      string   `json:"phone,omitempty"`
	Address1   string   `json:"address1,omitempty"`
	City       string   `json:"city,omitempty"`
	State      string   `json:"state,omitempty"`
	PostalCode string   `json:"postalCode,omitempty"`
	Country    string   `json:"country,omitempty"`
	Source     string   `json:"source,omitempty"`
	Tags       []string `json:"tags,omitempty"`
}

// FormattedAddress joins the address parts the way local client rows store them.
func (c Contact) FormattedAddress() string {
	var parts []string
	for _, p := range []string{c.Address1, c.City, strings.TrimSpace(c.State + " " + c.PostalCode), c.Country} {
		if p = strings.TrimSpace(p); p != "" {
			parts = append(parts, p)
		}
	}
	return strings.Join(parts, ", ")
}

// ContactInput is the create/update payload.
type ContactInput struct {
	LocationID   string            `json:"locationId,omitempty"`
	FirstName    string            `json:"firstName,omitempty"`
	LastName     string            `json:"lastName,omitempty"`
	Email        string            `json:"email,omitempty"`
	Phone        string            `json:"phone,omitempty"`
	Address1     string            `json:"address1,omitempty"`
	Source       string            `json:"source,omitempty"`
	Tags         []string          `json:"tags,omitempty"`
	CustomFields map[string]string `json:"customFields,omitempty"`
}

// ContactFromClient maps a local client row to the CRM contact schema.
func ContactFromClient(cl model.Client) ContactInput {
	return ContactInput{
		FirstName:    cl.FirstName,
		LastName:     cl.LastName,
		Email:        cl.Email,
		Phone:        cl.Phone,
		Address1:     cl.Address,
		Source:       ContactSource,
		Tags:         []string{"vetsync", "client"},
		CustomFields: map[string]string{ClientIDField: cl.ID},
	}
}

// DiscoverSubAccounts lists the CRM locations visible to the stored token and
// upserts each one by external location id.
func (c *Client) DiscoverSubAccounts(ctx context.Context) ([]model.SubAccount, error) {
	cred, err := c.creds.Get(ctx)
	if errors.Is(err, model.ErrNotFound) {
		return nil, ErrNotConfigured
	}
	if err != nil {
		return nil, err
	}
	q := url.Values{}
	if cred.CompanyID != "" {
		q.Set("companyId", cred.CompanyID)
	}
	var resp struct {
		Locations []Location `json:"locations"`
	}
	if err := c.makeRequest(ctx, http.MethodGet, "/locations/search", q, nil, &resp); err != nil {
		return nil, err
	}
	now := c.now().UTC()
	out := make([]model.SubAccount, 0, len(resp.Locations))
	for _, loc := range resp.Locations {
		sa, err := c.subs.Upsert(ctx, model.SubAccount{
			ExternalLocationID: loc.ID,
			Name:               loc.Name,
			BusinessName:       loc.Business.Name,
			Email:              loc.Email,
			Phone:              loc.Phone,
			Address:            loc.Address,
			City:               loc.City,
			State:              loc.State,
			PostalCode:         loc.PostalCode,
			Country:            loc.Country,
			Website:            loc.Website,
			Timezone:           loc.Timezone,
			Active:             true,
			LastSyncedAt:       now,
		})
		if err != nil {
			return nil, fmt.Errorf("store sub-account %s: %w", loc.ID, err)
		}
		out = append(out, sa)
	}
	obs.Logger().Infow("crm sub-accounts discovered", "count", len(out))
	return out, nil
}

// GetLocationContacts returns one page of contacts. A page shorter than
// limit means there are no more contacts; pass the last contact id as
// startAfter to fetch the next page.
func (c *Client) GetLocationContacts(ctx context.Context, locationID string, limit int, startAfter string) ([]Contact, error) {
	if limit <= 0 {
		limit = 100
	}
	q := url.Values{}
	q.Set("locationId", locationID)
	q.Set("limit", strconv.Itoa(limit))
	if startAfter != "" {
		q.Set("startAfter", startAfter)
	}
	var resp struct {
		Contacts []Contact `json:"contacts"`
	}
	if err := c.makeRequest(ctx, http.MethodGet, "/contacts/", q, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Contacts, nil
}

// CreateContact creates a contact in the location and returns it.
func (c *Client) CreateContact(ctx context.Context, locationID string, in ContactInput) (Contact, error) {
	in.LocationID = locationID
	var resp struct {
		Contact Contact `json:"contact"`
	}
	if err := c.makeRequest(ctx, http.MethodPost, "/contacts/", nil, in, &resp); err != nil {
		return Contact{}, err
	}
	if resp.Contact.ID == "" {
		return Contact{}, errors.New("crm create contact: response carried no contact id")
	}
	return resp.Contact, nil
}

// UpdateContact replaces the mutable fields of an existing contact.
func (c *Client) UpdateContact(ctx context.Context, locationID, contactID string, in ContactInput) (Contact, error) {
	// locationId is implied by the contact on update and rejected if sent.
	in.LocationID = ""
	var resp struct {
		Contact Contact `json:"contact"`
	}
	if err := c.makeRequest(ctx, http.MethodPut, "/contacts/"+url.PathEscape(contactID), nil, in, &resp); err != nil {
		return Contact{}, err
	}
	if resp.Contact.ID == "" {
		resp.Contact.ID = contactID
	}
	return resp.Contact, nil
}

// ConnectionStatus is the result of TestConnection.
type ConnectionStatus struct {
	OK        bool      `json:"ok"`
	Error     string    `json:"error,omitempty"`
	CheckedAt time.Time `json:"checked_at"`
}

// TestConnection performs the cheapest authenticated call.
func (c *Client) TestConnection(ctx context.Context) ConnectionStatus {
	status := ConnectionStatus{CheckedAt: c.now().UTC()}
	cred, err := c.creds.Get(ctx)
	if err != nil {
		if errors.Is(err, model.ErrNotFound) {
			err = ErrNotConfigured
		}
		status.Error = err.Error()
		return status
	}
	q := url.Values{}
	q.Set("limit", "1")
	if cred.CompanyID != "" {
		q.Set("companyId", cred.CompanyID)
	}
	if err := c.makeRequest(ctx, http.MethodGet, "/locations/search", q, nil, nil); err != nil {
		status.Error = err.Error()
		return status
	}
	status.OK = true
	return status
}
