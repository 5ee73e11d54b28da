package crm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/oauth2"

	"vetsync.org/internal/model"
	"vetsync.org/internal/obs"
)

// InitiateOAuth persists a fresh anti-CSRF state and returns the
// authorization URL the user agent should be redirected to.
func (c *Client) InitiateOAuth(ctx context.Context) (string, error) {
	if !c.cfg.configured() {
		return "", ErrNotConfigured
	}
	state := uuid.NewString()
	if err := c.states.Save(ctx, state, c.cfg.StateTTL); err != nil {
		return "", fmt.Errorf("persist oauth state: %w", err)
	}
	return c.oauth.AuthCodeURL(state), nil
}

// ExchangeCodeForToken validates state, trades the code for a token set and
// stores it. The state is cleared only after the credential is persisted.
func (c *Client) ExchangeCodeForToken(ctx context.Context, code, state string) (model.Credential, error) {
	if !c.cfg.configured() {
		return model.Credential{}, ErrNotConfigured
	}
	state = strings.TrimSpace(state)
	ok, err := c.states.Matches(ctx, state)
	if err != nil {
		return model.Credential{}, fmt.Errorf("load oauth state: %w", err)
	}
	if state == "" || !ok {
		return model.Credential{}, ErrStateMismatch
	}
	if strings.TrimSpace(code) == "" {
		return model.Credential{}, fmt.Errorf("%w: authorization code is required", model.ErrInvalidInput)
	}

	tok, err := c.oauth.Exchange(c.oauthContext(ctx), code)
	if err != nil {
		return model.Credential{}, fmt.Errorf("exchange authorization code: %w", err)
	}
	cred := c.credentialFromToken(tok)
	if err := c.creds.Upsert(ctx, cred); err != nil {
		return model.Credential{}, fmt.Errorf("store credential: %w", err)
	}
	if err := c.states.Clear(ctx, state); err != nil {
		obs.Logger().Warnw("clear oauth state failed", "error", err)
	}
	obs.Logger().Infow("crm credential stored", "location_id", cred.LocationID, "company_id", cred.CompanyID)
	return cred, nil
}

// GetValidToken returns a usable access token, refreshing it once when the
// stored one has expired. Concurrent callers share a single refresh.
func (c *Client) GetValidToken(ctx context.Context) (string, error) {
	cred, err := c.creds.Get(ctx)
	if errors.Is(err, model.ErrNotFound) {
		return "", ErrNotConfigured
	}
	if err != nil {
		return "", err
	}
	if !cred.Expired(c.now()) {
		return cred.AccessToken, nil
	}

	c.refreshMu.Lock()
	defer c.refreshMu.Unlock()
	var token string
	err = c.creds.WithRefreshLock(ctx, func(ctx context.Context) error {
		current, err := c.creds.Get(ctx)
		if err != nil {
			return err
		}
		if !current.Expired(c.now()) {
			token = current.AccessToken
			return nil
		}
		token, err = c.RefreshToken(ctx, current.RefreshToken)
		return err
	})
	if err != nil {
		return "", err
	}
	return token, nil
}

// RefreshToken trades refreshToken for a new token set and stores it.
// Failures are returned as-is; the caller must not fall back to the old token.
func (c *Client) RefreshToken(ctx context.Context, refreshToken string) (string, error) {
	if !c.cfg.configured() {
		return "", ErrNotConfigured
	}
	if strings.TrimSpace(refreshToken) == "" {
		return "", fmt.Errorf("refresh token: %w", ErrNotConfigured)
	}
	expired := &oauth2.Token{RefreshToken: refreshToken, Expiry: c.now().Add(-time.Minute)}
	tok, err := c.oauth.TokenSource(c.oauthContext(ctx), expired).Token()
	if err != nil {
		return "", fmt.Errorf("refresh token: %w", err)
	}
	cred := c.credentialFromToken(tok)
	if err := c.creds.Upsert(ctx, cred); err != nil {
		return "", fmt.Errorf("store refreshed credential: %w", err)
	}
	obs.Logger().Infow("crm token refreshed", "expires_at", cred.ExpiresAt)
	return cred.AccessToken, nil
}

func (c *Client) oauthContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, c.http)
}

// defaultTokenLifetime applies when the token response carries no expiry.
const defaultTokenLifetime = time.Hour

func (c *Client) credentialFromToken(tok *oauth2.Token) model.Credential {
	cred := model.Credential{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		TokenType:    tok.TokenType,
		ExpiresAt:    tok.Expiry.UTC(),
		Scope:        extraString(tok, "scope"),
		LocationID:   extraString(tok, "locationId"),
		CompanyID:    extraString(tok, "companyId"),
		CRMUserID:    extraString(tok, "userId"),
	}
	if cred.TokenType == "" {
		cred.TokenType = "Bearer"
	}
	if tok.Expiry.IsZero() {
		cred.ExpiresAt = c.now().Add(defaultTokenLifetime).UTC()
		if secs, ok := tok.Extra("expires_in").(float64); ok && secs > 0 {
			cred.ExpiresAt = c.now().Add(time.Duration(secs) * time.Second).UTC()
		}
	}
	return cred
}

func extraString(tok *oauth2.Token, key string) string {
	if v, ok := tok.Extra(key).(string); ok {
		return v
	}
	return ""
}
