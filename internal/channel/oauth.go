package channel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/cuongbtq/clipforge/internal/domain"
	"golang.org/x/oauth2"
)

const defaultTokenURL = "https://oauth2.googleapis.com/token"

// OAuthConfig holds the client registration used for refresh grants
type OAuthConfig struct {
	ClientID     string
	ClientSecret string
	TokenURL     string
}

// Token is a freshly issued access token
type Token struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
}

// OAuthRefresher exchanges refresh tokens at the provider's token endpoint
type OAuthRefresher struct {
	oauth      *oauth2.Config
	httpClient *http.Client
	now        func() time.Time
}

// NewOAuthRefresher creates a refresher
func NewOAuthRefresher(cfg OAuthConfig, httpClient *http.Client) *OAuthRefresher {
	if cfg.TokenURL == "" {
		cfg.TokenURL = defaultTokenURL
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &OAuthRefresher{
		oauth: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			Endpoint: oauth2.Endpoint{
				TokenURL:  cfg.TokenURL,
				AuthStyle: oauth2.AuthStyleInParams,
			},
		},
		httpClient: httpClient,
		now:        time.Now,
	}
}

// Refresh runs the refresh_token grant. A rejected grant wraps
// domain.ErrAuthExpired; transport and server failures wrap domain.ErrProvider.
func (r *OAuthRefresher) Refresh(ctx context.Context, refreshToken string) (Token, error) {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, r.httpClient)

	issued, err := r.oauth.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken}).Token()
	if err != nil {
		var rerr *oauth2.RetrieveError
		if errors.As(err, &rerr) && rerr.Response != nil && rerr.Response.StatusCode < http.StatusInternalServerError {
			return Token{}, fmt.Errorf("%w: %s %s", domain.ErrAuthExpired, rerr.ErrorCode, rerr.ErrorDescription)
		}
		return Token{}, fmt.Errorf("%w: token refresh: %w", domain.ErrProvider, err)
	}

	token := Token{
		AccessToken:  issued.AccessToken,
		RefreshToken: issued.RefreshToken,
		ExpiresAt:    issued.Expiry.UTC(),
	}
	if seconds, ok := expiresIn(issued); ok {
		token.ExpiresAt = r.now().Add(time.Duration(seconds) * time.Second).UTC()
	}
	if token.RefreshToken == "" {
		token.RefreshToken = refreshToken
	}
	return token, nil
}

// expiresIn reads the raw lifetime from the token response
func expiresIn(t *oauth2.Token) (int64, bool) {
	switch v := t.Extra("expires_in").(type) {
	case float64:
		return int64(v), v > 0
	case json.Number:
		n, err := v.Int64()
		return n, err == nil && n > 0
	case string:
		n, err := strconv.ParseInt(v, 10, 64)
		return n, err == nil && n > 0
	}
	return 0, false
}
