// Package oauthclient implements the per-user, per-provider credential
// record: building authorization URLs, exchanging authorization codes,
// refreshing tokens and (de)serializing the whole record for the cache.
package oauthclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/oauth2"

	"go.pilab.hu/authgw/gwerrors"
	"go.pilab.hu/authgw/providers"
)

// tokenTimeout bounds every call to a provider's token endpoint. Token
// exchange and refresh happen inline in request handling, so they get a much
// tighter budget than normal proxying.
const tokenTimeout = 10 * time.Second

// expirySkew is how long before the actual expiry a token is already
// considered expired, to avoid unlucky edge cases.
const expirySkew = 5 * time.Second

// Client is one credential record for one (end-user, provider) pair. It is
// owned exclusively by the token cache entry that holds it.
type Client struct {
	App          providers.App `json:"provider_app"`
	TokenType    string        `json:"token_type,omitempty"`
	AccessToken  string        `json:"access_token,omitempty"`
	RefreshToken string        `json:"refresh_token,omitempty"`
	RawIDToken   string        `json:"raw_id_token,omitempty"`
	Scopes       []string      `json:"scopes,omitempty"`
	// State and Code are transient, used only during the handshake. The
	// login sequencer owns state verification, not this type.
	State       string `json:"state,omitempty"`
	Code        string `json:"code,omitempty"`
	RedirectURL string `json:"redirect_url,omitempty"`
	// MaxLifetime caps the credential lifetime in seconds, guarding
	// against providers that issue tokens without real expiry.
	MaxLifetime int64 `json:"max_lifetime,omitempty"`
	// ExpiresAt is the absolute expiry as unix seconds, zero when the
	// token never expires and no cap is set.
	ExpiresAt int64 `json:"expires_at,omitempty"`
}

// New creates a fresh credential record for a login handshake.
func New(app providers.App, redirectURL string, scopes []string, maxLifetime int64) *Client {
	return &Client{
		App:         app,
		RedirectURL: redirectURL,
		Scopes:      scopes,
		MaxLifetime: maxLifetime,
	}
}

func (c *Client) config() *oauth2.Config {
	return &oauth2.Config{
		ClientID:     c.App.ClientID,
		ClientSecret: c.App.ClientSecret,
		RedirectURL:  c.RedirectURL,
		Scopes:       c.Scopes,
		Endpoint:     c.App.Endpoint(),
	}
}

// AuthorizationURL builds the provider's authorization endpoint URL. The
// caller must have set State beforehand.
func (c *Client) AuthorizationURL() string {
	return c.config().AuthCodeURL(c.State)
}

// ExchangeCode performs the authorization-code-for-token exchange using the
// full callback URL the provider redirected to. On success the token fields
// are populated and the expiry cap applied; on failure the record is left
// untouched and an OAuth2Error is returned.
func (c *Client) ExchangeCode(ctx context.Context, callbackURL string) error {
	cb, err := url.Parse(callbackURL)
	if err != nil {
		return gwerrors.NewInvalidRequest("malformed callback URL")
	}
	q := cb.Query()
	if errCode := q.Get("error"); errCode != "" {
		return gwerrors.NewOAuth2Error(errCode, q.Get("error_description"))
	}
	code := q.Get("code")
	if code == "" {
		return gwerrors.NewInvalidRequest("callback is missing the authorization code")
	}
	c.Code = code

	ctx, cancel := tokenContext(ctx)
	defer cancel()
	tok, err := c.config().Exchange(ctx, code)
	if err != nil {
		return classify(err)
	}
	c.applyToken(tok)
	c.Code = ""
	return nil
}

// Refresh performs the refresh-token grant. A provider-reported invalid or
// revoked refresh token yields an error matching gwerrors.ErrPermanent so
// the token cache can evict instead of retrying.
func (c *Client) Refresh(ctx context.Context) error {
	if c.RefreshToken == "" {
		return gwerrors.NewInvalidGrant("no refresh token available")
	}
	ctx, cancel := tokenContext(ctx)
	defer cancel()
	// Force the token source to refresh by presenting an expired token.
	seed := &oauth2.Token{
		RefreshToken: c.RefreshToken,
		Expiry:       time.Now().Add(-time.Minute),
	}
	tok, err := c.config().TokenSource(ctx, seed).Token()
	if err != nil {
		return classify(err)
	}
	c.applyToken(tok)
	return nil
}

// ExpiresSoon reports whether the credential expires within the skew window
// (or already has). Tokens without expiry never expire here; the lifetime
// cap ensures capped tokens always carry one.
func (c *Client) ExpiresSoon() bool {
	if c.ExpiresAt == 0 {
		return false
	}
	return time.Now().Add(expirySkew).Unix() >= c.ExpiresAt
}

// applyToken copies a provider token response into the record and caps the
// lifetime. The provider's own token is not modified; the record simply
// expires earlier.
func (c *Client) applyToken(tok *oauth2.Token) {
	c.TokenType = tok.TokenType
	c.AccessToken = tok.AccessToken
	if tok.RefreshToken != "" {
		c.RefreshToken = tok.RefreshToken
	}
	if raw, ok := tok.Extra("id_token").(string); ok && raw != "" {
		c.RawIDToken = raw
	}

	expiresAt := tok.Expiry
	if c.MaxLifetime > 0 {
		capped := time.Now().Add(time.Duration(c.MaxLifetime) * time.Second)
		if expiresAt.IsZero() || expiresAt.After(capped) {
			expiresAt = capped
		}
	}
	if expiresAt.IsZero() {
		c.ExpiresAt = 0
	} else {
		c.ExpiresAt = expiresAt.Unix()
	}
}

// Serialize produces the byte representation stored (encrypted) in the
// token cache, including the provider app with its kind tag so behavior can
// be reconstituted without refetching provider metadata.
func (c *Client) Serialize() ([]byte, error) {
	return json.Marshal(c)
}

// Deserialize reconstructs a credential record from its serialized form.
func Deserialize(raw []byte) (*Client, error) {
	var c Client
	if err := json.Unmarshal(raw, &c); err != nil {
		return nil, fmt.Errorf("cannot decode credential record: %w", err)
	}
	if !c.App.Kind.Valid() {
		return nil, fmt.Errorf("credential record has unknown provider kind %q", c.App.Kind)
	}
	return &c, nil
}

func tokenContext(ctx context.Context) (context.Context, context.CancelFunc) {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, &http.Client{Timeout: tokenTimeout})
	return context.WithTimeout(ctx, tokenTimeout)
}

// classify converts the errors produced by the oauth2 package into the
// gateway's taxonomy: provider rejections become OAuth2Errors (permanent or
// transient by code), everything else is a transient upstream problem.
func classify(err error) error {
	var retrieve *oauth2.RetrieveError
	if errors.As(err, &retrieve) {
		code := retrieve.ErrorCode
		if code == "" {
			code = gwerrors.ServerError
		}
		return gwerrors.NewOAuth2Error(code, retrieve.ErrorDescription)
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) && urlErr.Timeout() {
		return fmt.Errorf("%w: %v", gwerrors.ErrUpstreamTimeout, err)
	}
	return gwerrors.NewTemporarilyUnavailable(err.Error())
}
