// Package authheaders contains one strategy per backend consumer. Each
// strategy maps the validated identity claims to the additional or rewritten
// headers the backend expects.
//
// Failure policy: a missing upstream credential makes a strategy omit the
// corresponding header, never error. Components downstream reject requests
// lacking required headers. Errors are reserved for malformed or corrupt
// state.
package authheaders

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"

	"go.pilab.hu/authgw/oidc"
	"go.pilab.hu/authgw/providers"
	"go.pilab.hu/authgw/tokencache"
)

// Header names the backends rely on. Several are not in canonical HTTP
// casing; they are set on the header map directly to preserve the exact
// spelling the backends match on.
const (
	HeaderRenkuUser          = "Renku-User"
	HeaderUserID             = "Renku-user-id"
	HeaderUserEmail          = "Renku-user-email"
	HeaderUserFullname       = "Renku-user-fullname"
	HeaderAuthAccessToken    = "Renku-Auth-Access-Token"
	HeaderAuthIDToken        = "Renku-Auth-Id-Token"
	HeaderAuthGitCredentials = "Renku-Auth-Git-Credentials"
	HeaderAnonID             = "Renku-Auth-Anon-Id"
	HeaderGitlabAccessToken  = "Gitlab-Access-Token"
	HeaderSudo               = "Sudo"
	HeaderPrivateToken       = "Private-Token"
)

// Resolver resolves backend credentials through the token cache. All
// lookups go through the cache's refresh path; strategies never hold
// credentials of their own.
type Resolver struct {
	tokens *tokencache.Store
}

func NewResolver(tokens *tokencache.Store) *Resolver {
	return &Resolver{tokens: tokens}
}

// SourceControl emits the source-control credential either as a bearer
// header (normal proxying) or as basic auth built from the fixed "oauth2"
// username and the access token (non-interactive clients like the
// version-control CLI). The two modes are mutually exclusive; basicAuth is
// derived from the marker on the inbound request.
func (r *Resolver) SourceControl(ctx context.Context, claims *oidc.Claims, basicAuth bool) (http.Header, error) {
	h := http.Header{}
	client, err := r.tokens.Get(ctx, tokencache.KeyForUser(claims.Subject, providers.KindSourceControl), false)
	if err != nil {
		return nil, err
	}
	if client == nil {
		return h, nil
	}
	if basicAuth {
		creds := base64.StdEncoding.EncodeToString([]byte("oauth2:" + client.AccessToken))
		h.Set("Authorization", "Basic "+creds)
	} else {
		h.Set("Authorization", "Bearer "+client.AccessToken)
	}
	return h, nil
}

// CoreAPI emits the identity provider's raw ID token under Renku-User and
// the source-control access token as the bearer credential, plus the legacy
// per-claim headers older deployments of the core service still read.
func (r *Resolver) CoreAPI(ctx context.Context, claims *oidc.Claims) (http.Header, error) {
	h := http.Header{}

	identity, err := r.tokens.Get(ctx, tokencache.KeyForUser(claims.Subject, providers.KindIdentity), false)
	if err != nil {
		return nil, err
	}
	if identity != nil && identity.RawIDToken != "" {
		h.Set(HeaderRenkuUser, identity.RawIDToken)
	}

	sourceControl, err := r.tokens.Get(ctx, tokencache.KeyForUser(claims.Subject, providers.KindSourceControl), false)
	if err != nil {
		return nil, err
	}
	if sourceControl != nil {
		h.Set("Authorization", "Bearer "+sourceControl.AccessToken)
	}

	// Legacy duplication of selected claims under individual headers.
	h[HeaderUserID] = []string{claims.Subject}
	h[HeaderUserEmail] = []string{base64.StdEncoding.EncodeToString([]byte(claims.Email))}
	h[HeaderUserFullname] = []string{base64.StdEncoding.EncodeToString([]byte(claims.Name))}
	return h, nil
}

// Compute aggregates everything the compute backend needs to act on the
// user's behalf: the identity tokens plus a git credentials map covering
// every git-hosting credential the user has, so the backend can clone
// private repositories.
func (r *Resolver) Compute(ctx context.Context, claims *oidc.Claims) (http.Header, error) {
	h := http.Header{}
	h.Set(HeaderAuthAccessToken, claims.RawToken)

	identity, err := r.tokens.Get(ctx, tokencache.KeyForUser(claims.Subject, providers.KindIdentity), false)
	if err != nil {
		return nil, err
	}
	if identity != nil && identity.RawIDToken != "" {
		h.Set(HeaderAuthIDToken, identity.RawIDToken)
	}

	gitCreds, err := r.gitCredentials(ctx, claims.Subject)
	if err != nil {
		return nil, err
	}
	if gitCreds != "" {
		h.Set(HeaderAuthGitCredentials, gitCreds)
	}
	return h, nil
}

// gitCredentials builds the base64-encoded JSON map of
// {base_url: {provider, AuthorizationHeader}} for every git-hosting
// credential of the subject.
func (r *Resolver) gitCredentials(ctx context.Context, sub string) (string, error) {
	type entry struct {
		Provider            string `json:"provider"`
		AuthorizationHeader string `json:"AuthorizationHeader"`
	}
	creds := map[string]entry{}
	client, err := r.tokens.Get(ctx, tokencache.KeyForUser(sub, providers.KindSourceControl), false)
	if err != nil {
		return "", err
	}
	if client != nil {
		creds[client.App.BaseURL] = entry{
			Provider:            "GitLab",
			AuthorizationHeader: "bearer " + client.AccessToken,
		}
	}
	if len(creds) == 0 {
		return "", nil
	}
	raw, err := json.Marshal(creds)
	if err != nil {
		return "", fmt.Errorf("cannot encode git credentials: %w", err)
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

// Gateway emits the source-control access token under its own header next
// to the untouched bearer token, for backends that validate the identity
// token themselves but still talk to the source-control API.
func (r *Resolver) Gateway(ctx context.Context, claims *oidc.Claims) (http.Header, error) {
	h := http.Header{}
	h.Set("Authorization", "Bearer "+claims.RawToken)
	client, err := r.tokens.Get(ctx, tokencache.KeyForUser(claims.Subject, providers.KindSourceControl), false)
	if err != nil {
		return nil, err
	}
	if client != nil {
		h[HeaderGitlabAccessToken] = []string{client.AccessToken}
	}
	return h, nil
}

// Admin impersonates the user against the source-control API with a fixed
// admin token and the Sudo header. Kept for one legacy backend route.
func Admin(claims *oidc.Claims, adminToken string) http.Header {
	h := http.Header{}
	h[HeaderPrivateToken] = []string{adminToken}
	h[HeaderSudo] = []string{claims.PreferredUsername}
	return h
}

// Anonymous is the forward-auth fallback for unauthenticated traffic: only
// the anonymous-session identifier (from a cookie owned by the web layer)
// is forwarded, the request itself is allowed through.
func Anonymous(anonID string) http.Header {
	h := http.Header{}
	h[HeaderAnonID] = []string{anonID}
	return h
}
