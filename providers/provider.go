// Package providers describes the OAuth2 providers the gateway chains
// behind a single user-visible login: the identity provider, the
// source-control provider and the compute provider.
package providers

import (
	"fmt"

	"golang.org/x/oauth2"
)

// Kind tags a provider configuration. Deserialized credentials carry the tag
// so provider behavior can be reconstituted without refetching metadata.
type Kind string

const (
	KindIdentity      Kind = "oidc"
	KindSourceControl Kind = "gitlab"
	KindCompute       Kind = "notebooks"
)

// CacheSuffix returns the per-provider tag used in cache keys of the form
// cache_<subject>_<suffix>.
func (k Kind) CacheSuffix() string {
	switch k {
	case KindIdentity:
		return "identity"
	case KindSourceControl:
		return "source-control"
	case KindCompute:
		return "compute"
	}
	return string(k)
}

func (k Kind) Valid() bool {
	switch k {
	case KindIdentity, KindSourceControl, KindCompute:
		return true
	}
	return false
}

// KindFromSuffix is the inverse of CacheSuffix.
func KindFromSuffix(suffix string) (Kind, error) {
	for _, k := range []Kind{KindIdentity, KindSourceControl, KindCompute} {
		if k.CacheSuffix() == suffix {
			return k, nil
		}
	}
	return "", fmt.Errorf("unknown provider suffix %q", suffix)
}

// App combines the information about an OAuth2 provider and the application
// the gateway has registered with it. Immutable after construction, except
// for identity-provider endpoints which are discovered once and cached.
type App struct {
	Kind                  Kind   `json:"kind"`
	BaseURL               string `json:"base_url"`
	ClientID              string `json:"client_id"`
	ClientSecret          string `json:"client_secret"`
	AuthorizationEndpoint string `json:"authorization_endpoint"`
	TokenEndpoint         string `json:"token_endpoint"`
}

// Endpoint adapts the App to an oauth2.Endpoint.
func (a App) Endpoint() oauth2.Endpoint {
	return oauth2.Endpoint{
		AuthURL:   a.AuthorizationEndpoint,
		TokenURL:  a.TokenEndpoint,
		AuthStyle: oauth2.AuthStyleInParams,
	}
}

// LogoutURL returns the provider's own logout page, visited sequentially by
// the page returned from the gateway's logout endpoint.
func (a App) LogoutURL() string {
	switch a.Kind {
	case KindIdentity:
		return a.BaseURL + "/protocol/openid-connect/logout"
	case KindSourceControl:
		return a.BaseURL + "/users/sign_out"
	case KindCompute:
		return a.BaseURL + "/hub/logout"
	}
	return ""
}

// NewSourceControlApp builds the configuration for a GitLab-style provider.
// GitLab serves its OAuth2 endpoints under well-known paths.
func NewSourceControlApp(baseURL, clientID, clientSecret string) App {
	return App{
		Kind:                  KindSourceControl,
		BaseURL:               baseURL,
		ClientID:              clientID,
		ClientSecret:          clientSecret,
		AuthorizationEndpoint: baseURL + "/oauth/authorize",
		TokenEndpoint:         baseURL + "/oauth/token",
	}
}

// NewComputeApp builds the configuration for a JupyterHub-style compute
// provider.
func NewComputeApp(baseURL, clientID, clientSecret string) App {
	return App{
		Kind:                  KindCompute,
		BaseURL:               baseURL,
		ClientID:              clientID,
		ClientSecret:          clientSecret,
		AuthorizationEndpoint: baseURL + "/hub/api/oauth2/authorize",
		TokenEndpoint:         baseURL + "/hub/api/oauth2/token",
	}
}
