package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
)

// discoveryTimeout bounds the single metadata fetch at startup.
const discoveryTimeout = 10 * time.Second

// wellKnown is the subset of the OIDC discovery document the gateway needs.
type wellKnown struct {
	Issuer                string `json:"issuer"`
	AuthorizationEndpoint string `json:"authorization_endpoint"`
	TokenEndpoint         string `json:"token_endpoint"`
	JwksURI               string `json:"jwks_uri"`
	UserinfoEndpoint      string `json:"userinfo_endpoint"`
	EndSessionEndpoint    string `json:"end_session_endpoint"`
}

// NewIdentityApp builds the identity-provider configuration. The
// authorization and token endpoints are discovered from the issuer's
// well-known metadata document, fetched once.
func NewIdentityApp(ctx context.Context, issuerURL, clientID, clientSecret string) (App, error) {
	meta, err := Discover(ctx, issuerURL)
	if err != nil {
		return App{}, err
	}
	return App{
		Kind:                  KindIdentity,
		BaseURL:               issuerURL,
		ClientID:              clientID,
		ClientSecret:          clientSecret,
		AuthorizationEndpoint: meta.AuthorizationEndpoint,
		TokenEndpoint:         meta.TokenEndpoint,
	}, nil
}

// Discover fetches the OIDC discovery document of an issuer.
func Discover(ctx context.Context, issuerURL string) (*wellKnown, error) {
	ctx, cancel := context.WithTimeout(ctx, discoveryTimeout)
	defer cancel()

	url := issuerURL + "/.well-known/openid-configuration"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	res, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch provider metadata from %s: %w", url, err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("provider metadata endpoint %s returned status %d", url, res.StatusCode)
	}

	var meta wellKnown
	if err := json.NewDecoder(res.Body).Decode(&meta); err != nil {
		return nil, fmt.Errorf("cannot decode provider metadata: %w", err)
	}
	log.Debug().Str("issuer", meta.Issuer).Str("token_endpoint", meta.TokenEndpoint).
		Msg("discovered identity provider endpoints")
	return &meta, nil
}
