package oauthclient

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.pilab.hu/authgw/gwerrors"
	"go.pilab.hu/authgw/providers"
)

func testApp(tokenEndpoint string) providers.App {
	return providers.App{
		Kind:                  providers.KindSourceControl,
		BaseURL:               "https://gitlab.example.com",
		ClientID:              "client-id",
		ClientSecret:          "client-secret",
		AuthorizationEndpoint: "https://gitlab.example.com/oauth/authorize",
		TokenEndpoint:         tokenEndpoint,
	}
}

func TestAuthorizationURL(t *testing.T) {
	client := New(testApp(""), "https://gw.example.com/auth/gitlab/token", []string{"api", "read_user"}, 0)
	client.State = "anti-forgery"

	u, err := url.Parse(client.AuthorizationURL())
	require.NoError(t, err)
	assert.Equal(t, "gitlab.example.com", u.Host)
	assert.Equal(t, "/oauth/authorize", u.Path)
	q := u.Query()
	assert.Equal(t, "client-id", q.Get("client_id"))
	assert.Equal(t, "code", q.Get("response_type"))
	assert.Equal(t, "anti-forgery", q.Get("state"))
	assert.Equal(t, "https://gw.example.com/auth/gitlab/token", q.Get("redirect_uri"))
	assert.Equal(t, "api read_user", q.Get("scope"))
}

func TestExchangeCode(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "authorization_code", r.Form.Get("grant_type"))
		assert.Equal(t, "the-code", r.Form.Get("code"))
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"access_token":  "granted-token",
			"token_type":    "Bearer",
			"refresh_token": "granted-refresh",
			"id_token":      "granted-id-token",
			"expires_in":    3600,
		})
	}))
	defer srv.Close()

	client := New(testApp(srv.URL), "https://gw.example.com/auth/gitlab/token", nil, 0)
	err := client.ExchangeCode(context.Background(),
		"https://gw.example.com/auth/gitlab/token?code=the-code&state=s")
	require.NoError(t, err)

	assert.Equal(t, "granted-token", client.AccessToken)
	assert.Equal(t, "granted-refresh", client.RefreshToken)
	assert.Equal(t, "granted-id-token", client.RawIDToken)
	assert.Empty(t, client.Code, "the authorization code is single use")
	assert.InDelta(t, time.Now().Add(time.Hour).Unix(), client.ExpiresAt, 10)
}

func TestExchangeCodeProviderError(t *testing.T) {
	client := New(testApp(""), "https://gw.example.com/cb", nil, 0)
	err := client.ExchangeCode(context.Background(),
		"https://gw.example.com/cb?error=access_denied&error_description=user+said+no")

	var oauthErr *gwerrors.OAuth2Error
	require.ErrorAs(t, err, &oauthErr)
	assert.Equal(t, "access_denied", oauthErr.Code)
	assert.ErrorIs(t, err, gwerrors.ErrPermanent)
}

func TestExchangeCodeMissingCode(t *testing.T) {
	client := New(testApp(""), "https://gw.example.com/cb", nil, 0)
	err := client.ExchangeCode(context.Background(), "https://gw.example.com/cb?state=s")

	var oauthErr *gwerrors.OAuth2Error
	require.ErrorAs(t, err, &oauthErr)
	assert.Equal(t, gwerrors.InvalidRequest, oauthErr.Code)
}

func TestRefresh(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "refresh_token", r.Form.Get("grant_type"))
		assert.Equal(t, "old-refresh", r.Form.Get("refresh_token"))
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"access_token": "rotated-token",
			"token_type":   "Bearer",
			"expires_in":   1800,
		})
	}))
	defer srv.Close()

	client := New(testApp(srv.URL), "https://gw.example.com/cb", nil, 0)
	client.RefreshToken = "old-refresh"
	require.NoError(t, client.Refresh(context.Background()))

	assert.Equal(t, "rotated-token", client.AccessToken)
	assert.Equal(t, "old-refresh", client.RefreshToken,
		"a response without a new refresh token keeps the old one")
}

func TestRefreshWithoutRefreshToken(t *testing.T) {
	client := New(testApp(""), "https://gw.example.com/cb", nil, 0)
	err := client.Refresh(context.Background())
	require.ErrorIs(t, err, gwerrors.ErrPermanent)
}

func TestLifetimeCap(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"access_token": "long-lived",
			"token_type":   "Bearer",
			"expires_in":   999999,
		})
	}))
	defer srv.Close()

	client := New(testApp(srv.URL), "https://gw.example.com/cb", nil, 3600)
	client.RefreshToken = "r"
	require.NoError(t, client.Refresh(context.Background()))
	assert.InDelta(t, time.Now().Add(time.Hour).Unix(), client.ExpiresAt, 10,
		"the cap must win over the provider expiry")
}

func TestLifetimeCapAppliesToNonExpiringTokens(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"access_token": "eternal",
			"token_type":   "Bearer",
		})
	}))
	defer srv.Close()

	client := New(testApp(srv.URL), "https://gw.example.com/cb", nil, 3600)
	client.RefreshToken = "r"
	require.NoError(t, client.Refresh(context.Background()))
	assert.NotZero(t, client.ExpiresAt)
	assert.InDelta(t, time.Now().Add(time.Hour).Unix(), client.ExpiresAt, 10)
}

func TestExpiresSoon(t *testing.T) {
	client := &Client{App: testApp("")}
	assert.False(t, client.ExpiresSoon(), "no expiry means never expiring")

	client.ExpiresAt = time.Now().Add(time.Hour).Unix()
	assert.False(t, client.ExpiresSoon())

	client.ExpiresAt = time.Now().Add(4 * time.Second).Unix()
	assert.True(t, client.ExpiresSoon(), "inside the skew window counts as expired")

	client.ExpiresAt = time.Now().Add(-time.Minute).Unix()
	assert.True(t, client.ExpiresSoon())
}

func TestSerializeDeserialize(t *testing.T) {
	in := New(testApp("https://gitlab.example.com/oauth/token"), "https://gw.example.com/cb", []string{"api"}, 3600)
	in.AccessToken = "tok"
	in.RefreshToken = "ref"
	in.ExpiresAt = 12345

	raw, err := in.Serialize()
	require.NoError(t, err)

	out, err := Deserialize(raw)
	require.NoError(t, err)
	assert.Equal(t, in, out)
}

func TestDeserializeRejectsUnknownKind(t *testing.T) {
	_, err := Deserialize([]byte(`{"provider_app":{"kind":"mystery"}}`))
	require.Error(t, err)

	_, err = Deserialize([]byte("not json"))
	require.Error(t, err)
}
