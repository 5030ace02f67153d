package authheaders

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.pilab.hu/authgw/internal/secretbox"
	"go.pilab.hu/authgw/oauthclient"
	"go.pilab.hu/authgw/oidc"
	"go.pilab.hu/authgw/providers"
	"go.pilab.hu/authgw/tokencache"
)

const testSecret = "000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f"

func newTestResolver(t *testing.T) (*Resolver, *tokencache.Store) {
	t.Helper()
	codec, err := secretbox.New(testSecret)
	require.NoError(t, err)
	store := tokencache.NewStore(tokencache.NewMemoryStore(), codec)
	return NewResolver(store), store
}

func seedCredential(t *testing.T, store *tokencache.Store, sub string, kind providers.Kind, accessToken, idToken string) {
	t.Helper()
	client := &oauthclient.Client{
		App: providers.App{
			Kind:    kind,
			BaseURL: "https://gitlab.example.com",
		},
		TokenType:   "Bearer",
		AccessToken: accessToken,
		RawIDToken:  idToken,
	}
	require.NoError(t, store.Set(context.Background(), tokencache.KeyForUser(sub, kind), client))
}

func testClaims() *oidc.Claims {
	return &oidc.Claims{
		Subject:           "user-1",
		Email:             "jo@example.com",
		Name:              "Jo Smith",
		PreferredUsername: "jo",
		RawToken:          "raw-identity-jwt",
	}
}

func TestSourceControlBearer(t *testing.T) {
	resolver, store := newTestResolver(t)
	seedCredential(t, store, "user-1", providers.KindSourceControl, "gitlab-token", "")

	h, err := resolver.SourceControl(context.Background(), testClaims(), false)
	require.NoError(t, err)
	assert.Equal(t, "Bearer gitlab-token", h.Get("Authorization"))
}

func TestSourceControlBasicAuth(t *testing.T) {
	resolver, store := newTestResolver(t)
	seedCredential(t, store, "user-1", providers.KindSourceControl, "gitlab-token", "")

	h, err := resolver.SourceControl(context.Background(), testClaims(), true)
	require.NoError(t, err)
	want := base64.StdEncoding.EncodeToString([]byte("oauth2:gitlab-token"))
	assert.Equal(t, "Basic "+want, h.Get("Authorization"))
}

func TestSourceControlWithoutCredential(t *testing.T) {
	resolver, _ := newTestResolver(t)
	h, err := resolver.SourceControl(context.Background(), testClaims(), false)
	require.NoError(t, err)
	assert.Empty(t, h.Get("Authorization"), "missing credential omits the header, never errors")
}

func TestCoreAPI(t *testing.T) {
	resolver, store := newTestResolver(t)
	seedCredential(t, store, "user-1", providers.KindIdentity, "identity-token", "the-id-token")
	seedCredential(t, store, "user-1", providers.KindSourceControl, "gitlab-token", "")

	h, err := resolver.CoreAPI(context.Background(), testClaims())
	require.NoError(t, err)
	assert.Equal(t, "the-id-token", h.Get(HeaderRenkuUser))
	assert.Equal(t, "Bearer gitlab-token", h.Get("Authorization"))

	// The legacy claim headers keep their exact non-canonical spelling.
	assert.Equal(t, []string{"user-1"}, h[HeaderUserID])
	assert.Equal(t,
		[]string{base64.StdEncoding.EncodeToString([]byte("jo@example.com"))},
		h[HeaderUserEmail])
	assert.Equal(t,
		[]string{base64.StdEncoding.EncodeToString([]byte("Jo Smith"))},
		h[HeaderUserFullname])
}

func TestCompute(t *testing.T) {
	resolver, store := newTestResolver(t)
	seedCredential(t, store, "user-1", providers.KindIdentity, "identity-token", "the-id-token")
	seedCredential(t, store, "user-1", providers.KindSourceControl, "gitlab-token", "")

	h, err := resolver.Compute(context.Background(), testClaims())
	require.NoError(t, err)
	assert.Equal(t, "raw-identity-jwt", h.Get(HeaderAuthAccessToken))
	assert.Equal(t, "the-id-token", h.Get(HeaderAuthIDToken))

	raw, err := base64.StdEncoding.DecodeString(h.Get(HeaderAuthGitCredentials))
	require.NoError(t, err)
	var creds map[string]struct {
		Provider            string `json:"provider"`
		AuthorizationHeader string `json:"AuthorizationHeader"`
	}
	require.NoError(t, json.Unmarshal(raw, &creds))
	entry, ok := creds["https://gitlab.example.com"]
	require.True(t, ok)
	assert.Equal(t, "GitLab", entry.Provider)
	assert.Equal(t, "bearer gitlab-token", entry.AuthorizationHeader)
}

func TestComputeWithoutGitCredential(t *testing.T) {
	resolver, _ := newTestResolver(t)
	h, err := resolver.Compute(context.Background(), testClaims())
	require.NoError(t, err)
	assert.Equal(t, "raw-identity-jwt", h.Get(HeaderAuthAccessToken))
	assert.Empty(t, h.Get(HeaderAuthGitCredentials))
}

func TestGateway(t *testing.T) {
	resolver, store := newTestResolver(t)
	seedCredential(t, store, "user-1", providers.KindSourceControl, "gitlab-token", "")

	h, err := resolver.Gateway(context.Background(), testClaims())
	require.NoError(t, err)
	assert.Equal(t, "Bearer raw-identity-jwt", h.Get("Authorization"))
	assert.Equal(t, []string{"gitlab-token"}, h[HeaderGitlabAccessToken])
}

func TestAdmin(t *testing.T) {
	h := Admin(testClaims(), "admin-token")
	assert.Equal(t, []string{"admin-token"}, h[HeaderPrivateToken])
	assert.Equal(t, []string{"jo"}, h[HeaderSudo])
}

func TestAnonymous(t *testing.T) {
	h := Anonymous("anon-42")
	assert.Equal(t, []string{"anon-42"}, h[HeaderAnonID])
	assert.Empty(t, h.Get("Authorization"))
}
