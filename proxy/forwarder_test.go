package proxy

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.pilab.hu/authgw/internal/secretbox"
	"go.pilab.hu/authgw/oauthclient"
	"go.pilab.hu/authgw/providers"
	"go.pilab.hu/authgw/tokencache"
)

const testSecret = "000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f"

var externalURL = mustParse("https://gateway.example.com")

func mustParse(raw string) *url.URL {
	u, err := url.Parse(raw)
	if err != nil {
		panic(err)
	}
	return u
}

func newTestForwarder(t *testing.T, timeout time.Duration) (*Forwarder, *tokencache.Store) {
	t.Helper()
	codec, err := secretbox.New(testSecret)
	require.NoError(t, err)
	tokens := tokencache.NewStore(tokencache.NewMemoryStore(), codec)
	return NewForwarder(externalURL, timeout, tokens), tokens
}

func echoContext(req *http.Request) (echo.Context, *httptest.ResponseRecorder) {
	rec := httptest.NewRecorder()
	return echo.New().NewContext(req, rec), rec
}

// seedRetryCredential stores a source-control credential that still looks
// fresh for an hour, backed by a stub refresh endpoint issuing accessToken.
// Returns the cache key and a counter of refresh calls.
func seedRetryCredential(t *testing.T, tokens *tokencache.Store, accessToken string) (string, *int) {
	t.Helper()
	calls := new(int)
	refresh := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		*calls++
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"access_token":"`+accessToken+`","token_type":"Bearer","expires_in":3600}`)
	}))
	t.Cleanup(refresh.Close)

	key := tokencache.KeyForUser("user-1", providers.KindSourceControl)
	require.NoError(t, tokens.Set(context.Background(), key, &oauthclient.Client{
		App: providers.App{
			Kind:          providers.KindSourceControl,
			BaseURL:       "https://gitlab.example.com",
			ClientID:      "id",
			ClientSecret:  "secret",
			TokenEndpoint: refresh.URL,
		},
		AccessToken:  "revoked-token",
		RefreshToken: "refresh-token",
		ExpiresAt:    time.Now().Add(time.Hour).Unix(),
	}))
	return key, calls
}

func TestForwardStreamsResponse(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v4/projects", r.URL.Path)
		assert.Equal(t, "page=2", r.URL.RawQuery)
		assert.Equal(t, "Bearer the-token", r.Header.Get("Authorization"))
		assert.Empty(t, r.Header.Get("Cookie"), "cookies must not reach the backend")
		w.Header().Set("X-Backend", "yes")
		w.WriteHeader(http.StatusCreated)
		io.WriteString(w, "backend says hi")
	}))
	defer backend.Close()

	f, _ := newTestForwarder(t, 0)
	req := httptest.NewRequest(http.MethodGet, "https://gateway.example.com/api/repos/v4/projects?page=2", nil)
	req.Header.Set("Cookie", "session=browser-state")
	c, rec := echoContext(req)

	resolved := http.Header{}
	resolved.Set("Authorization", "Bearer the-token")
	dest := mustParse(backend.URL + "/v4/projects")
	require.NoError(t, f.Forward(c, dest, resolved, nil))

	assert.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "yes", rec.Header().Get("X-Backend"))
	assert.Equal(t, "backend says hi", rec.Body.String())
}

func TestForwardRetriesOnceOn401(t *testing.T) {
	var calls int
	var seen []string
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		seen = append(seen, r.Header.Get("Authorization"))
		body, _ := io.ReadAll(r.Body)
		assert.Equal(t, "payload", string(body), "the body must be replayed intact")
		if calls == 1 {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer backend.Close()

	f, tokens := newTestForwarder(t, 0)
	key, refreshCalls := seedRetryCredential(t, tokens, "rotated-token")

	req := httptest.NewRequest(http.MethodPost, "https://gateway.example.com/api/repos/x", strings.NewReader("payload"))
	c, rec := echoContext(req)

	resolved := http.Header{}
	resolved.Set("Authorization", "Bearer revoked-token")
	retry := &RetryCredential{CacheKey: key}
	require.NoError(t, f.Forward(c, mustParse(backend.URL+"/x"), resolved, retry))

	assert.Equal(t, 2, calls)
	assert.Equal(t, 1, *refreshCalls,
		"a rejected token must be refreshed even though its recorded expiry is an hour away")
	assert.Equal(t, []string{"Bearer revoked-token", "Bearer rotated-token"}, seen)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestForwardRetryRewritesBasicAuth(t *testing.T) {
	var calls int
	var lastAuth string
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		lastAuth = r.Header.Get("Authorization")
		if calls == 1 {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer backend.Close()

	f, tokens := newTestForwarder(t, 0)
	key, _ := seedRetryCredential(t, tokens, "rotated-token")

	req := httptest.NewRequest(http.MethodGet, "https://gateway.example.com/api/repos/info/refs", nil)
	c, _ := echoContext(req)

	retry := &RetryCredential{CacheKey: key, BasicAuth: true}
	require.NoError(t, f.Forward(c, mustParse(backend.URL+"/info/refs"), http.Header{}, retry))

	require.Equal(t, 2, calls)
	assert.Equal(t, "Basic "+basicCredentials("rotated-token"), lastAuth)
}

func TestForwardSurfacesSecond401(t *testing.T) {
	var calls int
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer backend.Close()

	f, tokens := newTestForwarder(t, 0)
	key, refreshCalls := seedRetryCredential(t, tokens, "still-rejected-token")

	req := httptest.NewRequest(http.MethodGet, "https://gateway.example.com/api/repos/x", nil)
	c, rec := echoContext(req)

	retry := &RetryCredential{CacheKey: key}
	require.NoError(t, f.Forward(c, mustParse(backend.URL+"/x"), http.Header{}, retry))

	assert.Equal(t, 2, calls, "exactly one retry, then the 401 is surfaced")
	assert.Equal(t, 1, *refreshCalls)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestForwardNoRetryWithoutCredential(t *testing.T) {
	var calls int
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer backend.Close()

	f, _ := newTestForwarder(t, 0)
	req := httptest.NewRequest(http.MethodGet, "https://gateway.example.com/api/repos/x", nil)
	c, rec := echoContext(req)

	require.NoError(t, f.Forward(c, mustParse(backend.URL+"/x"), http.Header{}, nil))
	assert.Equal(t, 1, calls)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestForwardOversizedBodyStreamsWithoutRetry(t *testing.T) {
	var calls int
	var received int64
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		n, err := io.Copy(io.Discard, r.Body)
		require.NoError(t, err)
		received = n
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer backend.Close()

	f, tokens := newTestForwarder(t, 0)
	key, refreshCalls := seedRetryCredential(t, tokens, "rotated-token")

	bodySize := int64(maxReplayBytes + 1)
	req := httptest.NewRequest(http.MethodPost, "https://gateway.example.com/api/repos/x.git/git-receive-pack",
		io.LimitReader(neverEndingReader{}, bodySize))
	c, rec := echoContext(req)

	retry := &RetryCredential{CacheKey: key}
	require.NoError(t, f.Forward(c, mustParse(backend.URL+"/x.git/git-receive-pack"), http.Header{}, retry))

	assert.Equal(t, 1, calls, "a body over the replay cap is sent once, never replayed")
	assert.Equal(t, 0, *refreshCalls)
	assert.Equal(t, bodySize, received, "the streamed body must arrive complete")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

type neverEndingReader struct{}

func (neverEndingReader) Read(p []byte) (int, error) {
	for i := range p {
		p[i] = 'a'
	}
	return len(p), nil
}

func TestForwardRewritesLocationHeader(t *testing.T) {
	var backendBase string
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Location", backendBase+"/moved/here")
		w.WriteHeader(http.StatusFound)
	}))
	defer backend.Close()
	backendBase = backend.URL

	f, _ := newTestForwarder(t, 0)
	req := httptest.NewRequest(http.MethodGet, "https://gateway.example.com/api/repos/x", nil)
	c, rec := echoContext(req)

	require.NoError(t, f.Forward(c, mustParse(backend.URL+"/x"), http.Header{}, nil))
	assert.Equal(t, http.StatusFound, rec.Code)
	assert.Equal(t, "https://gateway.example.com/moved/here", rec.Header().Get("Location"))
}

func TestForwardDoesNotFollowRedirects(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/first" {
			http.Redirect(w, r, "/second", http.StatusFound)
			return
		}
		t.Errorf("the forwarder must not follow redirects, got %s", r.URL.Path)
	}))
	defer backend.Close()

	f, _ := newTestForwarder(t, 0)
	req := httptest.NewRequest(http.MethodGet, "https://gateway.example.com/api/repos/first", nil)
	c, rec := echoContext(req)

	require.NoError(t, f.Forward(c, mustParse(backend.URL+"/first"), http.Header{}, nil))
	assert.Equal(t, http.StatusFound, rec.Code)
}

func TestForwardTimeout(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(500 * time.Millisecond)
	}))
	defer backend.Close()

	f, _ := newTestForwarder(t, 50*time.Millisecond)
	req := httptest.NewRequest(http.MethodGet, "https://gateway.example.com/api/repos/slow", nil)
	c, _ := echoContext(req)

	err := f.Forward(c, mustParse(backend.URL+"/slow"), http.Header{}, nil)
	var httpErr *echo.HTTPError
	require.ErrorAs(t, err, &httpErr)
	assert.Equal(t, http.StatusGatewayTimeout, httpErr.Code)
}

func TestForwardUnreachableBackend(t *testing.T) {
	f, _ := newTestForwarder(t, 0)
	req := httptest.NewRequest(http.MethodGet, "https://gateway.example.com/api/repos/x", nil)
	c, _ := echoContext(req)

	err := f.Forward(c, mustParse("http://127.0.0.1:1/x"), http.Header{}, nil)
	var httpErr *echo.HTTPError
	require.ErrorAs(t, err, &httpErr)
	assert.Equal(t, http.StatusBadGateway, httpErr.Code)
}
