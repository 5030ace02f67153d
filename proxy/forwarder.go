// Package proxy streams authenticated requests to the backend services and
// their responses back to the caller.
package proxy

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog/log"

	"go.pilab.hu/authgw/gwerrors"
	"go.pilab.hu/authgw/tokencache"
)

// defaultTimeout bounds one outbound proxy call end to end.
const defaultTimeout = 30 * time.Second

// maxReplayBytes bounds the request body buffered for a possible retry.
// Larger bodies are streamed through in a single attempt instead; git
// pushes can be arbitrarily large and must not be held in memory.
const maxReplayBytes = 4 << 20

// hopHeaders are stripped in both directions.
var hopHeaders = []string{
	"Connection", "Keep-Alive", "Proxy-Authenticate", "Proxy-Authorization",
	"Te", "Trailer", "Transfer-Encoding", "Upgrade",
}

// inboundOnlyHeaders carry web-session or internal routing state that must
// never reach a backend.
var inboundOnlyHeaders = []string{"Cookie", "Host"}

// RetryCredential describes the one refresh-and-retry cycle permitted when
// a backend rejects a source-control credential with a 401.
type RetryCredential struct {
	// CacheKey locates the credential to refresh through the token cache.
	CacheKey string
	// BasicAuth selects how the Authorization header is rewritten.
	BasicAuth bool
}

// Forwarder issues proxied requests. One instance is shared by all routes.
type Forwarder struct {
	client      *http.Client
	timeout     time.Duration
	externalURL *url.URL
	tokens      *tokencache.Store
}

func NewForwarder(externalURL *url.URL, timeout time.Duration, tokens *tokencache.Store) *Forwarder {
	if timeout == 0 {
		timeout = defaultTimeout
	}
	return &Forwarder{
		// The timeout is enforced per call through the context so that
		// response streaming is covered too.
		client:      &http.Client{CheckRedirect: func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse }},
		timeout:     timeout,
		externalURL: externalURL,
		tokens:      tokens,
	}
}

// Forward sends the inbound request to dest with the resolved headers
// attached and streams the backend response back. When retry is non-nil and
// the backend answers 401, the credential is refreshed through the token
// cache and the request re-issued exactly once; a second 401 is surfaced
// verbatim.
func (f *Forwarder) Forward(c echo.Context, dest *url.URL, resolved http.Header, retry *RetryCredential) error {
	inbound := c.Request()
	ctx, cancel := context.WithTimeout(inbound.Context(), f.timeout)
	defer cancel()

	// A retryable request needs a replayable body; everything else
	// streams straight through. Bodies over the replay cap give up the
	// retry rather than buffering without bound.
	var body io.Reader = inbound.Body
	var replay []byte
	if retry != nil && inbound.Body != nil {
		buf, err := io.ReadAll(io.LimitReader(inbound.Body, maxReplayBytes+1))
		if err != nil {
			return err
		}
		if len(buf) > maxReplayBytes {
			body = io.MultiReader(bytes.NewReader(buf), inbound.Body)
			retry = nil
		} else {
			replay = buf
			body = bytes.NewReader(replay)
		}
	}

	headers := outboundHeaders(inbound.Header, resolved)
	res, err := f.issue(ctx, inbound, dest, headers, body)
	if err != nil {
		return mapUpstreamError(err)
	}

	if res.StatusCode == http.StatusUnauthorized && retry != nil {
		res.Body.Close()
		log.Ctx(ctx).Info().Str("key", retry.CacheKey).Msg("backend rejected credential, refreshing and retrying once")
		// The backend just rejected the token, so the cached expiry is
		// not to be trusted: refresh unconditionally.
		client, err := f.tokens.ForceRefresh(ctx, retry.CacheKey)
		if err != nil {
			return err
		}
		if client != nil {
			if retry.BasicAuth {
				headers.Set("Authorization", "Basic "+basicCredentials(client.AccessToken))
			} else {
				headers.Set("Authorization", "Bearer "+client.AccessToken)
			}
		}
		res, err = f.issue(ctx, inbound, dest, headers, bytes.NewReader(replay))
		if err != nil {
			return mapUpstreamError(err)
		}
	}
	defer res.Body.Close()

	return f.writeResponse(c, dest, res)
}

func (f *Forwarder) issue(ctx context.Context, inbound *http.Request, dest *url.URL, headers http.Header, body io.Reader) (*http.Response, error) {
	outURL := *dest
	outURL.RawQuery = inbound.URL.RawQuery
	req, err := http.NewRequestWithContext(ctx, inbound.Method, outURL.String(), body)
	if err != nil {
		return nil, err
	}
	req.Header = headers.Clone()
	req.Host = dest.Host
	return f.client.Do(req)
}

// writeResponse copies status, headers and body back to the caller,
// rewriting headers that leak the backend's internal base URL.
func (f *Forwarder) writeResponse(c echo.Context, dest *url.URL, res *http.Response) error {
	out := c.Response()
	backendBase := (&url.URL{Scheme: dest.Scheme, Host: dest.Host}).String()
	for name, values := range res.Header {
		if isHopHeader(name) {
			continue
		}
		for _, v := range values {
			if name == "Link" || name == "Location" {
				v = strings.ReplaceAll(v, backendBase, f.externalURL.String())
			}
			out.Header().Add(name, v)
		}
	}
	out.WriteHeader(res.StatusCode)
	_, err := io.Copy(out, res.Body)
	return err
}

// outboundHeaders clones the inbound headers, strips what must not leave
// the gateway and applies the strategy-resolved headers on top.
func outboundHeaders(inbound, resolved http.Header) http.Header {
	headers := inbound.Clone()
	for _, name := range hopHeaders {
		headers.Del(name)
	}
	for _, name := range inboundOnlyHeaders {
		headers.Del(name)
	}
	for name, values := range resolved {
		headers[name] = values
	}
	return headers
}

func isHopHeader(name string) bool {
	for _, h := range hopHeaders {
		if http.CanonicalHeaderKey(h) == http.CanonicalHeaderKey(name) {
			return true
		}
	}
	return false
}

func basicCredentials(accessToken string) string {
	return base64.StdEncoding.EncodeToString([]byte("oauth2:" + accessToken))
}

func mapUpstreamError(err error) error {
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		if urlErr.Timeout() || errors.Is(err, context.DeadlineExceeded) {
			return echo.NewHTTPError(http.StatusGatewayTimeout,
				fmt.Sprintf("%v: %v", gwerrors.ErrUpstreamTimeout, err))
		}
		return echo.NewHTTPError(http.StatusBadGateway,
			fmt.Sprintf("%v: %v", gwerrors.ErrUpstreamUnreachable, err))
	}
	return err
}
