// Package login implements the multi-provider login sequencer: one
// user-visible login chained into N OAuth2 authorization dances, one per
// configured provider, with state kept in the server-side session and the
// token cache.
package login

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog/log"

	"go.pilab.hu/authgw/oauthclient"
	"go.pilab.hu/authgw/oidc"
	"go.pilab.hu/authgw/providers"
	"go.pilab.hu/authgw/tokencache"
)

// defaultSequence is the full login chain: the identity provider always runs
// first, because it establishes the subject the other credentials are keyed
// under.
var defaultSequence = []providers.Kind{
	providers.KindIdentity,
	providers.KindSourceControl,
	providers.KindCompute,
}

// Config carries the sequencer's tunables.
type Config struct {
	// ExternalURL is the gateway's externally visible base URL.
	ExternalURL *url.URL
	// CLILoginTimeout bounds the CLI handshake, default 300s.
	CLILoginTimeout time.Duration
	// MaxTokenLifetime caps credentials from providers that issue tokens
	// without real expiry, in seconds.
	MaxTokenLifetime int64
}

// Server wires the login, callback, CLI and logout handlers.
type Server struct {
	cfg      Config
	registry *providers.Registry
	tokens   *tokencache.Store
	verifier *oidc.Verifier
	sessions *Sessions
}

func NewServer(cfg Config, registry *providers.Registry, tokens *tokencache.Store, verifier *oidc.Verifier) *Server {
	if cfg.CLILoginTimeout == 0 {
		cfg.CLILoginTimeout = 300 * time.Second
	}
	secure := cfg.ExternalURL.Scheme == "https"
	return &Server{
		cfg:      cfg,
		registry: registry,
		tokens:   tokens,
		verifier: verifier,
		sessions: NewSessions(tokens.Backend(), secure),
	}
}

// RegisterRoutes registers the auth routes.
func (s *Server) RegisterRoutes(e *echo.Echo) {
	e.GET("/auth/login", s.Login)
	e.GET("/auth/login/next", s.LoginNext)
	e.GET("/auth/cli-token", s.CLIToken)
	e.GET("/auth/logout", s.Logout)
	e.GET("/auth/:provider/login", s.ProviderLogin)
	e.GET("/auth/:provider/token", s.ProviderToken)
}

// Sessions exposes the session store to the proxy layer, which needs the
// subject of the calling browser session.
func (s *Server) Sessions() *Sessions {
	return s.sessions
}

// Login starts a fresh login sequence. Any prior session state is discarded.
func (s *Server) Login(c echo.Context) error {
	sess, err := s.sessions.New()
	if err != nil {
		return err
	}
	sess.RedirectURL = c.QueryParam("redirect_url")
	if sess.RedirectURL == "" {
		sess.RedirectURL = s.cfg.ExternalURL.String()
	}
	sess.Sequence, err = s.requestedSequence(c.QueryParam("providers"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	sess.Seq = 0
	sess.LoginStart = time.Now().Unix()

	if cliNonce := c.QueryParam("cli_nonce"); cliNonce != "" {
		sess.CLINonce = cliNonce
		if sess.ServerNonce, err = randomHex(32); err != nil {
			return err
		}
	}
	if err := s.sessions.Save(c, sess); err != nil {
		return err
	}
	return c.Redirect(http.StatusFound, s.stepLoginURL(sess.Sequence[0]))
}

// ProviderLogin issues the authorization redirect for one step of the
// sequence. The in-flight credential record, including the anti-forgery
// state, is persisted before the user leaves for the provider.
func (s *Server) ProviderLogin(c echo.Context) error {
	sess, err := s.sessions.Get(c)
	if err != nil {
		return err
	}
	kind := providers.Kind(c.Param("provider"))
	app, err := s.registry.App(kind)
	if err != nil {
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	}

	redirectURL := s.cfg.ExternalURL.JoinPath("auth", string(kind), "token").String()
	client := oauthclient.New(app, redirectURL, providers.Scopes(kind), s.maxLifetime(kind))
	if client.State, err = randomHex(16); err != nil {
		return err
	}

	key, err := s.stepCacheKey(c, sess, kind)
	if err != nil {
		return err
	}
	ctx := c.Request().Context()
	if err := s.tokens.Set(ctx, key, client); err != nil {
		return err
	}
	return c.Redirect(http.StatusFound, client.AuthorizationURL())
}

// ProviderToken is the per-step callback: it verifies the state parameter,
// exchanges the code, establishes the subject on the identity step and
// durably persists the credential before redirecting to the next step.
func (s *Server) ProviderToken(c echo.Context) error {
	sess, err := s.sessions.Get(c)
	if err != nil {
		return err
	}
	kind := providers.Kind(c.Param("provider"))
	if !kind.Valid() {
		return echo.NewHTTPError(http.StatusNotFound, "unknown provider")
	}

	ctx := c.Request().Context()
	key, err := s.stepCacheKey(c, sess, kind)
	if err != nil {
		return err
	}
	client, err := s.tokens.Get(ctx, key, true)
	if err != nil {
		return err
	}
	if client == nil {
		return echo.NewHTTPError(http.StatusBadRequest, "no login in progress for this provider")
	}
	if state := c.QueryParam("state"); state == "" || state != client.State {
		log.Ctx(ctx).Warn().Str("provider", string(kind)).Msg("state parameter mismatch on login callback")
		return echo.NewHTTPError(http.StatusBadRequest, "state parameter mismatch")
	}

	callbackURL := s.cfg.ExternalURL.JoinPath("auth", string(kind), "token").String() +
		"?" + c.Request().URL.RawQuery
	if err := client.ExchangeCode(ctx, callbackURL); err != nil {
		return err
	}
	client.State = ""

	if kind == providers.KindIdentity {
		claims, err := s.verifier.Verify(ctx, client.AccessToken)
		if err != nil {
			return err
		}
		sess.Sub = claims.Subject
	}
	if sess.Sub == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "subject not established before provider step")
	}

	// Persist-then-redirect: the credential must be durable under its
	// permanent key before the next step can reference it.
	permKey := tokencache.KeyForUser(sess.Sub, kind)
	if err := s.tokens.Set(ctx, permKey, client); err != nil {
		return err
	}
	if key != permKey {
		if err := s.tokens.Delete(ctx, key); err != nil {
			return err
		}
		sess.TempKey = ""
	}
	if err := s.sessions.Save(c, sess); err != nil {
		return err
	}
	return c.Redirect(http.StatusFound, s.cfg.ExternalURL.JoinPath("auth", "login", "next").String())
}

// LoginNext advances the sequence between steps, and finishes it: the last
// advance redirects to the caller-supplied target and, for CLI-initiated
// logins, publishes the handshake record.
func (s *Server) LoginNext(c echo.Context) error {
	sess, err := s.sessions.Get(c)
	if err != nil {
		return err
	}
	if len(sess.Sequence) == 0 {
		// Sequence already finished (or never started): a stray call
		// must not restart anything.
		target := sess.RedirectURL
		if target == "" {
			target = s.cfg.ExternalURL.String()
		}
		return c.Redirect(http.StatusFound, target)
	}

	// Advance only past a completed step: a stray hit before the current
	// step's callback persisted its credential must not skip the step (or
	// publish a CLI handshake pointing at a key that was never written).
	current := sess.Sequence[sess.Seq]
	done, err := s.stepCompleted(c.Request().Context(), sess, current)
	if err != nil {
		return err
	}
	if !done {
		return c.Redirect(http.StatusFound, s.stepLoginURL(current))
	}

	sess.Seq++
	if sess.Seq < len(sess.Sequence) {
		next := sess.Sequence[sess.Seq]
		if err := s.sessions.Save(c, sess); err != nil {
			return err
		}
		return c.Redirect(http.StatusFound, s.stepLoginURL(next))
	}

	target := sess.RedirectURL
	if sess.CLINonce != "" {
		if err := s.publishCLIHandshake(c, sess); err != nil {
			return err
		}
		target = appendQuery(target, "server_nonce", sess.ServerNonce)
	}

	sess.Sequence = nil
	sess.Seq = 0
	sess.CLINonce = ""
	sess.ServerNonce = ""
	if err := s.sessions.Save(c, sess); err != nil {
		return err
	}
	return c.Redirect(http.StatusFound, target)
}

// stepCompleted reports whether a step's credential has been durably
// persisted under the subject key.
func (s *Server) stepCompleted(ctx context.Context, sess *Session, kind providers.Kind) (bool, error) {
	if sess.Sub == "" {
		return false, nil
	}
	client, err := s.tokens.Get(ctx, tokencache.KeyForUser(sess.Sub, kind), true)
	if err != nil {
		return false, err
	}
	return client != nil, nil
}

// stepCacheKey picks the cache key for the current step: subject-derived
// once known, otherwise the temporary session key.
func (s *Server) stepCacheKey(c echo.Context, sess *Session, kind providers.Kind) (string, error) {
	if sess.Sub != "" {
		return tokencache.KeyForUser(sess.Sub, kind), nil
	}
	if sess.TempKey == "" {
		key, err := tokencache.TempKey()
		if err != nil {
			return "", err
		}
		sess.TempKey = key
		if err := s.sessions.Save(c, sess); err != nil {
			return "", err
		}
	}
	return sess.TempKey, nil
}

func (s *Server) stepLoginURL(kind providers.Kind) string {
	return s.cfg.ExternalURL.JoinPath("auth", string(kind), "login").String()
}

// maxLifetime applies the configured cap to the providers observed to issue
// tokens without real expiry. Identity-provider tokens already expire.
func (s *Server) maxLifetime(kind providers.Kind) int64 {
	if kind == providers.KindIdentity {
		return 0
	}
	return s.cfg.MaxTokenLifetime
}

// requestedSequence parses the optional providers query parameter into an
// ordered subsequence of the default chain.
func (s *Server) requestedSequence(param string) ([]providers.Kind, error) {
	if param == "" {
		seq := make([]providers.Kind, 0, len(defaultSequence))
		for _, k := range defaultSequence {
			if _, err := s.registry.App(k); err == nil {
				seq = append(seq, k)
			}
		}
		if len(seq) == 0 {
			return nil, fmt.Errorf("no providers configured")
		}
		return seq, nil
	}
	var seq []providers.Kind
	for _, name := range strings.Split(param, ",") {
		kind := providers.Kind(strings.TrimSpace(name))
		if !kind.Valid() {
			return nil, fmt.Errorf("unknown provider %q", name)
		}
		if _, err := s.registry.App(kind); err != nil {
			return nil, err
		}
		seq = append(seq, kind)
	}
	return seq, nil
}

func appendQuery(rawURL, key, value string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	q := u.Query()
	q.Set(key, value)
	u.RawQuery = q.Encode()
	return u.String()
}
