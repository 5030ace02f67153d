// Package gateway dispatches proxied requests: it validates the inbound
// credential, selects the auth header strategy for the destination backend
// and hands the request to the forwarder.
package gateway

import (
	"errors"
	"net/http"
	"net/url"
	"strings"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog/log"

	"go.pilab.hu/authgw/authheaders"
	"go.pilab.hu/authgw/gwerrors"
	"go.pilab.hu/authgw/oidc"
	"go.pilab.hu/authgw/providers"
	"go.pilab.hu/authgw/proxy"
	"go.pilab.hu/authgw/tokencache"
)

// StrategyKind selects which header strategy a route uses.
type StrategyKind string

const (
	StrategySourceControl StrategyKind = "source-control"
	StrategyCoreAPI       StrategyKind = "core-api"
	StrategyCompute       StrategyKind = "compute"
	StrategyGateway       StrategyKind = "gateway"
	StrategyAdmin         StrategyKind = "admin"
	StrategyAnonymous     StrategyKind = "anonymous"
)

// Route maps a path prefix to a backend and a strategy. The prefix is
// stripped before forwarding.
type Route struct {
	Prefix   string
	Backend  *url.URL
	Strategy StrategyKind
	// StrictAuth rejects unauthenticated requests instead of letting
	// them through with reduced headers.
	StrictAuth bool
}

// cliBasicUser marks non-interactive version-control clients: they send
// basic auth with this fixed username and the identity access token as the
// password.
const cliBasicUser = "oauth2"

const anonCookie = "anon-id"

// Gateway is the proxy entry point.
type Gateway struct {
	routes    []Route
	verifier  *oidc.Verifier
	resolver  *authheaders.Resolver
	forwarder *proxy.Forwarder
	// adminToken backs the admin strategy, impersonating the user against
	// the source-control API.
	adminToken string
}

func New(routes []Route, verifier *oidc.Verifier, resolver *authheaders.Resolver, forwarder *proxy.Forwarder, adminToken string) *Gateway {
	return &Gateway{
		routes:     routes,
		verifier:   verifier,
		resolver:   resolver,
		forwarder:  forwarder,
		adminToken: adminToken,
	}
}

// RegisterRoutes registers the health endpoint and the catch-all proxy
// handler.
func (g *Gateway) RegisterRoutes(e *echo.Echo) {
	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})
	e.Any("/*", g.Handle)
}

// Handle is the proxy forwarder entry point for every non-auth path.
func (g *Gateway) Handle(c echo.Context) error {
	ctx := c.Request().Context()
	if !g.verifier.Ready(ctx) {
		return echo.NewHTTPError(http.StatusInternalServerError,
			"identity provider configuration is not available")
	}

	route := g.match(c.Request().URL.Path)
	if route == nil {
		return echo.NewHTTPError(http.StatusNotFound, "no backend configured for this path")
	}

	headers, retry, err := g.authenticate(c, route)
	if err != nil {
		return g.authError(c, err)
	}

	// Trim the prefix from the escaped form: the decoded Path would turn
	// percent-encoded slashes into real ones, and the source-control API
	// addresses projects by encoded path.
	rest := strings.TrimPrefix(c.Request().URL.EscapedPath(), route.Prefix)
	dest := route.Backend.JoinPath(rest)
	return g.forwarder.Forward(c, dest, headers, retry)
}

// authenticate resolves the inbound credential into backend headers. A
// missing credential is allowed through with reduced headers unless the
// route requires strict auth.
func (g *Gateway) authenticate(c echo.Context, route *Route) (http.Header, *proxy.RetryCredential, error) {
	ctx := c.Request().Context()
	token, basicMarker := extractToken(c.Request())

	if token == "" {
		if route.StrictAuth {
			return nil, nil, gwerrors.ErrTokenNotFound
		}
		return authheaders.Anonymous(g.anonID(c)), nil, nil
	}

	claims, err := g.verifier.Verify(ctx, token)
	if err != nil {
		return nil, nil, err
	}
	if err := oidc.CheckOrigin(claims, c.Request().Header.Get("Referer")); err != nil {
		return nil, nil, err
	}

	var headers http.Header
	var retry *proxy.RetryCredential
	switch route.Strategy {
	case StrategySourceControl:
		headers, err = g.resolver.SourceControl(ctx, claims, basicMarker)
		if headers != nil && headers.Get("Authorization") != "" {
			retry = &proxy.RetryCredential{
				CacheKey:  tokencache.KeyForUser(claims.Subject, providers.KindSourceControl),
				BasicAuth: basicMarker,
			}
		}
	case StrategyCoreAPI:
		headers, err = g.resolver.CoreAPI(ctx, claims)
	case StrategyCompute:
		headers, err = g.resolver.Compute(ctx, claims)
	case StrategyGateway:
		headers, err = g.resolver.Gateway(ctx, claims)
	case StrategyAdmin:
		headers = authheaders.Admin(claims, g.adminToken)
	case StrategyAnonymous:
		headers = authheaders.Anonymous(g.anonID(c))
	default:
		headers = http.Header{}
	}
	if err != nil {
		return nil, nil, err
	}
	return headers, retry, nil
}

// authError converts auth-phase failures into transport responses. Nothing
// from this phase may propagate as an unhandled error: unclassified
// failures become a generic 401 and are logged with full detail.
func (g *Gateway) authError(c echo.Context, err error) error {
	switch {
	case errors.Is(err, gwerrors.ErrOriginNotAllowed):
		return echo.NewHTTPError(http.StatusForbidden, "origin not allowed")
	case errors.Is(err, gwerrors.ErrTokenExpired):
		return echo.NewHTTPError(http.StatusUnauthorized, "token expired")
	case errors.Is(err, gwerrors.ErrTokenNotFound):
		return echo.NewHTTPError(http.StatusUnauthorized, "authentication required")
	}
	var oauthErr *gwerrors.OAuth2Error
	if errors.As(err, &oauthErr) {
		return echo.NewHTTPError(http.StatusUnauthorized, oauthErr.Code)
	}
	var httpErr *echo.HTTPError
	if errors.As(err, &httpErr) {
		return httpErr
	}
	log.Ctx(c.Request().Context()).Error().Err(err).Msg("unclassified error during auth phase")
	return echo.NewHTTPError(http.StatusUnauthorized, "not authenticated")
}

// match returns the longest-prefix route for a path.
func (g *Gateway) match(path string) *Route {
	var best *Route
	for i := range g.routes {
		r := &g.routes[i]
		if strings.HasPrefix(path, r.Prefix) {
			if best == nil || len(r.Prefix) > len(best.Prefix) {
				best = r
			}
		}
	}
	return best
}

// anonID reads the anonymous-session cookie set by the collaborating web
// layer, minting a fallback id when absent.
func (g *Gateway) anonID(c echo.Context) string {
	if cookie, err := c.Cookie(anonCookie); err == nil && cookie.Value != "" {
		return cookie.Value
	}
	return "anon-" + uuid.NewString()
}

// extractToken pulls the identity access token from the Authorization
// header. Bearer is the normal form; basic auth with the fixed oauth2
// username is the marker for non-interactive version-control clients.
func extractToken(r *http.Request) (token string, basicMarker bool) {
	auth := r.Header.Get("Authorization")
	if auth == "" {
		return "", false
	}
	if len(auth) > 7 && strings.EqualFold(auth[:7], "bearer ") {
		return strings.TrimSpace(auth[7:]), false
	}
	if user, pass, ok := r.BasicAuth(); ok && user == cliBasicUser && pass != "" {
		return pass, true
	}
	return "", false
}
