package login

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog/log"

	"go.pilab.hu/authgw/providers"
	"go.pilab.hu/authgw/tokencache"
)

// cliPollInterval is how often the long-poll variant re-reads the handshake
// record. Only periodic reads, never a held lock.
const cliPollInterval = 2 * time.Second

// cliHandshake lets an out-of-band client claim a credential produced by a
// browser-mediated login. It lives under cli_<sha256hex(nonce)>_<serverNonce>
// for a bounded time.
type cliHandshake struct {
	ClientCacheKey string `json:"client_cache_key"`
	LoginStart     int64  `json:"login_start"`
}

// publishCLIHandshake writes the handshake record at the end of a
// CLI-initiated login sequence.
func (s *Server) publishCLIHandshake(c echo.Context, sess *Session) error {
	record := cliHandshake{
		ClientCacheKey: tokencache.KeyForUser(sess.Sub, providers.KindIdentity),
		LoginStart:     sess.LoginStart,
	}
	raw, err := json.Marshal(record)
	if err != nil {
		return err
	}
	key := tokencache.KeyForCLI(sess.CLINonce, sess.ServerNonce)
	// The record outlives the timeout so an expired handshake can still
	// be reported as 403 instead of silently vanishing into a 404.
	ttl := 2 * s.cfg.CLILoginTimeout
	return s.tokens.Backend().SetTTL(c.Request().Context(), key, raw, ttl)
}

// CLIToken consumes a CLI handshake record and returns the access token the
// browser login produced. 404 while the record is absent (optionally long-
// polling), 403 once the handshake has timed out.
func (s *Server) CLIToken(c echo.Context) error {
	cliNonce := c.QueryParam("cli_nonce")
	serverNonce := c.QueryParam("server_nonce")
	if cliNonce == "" || serverNonce == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "cli_nonce and server_nonce are required")
	}
	ctx := c.Request().Context()
	key := tokencache.KeyForCLI(cliNonce, serverNonce)

	record, err := s.waitForHandshake(ctx, key, c.QueryParam("wait") == "true")
	if err != nil {
		return err
	}
	if record == nil {
		return echo.NewHTTPError(http.StatusNotFound, "no token available for this login")
	}
	if time.Since(time.Unix(record.LoginStart, 0)) > s.cfg.CLILoginTimeout {
		log.Ctx(ctx).Info().Msg("rejecting expired CLI handshake")
		if err := s.tokens.Backend().Delete(ctx, key); err != nil {
			return err
		}
		return echo.NewHTTPError(http.StatusForbidden, "the login has expired, please log in again")
	}

	client, err := s.tokens.Get(ctx, record.ClientCacheKey, false)
	if err != nil {
		return err
	}
	if client == nil {
		return echo.NewHTTPError(http.StatusNotFound, "no token available for this login")
	}
	// The handshake is single use.
	if err := s.tokens.Backend().Delete(ctx, key); err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]string{"access_token": client.AccessToken})
}

// waitForHandshake reads the handshake record, optionally long-polling at a
// fixed interval until the configured timeout. The wait holds no locks and
// aborts when the client disconnects.
func (s *Server) waitForHandshake(ctx context.Context, key string, wait bool) (*cliHandshake, error) {
	deadline := time.Now().Add(s.cfg.CLILoginTimeout)
	for {
		raw, err := s.tokens.Backend().Get(ctx, key)
		if err != nil {
			return nil, err
		}
		if raw != nil {
			var record cliHandshake
			if err := json.Unmarshal(raw, &record); err != nil {
				return nil, err
			}
			return &record, nil
		}
		if !wait || time.Now().After(deadline) {
			return nil, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(cliPollInterval):
		}
	}
}
