package login

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"go.pilab.hu/authgw/providers"
	"go.pilab.hu/authgw/tokencache"
)

const (
	sessionCookie = "authgw-session"
	sessionTTL    = 8 * time.Hour
	sessionPrefix = "session_"
)

// Session is the small set of string-keyed values tied to one browser via a
// cookie. Login state lives in the shared backing store, not in process
// memory, so the sequencer survives restarts and multiple instances.
type Session struct {
	ID          string           `json:"id"`
	Sub         string           `json:"sub,omitempty"`
	RedirectURL string           `json:"redirect_url,omitempty"`
	Seq         int              `json:"login_seq"`
	Sequence    []providers.Kind `json:"sequence,omitempty"`
	CLINonce    string           `json:"cli_nonce,omitempty"`
	ServerNonce string           `json:"server_nonce,omitempty"`
	TempKey     string           `json:"temp_cache_key,omitempty"`
	LoginStart  int64            `json:"login_start,omitempty"`
}

// Sessions stores sessions in the same backing store as the token cache.
type Sessions struct {
	store  tokencache.ValueStore
	secure bool
}

func NewSessions(store tokencache.ValueStore, secure bool) *Sessions {
	return &Sessions{store: store, secure: secure}
}

// Get loads the session referenced by the request cookie, or returns a fresh
// unsaved one.
func (s *Sessions) Get(c echo.Context) (*Session, error) {
	cookie, err := c.Cookie(sessionCookie)
	if err == nil && cookie.Value != "" {
		raw, err := s.store.Get(c.Request().Context(), sessionPrefix+cookie.Value)
		if err != nil {
			return nil, err
		}
		if raw != nil {
			var sess Session
			if err := json.Unmarshal(raw, &sess); err == nil && sess.ID == cookie.Value {
				return &sess, nil
			}
		}
	}
	return s.New()
}

// New creates an unsaved session with a fresh random id.
func (s *Sessions) New() (*Session, error) {
	id, err := randomHex(32)
	if err != nil {
		return nil, err
	}
	return &Session{ID: id}, nil
}

// Save persists the session and (re)sets the cookie on the response.
func (s *Sessions) Save(c echo.Context, sess *Session) error {
	raw, err := json.Marshal(sess)
	if err != nil {
		return err
	}
	if err := s.store.SetTTL(c.Request().Context(), sessionPrefix+sess.ID, raw, sessionTTL); err != nil {
		return err
	}
	c.SetCookie(&http.Cookie{
		Name:     sessionCookie,
		Value:    sess.ID,
		Path:     "/",
		HttpOnly: true,
		Secure:   s.secure,
		SameSite: http.SameSiteLaxMode,
	})
	return nil
}

// Clear drops the stored session and expires the cookie.
func (s *Sessions) Clear(c echo.Context, sess *Session) error {
	if err := s.store.Delete(c.Request().Context(), sessionPrefix+sess.ID); err != nil {
		return err
	}
	c.SetCookie(&http.Cookie{
		Name:     sessionCookie,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   s.secure,
	})
	return nil
}

// Load fetches a session by id without an HTTP exchange. Used by tests.
func (s *Sessions) Load(ctx context.Context, id string) (*Session, error) {
	raw, err := s.store.Get(ctx, sessionPrefix+id)
	if err != nil {
		return nil, err
	}
	if raw == nil {
		return nil, fmt.Errorf("session %q not found", id)
	}
	var sess Session
	if err := json.Unmarshal(raw, &sess); err != nil {
		return nil, err
	}
	return &sess, nil
}

func randomHex(nBytes int) (string, error) {
	buf := make([]byte, nBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}
	return hex.EncodeToString(buf), nil
}
