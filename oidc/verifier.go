// Package oidc validates access and ID tokens issued by the identity
// provider and extracts the claims the auth header strategies need.
package oidc

import (
	"context"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/jellydator/ttlcache/v3"
	"github.com/rs/zerolog/log"

	"go.pilab.hu/authgw/gwerrors"
	"go.pilab.hu/authgw/providers"
)

const (
	// refetchInterval throttles JWKS refetches after a signature
	// verification failure, so a real key-rotation event does not turn
	// into a thundering herd against the identity provider.
	refetchInterval = time.Minute
	keyTTL          = 12 * time.Hour
	fetchTimeout    = 10 * time.Second
)

// Claims is the validated identity of an end-user.
type Claims struct {
	Subject           string
	Email             string
	Name              string
	PreferredUsername string
	AllowedOrigins    []string
	// RawToken is the compact JWT the claims were extracted from.
	RawToken string
}

// Verifier checks token signatures against the identity provider's JWKS.
// The signing keys are fetched lazily on first use and cached.
type Verifier struct {
	issuer   string
	clientID string
	client   *http.Client
	keys     *ttlcache.Cache[string, *rsa.PublicKey]

	mu        sync.Mutex
	jwksURI   string
	lastFetch time.Time
}

func NewVerifier(issuer, clientID string) *Verifier {
	keys := ttlcache.New(
		ttlcache.WithTTL[string, *rsa.PublicKey](keyTTL),
		ttlcache.WithDisableTouchOnHit[string, *rsa.PublicKey](),
	)
	go keys.Start()
	return &Verifier{
		issuer:   issuer,
		clientID: clientID,
		client:   &http.Client{Timeout: fetchTimeout},
		keys:     keys,
	}
}

// Ready reports whether the provider's signing keys are available, fetching
// them if this is the first use. The proxy returns a 500 when they are not.
func (v *Verifier) Ready(ctx context.Context) bool {
	if v.keys.Len() > 0 {
		return true
	}
	return v.fetchKeys(ctx) == nil
}

// Verify parses and validates a compact JWT. Expired tokens yield
// gwerrors.ErrTokenExpired; any other validation problem yields
// gwerrors.ErrTokenNotFound wrapped with detail.
func (v *Verifier) Verify(ctx context.Context, raw string) (*Claims, error) {
	claims, err := v.parse(ctx, raw)
	if errors.Is(err, jwt.ErrTokenSignatureInvalid) {
		// Possibly a key rotation: refetch (throttled) and retry once.
		if ferr := v.fetchKeys(ctx); ferr == nil {
			claims, err = v.parse(ctx, raw)
		}
	}
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, gwerrors.ErrTokenExpired
		}
		return nil, fmt.Errorf("%w: %v", gwerrors.ErrTokenNotFound, err)
	}
	return claims, nil
}

func (v *Verifier) parse(ctx context.Context, raw string) (*Claims, error) {
	var mc jwt.MapClaims = map[string]any{}
	_, err := jwt.ParseWithClaims(raw, &mc, v.keyfunc(ctx),
		jwt.WithValidMethods([]string{"RS256"}),
		jwt.WithIssuer(v.issuer),
		jwt.WithAudience(v.clientID),
	)
	if err != nil {
		return nil, err
	}

	claims := &Claims{RawToken: raw}
	claims.Subject, _ = mc["sub"].(string)
	claims.Email, _ = mc["email"].(string)
	claims.Name, _ = mc["name"].(string)
	claims.PreferredUsername, _ = mc["preferred_username"].(string)
	if claims.Name == "" {
		given, _ := mc["given_name"].(string)
		family, _ := mc["family_name"].(string)
		if given != "" || family != "" {
			claims.Name = given + " " + family
		}
	}
	if origins, ok := mc["allowed-origins"].([]any); ok {
		for _, o := range origins {
			if s, ok := o.(string); ok {
				claims.AllowedOrigins = append(claims.AllowedOrigins, s)
			}
		}
	}
	return claims, nil
}

func (v *Verifier) keyfunc(ctx context.Context) jwt.Keyfunc {
	return func(token *jwt.Token) (any, error) {
		kid, _ := token.Header["kid"].(string)
		if item := v.keys.Get(kid); item != nil {
			return item.Value(), nil
		}
		if err := v.fetchKeys(ctx); err != nil {
			return nil, err
		}
		if item := v.keys.Get(kid); item != nil {
			return item.Value(), nil
		}
		return nil, fmt.Errorf("no signing key with id %q", kid)
	}
}

type jwksDocument struct {
	Keys []struct {
		Kty string `json:"kty"`
		Kid string `json:"kid"`
		Use string `json:"use"`
		N   string `json:"n"`
		E   string `json:"e"`
	} `json:"keys"`
}

// fetchKeys loads the provider's signing keys, at most once per
// refetchInterval.
func (v *Verifier) fetchKeys(ctx context.Context) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if time.Since(v.lastFetch) < refetchInterval {
		return nil
	}
	v.lastFetch = time.Now()

	if v.jwksURI == "" {
		meta, err := providers.Discover(ctx, v.issuer)
		if err != nil {
			return err
		}
		v.jwksURI = meta.JwksURI
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, v.jwksURI, nil)
	if err != nil {
		return err
	}
	res, err := v.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to fetch JWKS from %s: %w", v.jwksURI, err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		return fmt.Errorf("JWKS endpoint %s returned status %d", v.jwksURI, res.StatusCode)
	}

	var doc jwksDocument
	if err := json.NewDecoder(res.Body).Decode(&doc); err != nil {
		return fmt.Errorf("cannot decode JWKS document: %w", err)
	}
	for _, k := range doc.Keys {
		if k.Kty != "RSA" || (k.Use != "" && k.Use != "sig") {
			continue
		}
		pub, err := parseRSAKey(k.N, k.E)
		if err != nil {
			log.Warn().Err(err).Str("kid", k.Kid).Msg("skipping unparsable JWKS key")
			continue
		}
		v.keys.Set(k.Kid, pub, keyTTL)
	}
	log.Debug().Int("keys", v.keys.Len()).Msg("loaded identity provider signing keys")
	return nil
}

func parseRSAKey(n, e string) (*rsa.PublicKey, error) {
	nb, err := base64.RawURLEncoding.DecodeString(n)
	if err != nil {
		return nil, fmt.Errorf("bad modulus: %w", err)
	}
	eb, err := base64.RawURLEncoding.DecodeString(e)
	if err != nil {
		return nil, fmt.Errorf("bad exponent: %w", err)
	}
	return &rsa.PublicKey{
		N: new(big.Int).SetBytes(nb),
		E: int(new(big.Int).SetBytes(eb).Int64()),
	}, nil
}
