package tokencache

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"

	"go.pilab.hu/authgw/gwerrors"
	"go.pilab.hu/authgw/internal/secretbox"
	"go.pilab.hu/authgw/oauthclient"
)

// Store holds encrypted serialized credential records in a ValueStore and
// refreshes them transparently on read.
type Store struct {
	backend ValueStore
	codec   *secretbox.Codec
}

func NewStore(backend ValueStore, codec *secretbox.Codec) *Store {
	return &Store{backend: backend, codec: codec}
}

// Set serializes, encrypts and stores a credential record. Entries carry no
// storage-level expiry: the cache entry outlives the token and expiry is
// managed at the application level.
func (s *Store) Set(ctx context.Context, key string, client *oauthclient.Client) error {
	raw, err := client.Serialize()
	if err != nil {
		return err
	}
	sealed, err := s.codec.Encrypt(raw)
	if err != nil {
		return err
	}
	return s.backend.Set(ctx, key, sealed)
}

// Get fetches and decrypts a credential record. A missing entry returns
// (nil, nil): callers must treat nil as "re-authentication required", never
// as a transient fault.
//
// Unless noRefresh is set, a record within the skew window of expiry is
// refreshed against its provider and persisted back under the same key
// before being returned. A permanent provider rejection evicts the entry
// and returns nil; a transient refresh failure propagates up so the caller
// can retry the inbound request, deliberately leaving the entry in place.
func (s *Store) Get(ctx context.Context, key string, noRefresh bool) (*oauthclient.Client, error) {
	sealed, err := s.backend.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	if sealed == nil {
		return nil, nil
	}

	raw, err := s.codec.Decrypt(sealed)
	if err != nil {
		// Corrupt entry or secret rotation: evict and treat the user
		// as unauthenticated rather than failing the request.
		log.Ctx(ctx).Warn().Err(err).Str("key", key).Msg("evicting undecryptable cache entry")
		if delErr := s.backend.Delete(ctx, key); delErr != nil {
			return nil, delErr
		}
		return nil, nil
	}
	client, err := oauthclient.Deserialize(raw)
	if err != nil {
		log.Ctx(ctx).Warn().Err(err).Str("key", key).Msg("evicting undecodable cache entry")
		if delErr := s.backend.Delete(ctx, key); delErr != nil {
			return nil, delErr
		}
		return nil, nil
	}

	if noRefresh || !client.ExpiresSoon() {
		return client, nil
	}
	return s.refresh(ctx, key, client)
}

// ForceRefresh refreshes a credential against its provider regardless of the
// recorded expiry and persists the result. For callers that learned out of
// band that the token was rejected, e.g. a backend answering 401 on a token
// the cache still considers fresh. A missing entry returns (nil, nil).
func (s *Store) ForceRefresh(ctx context.Context, key string) (*oauthclient.Client, error) {
	client, err := s.Get(ctx, key, true)
	if err != nil || client == nil {
		return client, err
	}
	return s.refresh(ctx, key, client)
}

// refresh runs the refresh grant and persists the outcome: eviction on a
// permanent provider rejection, the entry kept untouched on a transient
// failure.
func (s *Store) refresh(ctx context.Context, key string, client *oauthclient.Client) (*oauthclient.Client, error) {
	log.Ctx(ctx).Info().Str("key", key).Msg("refreshing credential")
	if err := client.Refresh(ctx); err != nil {
		if errors.Is(err, gwerrors.ErrPermanent) {
			log.Ctx(ctx).Warn().Err(err).Str("key", key).
				Msg("refresh rejected by provider, clearing credential")
			if delErr := s.backend.Delete(ctx, key); delErr != nil {
				return nil, delErr
			}
			return nil, nil
		}
		// Transient failure, possibly a refresh race between two
		// concurrent requests. Keep the entry: the winning refresh has
		// already persisted a usable record.
		return nil, fmt.Errorf("transient refresh failure for %q: %w", key, err)
	}
	if err := s.Set(ctx, key, client); err != nil {
		return nil, err
	}
	return client, nil
}

// Delete removes a credential record. Idempotent.
func (s *Store) Delete(ctx context.Context, key string) error {
	return s.backend.Delete(ctx, key)
}

// DeleteAllForUser evicts every credential of a subject. Used on logout.
func (s *Store) DeleteAllForUser(ctx context.Context, sub string) error {
	return s.backend.DeletePrefix(ctx, UserKeyPrefix(sub))
}

// Backend exposes the raw value store for components that keep small
// non-credential records (sessions, CLI handshakes) in the same service.
func (s *Store) Backend() ValueStore {
	return s.backend
}
