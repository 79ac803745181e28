package credential

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
)

// Storage keys. Stable: changing them orphans persisted sessions.
const (
	keyCredential = "beacon.credential"
	keyIdentity   = "beacon.identity"
)

// KeyValueStore abstracts the durable key/value medium.
//
// Implementations must return ErrNotFound for missing keys and must make
// Set atomic per key (a reader sees either the old or the new value,
// never a torn write).
type KeyValueStore interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	Close() error
}

// Store persists the credential pair and the cached identity.
type Store struct {
	kv     KeyValueStore
	sealer *Sealer
	log    *slog.Logger
}

// NewStore wraps a KeyValueStore. sealer may be nil (records stored in the
// clear); log may be nil.
func NewStore(kv KeyValueStore, sealer *Sealer, log *slog.Logger) *Store {
	if log == nil {
		log = slog.Default()
	}
	return &Store{kv: kv, sealer: sealer, log: log}
}

// Save writes the credential pair and identity together (login path).
func (s *Store) Save(ctx context.Context, cred Credential, id Identity) error {
	if err := s.SaveCredential(ctx, cred); err != nil {
		return err
	}
	return s.saveIdentity(ctx, id)
}

// SaveCredential atomically replaces the token pair (refresh path).
//
// The pair is marshalled into a single record, so no reader can observe
// an access token paired with a refresh token from a different generation.
func (s *Store) SaveCredential(ctx context.Context, cred Credential) error {
	b, err := json.Marshal(cred)
	if err != nil {
		return fmt.Errorf("marshal credential: %w", err)
	}
	b, err = s.seal(b)
	if err != nil {
		return err
	}
	if err := s.kv.Set(ctx, keyCredential, b); err != nil {
		return fmt.Errorf("persist credential: %w", err)
	}
	return nil
}

// Load returns the stored credential, or nil when none is stored.
func (s *Store) Load(ctx context.Context) (*Credential, error) {
	b, err := s.kv.Get(ctx, keyCredential)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load credential: %w", err)
	}
	b, err = s.open(b)
	if err != nil {
		return nil, err
	}
	var cred Credential
	if err := json.Unmarshal(b, &cred); err != nil {
		return nil, fmt.Errorf("decode credential: %w", err)
	}
	return &cred, nil
}

// LoadIdentity returns the cached identity, or nil when none is stored.
func (s *Store) LoadIdentity(ctx context.Context) (*Identity, error) {
	b, err := s.kv.Get(ctx, keyIdentity)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load identity: %w", err)
	}
	var id Identity
	if err := json.Unmarshal(b, &id); err != nil {
		return nil, fmt.Errorf("decode identity: %w", err)
	}
	return &id, nil
}

// PatchIdentity applies a partial update to the cached identity.
func (s *Store) PatchIdentity(ctx context.Context, p IdentityPatch) error {
	id, err := s.LoadIdentity(ctx)
	if err != nil {
		return err
	}
	if id == nil {
		return ErrNoIdentity
	}

	if p.Username != nil {
		id.Username = *p.Username
	}
	if p.Email != nil {
		id.Email = *p.Email
	}
	if p.Role != nil {
		id.Role = *p.Role
	}
	if p.Admin != nil {
		id.Admin = *p.Admin
	}
	return s.saveIdentity(ctx, *id)
}

// Clear removes the credential and identity. It is idempotent and never
// returns an error: a failed delete is logged and retried on next logout,
// and the caller must not be blocked from tearing down the session.
func (s *Store) Clear(ctx context.Context) {
	for _, key := range []string{keyCredential, keyIdentity} {
		if err := s.kv.Delete(ctx, key); err != nil && !errors.Is(err, ErrNotFound) {
			s.log.Error("credstore.clear.fail", "key", key, "err", err)
		}
	}
}

// Close releases the underlying medium.
func (s *Store) Close() error { return s.kv.Close() }

func (s *Store) saveIdentity(ctx context.Context, id Identity) error {
	b, err := json.Marshal(id)
	if err != nil {
		return fmt.Errorf("marshal identity: %w", err)
	}
	if err := s.kv.Set(ctx, keyIdentity, b); err != nil {
		return fmt.Errorf("persist identity: %w", err)
	}
	return nil
}

func (s *Store) seal(b []byte) ([]byte, error) {
	if s.sealer == nil {
		return b, nil
	}
	return s.sealer.Seal(b)
}

func (s *Store) open(b []byte) ([]byte, error) {
	if s.sealer == nil {
		return b, nil
	}
	return s.sealer.Open(b)
}
