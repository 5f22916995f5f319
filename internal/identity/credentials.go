package identity

import (
	"context"
	"errors"
	"fmt"

	"github.com/seungdori/TradingBoost-Strategy-sub006/internal/exchange"
	"github.com/seungdori/TradingBoost-Strategy-sub006/internal/store"
)

// CredentialStore loads and saves per-user API triplets under the
// user:{uid}:api:keys hash. It implements exchange.CredentialsSource.
type CredentialStore struct {
	store     store.Store
	directory Directory
}

// NewCredentialStore builds a CredentialStore. directory may be nil; when
// present, missing keys are hydrated from it on first access.
func NewCredentialStore(s store.Store, directory Directory) *CredentialStore {
	return &CredentialStore{store: s, directory: directory}
}

// Credentials reads the stored API triplet for uid.
func (c *CredentialStore) Credentials(ctx context.Context, uid string) (exchange.Credentials, error) {
	fields, err := c.store.HGetAll(ctx, store.UserAPIKeysKey(uid))
	if err != nil {
		return exchange.Credentials{}, fmt.Errorf("read api keys for %s: %w", uid, err)
	}
	creds := exchange.Credentials{
		Key:        fields["api_key"],
		Secret:     fields["api_secret"],
		Passphrase: fields["passphrase"],
	}
	if !creds.Valid() {
		return creds, exchange.ErrNoCredentials
	}
	return creds, nil
}

// Save persists the triplet.
func (c *CredentialStore) Save(ctx context.Context, uid string, creds exchange.Credentials) error {
	return c.store.HSet(ctx, store.UserAPIKeysKey(uid), map[string]string{
		"api_key":    creds.Key,
		"api_secret": creds.Secret,
		"passphrase": creds.Passphrase,
	})
}

// Ensure returns stored credentials, hydrating them from the external
// directory when the store has none.
func (c *CredentialStore) Ensure(ctx context.Context, uid string) (exchange.Credentials, error) {
	creds, err := c.Credentials(ctx, uid)
	if err == nil {
		return creds, nil
	}
	if !errors.Is(err, exchange.ErrNoCredentials) || c.directory == nil {
		return exchange.Credentials{}, err
	}
	creds, err = c.directory.LookupCredentials(ctx, uid)
	if err != nil {
		return exchange.Credentials{}, fmt.Errorf("hydrate credentials for %s: %w", uid, err)
	}
	if !creds.Valid() {
		return creds, exchange.ErrNoCredentials
	}
	if err := c.Save(ctx, uid, creds); err != nil {
		return creds, fmt.Errorf("persist hydrated credentials for %s: %w", uid, err)
	}
	return creds, nil
}
