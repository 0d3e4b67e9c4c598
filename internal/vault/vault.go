// Package vault hands out decrypted broker credentials. User-scoped rows take
// precedence over system-level rows for the same broker.
package vault

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"trade-executor/pkg/brokers/common"
	"trade-executor/pkg/crypto"
	"trade-executor/pkg/db"
)

var ErrNoCredentials = errors.New("no credentials configured")

// Store is the persistence the vault needs.
type Store interface {
	UpsertBrokerCredentials(ctx context.Context, brokerID, userID, secretsEncrypted string) error
	GetBrokerCredentials(ctx context.Context, brokerID, userID string) (db.BrokerCredentialRow, error)
}

type Vault struct {
	store Store
	keys  *crypto.KeyManager
	log   zerolog.Logger
}

func New(store Store, keys *crypto.KeyManager, log zerolog.Logger) *Vault {
	return &Vault{store: store, keys: keys, log: log.With().Str("component", "vault").Logger()}
}

// owner is bound into the ciphertext so a row copied to another user fails to open.
func owner(brokerID, userID string) string {
	return brokerID + "|" + userID
}

// GetCredentials returns a fresh copy for (brokerID, userID), falling back to
// the system-level row. The returned value's UserID tells the caller which
// scope matched.
func (v *Vault) GetCredentials(ctx context.Context, brokerID, userID string) (*common.Credentials, error) {
	scopes := []string{userID}
	if userID != "" {
		scopes = append(scopes, "")
	}
	for _, scope := range scopes {
		row, err := v.store.GetBrokerCredentials(ctx, brokerID, scope)
		if errors.Is(err, db.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("load %s credentials: %w", brokerID, err)
		}

		var creds common.Credentials
		if err := v.keys.OpenJSON(row.SecretsEncrypted, owner(brokerID, scope), &creds); err != nil {
			return nil, fmt.Errorf("decrypt %s credentials: %w", brokerID, err)
		}
		creds.BrokerID = brokerID
		creds.UserID = scope

		if v.keys.NeedsRotation(row.SecretsEncrypted) {
			if err := v.Store(ctx, creds); err != nil {
				v.log.Warn().Err(err).Str("broker", brokerID).Msg("re-encrypt with current key failed")
			}
		}
		return &creds, nil
	}
	return nil, fmt.Errorf("%s for user %q: %w", brokerID, userID, ErrNoCredentials)
}

// Store seals the whole bag under the current key. An empty UserID stores a
// system-level credential.
func (v *Vault) Store(ctx context.Context, creds common.Credentials) error {
	if creds.BrokerID == "" {
		return errors.New("broker id is required")
	}
	sealed, err := v.keys.SealJSON(creds, owner(creds.BrokerID, creds.UserID))
	if err != nil {
		return fmt.Errorf("encrypt %s credentials: %w", creds.BrokerID, err)
	}
	return v.store.UpsertBrokerCredentials(ctx, creds.BrokerID, creds.UserID, sealed)
}
