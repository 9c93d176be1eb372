// Package keystore manages encrypted per-user exchange credentials and
// hands out ready-to-use exchange clients built from them.
package keystore

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"

	"fundingarb/internal/exchange"
)

// ErrNoCredentials is returned when a user has no usable credentials for an
// exchange: no row, an inactive row, or a row that fails to decrypt.
var ErrNoCredentials = errors.New("no api credentials")

// Record is one encrypted credential row
type Record struct {
	UserID              string
	Exchange            exchange.ID
	EncryptedKey        string
	EncryptedSecret     string
	EncryptedPassphrase string
	IsActive            bool
	Environment         exchange.Environment
}

// Repo persists credential rows
type Repo interface {
	GetCredential(ctx context.Context, userID string, ex exchange.ID) (*Record, error)
	ListCredentials(ctx context.Context, userID string) ([]Record, error)
	UpsertCredential(ctx context.Context, rec *Record) error
	DeleteCredential(ctx context.Context, userID string, ex exchange.ID) error
}

// Factory builds a venue client from decrypted credentials
type Factory func(creds exchange.Credentials) *exchange.Client

type clientKey struct {
	userID string
	ex     exchange.ID
}

// Keystore decrypts lazily and caches one client per (user, exchange)
type Keystore struct {
	cipher    *Cipher
	repo      Repo
	factories map[exchange.ID]Factory

	mu      sync.Mutex
	clients map[clientKey]*exchange.Client
}

// New creates a keystore over the given cipher, repo and venue factories
func New(cipher *Cipher, repo Repo, factories map[exchange.ID]Factory) *Keystore {
	return &Keystore{
		cipher:    cipher,
		repo:      repo,
		factories: factories,
		clients:   make(map[clientKey]*exchange.Client),
	}
}

// Client returns the cached client for (user, exchange), building it from
// the stored credentials on first use. A row that fails to decrypt reports
// ErrNoCredentials rather than an internal error.
func (k *Keystore) Client(ctx context.Context, userID string, ex exchange.ID) (*exchange.Client, error) {
	key := clientKey{userID: userID, ex: ex}

	k.mu.Lock()
	if client, ok := k.clients[key]; ok {
		k.mu.Unlock()
		return client, nil
	}
	k.mu.Unlock()

	creds, err := k.Credentials(ctx, userID, ex)
	if err != nil {
		return nil, err
	}

	factory, ok := k.factories[ex]
	if !ok {
		return nil, fmt.Errorf("keystore: no client factory for %s", ex)
	}
	client := factory(*creds)

	k.mu.Lock()
	defer k.mu.Unlock()
	if cached, ok := k.clients[key]; ok {
		return cached, nil
	}
	k.clients[key] = client
	return client, nil
}

// Credentials decrypts the stored row for (user, exchange)
func (k *Keystore) Credentials(ctx context.Context, userID string, ex exchange.ID) (*exchange.Credentials, error) {
	rec, err := k.repo.GetCredential(ctx, userID, ex)
	if err != nil {
		return nil, err
	}
	if rec == nil || !rec.IsActive {
		return nil, ErrNoCredentials
	}
	return k.decrypt(rec)
}

func (k *Keystore) decrypt(rec *Record) (*exchange.Credentials, error) {
	apiKey, err := k.cipher.Decrypt(rec.EncryptedKey)
	if err != nil {
		return nil, k.decryptFailed(rec, err)
	}
	secret, err := k.cipher.Decrypt(rec.EncryptedSecret)
	if err != nil {
		return nil, k.decryptFailed(rec, err)
	}
	passphrase, err := k.cipher.Decrypt(rec.EncryptedPassphrase)
	if err != nil {
		return nil, k.decryptFailed(rec, err)
	}

	env := rec.Environment
	if env == "" {
		env = exchange.Mainnet
	}
	return &exchange.Credentials{
		APIKey:      apiKey,
		APISecret:   secret,
		Passphrase:  passphrase,
		Environment: env,
	}, nil
}

// a row that no longer decrypts (rotated key, corrupt column) degrades to
// "no credentials", never a crash on a request path
func (k *Keystore) decryptFailed(rec *Record, err error) error {
	log.Warn().Err(err).
		Str("user_id", rec.UserID).
		Str("exchange", string(rec.Exchange)).
		Msg("Credential decrypt failed")
	return ErrNoCredentials
}

// Save encrypts and upserts credentials, invalidating the cached client
func (k *Keystore) Save(ctx context.Context, userID string, ex exchange.ID, creds exchange.Credentials) error {
	encKey, err := k.cipher.Encrypt(creds.APIKey)
	if err != nil {
		return err
	}
	encSecret, err := k.cipher.Encrypt(creds.APISecret)
	if err != nil {
		return err
	}
	encPassphrase := ""
	if creds.Passphrase != "" {
		if encPassphrase, err = k.cipher.Encrypt(creds.Passphrase); err != nil {
			return err
		}
	}
	env := creds.Environment
	if env == "" {
		env = exchange.Mainnet
	}

	if err := k.repo.UpsertCredential(ctx, &Record{
		UserID:              userID,
		Exchange:            ex,
		EncryptedKey:        encKey,
		EncryptedSecret:     encSecret,
		EncryptedPassphrase: encPassphrase,
		IsActive:            true,
		Environment:         env,
	}); err != nil {
		return err
	}

	k.invalidate(userID, ex)
	log.Info().Str("user_id", userID).Str("exchange", string(ex)).Msg("API credentials saved")
	return nil
}

// Delete removes the stored credentials and drops the cached client
func (k *Keystore) Delete(ctx context.Context, userID string, ex exchange.ID) error {
	if err := k.repo.DeleteCredential(ctx, userID, ex); err != nil {
		return err
	}
	k.invalidate(userID, ex)
	return nil
}

func (k *Keystore) invalidate(userID string, ex exchange.ID) {
	k.mu.Lock()
	delete(k.clients, clientKey{userID: userID, ex: ex})
	k.mu.Unlock()
}

// Status reports per-exchange credential availability for one user:
// "ok" when a usable row exists, "no_api_key" otherwise.
func (k *Keystore) Status(ctx context.Context, userID string) map[exchange.ID]string {
	out := make(map[exchange.ID]string, len(exchange.All()))
	for _, ex := range exchange.All() {
		out[ex] = "no_api_key"
	}

	rows, err := k.repo.ListCredentials(ctx, userID)
	if err != nil {
		log.Warn().Err(err).Str("user_id", userID).Msg("Credential list failed")
		return out
	}
	for i := range rows {
		if !rows[i].IsActive {
			continue
		}
		if _, err := k.decrypt(&rows[i]); err == nil {
			out[rows[i].Exchange] = "ok"
		}
	}
	return out
}
