package keystore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fundingarb/internal/exchange"
)

var testKey = []byte("0123456789abcdef0123456789abcdef")

type memRepo struct {
	rows map[string]*Record
}

func newMemRepo() *memRepo {
	return &memRepo{rows: make(map[string]*Record)}
}

func (r *memRepo) key(userID string, ex exchange.ID) string {
	return userID + "|" + string(ex)
}

func (r *memRepo) GetCredential(_ context.Context, userID string, ex exchange.ID) (*Record, error) {
	return r.rows[r.key(userID, ex)], nil
}

func (r *memRepo) ListCredentials(_ context.Context, userID string) ([]Record, error) {
	var out []Record
	for _, rec := range r.rows {
		if rec.UserID == userID {
			out = append(out, *rec)
		}
	}
	return out, nil
}

func (r *memRepo) UpsertCredential(_ context.Context, rec *Record) error {
	r.rows[r.key(rec.UserID, rec.Exchange)] = rec
	return nil
}

func (r *memRepo) DeleteCredential(_ context.Context, userID string, ex exchange.ID) error {
	delete(r.rows, r.key(userID, ex))
	return nil
}

func TestCipherRoundTrip(t *testing.T) {
	c, err := NewCipher(testKey)
	require.NoError(t, err)

	sealed, err := c.Encrypt("super-secret-api-key")
	require.NoError(t, err)
	assert.NotEqual(t, "super-secret-api-key", sealed)

	plain, err := c.Decrypt(sealed)
	require.NoError(t, err)
	assert.Equal(t, "super-secret-api-key", plain)
}

func TestCipherUniqueNonces(t *testing.T) {
	c, err := NewCipher(testKey)
	require.NoError(t, err)

	a, err := c.Encrypt("same plaintext")
	require.NoError(t, err)
	b, err := c.Encrypt("same plaintext")
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestCipherRejectsBadKeySize(t *testing.T) {
	_, err := NewCipher([]byte("short"))
	require.Error(t, err)
}

func TestCipherEmptyString(t *testing.T) {
	c, err := NewCipher(testKey)
	require.NoError(t, err)

	sealed, err := c.Encrypt("")
	require.NoError(t, err)
	plain, err := c.Decrypt(sealed)
	require.NoError(t, err)
	assert.Equal(t, "", plain)
}

func newTestKeystore(t *testing.T, repo Repo) *Keystore {
	t.Helper()
	c, err := NewCipher(testKey)
	require.NoError(t, err)
	factories := map[exchange.ID]Factory{
		exchange.Binance: func(creds exchange.Credentials) *exchange.Client {
			return &exchange.Client{}
		},
	}
	return New(c, repo, factories)
}

func TestSaveAndCredentials(t *testing.T) {
	repo := newMemRepo()
	ks := newTestKeystore(t, repo)
	ctx := context.Background()

	err := ks.Save(ctx, "u1", exchange.Binance, exchange.Credentials{
		APIKey:    "key",
		APISecret: "secret",
	})
	require.NoError(t, err)

	// stored encrypted, not plaintext
	rec := repo.rows[repo.key("u1", exchange.Binance)]
	require.NotNil(t, rec)
	assert.NotEqual(t, "key", rec.EncryptedKey)
	assert.NotEqual(t, "secret", rec.EncryptedSecret)
	assert.True(t, rec.IsActive)

	creds, err := ks.Credentials(ctx, "u1", exchange.Binance)
	require.NoError(t, err)
	assert.Equal(t, "key", creds.APIKey)
	assert.Equal(t, "secret", creds.APISecret)
	assert.Equal(t, exchange.Mainnet, creds.Environment)
}

func TestCredentialsMissingRow(t *testing.T) {
	ks := newTestKeystore(t, newMemRepo())
	_, err := ks.Credentials(context.Background(), "u1", exchange.Binance)
	assert.ErrorIs(t, err, ErrNoCredentials)
}

func TestCredentialsInactiveRow(t *testing.T) {
	repo := newMemRepo()
	ks := newTestKeystore(t, repo)
	ctx := context.Background()

	require.NoError(t, ks.Save(ctx, "u1", exchange.Binance, exchange.Credentials{APIKey: "k", APISecret: "s"}))
	repo.rows[repo.key("u1", exchange.Binance)].IsActive = false

	_, err := ks.Credentials(ctx, "u1", exchange.Binance)
	assert.ErrorIs(t, err, ErrNoCredentials)
}

func TestDecryptFailureDegradesToNoCredentials(t *testing.T) {
	repo := newMemRepo()
	ks := newTestKeystore(t, repo)
	ctx := context.Background()

	repo.rows[repo.key("u1", exchange.Binance)] = &Record{
		UserID:          "u1",
		Exchange:        exchange.Binance,
		EncryptedKey:    "not-valid-ciphertext",
		EncryptedSecret: "also-not-valid",
		IsActive:        true,
	}

	_, err := ks.Credentials(ctx, "u1", exchange.Binance)
	assert.ErrorIs(t, err, ErrNoCredentials)

	status := ks.Status(ctx, "u1")
	assert.Equal(t, "no_api_key", status[exchange.Binance])
}

func TestClientCachedPerUserExchange(t *testing.T) {
	repo := newMemRepo()
	built := 0
	c, err := NewCipher(testKey)
	require.NoError(t, err)
	ks := New(c, repo, map[exchange.ID]Factory{
		exchange.Binance: func(creds exchange.Credentials) *exchange.Client {
			built++
			return &exchange.Client{}
		},
	})
	ctx := context.Background()

	require.NoError(t, ks.Save(ctx, "u1", exchange.Binance, exchange.Credentials{APIKey: "k", APISecret: "s"}))

	first, err := ks.Client(ctx, "u1", exchange.Binance)
	require.NoError(t, err)
	second, err := ks.Client(ctx, "u1", exchange.Binance)
	require.NoError(t, err)
	assert.Same(t, first, second)
	assert.Equal(t, 1, built)

	// saving again invalidates the cache
	require.NoError(t, ks.Save(ctx, "u1", exchange.Binance, exchange.Credentials{APIKey: "k2", APISecret: "s2"}))
	third, err := ks.Client(ctx, "u1", exchange.Binance)
	require.NoError(t, err)
	assert.NotSame(t, first, third)
	assert.Equal(t, 2, built)
}

func TestStatus(t *testing.T) {
	repo := newMemRepo()
	ks := newTestKeystore(t, repo)
	ctx := context.Background()

	require.NoError(t, ks.Save(ctx, "u1", exchange.Binance, exchange.Credentials{APIKey: "k", APISecret: "s"}))

	status := ks.Status(ctx, "u1")
	assert.Equal(t, "ok", status[exchange.Binance])
	assert.Equal(t, "no_api_key", status[exchange.OKX])
	assert.Len(t, status, len(exchange.All()))
}
