package store

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fundingarb/internal/exchange"
	"fundingarb/internal/keystore"
)

func credentialRows() *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"user_id", "exchange", "encrypted_key", "encrypted_secret",
		"encrypted_passphrase", "is_active", "environment",
	}).AddRow("u1", "okx", "enc-key", "enc-secret", "enc-pass", true, "MAINNET")
}

func TestGetCredential(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewCredentialRepo(db)

	mock.ExpectQuery(`FROM api_credentials WHERE user_id = \$1 AND exchange = \$2`).
		WithArgs("u1", exchange.OKX).
		WillReturnRows(credentialRows())

	rec, err := repo.GetCredential(context.Background(), "u1", exchange.OKX)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, exchange.OKX, rec.Exchange)
	assert.Equal(t, "enc-pass", rec.EncryptedPassphrase)
	assert.Equal(t, exchange.Mainnet, rec.Environment)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetCredentialAbsentIsNil(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewCredentialRepo(db)

	mock.ExpectQuery(`FROM api_credentials`).
		WithArgs("u1", exchange.MEXC).
		WillReturnRows(sqlmock.NewRows([]string{
			"user_id", "exchange", "encrypted_key", "encrypted_secret",
			"encrypted_passphrase", "is_active", "environment",
		}))

	rec, err := repo.GetCredential(context.Background(), "u1", exchange.MEXC)
	require.NoError(t, err)
	assert.Nil(t, rec)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestListUsers(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewCredentialRepo(db)

	mock.ExpectQuery(`SELECT DISTINCT user_id FROM api_credentials WHERE is_active`).
		WillReturnRows(sqlmock.NewRows([]string{"user_id"}).
			AddRow("u1").
			AddRow("u2"))

	users, err := repo.ListUsers(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"u1", "u2"}, users)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertCredential(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewCredentialRepo(db)

	mock.ExpectExec(`INSERT INTO api_credentials`).
		WithArgs("u1", exchange.OKX, "enc-key", "enc-secret", "enc-pass",
			true, exchange.Mainnet, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := repo.UpsertCredential(context.Background(), &keystore.Record{
		UserID:              "u1",
		Exchange:            exchange.OKX,
		EncryptedKey:        "enc-key",
		EncryptedSecret:     "enc-secret",
		EncryptedPassphrase: "enc-pass",
		IsActive:            true,
		Environment:         exchange.Mainnet,
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDeleteCredential(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewCredentialRepo(db)

	mock.ExpectExec(`DELETE FROM api_credentials`).
		WithArgs("u1", exchange.OKX).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, repo.DeleteCredential(context.Background(), "u1", exchange.OKX))
	assert.NoError(t, mock.ExpectationsWereMet())
}
