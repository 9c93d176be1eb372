package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"fundingarb/internal/exchange"
	"fundingarb/internal/keystore"
)

// CredentialRepo persists encrypted API credentials. It implements
// keystore.Repo.
type CredentialRepo struct {
	db *sql.DB
}

// NewCredentialRepo creates the repository
func NewCredentialRepo(db *sql.DB) *CredentialRepo {
	return &CredentialRepo{db: db}
}

// GetCredential returns the row for (user, exchange), or nil when absent
func (r *CredentialRepo) GetCredential(ctx context.Context, userID string, ex exchange.ID) (*keystore.Record, error) {
	row := r.db.QueryRowContext(ctx, `
        SELECT user_id, exchange, encrypted_key, encrypted_secret,
               encrypted_passphrase, is_active, environment
        FROM api_credentials WHERE user_id = $1 AND exchange = $2`,
		userID, ex)

	rec, err := scanCredential(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return rec, err
}

// ListCredentials returns every row for one user
func (r *CredentialRepo) ListCredentials(ctx context.Context, userID string) ([]keystore.Record, error) {
	rows, err := r.db.QueryContext(ctx, `
        SELECT user_id, exchange, encrypted_key, encrypted_secret,
               encrypted_passphrase, is_active, environment
        FROM api_credentials WHERE user_id = $1`,
		userID)
	if err != nil {
		return nil, fmt.Errorf("list credentials: %w", err)
	}
	defer rows.Close()

	var out []keystore.Record
	for rows.Next() {
		rec, err := scanCredential(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *rec)
	}
	return out, rows.Err()
}

// ListUsers returns the distinct users with at least one active credential
func (r *CredentialRepo) ListUsers(ctx context.Context) ([]string, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT DISTINCT user_id FROM api_credentials WHERE is_active`)
	if err != nil {
		return nil, fmt.Errorf("list credential users: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var userID string
		if err := rows.Scan(&userID); err != nil {
			return nil, fmt.Errorf("scan credential user: %w", err)
		}
		out = append(out, userID)
	}
	return out, rows.Err()
}

// UpsertCredential inserts or replaces the row for (user, exchange)
func (r *CredentialRepo) UpsertCredential(ctx context.Context, rec *keystore.Record) error {
	_, err := r.db.ExecContext(ctx, `
        INSERT INTO api_credentials (user_id, exchange, encrypted_key, encrypted_secret,
            encrypted_passphrase, is_active, environment, updated_at)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
        ON CONFLICT (user_id, exchange)
        DO UPDATE SET encrypted_key        = EXCLUDED.encrypted_key,
                      encrypted_secret     = EXCLUDED.encrypted_secret,
                      encrypted_passphrase = EXCLUDED.encrypted_passphrase,
                      is_active            = EXCLUDED.is_active,
                      environment          = EXCLUDED.environment,
                      updated_at           = EXCLUDED.updated_at`,
		rec.UserID, rec.Exchange, rec.EncryptedKey, rec.EncryptedSecret,
		rec.EncryptedPassphrase, rec.IsActive, rec.Environment, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("upsert credential: %w", err)
	}
	return nil
}

// DeleteCredential removes the row for (user, exchange)
func (r *CredentialRepo) DeleteCredential(ctx context.Context, userID string, ex exchange.ID) error {
	_, err := r.db.ExecContext(ctx,
		`DELETE FROM api_credentials WHERE user_id = $1 AND exchange = $2`,
		userID, ex)
	if err != nil {
		return fmt.Errorf("delete credential: %w", err)
	}
	return nil
}

func scanCredential(row rowScanner) (*keystore.Record, error) {
	var (
		rec keystore.Record
		ex  string
		env string
	)
	err := row.Scan(&rec.UserID, &ex, &rec.EncryptedKey, &rec.EncryptedSecret,
		&rec.EncryptedPassphrase, &rec.IsActive, &env)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan credential: %w", err)
	}
	rec.Exchange = exchange.ID(ex)
	rec.Environment = exchange.Environment(env)
	return &rec, nil
}
