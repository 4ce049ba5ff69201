package db

import (
	"context"
	"database/sql"
	"fmt"
)

const signingKeyColumns = `key_id, algorithm, key_type, public_key, encrypted_private_key, usage,
	activation_date, expiration_date, is_active, is_revoked, created_at`

// ActivateSigningKey holds a transaction-scoped advisory lock so concurrent
// rotations queue behind each other; the partial unique index on is_active
// rejects anything that slips past.
func (d *Database) ActivateSigningKey(ctx context.Context, key *SigningKey) error {
	return d.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, signingKeyLock); err != nil {
			return fmt.Errorf("failed to acquire rotation lock: %w", err)
		}

		if _, err := tx.ExecContext(ctx,
			`UPDATE signing_keys SET is_active = FALSE WHERE algorithm = $1 AND usage = $2 AND is_active`,
			key.Algorithm, key.Usage); err != nil {
			return fmt.Errorf("failed to retire active key: %w", err)
		}

		var expiration sql.NullTime
		if key.ExpirationDate != nil {
			expiration = sql.NullTime{Time: *key.ExpirationDate, Valid: true}
		}

		err := tx.QueryRowContext(ctx,
			`INSERT INTO signing_keys (key_id, algorithm, key_type, public_key, encrypted_private_key,
			 usage, activation_date, expiration_date, is_active, is_revoked)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, TRUE, FALSE) RETURNING created_at`,
			key.KeyID, key.Algorithm, key.KeyType, key.PublicKey, key.EncryptedPrivateKey,
			key.Usage, key.ActivationDate, expiration,
		).Scan(&key.CreatedAt)
		if err != nil {
			return mapError(err)
		}
		key.IsActive = true
		return nil
	})
}

func (d *Database) ListSigningKeys(ctx context.Context) ([]*SigningKey, error) {
	query := `SELECT ` + signingKeyColumns + ` FROM signing_keys ORDER BY activation_date`

	ctx, cancel := d.withTimeout(ctx)
	defer cancel()

	rows, err := d.db.QueryContext(ctx, query)
	if err != nil {
		return nil, mapError(err)
	}
	defer rows.Close()

	var result []*SigningKey
	for rows.Next() {
		key := &SigningKey{}
		var expiration sql.NullTime
		if err := rows.Scan(&key.KeyID, &key.Algorithm, &key.KeyType, &key.PublicKey,
			&key.EncryptedPrivateKey, &key.Usage, &key.ActivationDate, &expiration,
			&key.IsActive, &key.IsRevoked, &key.CreatedAt); err != nil {
			return nil, err
		}
		if expiration.Valid {
			key.ExpirationDate = &expiration.Time
		}
		result = append(result, key)
	}
	return result, rows.Err()
}

func (d *Database) RevokeSigningKey(ctx context.Context, keyID string) error {
	rows, err := d.exec(ctx,
		`UPDATE signing_keys SET is_revoked = TRUE, is_active = FALSE WHERE key_id = $1`, keyID)
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}
