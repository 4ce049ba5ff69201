package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

const authorizationColumns = `id, subject_id, client_id, authorization_type, status, scopes,
	creation_date, expiration_date`

const tokenColumns = `id, authorization_id, reference_id, token_type, status, subject_id, client_id,
	scopes, redirect_uri, code_challenge, code_challenge_method, nonce, creation_date,
	expiration_date, redemption_date`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanAuthorization(row rowScanner) (*Authorization, error) {
	authz := &Authorization{}
	var authzType, status string
	var scopes pq.StringArray
	var expiration sql.NullTime

	if err := row.Scan(&authz.ID, &authz.SubjectID, &authz.ClientID, &authzType, &status,
		&scopes, &authz.CreationDate, &expiration); err != nil {
		return nil, err
	}

	authz.Type = AuthorizationType(authzType)
	authz.Status = AuthorizationStatus(status)
	authz.Scopes = []string(scopes)
	if expiration.Valid {
		authz.ExpirationDate = &expiration.Time
	}
	return authz, nil
}

func scanToken(row rowScanner) (*Token, error) {
	token := &Token{}
	var authzID uuid.NullUUID
	var reference sql.NullString
	var tokenType, status string
	var scopes pq.StringArray
	var redemption sql.NullTime

	if err := row.Scan(&token.ID, &authzID, &reference, &tokenType, &status, &token.SubjectID,
		&token.ClientID, &scopes, &token.RedirectURI, &token.CodeChallenge,
		&token.CodeChallengeMethod, &token.Nonce, &token.CreationDate, &token.ExpirationDate,
		&redemption); err != nil {
		return nil, err
	}

	if authzID.Valid {
		token.AuthorizationID = &authzID.UUID
	}
	token.ReferenceID = reference.String
	token.Type = TokenType(tokenType)
	token.Status = TokenStatus(status)
	token.Scopes = []string(scopes)
	if redemption.Valid {
		token.RedemptionDate = &redemption.Time
	}
	return token, nil
}

func (d *Database) CreateAuthorization(ctx context.Context, authz *Authorization) error {
	if authz.ID == uuid.Nil {
		authz.ID = uuid.New()
	}

	query := `INSERT INTO authorizations (` + authorizationColumns + `)
			  VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`

	var expiration sql.NullTime
	if authz.ExpirationDate != nil {
		expiration = sql.NullTime{Time: *authz.ExpirationDate, Valid: true}
	}

	_, err := d.exec(ctx, query, authz.ID, authz.SubjectID, authz.ClientID, string(authz.Type),
		string(authz.Status), pq.Array(authz.Scopes), authz.CreationDate, expiration)
	return err
}

func (d *Database) GetAuthorization(ctx context.Context, id uuid.UUID) (*Authorization, error) {
	query := `SELECT ` + authorizationColumns + ` FROM authorizations WHERE id = $1`

	ctx, cancel := d.withTimeout(ctx)
	defer cancel()

	authz, err := scanAuthorization(d.db.QueryRowContext(ctx, query, id))
	if err != nil {
		return nil, mapError(err)
	}
	return authz, nil
}

func (d *Database) TransitionAuthorization(ctx context.Context, id uuid.UUID, from []AuthorizationStatus, to AuthorizationStatus, subjectID string) error {
	query := `UPDATE authorizations
			  SET status = $3,
			      subject_id = CASE WHEN subject_id = '' THEN $4 ELSE subject_id END
			  WHERE id = $1 AND status = ANY($2)`

	return expectOne(d.exec(ctx, query, id, pq.Array(statusStrings(from)), string(to), subjectID))
}

func (d *Database) RevokeAuthorization(ctx context.Context, id uuid.UUID, from []AuthorizationStatus) (int64, error) {
	var revoked int64
	err := d.inTx(ctx, func(tx *sql.Tx) error {
		result, err := tx.ExecContext(ctx,
			`UPDATE authorizations SET status = $2 WHERE id = $1 AND status = ANY($3)`,
			id, string(AuthorizationRevoked), pq.Array(statusStrings(from)))
		if err != nil {
			return fmt.Errorf("failed to revoke authorization: %w", err)
		}
		if n, err := result.RowsAffected(); err != nil {
			return err
		} else if n == 0 {
			return ErrConflict
		}

		result, err = tx.ExecContext(ctx,
			`UPDATE tokens SET status = $2 WHERE authorization_id = $1 AND status IN ($3, $4)`,
			id, string(TokenRevoked), string(TokenValid), string(TokenPending))
		if err != nil {
			return fmt.Errorf("failed to revoke authorization tokens: %w", err)
		}
		revoked, err = result.RowsAffected()
		return err
	})
	return revoked, err
}

func (d *Database) ListAuthorizationsBySubject(ctx context.Context, subjectID string, from, to time.Time) ([]*Authorization, error) {
	query := `SELECT ` + authorizationColumns + ` FROM authorizations
			  WHERE subject_id = $1 AND creation_date >= $2 AND creation_date <= $3
			  ORDER BY creation_date`

	ctx, cancel := d.withTimeout(ctx)
	defer cancel()

	rows, err := d.db.QueryContext(ctx, query, subjectID, from, to)
	if err != nil {
		return nil, mapError(err)
	}
	defer rows.Close()

	var result []*Authorization
	for rows.Next() {
		authz, err := scanAuthorization(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, authz)
	}
	return result, rows.Err()
}

func (d *Database) CreateToken(ctx context.Context, token *Token) error {
	if token.ID == uuid.Nil {
		token.ID = uuid.New()
	}

	var redemption sql.NullTime
	if token.RedemptionDate != nil {
		redemption = sql.NullTime{Time: *token.RedemptionDate, Valid: true}
	}
	args := []interface{}{token.ID, nil, nullString(token.ReferenceID),
		string(token.Type), string(token.Status), token.SubjectID, token.ClientID,
		pq.Array(token.Scopes), token.RedirectURI, token.CodeChallenge, token.CodeChallengeMethod,
		token.Nonce, token.CreationDate, token.ExpirationDate, redemption}

	if token.AuthorizationID == nil {
		query := `INSERT INTO tokens (` + tokenColumns + `)
				  VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`
		_, err := d.exec(ctx, query, args...)
		return err
	}

	// The share lock orders this insert against RevokeAuthorization: either the
	// revoke sees the new row in its cascade or the insert sees the revocation.
	args[1] = *token.AuthorizationID
	query := `INSERT INTO tokens (` + tokenColumns + `)
			  SELECT $1::uuid, $2::uuid, $3::varchar, $4::varchar, $5::varchar, $6::varchar,
			         $7::varchar, $8::text[], $9::varchar, $10::varchar, $11::varchar, $12::varchar,
			         $13::timestamptz, $14::timestamptz, $15::timestamptz
			  FROM authorizations
			  WHERE id = $2::uuid AND status = ANY($16::varchar[])
			  FOR SHARE`
	args = append(args, pq.Array(statusStrings(token.Type.IssuableUnder())))
	return expectOne(d.exec(ctx, query, args...))
}

func (d *Database) GetToken(ctx context.Context, id uuid.UUID) (*Token, error) {
	query := `SELECT ` + tokenColumns + ` FROM tokens WHERE id = $1`

	ctx, cancel := d.withTimeout(ctx)
	defer cancel()

	token, err := scanToken(d.db.QueryRowContext(ctx, query, id))
	if err != nil {
		return nil, mapError(err)
	}
	return token, nil
}

func (d *Database) GetTokenByReference(ctx context.Context, reference string, tokenType TokenType) (*Token, error) {
	query := `SELECT ` + tokenColumns + ` FROM tokens WHERE reference_id = $1 AND token_type = $2`

	ctx, cancel := d.withTimeout(ctx)
	defer cancel()

	token, err := scanToken(d.db.QueryRowContext(ctx, query, reference, string(tokenType)))
	if err != nil {
		return nil, mapError(err)
	}
	return token, nil
}

func (d *Database) RedeemToken(ctx context.Context, id uuid.UUID, expected TokenStatus, now time.Time) error {
	query := `UPDATE tokens SET status = $3, redemption_date = $4
			  WHERE id = $1 AND status = $2 AND expiration_date > $4`

	return expectOne(d.exec(ctx, query, id, string(expected), string(TokenRedeemed), now))
}

func (d *Database) RevokeToken(ctx context.Context, id uuid.UUID) error {
	query := `UPDATE tokens SET status = $2 WHERE id = $1 AND status IN ($3, $4)`

	return expectOne(d.exec(ctx, query, id, string(TokenRevoked), string(TokenValid), string(TokenPending)))
}

func (d *Database) ListTokensByAuthorization(ctx context.Context, authorizationID uuid.UUID) ([]*Token, error) {
	query := `SELECT ` + tokenColumns + ` FROM tokens WHERE authorization_id = $1 ORDER BY creation_date`

	ctx, cancel := d.withTimeout(ctx)
	defer cancel()

	rows, err := d.db.QueryContext(ctx, query, authorizationID)
	if err != nil {
		return nil, mapError(err)
	}
	defer rows.Close()

	var result []*Token
	for rows.Next() {
		token, err := scanToken(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, token)
	}
	return result, rows.Err()
}
