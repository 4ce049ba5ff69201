package db

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
)

const sessionColumns = `id, user_id, session_id, ip_address, user_agent, device_info, login_time,
	last_activity_time, expiration_time, is_active, ended_at`

func scanSession(row rowScanner) (*LoginSession, error) {
	session := &LoginSession{}
	var expiration, ended sql.NullTime

	if err := row.Scan(&session.ID, &session.UserID, &session.SessionID, &session.IPAddress,
		&session.UserAgent, &session.DeviceInfo, &session.LoginTime, &session.LastActivityTime,
		&expiration, &session.IsActive, &ended); err != nil {
		return nil, err
	}

	if expiration.Valid {
		session.ExpirationTime = &expiration.Time
	}
	if ended.Valid {
		session.EndedAt = &ended.Time
	}
	return session, nil
}

func (d *Database) CreateSession(ctx context.Context, session *LoginSession) error {
	if session.ID == uuid.Nil {
		session.ID = uuid.New()
	}

	query := `INSERT INTO login_sessions (` + sessionColumns + `)
			  VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, NULL)`

	var expiration sql.NullTime
	if session.ExpirationTime != nil {
		expiration = sql.NullTime{Time: *session.ExpirationTime, Valid: true}
	}

	_, err := d.exec(ctx, query, session.ID, session.UserID, session.SessionID, session.IPAddress,
		session.UserAgent, session.DeviceInfo, session.LoginTime, session.LastActivityTime,
		expiration, session.IsActive)
	return err
}

func (d *Database) GetSession(ctx context.Context, sessionID string) (*LoginSession, error) {
	query := `SELECT ` + sessionColumns + ` FROM login_sessions WHERE session_id = $1`

	ctx, cancel := d.withTimeout(ctx)
	defer cancel()

	session, err := scanSession(d.db.QueryRowContext(ctx, query, sessionID))
	if err != nil {
		return nil, mapError(err)
	}
	return session, nil
}

func (d *Database) TouchSession(ctx context.Context, sessionID string, now time.Time) error {
	query := `UPDATE login_sessions SET last_activity_time = $2
			  WHERE session_id = $1 AND is_active
			  AND (expiration_time IS NULL OR expiration_time > $2)`

	return expectOne(d.exec(ctx, query, sessionID, now))
}

func (d *Database) DeactivateSession(ctx context.Context, sessionID string, now time.Time) (*LoginSession, error) {
	query := `UPDATE login_sessions SET is_active = FALSE, ended_at = $2
			  WHERE session_id = $1 AND is_active
			  RETURNING ` + sessionColumns

	queryCtx, cancel := d.withTimeout(ctx)
	defer cancel()

	session, err := scanSession(d.db.QueryRowContext(queryCtx, query, sessionID, now))
	if err == nil {
		return session, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}

	// Nothing updated: tell an unknown session from one already ended.
	if _, lookupErr := d.GetSession(ctx, sessionID); lookupErr != nil {
		return nil, lookupErr
	}
	return nil, ErrConflict
}
