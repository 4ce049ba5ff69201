package auth

import (
	"context"
	"errors"

	"token-engine/internal/db"
	"token-engine/internal/session"
)

const operationLogin = "login"

type LoginRequest struct {
	Username  string
	Password  string
	IPAddress string
	UserAgent string
}

// Login authenticates a user for the interactive flows and opens a login
// session. Bad credentials are reported as access_denied.
func (s *Service) Login(ctx context.Context, req *LoginRequest) (*db.LoginSession, error) {
	if req.Username == "" || req.Password == "" {
		return nil, newError(ErrCodeInvalidRequest, "username and password are required")
	}

	user, err := s.authenticateUser(ctx, req.Username, req.Password)
	if err != nil {
		var authErr *Error
		if errors.As(err, &authErr) {
			return nil, newError(ErrCodeAccessDenied, "invalid username or password")
		}
		return nil, s.protocolError(ctx, operationLogin, err)
	}

	loginSession, err := s.sessions.Start(ctx, session.StartRequest{
		UserID:    user.ID.String(),
		IPAddress: req.IPAddress,
		UserAgent: req.UserAgent,
	})
	if err != nil {
		return nil, s.protocolError(ctx, operationLogin, err)
	}
	return loginSession, nil
}

// CurrentSession resolves a session cookie to a live session and records
// the activity. It returns nil when the cookie names no live session.
func (s *Service) CurrentSession(ctx context.Context, sessionID string) (*db.LoginSession, error) {
	if sessionID == "" {
		return nil, nil
	}
	loginSession, err := s.sessions.Lookup(ctx, sessionID)
	if errors.Is(err, session.ErrNotFound) || errors.Is(err, session.ErrInactive) {
		return nil, nil
	}
	if err != nil {
		return nil, s.protocolError(ctx, operationLogin, err)
	}
	if err := s.sessions.Touch(ctx, sessionID); err != nil {
		return nil, s.protocolError(ctx, operationLogin, err)
	}
	return loginSession, nil
}

// Logout ends a session. With revokeGrants it also withdraws every
// authorization the user created while the session was open.
func (s *Service) Logout(ctx context.Context, sessionID string, revokeGrants bool) (*session.RevokeResult, error) {
	if !revokeGrants {
		ended, err := s.sessions.End(ctx, sessionID)
		if err != nil {
			return nil, s.sessionError(ctx, err)
		}
		return &session.RevokeResult{Session: ended}, nil
	}

	result, err := s.sessions.Revoke(ctx, sessionID)
	if err != nil {
		return result, s.sessionError(ctx, err)
	}
	s.metrics.IncrementSessionsRevoked()
	s.metrics.AddTokensRevoked(result.RevokedTokens)
	return result, nil
}

func (s *Service) sessionError(ctx context.Context, err error) error {
	if errors.Is(err, session.ErrNotFound) || errors.Is(err, session.ErrInactive) {
		return newError(ErrCodeInvalidRequest, "session is not active")
	}
	return s.protocolError(ctx, operationLogin, err)
}
