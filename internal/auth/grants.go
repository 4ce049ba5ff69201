package auth

import (
	"context"

	"token-engine/internal/db"
	"token-engine/internal/session"
)

// ClientCredentials issues an access token to a confidential client acting
// on its own behalf. No refresh or ID token, no subject.
func (s *Service) ClientCredentials(ctx context.Context, req *TokenRequest) (*TokenResponse, error) {
	const grantType = db.GrantClientCredentials

	client, err := s.AuthenticateClient(ctx, req.ClientID, req.ClientSecret)
	if err != nil {
		return nil, s.protocolError(ctx, grantType, err)
	}
	if client.IsPublic() {
		return nil, s.protocolError(ctx, grantType, newError(ErrCodeUnauthorizedClient, "public clients cannot use client_credentials"))
	}
	if err := requireGrant(client, grantType); err != nil {
		return nil, s.protocolError(ctx, grantType, err)
	}

	authz, err := s.authorizations.Create(ctx, client, "", db.AuthorizationClientCredentials, parseScope(req.Scope))
	if err != nil {
		return nil, s.protocolError(ctx, grantType, err)
	}
	s.authorizationCreated(authz)

	resp, err := s.issueTokens(ctx, grant{
		grantType: grantType,
		authz:     authz,
		clientID:  client.ClientID,
		scopes:    authz.Scopes,
	})
	if err != nil {
		return nil, s.protocolError(ctx, grantType, err)
	}
	return resp, nil
}

// Password authenticates the resource owner directly, starts a login
// session and issues an access and refresh token.
func (s *Service) Password(ctx context.Context, req *TokenRequest) (*TokenResponse, error) {
	const grantType = db.GrantPassword

	client, err := s.AuthenticateClient(ctx, req.ClientID, req.ClientSecret)
	if err != nil {
		return nil, s.protocolError(ctx, grantType, err)
	}
	if err := requireGrant(client, grantType); err != nil {
		return nil, s.protocolError(ctx, grantType, err)
	}
	if req.Username == "" || req.Password == "" {
		return nil, s.protocolError(ctx, grantType, newError(ErrCodeInvalidRequest, "username and password are required"))
	}

	user, err := s.authenticateUser(ctx, req.Username, req.Password)
	if err != nil {
		return nil, s.protocolError(ctx, grantType, err)
	}
	subjectID := user.ID.String()

	authz, err := s.authorizations.Create(ctx, client, subjectID, db.AuthorizationPassword, parseScope(req.Scope))
	if err != nil {
		return nil, s.protocolError(ctx, grantType, err)
	}
	s.authorizationCreated(authz)

	loginSession, err := s.sessions.Start(ctx, session.StartRequest{
		UserID:     subjectID,
		IPAddress:  req.IPAddress,
		UserAgent:  req.UserAgent,
		DeviceInfo: client.ClientID,
	})
	if err != nil {
		return nil, s.protocolError(ctx, grantType, err)
	}

	resp, err := s.issueTokens(ctx, grant{
		grantType: grantType,
		authz:     authz,
		subjectID: subjectID,
		clientID:  client.ClientID,
		scopes:    authz.Scopes,
		authTime:  loginSession.LoginTime,
		refresh:   true,
		idToken:   hasScope(authz.Scopes, scopeOpenID),
	})
	if err != nil {
		return nil, s.protocolError(ctx, grantType, err)
	}
	resp.SessionID = loginSession.SessionID
	return resp, nil
}

// Refresh rotates a refresh token. A token that was already redeemed
// revokes its whole authorization.
func (s *Service) Refresh(ctx context.Context, req *TokenRequest) (*TokenResponse, error) {
	const grantType = db.GrantRefreshToken

	client, err := s.AuthenticateClient(ctx, req.ClientID, req.ClientSecret)
	if err != nil {
		return nil, s.protocolError(ctx, grantType, err)
	}
	if err := requireGrant(client, grantType); err != nil {
		return nil, s.protocolError(ctx, grantType, err)
	}
	if req.RefreshToken == "" {
		return nil, s.protocolError(ctx, grantType, newError(ErrCodeInvalidRequest, "refresh_token is required"))
	}

	rotated, err := s.tokens.Rotate(ctx, req.RefreshToken, client.ClientID)
	if err != nil {
		return nil, s.protocolError(ctx, grantType, err)
	}

	authz, err := s.authorizations.Get(ctx, *rotated.Previous.AuthorizationID)
	if err != nil {
		return nil, s.protocolError(ctx, grantType, err)
	}

	resp, err := s.composeResponse(ctx, grant{
		grantType: grantType,
		authz:     authz,
		subjectID: rotated.Previous.SubjectID,
		clientID:  client.ClientID,
		scopes:    rotated.Previous.Scopes,
		authTime:  authz.CreationDate,
		idToken:   hasScope(rotated.Previous.Scopes, scopeOpenID),
	}, rotated.Access, rotated.Refresh)
	if err != nil {
		return nil, s.protocolError(ctx, grantType, err)
	}
	return resp, nil
}
