package auth

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"token-engine/internal/audit"
	"token-engine/internal/authorization"
	"token-engine/internal/db"
	"token-engine/internal/logging"
	"token-engine/internal/token"
)

const (
	hintAccessToken  = "access_token"
	hintRefreshToken = "refresh_token"
)

type RevokeRequest struct {
	Token         string
	TokenTypeHint string
	ClientID      string
	ClientSecret  string
}

type IntrospectRequest struct {
	Token         string
	TokenTypeHint string
	ClientID      string
	ClientSecret  string
}

// IntrospectionResponse is the RFC 7662 view of a token.
type IntrospectionResponse struct {
	Active    bool   `json:"active"`
	Scope     string `json:"scope,omitempty"`
	ClientID  string `json:"client_id,omitempty"`
	Subject   string `json:"sub,omitempty"`
	TokenType string `json:"token_type,omitempty"`
	ExpiresAt int64  `json:"exp,omitempty"`
	IssuedAt  int64  `json:"iat,omitempty"`
	Issuer    string `json:"iss,omitempty"`
	TokenID   string `json:"jti,omitempty"`
}

// Revoke implements RFC 7009. Unknown tokens and tokens of other clients
// are answered with success so the endpoint cannot be used as an oracle.
// Revoking a refresh token revokes its authorization and every live token
// under it; revoking an access token touches only that token.
func (s *Service) Revoke(ctx context.Context, req *RevokeRequest) error {
	const operation = "revocation"

	client, err := s.AuthenticateClient(ctx, req.ClientID, req.ClientSecret)
	if err != nil {
		return s.protocolError(ctx, operation, err)
	}
	if req.Token == "" {
		return s.protocolError(ctx, operation, newError(ErrCodeInvalidRequest, "token is required"))
	}

	tok, err := s.resolveToken(ctx, req.Token, req.TokenTypeHint)
	if errors.Is(err, token.ErrNotFound) {
		return nil
	}
	if err != nil {
		return s.protocolError(ctx, operation, err)
	}
	if tok.ClientID != client.ClientID {
		logging.FromContext(ctx).DebugEvent().
			Str("client_id", client.ClientID).
			Str("token_id", tok.ID.String()).
			Msg("ignoring revocation of another client's token")
		return nil
	}

	if tok.Type == db.TokenRefresh && tok.AuthorizationID != nil {
		_, err := s.revokeAuthorization(ctx, *tok.AuthorizationID, client.ClientID)
		if errors.Is(err, authorization.ErrInvalidState) {
			return nil
		}
		return s.protocolError(ctx, operation, err)
	}

	if err := s.tokens.Revoke(ctx, tok); err != nil {
		if errors.Is(err, token.ErrInvalidState) {
			return nil
		}
		return s.protocolError(ctx, operation, err)
	}
	s.metrics.AddTokensRevoked(1)
	return nil
}

// RevokeAuthorization lets the owning user withdraw a grant.
func (s *Service) RevokeAuthorization(ctx context.Context, authorizationID uuid.UUID, subjectID string) (int64, error) {
	const operation = "revocation"

	authz, err := s.authorizations.Get(ctx, authorizationID)
	if errors.Is(err, authorization.ErrNotFound) {
		return 0, newError(ErrCodeInvalidRequest, "unknown authorization")
	}
	if err != nil {
		return 0, s.protocolError(ctx, operation, err)
	}
	if subjectID == "" || authz.SubjectID != subjectID {
		return 0, newError(ErrCodeAccessDenied, "authorization belongs to another user")
	}

	revoked, err := s.revokeAuthorization(ctx, authz.ID, authz.ClientID)
	if errors.Is(err, authorization.ErrInvalidState) {
		return 0, newError(ErrCodeInvalidRequest, "authorization is not active")
	}
	if err != nil {
		return 0, s.protocolError(ctx, operation, err)
	}
	return revoked, nil
}

func (s *Service) revokeAuthorization(ctx context.Context, id uuid.UUID, clientID string) (int64, error) {
	revoked, err := s.authorizations.Revoke(ctx, id)
	if err != nil {
		return 0, err
	}
	s.metrics.AddTokensRevoked(revoked)
	s.audit.Emit(audit.Event{
		Type:            audit.EventAuthorizationRevoked,
		ClientID:        clientID,
		AuthorizationID: id.String(),
		Details:         map[string]any{"revoked_tokens": revoked},
	})
	return revoked, nil
}

// Introspect implements RFC 7662 for access and refresh tokens. Anything
// that is not currently usable reports only active=false.
func (s *Service) Introspect(ctx context.Context, req *IntrospectRequest) (*IntrospectionResponse, error) {
	const operation = "introspection"

	if _, err := s.AuthenticateClient(ctx, req.ClientID, req.ClientSecret); err != nil {
		return nil, s.protocolError(ctx, operation, err)
	}
	if req.Token == "" {
		return nil, s.protocolError(ctx, operation, newError(ErrCodeInvalidRequest, "token is required"))
	}

	tok, err := s.resolveToken(ctx, req.Token, req.TokenTypeHint)
	if errors.Is(err, token.ErrNotFound) {
		return &IntrospectionResponse{Active: false}, nil
	}
	if err != nil {
		return nil, s.protocolError(ctx, operation, err)
	}
	if tok.Status != db.TokenValid {
		return &IntrospectionResponse{Active: false}, nil
	}

	return &IntrospectionResponse{
		Active:    true,
		Scope:     joinScopes(tok.Scopes),
		ClientID:  tok.ClientID,
		Subject:   subjectOrClient(tok.SubjectID, tok.ClientID),
		TokenType: string(tok.Type),
		ExpiresAt: tok.ExpirationDate.Unix(),
		IssuedAt:  tok.CreationDate.Unix(),
		Issuer:    s.jwt.Issuer(),
		TokenID:   tok.ID.String(),
	}, nil
}

// resolveToken finds the row behind a presented token. Refresh tokens are
// looked up by reference; access tokens are JWTs whose jti is the row id.
func (s *Service) resolveToken(ctx context.Context, value, hint string) (*db.Token, error) {
	lookups := []func() (*db.Token, error){
		func() (*db.Token, error) { return s.tokens.Lookup(ctx, value, db.TokenRefresh) },
		func() (*db.Token, error) { return s.accessTokenRow(ctx, value) },
	}
	if hint == hintAccessToken {
		lookups[0], lookups[1] = lookups[1], lookups[0]
	}

	for _, lookup := range lookups {
		tok, err := lookup()
		if err == nil {
			return tok, nil
		}
		if !errors.Is(err, token.ErrNotFound) {
			return nil, err
		}
	}
	return nil, token.ErrNotFound
}

func (s *Service) accessTokenRow(ctx context.Context, value string) (*db.Token, error) {
	claims, err := s.jwt.ValidateAccessToken(ctx, value)
	if err != nil {
		return nil, token.ErrNotFound
	}
	id, err := uuid.Parse(claims.ID)
	if err != nil {
		return nil, token.ErrNotFound
	}
	tok, err := s.tokens.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if tok.Type != db.TokenAccess {
		return nil, token.ErrNotFound
	}
	return tok, nil
}
