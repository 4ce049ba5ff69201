package auth

import (
	"context"
	"strings"
	"time"

	"token-engine/internal/audit"
	"token-engine/internal/db"
	"token-engine/internal/logging"
	"token-engine/internal/token"
	jwtpkg "token-engine/pkg/jwt"
)

// grant describes what a successful flow hands out.
type grant struct {
	grantType string
	authz     *db.Authorization
	subjectID string
	clientID  string
	scopes    []string
	nonce     string
	authTime  time.Time
	refresh   bool
	idToken   bool
}

// issueTokens creates the rows for a fresh grant and composes the response.
func (s *Service) issueTokens(ctx context.Context, g grant) (*TokenResponse, error) {
	access, err := s.tokens.Issue(ctx, token.IssueRequest{
		Type:            db.TokenAccess,
		AuthorizationID: &g.authz.ID,
		SubjectID:       g.subjectID,
		ClientID:        g.clientID,
		Scopes:          g.scopes,
	})
	if err != nil {
		return nil, err
	}

	var refresh *db.Token
	if g.refresh {
		refresh, err = s.tokens.Issue(ctx, token.IssueRequest{
			Type:            db.TokenRefresh,
			AuthorizationID: &g.authz.ID,
			SubjectID:       g.subjectID,
			ClientID:        g.clientID,
			Scopes:          g.scopes,
			Nonce:           g.nonce,
		})
		if err != nil {
			return nil, err
		}
	}

	return s.composeResponse(ctx, g, access, refresh)
}

// composeResponse signs the access token row, adds an ID token when the
// grant calls for one, and renders the token endpoint response.
func (s *Service) composeResponse(ctx context.Context, g grant, access, refresh *db.Token) (*TokenResponse, error) {
	signed, err := s.jwt.SignAccessToken(ctx, jwtpkg.AccessTokenParams{
		TokenID:         access.ID.String(),
		Subject:         subjectOrClient(access.SubjectID, access.ClientID),
		ClientID:        access.ClientID,
		Scopes:          access.Scopes,
		AuthorizationID: g.authz.ID.String(),
		IssuedAt:        access.CreationDate,
		ExpiresAt:       access.ExpirationDate,
	})
	if err != nil {
		s.discard(ctx, access, refresh)
		return nil, err
	}
	s.recordIssued(g, access)

	resp := &TokenResponse{
		AccessToken: signed,
		TokenType:   "Bearer",
		ExpiresIn:   int64(access.ExpirationDate.Sub(access.CreationDate) / time.Second),
		Scope:       strings.Join(access.Scopes, " "),
	}

	if g.idToken && g.subjectID != "" {
		idRow, err := s.tokens.Issue(ctx, token.IssueRequest{
			Type:            db.TokenID,
			AuthorizationID: &g.authz.ID,
			SubjectID:       g.subjectID,
			ClientID:        g.clientID,
			Scopes:          g.scopes,
			Nonce:           g.nonce,
		})
		if err != nil {
			s.discard(ctx, access, refresh)
			return nil, err
		}
		resp.IDToken, err = s.jwt.SignIDToken(ctx, jwtpkg.IDTokenParams{
			TokenID:   idRow.ID.String(),
			Subject:   g.subjectID,
			ClientID:  g.clientID,
			Nonce:     g.nonce,
			AuthTime:  g.authTime,
			IssuedAt:  idRow.CreationDate,
			ExpiresAt: idRow.ExpirationDate,
		})
		if err != nil {
			s.discard(ctx, access, refresh, idRow)
			return nil, err
		}
		s.recordIssued(g, idRow)
	}

	if refresh != nil {
		resp.RefreshToken = refresh.ReferenceID
		s.recordIssued(g, refresh)
	}
	return resp, nil
}

// discard revokes rows whose credential never reached the client.
func (s *Service) discard(ctx context.Context, rows ...*db.Token) {
	for _, row := range rows {
		if row == nil {
			continue
		}
		if err := s.tokens.Revoke(ctx, row); err != nil {
			logging.FromContext(ctx).WarnEvent().
				Err(err).
				Str("token_id", row.ID.String()).
				Msg("could not revoke undelivered token")
		}
	}
}

func (s *Service) recordIssued(g grant, tok *db.Token) {
	s.metrics.IncrementTokensIssued(string(tok.Type))
	s.audit.Emit(audit.Event{
		Type:            audit.EventTokenIssued,
		SubjectID:       tok.SubjectID,
		ClientID:        tok.ClientID,
		AuthorizationID: g.authz.ID.String(),
		TokenID:         tok.ID.String(),
		Details: map[string]any{
			"token_type": string(tok.Type),
			"grant_type": g.grantType,
		},
	})
}

// subjectOrClient names the client as the subject of tokens issued without
// a resource owner.
func subjectOrClient(subjectID, clientID string) string {
	if subjectID == "" {
		return clientID
	}
	return subjectID
}
