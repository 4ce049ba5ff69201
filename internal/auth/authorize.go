package auth

import (
	"context"
	"errors"
	"net/url"

	"github.com/google/uuid"

	"token-engine/internal/audit"
	"token-engine/internal/authorization"
	"token-engine/internal/db"
	"token-engine/internal/logging"
	"token-engine/internal/token"
	"token-engine/pkg/crypto"
)

type AuthorizeRequest struct {
	ResponseType        string
	ClientID            string
	RedirectURI         string
	Scope               string
	State               string
	CodeChallenge       string
	CodeChallengeMethod string
	Nonce               string

	// SubjectID is the authenticated end user, resolved by the caller
	// from the login session.
	SubjectID string
}

type AuthorizeResult struct {
	AuthorizationID uuid.UUID
	RedirectURI     string
	State           string
	Scopes          []string

	// Code is withheld until the user consents when ConsentRequired is set.
	Code            string
	ConsentRequired bool
}

type ConsentRequest struct {
	AuthorizationID uuid.UUID
	SubjectID       string
	Granted         bool
}

type ConsentResult struct {
	Code        string
	RedirectURI string
	Denied      bool
}

// ValidateRedirect checks the client and its redirect URI. Until both are
// known good, authorization errors must not be sent to the redirect URI.
func (s *Service) ValidateRedirect(ctx context.Context, clientID, redirectURI string) (*db.Client, error) {
	if clientID == "" {
		return nil, newError(ErrCodeInvalidRequest, "client_id is required")
	}
	client, err := s.clients.GetClientByID(ctx, clientID)
	if errors.Is(err, db.ErrNotFound) {
		return nil, newError(ErrCodeInvalidClient, "unknown client")
	}
	if err != nil {
		return nil, s.protocolError(ctx, db.GrantAuthorizationCode, err)
	}
	if redirectURI == "" || !client.HasRedirectURI(redirectURI) {
		return nil, newError(ErrCodeInvalidRequest, "redirect_uri is not registered for this client")
	}
	return client, nil
}

// Authorize starts the authorization code flow: a Pending authorization
// and a code bound to the redirect URI, PKCE challenge and nonce.
func (s *Service) Authorize(ctx context.Context, req *AuthorizeRequest) (*AuthorizeResult, error) {
	const grantType = db.GrantAuthorizationCode

	client, err := s.ValidateRedirect(ctx, req.ClientID, req.RedirectURI)
	if err != nil {
		return nil, err
	}
	if req.ResponseType != "code" {
		return nil, s.protocolError(ctx, grantType, newError(ErrCodeInvalidRequest, "response_type must be code"))
	}
	if err := requireGrant(client, grantType); err != nil {
		return nil, s.protocolError(ctx, grantType, err)
	}
	if req.SubjectID == "" {
		return nil, s.protocolError(ctx, grantType, newError(ErrCodeAccessDenied, "user is not authenticated"))
	}

	method := req.CodeChallengeMethod
	if req.CodeChallenge == "" {
		if client.IsPublic() || client.RequirePKCE {
			return nil, s.protocolError(ctx, grantType, newError(ErrCodeInvalidRequest, "code_challenge is required"))
		}
		method = ""
	} else {
		if method == "" {
			method = "plain"
		}
		if !crypto.IsSupportedMethod(method) {
			return nil, s.protocolError(ctx, grantType, errorf(ErrCodeInvalidRequest, "unsupported code_challenge_method %q", method))
		}
		if !crypto.IsValidCodeChallenge(req.CodeChallenge) {
			return nil, s.protocolError(ctx, grantType, newError(ErrCodeInvalidRequest, "malformed code_challenge"))
		}
	}

	authz, err := s.authorizations.Create(ctx, client, req.SubjectID, db.AuthorizationCode, parseScope(req.Scope))
	if err != nil {
		return nil, s.protocolError(ctx, grantType, err)
	}
	s.authorizationCreated(authz)

	code, err := s.tokens.Issue(ctx, token.IssueRequest{
		Type:                db.TokenAuthorizationCode,
		AuthorizationID:     &authz.ID,
		SubjectID:           req.SubjectID,
		ClientID:            client.ClientID,
		Scopes:              authz.Scopes,
		RedirectURI:         req.RedirectURI,
		CodeChallenge:       req.CodeChallenge,
		CodeChallengeMethod: method,
		Nonce:               req.Nonce,
	})
	if err != nil {
		return nil, s.protocolError(ctx, grantType, err)
	}
	s.recordIssued(grant{grantType: grantType, authz: authz}, code)

	result := &AuthorizeResult{
		AuthorizationID: authz.ID,
		RedirectURI:     req.RedirectURI,
		State:           req.State,
		Scopes:          authz.Scopes,
		ConsentRequired: client.ConsentType == db.ConsentExplicit,
	}
	if !result.ConsentRequired {
		result.Code = code.ReferenceID
	}
	return result, nil
}

// Consent records the user's decision for an explicit-consent client. On
// approval it releases the pending code; on denial the code is revoked.
func (s *Service) Consent(ctx context.Context, req *ConsentRequest) (*ConsentResult, error) {
	const grantType = db.GrantAuthorizationCode

	authz, err := s.authorizations.Get(ctx, req.AuthorizationID)
	if errors.Is(err, authorization.ErrNotFound) {
		return nil, newError(ErrCodeInvalidRequest, "unknown authorization")
	}
	if err != nil {
		return nil, s.protocolError(ctx, grantType, err)
	}
	if authz.Type != db.AuthorizationCode {
		return nil, newError(ErrCodeInvalidRequest, "authorization does not await consent")
	}
	if req.SubjectID == "" || authz.SubjectID != req.SubjectID {
		return nil, newError(ErrCodeAccessDenied, "authorization belongs to another user")
	}

	code, err := s.pendingCode(ctx, authz.ID)
	if err != nil {
		return nil, s.protocolError(ctx, grantType, err)
	}

	if _, err := s.authorizations.Consent(ctx, authz.ID, req.Granted); err != nil {
		if errors.Is(err, authorization.ErrInvalidState) {
			return nil, newError(ErrCodeInvalidRequest, "consent was already given or refused")
		}
		return nil, s.protocolError(ctx, grantType, err)
	}
	s.audit.Emit(audit.Event{
		Type:            audit.EventConsent,
		SubjectID:       authz.SubjectID,
		ClientID:        authz.ClientID,
		AuthorizationID: authz.ID.String(),
		Details:         map[string]any{"granted": req.Granted},
	})

	if !req.Granted {
		s.discard(ctx, code)
		return &ConsentResult{RedirectURI: code.RedirectURI, Denied: true}, nil
	}
	return &ConsentResult{Code: code.ReferenceID, RedirectURI: code.RedirectURI}, nil
}

// pendingCode finds the unredeemed code issued with an authorization.
func (s *Service) pendingCode(ctx context.Context, authzID uuid.UUID) (*db.Token, error) {
	tokens, err := s.tokens.ListByAuthorization(ctx, authzID)
	if err != nil {
		return nil, err
	}
	for _, tok := range tokens {
		if tok.Type == db.TokenAuthorizationCode && tok.Status == db.TokenValid {
			return tok, nil
		}
	}
	return nil, newError(ErrCodeInvalidGrant, "authorization code expired or already used")
}

// ExchangeCode redeems an authorization code at the token endpoint.
func (s *Service) ExchangeCode(ctx context.Context, req *TokenRequest) (*TokenResponse, error) {
	const grantType = db.GrantAuthorizationCode

	client, err := s.AuthenticateClient(ctx, req.ClientID, req.ClientSecret)
	if err != nil {
		return nil, s.protocolError(ctx, grantType, err)
	}
	if err := requireGrant(client, grantType); err != nil {
		return nil, s.protocolError(ctx, grantType, err)
	}
	if req.Code == "" {
		return nil, s.protocolError(ctx, grantType, newError(ErrCodeInvalidRequest, "code is required"))
	}

	code, err := s.tokens.Lookup(ctx, req.Code, db.TokenAuthorizationCode)
	if err != nil {
		return nil, s.protocolError(ctx, grantType, err)
	}
	if code.ClientID != client.ClientID || code.AuthorizationID == nil {
		return nil, s.protocolError(ctx, grantType, newError(ErrCodeInvalidGrant, "code was issued to another client"))
	}
	switch code.Status {
	case db.TokenValid:
	case db.TokenExpired:
		return nil, s.protocolError(ctx, grantType, newError(ErrCodeInvalidGrant, "authorization code expired"))
	default:
		return nil, s.protocolError(ctx, grantType, newError(ErrCodeInvalidGrant, "authorization code is no longer valid"))
	}
	if code.RedirectURI != req.RedirectURI {
		return nil, s.protocolError(ctx, grantType, newError(ErrCodeInvalidGrant, "redirect_uri does not match the authorization request"))
	}
	if code.CodeChallenge != "" && !crypto.VerifyPKCE(req.CodeVerifier, code.CodeChallenge, code.CodeChallengeMethod) {
		return nil, s.protocolError(ctx, grantType, newError(ErrCodeInvalidGrant, "code_verifier does not match the code challenge"))
	}

	authz, err := s.authorizations.Get(ctx, *code.AuthorizationID)
	if err != nil {
		return nil, s.protocolError(ctx, grantType, err)
	}
	switch authz.Status {
	case db.AuthorizationAuthorized, db.AuthorizationValid:
	case db.AuthorizationPending:
		if client.ConsentType == db.ConsentExplicit {
			return nil, s.protocolError(ctx, grantType, newError(ErrCodeInvalidGrant, "user has not consented"))
		}
	default:
		return nil, s.protocolError(ctx, grantType, newError(ErrCodeInvalidGrant, "authorization is no longer valid"))
	}

	if err := s.tokens.Redeem(ctx, code); err != nil {
		return nil, s.protocolError(ctx, grantType, err)
	}

	if authz.Status == db.AuthorizationPending {
		if authz, err = s.authorizeOnExchange(ctx, authz); err != nil {
			return nil, s.protocolError(ctx, grantType, err)
		}
	}

	resp, err := s.issueTokens(ctx, grant{
		grantType: grantType,
		authz:     authz,
		subjectID: code.SubjectID,
		clientID:  client.ClientID,
		scopes:    code.Scopes,
		nonce:     code.Nonce,
		authTime:  authz.CreationDate,
		refresh:   hasScope(code.Scopes, scopeOfflineAccess),
		idToken:   hasScope(code.Scopes, scopeOpenID),
	})
	if err != nil {
		return nil, s.protocolError(ctx, grantType, err)
	}
	return resp, nil
}

// authorizeOnExchange moves an implicitly consented authorization out of
// Pending. Losing that transition to a concurrent revoke fails the grant.
func (s *Service) authorizeOnExchange(ctx context.Context, authz *db.Authorization) (*db.Authorization, error) {
	updated, err := s.authorizations.Consent(ctx, authz.ID, true)
	if err == nil {
		return updated, nil
	}
	if !errors.Is(err, authorization.ErrInvalidState) {
		return nil, err
	}

	current, getErr := s.authorizations.Get(ctx, authz.ID)
	if getErr != nil {
		return nil, getErr
	}
	if current.Status != db.AuthorizationAuthorized && current.Status != db.AuthorizationValid {
		logging.FromContext(ctx).DebugEvent().
			Str("authorization_id", authz.ID.String()).
			Str("status", string(current.Status)).
			Msg("authorization changed state during code exchange")
		return nil, err
	}
	return current, nil
}

func (s *Service) authorizationCreated(authz *db.Authorization) {
	s.audit.Emit(audit.Event{
		Type:            audit.EventAuthorizationCreated,
		SubjectID:       authz.SubjectID,
		ClientID:        authz.ClientID,
		AuthorizationID: authz.ID.String(),
		Details: map[string]any{
			"authorization_type": string(authz.Type),
			"status":             string(authz.Status),
		},
	})
}

// CreateRedirectURL appends the code and state to the client's redirect URI.
func CreateRedirectURL(redirectURI, code, state string) string {
	u, err := url.Parse(redirectURI)
	if err != nil {
		return redirectURI
	}
	q := u.Query()
	q.Set("code", code)
	if state != "" {
		q.Set("state", state)
	}
	u.RawQuery = q.Encode()
	return u.String()
}

func CreateErrorRedirectURL(redirectURI, errorCode, description, state string) string {
	u, err := url.Parse(redirectURI)
	if err != nil {
		return redirectURI
	}
	q := u.Query()
	q.Set("error", errorCode)
	if description != "" {
		q.Set("error_description", description)
	}
	if state != "" {
		q.Set("state", state)
	}
	u.RawQuery = q.Encode()
	return u.String()
}
