package auth

import (
	"context"
	"errors"
	"net/url"
	"time"

	"token-engine/internal/audit"
	"token-engine/internal/authorization"
	"token-engine/internal/db"
	"token-engine/internal/logging"
	"token-engine/internal/token"
	"token-engine/pkg/crypto"
)

type DeviceAuthorizationRequest struct {
	ClientID     string
	ClientSecret string
	Scope        string
}

type DeviceAuthorizationResponse struct {
	DeviceCode              string `json:"device_code"`
	UserCode                string `json:"user_code"`
	VerificationURI         string `json:"verification_uri"`
	VerificationURIComplete string `json:"verification_uri_complete,omitempty"`
	ExpiresIn               int64  `json:"expires_in"`
	Interval                int64  `json:"interval"`
}

type VerifyUserCodeRequest struct {
	UserCode  string
	SubjectID string
	Approve   bool
}

// DeviceAuthorize starts the device flow: a Pending authorization with a
// device code for the client and a user code for the person. Both codes
// reference the authorization, which is how verification finds it.
func (s *Service) DeviceAuthorize(ctx context.Context, req *DeviceAuthorizationRequest) (*DeviceAuthorizationResponse, error) {
	const grantType = db.GrantDeviceCode

	client, err := s.AuthenticateClient(ctx, req.ClientID, req.ClientSecret)
	if err != nil {
		return nil, s.protocolError(ctx, grantType, err)
	}
	if err := requireGrant(client, grantType); err != nil {
		return nil, s.protocolError(ctx, grantType, err)
	}

	authz, err := s.authorizations.Create(ctx, client, "", db.AuthorizationDeviceCode, parseScope(req.Scope))
	if err != nil {
		return nil, s.protocolError(ctx, grantType, err)
	}
	s.authorizationCreated(authz)

	issued := make(map[db.TokenType]*db.Token, 2)
	for _, tokenType := range []db.TokenType{db.TokenDeviceCode, db.TokenUserCode} {
		tok, err := s.tokens.Issue(ctx, token.IssueRequest{
			Type:            tokenType,
			AuthorizationID: &authz.ID,
			ClientID:        client.ClientID,
			Scopes:          authz.Scopes,
		})
		if err != nil {
			return nil, s.protocolError(ctx, grantType, err)
		}
		s.recordIssued(grant{grantType: grantType, authz: authz}, tok)
		issued[tokenType] = tok
	}

	device, user := issued[db.TokenDeviceCode], issued[db.TokenUserCode]
	verificationURI := s.baseURL + "/device"
	return &DeviceAuthorizationResponse{
		DeviceCode:              device.ReferenceID,
		UserCode:                user.ReferenceID,
		VerificationURI:         verificationURI,
		VerificationURIComplete: verificationURI + "?user_code=" + url.QueryEscape(user.ReferenceID),
		ExpiresIn:               int64(device.ExpirationDate.Sub(device.CreationDate) / time.Second),
		Interval:                int64(s.config.DevicePollInterval / time.Second),
	}, nil
}

// VerifyUserCode records the user's decision for the device flow. The user
// code is single-use; approving binds the user as the subject.
func (s *Service) VerifyUserCode(ctx context.Context, req *VerifyUserCodeRequest) error {
	const grantType = db.GrantDeviceCode

	if req.SubjectID == "" {
		return newError(ErrCodeAccessDenied, "user is not authenticated")
	}
	code := crypto.NormalizeUserCode(req.UserCode)
	if code == "" {
		return newError(ErrCodeInvalidRequest, "user_code is required")
	}

	tok, err := s.tokens.Lookup(ctx, code, db.TokenUserCode)
	if errors.Is(err, token.ErrNotFound) {
		return newError(ErrCodeInvalidGrant, "unknown user code")
	}
	if err != nil {
		return s.protocolError(ctx, grantType, err)
	}
	switch tok.Status {
	case db.TokenPending:
	case db.TokenExpired:
		return newError(ErrCodeExpiredToken, "user code expired")
	default:
		return newError(ErrCodeInvalidGrant, "user code was already used")
	}
	if tok.AuthorizationID == nil {
		return newError(ErrCodeInvalidGrant, "user code is not linked to an authorization")
	}

	if err := s.tokens.Redeem(ctx, tok); err != nil {
		return s.protocolError(ctx, grantType, err)
	}

	var opts []authorization.ConsentOption
	if req.Approve {
		opts = append(opts, authorization.WithSubject(req.SubjectID))
	}
	authz, err := s.authorizations.Consent(ctx, *tok.AuthorizationID, req.Approve, opts...)
	if err != nil {
		return s.protocolError(ctx, grantType, err)
	}

	s.audit.Emit(audit.Event{
		Type:            audit.EventConsent,
		SubjectID:       req.SubjectID,
		ClientID:        authz.ClientID,
		AuthorizationID: authz.ID.String(),
		Details:         map[string]any{"granted": req.Approve, "flow": "device"},
	})
	return nil
}

// PollDeviceCode answers a device's token request: pending, slow_down,
// denied, expired, or the tokens exactly once.
func (s *Service) PollDeviceCode(ctx context.Context, req *TokenRequest) (*TokenResponse, error) {
	const grantType = db.GrantDeviceCode

	client, err := s.AuthenticateClient(ctx, req.ClientID, req.ClientSecret)
	if err != nil {
		return nil, s.protocolError(ctx, grantType, err)
	}
	if err := requireGrant(client, grantType); err != nil {
		return nil, s.protocolError(ctx, grantType, err)
	}
	if req.DeviceCode == "" {
		return nil, s.protocolError(ctx, grantType, newError(ErrCodeInvalidRequest, "device_code is required"))
	}

	device, err := s.tokens.Lookup(ctx, req.DeviceCode, db.TokenDeviceCode)
	if err != nil {
		return nil, s.protocolError(ctx, grantType, err)
	}
	if device.ClientID != client.ClientID || device.AuthorizationID == nil {
		return nil, s.protocolError(ctx, grantType, newError(ErrCodeInvalidGrant, "device code was issued to another client"))
	}
	switch device.Status {
	case db.TokenPending:
	case db.TokenExpired:
		return nil, s.protocolError(ctx, grantType, newError(ErrCodeExpiredToken, "device code expired"))
	default:
		return nil, s.protocolError(ctx, grantType, newError(ErrCodeInvalidGrant, "device code is no longer valid"))
	}

	allowed, err := s.pollLimiter.Poll(ctx, device.ID.String(), s.config.DevicePollInterval)
	if err != nil {
		logging.FromContext(ctx).WarnEvent().
			Err(err).
			Msg("device poll limiter unavailable, allowing poll")
		allowed = true
	}
	if !allowed {
		return nil, s.protocolError(ctx, grantType, newError(ErrCodeSlowDown, "polling too frequently"))
	}

	authz, err := s.authorizations.Get(ctx, *device.AuthorizationID)
	if err != nil {
		return nil, s.protocolError(ctx, grantType, err)
	}
	switch authz.Status {
	case db.AuthorizationPending:
		return nil, s.protocolError(ctx, grantType, newError(ErrCodeAuthorizationPending, "user has not yet acted on the user code"))
	case db.AuthorizationDenied:
		return nil, s.protocolError(ctx, grantType, newError(ErrCodeAccessDenied, "user denied the request"))
	case db.AuthorizationAuthorized, db.AuthorizationValid:
	default:
		return nil, s.protocolError(ctx, grantType, newError(ErrCodeInvalidGrant, "authorization is no longer valid"))
	}

	if err := s.tokens.Redeem(ctx, device); err != nil {
		return nil, s.protocolError(ctx, grantType, err)
	}

	resp, err := s.issueTokens(ctx, grant{
		grantType: grantType,
		authz:     authz,
		subjectID: authz.SubjectID,
		clientID:  client.ClientID,
		scopes:    authz.Scopes,
		authTime:  authz.CreationDate,
		refresh:   hasScope(authz.Scopes, scopeOfflineAccess),
		idToken:   hasScope(authz.Scopes, scopeOpenID),
	})
	if err != nil {
		return nil, s.protocolError(ctx, grantType, err)
	}
	return resp, nil
}
