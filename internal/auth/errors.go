package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"token-engine/internal/authorization"
	"token-engine/internal/keys"
	"token-engine/internal/logging"
	"token-engine/internal/token"
)

// Protocol error codes from RFC 6749 section 5.2 and RFC 8628 section 3.5.
const (
	ErrCodeInvalidRequest       = "invalid_request"
	ErrCodeInvalidClient        = "invalid_client"
	ErrCodeInvalidGrant         = "invalid_grant"
	ErrCodeUnauthorizedClient   = "unauthorized_client"
	ErrCodeInvalidScope         = "invalid_scope"
	ErrCodeUnsupportedGrantType = "unsupported_grant_type"
	ErrCodeAccessDenied         = "access_denied"
	ErrCodeAuthorizationPending = "authorization_pending"
	ErrCodeSlowDown             = "slow_down"
	ErrCodeExpiredToken         = "expired_token"
	ErrCodeServerError          = "server_error"
)

// Error is the only error type that leaves this package. It renders as the
// standard OAuth2 error body.
type Error struct {
	Code        string `json:"error"`
	Description string `json:"error_description,omitempty"`
	Status      int    `json:"-"`
}

func (e *Error) Error() string {
	if e.Description == "" {
		return e.Code
	}
	return e.Code + ": " + e.Description
}

func newError(code, description string) *Error {
	status := http.StatusBadRequest
	switch code {
	case ErrCodeInvalidClient:
		status = http.StatusUnauthorized
	case ErrCodeServerError:
		status = http.StatusInternalServerError
	}
	return &Error{Code: code, Description: description, Status: status}
}

func errorf(code, format string, args ...interface{}) *Error {
	return newError(code, fmt.Sprintf(format, args...))
}

// AsError extracts the protocol error from err, defaulting to server_error.
func AsError(err error) *Error {
	var authErr *Error
	if errors.As(err, &authErr) {
		return authErr
	}
	return newError(ErrCodeServerError, "")
}

// protocolError maps component errors onto the protocol taxonomy. Anything
// unrecognised is a server_error and is logged; its text never reaches the
// caller.
func (s *Service) protocolError(ctx context.Context, grantType string, err error) error {
	if err == nil {
		return nil
	}

	var mapped *Error
	switch {
	case errors.As(err, &mapped):
	case errors.Is(err, authorization.ErrInvalidScope):
		mapped = newError(ErrCodeInvalidScope, "requested scope is not allowed for this client")
	case errors.Is(err, authorization.ErrUnsupportedGrant):
		mapped = newError(ErrCodeUnauthorizedClient, "client is not allowed to use this grant type")
	case errors.Is(err, token.ErrReplayDetected):
		s.metrics.IncrementRefreshReplays()
		mapped = newError(ErrCodeInvalidGrant, "refresh token has already been used")
	case errors.Is(err, token.ErrInvalidGrant),
		errors.Is(err, token.ErrNotFound),
		errors.Is(err, token.ErrInvalidState),
		errors.Is(err, authorization.ErrNotFound),
		errors.Is(err, authorization.ErrInvalidState):
		mapped = newError(ErrCodeInvalidGrant, "grant is invalid, expired or already used")
	case errors.Is(err, keys.ErrNoActiveKey):
		logging.FromContext(ctx).ErrorEvent().
			Err(err).
			Bool("fatal_config", true).
			Str("grant_type", grantType).
			Msg("no active signing key, tokens cannot be issued")
		mapped = newError(ErrCodeServerError, "")
	default:
		logging.FromContext(ctx).ErrorEvent().
			Err(err).
			Str("grant_type", grantType).
			Msg("grant failed with internal error")
		mapped = newError(ErrCodeServerError, "")
	}

	s.metrics.RecordGrantError(grantType, mapped.Code)
	return mapped
}
