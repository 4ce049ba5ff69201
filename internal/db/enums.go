package db

type AuthorizationType string

const (
	AuthorizationCode              AuthorizationType = "code"
	AuthorizationClientCredentials AuthorizationType = "client_credentials"
	AuthorizationPassword          AuthorizationType = "password"
	AuthorizationDeviceCode        AuthorizationType = "device_code"
)

type AuthorizationStatus string

const (
	AuthorizationPending    AuthorizationStatus = "pending"
	AuthorizationAuthorized AuthorizationStatus = "authorized"
	AuthorizationDenied     AuthorizationStatus = "denied"
	AuthorizationRevoked    AuthorizationStatus = "revoked"
	AuthorizationValid      AuthorizationStatus = "valid"
)

type TokenType string

const (
	TokenAuthorizationCode TokenType = "authorization_code"
	TokenAccess            TokenType = "access_token"
	TokenRefresh           TokenType = "refresh_token"
	TokenID                TokenType = "id_token"
	TokenDeviceCode        TokenType = "device_code"
	TokenUserCode          TokenType = "user_code"
)

// IsSingleUse reports whether a token of this type may be redeemed at most once.
func (t TokenType) IsSingleUse() bool {
	switch t {
	case TokenAuthorizationCode, TokenDeviceCode, TokenUserCode:
		return true
	}
	return false
}

// IssuableUnder lists the authorization statuses a token of this type may be
// created under. Codes are handed out before consent completes.
func (t TokenType) IssuableUnder() []AuthorizationStatus {
	if t.IsSingleUse() {
		return []AuthorizationStatus{AuthorizationPending, AuthorizationAuthorized, AuthorizationValid}
	}
	return []AuthorizationStatus{AuthorizationAuthorized, AuthorizationValid}
}

type TokenStatus string

const (
	TokenPending  TokenStatus = "pending"
	TokenValid    TokenStatus = "valid"
	TokenRedeemed TokenStatus = "redeemed"
	TokenRevoked  TokenStatus = "revoked"
	TokenDenied   TokenStatus = "denied"
	// TokenExpired is never stored. See Token.EffectiveStatus.
	TokenExpired TokenStatus = "expired"
)

var authorizationTypeNames = map[AuthorizationType]string{
	AuthorizationCode:              "Authorization code",
	AuthorizationClientCredentials: "Client credentials",
	AuthorizationPassword:          "Resource owner password",
	AuthorizationDeviceCode:        "Device code",
}

var authorizationStatusNames = map[AuthorizationStatus]string{
	AuthorizationPending:    "Pending",
	AuthorizationAuthorized: "Authorized",
	AuthorizationDenied:     "Denied",
	AuthorizationRevoked:    "Revoked",
	AuthorizationValid:      "Valid",
}

var tokenTypeNames = map[TokenType]string{
	TokenAuthorizationCode: "Authorization code",
	TokenAccess:            "Access token",
	TokenRefresh:           "Refresh token",
	TokenID:                "ID token",
	TokenDeviceCode:        "Device code",
	TokenUserCode:          "User code",
}

var tokenStatusNames = map[TokenStatus]string{
	TokenPending:  "Pending",
	TokenValid:    "Valid",
	TokenRedeemed: "Redeemed",
	TokenRevoked:  "Revoked",
	TokenDenied:   "Denied",
	TokenExpired:  "Expired",
}

func AuthorizationTypeDisplay(t AuthorizationType) string {
	return lookupDisplay(authorizationTypeNames, t)
}

func AuthorizationStatusDisplay(s AuthorizationStatus) string {
	return lookupDisplay(authorizationStatusNames, s)
}

func TokenTypeDisplay(t TokenType) string {
	return lookupDisplay(tokenTypeNames, t)
}

func TokenStatusDisplay(s TokenStatus) string {
	return lookupDisplay(tokenStatusNames, s)
}

func lookupDisplay[K ~string](names map[K]string, key K) string {
	if name, ok := names[key]; ok {
		return name
	}
	return "Unknown (" + string(key) + ")"
}
