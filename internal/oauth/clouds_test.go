package oauth

import (
	"testing"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"authcore/internal/autherrors"
	"authcore/internal/cache"
)

func TestCapabilitiesForUnknownType(t *testing.T) {
	_, err := CapabilitiesFor("SAML")
	require.Error(t, err)
}

func TestCapabilitiesForIsCaseInsensitive(t *testing.T) {
	caps, err := CapabilitiesFor("aad")
	require.NoError(t, err)
	assert.Equal(t, cache.AuthorityAAD, caps.AuthorityType)
}

func TestEndpointConstruction(t *testing.T) {
	tests := []struct {
		name          string
		authority     Authority
		wantAuthorize string
		wantToken     string
	}{
		{
			name:          "aad with tenant",
			authority:     Authority{Type: "AAD", Environment: "login.example.com", Realm: "contoso"},
			wantAuthorize: "https://login.example.com/contoso/oauth2/v2.0/authorize",
			wantToken:     "https://login.example.com/contoso/oauth2/v2.0/token",
		},
		{
			name:          "aad without tenant falls back to common",
			authority:     Authority{Type: "AAD", Environment: "login.example.com"},
			wantAuthorize: "https://login.example.com/common/oauth2/v2.0/authorize",
			wantToken:     "https://login.example.com/common/oauth2/v2.0/token",
		},
		{
			name:          "b2c embeds the policy",
			authority:     Authority{Type: "B2C", Environment: "fabrikam.b2clogin.com", Realm: "fabrikam", Policy: "b2c_1_signin"},
			wantAuthorize: "https://fabrikam.b2clogin.com/fabrikam/b2c_1_signin/oauth2/v2.0/authorize",
			wantToken:     "https://fabrikam.b2clogin.com/fabrikam/b2c_1_signin/oauth2/v2.0/token",
		},
		{
			name:          "adfs uses the fixed path",
			authority:     Authority{Type: "ADFS", Environment: "sts.contoso.com"},
			wantAuthorize: "https://sts.contoso.com/adfs/oauth2/authorize",
			wantToken:     "https://sts.contoso.com/adfs/oauth2/token",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			caps, err := CapabilitiesFor(tt.authority.Type)
			require.NoError(t, err)
			assert.Equal(t, tt.wantAuthorize, caps.AuthorizeEndpoint(tt.authority))
			assert.Equal(t, tt.wantToken, caps.TokenEndpoint(tt.authority))
		})
	}
}

func TestB2CRequiresPolicy(t *testing.T) {
	caps, err := CapabilitiesFor("B2C")
	require.NoError(t, err)

	authority := Authority{Type: "B2C", Environment: "fabrikam.b2clogin.com", Realm: "fabrikam"}

	authReq := &AuthorizationRequest{
		ClientID:    "client-1",
		Scopes:      []string{"openid"},
		RedirectURI: "http://localhost/cb",
		State:       "s:1",
	}
	err = caps.ValidateAuthorizationRequest(authority, authReq)
	assert.True(t, autherrors.IsInvalidRequest(err), "got %v", err)

	err = caps.ValidateTokenRequest(authority, &TokenRequest{
		Grant:        GrantRefreshToken,
		ClientID:     "client-1",
		RefreshToken: "rt",
	})
	assert.True(t, autherrors.IsInvalidRequest(err), "got %v", err)
}

func TestValidateTokenRequestPerGrant(t *testing.T) {
	authority := Authority{Type: "AAD", Environment: "login.example.com"}

	tests := []struct {
		name    string
		req     *TokenRequest
		wantErr bool
	}{
		{
			name: "authorization_code without code",
			req: &TokenRequest{
				Grant:       GrantAuthorizationCode,
				ClientID:    "c",
				RedirectURI: "http://localhost/cb",
			},
			wantErr: true,
		},
		{
			name: "refresh_token without token",
			req: &TokenRequest{
				Grant:    GrantRefreshToken,
				ClientID: "c",
			},
			wantErr: true,
		},
		{
			name: "client_credentials with assertion only",
			req: &TokenRequest{
				Grant:           GrantClientCredentials,
				ClientID:        "c",
				ClientAssertion: "assertion",
			},
		},
		{
			name: "unsupported grant",
			req: &TokenRequest{
				Grant:    "password",
				ClientID: "c",
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validateCommonTokenRequest(authority, tt.req)
			if tt.wantErr {
				assert.True(t, autherrors.IsInvalidRequest(err), "got %v", err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestValidateTokenResponseRequiresTokenMaterial(t *testing.T) {
	authority := Authority{Type: "AAD", Environment: "login.example.com"}

	err := validateCommonTokenResponse(authority, &TokenResponse{RefreshToken: "rt-only"})
	se, ok := autherrors.IsServerError(err)
	require.True(t, ok, "got %v", err)
	assert.Equal(t, "invalid_response", se.Code)
}

func TestCreateAccountFromClaims(t *testing.T) {
	idToken := testIDTokenJWT(t, jwt.MapClaims{
		"iss":                "https://login.example.com/tenant-guid/v2.0",
		"sub":                "subject-1",
		"oid":                "oid-1",
		"tid":                "tenant-guid",
		"preferred_username": "user@contoso.com",
		"name":               "Test User",
		"given_name":         "Test",
		"family_name":        "User",
	})

	caps, err := CapabilitiesFor("AAD")
	require.NoError(t, err)

	account, err := caps.CreateAccount(
		Authority{Type: "AAD", Environment: "login.example.com", Realm: "contoso"},
		&TokenResponse{IDToken: idToken},
	)
	require.NoError(t, err)

	// tid claim wins over the configured realm.
	assert.Equal(t, "tenant-guid", account.Realm)
	assert.Equal(t, "subject-1", account.HomeAccountID)
	assert.Equal(t, "oid-1", account.LocalAccountID)
	assert.Equal(t, "user@contoso.com", account.Username)
	assert.Equal(t, "Test User", account.Name)
	assert.Equal(t, "Test", account.GivenName)
	assert.Equal(t, "User", account.FamilyName)
	assert.Equal(t, cache.AuthorityAAD, account.AuthorityType)
}

func TestCreateAccountPrefersClientInfo(t *testing.T) {
	idToken := testIDTokenJWT(t, jwt.MapClaims{"sub": "subject-1"})

	caps, err := CapabilitiesFor("AAD")
	require.NoError(t, err)

	account, err := caps.CreateAccount(
		Authority{Type: "AAD", Environment: "login.example.com", Realm: "contoso"},
		&TokenResponse{
			IDToken: idToken,
			// base64url({"uid":"uid-1","utid":"utid-1"})
			ClientInfo: "eyJ1aWQiOiJ1aWQtMSIsInV0aWQiOiJ1dGlkLTEifQ",
		},
	)
	require.NoError(t, err)
	assert.Equal(t, "uid-1.utid-1", account.HomeAccountID)
}

func TestCreateAccountADFSRealmFallback(t *testing.T) {
	idToken := testIDTokenJWT(t, jwt.MapClaims{
		"sub": "subject-1",
		"upn": "user@corp.contoso.com",
	})

	caps, err := CapabilitiesFor("ADFS")
	require.NoError(t, err)

	account, err := caps.CreateAccount(
		Authority{Type: "ADFS", Environment: "sts.contoso.com"},
		&TokenResponse{IDToken: idToken},
	)
	require.NoError(t, err)
	assert.Equal(t, "adfs", account.Realm)
	assert.Equal(t, "user@corp.contoso.com", account.Username)
	assert.Equal(t, "subject-1", account.LocalAccountID)
}

func TestCreateAccountWithoutIdentityFails(t *testing.T) {
	caps, err := CapabilitiesFor("AAD")
	require.NoError(t, err)

	_, err = caps.CreateAccount(
		Authority{Type: "AAD", Environment: "login.example.com"},
		&TokenResponse{AccessToken: "at-only"},
	)
	require.Error(t, err)
}
