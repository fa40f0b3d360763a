package oauth

import (
	"context"
	"encoding/json"
	"net/url"
	"strings"
)

// GrantType selects the token-request grant.
type GrantType string

const (
	GrantAuthorizationCode GrantType = "authorization_code"
	GrantRefreshToken      GrantType = "refresh_token"
	GrantClientCredentials GrantType = "client_credentials"
)

// Authority is the issuer endpoint combination of environment and realm.
type Authority struct {
	// Type selects the cloud capability set (AAD, B2C, ADFS).
	Type string `json:"type"`

	// Environment is the cloud host, e.g. "login.example.com".
	Environment string `json:"environment"`

	// Realm is the tenant partition, or "common" for multi-tenant.
	Realm string `json:"realm"`

	// Policy is the user-flow policy. Required for B2C, empty elsewhere.
	Policy string `json:"policy,omitempty"`
}

// AuthorizationRequest carries the parameters of one authorization leg.
type AuthorizationRequest struct {
	ClientID    string
	Scopes      []string
	RedirectURI string

	// Prompt is the sign-in prompt behavior ("login", "none",
	// "select_account"), empty for provider default.
	Prompt string

	// ExtraQuery is appended verbatim to the authorization URL.
	ExtraQuery map[string]string

	// State binds the eventual response to this request.
	State string

	// PKCE is the proof-key challenge included with the request.
	PKCE *PKCEChallenge

	// Claims is an optional requested-claims JSON blob.
	Claims string
}

// AuthorizationURL renders the request against an authorize endpoint.
func (r *AuthorizationRequest) AuthorizationURL(endpoint string) (string, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", err
	}

	q := u.Query()
	q.Set("client_id", r.ClientID)
	q.Set("response_type", "code")
	q.Set("redirect_uri", r.RedirectURI)
	q.Set("scope", strings.Join(r.Scopes, " "))
	q.Set("state", r.State)
	if r.Prompt != "" {
		q.Set("prompt", r.Prompt)
	}
	if r.PKCE != nil {
		q.Set("code_challenge", r.PKCE.CodeChallenge)
		q.Set("code_challenge_method", r.PKCE.CodeChallengeMethod)
	}
	if r.Claims != "" {
		q.Set("claims", r.Claims)
	}
	for k, v := range r.ExtraQuery {
		q.Set(k, v)
	}

	u.RawQuery = q.Encode()
	return u.String(), nil
}

// AuthorizationResponse is the provider's answer to an authorization
// request, as delivered by the interactive collaborator. Exactly one of
// Code or Error is populated; the collaborator never returns a
// partially-filled response.
type AuthorizationResponse struct {
	Code             string
	State            string
	Error            string
	ErrorDescription string
}

// TokenRequest carries the parameters of one token-endpoint exchange.
type TokenRequest struct {
	Grant       GrantType
	ClientID    string
	Scopes      []string
	RedirectURI string

	// Code and CodeVerifier serve the authorization_code grant.
	Code         string
	CodeVerifier string

	// RefreshToken serves the refresh_token grant. Never logged.
	RefreshToken string

	// ClientSecret or ClientAssertion prove the client's identity for
	// confidential-client grants.
	ClientSecret        string
	ClientAssertion     string
	ClientAssertionType string
}

// Form renders the request as the token endpoint's form body.
func (r *TokenRequest) Form() url.Values {
	form := url.Values{}
	form.Set("grant_type", string(r.Grant))
	form.Set("client_id", r.ClientID)
	if len(r.Scopes) > 0 {
		form.Set("scope", strings.Join(r.Scopes, " "))
	}
	switch r.Grant {
	case GrantAuthorizationCode:
		form.Set("code", r.Code)
		form.Set("redirect_uri", r.RedirectURI)
		if r.CodeVerifier != "" {
			form.Set("code_verifier", r.CodeVerifier)
		}
	case GrantRefreshToken:
		form.Set("refresh_token", r.RefreshToken)
	}
	if r.ClientSecret != "" {
		form.Set("client_secret", r.ClientSecret)
	}
	if r.ClientAssertion != "" {
		form.Set("client_assertion", r.ClientAssertion)
		form.Set("client_assertion_type", r.ClientAssertionType)
	}
	return form
}

// TokenResponse is a successful token-endpoint response body.
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token,omitempty"`
	IDToken      string `json:"id_token,omitempty"`
	TokenType    string `json:"token_type,omitempty"`

	// ExpiresIn is the access token lifetime in seconds.
	ExpiresIn int64 `json:"expires_in,omitempty"`

	// RefreshIn is the soft-refresh interval in seconds, always at or below
	// ExpiresIn when the server sends it.
	RefreshIn int64 `json:"refresh_in,omitempty"`

	Scope string `json:"scope,omitempty"`

	// ClientInfo is the provider's base64 account-identifier blob.
	ClientInfo string `json:"client_info,omitempty"`

	// FamilyID joins the refresh token to a client family.
	FamilyID string `json:"foci,omitempty"`

	// CorrelationID is recovered from the response headers, not the body.
	CorrelationID string `json:"-"`
}

// clientInfo is the decoded ClientInfo blob.
type clientInfo struct {
	UID  string `json:"uid"`
	UTID string `json:"utid"`
}

// HomeAccountID derives the stable account identifier from the client_info
// blob, falling back to the ID-token subject when the blob is absent or
// undecodable.
func (t *TokenResponse) HomeAccountID(fallbackSubject string) string {
	if t.ClientInfo != "" {
		if raw, err := decodeSegment(t.ClientInfo); err == nil {
			var info clientInfo
			if err := json.Unmarshal(raw, &info); err == nil && info.UID != "" {
				return info.UID + "." + info.UTID
			}
		}
	}
	return fallbackSubject
}

// Interactor is the interactive collaborator: given a rendered
// authorization URL and its request, it returns the provider's response.
// Cancellation and timeouts arrive through ctx; the SDK never renders UI
// itself.
type Interactor interface {
	Authorize(ctx context.Context, authorizeURL string, req *AuthorizationRequest) (*AuthorizationResponse, error)
}
