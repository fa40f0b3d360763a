// Package oauth implements the OAuth2/OIDC protocol engine: a single
// acquisition state machine parameterized by a per-cloud capability set,
// plus the token-endpoint client, PKCE, and authorization-state handling.
package oauth

import (
	"context"
	"fmt"
	"strings"

	"authcore/internal/autherrors"
	"authcore/internal/cache"
	"authcore/pkg/logging"
)

// Strategy drives credential acquisition against one authority. The
// acquisition sequence is identical for every cloud; the capability set
// supplies the cloud-specific endpoints, validators and account factory.
type Strategy struct {
	authority Authority
	caps      Capabilities
	client    *Client
}

// StrategyOption adjusts a strategy after capability selection.
type StrategyOption func(*Strategy)

// WithAuthorizeEndpoint pins the authorization endpoint to a fixed URL,
// overriding the cloud's construction rule. Used for private-cloud and
// proxied deployments.
func WithAuthorizeEndpoint(url string) StrategyOption {
	return func(s *Strategy) {
		s.caps.AuthorizeEndpoint = func(Authority) string { return url }
	}
}

// WithTokenEndpoint pins the token endpoint to a fixed URL.
func WithTokenEndpoint(url string) StrategyOption {
	return func(s *Strategy) {
		s.caps.TokenEndpoint = func(Authority) string { return url }
	}
}

// NewStrategy creates a strategy for the authority, selecting the
// capability set from the authority type.
func NewStrategy(authority Authority, client *Client, opts ...StrategyOption) (*Strategy, error) {
	caps, err := CapabilitiesFor(authority.Type)
	if err != nil {
		return nil, err
	}
	s := &Strategy{authority: authority, caps: caps, client: client}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Authority returns the strategy's authority.
func (s *Strategy) Authority() Authority {
	return s.authority
}

// AcquireParams are the caller-supplied inputs to one acquisition.
type AcquireParams struct {
	ClientID    string
	Scopes      []string
	RedirectURI string
	Prompt      string
	ExtraQuery  map[string]string
	Claims      string

	// ContextID correlates the authorization response with this request
	// through the state parameter.
	ContextID string
}

// ExchangeResult is a validated token exchange rendered as cache records,
// ready for TokenCache.Save.
type ExchangeResult struct {
	Account     *cache.AccountRecord
	Credentials []*cache.CredentialRecord
	Response    *TokenResponse
}

// AccessToken returns the access-token record of the exchange, or nil.
func (r *ExchangeResult) AccessToken() *cache.CredentialRecord {
	for _, c := range r.Credentials {
		if c.CredentialType == cache.CredentialAccessToken {
			return c
		}
	}
	return nil
}

// BuildAuthorizationRequest constructs and validates the authorization
// request for the params. Validation fails closed: an invalid request never
// reaches the network.
func (s *Strategy) BuildAuthorizationRequest(p AcquireParams) (*AuthorizationRequest, error) {
	pkce, err := GeneratePKCE()
	if err != nil {
		return nil, err
	}

	req := &AuthorizationRequest{
		ClientID:    p.ClientID,
		Scopes:      p.Scopes,
		RedirectURI: p.RedirectURI,
		Prompt:      p.Prompt,
		ExtraQuery:  p.ExtraQuery,
		Claims:      p.Claims,
		State:       GenerateState(p.ContextID),
		PKCE:        pkce,
	}

	if err := s.caps.ValidateAuthorizationRequest(s.authority, req); err != nil {
		return nil, err
	}
	return req, nil
}

// AcquireInteractive runs the full acquisition state machine: build and
// validate the authorization request, dispatch it to the interactive
// collaborator, reconcile the response state, exchange the code, validate
// the response and render it as cache records.
func (s *Strategy) AcquireInteractive(ctx context.Context, interactor Interactor, p AcquireParams) (*ExchangeResult, error) {
	authReq, err := s.BuildAuthorizationRequest(p)
	if err != nil {
		return nil, err
	}

	authorizeURL, err := authReq.AuthorizationURL(s.caps.AuthorizeEndpoint(s.authority))
	if err != nil {
		return nil, autherrors.NewInvalidRequestError("authority", err.Error())
	}

	logging.Debug(logSubsystem, "dispatching authorization request for client %s", p.ClientID)
	authResp, err := interactor.Authorize(ctx, authorizeURL, authReq)
	if err != nil {
		// Cancellation and timeout surface from the collaborator unchanged.
		return nil, err
	}

	if authResp.Error != "" {
		return nil, &autherrors.ServerError{
			Code:        authResp.Error,
			Description: authResp.ErrorDescription,
		}
	}

	if err := VerifyState(authResp.State, p.ContextID); err != nil {
		return nil, err
	}

	tokenReq := &TokenRequest{
		Grant:        GrantAuthorizationCode,
		ClientID:     p.ClientID,
		Scopes:       p.Scopes,
		RedirectURI:  p.RedirectURI,
		Code:         authResp.Code,
		CodeVerifier: authReq.PKCE.CodeVerifier,
	}

	return s.redeem(ctx, tokenReq)
}

// RedeemRefreshToken exchanges a refresh token for fresh credentials (the
// silent flow's network leg).
func (s *Strategy) RedeemRefreshToken(ctx context.Context, clientID, refreshToken string, scopes []string) (*ExchangeResult, error) {
	return s.redeem(ctx, &TokenRequest{
		Grant:        GrantRefreshToken,
		ClientID:     clientID,
		Scopes:       scopes,
		RefreshToken: refreshToken,
	})
}

// AcquireClientCredentials performs an app-only exchange.
func (s *Strategy) AcquireClientCredentials(ctx context.Context, clientID, clientSecret string, scopes []string) (*ExchangeResult, error) {
	return s.redeem(ctx, &TokenRequest{
		Grant:        GrantClientCredentials,
		ClientID:     clientID,
		ClientSecret: clientSecret,
		Scopes:       scopes,
	})
}

// redeem validates and performs one token-endpoint exchange, then renders
// the validated response as cache records.
func (s *Strategy) redeem(ctx context.Context, req *TokenRequest) (*ExchangeResult, error) {
	if err := s.caps.ValidateTokenRequest(s.authority, req); err != nil {
		return nil, err
	}

	resp, err := s.client.Exchange(ctx, s.caps.TokenEndpoint(s.authority), req)
	if err != nil {
		return nil, err
	}

	if err := s.caps.ValidateTokenResponse(s.authority, resp); err != nil {
		return nil, err
	}

	return s.records(req, resp)
}

// records converts a validated token response into the account and
// credential records of one cache-write transaction.
func (s *Strategy) records(req *TokenRequest, resp *TokenResponse) (*ExchangeResult, error) {
	account, err := s.caps.CreateAccount(s.authority, resp)
	if err != nil {
		return nil, fmt.Errorf("constructing account from token response: %w", err)
	}

	now := nowFunc()
	result := &ExchangeResult{Account: account, Response: resp}

	target := resp.Scope
	if target == "" {
		target = strings.Join(req.Scopes, " ")
	}

	if resp.AccessToken != "" {
		at := &cache.CredentialRecord{
			HomeAccountID:  account.HomeAccountID,
			Environment:    account.Environment,
			CredentialType: cache.CredentialAccessToken,
			ClientID:       req.ClientID,
			Realm:          account.Realm,
			Target:         target,
			Secret:         resp.AccessToken,
			CachedAt:       cache.FormatEpoch(now),
			ExpiresOn:      cache.FormatEpoch(now.Add(secondsDuration(resp.ExpiresIn))),
			AuthScheme:     schemeFromTokenType(resp.TokenType),
		}
		if resp.RefreshIn > 0 && resp.RefreshIn <= resp.ExpiresIn {
			at.RefreshOn = cache.FormatEpoch(now.Add(secondsDuration(resp.RefreshIn)))
		}
		result.Credentials = append(result.Credentials, at)
	}

	if resp.RefreshToken != "" {
		result.Credentials = append(result.Credentials, &cache.CredentialRecord{
			HomeAccountID:  account.HomeAccountID,
			Environment:    account.Environment,
			CredentialType: cache.CredentialRefreshToken,
			ClientID:       req.ClientID,
			Target:         target,
			Secret:         resp.RefreshToken,
			CachedAt:       cache.FormatEpoch(now),
			FamilyID:       resp.FamilyID,
		})
	}

	if resp.IDToken != "" {
		result.Credentials = append(result.Credentials, &cache.CredentialRecord{
			HomeAccountID:  account.HomeAccountID,
			Environment:    account.Environment,
			CredentialType: cache.CredentialIDToken,
			ClientID:       req.ClientID,
			Realm:          account.Realm,
			Secret:         resp.IDToken,
			CachedAt:       cache.FormatEpoch(now),
		})
	}

	return result, nil
}

func schemeFromTokenType(tokenType string) cache.AuthScheme {
	if strings.EqualFold(tokenType, "pop") {
		return cache.SchemePoP
	}
	return cache.SchemeBearer
}
