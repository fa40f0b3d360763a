package oauth

import (
	"fmt"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"authcore/internal/autherrors"
	"authcore/internal/cache"
)

// Capabilities is the per-cloud variation point of the protocol engine. The
// state machine itself is invariant; only endpoint construction, account
// construction and the validation rule sets differ between clouds.
type Capabilities struct {
	// AuthorityType tags the accounts this cloud produces.
	AuthorityType cache.AuthorityType

	// AuthorizeEndpoint builds the authorization URL base for an authority.
	AuthorizeEndpoint func(a Authority) string

	// TokenEndpoint builds the token URL for an authority.
	TokenEndpoint func(a Authority) string

	// ValidateAuthorizationRequest enforces the cloud's request rules.
	// Failing closed here keeps invalid requests off the network.
	ValidateAuthorizationRequest func(a Authority, r *AuthorizationRequest) error

	// ValidateTokenRequest enforces the cloud's token-request rules.
	ValidateTokenRequest func(a Authority, r *TokenRequest) error

	// ValidateTokenResponse enforces the cloud's response rules (required
	// token material, issuer consistency).
	ValidateTokenResponse func(a Authority, t *TokenResponse) error

	// CreateAccount builds the account record from a validated response.
	CreateAccount func(a Authority, t *TokenResponse) (*cache.AccountRecord, error)
}

// CapabilitiesFor returns the capability set for an authority type.
func CapabilitiesFor(authorityType string) (Capabilities, error) {
	switch cache.AuthorityType(strings.ToUpper(authorityType)) {
	case cache.AuthorityAAD:
		return aadCapabilities(), nil
	case cache.AuthorityB2C:
		return b2cCapabilities(), nil
	case cache.AuthorityADFS:
		return adfsCapabilities(), nil
	default:
		return Capabilities{}, fmt.Errorf("unknown authority type %q", authorityType)
	}
}

func aadCapabilities() Capabilities {
	return Capabilities{
		AuthorityType: cache.AuthorityAAD,
		AuthorizeEndpoint: func(a Authority) string {
			return fmt.Sprintf("https://%s/%s/oauth2/v2.0/authorize", a.Environment, realmOrCommon(a))
		},
		TokenEndpoint: func(a Authority) string {
			return fmt.Sprintf("https://%s/%s/oauth2/v2.0/token", a.Environment, realmOrCommon(a))
		},
		ValidateAuthorizationRequest: func(a Authority, r *AuthorizationRequest) error {
			if a.Environment == "" {
				return autherrors.NewInvalidRequestError("authority", "environment host is required")
			}
			return validateCommonAuthorizationRequest(r)
		},
		ValidateTokenRequest:  validateCommonTokenRequest,
		ValidateTokenResponse: validateCommonTokenResponse,
		CreateAccount:         createAccountFromIDToken(cache.AuthorityAAD),
	}
}

func b2cCapabilities() Capabilities {
	caps := Capabilities{
		AuthorityType: cache.AuthorityB2C,
		AuthorizeEndpoint: func(a Authority) string {
			return fmt.Sprintf("https://%s/%s/%s/oauth2/v2.0/authorize", a.Environment, realmOrCommon(a), a.Policy)
		},
		TokenEndpoint: func(a Authority) string {
			return fmt.Sprintf("https://%s/%s/%s/oauth2/v2.0/token", a.Environment, realmOrCommon(a), a.Policy)
		},
		ValidateAuthorizationRequest: func(a Authority, r *AuthorizationRequest) error {
			// B2C routes every request through a user-flow policy.
			if a.Policy == "" {
				return autherrors.NewInvalidRequestError("policy", "B2C authorities require a policy")
			}
			return validateCommonAuthorizationRequest(r)
		},
		ValidateTokenRequest: func(a Authority, r *TokenRequest) error {
			if a.Policy == "" {
				return autherrors.NewInvalidRequestError("policy", "B2C authorities require a policy")
			}
			return validateCommonTokenRequest(a, r)
		},
		ValidateTokenResponse: validateCommonTokenResponse,
		CreateAccount:         createAccountFromIDToken(cache.AuthorityB2C),
	}
	return caps
}

func adfsCapabilities() Capabilities {
	return Capabilities{
		AuthorityType: cache.AuthorityADFS,
		AuthorizeEndpoint: func(a Authority) string {
			return fmt.Sprintf("https://%s/adfs/oauth2/authorize", a.Environment)
		},
		TokenEndpoint: func(a Authority) string {
			return fmt.Sprintf("https://%s/adfs/oauth2/token", a.Environment)
		},
		ValidateAuthorizationRequest: func(a Authority, r *AuthorizationRequest) error {
			if a.Environment == "" {
				return autherrors.NewInvalidRequestError("authority", "environment host is required")
			}
			return validateCommonAuthorizationRequest(r)
		},
		ValidateTokenRequest:  validateCommonTokenRequest,
		ValidateTokenResponse: validateCommonTokenResponse,
		// ADFS has no tenant partition: accounts land in the synthetic
		// "adfs" realm.
		CreateAccount: createAccountFromIDToken(cache.AuthorityADFS),
	}
}

func realmOrCommon(a Authority) string {
	if a.Realm == "" {
		return "common"
	}
	return a.Realm
}

func validateCommonAuthorizationRequest(r *AuthorizationRequest) error {
	if r.ClientID == "" {
		return autherrors.NewInvalidRequestError("client_id", "required")
	}
	if len(r.Scopes) == 0 {
		return autherrors.NewInvalidRequestError("scope", "at least one scope is required")
	}
	if r.RedirectURI == "" {
		return autherrors.NewInvalidRequestError("redirect_uri", "required")
	}
	if r.State == "" {
		return autherrors.NewInvalidRequestError("state", "required")
	}
	return nil
}

func validateCommonTokenRequest(_ Authority, r *TokenRequest) error {
	if r.ClientID == "" {
		return autherrors.NewInvalidRequestError("client_id", "required")
	}
	switch r.Grant {
	case GrantAuthorizationCode:
		if r.Code == "" {
			return autherrors.NewInvalidRequestError("code", "required for authorization_code grant")
		}
		if r.RedirectURI == "" {
			return autherrors.NewInvalidRequestError("redirect_uri", "required for authorization_code grant")
		}
	case GrantRefreshToken:
		if r.RefreshToken == "" {
			return autherrors.NewInvalidRequestError("refresh_token", "required for refresh_token grant")
		}
	case GrantClientCredentials:
		if r.ClientSecret == "" && r.ClientAssertion == "" {
			return autherrors.NewInvalidRequestError("client_secret", "client_credentials grant requires a secret or assertion")
		}
	default:
		return autherrors.NewInvalidRequestError("grant_type", fmt.Sprintf("unsupported grant %q", r.Grant))
	}
	return nil
}

func validateCommonTokenResponse(a Authority, t *TokenResponse) error {
	if t.AccessToken == "" && t.IDToken == "" {
		return &autherrors.ServerError{
			Code:          "invalid_response",
			Description:   "response carries neither an access token nor an ID token",
			CorrelationID: t.CorrelationID,
		}
	}
	if t.IDToken != "" {
		claims, err := idTokenClaims(t.IDToken)
		if err != nil {
			return &autherrors.ServerError{
				Code:          "invalid_response",
				Description:   "unparsable ID token: " + err.Error(),
				CorrelationID: t.CorrelationID,
			}
		}
		// Issuer host must belong to the authority environment. Signature
		// verification is the provider collaborator's concern; this check
		// catches responses routed from the wrong cloud.
		if iss, _ := claims["iss"].(string); iss != "" && !strings.Contains(iss, a.Environment) {
			return &autherrors.ServerError{
				Code:          "invalid_issuer",
				Description:   fmt.Sprintf("issuer %q does not match authority environment %q", iss, a.Environment),
				CorrelationID: t.CorrelationID,
			}
		}
	}
	return nil
}

// createAccountFromIDToken builds the account factory shared by all clouds;
// only the authority-type tag and the realm fallback differ.
func createAccountFromIDToken(authorityType cache.AuthorityType) func(Authority, *TokenResponse) (*cache.AccountRecord, error) {
	return func(a Authority, t *TokenResponse) (*cache.AccountRecord, error) {
		claims := jwt.MapClaims{}
		if t.IDToken != "" {
			parsed, err := idTokenClaims(t.IDToken)
			if err != nil {
				return nil, err
			}
			claims = parsed
		}

		subject, _ := claims["sub"].(string)
		realm := a.Realm
		if tid, ok := claims["tid"].(string); ok && tid != "" {
			realm = tid
		}
		if authorityType == cache.AuthorityADFS && realm == "" {
			realm = "adfs"
		}

		account := &cache.AccountRecord{
			HomeAccountID: t.HomeAccountID(subject),
			Environment:   a.Environment,
			Realm:         realm,
			AuthorityType: authorityType,
		}
		if oid, ok := claims["oid"].(string); ok {
			account.LocalAccountID = oid
		} else {
			account.LocalAccountID = subject
		}
		if username, ok := claims["preferred_username"].(string); ok {
			account.Username = username
		} else if upn, ok := claims["upn"].(string); ok {
			account.Username = upn
		}
		if name, ok := claims["name"].(string); ok {
			account.Name = name
		}
		if given, ok := claims["given_name"].(string); ok {
			account.GivenName = given
		}
		if family, ok := claims["family_name"].(string); ok {
			account.FamilyName = family
		}

		if account.HomeAccountID == "" {
			return nil, fmt.Errorf("token response carries no account identity")
		}
		return account, nil
	}
}

// idTokenClaims parses ID-token claims without signature verification.
// Account construction only needs the claim values; trust in the token
// comes from the TLS channel it arrived on, and full validation is the
// resource server's job.
func idTokenClaims(idToken string) (jwt.MapClaims, error) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(idToken, claims); err != nil {
		return nil, err
	}
	return claims, nil
}
