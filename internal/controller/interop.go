package controller

import (
	"golang.org/x/oauth2"

	"authcore/internal/cache"
)

// OAuth2Token renders the result as a golang.org/x/oauth2 token so
// consumers can hand it to TokenSource-shaped call sites. Returns nil when
// the result carries no access token.
func (r *AuthResult) OAuth2Token() *oauth2.Token {
	if r.AccessToken == nil {
		return nil
	}

	scheme := r.AccessToken.AuthScheme
	if scheme == "" {
		scheme = cache.SchemeBearer
	}

	token := &oauth2.Token{
		AccessToken: r.AccessToken.Secret,
		TokenType:   string(scheme),
	}
	if expiry, err := cache.ParseEpoch(r.AccessToken.ExpiresOn); err == nil {
		token.Expiry = expiry
	}
	return token
}
