package oauth

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"authcore/internal/autherrors"
	"authcore/internal/cache"
)

func testIDTokenJWT(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodNone, claims)
	signed, err := token.SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)
	return signed
}

// fakeInteractor returns a canned authorization response, echoing the
// request state unless overridden.
type fakeInteractor struct {
	code          string
	stateOverride string
}

func (f *fakeInteractor) Authorize(_ context.Context, _ string, req *AuthorizationRequest) (*AuthorizationResponse, error) {
	state := req.State
	if f.stateOverride != "" {
		state = f.stateOverride
	}
	return &AuthorizationResponse{Code: f.code, State: state}, nil
}

func newTokenServer(t *testing.T, handler http.HandlerFunc) (*httptest.Server, *Strategy) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	// Endpoint construction itself is covered by the clouds tests.
	strategy, err := NewStrategy(Authority{
		Type:        "AAD",
		Environment: "login.example.com",
		Realm:       "contoso",
	}, NewClient(), WithTokenEndpoint(srv.URL))
	require.NoError(t, err)
	return srv, strategy
}

func successBody(t *testing.T, idToken string) []byte {
	t.Helper()
	body, err := json.Marshal(TokenResponse{
		AccessToken:  "fresh-at",
		RefreshToken: "fresh-rt",
		IDToken:      idToken,
		TokenType:    "Bearer",
		ExpiresIn:    3600,
		RefreshIn:    1800,
		Scope:        "mail.read user.read",
	})
	require.NoError(t, err)
	return body
}

func TestAcquireInteractiveHappyPath(t *testing.T) {
	idToken := testIDTokenJWT(t, jwt.MapClaims{
		"iss":                "https://login.example.com/contoso/v2.0",
		"sub":                "subject-1",
		"oid":                "oid-1",
		"tid":                "contoso",
		"preferred_username": "user@contoso.com",
		"name":               "Test User",
	})

	var gotForm atomic.Value
	_, strategy := newTokenServer(t, func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		gotForm.Store(r.PostForm)
		w.Header().Set("Content-Type", "application/json")
		w.Write(successBody(t, idToken))
	})

	result, err := strategy.AcquireInteractive(context.Background(), &fakeInteractor{code: "auth-code-1"}, AcquireParams{
		ClientID:    "client-1",
		Scopes:      []string{"mail.read", "user.read"},
		RedirectURI: "http://localhost/callback",
		ContextID:   "task-7",
	})
	require.NoError(t, err)

	form := gotForm.Load().(url.Values)
	assert.Equal(t, "authorization_code", form.Get("grant_type"))
	assert.Equal(t, "auth-code-1", form.Get("code"))
	assert.NotEmpty(t, form.Get("code_verifier"), "PKCE verifier must accompany the code exchange")

	require.NotNil(t, result.Account)
	assert.Equal(t, "subject-1", result.Account.HomeAccountID)
	assert.Equal(t, "contoso", result.Account.Realm)
	assert.Equal(t, "user@contoso.com", result.Account.Username)
	assert.Equal(t, cache.AuthorityAAD, result.Account.AuthorityType)

	require.Len(t, result.Credentials, 3)
	at := result.AccessToken()
	require.NotNil(t, at)
	assert.Equal(t, "fresh-at", at.Secret)
	assert.Equal(t, "mail.read user.read", at.Target)
	assert.NotEmpty(t, at.ExpiresOn)
	assert.NotEmpty(t, at.RefreshOn)
}

func TestAcquireInteractiveStateMismatch(t *testing.T) {
	var hits atomic.Int32
	_, strategy := newTokenServer(t, func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Write(successBody(t, ""))
	})

	_, err := strategy.AcquireInteractive(context.Background(), &fakeInteractor{
		code:          "auth-code-1",
		stateOverride: "other-task:bogus-random",
	}, AcquireParams{
		ClientID:    "client-1",
		Scopes:      []string{"mail.read"},
		RedirectURI: "http://localhost/callback",
		ContextID:   "task-7",
	})

	require.Error(t, err)
	assert.True(t, autherrors.IsStateMismatch(err), "got %v", err)
	assert.Zero(t, hits.Load(), "a mismatched state must never reach the token endpoint")
}

func TestAcquireInteractiveValidationFailsClosed(t *testing.T) {
	var hits atomic.Int32
	_, strategy := newTokenServer(t, func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
	})

	_, err := strategy.AcquireInteractive(context.Background(), &fakeInteractor{code: "c"}, AcquireParams{
		// Missing scopes.
		ClientID:    "client-1",
		RedirectURI: "http://localhost/callback",
		ContextID:   "task-7",
	})

	require.Error(t, err)
	assert.True(t, autherrors.IsInvalidRequest(err), "got %v", err)
	assert.Zero(t, hits.Load())
}

func TestAcquireInteractiveProviderError(t *testing.T) {
	_, strategy := newTokenServer(t, func(w http.ResponseWriter, r *http.Request) {
		t.Error("token endpoint must not be hit")
	})

	_, err := strategy.AcquireInteractive(context.Background(), &errorInteractor{
		response: &AuthorizationResponse{Error: "access_denied", ErrorDescription: "user declined"},
	}, AcquireParams{
		ClientID:    "client-1",
		Scopes:      []string{"mail.read"},
		RedirectURI: "http://localhost/callback",
		ContextID:   "task-7",
	})

	require.Error(t, err)
	se, ok := autherrors.IsServerError(err)
	require.True(t, ok, "got %v", err)
	assert.Equal(t, "access_denied", se.Code)
}

// errorInteractor returns a fixed response without echoing state.
type errorInteractor struct {
	response *AuthorizationResponse
}

func (e *errorInteractor) Authorize(context.Context, string, *AuthorizationRequest) (*AuthorizationResponse, error) {
	return e.response, nil
}

func TestRedeemRefreshToken(t *testing.T) {
	var gotForm atomic.Value
	_, strategy := newTokenServer(t, func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		gotForm.Store(r.PostForm)
		w.Write(successBody(t, ""))
	})

	result, err := strategy.RedeemRefreshToken(context.Background(), "client-1", "old-rt", []string{"mail.read"})
	require.NoError(t, err)

	form := gotForm.Load().(url.Values)
	assert.Equal(t, "refresh_token", form.Get("grant_type"))
	assert.Equal(t, "old-rt", form.Get("refresh_token"))

	require.NotNil(t, result.AccessToken())
	assert.Equal(t, "fresh-at", result.AccessToken().Secret)
}

func TestServerErrorSurfacesWithCorrelation(t *testing.T) {
	_, strategy := newTokenServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(map[string]string{
			"error":             "invalid_grant",
			"error_description": "refresh token revoked",
			"correlation_id":    "corr-123",
		})
	})

	_, err := strategy.RedeemRefreshToken(context.Background(), "client-1", "revoked-rt", []string{"mail.read"})
	require.Error(t, err)

	se, ok := autherrors.IsServerError(err)
	require.True(t, ok, "got %v", err)
	assert.Equal(t, "invalid_grant", se.Code)
	assert.Equal(t, "corr-123", se.CorrelationID)
	assert.False(t, se.Transient())
	assert.False(t, autherrors.RetryEligible(err))
}

func TestNetworkErrorIsDistinctFromServerError(t *testing.T) {
	srv, strategy := newTokenServer(t, func(w http.ResponseWriter, r *http.Request) {})
	srv.Close() // connection refused from here on

	_, err := strategy.RedeemRefreshToken(context.Background(), "client-1", "rt", []string{"mail.read"})
	require.Error(t, err)
	assert.True(t, autherrors.IsNetworkError(err), "got %v", err)
	assert.True(t, autherrors.RetryEligible(err))
}

func TestIssuerMismatchRejected(t *testing.T) {
	idToken := testIDTokenJWT(t, jwt.MapClaims{
		"iss": "https://evil.example.net/contoso/v2.0",
		"sub": "subject-1",
	})

	_, strategy := newTokenServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write(successBody(t, idToken))
	})

	_, err := strategy.RedeemRefreshToken(context.Background(), "client-1", "rt", []string{"mail.read"})
	require.Error(t, err)
	se, ok := autherrors.IsServerError(err)
	require.True(t, ok, "got %v", err)
	assert.Equal(t, "invalid_issuer", se.Code)
}

func TestClientCredentialsRequiresSecret(t *testing.T) {
	_, strategy := newTokenServer(t, func(w http.ResponseWriter, r *http.Request) {
		t.Error("token endpoint must not be hit")
	})

	_, err := strategy.AcquireClientCredentials(context.Background(), "client-1", "", []string{"app.default"})
	require.Error(t, err)
	assert.True(t, autherrors.IsInvalidRequest(err))
}

func TestRecordsRefreshOnInvariant(t *testing.T) {
	fixed := time.Unix(1_700_000_000, 0)
	nowFunc = func() time.Time { return fixed }
	t.Cleanup(func() { nowFunc = time.Now })

	_, strategy := newTokenServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write(successBody(t, ""))
	})

	result, err := strategy.RedeemRefreshToken(context.Background(), "client-1", "rt", []string{"mail.read"})
	require.NoError(t, err)

	at := result.AccessToken()
	require.NotNil(t, at)
	assert.Equal(t, cache.FormatEpoch(fixed.Add(3600*time.Second)), at.ExpiresOn)
	assert.Equal(t, cache.FormatEpoch(fixed.Add(1800*time.Second)), at.RefreshOn)

	refresh, err := at.ShouldRefresh(fixed.Add(1900 * time.Second))
	require.NoError(t, err)
	assert.True(t, refresh)

	expired, err := at.IsExpired(fixed.Add(1900 * time.Second))
	require.NoError(t, err)
	assert.False(t, expired)
}
