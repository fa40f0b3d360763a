package controller

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"authcore/internal/autherrors"
	"authcore/internal/broker"
	"authcore/internal/cache"
	"authcore/internal/migration"
	"authcore/internal/oauth"
)

const (
	testHome        = "uid-1.utid-1"
	testEnvironment = "login.example.com"
	testRealm       = "contoso"
	testClient      = "client-1"
)

type fixture struct {
	controller *Controller
	cache      *cache.TokenCache
	hits       *atomic.Int32
}

func newFixture(t *testing.T, handler http.HandlerFunc, opts ...Option) *fixture {
	t.Helper()

	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		handler(w, r)
	}))
	t.Cleanup(srv.Close)

	strategy, err := oauth.NewStrategy(oauth.Authority{
		Type:        "AAD",
		Environment: testEnvironment,
		Realm:       testRealm,
	}, oauth.NewClient(), oauth.WithTokenEndpoint(srv.URL))
	require.NoError(t, err)

	tokenCache := cache.NewTokenCache(cache.NewMemoryStorage())
	return &fixture{
		controller: New(tokenCache, strategy, opts...),
		cache:      tokenCache,
		hits:       &hits,
	}
}

func tokenHandler(accessToken string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"access_token":  accessToken,
			"refresh_token": "rotated-rt",
			"token_type":    "Bearer",
			"expires_in":    3600,
			"scope":         "mail.read",
			"client_info":   "eyJ1aWQiOiJ1aWQtMSIsInV0aWQiOiJ1dGlkLTEifQ",
		})
	}
}

func seedAccount(t *testing.T, f *fixture) {
	t.Helper()
	account := &cache.AccountRecord{
		HomeAccountID: testHome,
		Environment:   testEnvironment,
		Realm:         testRealm,
		Username:      "user@contoso.com",
		AuthorityType: cache.AuthorityAAD,
	}
	require.NoError(t, f.cache.Save(account, nil))
}

func seedAccessToken(t *testing.T, f *fixture, secret string, expiresOn time.Time) {
	t.Helper()
	require.NoError(t, f.cache.Save(nil, []*cache.CredentialRecord{{
		HomeAccountID:  testHome,
		Environment:    testEnvironment,
		CredentialType: cache.CredentialAccessToken,
		ClientID:       testClient,
		Realm:          testRealm,
		Target:         "mail.read",
		Secret:         secret,
		CachedAt:       cache.FormatEpoch(time.Now()),
		ExpiresOn:      cache.FormatEpoch(expiresOn),
	}}))
}

func seedRefreshToken(t *testing.T, f *fixture, secret string) {
	t.Helper()
	require.NoError(t, f.cache.Save(nil, []*cache.CredentialRecord{{
		HomeAccountID:  testHome,
		Environment:    testEnvironment,
		CredentialType: cache.CredentialRefreshToken,
		ClientID:       testClient,
		Secret:         secret,
		CachedAt:       cache.FormatEpoch(time.Now()),
	}}))
}

func silentParams() SilentParams {
	return SilentParams{
		HomeAccountID: testHome,
		ClientID:      testClient,
		Scopes:        []string{"mail.read"},
	}
}

func TestSilentServesFreshTokenFromCache(t *testing.T) {
	f := newFixture(t, tokenHandler("unused"))
	seedAccount(t, f)
	seedAccessToken(t, f, "cached-at", time.Now().Add(time.Hour))

	result, err := f.controller.AcquireTokenSilent(context.Background(), silentParams())
	require.NoError(t, err)

	assert.True(t, result.FromCache)
	assert.Equal(t, "cached-at", result.AccessToken.Secret)
	require.NotNil(t, result.Account)
	assert.Equal(t, "user@contoso.com", result.Account.Username)
	assert.Zero(t, f.hits.Load(), "a fresh cached token must not hit the network")
}

func TestSilentRefreshesExpiredToken(t *testing.T) {
	f := newFixture(t, tokenHandler("refreshed-at"))
	seedAccount(t, f)
	seedAccessToken(t, f, "expired-at", time.Now().Add(-time.Minute))
	seedRefreshToken(t, f, "valid-rt")

	result, err := f.controller.AcquireTokenSilent(context.Background(), silentParams())
	require.NoError(t, err)

	assert.False(t, result.FromCache)
	assert.Equal(t, "refreshed-at", result.AccessToken.Secret)
	assert.Equal(t, int32(1), f.hits.Load())

	// The rotated refresh token replaced the old one.
	rts, err := f.cache.Load(cache.Query{CredentialType: cache.CredentialRefreshToken, HomeAccountID: testHome})
	require.NoError(t, err)
	require.Len(t, rts, 1)
	assert.Equal(t, "rotated-rt", rts[0].Secret)
}

func TestSilentWithoutCredentialsRequiresInteraction(t *testing.T) {
	f := newFixture(t, tokenHandler("unused"))

	_, err := f.controller.AcquireTokenSilent(context.Background(), silentParams())
	assert.ErrorIs(t, err, ErrInteractionRequired)
	assert.Zero(t, f.hits.Load())
}

func TestSilentDropsRevokedRefreshToken(t *testing.T) {
	f := newFixture(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":"invalid_grant","error_description":"revoked"}`))
	})
	seedRefreshToken(t, f, "revoked-rt")

	_, err := f.controller.AcquireTokenSilent(context.Background(), silentParams())
	assert.ErrorIs(t, err, ErrInteractionRequired)

	rts, err := f.cache.Load(cache.Query{CredentialType: cache.CredentialRefreshToken, HomeAccountID: testHome})
	require.NoError(t, err)
	assert.Empty(t, rts, "a revoked refresh token must be evicted")
}

func TestSilentSurfacesTransientServerError(t *testing.T) {
	f := newFixture(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte(`{"error":"temporarily_unavailable"}`))
	})
	seedRefreshToken(t, f, "valid-rt")

	_, err := f.controller.AcquireTokenSilent(context.Background(), silentParams())
	require.NotErrorIs(t, err, ErrInteractionRequired)

	se, ok := autherrors.IsServerError(err)
	require.True(t, ok, "got %v", err)
	assert.True(t, se.Transient())

	// The refresh token survives a transient outage.
	rts, err := f.cache.Load(cache.Query{CredentialType: cache.CredentialRefreshToken, HomeAccountID: testHome})
	require.NoError(t, err)
	assert.Len(t, rts, 1)
}

func TestSilentCoalescesConcurrentRequests(t *testing.T) {
	release := make(chan struct{})
	f := newFixture(t, func(w http.ResponseWriter, r *http.Request) {
		<-release
		tokenHandler("refreshed-at")(w, r)
	})
	seedRefreshToken(t, f, "valid-rt")

	const callers = 8
	var wg sync.WaitGroup
	results := make([]*AuthResult, callers)
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = f.controller.AcquireTokenSilent(context.Background(), silentParams())
		}(i)
	}

	time.Sleep(100 * time.Millisecond)
	close(release)
	wg.Wait()

	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, "refreshed-at", results[i].AccessToken.Secret)
	}
	assert.Equal(t, int32(1), f.hits.Load(), "identical concurrent requests must share one exchange")
}

func brokerAcquireHandler(t *testing.T, accessToken string) broker.LoopbackHandler {
	return func(_ context.Context, bundle *broker.OperationBundle) (*broker.ResponseBundle, error) {
		payload, err := json.Marshal(broker.AcquireResult{
			Account: &cache.AccountRecord{
				HomeAccountID: testHome,
				Environment:   testEnvironment,
				Realm:         testRealm,
				AuthorityType: cache.AuthorityAAD,
			},
			Credentials: []*cache.CredentialRecord{{
				HomeAccountID:  testHome,
				Environment:    testEnvironment,
				CredentialType: cache.CredentialAccessToken,
				ClientID:       testClient,
				Realm:          testRealm,
				Target:         "mail.read",
				Secret:         accessToken,
				CachedAt:       cache.FormatEpoch(time.Now()),
				ExpiresOn:      cache.FormatEpoch(time.Now().Add(time.Hour)),
			}},
		})
		require.NoError(t, err)
		return &broker.ResponseBundle{Operation: bundle.Operation, Payload: payload}, nil
	}
}

func brokerOption(transports ...broker.Transport) Option {
	validator := broker.NewCallValidator(map[string][]string{broker.AnyOperation: {"com.example.cli"}})
	return WithBroker(broker.NewCoordinator(validator, transports), "com.example.cli")
}

func TestSilentDelegatesToBroker(t *testing.T) {
	transport := broker.LoopbackTransport(brokerAcquireHandler(t, "broker-at"))
	f := newFixture(t, tokenHandler("unused"), brokerOption(transport))

	result, err := f.controller.AcquireTokenSilent(context.Background(), silentParams())
	require.NoError(t, err)

	assert.Equal(t, "broker-at", result.AccessToken.Secret)
	assert.Zero(t, f.hits.Load(), "the broker path must not hit the token endpoint")

	// The broker's records were written through to the local cache.
	ats, err := f.cache.Load(cache.Query{CredentialType: cache.CredentialAccessToken, HomeAccountID: testHome})
	require.NoError(t, err)
	require.Len(t, ats, 1)
	assert.Equal(t, "broker-at", ats[0].Secret)
}

func TestSilentFallsBackWhenBrokerUnreachable(t *testing.T) {
	down := broker.LoopbackTransport(func(context.Context, *broker.OperationBundle) (*broker.ResponseBundle, error) {
		return nil, autherrors.NewIpcConnectionError("loopback", errors.New("broker gone"))
	})
	f := newFixture(t, tokenHandler("direct-at"), brokerOption(down))
	seedRefreshToken(t, f, "valid-rt")

	result, err := f.controller.AcquireTokenSilent(context.Background(), silentParams())
	require.NoError(t, err)

	assert.Equal(t, "direct-at", result.AccessToken.Secret)
	assert.Equal(t, int32(1), f.hits.Load())
}

func TestSilentBrokerUnauthorizedDoesNotFallBack(t *testing.T) {
	transport := broker.LoopbackTransport(brokerAcquireHandler(t, "broker-at"))
	validator := broker.NewCallValidator(map[string][]string{broker.AnyOperation: {"com.other.app"}})
	coord := broker.NewCoordinator(validator, []broker.Transport{transport})

	f := newFixture(t, tokenHandler("unused"), WithBroker(coord, "com.example.cli"))
	seedRefreshToken(t, f, "valid-rt")

	_, err := f.controller.AcquireTokenSilent(context.Background(), silentParams())
	assert.True(t, autherrors.IsUnauthorizedCaller(err), "got %v", err)
	assert.Zero(t, f.hits.Load())
}

type echoInteractor struct{}

func (echoInteractor) Authorize(_ context.Context, _ string, req *oauth.AuthorizationRequest) (*oauth.AuthorizationResponse, error) {
	return &oauth.AuthorizationResponse{Code: "auth-code", State: req.State}, nil
}

func TestInteractiveAcquiresAndCaches(t *testing.T) {
	f := newFixture(t, tokenHandler("interactive-at"))

	result, err := f.controller.AcquireTokenInteractive(context.Background(), echoInteractor{}, InteractiveParams{
		ClientID:    testClient,
		Scopes:      []string{"mail.read"},
		RedirectURI: "http://localhost/callback",
	})
	require.NoError(t, err)

	assert.Equal(t, "interactive-at", result.AccessToken.Secret)
	assert.Equal(t, testHome, result.Account.HomeAccountID)

	// Silent now serves from cache.
	silent, err := f.controller.AcquireTokenSilent(context.Background(), silentParams())
	require.NoError(t, err)
	assert.True(t, silent.FromCache)
	assert.Equal(t, int32(1), f.hits.Load())
}

func TestRemoveAccountViaBrokerDisablesMigration(t *testing.T) {
	migration.SetEnabled(true)
	t.Cleanup(func() { migration.SetEnabled(true) })

	var wiped atomic.Bool
	transport := broker.LoopbackTransport(func(_ context.Context, bundle *broker.OperationBundle) (*broker.ResponseBundle, error) {
		require.Equal(t, broker.OperationRemoveAccount, bundle.Operation)
		var req broker.RemoveAccountRequest
		require.NoError(t, json.Unmarshal(bundle.Payload, &req))
		assert.Equal(t, testHome, req.HomeAccountID)
		wiped.Store(true)
		return &broker.ResponseBundle{Operation: bundle.Operation, Payload: json.RawMessage(`{}`)}, nil
	})

	f := newFixture(t, tokenHandler("unused"), brokerOption(transport))
	seedAccount(t, f)
	seedAccessToken(t, f, "at", time.Now().Add(time.Hour))

	require.NoError(t, f.controller.RemoveAccount(context.Background(), testHome))

	assert.True(t, wiped.Load())
	assert.False(t, migration.Enabled(), "a broker wipe must not be undone by a later migration pass")

	accounts, err := f.controller.Accounts()
	require.NoError(t, err)
	assert.Empty(t, accounts)
}

func TestMigrateLegacyPopulatesCache(t *testing.T) {
	migration.SetEnabled(true)
	t.Cleanup(func() { migration.SetEnabled(true) })

	f := newFixture(t, tokenHandler("unused"))

	legacy := map[string]string{
		"legacy-key-1": `{
			"authority": "https://login.example.com/contoso",
			"client_id": "client-1",
			"refresh_token": "legacy-rt",
			"is_multi_resource_refresh_token": true,
			"user_id": "uid-1.utid-1",
			"displayable_id": "user@contoso.com"
		}`,
	}

	result, err := f.controller.MigrateLegacy(legacy)
	require.NoError(t, err)
	assert.Len(t, result.Migrated, 1)
	assert.False(t, migration.Enabled(), "a completed pass switches migration off")

	rts, err := f.cache.Load(cache.Query{CredentialType: cache.CredentialRefreshToken})
	require.NoError(t, err)
	require.Len(t, rts, 1)
	assert.Equal(t, "legacy-rt", rts[0].Secret)

	// A second pass is a no-op.
	again, err := f.controller.MigrateLegacy(legacy)
	require.NoError(t, err)
	assert.Empty(t, again.Migrated)
}

func TestOAuth2TokenInterop(t *testing.T) {
	expiry := time.Now().Add(time.Hour).Truncate(time.Second)
	result := &AuthResult{AccessToken: &cache.CredentialRecord{
		CredentialType: cache.CredentialAccessToken,
		Secret:         "at",
		ExpiresOn:      cache.FormatEpoch(expiry),
	}}

	token := result.OAuth2Token()
	require.NotNil(t, token)
	assert.Equal(t, "at", token.AccessToken)
	assert.Equal(t, "Bearer", token.TokenType)
	assert.WithinDuration(t, expiry, token.Expiry, time.Second)
	assert.True(t, token.Valid())

	assert.Nil(t, (&AuthResult{}).OAuth2Token())
}
