// Package controller orchestrates credential acquisition: it decides
// between the cache, the direct protocol engine and broker delegation, and
// owns write-back of every successful exchange. Concurrent identical silent
// requests are coalesced so one network exchange serves all waiters.
package controller

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"authcore/internal/autherrors"
	"authcore/internal/broker"
	"authcore/internal/cache"
	"authcore/internal/migration"
	"authcore/internal/oauth"
	"authcore/internal/telemetry"
	"authcore/pkg/logging"
)

const logSubsystem = "Controller"

// ErrInteractionRequired signals that no cached or refreshable credential
// can satisfy the request; the caller must run an interactive flow.
var ErrInteractionRequired = errors.New("interactive authorization required")

// Controller routes acquisition requests across the cache, the protocol
// engine and an optional broker coordinator.
type Controller struct {
	cache    *cache.TokenCache
	strategy *oauth.Strategy

	coordinator *broker.Coordinator
	callerID    string

	emitter *telemetry.Emitter
	group   singleflight.Group
}

// Option configures a Controller.
type Option func(*Controller)

// WithBroker enables broker delegation through the coordinator, presenting
// callerID to the broker's validator.
func WithBroker(coordinator *broker.Coordinator, callerID string) Option {
	return func(c *Controller) {
		c.coordinator = coordinator
		c.callerID = callerID
	}
}

// WithTelemetry sets the checkpoint emitter.
func WithTelemetry(emitter *telemetry.Emitter) Option {
	return func(c *Controller) {
		c.emitter = emitter
	}
}

// New creates a controller over the cache and protocol engine.
func New(tokenCache *cache.TokenCache, strategy *oauth.Strategy, opts ...Option) *Controller {
	c := &Controller{cache: tokenCache, strategy: strategy}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SilentParams describe one silent acquisition.
type SilentParams struct {
	HomeAccountID string
	ClientID      string
	Scopes        []string
	AuthScheme    cache.AuthScheme
	Claims        string
}

// InteractiveParams describe one interactive acquisition.
type InteractiveParams struct {
	ClientID    string
	Scopes      []string
	RedirectURI string
	Prompt      string
	Claims      string
}

// AuthResult is one successful acquisition.
type AuthResult struct {
	Account     *cache.AccountRecord
	AccessToken *cache.CredentialRecord
	IDToken     string

	// FromCache reports whether the result was served without a network or
	// broker round trip.
	FromCache bool
}

func (c *Controller) emit(name string, attributes map[string]string) {
	if c.emitter != nil {
		c.emitter.Emit(name, attributes)
	}
}

// AcquireTokenSilent serves a request from the cache when possible,
// refreshing through the broker or the refresh-token grant otherwise.
// Concurrent calls for the same credential key share one underlying
// acquisition.
func (c *Controller) AcquireTokenSilent(ctx context.Context, p SilentParams) (*AuthResult, error) {
	key := c.coalescingKey(p)
	result, err, _ := c.group.Do(key, func() (interface{}, error) {
		return c.acquireSilent(ctx, p)
	})
	if err != nil {
		return nil, err
	}
	return result.(*AuthResult), nil
}

// coalescingKey is the credential cache key the silent request resolves to;
// requests that would hit the same record share one flight.
func (c *Controller) coalescingKey(p SilentParams) string {
	return cache.CredentialKey(&cache.CredentialRecord{
		HomeAccountID:  p.HomeAccountID,
		Environment:    c.strategy.Authority().Environment,
		CredentialType: cache.CredentialAccessToken,
		ClientID:       p.ClientID,
		Realm:          c.strategy.Authority().Realm,
		Target:         joinScopes(p.Scopes),
		AuthScheme:     p.AuthScheme,
	})
}

func (c *Controller) acquireSilent(ctx context.Context, p SilentParams) (*AuthResult, error) {
	authority := c.strategy.Authority()

	hit, err := c.freshAccessToken(p, authority)
	if err != nil {
		return nil, err
	}
	if hit != nil {
		c.emit(telemetry.EventCacheHit, map[string]string{"client_id": p.ClientID})
		return c.resultFromCache(hit, p, authority)
	}
	c.emit(telemetry.EventCacheMiss, map[string]string{"client_id": p.ClientID})

	if c.coordinator != nil {
		result, err := c.acquireViaBroker(ctx, broker.OperationAcquireSilent, broker.AcquireRequest{
			HomeAccountID: p.HomeAccountID,
			ClientID:      p.ClientID,
			Scopes:        p.Scopes,
			Claims:        p.Claims,
		})
		if err == nil {
			return result, nil
		}
		if !autherrors.IsIpcExhausted(err) {
			return nil, err
		}
		// Every broker transport is down; the direct path still works.
		c.emit(telemetry.EventIpcFallback, map[string]string{"operation": string(broker.OperationAcquireSilent)})
		logging.Warn(logSubsystem, "broker unreachable, falling back to direct refresh: %v", err)
	}

	return c.refreshDirect(ctx, p)
}

// freshAccessToken returns a cached access token that is neither expired
// nor past its soft-refresh threshold, or nil.
func (c *Controller) freshAccessToken(p SilentParams, authority oauth.Authority) (*cache.CredentialRecord, error) {
	matches, err := c.cache.Load(cache.Query{
		HomeAccountID:  p.HomeAccountID,
		Environment:    authority.Environment,
		ClientID:       p.ClientID,
		Realm:          authority.Realm,
		Target:         joinScopes(p.Scopes),
		CredentialType: cache.CredentialAccessToken,
		AuthScheme:     p.AuthScheme,
	})
	if err != nil {
		return nil, err
	}

	now := nowFunc()
	for _, rec := range matches {
		expired, err := rec.IsExpired(now)
		if err != nil {
			// A corrupt timestamp must never be served as a valid token.
			return nil, err
		}
		if expired {
			continue
		}
		refresh, err := rec.ShouldRefresh(now)
		if err != nil || refresh {
			continue
		}
		return rec, nil
	}
	return nil, nil
}

func (c *Controller) resultFromCache(at *cache.CredentialRecord, p SilentParams, authority oauth.Authority) (*AuthResult, error) {
	account, err := c.cache.GetAccount(p.HomeAccountID, authority.Environment, at.Realm)
	if err != nil {
		return nil, err
	}
	return &AuthResult{Account: account, AccessToken: at, FromCache: true}, nil
}

// refreshDirect runs the refresh-token grant against the protocol engine
// and writes the exchange back.
func (c *Controller) refreshDirect(ctx context.Context, p SilentParams) (*AuthResult, error) {
	rt, err := c.refreshTokenFor(p)
	if err != nil {
		return nil, err
	}
	if rt == nil {
		return nil, ErrInteractionRequired
	}

	c.emit(telemetry.EventRefreshAttempt, map[string]string{"client_id": p.ClientID})
	exchange, err := c.strategy.RedeemRefreshToken(ctx, p.ClientID, rt.Secret, p.Scopes)
	if err != nil {
		if se, ok := autherrors.IsServerError(err); ok && se.Code == "invalid_grant" {
			// The provider revoked this refresh token; keeping it would
			// repeat the same failure on every silent call.
			c.dropCredential(rt)
			return nil, fmt.Errorf("%w: %v", ErrInteractionRequired, err)
		}
		return nil, err
	}

	return c.saveExchange(exchange)
}

// refreshTokenFor picks a refresh token for the account, preferring an
// exact client match over a family token.
func (c *Controller) refreshTokenFor(p SilentParams) (*cache.CredentialRecord, error) {
	matches, err := c.cache.Load(cache.Query{
		HomeAccountID:  p.HomeAccountID,
		Environment:    c.strategy.Authority().Environment,
		ClientID:       p.ClientID,
		CredentialType: cache.CredentialRefreshToken,
	})
	if err != nil {
		return nil, err
	}
	if len(matches) == 0 {
		return nil, nil
	}
	for _, rec := range matches {
		if rec.FamilyID == "" {
			return rec, nil
		}
	}
	return matches[0], nil
}

func (c *Controller) dropCredential(rec *cache.CredentialRecord) {
	if err := c.cache.RemoveCredential(rec); err != nil {
		logging.Warn(logSubsystem, "could not drop revoked credential: %v", err)
	}
}

// AcquireTokenInteractive runs the interactive flow, through the broker
// when one is configured and reachable, directly otherwise.
func (c *Controller) AcquireTokenInteractive(ctx context.Context, interactor oauth.Interactor, p InteractiveParams) (*AuthResult, error) {
	c.emit(telemetry.EventProtocolStep, map[string]string{"step": "interactive_start", "client_id": p.ClientID})

	if c.coordinator != nil && c.coordinator.Available() {
		result, err := c.acquireViaBroker(ctx, broker.OperationAcquireInteractive, broker.AcquireRequest{
			ClientID: p.ClientID,
			Scopes:   p.Scopes,
			Claims:   p.Claims,
			Prompt:   p.Prompt,
		})
		if err == nil {
			return result, nil
		}
		if !autherrors.IsIpcExhausted(err) {
			return nil, err
		}
		c.emit(telemetry.EventIpcFallback, map[string]string{"operation": string(broker.OperationAcquireInteractive)})
	}

	exchange, err := c.strategy.AcquireInteractive(ctx, interactor, oauth.AcquireParams{
		ClientID:    p.ClientID,
		Scopes:      p.Scopes,
		RedirectURI: p.RedirectURI,
		Prompt:      p.Prompt,
		Claims:      p.Claims,
		ContextID:   uuid.NewString(),
	})
	if err != nil {
		return nil, err
	}
	return c.saveExchange(exchange)
}

func (c *Controller) acquireViaBroker(ctx context.Context, op broker.Operation, req broker.AcquireRequest) (*AuthResult, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}

	resp, err := c.coordinator.Execute(ctx, &broker.OperationBundle{
		Operation:     op,
		CallerPackage: c.callerID,
		Payload:       payload,
	})
	if err != nil {
		return nil, err
	}

	var result broker.AcquireResult
	if err := json.Unmarshal(resp.Payload, &result); err != nil {
		return nil, fmt.Errorf("malformed broker acquisition payload: %w", err)
	}
	if err := c.cache.Save(result.Account, result.Credentials); err != nil {
		return nil, err
	}
	return resultFromRecords(result.Account, result.Credentials), nil
}

func (c *Controller) saveExchange(exchange *oauth.ExchangeResult) (*AuthResult, error) {
	if err := c.cache.Save(exchange.Account, exchange.Credentials); err != nil {
		return nil, err
	}
	result := resultFromRecords(exchange.Account, exchange.Credentials)
	if result.AccessToken == nil {
		return nil, fmt.Errorf("exchange produced no access token")
	}
	return result, nil
}

func resultFromRecords(account *cache.AccountRecord, credentials []*cache.CredentialRecord) *AuthResult {
	result := &AuthResult{Account: account}
	for _, rec := range credentials {
		switch rec.CredentialType {
		case cache.CredentialAccessToken:
			result.AccessToken = rec
		case cache.CredentialIDToken:
			result.IDToken = rec.Secret
		}
	}
	return result
}

// Accounts lists the cached accounts.
func (c *Controller) Accounts() ([]*cache.AccountRecord, error) {
	return c.cache.Accounts()
}

// RemoveAccount deletes the account's records locally and, when a broker is
// configured, asks the broker to wipe its copies too. A broker-driven wipe
// also switches legacy migration off so the wiped records cannot be
// re-imported from the legacy store.
func (c *Controller) RemoveAccount(ctx context.Context, homeAccountID string) error {
	environment := c.strategy.Authority().Environment

	if c.coordinator != nil && c.coordinator.Available() {
		payload, err := json.Marshal(broker.RemoveAccountRequest{
			HomeAccountID: homeAccountID,
			Environment:   environment,
		})
		if err != nil {
			return err
		}
		_, err = c.coordinator.Execute(ctx, &broker.OperationBundle{
			Operation:     broker.OperationRemoveAccount,
			CallerPackage: c.callerID,
			Payload:       payload,
		})
		if err != nil {
			return err
		}
		migration.SetEnabled(false)
	}

	if err := c.cache.RemoveAccount(homeAccountID, environment); err != nil {
		return err
	}

	logging.Audit(logging.AuditEvent{
		Action:  "account_removal",
		Outcome: "success",
		Subject: logging.TruncateSubject(homeAccountID),
	})
	return nil
}

// MigrateLegacy translates a legacy single-blob cache document into the
// current schema and saves the translated records. The pass is skipped
// entirely when migration is switched off.
func (c *Controller) MigrateLegacy(rawEntries map[string]string) (migration.Result, error) {
	if !migration.Enabled() {
		logging.Info(logSubsystem, "legacy migration is disabled, skipping %d entries", len(rawEntries))
		return migration.Result{}, nil
	}

	result := migration.Migrate(rawEntries)
	for key, entry := range result.Migrated {
		if err := c.cache.Save(entry.Account, entry.Credentials); err != nil {
			return result, fmt.Errorf("saving migrated entry %s: %w", key, err)
		}
	}
	migration.SetEnabled(false)

	c.emit(telemetry.EventMigrationResult, map[string]string{
		"migrated": fmt.Sprintf("%d", len(result.Migrated)),
		"skipped":  fmt.Sprintf("%d", len(result.Skipped)),
	})
	return result, nil
}

func joinScopes(scopes []string) string {
	return strings.Join(scopes, " ")
}
