// Package cache implements the authcore token cache: record shapes, the
// deterministic cache key codec, and a transactional CRUD layer over a
// pluggable key-value Storage collaborator.
package cache

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"authcore/internal/autherrors"
	"authcore/pkg/logging"
)

const logSubsystem = "Cache"

// TokenCache stores account and credential records over a Storage backend.
//
// Writes are serialized per cache instance; reads may proceed concurrently
// with each other and never observe a partially written exchange. Save is
// all-or-nothing: on a mid-transaction storage failure every already-applied
// write is rolled back before the error is returned.
type TokenCache struct {
	mu    sync.RWMutex
	store Storage
}

// NewTokenCache creates a cache over the given backing store. The store is
// an explicit handle: sharing one store between caches is supported and the
// caller owns its lifetime.
func NewTokenCache(store Storage) *TokenCache {
	return &TokenCache{store: store}
}

// Query selects credential records in Load. Zero-valued fields match
// everything; Target uses superset matching (see Load).
type Query struct {
	HomeAccountID  string
	Environment    string
	ClientID       string
	FamilyID       string
	Realm          string
	Target         string
	CredentialType CredentialType
	AuthScheme     AuthScheme
}

// Save upserts one account record and its credential records as a single
// transaction. Records sharing a cache key with existing entries replace
// them. On any storage failure the already-applied writes are rolled back
// and a CacheWriteError is returned with nothing observable changed.
func (c *TokenCache) Save(account *AccountRecord, credentials []*CredentialRecord) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	type write struct {
		key      string
		value    string
		previous string
		existed  bool
	}

	writes := make([]write, 0, len(credentials)+1)

	appendWrite := func(key string, record interface{}) error {
		data, err := json.Marshal(record)
		if err != nil {
			return fmt.Errorf("serializing record for key %s: %w", key, err)
		}
		prev, existed, err := c.store.Get(key)
		if err != nil {
			return fmt.Errorf("reading prior value for key %s: %w", key, err)
		}
		writes = append(writes, write{key: key, value: string(data), previous: prev, existed: existed})
		return nil
	}

	if account != nil {
		if err := appendWrite(AccountKey(account), account); err != nil {
			return &autherrors.CacheWriteError{Cause: err}
		}
	}
	for _, cred := range credentials {
		if err := appendWrite(CredentialKey(cred), cred); err != nil {
			return &autherrors.CacheWriteError{Cause: err}
		}
	}

	for i := range writes {
		if err := c.store.Put(writes[i].key, writes[i].value); err != nil {
			// Roll back everything applied so far, newest first.
			for j := i - 1; j >= 0; j-- {
				if writes[j].existed {
					_ = c.store.Put(writes[j].key, writes[j].previous)
				} else {
					_ = c.store.Remove(writes[j].key)
				}
			}
			logging.Error(logSubsystem, err, "write transaction aborted at record %d of %d", i+1, len(writes))
			return &autherrors.CacheWriteError{Cause: err}
		}
	}

	logging.Debug(logSubsystem, "saved %d records in one transaction", len(writes))
	return nil
}

// Load returns the credential records matching the query.
//
// Target matching is superset-or-equal: a cached record whose scope set
// contains every requested scope is a hit; narrower intersections are not.
// Scope comparison is case-insensitive and order-insensitive.
func (c *TokenCache) Load(q Query) ([]*CredentialRecord, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	snapshot, err := c.store.GetAll()
	if err != nil {
		return nil, err
	}

	var matches []*CredentialRecord
	for key, value := range snapshot {
		if IsAccountKey(key) {
			continue
		}
		var rec CredentialRecord
		if err := json.Unmarshal([]byte(value), &rec); err != nil {
			logging.Warn(logSubsystem, "skipping unparsable record at key %s", key)
			continue
		}
		if credentialMatches(&rec, q) {
			matches = append(matches, &rec)
		}
	}

	if len(matches) == 0 {
		logging.Debug(logSubsystem, "miss for client=%s realm=%s type=%s", q.ClientID, q.Realm, q.CredentialType)
	} else {
		logging.Debug(logSubsystem, "hit: %d records for client=%s type=%s", len(matches), q.ClientID, q.CredentialType)
	}
	return matches, nil
}

// GetAccount returns the account record for the identity triple, or nil if
// absent.
func (c *TokenCache) GetAccount(homeAccountID, environment, realm string) (*AccountRecord, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	key := AccountKey(&AccountRecord{HomeAccountID: homeAccountID, Environment: environment, Realm: realm})
	value, ok, err := c.store.Get(key)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}

	var account AccountRecord
	if err := json.Unmarshal([]byte(value), &account); err != nil {
		return nil, &autherrors.InvalidCacheRecordError{Key: key, Field: "(document)", Message: err.Error()}
	}
	return &account, nil
}

// Accounts returns every account record in the cache.
func (c *TokenCache) Accounts() ([]*AccountRecord, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	snapshot, err := c.store.GetAll()
	if err != nil {
		return nil, err
	}

	var accounts []*AccountRecord
	for key, value := range snapshot {
		if !IsAccountKey(key) {
			continue
		}
		var account AccountRecord
		if err := json.Unmarshal([]byte(value), &account); err != nil {
			logging.Warn(logSubsystem, "skipping unparsable account at key %s", key)
			continue
		}
		accounts = append(accounts, &account)
	}
	return accounts, nil
}

// RemoveAccount deletes the account and cascades to every credential record
// keyed to it across all realms. Best-effort: absent records are not an
// error.
func (c *TokenCache) RemoveAccount(homeAccountID, environment string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	snapshot, err := c.store.GetAll()
	if err != nil {
		return err
	}

	removed := 0
	for key := range snapshot {
		if MatchesAccount(key, homeAccountID, environment) {
			if err := c.store.Remove(key); err != nil {
				return err
			}
			removed++
		}
	}
	logging.Info(logSubsystem, "removed account %s: %d records", logging.TruncateSubject(homeAccountID), removed)
	return nil
}

// RemoveCredential deletes the single record at the credential's cache key.
// Used to evict a credential the provider has revoked. Absent records are
// not an error.
func (c *TokenCache) RemoveCredential(rec *CredentialRecord) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.store.Remove(CredentialKey(rec))
}

// Clear removes every record. Best-effort.
func (c *TokenCache) Clear() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	snapshot, err := c.store.GetAll()
	if err != nil {
		return err
	}
	for key := range snapshot {
		if err := c.store.Remove(key); err != nil {
			return err
		}
	}
	return nil
}

// AllFilteredBy returns a read-only snapshot of entries whose key/value pair
// satisfies the predicate. The snapshot is taken before iteration begins, so
// concurrent cache mutation cannot corrupt the traversal; the returned map
// is the caller's to keep.
func (c *TokenCache) AllFilteredBy(predicate func(key, value string) bool) (map[string]string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	snapshot, err := c.store.GetAll()
	if err != nil {
		return nil, err
	}

	filtered := make(map[string]string)
	for k, v := range snapshot {
		if predicate(k, v) {
			filtered[k] = v
		}
	}
	return filtered, nil
}

func credentialMatches(rec *CredentialRecord, q Query) bool {
	if q.CredentialType != "" && rec.CredentialType != q.CredentialType {
		return false
	}
	if q.HomeAccountID != "" && !strings.EqualFold(rec.HomeAccountID, q.HomeAccountID) {
		return false
	}
	if q.Environment != "" && !strings.EqualFold(rec.Environment, q.Environment) {
		return false
	}
	if q.ClientID != "" {
		// A family refresh token serves every client in its family.
		if rec.CredentialType == CredentialRefreshToken && rec.FamilyID != "" {
			if q.FamilyID != "" && !strings.EqualFold(familyID(rec.FamilyID), familyID(q.FamilyID)) {
				return false
			}
		} else if !strings.EqualFold(rec.ClientID, q.ClientID) {
			return false
		}
	}
	// Refresh tokens span realms; realm only constrains the other types.
	if q.Realm != "" && rec.CredentialType != CredentialRefreshToken && !strings.EqualFold(rec.Realm, q.Realm) {
		return false
	}
	if q.Target != "" && rec.CredentialType == CredentialAccessToken {
		if !TargetsSuperset(rec.Target, q.Target) {
			return false
		}
	}
	if q.AuthScheme != "" && rec.CredentialType == CredentialAccessToken {
		scheme := rec.AuthScheme
		if scheme == "" {
			scheme = SchemeBearer
		}
		if !strings.EqualFold(string(scheme), string(q.AuthScheme)) {
			return false
		}
	}
	return true
}

func familyID(id string) string {
	return strings.TrimPrefix(strings.ToLower(id), familyPrefix)
}

// TargetsSuperset reports whether the cached space-delimited scope set
// contains every requested scope. Comparison is case-insensitive and
// order-insensitive.
func TargetsSuperset(cachedTarget, requestedTarget string) bool {
	cached := make(map[string]bool)
	for _, scope := range strings.Fields(strings.ToLower(cachedTarget)) {
		cached[scope] = true
	}
	for _, scope := range strings.Fields(strings.ToLower(requestedTarget)) {
		if !cached[scope] {
			return false
		}
	}
	return true
}

// IsExpired reports whether the credential's hard expiry has passed at now.
func IsExpired(rec *CredentialRecord, now time.Time) (bool, error) {
	return rec.IsExpired(now)
}

// ShouldRefresh reports whether the credential has crossed its soft-refresh
// threshold at now.
func ShouldRefresh(rec *CredentialRecord, now time.Time) (bool, error) {
	return rec.ShouldRefresh(now)
}
