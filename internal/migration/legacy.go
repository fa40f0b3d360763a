// Package migration translates the legacy single-record-per-user cache
// format into the current multi-record schema.
//
// The legacy format is a flat map from opaque key strings to JSON documents,
// one document per (authority, client, resource) tuple, each bundling the
// access token, refresh token and raw ID token together. Migration splits
// every parsable document into an AccountRecord plus up to three
// CredentialRecords; malformed documents are skipped with a reason and never
// abort migration of the remainder.
package migration

import (
	"encoding/json"
	"net/url"
	"strings"
	"sync/atomic"

	"authcore/internal/cache"
	"authcore/pkg/logging"
)

const logSubsystem = "Migration"

// legacyRecord is the persisted legacy schema. Only authority and client_id
// are mandatory; everything else degrades gracefully.
type legacyRecord struct {
	Authority                   string `json:"authority"`
	Resource                    string `json:"resource,omitempty"`
	ClientID                    string `json:"client_id"`
	AccessToken                 string `json:"access_token,omitempty"`
	RefreshToken                string `json:"refresh_token,omitempty"`
	RawIDToken                  string `json:"id_token,omitempty"`
	ExpiresOn                   string `json:"expires_on,omitempty"`
	IsMultiResourceRefreshToken bool   `json:"is_multi_resource_refresh_token,omitempty"`
	TenantID                    string `json:"tenant_id,omitempty"`
	FamilyClientID              string `json:"family_client_id,omitempty"`
	UserID                      string `json:"user_id,omitempty"`
	DisplayableID               string `json:"displayable_id,omitempty"`
}

// Entry is one successfully migrated legacy record: the reconstructed
// account plus its credential records, still keyed by the ORIGINAL legacy
// key so that re-running a partial migration never duplicates output.
type Entry struct {
	Account     *cache.AccountRecord
	Credentials []*cache.CredentialRecord
}

// Skip records why one legacy entry was not migrated.
type Skip struct {
	Key    string
	Reason string
}

// Result is the outcome of one migration pass.
type Result struct {
	// Migrated maps the original legacy key to its translated records.
	Migrated map[string]Entry

	// Skipped lists the entries that could not be translated.
	Skipped []Skip
}

// enabled is the process-wide migration switch. Migration defaults to on for
// the first cache open and is switched off once a pass completes, so
// subsequent opens in the same process skip the legacy scan.
var enabled atomic.Bool

func init() {
	enabled.Store(true)
}

// Enabled reports whether legacy migration should run on cache open.
func Enabled() bool {
	return enabled.Load()
}

// SetEnabled toggles the process-wide migration switch.
func SetEnabled(on bool) {
	enabled.Store(on)
	logging.Debug(logSubsystem, "legacy migration enabled=%v", on)
}

// Migrate translates every parsable legacy entry. The translation is a pure
// function of its input: migrating the same map twice yields the same
// result, and a malformed entry only ever costs itself.
func Migrate(rawEntries map[string]string) Result {
	result := Result{Migrated: make(map[string]Entry, len(rawEntries))}

	for key, raw := range rawEntries {
		entry, reason := translate(key, raw)
		if reason != "" {
			result.Skipped = append(result.Skipped, Skip{Key: key, Reason: reason})
			continue
		}
		result.Migrated[key] = entry
	}

	logging.Info(logSubsystem, "migrated %d legacy entries, skipped %d", len(result.Migrated), len(result.Skipped))
	return result
}

// translate converts one legacy document. A non-empty reason means skip.
func translate(key, raw string) (Entry, string) {
	var legacy legacyRecord
	if err := json.Unmarshal([]byte(raw), &legacy); err != nil {
		return Entry{}, "unparsable JSON: " + err.Error()
	}
	if legacy.Authority == "" {
		return Entry{}, "missing authority"
	}
	if legacy.ClientID == "" {
		return Entry{}, "missing client_id"
	}

	environment, realm, reason := splitAuthority(legacy.Authority, legacy.TenantID)
	if reason != "" {
		return Entry{}, reason
	}

	homeAccountID := legacy.UserID
	if homeAccountID == "" {
		// Anonymous legacy entries (client-credential tokens) key on the
		// client instead of a user.
		homeAccountID = legacy.ClientID
	}

	account := &cache.AccountRecord{
		HomeAccountID: homeAccountID,
		Environment:   environment,
		Realm:         realm,
		Username:      legacy.DisplayableID,
		AuthorityType: cache.AuthorityAAD,
	}

	entry := Entry{Account: account}

	if legacy.AccessToken != "" {
		entry.Credentials = append(entry.Credentials, &cache.CredentialRecord{
			HomeAccountID:  homeAccountID,
			Environment:    environment,
			CredentialType: cache.CredentialAccessToken,
			ClientID:       legacy.ClientID,
			Realm:          realm,
			Target:         legacy.Resource,
			Secret:         legacy.AccessToken,
			ExpiresOn:      legacy.ExpiresOn,
			AuthScheme:     cache.SchemeBearer,
		})
	}

	if legacy.RefreshToken != "" {
		rt := &cache.CredentialRecord{
			HomeAccountID:  homeAccountID,
			Environment:    environment,
			CredentialType: cache.CredentialRefreshToken,
			ClientID:       legacy.ClientID,
			Secret:         legacy.RefreshToken,
			FamilyID:       legacy.FamilyClientID,
		}
		if !legacy.IsMultiResourceRefreshToken {
			// Resource-bound legacy refresh tokens keep their target so the
			// new schema does not over-promise their reach.
			rt.Target = legacy.Resource
		}
		entry.Credentials = append(entry.Credentials, rt)
	}

	if legacy.RawIDToken != "" {
		entry.Credentials = append(entry.Credentials, &cache.CredentialRecord{
			HomeAccountID:  homeAccountID,
			Environment:    environment,
			CredentialType: cache.CredentialIDToken,
			ClientID:       legacy.ClientID,
			Realm:          realm,
			Secret:         legacy.RawIDToken,
		})
	}

	if len(entry.Credentials) == 0 {
		return Entry{}, "no token material"
	}

	return entry, ""
}

// splitAuthority derives (environment, realm) from a legacy authority URI,
// preferring the explicit tenant_id field when present.
func splitAuthority(authority, tenantID string) (environment, realm, reason string) {
	u, err := url.Parse(authority)
	if err != nil || u.Host == "" {
		return "", "", "unparsable authority: " + authority
	}

	realm = tenantID
	if realm == "" {
		trimmed := strings.Trim(u.Path, "/")
		if trimmed != "" {
			realm = strings.Split(trimmed, "/")[0]
		} else {
			realm = "common"
		}
	}

	return u.Host, realm, ""
}
