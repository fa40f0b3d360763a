package cache

import (
	"encoding/json"
	"strconv"
	"time"

	"authcore/internal/autherrors"
)

// AuthorityType identifies the identity-provider flavor an account belongs to.
type AuthorityType string

const (
	AuthorityAAD  AuthorityType = "AAD"
	AuthorityB2C  AuthorityType = "B2C"
	AuthorityADFS AuthorityType = "ADFS"
	AuthorityMSA  AuthorityType = "MSA"
)

// CredentialType discriminates the three credential record variants.
type CredentialType string

const (
	CredentialAccessToken  CredentialType = "AccessToken"
	CredentialRefreshToken CredentialType = "RefreshToken"
	CredentialIDToken      CredentialType = "IdToken"
)

// AuthScheme discriminates how an access token is presented. Two tokens for
// the same target but different schemes are distinct cache entries.
type AuthScheme string

const (
	SchemeBearer AuthScheme = "Bearer"
	SchemePoP    AuthScheme = "PoP"
)

// AccountRecord is the cached identity of a signed-in user within one
// environment and realm. Identity key = (HomeAccountID, Environment, Realm).
//
// Unknown JSON fields are preserved in AdditionalFields across a
// load/store round-trip so that newer SDK versions sharing the cache do not
// lose data written by each other.
type AccountRecord struct {
	HomeAccountID  string        `json:"home_account_id"`
	Environment    string        `json:"environment"`
	Realm          string        `json:"realm"`
	LocalAccountID string        `json:"local_account_id,omitempty"`
	Username       string        `json:"username,omitempty"`
	AuthorityType  AuthorityType `json:"authority_type"`
	GivenName      string        `json:"given_name,omitempty"`
	FamilyName     string        `json:"family_name,omitempty"`
	Name           string        `json:"name,omitempty"`

	AdditionalFields map[string]json.RawMessage `json:"-"`
}

// accountRecordAlias prevents Marshal/Unmarshal recursion.
type accountRecordAlias AccountRecord

// MarshalJSON flattens AdditionalFields into the top-level object.
func (a AccountRecord) MarshalJSON() ([]byte, error) {
	return marshalWithExtras(accountRecordAlias(a), a.AdditionalFields)
}

// UnmarshalJSON captures unknown fields into AdditionalFields.
func (a *AccountRecord) UnmarshalJSON(data []byte) error {
	var alias accountRecordAlias
	if err := json.Unmarshal(data, &alias); err != nil {
		return err
	}
	extras, err := extractExtras(data, accountKnownFields)
	if err != nil {
		return err
	}
	*a = AccountRecord(alias)
	a.AdditionalFields = extras
	return nil
}

// CredentialRecord is the shared shape of the access-token, refresh-token
// and ID-token cache records, discriminated by CredentialType.
//
// Timestamps are string-encoded epoch seconds, matching the persisted cache
// schema the record set is shared with.
type CredentialRecord struct {
	HomeAccountID  string         `json:"home_account_id"`
	Environment    string         `json:"environment"`
	CredentialType CredentialType `json:"credential_type"`
	ClientID       string         `json:"client_id"`
	Realm          string         `json:"realm,omitempty"`

	// Secret is the token material. Never logged.
	Secret string `json:"secret"`

	CachedAt  string `json:"cached_at"`
	ExpiresOn string `json:"expires_on,omitempty"`

	// RefreshOn is the soft-refresh threshold for access tokens. Always at
	// or before ExpiresOn when present.
	RefreshOn string `json:"refresh_on,omitempty"`

	// Target is the space-delimited scope set (access and refresh tokens).
	Target string `json:"target,omitempty"`

	// AuthScheme distinguishes bearer from proof-of-possession access tokens.
	AuthScheme AuthScheme `json:"token_type,omitempty"`

	// FamilyID joins a refresh token to its client family. A family refresh
	// token can mint tokens for every client in the family.
	FamilyID string `json:"family_id,omitempty"`

	AdditionalFields map[string]json.RawMessage `json:"-"`
}

type credentialRecordAlias CredentialRecord

// MarshalJSON flattens AdditionalFields into the top-level object.
func (c CredentialRecord) MarshalJSON() ([]byte, error) {
	return marshalWithExtras(credentialRecordAlias(c), c.AdditionalFields)
}

// UnmarshalJSON captures unknown fields into AdditionalFields.
func (c *CredentialRecord) UnmarshalJSON(data []byte) error {
	var alias credentialRecordAlias
	if err := json.Unmarshal(data, &alias); err != nil {
		return err
	}
	extras, err := extractExtras(data, credentialKnownFields)
	if err != nil {
		return err
	}
	*c = CredentialRecord(alias)
	c.AdditionalFields = extras
	return nil
}

// IsExpired reports whether the record's hard expiry has passed. A missing
// or malformed ExpiresOn on an access token is a hard error: silently
// treating bad data as expired would mask cache corruption behind an
// unnecessary refresh.
func (c *CredentialRecord) IsExpired(now time.Time) (bool, error) {
	if c.CredentialType == CredentialRefreshToken {
		// Refresh token lifetime is server-managed.
		return false, nil
	}

	expiresOn, err := parseEpoch(c.ExpiresOn)
	if err != nil {
		return false, &autherrors.InvalidCacheRecordError{
			Key:     CredentialKey(c),
			Field:   "expires_on",
			Message: err.Error(),
		}
	}
	return !now.Before(expiresOn), nil
}

// ShouldRefresh reports whether the record has crossed its soft-refresh
// threshold. A missing or malformed RefreshOn falls back to the hard expiry.
func (c *CredentialRecord) ShouldRefresh(now time.Time) (bool, error) {
	refreshOn, err := parseEpoch(c.RefreshOn)
	if err != nil {
		return c.IsExpired(now)
	}
	return !now.Before(refreshOn), nil
}

// parseEpoch parses a string-encoded epoch-seconds timestamp.
func parseEpoch(s string) (time.Time, error) {
	secs, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.Unix(secs, 0), nil
}

// FormatEpoch renders a timestamp in the persisted epoch-seconds encoding.
func FormatEpoch(t time.Time) string {
	return strconv.FormatInt(t.Unix(), 10)
}

// ParseEpoch parses the persisted epoch-seconds encoding back into a time.
func ParseEpoch(s string) (time.Time, error) {
	return parseEpoch(s)
}

var accountKnownFields = map[string]bool{
	"home_account_id": true, "environment": true, "realm": true,
	"local_account_id": true, "username": true, "authority_type": true,
	"given_name": true, "family_name": true, "name": true,
}

var credentialKnownFields = map[string]bool{
	"home_account_id": true, "environment": true, "credential_type": true,
	"client_id": true, "realm": true, "secret": true, "cached_at": true,
	"expires_on": true, "refresh_on": true, "target": true,
	"token_type": true, "family_id": true,
}

func marshalWithExtras(v interface{}, extras map[string]json.RawMessage) ([]byte, error) {
	base, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	if len(extras) == 0 {
		return base, nil
	}

	var merged map[string]json.RawMessage
	if err := json.Unmarshal(base, &merged); err != nil {
		return nil, err
	}
	for k, raw := range extras {
		if _, known := merged[k]; !known {
			merged[k] = raw
		}
	}
	return json.Marshal(merged)
}

func extractExtras(data []byte, known map[string]bool) (map[string]json.RawMessage, error) {
	var all map[string]json.RawMessage
	if err := json.Unmarshal(data, &all); err != nil {
		return nil, err
	}
	var extras map[string]json.RawMessage
	for k, raw := range all {
		if !known[k] {
			if extras == nil {
				extras = make(map[string]json.RawMessage)
			}
			extras[k] = raw
		}
	}
	return extras, nil
}
