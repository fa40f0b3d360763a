package cache

import (
	"fmt"
	"hash/fnv"
	"strings"
)

// KeySeparator joins the fields of a composite cache key.
const KeySeparator = "-"

// familyPrefix marks a family identifier that carries its own "foci-"
// namespace prefix in the wire format; it is stripped before keying.
const familyPrefix = "foci-"

// normalizeKeyField canonicalizes one key component. Key construction must
// be pure and deterministic: two logically identical records serialize to
// identical keys regardless of how their fields were populated.
func normalizeKeyField(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// AccountKey builds the cache key for an account record:
//
//	<home_account_id>-<environment>-<realm>
func AccountKey(a *AccountRecord) string {
	return strings.Join([]string{
		normalizeKeyField(a.HomeAccountID),
		normalizeKeyField(a.Environment),
		normalizeKeyField(a.Realm),
	}, KeySeparator)
}

// CredentialKey builds the cache key for a credential record:
//
//	<home_account_id>-<environment>-<credential_type>-<client_id>-<realm>-<target>
//
// with these adjustments, matching the shared persisted schema:
//   - a family refresh token is keyed by its family ID (foci- prefix
//     stripped) instead of the client ID, so any family member finds it;
//   - refresh tokens carry no realm (one refresh token spans realms);
//   - ID tokens carry no target;
//   - proof-of-possession access tokens append the auth scheme, keeping
//     them distinct from bearer tokens over the same target.
func CredentialKey(c *CredentialRecord) string {
	clientField := normalizeKeyField(c.ClientID)
	if c.CredentialType == CredentialRefreshToken && c.FamilyID != "" {
		clientField = normalizeKeyField(strings.TrimPrefix(c.FamilyID, familyPrefix))
	}

	realmField := normalizeKeyField(c.Realm)
	targetField := normalizeKeyField(c.Target)
	switch c.CredentialType {
	case CredentialRefreshToken:
		realmField = ""
	case CredentialIDToken:
		targetField = ""
	}

	key := strings.Join([]string{
		normalizeKeyField(c.HomeAccountID),
		normalizeKeyField(c.Environment),
		normalizeKeyField(string(c.CredentialType)),
		clientField,
		realmField,
		targetField,
	}, KeySeparator)

	if c.CredentialType == CredentialAccessToken && c.AuthScheme == SchemePoP {
		key += KeySeparator + normalizeKeyField(string(c.AuthScheme))
	}

	return key
}

// RequestedClaimsKeySuffix hashes a requested-claims JSON blob into a key
// component. Claims strings can contain the separator, so the raw value
// never participates in the key.
func RequestedClaimsKeySuffix(requestedClaims string) string {
	h := fnv.New32a()
	h.Write([]byte(normalizeKeyField(requestedClaims)))
	return fmt.Sprintf("%s%d", KeySeparator, h.Sum32())
}

// CredentialTypeFromKey recovers the credential type discriminator from a
// cache key. Key components may themselves contain the separator (account
// identifiers routinely do), so the type is located as a delimited marker
// rather than by positional split.
func CredentialTypeFromKey(key string) (CredentialType, bool) {
	lowered := strings.ToLower(key)
	for _, t := range []CredentialType{CredentialAccessToken, CredentialRefreshToken, CredentialIDToken} {
		marker := KeySeparator + strings.ToLower(string(t)) + KeySeparator
		if strings.Contains(lowered, marker) {
			return t, true
		}
	}
	return "", false
}

// IsAccountKey reports whether the key belongs to an account record rather
// than a credential record.
func IsAccountKey(key string) bool {
	_, isCredential := CredentialTypeFromKey(key)
	return !isCredential
}

// MatchesAccount reports whether a credential key belongs to the account
// identified by homeAccountID and environment. Used for cascade deletes.
func MatchesAccount(key, homeAccountID, environment string) bool {
	prefix := normalizeKeyField(homeAccountID) + KeySeparator + normalizeKeyField(environment) + KeySeparator
	return strings.HasPrefix(strings.ToLower(key), prefix)
}
