package oauth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
)

// pkceVerifierBytes is the number of random bytes for the PKCE code
// verifier. 32 bytes provides 256 bits of entropy.
const pkceVerifierBytes = 32

// PKCEChallenge is a proof-key pair substituting for a static client secret
// during the authorization-code exchange.
type PKCEChallenge struct {
	CodeVerifier        string
	CodeChallenge       string
	CodeChallengeMethod string
}

// GeneratePKCE generates a new PKCE code verifier and its S256 challenge.
func GeneratePKCE() (*PKCEChallenge, error) {
	verifierBytes := make([]byte, pkceVerifierBytes)
	if _, err := rand.Read(verifierBytes); err != nil {
		return nil, fmt.Errorf("failed to generate random bytes for PKCE: %w", err)
	}

	verifier := base64.RawURLEncoding.EncodeToString(verifierBytes)
	hash := sha256.Sum256([]byte(verifier))

	return &PKCEChallenge{
		CodeVerifier:        verifier,
		CodeChallenge:       base64.RawURLEncoding.EncodeToString(hash[:]),
		CodeChallengeMethod: "S256",
	}, nil
}

// decodeSegment decodes a base64 blob in either raw-URL or std-URL
// alphabets, tolerating missing padding; providers are inconsistent here.
func decodeSegment(seg string) ([]byte, error) {
	if raw, err := base64.RawURLEncoding.DecodeString(seg); err == nil {
		return raw, nil
	}
	if raw, err := base64.URLEncoding.DecodeString(seg); err == nil {
		return raw, nil
	}
	return base64.StdEncoding.DecodeString(seg)
}
