// Package oauth implements the client side of the authorization-code-with-
// PKCE flow: primitive generation, authorize-URL construction, and the token
// endpoint exchanges.
package oauth

import (
	"golang.org/x/oauth2"

	"github.com/dgellow/tokenfront/internal/crypto"
)

// ChallengeMethodS256 is the only code challenge method this client uses
const ChallengeMethodS256 = "S256"

// PKCE holds the verifier/challenge pair for one authorization flow (RFC 7636)
type PKCE struct {
	Verifier  string
	Challenge string
}

// GeneratePKCE generates a cryptographically random code verifier (43 chars,
// base64url) and its S256 challenge
func GeneratePKCE() *PKCE {
	verifier := oauth2.GenerateVerifier()
	return &PKCE{
		Verifier:  verifier,
		Challenge: oauth2.S256ChallengeFromVerifier(verifier),
	}
}

// GenerateState generates a random anti-CSRF state token, unrelated to the
// verifier
func GenerateState() (string, error) {
	return crypto.GenerateSecureToken()
}

// VerifyState compares the state returned on the callback against the one
// stored before redirecting, in constant time
func VerifyState(got, want string) bool {
	if got == "" || want == "" {
		return false
	}
	return crypto.ConstantTimeEquals(got, want)
}
