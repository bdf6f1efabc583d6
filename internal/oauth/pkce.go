// Package oauth implements the gateway's OAuth lifecycle: device-flow
// account creation, refresh-token exchange, and the background refresh
// scheduler.
//
// PKCE generation and the persist-on-completion pattern are grounded on
// the teacher proxy's claude_auth.go (GeneratePKCE, ClaudeOAuthSession);
// that file implements an authorization-code+PKCE flow rather than a
// device-code grant, so the device-flow state machine itself (initiate/
// poll, pending/slow_down/completed/expired/denied) is a new addition,
// built in the same idiom (crypto/rand verifier, sha256 challenge,
// in-memory session table swept on expiry) since no device-flow example
// exists anywhere in the reference corpus.
package oauth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
)

// PKCEPair is a verifier/challenge pair per RFC 7636.
type PKCEPair struct {
	Verifier  string
	Challenge string
}

// GeneratePKCE returns a new random code_verifier and its S256 challenge.
func GeneratePKCE() (PKCEPair, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return PKCEPair{}, fmt.Errorf("generate pkce verifier: %w", err)
	}
	verifier := base64.RawURLEncoding.EncodeToString(buf)
	sum := sha256.Sum256([]byte(verifier))
	challenge := base64.RawURLEncoding.EncodeToString(sum[:])
	return PKCEPair{Verifier: verifier, Challenge: challenge}, nil
}
