package auth

import (
	"encoding/base64"
	"strings"
)

// Verifier checks a plaintext username/password pair, the "callback"
// verification style named in §4.3.
type Verifier interface {
	Check(user, password string) bool
}

// VerifierFunc adapts a plain function to Verifier.
type VerifierFunc func(user, password string) bool

func (f VerifierFunc) Check(user, password string) bool { return f(user, password) }

// CredentialStore checks a plaintext password the "object with a
// check(user, password) method" style named in §4.3; kept distinct from
// Verifier so BasicCallback and BasicStore can be configured independently
// even though both reduce to the same check today.
type CredentialStore interface {
	Check(user, password string) bool
}

func parseBasicHeader(value string) (user, password string, ok bool) {
	const prefix = "Basic "
	if !strings.HasPrefix(value, prefix) {
		return "", "", false
	}
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(value[len(prefix):]))
	if err != nil {
		return "", "", false
	}
	colon := strings.IndexByte(string(raw), ':')
	if colon < 0 {
		return "", "", false
	}
	return string(raw[:colon]), string(raw[colon+1:]), true
}

func basicChallenge(realm string) string {
	return `Basic realm="` + realm + `"`
}
