package auth

import (
	"encoding/base64"
	"strings"
)

// Binding is the platform GSS-API/SSPI acceptor this process delegates
// token exchange to (§4.3 "submit to the platform GSS/SSPI binding"). This
// package only drives the two-way handshake; it never implements Kerberos/
// SPNEGO itself.
type Binding interface {
	// Accept consumes one client token and returns the token to send back.
	// done is true once the security context is fully established.
	Accept(inputToken []byte) (outputToken []byte, done bool, err error)
}

func parseNegotiateHeader(value string) ([]byte, bool) {
	const prefix = "Negotiate "
	if !strings.HasPrefix(value, prefix) {
		return nil, false
	}
	tok, err := base64.StdEncoding.DecodeString(strings.TrimSpace(value[len(prefix):]))
	if err != nil {
		return nil, false
	}
	return tok, true
}

func negotiateChallenge(outputToken []byte) string {
	if len(outputToken) == 0 {
		return "Negotiate"
	}
	return "Negotiate " + base64.StdEncoding.EncodeToString(outputToken)
}
