// Package auth implements the server-side authentication engine (C7):
// Basic, Digest, and a minimal two-way Negotiate flow, plus the shared
// challenge/cooldown bookkeeping described in spec.md §4.3.
package auth

import "fmt"

// Mode selects one of the mutually exclusive, process-wide authentication
// schemes (§4.3 "Modes (mutually exclusive, process-wide)").
type Mode int

const (
	// None disables authentication entirely; Engine.Authenticate always
	// reports the request authorized.
	None Mode = iota
	// BasicCallback verifies credentials through a Verifier callback.
	BasicCallback
	// BasicStore verifies credentials through a CredentialStore.
	BasicStore
	// Digest performs RFC 2617-style challenge/response digest auth.
	Digest
	// Negotiate performs a two-way (no NTLM three-leg) token exchange
	// against a platform GSS/SSPI-like binding.
	Negotiate
)

func (m Mode) String() string {
	switch m {
	case None:
		return "none"
	case BasicCallback:
		return "basic-callback"
	case BasicStore:
		return "basic-store"
	case Digest:
		return "digest"
	case Negotiate:
		return "negotiate"
	default:
		return fmt.Sprintf("auth.Mode(%d)", int(m))
	}
}
