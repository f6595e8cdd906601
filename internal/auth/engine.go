package auth

import (
	"fmt"
	"sync"
	"time"

	"github.com/nodeweave/nodeweave/internal/reqctx"
)

// Engine drives one of the mutually exclusive authentication modes against
// incoming requests, including the shared 401-then-403 cooldown rule
// (§4.3 "Rate-limit").
type Engine struct {
	mode  Mode
	realm string

	verifier Verifier
	store    CredentialStore
	digest   DigestStore
	binding  Binding

	secret   []byte
	cooldown time.Duration
	now      func() time.Time

	mu         sync.Mutex
	lastFailed map[string]int64 // remote IP -> cooldown bucket of its most recent 401
}

// Config collects an Engine's construction parameters; exactly the fields
// relevant to Mode need be set.
type Config struct {
	Mode     Mode
	Realm    string
	Verifier Verifier
	Store    CredentialStore
	Digest   DigestStore
	Binding  Binding
	// Secret salts the digest nonce/opaque derivation; any long-lived
	// per-process secret works.
	Secret []byte
	// Cooldown is the re-challenge window named in §4.3; zero disables
	// cooldown tracking (every failure re-challenges with 401).
	Cooldown time.Duration
}

// NewEngine validates cfg against its Mode and constructs an Engine.
func NewEngine(cfg Config) (*Engine, error) {
	switch cfg.Mode {
	case None:
	case BasicCallback:
		if cfg.Verifier == nil {
			return nil, fmt.Errorf("auth: BasicCallback mode requires a Verifier")
		}
	case BasicStore:
		if cfg.Store == nil {
			return nil, fmt.Errorf("auth: BasicStore mode requires a CredentialStore")
		}
	case Digest:
		if cfg.Digest == nil {
			return nil, fmt.Errorf("auth: Digest mode requires a DigestStore")
		}
	case Negotiate:
		if cfg.Binding == nil {
			return nil, fmt.Errorf("auth: Negotiate mode requires a Binding")
		}
	default:
		return nil, fmt.Errorf("auth: unknown mode %v", cfg.Mode)
	}
	realm := cfg.Realm
	if realm == "" {
		realm = "nodeweave"
	}
	return &Engine{
		mode:       cfg.Mode,
		realm:      realm,
		verifier:   cfg.Verifier,
		store:      cfg.Store,
		digest:     cfg.Digest,
		binding:    cfg.Binding,
		secret:     cfg.Secret,
		cooldown:   cfg.Cooldown,
		now:        time.Now,
		lastFailed: make(map[string]int64),
	}, nil
}

// Authenticate runs admission check 4 (§4.2 "Authentication if enabled and
// header requires it"). status is 0 when authorized (ctx.Flags.Authorized
// and ctx.AuthenticatedUser are set as a side effect), 401 with challenge
// set to the WWW-Authenticate value when credentials are missing or
// invalid and the client may retry, or 403 when the per-IP cooldown bucket
// already saw a failure (§4.3 "reject with 403 and close").
func (e *Engine) Authenticate(ctx *reqctx.Context, connID uint32) (status int, challenge string) {
	if e.mode == None {
		ctx.Flags.Authorized = true
		return 0, ""
	}

	if e.mode == Negotiate {
		return e.authenticateNegotiate(ctx)
	}

	ok, user := e.verify(ctx)
	if ok {
		ctx.Flags.Authorized = true
		ctx.AuthenticatedUser = user
		return 0, ""
	}

	if e.cooldownExhausted(ctx.RemoteIP) {
		return 403, ""
	}
	return 401, e.challenge(connID)
}

// authenticateNegotiate drives the two-way token exchange: a request
// carrying no token (or one the binding doesn't yet accept as complete)
// always re-challenges with the binding's next output token, since a
// stateless nonce-style cooldown does not apply to a token handshake.
func (e *Engine) authenticateNegotiate(ctx *reqctx.Context) (status int, challenge string) {
	header := ctx.Headers["authorization"]
	inputToken, _ := parseNegotiateHeader(header)

	outputToken, done, err := e.binding.Accept(inputToken)
	if err == nil && done {
		ctx.Flags.Authorized = true
		return 0, ""
	}
	return 401, negotiateChallenge(outputToken)
}

func (e *Engine) verify(ctx *reqctx.Context) (ok bool, user string) {
	header := ctx.Headers["authorization"]
	if header == "" {
		return false, ""
	}
	switch e.mode {
	case BasicCallback:
		u, p, parsed := parseBasicHeader(header)
		if !parsed {
			return false, ""
		}
		return e.verifier.Check(u, p), u
	case BasicStore:
		u, p, parsed := parseBasicHeader(header)
		if !parsed {
			return false, ""
		}
		return e.store.Check(u, p), u
	case Digest:
		params, parsed := parseDigestHeader(header)
		if !parsed {
			return false, ""
		}
		ha1, found := e.digest.HA1(params.username, e.realm)
		if !found {
			return false, ""
		}
		return verifyDigest(params, ctx.Method, ctx.URL, ha1), params.username
	default:
		return false, ""
	}
}

func (e *Engine) challenge(connID uint32) string {
	switch e.mode {
	case BasicCallback, BasicStore:
		return basicChallenge(e.realm)
	case Digest:
		return digestChallenge(e.realm, e.secret, connID)
	default:
		return ""
	}
}

func (e *Engine) cooldownExhausted(remoteIP string) bool {
	if e.cooldown <= 0 {
		return false
	}
	bucketSeconds := int64(e.cooldown / time.Second)
	if bucketSeconds < 1 {
		bucketSeconds = 1
	}
	bucket := e.now().Unix() / bucketSeconds

	e.mu.Lock()
	defer e.mu.Unlock()
	last, seen := e.lastFailed[remoteIP]
	e.lastFailed[remoteIP] = bucket
	return seen && last == bucket
}
