package httpserver

import "github.com/nodeweave/nodeweave/internal/reqctx"

// Hooks is the capability set a concrete server implements so that callers
// like the peer cache coordinator can plug into the connection lifecycle
// without this package depending on them (§9 "Inheritance hierarchies":
// "define a trait-like capability set ... and implement it per concrete
// server"). Every hook is optional; a nil Hooks field means "no-op".
type Hooks struct {
	// OnHeaderParsed may intercept a request right after its headers are
	// parsed and before admission checks continue; returning handled=true
	// ends the exchange at the given status (§4.2 admission check 3).
	OnHeaderParsed func(ctx *reqctx.Context) (status int, handled bool)

	// OnBeforeBody may reject the request with any status before its body
	// is read; status 202 means "accept the body, defer to the main
	// handler" (§4.2 admission check 5).
	OnBeforeBody func(ctx *reqctx.Context) (status int, handled bool)

	// OnRequest is the fallback handler invoked when the router does not
	// match (§4.2 "Dispatch").
	OnRequest func(ctx *reqctx.Context) int

	// OnIdle is invoked from the accept loop once per elapsed second when
	// Accept times out (§4.4 "Accept loop").
	OnIdle func()
}

func (h *Hooks) headerParsed(ctx *reqctx.Context) (int, bool) {
	if h == nil || h.OnHeaderParsed == nil {
		return 0, false
	}
	return h.OnHeaderParsed(ctx)
}

func (h *Hooks) beforeBody(ctx *reqctx.Context) (int, bool) {
	if h == nil || h.OnBeforeBody == nil {
		return 0, false
	}
	return h.OnBeforeBody(ctx)
}

func (h *Hooks) request(ctx *reqctx.Context) int {
	if h == nil || h.OnRequest == nil {
		return 404
	}
	return h.OnRequest(ctx)
}

func (h *Hooks) idle() {
	if h == nil || h.OnIdle == nil {
		return
	}
	h.OnIdle()
}
