// Package router implements the per-method radix URI tree and the router
// that sits on top of it (C1, C2 of the design). Registration takes a
// writer lock; lookup takes a reader lock, so concurrent requests never
// block each other while a route table is static (§4.1, §5).
package router

import (
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/nodeweave/nodeweave/internal/reqctx"
)

// Methods is the fixed set of HTTP methods the router maintains a tree for
// (§3 "Router").
var Methods = [...]string{"GET", "POST", "PUT", "DELETE", "OPTIONS", "HEAD", "PATCH"}

func methodIndex(method string) int {
	for i, m := range Methods {
		if m == method {
			return i
		}
	}
	return -1
}

// Router owns one radix tree per method plus a registration counter per
// method, guarded by a single reader/writer lock (§3 "Router").
type Router struct {
	mu     sync.RWMutex
	trees  [len(Methods)]*node
	counts [len(Methods)]int64
}

// New constructs an empty Router.
func New() *Router {
	r := &Router{}
	for i := range r.trees {
		r.trees[i] = newNode("")
	}
	return r
}

// RouteCount returns the number of patterns registered for method.
func (r *Router) RouteCount(method string) int64 {
	idx := methodIndex(method)
	if idx < 0 {
		return 0
	}
	return atomic.LoadInt64(&r.counts[idx])
}

// RegisterCallback registers a callback action for pattern under method
// (§4.1 "Registration"). Registering the identical pattern+action twice is
// idempotent; a conflicting action for the same (method, pattern) is a
// registration-time error, never surfaced during dispatch (§7
// "Propagation policy").
func (r *Router) RegisterCallback(method, pattern string, fn Callback, opaque any) error {
	return r.register(method, pattern, &rule{callback: &callbackRule{fn: fn, opaque: opaque}})
}

// RegisterRewrite registers a rewrite action. destination is either a
// 3-digit status string or a URL template that may reference <name>
// captures from pattern (§4.1). rewriteMethod, if non-empty, also rewrites
// the request method; pass "" to leave it unchanged.
func (r *Router) RegisterRewrite(method, pattern, destination, rewriteMethod string) error {
	_, names, err := parsePattern(pattern)
	if err != nil {
		return err
	}
	rw, err := newRewriteRule(destination, rewriteMethod, names)
	if err != nil {
		return err
	}
	return r.register(method, pattern, &rule{rewrite: rw})
}

// RegisterMulti applies RegisterCallback across several methods at once,
// mirroring the source's Run({GET, POST}, ...) convenience (§8 scenario 2).
func (r *Router) RegisterMulti(methods []string, pattern string, fn Callback, opaque any) error {
	for _, m := range methods {
		if err := r.RegisterCallback(m, pattern, fn, opaque); err != nil {
			return err
		}
	}
	return nil
}

func (r *Router) register(method, pattern string, rl *rule) error {
	idx := methodIndex(method)
	if idx < 0 {
		return fmt.Errorf("router: unsupported method %q", method)
	}
	tokens, _, err := parsePattern(pattern)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	root := r.trees[idx]
	before := countRules(root)
	if err := root.insertTokens(tokens, 0, rl); err != nil {
		return err
	}
	after := countRules(root)
	if after > before {
		atomic.AddInt64(&r.counts[idx], 1)
	}
	return nil
}

func countRules(n *node) int {
	total := 0
	if n.r != nil && !n.r.isEmpty() {
		total++
	}
	for _, c := range n.children {
		total += countRules(c)
	}
	for _, p := range n.params {
		if p != nil {
			total += countRules(p)
		}
	}
	return total
}

// Process looks up ctx.Method/ctx.URL against the tree and either runs a
// matched callback, applies a matched rewrite, or reports no match (§4.1
// "Dispatch"):
//
//   - 0: no route matched; the caller should continue to its fallback handler.
//   - 0 < s < 1000: a callback ran (s is the status to report) or a rewrite
//     produced a fixed status.
//   - 0, with ctx.Method/ctx.URL mutated: a rewrite rule matched and
//     rewrote the request; the caller should re-enter dispatch with the new
//     values.
func (r *Router) Process(ctx *reqctx.Context) int {
	idx := methodIndex(ctx.Method)
	if idx < 0 {
		return 0
	}

	url := ctx.URL
	if q := strings.IndexByte(url, '?'); q >= 0 {
		ctx.HasQuery = true
		ctx.RawQuery = url[q+1:]
		url = url[:q]
	}

	r.mu.RLock()
	res := r.trees[idx].match(url, url, 0)
	r.mu.RUnlock()

	if res == nil {
		return 0
	}

	ctx.Captures = res.captures
	ctx.Names = res.names

	switch {
	case res.r.callback != nil:
		return res.r.callback.fn(ctx, res.r.callback.opaque)
	case res.r.rewrite != nil:
		rw := res.r.rewrite
		if rw.status != 0 {
			return rw.status
		}
		ctx.URL = rw.apply(url, res.captures)
		if rw.method != "" {
			ctx.Method = rw.method
		}
		return 0
	default:
		return 0
	}
}
