package router

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/nodeweave/nodeweave/internal/reqctx"
)

// Callback is a registered route handler. It receives the matched context
// and the opaque pointer stashed at registration time (§9 "Cyclic
// ownership": the router never retains strong ownership of the server; the
// server passes itself in as this opaque value so callbacks can reach back
// into server state without the router importing it).
type Callback func(ctx *reqctx.Context, opaque any) int

// rewriteTriple is one (literal-offset, literal-length, capture-index) triple
// in a pre-parsed rewrite destination template (§3 "Radix tree node").
// captureIndex is -1 for a pure literal run.
type rewriteTriple struct {
	literalOffset int
	literalLength int
	captureIndex  int
}

// rewriteRule carries a pre-parsed destination template, or a fixed status
// meaning "return this status, do not rewrite" (§4.1).
type rewriteRule struct {
	triples      []rewriteTriple
	staticLength int
	static       string // backing string the triples' literal spans index into
	method       string // rewritten method; empty means unchanged
	status       int    // 0 means "use the template"; 200-599 means fixed status
}

// callbackRule carries a user callback plus its opaque registration-time
// value.
type callbackRule struct {
	fn     Callback
	opaque any
}

// rule is the payload attached to a terminal tree node. Exactly one of
// rewrite/callback is set, or both are nil for a pass-through node that
// exists only as a prefix split point (§3 invariant).
type rule struct {
	rewrite  *rewriteRule
	callback *callbackRule
}

func (r *rule) isEmpty() bool { return r == nil || (r.rewrite == nil && r.callback == nil) }

// sameAs reports whether two rules describe the same registered action, used
// to make re-registration of an identical pattern idempotent (§4.1).
func (r *rule) sameAs(other *rule) bool {
	switch {
	case r.rewrite != nil && other.rewrite != nil:
		rw1, rw2 := r.rewrite, other.rewrite
		return rw1.method == rw2.method && rw1.status == rw2.status && rw1.static == rw2.static
	case r.callback != nil && other.callback != nil:
		return true // identity of the function value can't be compared reliably; pattern+action is enough
	default:
		return false
	}
}

// newRewriteRule parses destination into a rewriteRule. names is the
// ordered list of parameter names discovered in the source pattern, used to
// resolve a destination's <name> references to a capture index (§4.1).
func newRewriteRule(destination, method string, names []string) (*rewriteRule, error) {
	if len(destination) == 3 {
		if status, err := strconv.Atoi(destination); err == nil && status >= 200 && status <= 599 {
			return &rewriteRule{method: method, status: status}, nil
		}
	}

	index := make(map[string]int, len(names))
	for i, n := range names {
		index[n] = i
	}

	var triples []rewriteTriple
	total := 0
	i := 0
	for i < len(destination) {
		lt := strings.IndexByte(destination[i:], '<')
		if lt < 0 {
			lit := destination[i:]
			if lit != "" {
				triples = append(triples, rewriteTriple{literalOffset: i, literalLength: len(lit), captureIndex: -1})
				total += len(lit)
			}
			break
		}
		if lt > 0 {
			lit := destination[i : i+lt]
			triples = append(triples, rewriteTriple{literalOffset: i, literalLength: len(lit), captureIndex: -1})
			total += len(lit)
		}
		start := i + lt + 1
		gt := strings.IndexByte(destination[start:], '>')
		if gt < 0 {
			return nil, fmt.Errorf("router: unterminated reference in destination %q", destination)
		}
		name := destination[start : start+gt]
		idx, ok := index[name]
		if !ok {
			return nil, fmt.Errorf("router: destination references unknown parameter %q", name)
		}
		triples = append(triples, rewriteTriple{captureIndex: idx})
		i = start + gt + 1
	}

	return &rewriteRule{triples: triples, staticLength: total, static: destination, method: method}, nil
}

// apply computes the rewritten URL for the given captures taken from srcURL,
// per §8 "Rewrite soundness": the result equals the template with each <ci>
// textually replaced by vi, and its length equals static-length plus the sum
// of the capture lengths.
func (rw *rewriteRule) apply(srcURL string, captures []reqctx.Capture) string {
	var b strings.Builder
	b.Grow(rw.staticLength + 32)
	for _, t := range rw.triples {
		if t.captureIndex < 0 {
			b.WriteString(rw.static[t.literalOffset : t.literalOffset+t.literalLength])
			continue
		}
		if t.captureIndex < len(captures) {
			b.WriteString(captures[t.captureIndex].Value(srcURL))
		}
	}
	return b.String()
}
