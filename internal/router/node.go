package router

import (
	"fmt"

	"github.com/nodeweave/nodeweave/internal/reqctx"
)

// node is one edge-compressed segment of the per-method radix tree (§3
// "Radix tree node"). prefix is the literal text labeling the edge from the
// parent to this node; children are indexed by the first byte of their own
// prefix so a static lookup never scans siblings linearly. params holds up
// to one child per placeholder kind, so two patterns that diverge into
// different placeholder types at the same split point (e.g. "/u/<int:id>"
// and "/u/<name>") can coexist (§8 "Tie-break").
type node struct {
	prefix   string
	children map[byte]*node
	params   [paramKindCount]*node
	paramName string // only meaningful on a node reached via a params[] edge
	r        *rule
}

func newNode(prefix string) *node {
	return &node{prefix: prefix}
}

// commonPrefixLen returns the length of the longest common prefix of a, b.
func commonPrefixLen(a, b string) int {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	i := 0
	for i < n && a[i] == b[i] {
		i++
	}
	return i
}

// insertLiteral walks/splits the radix tree to ensure a path exists for
// text, then continues inserting the remaining tokens starting at idx+1
// once text is fully consumed.
func (n *node) insertLiteral(text string, tokens []token, idx int, rl *rule) error {
	if text == "" {
		return n.insertTokens(tokens, idx+1, rl)
	}

	c := text[0]
	if n.children == nil {
		n.children = make(map[byte]*node)
	}
	child, ok := n.children[c]
	if !ok {
		leaf := newNode(text)
		n.children[c] = leaf
		return leaf.insertTokens(tokens, idx+1, rl)
	}

	cp := commonPrefixLen(child.prefix, text)
	switch {
	case cp == len(child.prefix) && cp == len(text):
		return child.insertTokens(tokens, idx+1, rl)
	case cp == len(child.prefix):
		// Child's whole prefix matches; descend with the remaining text.
		return child.insertLiteral(text[cp:], tokens, idx, rl)
	default:
		// Split child at cp: create an intermediate node holding the
		// common prefix, demote the old child under it, and attach a new
		// leaf for the remaining text (if any).
		mid := newNode(child.prefix[:cp])
		child.prefix = child.prefix[cp:]
		mid.children = map[byte]*node{child.prefix[0]: child}
		n.children[c] = mid
		if cp == len(text) {
			return mid.insertTokens(tokens, idx+1, rl)
		}
		return mid.insertLiteral(text[cp:], tokens, idx, rl)
	}
}

// insertTokens inserts tokens[idx:] rooted at n, attaching rl at the
// terminus.
func (n *node) insertTokens(tokens []token, idx int, rl *rule) error {
	if idx >= len(tokens) {
		if n.r != nil && !n.r.isEmpty() {
			if !n.r.sameAs(rl) {
				return fmt.Errorf("router: conflicting registration for an already-registered route")
			}
			return nil // idempotent re-registration (§4.1)
		}
		n.r = rl
		return nil
	}

	tok := tokens[idx]
	if !tok.isParam {
		return n.insertLiteral(tok.literal, tokens, idx, rl)
	}

	child := n.params[tok.kind]
	if child == nil {
		child = newNode("")
		child.paramName = tok.name
		n.params[tok.kind] = child
	}
	return child.insertTokens(tokens, idx+1, rl)
}

// matchResult is returned up the recursion stack by match.
type matchResult struct {
	r        *rule
	captures []reqctx.Capture
	names    []string
}

// match attempts to match remaining (a suffix of the full URL, with offset
// marking where it starts within fullURL) against the subtree rooted at n.
// It tries static children before parameter children, and among parameter
// children tries string, then int, then path (§4.1 "Lookup", §8
// "Tie-break"). The first terminal match wins; there is no backtracking
// beyond what this recursion performs.
func (n *node) match(fullURL, remaining string, offset int) *matchResult {
	if n.prefix != "" {
		if len(remaining) < len(n.prefix) || remaining[:len(n.prefix)] != n.prefix {
			return nil
		}
		remaining = remaining[len(n.prefix):]
		offset += len(n.prefix)
	}

	if remaining == "" {
		if n.r != nil && !n.r.isEmpty() {
			return &matchResult{r: n.r}
		}
		return nil
	}

	if child, ok := n.children[remaining[0]]; ok {
		if res := child.match(fullURL, remaining, offset); res != nil {
			return res
		}
	}

	for _, kind := range [3]ParamKind{ParamString, ParamInt, ParamPath} {
		p := n.params[kind]
		if p == nil {
			continue
		}
		span := captureSpan(kind, remaining)
		if span < 0 {
			continue
		}
		if span == 0 && kind != ParamPath {
			continue
		}
		res := p.match(fullURL, remaining[span:], offset+span)
		if res == nil {
			continue
		}
		cap := reqctx.Capture{Offset: offset, Length: span}
		res.captures = append([]reqctx.Capture{cap}, res.captures...)
		res.names = append([]string{p.paramName}, res.names...)
		return res
	}

	return nil
}

// captureSpan returns how many bytes of remaining a placeholder of the
// given kind would capture, or -1 if the kind's constraint is violated
// (e.g. an "int" segment containing a non-digit).
func captureSpan(kind ParamKind, remaining string) int {
	switch kind {
	case ParamPath:
		return len(remaining)
	case ParamInt:
		i := 0
		for i < len(remaining) && remaining[i] != '/' {
			if remaining[i] < '0' || remaining[i] > '9' {
				return -1
			}
			i++
		}
		return i
	default: // ParamString
		i := 0
		for i < len(remaining) && remaining[i] != '/' {
			i++
		}
		return i
	}
}
