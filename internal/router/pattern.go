package router

import (
	"fmt"
	"strings"
)

// ParamKind is the typed placeholder constraint (§4.1).
type ParamKind uint8

const (
	// ParamString matches a non-slash segment. It is the default for a bare
	// <name> placeholder.
	ParamString ParamKind = iota
	// ParamInt requires the captured segment to be all ASCII digits.
	ParamInt
	// ParamPath captures the remainder of the URL, including slashes.
	ParamPath
	paramKindCount
)

func (k ParamKind) String() string {
	switch k {
	case ParamString:
		return "string"
	case ParamInt:
		return "int"
	case ParamPath:
		return "path"
	default:
		return "unknown"
	}
}

func parseParamKind(s string) (ParamKind, bool) {
	switch s {
	case "", "string":
		return ParamString, true
	case "int":
		return ParamInt, true
	case "path":
		return ParamPath, true
	default:
		return 0, false
	}
}

// token is one element of a parsed pattern: either a literal run of bytes
// or a typed placeholder.
type token struct {
	literal string
	isParam bool
	kind    ParamKind
	name    string
}

// parsePattern splits a registration pattern into an ordered list of
// literal/placeholder tokens, per §4.1's placeholder syntax. A bare "*", or
// "/*", is sugar for "/<path:path>" (§3 invariant). The returned slice of parameter
// names is in left-to-right order of appearance, used to validate rewrite
// destination references and to resolve their capture index (§4.1).
func parsePattern(pattern string) ([]token, []string, error) {
	if pattern == "*" || pattern == "/*" {
		pattern = "/<path:path>"
	}

	var tokens []token
	var names []string
	seen := make(map[string]bool)

	i := 0
	for i < len(pattern) {
		lt := strings.IndexByte(pattern[i:], '<')
		if lt < 0 {
			tokens = append(tokens, token{literal: pattern[i:]})
			break
		}
		if lt > 0 {
			tokens = append(tokens, token{literal: pattern[i : i+lt]})
		}
		start := i + lt + 1
		gt := strings.IndexByte(pattern[start:], '>')
		if gt < 0 {
			return nil, nil, fmt.Errorf("router: unterminated placeholder in pattern %q", pattern)
		}
		inner := pattern[start : start+gt]
		var kindStr, name string
		if colon := strings.IndexByte(inner, ':'); colon >= 0 {
			kindStr, name = inner[:colon], inner[colon+1:]
		} else {
			name = inner
		}
		if name == "" {
			return nil, nil, fmt.Errorf("router: empty placeholder name in pattern %q", pattern)
		}
		kind, ok := parseParamKind(kindStr)
		if !ok {
			return nil, nil, fmt.Errorf("router: unknown placeholder type %q in pattern %q", kindStr, pattern)
		}
		if seen[name] {
			return nil, nil, fmt.Errorf("router: duplicate parameter name %q in pattern %q", name, pattern)
		}
		seen[name] = true
		names = append(names, name)
		tokens = append(tokens, token{isParam: true, kind: kind, name: name})
		i = start + gt + 1
	}
	return tokens, names, nil
}
