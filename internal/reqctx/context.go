// Package reqctx defines the per-request mutable state (C3) threaded
// through the router and the HTTP connection state machine.
package reqctx

import "sync"

// Capture is an (offset, length) pair into the request URL, identifying one
// matched route parameter's byte range (§3 "Request context").
type Capture struct {
	Offset int
	Length int
}

// Value returns the substring of url this capture refers to.
func (c Capture) Value(url string) string {
	if c.Offset < 0 || c.Offset+c.Length > len(url) {
		return ""
	}
	return url[c.Offset : c.Offset+c.Length]
}

// BodySourceKind selects which of the four response body shapes (§4.2) the
// connection should stream.
type BodySourceKind uint8

const (
	BodyNone BodySourceKind = iota
	BodyBytes
	BodyStaticFile
	BodyProgressiveFile
)

// Flags holds the small set of per-connection booleans carried alongside a
// request (§3 "connection flags").
type Flags struct {
	TLS            bool
	Upgrade        bool
	HTTP10         bool
	Authorized     bool
	URLParamsSet   bool
}

// Context is the per-request state created by the HTTP connection for each
// exchange, optionally recycled across requests on a kept-alive connection
// to amortize allocations (§3 lifecycle note). Callers MUST call Reset
// before reusing a Context from a pool.
type Context struct {
	// Method is the HTTP method, mutable by a router rewrite rule (§4.1).
	Method string
	// URL is the request URL, mutable by a router rewrite rule. It holds the
	// request target as received, query string included; Router.Process
	// copies the query into HasQuery/RawQuery without removing it from URL.
	URL string
	HasQuery bool
	RawQuery string

	Headers     map[string]string
	Body        []byte
	RemoteIP    string
	ConnID      uint32

	Flags Flags

	// Status is the response status the handler (or a router callback/
	// rewrite) decided on.
	Status int
	// ResponseBody is the in-memory response body for BodyBytes sources.
	ResponseBody []byte
	// BodySource selects which of ResponseBody/StaticFilePath is live.
	BodySource BodySourceKind
	// StaticFilePath is the filename to stream for BodyStaticFile and
	// BodyProgressiveFile sources (§4.2 "body is the UTF-8 filename").
	StaticFilePath string
	// ProgressiveExpectedSize is the custom header value for
	// BodyProgressiveFile sources (§4.2).
	ProgressiveExpectedSize int64
	// AbortCheck, for a BodyProgressiveFile source, reports whether the
	// partial registry entry backing this stream has been aborted,
	// driving the body state's transition to Abort (§3, §4.8 "Abort").
	AbortCheck func() bool

	ContentType    string
	CustomHeaders  string // raw CRLF-separated header lines (§4.2)

	AuthenticatedUser string
	BearerToken       string

	ErrorMessage string

	// Captures holds one (offset, length) pair per matched route parameter,
	// in the order they were declared in the pattern (§3, §8 "Parameter
	// round-trip").
	Captures []Capture
	// Names holds the parameter names corresponding 1:1 with Captures.
	Names []string
	// MatchedNode is an opaque pointer to the router node that matched,
	// surfaced to callbacks for retrieval of their registered opaque value
	// (§9 "Cyclic ownership").
	MatchedNode any

	// RangeRequested indicates the client sent a Range header; RangeStart/
	// RangeEnd are the parsed, clamped bounds (§4.2 "Ranges").
	RangeRequested bool
	RangeStart     int64
	RangeEnd       int64

	// pooled, if non-nil, is the pool this Context should be returned to.
	pooled *sync.Pool
}

// Reset clears all fields so the Context is safe to reuse for a new request
// on a keep-alive connection (§3 lifecycle).
func (c *Context) Reset() {
	pooled := c.pooled
	*c = Context{}
	c.pooled = pooled
	if c.Headers == nil {
		c.Headers = make(map[string]string, 16)
	}
}

// Release returns the Context to its pool, if it was obtained from one.
func (c *Context) Release() {
	if c.pooled == nil {
		return
	}
	c.Reset()
	c.pooled.Put(c)
}

// Pool is a sync.Pool of *Context, used by the HTTP connection to amortize
// per-request allocation (§3).
type Pool struct {
	pool sync.Pool
}

// NewPool constructs a Context pool.
func NewPool() *Pool {
	p := &Pool{}
	p.pool.New = func() any {
		return &Context{Headers: make(map[string]string, 16), pooled: &p.pool}
	}
	return p
}

// Get returns a reset Context from the pool.
func (p *Pool) Get() *Context {
	ctx := p.pool.Get().(*Context)
	ctx.Reset()
	return ctx
}
