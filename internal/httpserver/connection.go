// Package httpserver implements the socket-based HTTP/1.1 connection
// state machine (C4), the connection acceptor (C5), and the bounded
// worker pool with dedicated-worker promotion (C6) (§4.2, §4.4).
package httpserver

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/nodeweave/nodeweave/internal/logging"
	"github.com/nodeweave/nodeweave/internal/metrics"
	"github.com/nodeweave/nodeweave/internal/reqctx"
	"github.com/nodeweave/nodeweave/internal/router"
	"github.com/nodeweave/nodeweave/internal/tailbuffer"
)

// diagTailSize bounds how many of the most recent raw socket bytes are kept
// around to annotate a malformed-request log line (§4.2 "Request parsing").
const diagTailSize = 256

var methodsWithoutBody = map[string]bool{
	"GET": true, "HEAD": true, "OPTIONS": true, "DELETE": true, "TRACE": true,
}

// state is the connection's position in the C4 state machine (§3 "HTTP
// connection state machine").
type state int

const (
	stateReadingHeaders state = iota
	stateAuthChallenge
	stateReadingBody
	stateDispatching
	stateSendingHeaders
	stateSendingBody
	stateDone
)

// bodyState is the SendingBody sub-state (§3).
type bodyState int

const (
	bodySend bodyState = iota
	bodyWait
	bodyDone
	bodyAbort
)

// Connection drives one socket through the request/response lifecycle. A
// Connection is reused across a keep-alive connection's requests; each
// request gets its own reqctx.Context from ctxPool, reset when released.
type Connection struct {
	conn   net.Conn
	br     *bufio.Reader
	bw     *bufio.Writer
	id     uint32
	log    logging.Logger
	router *router.Router
	hooks  *Hooks
	opts   ConnOptions
	ctxPool *reqctx.Pool

	// diag mirrors the last diagTailSize raw bytes read off the socket, so
	// a malformed request line or header block can be logged with the
	// bytes that triggered it (same tee-and-keep-the-tail shape the model
	// backends use to capture a crashing subprocess's last output).
	diag io.ReadWriter

	state state
	keepAlive bool
	http10    bool
}

// ConnOptions carries the subset of config.Settings the connection layer
// needs, duplicated here (rather than importing config directly) so this
// package stays decoupled from the settings struct's full shape.
type ConnOptions struct {
	MaxHeaderBytes     int
	MaxBodyBytes       int64
	SendBufferSize     int
	HeaderReadTimeout  time.Duration
	KeepAliveIdle      time.Duration
	ServerName         string
	XPoweredBy         string
	SendDateHeader     bool
	ProxyIPHeader      string
	ConnectionIDHeader string
	PromoteBodyBytes   int64
	// OnBanCandidate is invoked with a peer IP after a non-401/403 4xx
	// response, the HTTP-level ban trigger (§4.4 "hsoBan40xIP").
	OnBanCandidate func(ip string)
	// Authenticator runs admission check 4 (§4.2, §4.3) when non-nil. A nil
	// Authenticator means authentication is disabled for this server.
	Authenticator Authenticator
	// Counters, if non-nil, receives a requests-served count per dispatched
	// exchange (§12 "Prometheus metrics endpoint").
	Counters *metrics.Counters
}

// Authenticator is the capability auth.Engine satisfies, kept as a local
// interface so this package never imports internal/auth (§9 "define a
// trait-like capability set").
type Authenticator interface {
	Authenticate(ctx *reqctx.Context, connID uint32) (status int, challenge string)
}

var connIDSeq uint32

func nextConnID() uint32 {
	return atomic.AddUint32(&connIDSeq, 1) & 0x7fffffff
}

// NewConnection wraps conn for request processing.
func NewConnection(conn net.Conn, rt *router.Router, hooks *Hooks, pool *reqctx.Pool, opts ConnOptions, log logging.Logger) *Connection {
	diag := tailbuffer.NewTailBuffer(diagTailSize)
	return &Connection{
		conn:    conn,
		br:      bufio.NewReaderSize(io.TeeReader(conn, diag), 4096),
		bw:      bufio.NewWriterSize(conn, 4096),
		id:      nextConnID(),
		log:     log,
		router:  rt,
		hooks:   hooks,
		opts:    opts,
		ctxPool: pool,
		diag:    diag,
	}
}

// diagSnippet drains whatever raw bytes are currently buffered in diag,
// for inclusion in a malformed-request log line. Draining is fine here:
// it only runs once per failed request, right before the connection
// closes.
func (c *Connection) diagSnippet() string {
	buf := make([]byte, diagTailSize)
	n, _ := c.diag.Read(buf)
	return strconv.Quote(string(buf[:n]))
}

// Serve runs the request/response loop until the connection should close,
// implementing keep-alive reuse (§4.2 "Keep-alive"), then closes the
// socket.
func (c *Connection) Serve() {
	defer c.conn.Close()
	for {
		cont := c.serveOne()
		if !cont {
			return
		}
	}
}

// serveOne processes exactly one request/response exchange and reports
// whether the connection should be kept open for another.
func (c *Connection) serveOne() bool {
	ctx := c.ctxPool.Get()
	defer ctx.Release()

	ctx.ConnID = c.id
	ctx.RemoteIP = c.remoteIP()

	if c.opts.HeaderReadTimeout > 0 {
		_ = c.conn.SetReadDeadline(time.Now().Add(c.opts.HeaderReadTimeout))
	}

	status, ok := c.readRequestLine(ctx)
	if !ok {
		if status != 0 {
			c.log.Debugf("httpserver: malformed request line from %s: %s", ctx.RemoteIP, c.diagSnippet())
		}
		c.writeStatusOnly(status)
		return false
	}

	if err := c.readHeaders(ctx); err != nil {
		c.log.Debugf("httpserver: malformed headers from %s: %v (%s)", ctx.RemoteIP, err, c.diagSnippet())
		c.writeStatusOnly(400)
		return false
	}
	if c.opts.HeaderReadTimeout > 0 {
		_ = c.conn.SetReadDeadline(time.Time{})
	}

	c.keepAlive = c.decideKeepAlive(ctx)

	// Admission check 2: Content-Length too large.
	if cl := contentLength(ctx); cl > c.opts.MaxBodyBytes && c.opts.MaxBodyBytes > 0 {
		c.writeStatusOnly(413)
		return false
	}

	// Admission check 3: OnHeaderParsed hook.
	if status, handled := c.hooks.headerParsed(ctx); handled {
		c.finishResponse(ctx, status)
		return c.keepAlive && status < 400
	}

	// Admission check 4: authentication.
	if c.opts.Authenticator != nil {
		status, challenge := c.opts.Authenticator.Authenticate(ctx, c.id)
		if status != 0 {
			if challenge != "" {
				ctx.CustomHeaders += "WWW-Authenticate: " + challenge + "\r\n"
			}
			ctx.ContentType = NoContentType
			c.finishResponse(ctx, status)
			if status == 403 {
				return false
			}
			return c.keepAlive
		}
	}

	// Admission check 5: OnBeforeBody hook.
	if status, handled := c.hooks.beforeBody(ctx); handled && status != 202 {
		c.finishResponse(ctx, status)
		return c.keepAlive && status < 400
	}

	// Admission check 6: Expect: 100-continue.
	if strings.EqualFold(ctx.Headers["expect"], "100-continue") {
		c.bw.WriteString("HTTP/1.1 100 Continue\r\n\r\n")
		c.bw.Flush()
	}

	if err := c.readBody(ctx); err != nil {
		c.writeStatusOnly(400)
		return false
	}

	status = func() (s int) {
		defer func() {
			if r := recover(); r != nil {
				c.log.Errorf("httpserver: handler panic on %s %s: %v", ctx.Method, ctx.URL, r)
				ctx.BodySource = reqctx.BodyNone
				ctx.ResponseBody = nil
				c.keepAlive = false
				s = 500
			}
		}()
		return c.dispatch(ctx)
	}()
	c.finishResponse(ctx, status)

	if status >= 400 && status != 401 && status != 403 {
		c.notifyBanCandidate(ctx)
	}

	return c.keepAlive && status < 500
}

// remoteIP returns the socket peer address; readHeaders overrides it with
// ctx.Headers[ProxyIPHeader] once headers are available, per §4.2 "Extract
// real IP from a configurable proxy header when set; fall back to the
// socket peer address."
func (c *Connection) remoteIP() string {
	host, _, err := net.SplitHostPort(c.conn.RemoteAddr().String())
	if err != nil {
		return c.conn.RemoteAddr().String()
	}
	return host
}

// readRequestLine reads "METHOD SP URI SP HTTP/MAJOR.MINOR" (§4.2 "Request
// parsing"). ok is false when the line failed to parse or the socket
// closed; status carries what to report (0 for a clean EOF with nothing
// read, meaning "just close").
func (c *Connection) readRequestLine(ctx *reqctx.Context) (status int, ok bool) {
	line, err := c.br.ReadString('\n')
	if err != nil {
		if line == "" {
			return 0, false
		}
		return 400, false
	}
	line = strings.TrimRight(line, "\r\n")
	if line == "" {
		// Tolerate a leading blank line some clients send between
		// keep-alive requests.
		line, err = c.br.ReadString('\n')
		if err != nil {
			return 400, false
		}
		line = strings.TrimRight(line, "\r\n")
	}

	for i := 0; i < len(line); i++ {
		b := line[i]
		if b < 0x20 && b != '\t' || b >= 0x7f {
			return 400, false
		}
	}

	parts := strings.SplitN(line, " ", 3)
	if len(parts) != 3 {
		return 400, false
	}
	method, uri, proto := parts[0], parts[1], parts[2]

	if !strings.HasPrefix(proto, "HTTP/") {
		return 400, false
	}
	verStr := strings.TrimPrefix(proto, "HTTP/")
	dot := strings.IndexByte(verStr, '.')
	if dot < 0 {
		return 400, false
	}
	minor := verStr[dot+1:]
	c.http10 = minor == "0"

	ctx.Method = method
	ctx.URL = uri
	ctx.Flags.HTTP10 = c.http10
	return 0, true
}

// readHeaders reads header lines until an empty line or MaxHeaderBytes is
// exceeded (§4.2 "Read header lines until empty line or configured
// limit").
func (c *Connection) readHeaders(ctx *reqctx.Context) error {
	total := 0
	for {
		line, err := c.br.ReadString('\n')
		if err != nil {
			return err
		}
		total += len(line)
		if c.opts.MaxHeaderBytes > 0 && total > c.opts.MaxHeaderBytes {
			return fmt.Errorf("httpserver: header block exceeds %d bytes", c.opts.MaxHeaderBytes)
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			break
		}
		colon := strings.IndexByte(line, ':')
		if colon < 0 {
			continue
		}
		name := strings.ToLower(strings.TrimSpace(line[:colon]))
		value := strings.TrimSpace(line[colon+1:])
		ctx.Headers[name] = value
	}

	if strings.Contains(strings.ToLower(ctx.Headers["transfer-encoding"]), "chunked") {
		return fmt.Errorf("httpserver: chunked transfer-encoding is not supported")
	}

	if c.opts.ProxyIPHeader != "" {
		if v := ctx.Headers[strings.ToLower(c.opts.ProxyIPHeader)]; v != "" {
			ctx.RemoteIP = firstForwardedHost(v)
		}
	}
	if c.opts.ConnectionIDHeader != "" {
		if v := ctx.Headers[strings.ToLower(c.opts.ConnectionIDHeader)]; v != "" {
			if n, err := strconv.ParseUint(v, 10, 32); err == nil {
				ctx.ConnID = uint32(n)
			}
		}
	}
	return nil
}

func firstForwardedHost(v string) string {
	if comma := strings.IndexByte(v, ','); comma >= 0 {
		v = v[:comma]
	}
	return strings.TrimSpace(v)
}

func contentLength(ctx *reqctx.Context) int64 {
	v, ok := ctx.Headers["content-length"]
	if !ok {
		return 0
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0
	}
	return n
}

// readBody reads exactly Content-Length bytes, applying a registered
// decompressor if Content-Encoding names one (§4.2 "Body reading").
func (c *Connection) readBody(ctx *reqctx.Context) error {
	if methodsWithoutBody[ctx.Method] {
		return nil
	}
	cl := contentLength(ctx)
	if cl <= 0 {
		return nil
	}

	raw := make([]byte, cl)
	if _, err := io.ReadFull(c.br, raw); err != nil {
		return fmt.Errorf("httpserver: reading body: %w", err)
	}

	if enc := strings.ToLower(ctx.Headers["content-encoding"]); enc != "" {
		if dec, ok := decompressorFor(enc); ok {
			rc, err := dec(bytes.NewReader(raw))
			if err != nil {
				return err
			}
			defer rc.Close()
			decoded, err := io.ReadAll(rc)
			if err != nil {
				return fmt.Errorf("httpserver: decompressing body: %w", err)
			}
			raw = decoded
		}
	}

	ctx.Body = raw
	if int64(len(raw)) >= c.opts.PromoteBodyBytes && c.opts.PromoteBodyBytes > 0 {
		ctx.Flags.Upgrade = true // reused as "promote to dedicated worker" signal
	}
	return nil
}

// dispatch runs the router, re-entering it after each rewrite (§4.1
// "causing the caller to re-enter normal dispatch with the new values"),
// and falls through to the hooks' OnRequest handler once the router
// reports a genuine miss (§4.2 "Dispatch").
func (c *Connection) dispatch(ctx *reqctx.Context) int {
	if c.opts.Counters != nil {
		c.opts.Counters.RequestsServed.Add(1)
	}
	const maxRewrites = 8 // bounds an accidental rewrite cycle
	for i := 0; i < maxRewrites; i++ {
		method, url := ctx.Method, ctx.URL
		status := c.router.Process(ctx)
		if status != 0 {
			return status
		}
		if ctx.Method == method && ctx.URL == url {
			break // no rewrite happened: the router genuinely has no match
		}
	}
	return c.hooks.request(ctx)
}

func (c *Connection) decideKeepAlive(ctx *reqctx.Context) bool {
	conn := strings.ToLower(ctx.Headers["connection"])
	if conn == "close" {
		return false
	}
	if c.http10 {
		return conn == "keep-alive"
	}
	return conn != "close"
}

func (c *Connection) notifyBanCandidate(ctx *reqctx.Context) {
	if c.opts.OnBanCandidate != nil {
		c.opts.OnBanCandidate(ctx.RemoteIP)
	}
}
