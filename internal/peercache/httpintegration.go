package peercache

import (
	"net"
	"os"
	"strings"

	"github.com/nodeweave/nodeweave/internal/httpserver"
	"github.com/nodeweave/nodeweave/internal/peercrypt"
	"github.com/nodeweave/nodeweave/internal/reqctx"
)

// SetHTTPServer wires the HTTP server into Overloaded's active-connection
// check. Construction order is circular (the server's Hooks point back at
// this Coordinator), so callers build the server with OnBeforeBody/
// OnRequest bound to this Coordinator, then call SetHTTPServer once the
// server exists, the same late-bind pattern New's doc comment describes
// for the discovery server.
func (c *Coordinator) SetHTTPServer(s *httpserver.Server) {
	c.httpSrv.Store(s)
}

// Lookup answers an inbound UDP Request with this node's view of the
// requested content hash (§4.6 step 5, discovery.Responder).
func (c *Coordinator) Lookup(m *peercrypt.Message) (peercrypt.Kind, int64) {
	size := m.HashAlgo.DigestSize()
	if size == 0 {
		return peercrypt.KindResponseNone, 0
	}
	dgst := buildDigest(m.HashAlgo, m.Digest[:size])

	if _, _, fileSize, err := c.store.Lookup(dgst); err == nil {
		return peercrypt.KindResponseFull, fileSize
	}

	if path, _, ok := c.partials.Find(dgst.String()); ok {
		if fi, err := os.Stat(path); err == nil {
			return peercrypt.KindResponsePartial, fi.Size()
		}
	}

	return peercrypt.KindResponseNone, 0
}

// Overloaded reports whether the wired HTTP server's active connection
// count exceeds the configured limit (§4.6 step 5 "Overloaded").
func (c *Coordinator) Overloaded() bool {
	limit := c.settings.Limits.MaxActiveConnections
	if limit <= 0 {
		return false
	}
	srv, _ := c.httpSrv.Load().(*httpserver.Server)
	if srv == nil {
		return false
	}
	return srv.ActiveConnections() > int64(limit)
}

// decodeAnyBearer opens token without committing to a Kind up front, since
// OnBeforeBody must distinguish a direct-mode bearer (KindDirectBearer)
// from an ordinary cache request bearer (KindRequestBearer) by inspecting
// the decoded Kind itself (§4.5 "Bearer tokens").
func decodeAnyBearer(core *peercrypt.Core, token string) (*peercrypt.Message, error) {
	for _, kind := range []peercrypt.Kind{peercrypt.KindRequestBearer, peercrypt.KindDirectBearer} {
		if m, err := peercrypt.DecodeBearer(core, token, kind); err == nil {
			return m, nil
		}
	}
	return nil, peercrypt.ErrBearerKind
}

func bearerToken(ctx *reqctx.Context) string {
	if ctx.BearerToken != "" {
		return ctx.BearerToken
	}
	const prefix = "Bearer "
	if auth := ctx.Headers["authorization"]; strings.HasPrefix(auth, prefix) {
		return strings.TrimPrefix(auth, prefix)
	}
	return ""
}

func isLocalhost(remoteIP string) bool {
	return remoteIP == "127.0.0.1" || remoteIP == "::1" || remoteIP == "localhost"
}

// banRemote adds remoteIP to the HTTP-level ban set after an undecodable
// bearer, mirroring discovery's own ban-on-decode-failure rule (§4.6 step
// 3) at the HTTP layer.
func (c *Coordinator) banRemote(remoteIP string) {
	if c.httpban == nil {
		return
	}
	if ip := net.ParseIP(remoteIP); ip != nil {
		c.httpban.Ban(ip)
		if c.counters != nil {
			c.counters.BansIssuedHTTP.Add(1)
		}
	}
}

// OnBeforeBody implements §4.7's HTTP server integration admission checks:
// method, URL, and bearer validity, plus the direct-mode bearer's extra
// localhost/kind/opaque binding to the exact URL it authorizes.
func (c *Coordinator) OnBeforeBody(ctx *reqctx.Context) (int, bool) {
	if ctx.Method != "GET" {
		return 405, true
	}
	if ctx.URL == "" {
		return 400, true
	}
	if c.httpban != nil {
		if ip := net.ParseIP(ctx.RemoteIP); ip != nil && c.httpban.Banned(ip) {
			return 403, true
		}
	}

	token := bearerToken(ctx)
	if token == "" {
		return 401, true
	}
	m, err := decodeAnyBearer(c.core, token)
	if err != nil {
		c.banRemote(ctx.RemoteIP)
		return 401, true
	}

	direct := strings.HasPrefix(ctx.URL, "/http/") || strings.HasPrefix(ctx.URL, "/https/")
	if direct {
		if !isLocalhost(ctx.RemoteIP) {
			return 403, true
		}
		if m.Kind != peercrypt.KindDirectBearer {
			return 403, true
		}
		if m.Opaque != peercrypt.DirectOpaque(ctx.URL) {
			return 403, true
		}
	} else if m.Kind != peercrypt.KindRequestBearer {
		return 403, true
	}

	ctx.BearerToken = token
	return 202, true
}

// OnRequest serves the content this bearer authorizes, implementing
// §4.7's "HTTP server integration": a local cache hit streams as a static
// file, an in-flight partial streams progressively, a miss reports 404,
// and a direct-mode bearer (already localhost/kind/opaque-checked by
// OnBeforeBody) proxies the URL it was bound to via fetchDirect.
func (c *Coordinator) OnRequest(ctx *reqctx.Context) int {
	m, err := decodeAnyBearer(c.core, bearerToken(ctx))
	if err != nil {
		return 403
	}
	if m.Kind == peercrypt.KindDirectBearer {
		return c.fetchDirect(ctx)
	}
	if m.Kind != peercrypt.KindRequestBearer {
		return 403
	}

	size := m.HashAlgo.DigestSize()
	if size == 0 {
		return 400
	}
	dgst := buildDigest(m.HashAlgo, m.Digest[:size])

	if path, _, size, err := c.store.Lookup(dgst); err == nil {
		ctx.BodySource = reqctx.BodyStaticFile
		ctx.StaticFilePath = path
		ctx.ContentType = httpserver.StaticFileContentType
		// Counts the full file size rather than the actual wire bytes, so a
		// Range request is slightly over-counted; good enough for a gauge of
		// how much this node is serving other peers.
		c.countBytesServed(size)
		return 200
	}

	if path, id, ok := c.partials.Find(dgst.String()); ok {
		entry, _ := c.partials.Get(id)
		ctx.BodySource = reqctx.BodyProgressiveFile
		ctx.StaticFilePath = path
		ctx.ContentType = httpserver.StaticFileContentType
		if entry != nil {
			ctx.ProgressiveExpectedSize = entry.ExpectedSize
			ctx.AbortCheck = entry.Aborted
		}
		return 206
	}

	return 404
}
